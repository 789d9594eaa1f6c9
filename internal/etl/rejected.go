package etl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/HagarHaytham/Sparkify-Data-Lake/internal/staging"
)

// writeRejected replaces <rejected>/<family>/ with the rejected records of
// this run as newline-delimited JSON. It is a no-op under the fail policy.
func (p *Pipeline) writeRejected(ctx context.Context, family string, records []staging.Rejected) error {
	if p.policy != staging.RejectOnSchemaError {
		return nil
	}
	store, err := p.opener.Open(p.rejected)
	if err != nil {
		return err
	}
	dest := p.rejected.Join(family)
	stage, err := store.Stage(dest.Path)
	if err != nil {
		return err
	}

	if len(records) > 0 {
		if err := writeNDJSON(filepath.Join(stage, "part-00000.json"), records); err != nil {
			store.Discard(stage)
			return err
		}
	}

	pub, err := store.Publish(ctx, stage, dest.Path)
	if err != nil {
		store.Discard(stage)
		return fmt.Errorf("failed to publish rejected records: %w", err)
	}
	if len(records) > 0 {
		p.log.Warn("wrote rejected records", "family", family, "records", len(records), "location", pub.Location)
	}
	return nil
}

func writeNDJSON(path string, records []staging.Rejected) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	enc := json.NewEncoder(f)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			f.Close()
			return fmt.Errorf("failed to encode rejected record: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}
