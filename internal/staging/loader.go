package staging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/alitto/pond/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/HagarHaytham/Sparkify-Data-Lake/internal/storage"
)

// ErrSchema marks records that do not match the expected input schema.
var ErrSchema = errors.New("schema error")

// SchemaError locates a record that could not be staged.
type SchemaError struct {
	Source string
	Line   int
	Field  string
	Err    error
}

func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s:%d: missing field %q", e.Source, e.Line, e.Field)
	}
	return fmt.Sprintf("%s:%d: %v", e.Source, e.Line, e.Err)
}

func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

func (e *SchemaError) Unwrap() error { return e.Err }

// SchemaPolicy decides what happens to records that fail to stage.
type SchemaPolicy int

const (
	// FailOnSchemaError aborts the load on the first bad record.
	FailOnSchemaError SchemaPolicy = iota
	// RejectOnSchemaError routes bad records to the rejected output.
	RejectOnSchemaError
)

// ParseSchemaPolicy maps a configuration value onto a policy.
func ParseSchemaPolicy(s string) (SchemaPolicy, error) {
	switch s {
	case "", "fail":
		return FailOnSchemaError, nil
	case "reject":
		return RejectOnSchemaError, nil
	}
	return FailOnSchemaError, fmt.Errorf("invalid schema error policy: %q", s)
}

// Rejected is a record routed to the rejected output.
type Rejected struct {
	Source string `json:"source"`
	Line   int    `json:"line"`
	Reason string `json:"reason"`
	Record string `json:"record"`
}

// LoadStats summarises one load.
type LoadStats struct {
	Files    int
	Bytes    int64
	Records  int
	Rejected int
}

// Loader reads input families from a store.
type Loader struct {
	store   storage.Store
	policy  SchemaPolicy
	workers int
	log     *slog.Logger
}

// NewLoader returns a Loader reading up to workers files concurrently.
func NewLoader(store storage.Store, policy SchemaPolicy, workers int, log *slog.Logger) *Loader {
	if workers < 1 {
		workers = 1
	}
	return &Loader{store: store, policy: policy, workers: workers, log: log}
}

// LoadSongs stages every song-catalog file matching pattern.
func (l *Loader) LoadSongs(ctx context.Context, pattern string) (*SongView, []Rejected, LoadStats, error) {
	records, rejected, stats, err := load[SongRecord](ctx, l, pattern, songRequired, nil)
	if err != nil {
		return nil, nil, stats, err
	}
	return &SongView{Records: records}, rejected, stats, nil
}

// LoadEvents stages every event-log file matching pattern.
func (l *Loader) LoadEvents(ctx context.Context, pattern string) (*EventView, []Rejected, LoadStats, error) {
	records, rejected, stats, err := load[EventRecord](ctx, l, pattern, eventRequired, (*EventRecord).normalize)
	if err != nil {
		return nil, nil, stats, err
	}
	return &EventView{Records: records}, rejected, stats, nil
}

type fileResult[T any] struct {
	records  []T
	rejected []Rejected
	bytes    int64
}

func load[T any](ctx context.Context, l *Loader, pattern string, required []string, post func(*T)) ([]T, []Rejected, LoadStats, error) {
	var stats LoadStats

	objects, err := l.store.Glob(ctx, pattern)
	if err != nil {
		return nil, nil, stats, err
	}
	if len(objects) == 0 {
		return nil, nil, stats, fmt.Errorf("no input files match %q", pattern)
	}
	l.log.Info("staging input", "pattern", pattern, "files", len(objects))

	pool := pond.NewResultPool[fileResult[T]](l.workers, pond.WithContext(ctx))
	defer pool.StopAndWait()

	group := pool.NewGroup()
	for _, obj := range objects {
		group.SubmitErr(func() (fileResult[T], error) {
			return readFile(ctx, l, obj.Key, required, post)
		})
	}
	results, err := group.Wait()
	if err != nil {
		return nil, nil, stats, err
	}

	var records []T
	var rejected []Rejected
	for _, r := range results {
		records = append(records, r.records...)
		rejected = append(rejected, r.rejected...)
		stats.Bytes += r.bytes
	}
	stats.Files = len(objects)
	stats.Records = len(records)
	stats.Rejected = len(rejected)
	if stats.Rejected > 0 {
		l.log.Warn("rejected input records", "pattern", pattern, "rejected", stats.Rejected)
	}
	return records, rejected, stats, nil
}

func readFile[T any](ctx context.Context, l *Loader, key string, required []string, post func(*T)) (fileResult[T], error) {
	var res fileResult[T]

	rc, err := l.store.Open(ctx, key)
	if err != nil {
		return res, err
	}
	defer rc.Close()

	counted := &countingReader{r: rc}
	body, closeBody, err := decompress(key, counted)
	if err != nil {
		return res, fmt.Errorf("failed to open %s: %w", key, err)
	}
	defer closeBody()

	br := bufio.NewReaderSize(body, 64*1024)
	lineNo := 0
	for {
		line, readErr := br.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
				rec, err := decodeRecord[T](trimmed, key, lineNo, required)
				if err != nil {
					if l.policy == FailOnSchemaError {
						return res, err
					}
					res.rejected = append(res.rejected, Rejected{
						Source: key,
						Line:   lineNo,
						Reason: err.Error(),
						Record: string(trimmed),
					})
				} else {
					if post != nil {
						post(&rec)
					}
					res.records = append(res.records, rec)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return res, fmt.Errorf("failed to read %s: %w", key, readErr)
		}
	}
	res.bytes = counted.n

	l.log.Debug("staged file", "key", key, "records", len(res.records), "rejected", len(res.rejected))
	return res, nil
}

func decodeRecord[T any](line []byte, source string, lineNo int, required []string) (T, error) {
	var rec T
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return rec, &SchemaError{Source: source, Line: lineNo, Err: fmt.Errorf("malformed JSON: %w", err)}
	}
	for _, f := range required {
		if _, ok := fields[f]; !ok {
			return rec, &SchemaError{Source: source, Line: lineNo, Field: f}
		}
	}
	if err := json.Unmarshal(line, &rec); err != nil {
		return rec, &SchemaError{Source: source, Line: lineNo, Err: fmt.Errorf("invalid value: %w", err)}
	}
	return rec, nil
}

func decompress(key string, r io.Reader) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(key, ".gz"):
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, func() { _ = zr.Close() }, nil
	case strings.HasSuffix(key, ".zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	}
	return r, func() {}, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
