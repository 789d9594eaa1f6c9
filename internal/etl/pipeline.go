// Package etl sequences the catalog and event phases of a data lake build.
package etl

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/HagarHaytham/Sparkify-Data-Lake/internal/config"
	"github.com/HagarHaytham/Sparkify-Data-Lake/internal/staging"
	"github.com/HagarHaytham/Sparkify-Data-Lake/internal/storage"
	"github.com/HagarHaytham/Sparkify-Data-Lake/internal/timeparts"
	"github.com/HagarHaytham/Sparkify-Data-Lake/internal/transform"
	"github.com/HagarHaytham/Sparkify-Data-Lake/internal/warehouse"
)

// Phase selects which part of the build runs.
type Phase int

const (
	PhaseAll Phase = iota
	PhaseCatalog
	PhaseEvents
)

func (p Phase) String() string {
	switch p {
	case PhaseCatalog:
		return "catalog"
	case PhaseEvents:
		return "events"
	default:
		return "all"
	}
}

// ParsePhase maps a flag value onto a phase.
func ParsePhase(s string) (Phase, error) {
	switch s {
	case "", "all":
		return PhaseAll, nil
	case "catalog":
		return PhaseCatalog, nil
	case "events":
		return PhaseEvents, nil
	}
	return PhaseAll, fmt.Errorf("invalid phase: %q (want all, catalog or events)", s)
}

// StoreOpener resolves a location to the store serving it.
type StoreOpener interface {
	Open(loc storage.Location) (storage.Store, error)
}

// Pipeline runs one full rebuild of the output tables.
type Pipeline struct {
	cfg    *config.Config
	opener StoreOpener
	log    *slog.Logger

	session  *staging.Session
	policy   staging.SchemaPolicy
	join     transform.JoinPolicy
	weekday  timeparts.WeekdayConvention
	location *time.Location

	songData storage.Location
	logData  storage.Location
	output   storage.Location
	rejected storage.Location
	out      storage.Store
	writer   *warehouse.Writer
	stats    *ETLStats
}

// NewPipeline resolves cfg into a runnable pipeline. cfg must have been
// validated.
func NewPipeline(cfg *config.Config, opener StoreOpener, log *slog.Logger) (*Pipeline, error) {
	p := &Pipeline{cfg: cfg, opener: opener, log: log, session: staging.NewSession()}

	var err error
	if p.policy, err = staging.ParseSchemaPolicy(cfg.Transform.SchemaErrors); err != nil {
		return nil, err
	}
	if p.join, err = transform.ParseJoinPolicy(cfg.Transform.Join); err != nil {
		return nil, err
	}
	if p.weekday, err = timeparts.ParseWeekdayConvention(cfg.Transform.Weekday); err != nil {
		return nil, err
	}
	if p.location, err = cfg.Location(); err != nil {
		return nil, err
	}

	for _, l := range []struct {
		dst *storage.Location
		uri string
	}{
		{&p.songData, cfg.Input.SongData},
		{&p.logData, cfg.Input.LogData},
		{&p.output, cfg.Output.Path},
		{&p.rejected, cfg.RejectedPath()},
	} {
		if *l.dst, err = storage.ParseLocation(l.uri); err != nil {
			return nil, err
		}
	}

	if p.out, err = opener.Open(p.output); err != nil {
		return nil, err
	}
	p.writer = warehouse.NewWriter(p.out, p.output, warehouse.Options{
		Compression:  cfg.Writer.Compression,
		RowGroupRows: cfg.Writer.RowGroupRows,
		RowsPerFile:  cfg.Writer.RowsPerFile,
		Parallelism:  cfg.Writer.Parallelism,
		Workers:      cfg.Transform.Partitions,
	}, log)
	return p, nil
}

// Run executes the selected phases and returns the run statistics. The
// stats are returned even when a phase fails.
func (p *Pipeline) Run(ctx context.Context, phase Phase) (*ETLStats, error) {
	start := time.Now()
	p.stats = newStats(phase)
	defer func() { p.stats.finish(time.Since(start)) }()

	p.log.Info("starting ETL pipeline", "phase", phase.String(), "song_data", p.songData.String(),
		"log_data", p.logData.String(), "output", p.output.String(), "join", p.join.String())

	if err := p.out.CheckAccess(ctx, p.output.Path); err != nil {
		return p.stats, fmt.Errorf("output access check failed: %w", err)
	}

	if phase == PhaseAll || phase == PhaseCatalog {
		if err := p.processSongData(ctx); err != nil {
			return p.stats, fmt.Errorf("catalog phase: %w", err)
		}
	}
	if phase == PhaseAll || phase == PhaseEvents {
		if err := p.processLogData(ctx); err != nil {
			return p.stats, fmt.Errorf("event phase: %w", err)
		}
	}

	p.log.Info("ETL pipeline completed", "tables", len(p.stats.Tables), "duration", time.Since(start))
	return p.stats, nil
}

// Cleanup releases the staging views of the run.
func (p *Pipeline) Cleanup() {
	p.session.Close()
}

// processSongData stages the song catalog and writes songs and artists.
func (p *Pipeline) processSongData(ctx context.Context) error {
	if err := p.stageSongs(ctx); err != nil {
		return err
	}
	view, err := p.session.Songs(staging.SongsView)
	if err != nil {
		return err
	}

	songs := transform.ExtractSongs(view)
	if err := p.write(ctx, transform.NewSongsTable(songs.Rows), songs.Scanned, songs.Filtered, songs.Duplicates, songs.Conflicts); err != nil {
		return err
	}

	artists := transform.ExtractArtists(view)
	return p.write(ctx, transform.NewArtistsTable(artists.Rows), artists.Scanned, artists.Filtered, artists.Duplicates, artists.Conflicts)
}

// processLogData stages the event log and writes users, time and songplays.
func (p *Pipeline) processLogData(ctx context.Context) error {
	loader, err := p.loader(p.logData)
	if err != nil {
		return err
	}
	raw, rejected, ls, err := loader.LoadEvents(ctx, p.logData.Path)
	p.stats.addLoad(ls)
	if err != nil {
		return err
	}
	if err := p.writeRejected(ctx, "log_data", rejected); err != nil {
		return err
	}
	p.session.Register(staging.EventsView, raw)
	staged, err := p.session.Events(staging.EventsView)
	if err != nil {
		return err
	}

	users := transform.ExtractUsers(staged)
	if err := p.write(ctx, transform.NewUsersTable(users.Rows), users.Scanned, users.Filtered, users.Duplicates, users.Conflicts); err != nil {
		return err
	}

	decoded, dropped := staging.DecodeTimestamps(staged, p.location)
	p.stats.EventsWithoutTimestamp = dropped
	if dropped > 0 {
		p.log.Info("dropped events without timestamp", "events", dropped)
	}
	p.session.Register(staging.EventsView, decoded)
	events, err := p.session.Events(staging.EventsView)
	if err != nil {
		return err
	}

	moments, err := transform.ExtractTime(events, p.weekday)
	if err != nil {
		return err
	}
	if err := p.write(ctx, transform.NewTimeTable(moments.Rows), moments.Scanned, moments.Filtered, moments.Duplicates, moments.Conflicts); err != nil {
		return err
	}

	// The catalog is staged again so this phase does not depend on the
	// catalog phase of the same run.
	if err := p.stageSongs(ctx); err != nil {
		return err
	}
	songs, err := p.session.Songs(staging.SongsView)
	if err != nil {
		return err
	}

	builder, err := transform.NewSongplayBuilder(p.join, p.cfg.Transform.Partitions, p.log)
	if err != nil {
		return err
	}
	plays, js, err := builder.Build(ctx, events, songs)
	if err != nil {
		return err
	}
	p.stats.Songplays = &js
	return p.write(ctx, transform.NewSongplaysTable(plays), js.Plays, 0, 0, 0)
}

func (p *Pipeline) stageSongs(ctx context.Context) error {
	loader, err := p.loader(p.songData)
	if err != nil {
		return err
	}
	view, rejected, ls, err := loader.LoadSongs(ctx, p.songData.Path)
	p.stats.addLoad(ls)
	if err != nil {
		return err
	}
	if err := p.writeRejected(ctx, "song_data", rejected); err != nil {
		return err
	}
	p.session.Register(staging.SongsView, view)
	return nil
}

func (p *Pipeline) loader(loc storage.Location) (*staging.Loader, error) {
	store, err := p.opener.Open(loc)
	if err != nil {
		return nil, err
	}
	return staging.NewLoader(store, p.policy, p.cfg.Transform.ReadWorkers, p.log), nil
}

func (p *Pipeline) write(ctx context.Context, t *warehouse.Table, scanned, filtered, duplicates, conflicts int) error {
	res, err := p.writer.Write(ctx, t)
	if err != nil {
		return err
	}
	p.stats.addTable(res, scanned, filtered, duplicates, conflicts)
	if duplicates > 0 || conflicts > 0 {
		p.log.Debug("collapsed dimension rows", "table", t.Name, "duplicates", duplicates, "conflicts", conflicts)
	}
	return nil
}
