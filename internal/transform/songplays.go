package transform

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/bwmarrin/snowflake"

	"github.com/HagarHaytham/Sparkify-Data-Lake/internal/staging"
)

// MaxPartitions is the largest partition count the songplay builder accepts;
// each partition owns one snowflake node.
const MaxPartitions = 1024

// JoinPolicy decides what happens to plays the catalog cannot resolve.
type JoinPolicy int

const (
	// InnerJoin drops plays without a catalog match.
	InnerJoin JoinPolicy = iota
	// LeftJoin keeps them with null song_id and artist_id.
	LeftJoin
)

func (p JoinPolicy) String() string {
	if p == LeftJoin {
		return "left"
	}
	return "inner"
}

// ParseJoinPolicy maps a configuration value onto a policy.
func ParseJoinPolicy(s string) (JoinPolicy, error) {
	switch s {
	case "", "inner":
		return InnerJoin, nil
	case "left":
		return LeftJoin, nil
	}
	return InnerJoin, fmt.Errorf("invalid join policy: %q (want inner or left)", s)
}

// Songplay is a row of the songplays fact table.
type Songplay struct {
	SongplayID int64
	StartTime  time.Time
	Month      int32
	Year       int32
	UserID     staging.NullString
	Level      staging.NullString
	SongID     staging.NullString
	ArtistID   staging.NullString
	SessionID  staging.NullInt64
	Location   staging.NullString
	UserAgent  staging.NullString
}

// JoinStats summarises a songplay build.
type JoinStats struct {
	Plays     int `json:"plays"`
	Matched   int `json:"matched"`
	Unmatched int `json:"unmatched"`
	// Ambiguous counts plays that resolved to more than one catalog song.
	Ambiguous int `json:"ambiguous"`
	Rows      int `json:"rows"`
}

type joinKey struct {
	title    string
	artist   string
	duration float64
}

type catalogMatch struct {
	songID   staging.NullString
	artistID staging.NullString
}

// SongplayBuilder joins song play events to the catalog.
type SongplayBuilder struct {
	policy     JoinPolicy
	partitions int
	log        *slog.Logger
}

// NewSongplayBuilder returns a builder splitting the events into the given
// number of partitions.
func NewSongplayBuilder(policy JoinPolicy, partitions int, log *slog.Logger) (*SongplayBuilder, error) {
	if partitions < 1 || partitions > MaxPartitions {
		return nil, fmt.Errorf("invalid partition count %d: must be between 1 and %d", partitions, MaxPartitions)
	}
	return &SongplayBuilder{policy: policy, partitions: partitions, log: log}, nil
}

// Build produces the fact rows for the song plays in events. Events must
// carry decoded timestamps. Rows come out in event order; a play matching
// several catalog songs yields one row per song.
func (b *SongplayBuilder) Build(ctx context.Context, events *staging.EventView, songs *staging.SongView) ([]Songplay, JoinStats, error) {
	var stats JoinStats
	if !events.Decoded {
		return nil, stats, ErrNotDecoded
	}

	catalog := indexCatalog(songs)

	var plays []*staging.EventRecord
	for i := range events.Records {
		if events.Records[i].IsSongPlay() {
			plays = append(plays, &events.Records[i])
		}
	}
	stats.Plays = len(plays)

	parts := b.partitions
	if parts > len(plays) {
		parts = max(len(plays), 1)
	}
	size := (len(plays) + parts - 1) / parts

	pool := pond.NewResultPool[partitionResult](parts, pond.WithContext(ctx))
	defer pool.StopAndWait()

	group := pool.NewGroup()
	for p := 0; p < parts; p++ {
		lo := min(p*size, len(plays))
		hi := min(lo+size, len(plays))
		group.SubmitErr(func() (partitionResult, error) {
			node, err := snowflake.NewNode(int64(p))
			if err != nil {
				return partitionResult{}, fmt.Errorf("partition %d: %w", p, err)
			}
			return b.join(ctx, node, plays[lo:hi], catalog)
		})
	}
	results, err := group.Wait()
	if err != nil {
		return nil, stats, err
	}

	var rows []Songplay
	for _, r := range results {
		rows = append(rows, r.rows...)
		stats.Matched += r.matched
		stats.Unmatched += r.unmatched
		stats.Ambiguous += r.ambiguous
	}
	stats.Rows = len(rows)

	b.log.Info("built songplays", "plays", stats.Plays, "matched", stats.Matched, "unmatched", stats.Unmatched,
		"ambiguous", stats.Ambiguous, "rows", stats.Rows, "join", b.policy.String(), "partitions", parts)
	if stats.Unmatched > 0 && b.policy == InnerJoin {
		b.log.Warn("dropped song plays without a catalog match", "dropped", stats.Unmatched)
	}
	return rows, stats, nil
}

type partitionResult struct {
	rows      []Songplay
	matched   int
	unmatched int
	ambiguous int
}

func (b *SongplayBuilder) join(ctx context.Context, node *snowflake.Node, plays []*staging.EventRecord, catalog map[joinKey][]catalogMatch) (partitionResult, error) {
	var res partitionResult
	for i, ev := range plays {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}

		var matches []catalogMatch
		if ev.Song.Valid && ev.Artist.Valid && ev.Length.Valid {
			matches = catalog[joinKey{title: ev.Song.String, artist: ev.Artist.String, duration: ev.Length.Float64}]
		}

		switch {
		case len(matches) == 0:
			res.unmatched++
			if b.policy == LeftJoin {
				res.rows = append(res.rows, newSongplay(node, ev, catalogMatch{}))
			}
			continue
		case len(matches) > 1:
			res.ambiguous++
		}
		res.matched++
		for _, m := range matches {
			res.rows = append(res.rows, newSongplay(node, ev, m))
		}
	}
	return res, nil
}

func newSongplay(node *snowflake.Node, ev *staging.EventRecord, m catalogMatch) Songplay {
	return Songplay{
		SongplayID: node.Generate().Int64(),
		StartTime:  ev.Timestamp,
		Month:      int32(ev.Timestamp.Month()),
		Year:       int32(ev.Timestamp.Year()),
		UserID:     ev.UserID,
		Level:      ev.Level,
		SongID:     m.songID,
		ArtistID:   m.artistID,
		SessionID:  ev.SessionID,
		Location:   ev.Location,
		UserAgent:  ev.UserAgent,
	}
}

// indexCatalog groups catalog songs by join key. Records with a null key
// column can never satisfy the equality and are left out; identical
// (song_id, artist_id) pairs under one key are kept once.
func indexCatalog(songs *staging.SongView) map[joinKey][]catalogMatch {
	index := make(map[joinKey][]catalogMatch)
	for i := range songs.Records {
		r := &songs.Records[i]
		if !r.Title.Valid || !r.ArtistName.Valid || !r.Duration.Valid {
			continue
		}
		k := joinKey{title: r.Title.String, artist: r.ArtistName.String, duration: r.Duration.Float64}
		m := catalogMatch{songID: r.SongID, artistID: r.ArtistID}
		dup := false
		for _, existing := range index[k] {
			if existing == m {
				dup = true
				break
			}
		}
		if !dup {
			index[k] = append(index[k], m)
		}
	}
	return index
}
