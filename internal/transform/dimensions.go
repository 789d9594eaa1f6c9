package transform

import (
	"errors"

	"github.com/HagarHaytham/Sparkify-Data-Lake/internal/staging"
	"github.com/HagarHaytham/Sparkify-Data-Lake/internal/timeparts"
)

// ErrNotDecoded is returned when a rule needs decoded timestamps but the
// event view has not been through staging.DecodeTimestamps.
var ErrNotDecoded = errors.New("event view has no decoded timestamps")

// Song is a row of the songs dimension.
type Song struct {
	SongID   string
	Title    staging.NullString
	ArtistID staging.NullString
	Year     staging.NullInt64
	Duration staging.NullFloat64
}

// Artist is a row of the artists dimension.
type Artist struct {
	ArtistID  string
	Name      staging.NullString
	Location  staging.NullString
	Latitude  staging.NullFloat64
	Longitude staging.NullFloat64
}

// User is a row of the users dimension.
type User struct {
	UserID    string
	FirstName staging.NullString
	LastName  staging.NullString
	Gender    staging.NullString
	Level     staging.NullString
}

// Moment is a row of the time dimension. StartTime is milliseconds since
// the epoch.
type Moment struct {
	StartTime int64
	timeparts.Parts
}

// SongRule derives songs from the catalog.
var SongRule = Rule[staging.SongRecord, Song, string]{
	Name:   "songs",
	Filter: func(r *staging.SongRecord) bool { return r.SongID.Valid },
	Project: func(r *staging.SongRecord) Song {
		return Song{
			SongID:   r.SongID.String,
			Title:    r.Title,
			ArtistID: r.ArtistID,
			Year:     r.Year,
			Duration: r.Duration,
		}
	},
	Key: func(s Song) string { return s.SongID },
}

// ArtistRule derives artists from the catalog.
var ArtistRule = Rule[staging.SongRecord, Artist, string]{
	Name:   "artists",
	Filter: func(r *staging.SongRecord) bool { return r.ArtistID.Valid },
	Project: func(r *staging.SongRecord) Artist {
		return Artist{
			ArtistID:  r.ArtistID.String,
			Name:      r.ArtistName,
			Location:  r.ArtistLocation,
			Latitude:  r.ArtistLatitude,
			Longitude: r.ArtistLongitude,
		}
	},
	Key: func(a Artist) string { return a.ArtistID },
}

// UserRule derives users from song play events. A user whose level changes
// during the log keeps the level of their last play.
var UserRule = Rule[staging.EventRecord, User, string]{
	Name: "users",
	Filter: func(r *staging.EventRecord) bool {
		return r.UserID.Valid && r.IsSongPlay()
	},
	Project: func(r *staging.EventRecord) User {
		return User{
			UserID:    r.UserID.String,
			FirstName: r.FirstName,
			LastName:  r.LastName,
			Gender:    r.Gender,
			Level:     r.Level,
		}
	},
	Key: func(u User) string { return u.UserID },
}

// TimeRule returns the time dimension rule for a weekday convention.
func TimeRule(conv timeparts.WeekdayConvention) Rule[staging.EventRecord, Moment, int64] {
	return Rule[staging.EventRecord, Moment, int64]{
		Name:   "time",
		Filter: (*staging.EventRecord).IsSongPlay,
		Project: func(r *staging.EventRecord) Moment {
			return Moment{
				StartTime: r.Timestamp.UnixMilli(),
				Parts:     timeparts.Split(r.Timestamp, conv),
			}
		},
		Key: func(m Moment) int64 { return m.StartTime },
	}
}

// ExtractSongs returns the songs dimension.
func ExtractSongs(v *staging.SongView) Result[Song] {
	return SongRule.Apply(v.Records)
}

// ExtractArtists returns the artists dimension.
func ExtractArtists(v *staging.SongView) Result[Artist] {
	return ArtistRule.Apply(v.Records)
}

// ExtractUsers returns the users dimension.
func ExtractUsers(v *staging.EventView) Result[User] {
	return UserRule.Apply(v.Records)
}

// ExtractTime returns the time dimension. v must carry decoded timestamps.
func ExtractTime(v *staging.EventView, conv timeparts.WeekdayConvention) (Result[Moment], error) {
	if !v.Decoded {
		return Result[Moment]{}, ErrNotDecoded
	}
	return TimeRule(conv).Apply(v.Records), nil
}
