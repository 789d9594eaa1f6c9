// Package staging turns raw newline-delimited JSON inputs into the in-memory
// staging views the extractors query.
package staging

import (
	"time"
)

const (
	SongsView  = "stagingsongs"
	EventsView = "stagingevents"

	// NextSongPage is the page value of a song play event.
	NextSongPage = "NextSong"
)

// SongRecord is one song-catalog input record.
type SongRecord struct {
	SongID          NullString  `json:"song_id"`
	Title           NullString  `json:"title"`
	ArtistID        NullString  `json:"artist_id"`
	ArtistName      NullString  `json:"artist_name"`
	ArtistLocation  NullString  `json:"artist_location"`
	ArtistLatitude  NullFloat64 `json:"artist_latitude"`
	ArtistLongitude NullFloat64 `json:"artist_longitude"`
	Year            NullInt64   `json:"year"`
	Duration        NullFloat64 `json:"duration"`
	NumSongs        NullInt64   `json:"num_songs"`
}

var songRequired = []string{"song_id", "title", "artist_id", "artist_name", "duration", "year"}

// EventRecord is one event-log input record. Timestamp and Datetime are
// filled by DecodeTimestamps.
type EventRecord struct {
	Artist        NullString  `json:"artist"`
	Auth          NullString  `json:"auth"`
	FirstName     NullString  `json:"firstName"`
	Gender        NullString  `json:"gender"`
	ItemInSession NullInt64   `json:"itemInSession"`
	LastName      NullString  `json:"lastName"`
	Length        NullFloat64 `json:"length"`
	Level         NullString  `json:"level"`
	Location      NullString  `json:"location"`
	Method        NullString  `json:"method"`
	Page          NullString  `json:"page"`
	Registration  NullFloat64 `json:"registration"`
	SessionID     NullInt64   `json:"sessionId"`
	Song          NullString  `json:"song"`
	Status        NullInt64   `json:"status"`
	TS            NullInt64   `json:"ts"`
	UserAgent     NullString  `json:"userAgent"`
	UserID        NullString  `json:"userId"`

	Timestamp time.Time `json:"-"`
	Datetime  string    `json:"-"`
}

var eventRequired = []string{"page", "ts", "userId", "sessionId", "level"}

// IsSongPlay reports whether the event is a song play.
func (e *EventRecord) IsSongPlay() bool {
	return e.Page.Valid && e.Page.String == NextSongPage
}

// normalize applies the input conventions the raw JSON does not express:
// logged-out sessions carry an empty userId, which means no user.
func (e *EventRecord) normalize() {
	if e.UserID.Valid && e.UserID.String == "" {
		e.UserID = NullString{}
	}
}

// SongView is the song-catalog staging view.
type SongView struct {
	Records []SongRecord
}

// Len returns the number of records.
func (v *SongView) Len() int { return len(v.Records) }

// EventView is the event-log staging view.
type EventView struct {
	Records []EventRecord
	// Decoded is set once Timestamp and Datetime are populated.
	Decoded bool
}

// Len returns the number of records.
func (v *EventView) Len() int { return len(v.Records) }
