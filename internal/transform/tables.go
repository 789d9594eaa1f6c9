package transform

import (
	"github.com/HagarHaytham/Sparkify-Data-Lake/internal/staging"
	"github.com/HagarHaytham/Sparkify-Data-Lake/internal/warehouse"
)

// Table directory names below the output location.
const (
	SongsTable     = "songs"
	ArtistsTable   = "artists"
	UsersTable     = "users"
	TimeTable      = "time"
	SongplaysTable = "songplays"
)

// SongParquet is the file record of the songs table; year and artist_id
// live in the partition directories.
type SongParquet struct {
	SongID   string   `parquet:"name=song_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Title    *string  `parquet:"name=title, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	Duration *float64 `parquet:"name=duration, type=DOUBLE, repetitiontype=OPTIONAL"`
}

type ArtistParquet struct {
	ArtistID  string   `parquet:"name=artist_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Name      *string  `parquet:"name=name, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	Location  *string  `parquet:"name=location, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	Latitude  *float64 `parquet:"name=latitude, type=DOUBLE, repetitiontype=OPTIONAL"`
	Longitude *float64 `parquet:"name=longitude, type=DOUBLE, repetitiontype=OPTIONAL"`
}

type UserParquet struct {
	UserID    string  `parquet:"name=user_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	FirstName *string `parquet:"name=first_name, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	LastName  *string `parquet:"name=last_name, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	Gender    *string `parquet:"name=gender, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	Level     *string `parquet:"name=level, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
}

// TimeParquet is the file record of the time table; year and month live in
// the partition directories.
type TimeParquet struct {
	StartTime int64 `parquet:"name=start_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Hour      int32 `parquet:"name=hour, type=INT32"`
	Day       int32 `parquet:"name=day, type=INT32"`
	Week      int32 `parquet:"name=week, type=INT32"`
	Weekday   int32 `parquet:"name=weekday, type=INT32"`
}

type SongplayParquet struct {
	SongplayID int64   `parquet:"name=songplay_id, type=INT64"`
	StartTime  int64   `parquet:"name=start_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	UserID     *string `parquet:"name=user_id, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	Level      *string `parquet:"name=level, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	SongID     *string `parquet:"name=song_id, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	ArtistID   *string `parquet:"name=artist_id, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	SessionID  *int64  `parquet:"name=session_id, type=INT64, repetitiontype=OPTIONAL"`
	Location   *string `parquet:"name=location, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	UserAgent  *string `parquet:"name=user_agent, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
}

// NewSongsTable partitions songs by year and artist_id.
func NewSongsTable(rows []Song) *warehouse.Table {
	t := &warehouse.Table{
		Name:        SongsTable,
		Columns:     []string{"song_id", "title", "artist_id", "year", "duration"},
		PartitionBy: []string{"year", "artist_id"},
		Prototype:   new(SongParquet),
		Rows:        make([]warehouse.Row, len(rows)),
	}
	for i, s := range rows {
		t.Rows[i] = warehouse.Row{
			Partition: []any{intPtr(s.Year), strPtr(s.ArtistID)},
			Record: SongParquet{
				SongID:   s.SongID,
				Title:    strPtr(s.Title),
				Duration: floatPtr(s.Duration),
			},
		}
	}
	return t
}

func NewArtistsTable(rows []Artist) *warehouse.Table {
	t := &warehouse.Table{
		Name:      ArtistsTable,
		Columns:   []string{"artist_id", "name", "location", "latitude", "longitude"},
		Prototype: new(ArtistParquet),
		Rows:      make([]warehouse.Row, len(rows)),
	}
	for i, a := range rows {
		t.Rows[i] = warehouse.Row{Record: ArtistParquet{
			ArtistID:  a.ArtistID,
			Name:      strPtr(a.Name),
			Location:  strPtr(a.Location),
			Latitude:  floatPtr(a.Latitude),
			Longitude: floatPtr(a.Longitude),
		}}
	}
	return t
}

func NewUsersTable(rows []User) *warehouse.Table {
	t := &warehouse.Table{
		Name:      UsersTable,
		Columns:   []string{"user_id", "first_name", "last_name", "gender", "level"},
		Prototype: new(UserParquet),
		Rows:      make([]warehouse.Row, len(rows)),
	}
	for i, u := range rows {
		t.Rows[i] = warehouse.Row{Record: UserParquet{
			UserID:    u.UserID,
			FirstName: strPtr(u.FirstName),
			LastName:  strPtr(u.LastName),
			Gender:    strPtr(u.Gender),
			Level:     strPtr(u.Level),
		}}
	}
	return t
}

// NewTimeTable partitions the time dimension by year and month.
func NewTimeTable(rows []Moment) *warehouse.Table {
	t := &warehouse.Table{
		Name:        TimeTable,
		Columns:     []string{"start_time", "hour", "day", "week", "month", "year", "weekday"},
		PartitionBy: []string{"year", "month"},
		Prototype:   new(TimeParquet),
		Rows:        make([]warehouse.Row, len(rows)),
	}
	for i, m := range rows {
		t.Rows[i] = warehouse.Row{
			Partition: []any{m.Year, m.Month},
			Record: TimeParquet{
				StartTime: m.StartTime,
				Hour:      m.Hour,
				Day:       m.Day,
				Week:      m.Week,
				Weekday:   m.Weekday,
			},
		}
	}
	return t
}

// NewSongplaysTable partitions the fact table by year and month.
func NewSongplaysTable(rows []Songplay) *warehouse.Table {
	t := &warehouse.Table{
		Name: SongplaysTable,
		Columns: []string{"songplay_id", "start_time", "month", "year", "user_id", "level",
			"song_id", "artist_id", "session_id", "location", "user_agent"},
		PartitionBy: []string{"year", "month"},
		Prototype:   new(SongplayParquet),
		Rows:        make([]warehouse.Row, len(rows)),
	}
	for i, sp := range rows {
		t.Rows[i] = warehouse.Row{
			Partition: []any{sp.Year, sp.Month},
			Record: SongplayParquet{
				SongplayID: sp.SongplayID,
				StartTime:  sp.StartTime.UnixMilli(),
				UserID:     strPtr(sp.UserID),
				Level:      strPtr(sp.Level),
				SongID:     strPtr(sp.SongID),
				ArtistID:   strPtr(sp.ArtistID),
				SessionID:  intPtr(sp.SessionID),
				Location:   strPtr(sp.Location),
				UserAgent:  strPtr(sp.UserAgent),
			},
		}
	}
	return t
}

func strPtr(n staging.NullString) *string {
	if !n.Valid {
		return nil
	}
	s := n.String
	return &s
}

func intPtr(n staging.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func floatPtr(n staging.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
