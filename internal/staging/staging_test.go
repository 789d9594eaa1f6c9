package staging

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HagarHaytham/Sparkify-Data-Lake/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

const songA = `{"num_songs": 1, "artist_id": "ARJIE2Y1187B994AB7", "artist_latitude": null, "artist_longitude": null, "artist_location": "", "artist_name": "Line Renaud", "song_id": "SOUPIRU12A6D4FA1E1", "title": "Der Kleine Dompfaff", "duration": 152.92036, "year": 0}`
const songB = `{"num_songs": 1, "artist_id": "ARD7TVE1187B99BFB1", "artist_latitude": 35.14968, "artist_longitude": -90.04892, "artist_location": "California - LA", "artist_name": "Casual", "song_id": "SOMZWCG12A8C13C480", "title": "I Didn't Mean To", "duration": 218.93179, "year": 2001}`

const eventPlay = `{"artist":"Casual","auth":"Logged In","firstName":"Walter","gender":"M","itemInSession":0,"lastName":"Frye","length":218.93179,"level":"free","location":"San Francisco-Oakland-Hayward, CA","method":"GET","page":"NextSong","registration":1540919166796.0,"sessionId":38,"song":"I Didn't Mean To","status":200,"ts":1541105830796,"userAgent":"Mozilla/5.0","userId":"39"}`
const eventHome = `{"artist":null,"auth":"Logged Out","firstName":null,"gender":null,"itemInSession":0,"lastName":null,"length":null,"level":"free","location":null,"method":"GET","page":"Home","registration":null,"sessionId":52,"song":null,"status":200,"ts":1541207073796,"userAgent":null,"userId":""}`
const eventNoTS = `{"artist":null,"auth":"Logged In","firstName":"Kate","gender":"F","itemInSession":1,"lastName":"Harrell","length":null,"level":"paid","location":null,"method":"PUT","page":"Logout","registration":null,"sessionId":97,"song":null,"status":307,"ts":null,"userAgent":null,"userId":97}`

func TestNullTypes(t *testing.T) {
	t.Parallel()

	var rec EventRecord
	require.NoError(t, json.Unmarshal([]byte(eventNoTS), &rec))
	assert.Equal(t, Str("97"), rec.UserID, "numeric ids decode as strings")
	assert.False(t, rec.TS.Valid)
	assert.False(t, rec.Length.Valid)
	assert.Equal(t, Int(97), rec.SessionID)

	var s SongRecord
	require.NoError(t, json.Unmarshal([]byte(songB), &s))
	assert.Equal(t, Float(35.14968), s.ArtistLatitude)
	assert.Equal(t, Int(2001), s.Year)

	var n NullInt64
	require.NoError(t, json.Unmarshal([]byte(`"1541105830796"`), &n))
	assert.Equal(t, Int(1541105830796), n)
	require.NoError(t, json.Unmarshal([]byte(`1.0`), &n))
	assert.Equal(t, Int(1), n)
	require.Error(t, json.Unmarshal([]byte(`1.5`), &n))
	require.Error(t, json.Unmarshal([]byte(`{}`), &n))

	var f NullFloat64
	require.Error(t, json.Unmarshal([]byte(`"abc"`), &f))
}

func TestLoadSongs(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "song_data", "A", "A", "A", "TRAAAAW128F429D538.json"), []byte(songA))
	writeFile(t, filepath.Join(root, "song_data", "A", "A", "B", "TRAABJL12903CDCF1A.json"), []byte(songB+"\n"))

	loader := NewLoader(storage.NewLocalStore(testLogger()), FailOnSchemaError, 4, testLogger())
	view, rejected, stats, err := loader.LoadSongs(context.Background(), filepath.Join(root, "song_data", "*", "*", "*", "*.json"))
	require.NoError(t, err)
	assert.Empty(t, rejected)
	require.Equal(t, 2, view.Len())

	assert.Equal(t, "SOUPIRU12A6D4FA1E1", view.Records[0].SongID.String, "records keep file order")
	assert.Equal(t, "SOMZWCG12A8C13C480", view.Records[1].SongID.String)
	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, 2, stats.Records)
	assert.Equal(t, int64(len(songA)+len(songB)+1), stats.Bytes)
}

func TestLoadNoMatchingFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "song_data", "A", "A", "A", "TRAAAAW128F429D538.json"), []byte(songA))

	loader := NewLoader(storage.NewLocalStore(testLogger()), FailOnSchemaError, 2, testLogger())
	pattern := filepath.Join(root, "songdata", "*", "*", "*", "*.json")
	view, _, _, err := loader.LoadSongs(context.Background(), pattern)
	require.Error(t, err)
	assert.Nil(t, view)
	assert.Contains(t, err.Error(), "no input files match")
	assert.Contains(t, err.Error(), pattern)

	_, _, _, err = loader.LoadEvents(context.Background(), filepath.Join(root, "log_data", "*.json"))
	require.Error(t, err)
}

func TestLoadEventsNormalizesUserID(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	body := eventPlay + "\n" + eventHome + "\n\n" + eventNoTS + "\n"
	writeFile(t, filepath.Join(root, "log_data", "2018", "11", "2018-11-01-events.json"), []byte(body))

	loader := NewLoader(storage.NewLocalStore(testLogger()), FailOnSchemaError, 2, testLogger())
	view, _, stats, err := loader.LoadEvents(context.Background(), filepath.Join(root, "log_data", "*", "*", "*.json"))
	require.NoError(t, err)
	require.Equal(t, 3, view.Len())
	assert.Equal(t, 3, stats.Records)

	assert.Equal(t, Str("39"), view.Records[0].UserID)
	assert.True(t, view.Records[0].IsSongPlay())
	assert.False(t, view.Records[1].UserID.Valid, "empty userId is null")
	assert.False(t, view.Records[1].IsSongPlay())
}

func TestLoadCompressedInput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(eventPlay + "\n" + eventHome + "\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "log_data", "events.json.gz"), buf.Bytes())

	loader := NewLoader(storage.NewLocalStore(testLogger()), FailOnSchemaError, 1, testLogger())
	view, _, _, err := loader.LoadEvents(context.Background(), filepath.Join(root, "log_data", "*.json.gz"))
	require.NoError(t, err)
	assert.Equal(t, 2, view.Len())
}

func TestLoadSchemaErrors(t *testing.T) {
	t.Parallel()

	missingTitle := `{"song_id": "SOX", "artist_id": "ARX", "artist_name": "X", "duration": 1.0, "year": 2000}`
	badDuration := `{"song_id": "SOY", "title": "Y", "artist_id": "ARY", "artist_name": "Y", "duration": "long", "year": 2000}`
	body := songA + "\n" + missingTitle + "\n" + "{not json\n" + badDuration + "\n" + songB + "\n"

	root := t.TempDir()
	path := filepath.Join(root, "songs.json")
	writeFile(t, path, []byte(body))
	store := storage.NewLocalStore(testLogger())

	t.Run("fail policy aborts", func(t *testing.T) {
		t.Parallel()
		loader := NewLoader(store, FailOnSchemaError, 1, testLogger())
		_, _, _, err := loader.LoadSongs(context.Background(), path)
		require.ErrorIs(t, err, ErrSchema)

		var se *SchemaError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, 2, se.Line)
		assert.Equal(t, "title", se.Field)
	})

	t.Run("reject policy routes records aside", func(t *testing.T) {
		t.Parallel()
		loader := NewLoader(store, RejectOnSchemaError, 1, testLogger())
		view, rejected, stats, err := loader.LoadSongs(context.Background(), path)
		require.NoError(t, err)
		assert.Equal(t, 2, view.Len())
		require.Len(t, rejected, 3)
		assert.Equal(t, 3, stats.Rejected)

		assert.Equal(t, 2, rejected[0].Line)
		assert.Contains(t, rejected[0].Reason, `missing field "title"`)
		assert.Equal(t, missingTitle, rejected[0].Record)
		assert.Contains(t, rejected[1].Reason, "malformed JSON")
		assert.Contains(t, rejected[2].Reason, "invalid value")
		assert.Equal(t, path, rejected[2].Source)
	})
}

func TestNullFieldIsNotSchemaError(t *testing.T) {
	t.Parallel()

	rec, err := decodeRecord[SongRecord]([]byte(`{"song_id": null, "title": null, "artist_id": null, "artist_name": null, "duration": null, "year": null}`), "x", 1, songRequired)
	require.NoError(t, err)
	assert.False(t, rec.SongID.Valid)
}

func TestParseSchemaPolicy(t *testing.T) {
	t.Parallel()

	p, err := ParseSchemaPolicy("reject")
	require.NoError(t, err)
	assert.Equal(t, RejectOnSchemaError, p)

	p, err = ParseSchemaPolicy("fail")
	require.NoError(t, err)
	assert.Equal(t, FailOnSchemaError, p)

	_, err = ParseSchemaPolicy("skip")
	require.Error(t, err)
}

func TestSessionRegisterReplaces(t *testing.T) {
	t.Parallel()

	s := NewSession()
	_, err := s.Events(EventsView)
	require.Error(t, err)

	raw := &EventView{Records: []EventRecord{{TS: Int(1541105830796)}, {}}}
	s.Register(EventsView, raw)
	got, err := s.Events(EventsView)
	require.NoError(t, err)
	assert.Same(t, raw, got)

	_, err = s.Songs(EventsView)
	require.Error(t, err, "type mismatch is reported")

	decoded, dropped := DecodeTimestamps(raw, time.UTC)
	s.Register(EventsView, decoded)
	got, err = s.Events(EventsView)
	require.NoError(t, err)
	assert.Same(t, decoded, got)
	assert.Equal(t, 1, dropped)

	s.Close()
	_, err = s.Events(EventsView)
	require.Error(t, err)
}

func TestDecodeTimestamps(t *testing.T) {
	t.Parallel()

	raw := &EventView{Records: []EventRecord{
		{TS: Int(1541121934796), Page: Str(NextSongPage)},
		{Page: Str(NextSongPage)},
	}}
	decoded, dropped := DecodeTimestamps(raw, time.UTC)
	assert.Equal(t, 1, dropped)
	assert.True(t, decoded.Decoded)
	require.Equal(t, 1, decoded.Len())
	assert.Equal(t, "2018-11-02 01:25:34", decoded.Records[0].Datetime)
	assert.Equal(t, int64(1541121934796), decoded.Records[0].Timestamp.UnixMilli())

	assert.True(t, raw.Records[0].Timestamp.IsZero(), "input view is not mutated")
	assert.False(t, raw.Decoded)
}
