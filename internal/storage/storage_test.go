package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  time.Second,
	}
}

func TestParseLocation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		uri     string
		want    Location
		wantErr bool
	}{
		{uri: "s3a://udacity-dend/song_data/*/*/*/*.json", want: Location{Scheme: SchemeS3, Bucket: "udacity-dend", Path: "song_data/*/*/*/*.json"}},
		{uri: "s3://bucket", want: Location{Scheme: SchemeS3, Bucket: "bucket"}},
		{uri: "file:///tmp/out", want: Location{Scheme: SchemeFile, Path: "/tmp/out"}},
		{uri: "data/out/", want: Location{Scheme: SchemeFile, Path: "data/out/"}},
		{uri: "s3:///key", wantErr: true},
		{uri: "gs://bucket/key", wantErr: true},
		{uri: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			t.Parallel()
			got, err := ParseLocation(tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocationJoin(t *testing.T) {
	t.Parallel()

	s3loc := Location{Scheme: SchemeS3, Bucket: "b", Path: "sparkify/"}
	assert.Equal(t, "sparkify/songs", s3loc.Join("songs").Path)
	assert.Equal(t, "s3://b/sparkify/songs", s3loc.Join("songs").String())
	assert.Equal(t, "songs", Location{Scheme: SchemeS3, Bucket: "b"}.Join("songs").Path)

	local := Location{Scheme: SchemeFile, Path: "/out"}
	assert.Equal(t, "/out/time", local.Join("time").Path)
}

func TestMatchKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"song_data/*/*/*/*.json", "song_data/A/B/C/TRABCEI128F424C983.json", true},
		{"song_data/*/*/*/*.json", "song_data/A/B/TRABCEI128F424C983.json", false},
		{"song_data/*/*/*/*.json", "song_data/A/B/C/D/x.json", false},
		{"log_data/*/*/*.json", "log_data/2018/11/2018-11-12-events.json", true},
		{"log_data/*/*/*.json", "log_data/2018/11/2018-11-12-events.csv", false},
		{"log_data/", "log_data/2018/11/a.json", true},
		{"log_data/a.json", "log_data/a.json", true},
		{"log_data/a.json", "log_data/a.json.bak", false},
	}

	for _, tt := range tests {
		got, err := matchKey(tt.pattern, tt.key)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s ~ %s", tt.pattern, tt.key)
	}
	assert.Equal(t, "song_data/", literalPrefix("song_data/*/*/*/*.json"))
	assert.Equal(t, "log_data/2018-", literalPrefix("log_data/2018-*.json"))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLocalStoreGlobAndOpen(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "song_data", "A", "B", "C", "b.json"), `{"song_id":"b"}`)
	writeFile(t, filepath.Join(root, "song_data", "A", "A", "A", "a.json"), `{"song_id":"a"}`)
	writeFile(t, filepath.Join(root, "song_data", "A", "A", "a.txt"), "ignored")

	store := NewLocalStore(testLogger())
	objects, err := store.Glob(context.Background(), filepath.Join(root, "song_data", "*", "*", "*", "*.json"))
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, filepath.Join(root, "song_data", "A", "A", "A", "a.json"), objects[0].Key)
	assert.Equal(t, int64(len(`{"song_id":"a"}`)), objects[0].Size)

	rc, err := store.Open(context.Background(), objects[1].Key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, `{"song_id":"b"}`, string(data))

	all, err := store.Glob(context.Background(), filepath.Join(root, "song_data"))
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := store.Glob(context.Background(), filepath.Join(root, "missing"))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLocalStorePublishReplaces(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dest := filepath.Join(root, "out", "songs")
	store := NewLocalStore(testLogger())
	ctx := context.Background()

	stage, err := store.Stage(dest)
	require.NoError(t, err)
	writeFile(t, filepath.Join(stage, "year=2018", "part-00000.parquet"), "first")
	writeFile(t, filepath.Join(stage, "year=2017", "part-00000.parquet"), "first")

	pub, err := store.Publish(ctx, stage, dest)
	require.NoError(t, err)
	assert.Equal(t, 2, pub.Files)
	assert.FileExists(t, filepath.Join(dest, SuccessMarker))
	assert.NoDirExists(t, stage)

	stage, err = store.Stage(dest)
	require.NoError(t, err)
	writeFile(t, filepath.Join(stage, "year=2019", "part-00000.parquet"), "second")

	pub, err = store.Publish(ctx, stage, dest)
	require.NoError(t, err)
	assert.Equal(t, 1, pub.Files)
	assert.Equal(t, 2, pub.Removed)
	assert.NoDirExists(t, filepath.Join(dest, "year=2018"))
	assert.FileExists(t, filepath.Join(dest, "year=2019", "part-00000.parquet"))

	entries, err := os.ReadDir(filepath.Join(root, "out"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no staging or backup directories left behind")
}

func TestLocalStoreDiscard(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dest := filepath.Join(root, "artists")
	store := NewLocalStore(testLogger())

	stage, err := store.Stage(dest)
	require.NoError(t, err)
	writeFile(t, filepath.Join(stage, "part-00000.parquet"), "half")
	store.Discard(stage)

	assert.NoDirExists(t, stage)
	assert.NoDirExists(t, dest)
}

func TestS3StoreGlob(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	fake.objects["song_data/A/A/A/x.json"] = []byte("x")
	fake.objects["song_data/A/A/B/y.json"] = []byte("yy")
	fake.objects["song_data/A/A/z.json"] = []byte("z")
	fake.objects["log_data/2018/11/a.json"] = []byte("a")
	fake.failLists = 2

	store := NewS3Store(fake, &fakeUploader{s3: fake}, "udacity-dend", testLogger()).WithRetry(fastRetry())
	objects, err := store.Glob(context.Background(), "song_data/*/*/*/*.json")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "song_data/A/A/A/x.json", objects[0].Key)
	assert.Equal(t, "song_data/A/A/B/y.json", objects[1].Key)
	assert.Equal(t, int64(2), objects[1].Size)
	assert.Equal(t, 3, fake.listCalls, "transient list failures are retried")
}

func TestS3StoreOpen(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	fake.objects["log_data/a.json"] = []byte(`{"page":"NextSong"}`)
	store := NewS3Store(fake, &fakeUploader{s3: fake}, "b", testLogger()).WithRetry(fastRetry())

	rc, err := store.Open(context.Background(), "log_data/a.json")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, `{"page":"NextSong"}`, string(data))

	_, err = store.Open(context.Background(), "log_data/missing.json")
	require.Error(t, err)
}

func TestS3StorePublishReplaces(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	fake.objects["sparkify/songs/year=2017/part-00000.parquet"] = []byte("old")
	fake.objects["sparkify/songs/year=2018/part-00000.parquet"] = []byte("old")
	fake.objects["sparkify/songs/_SUCCESS"] = nil
	fake.objects["sparkify/songsother/keep.parquet"] = []byte("unrelated")

	store := NewS3Store(fake, &fakeUploader{s3: fake}, "b", testLogger()).WithRetry(fastRetry())
	stage, err := store.Stage("sparkify/songs")
	require.NoError(t, err)
	writeFile(t, filepath.Join(stage, "year=2018", "part-00000.parquet"), "new")
	writeFile(t, filepath.Join(stage, "year=2019", "part-00000.parquet"), "new")

	pub, err := store.Publish(context.Background(), stage, "sparkify/songs")
	require.NoError(t, err)
	assert.Equal(t, "s3://b/sparkify/songs/", pub.Location)
	assert.Equal(t, 2, pub.Files)
	assert.Equal(t, 1, pub.Removed)
	assert.Equal(t, int64(6), pub.Bytes)

	assert.Equal(t, []string{
		"sparkify/songs/_SUCCESS",
		"sparkify/songs/year=2018/part-00000.parquet",
		"sparkify/songs/year=2019/part-00000.parquet",
		"sparkify/songsother/keep.parquet",
	}, fake.keys())
	assert.Equal(t, "new", string(fake.objects["sparkify/songs/year=2018/part-00000.parquet"]))
	assert.Equal(t, "sparkify/songs/_SUCCESS", fake.deletes[0], "marker is withdrawn before uploading")
	assert.NoDirExists(t, stage)
}

func TestS3StorePublishStreamsAndRetriesUploads(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	uploader := &fakeUploader{s3: fake, transient: 1}
	store := NewS3Store(fake, uploader, "b", testLogger()).WithRetry(fastRetry())

	stage, err := store.Stage("out/artists")
	require.NoError(t, err)
	writeFile(t, filepath.Join(stage, "part-00000.parquet"), "artist rows")

	pub, err := store.Publish(context.Background(), stage, "out/artists")
	require.NoError(t, err)
	assert.Equal(t, 1, pub.Files)
	assert.Equal(t, int64(len("artist rows")), pub.Bytes)
	assert.Equal(t, 0, uploader.transient)

	// The retried attempt must send the whole file again, not the remainder.
	assert.Equal(t, "artist rows", string(fake.objects["out/artists/part-00000.parquet"]))
	assert.True(t, uploader.streamed["out/artists/part-00000.parquet"], "staged files are streamed from disk")
	assert.Contains(t, fake.keys(), "out/artists/_SUCCESS")
}

func TestS3StorePublishFailureLeavesNoMarker(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	fake.objects["out/time/_SUCCESS"] = nil
	store := NewS3Store(fake, &fakeUploader{s3: fake, failFor: "year=2018"}, "b", testLogger()).WithRetry(fastRetry())

	stage, err := store.Stage("out/time")
	require.NoError(t, err)
	defer store.Discard(stage)
	writeFile(t, filepath.Join(stage, "year=2018", "month=11", "part-00000.parquet"), "x")

	_, err = store.Publish(context.Background(), stage, "out/time")
	require.Error(t, err)
	assert.NotContains(t, fake.keys(), "out/time/_SUCCESS")
}

func TestS3StoreCheckAccess(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	ok := NewS3Store(fake, &fakeUploader{s3: fake}, "bucket", testLogger()).WithRetry(fastRetry())
	require.NoError(t, ok.CheckAccess(context.Background(), ""))

	missing := NewS3Store(fake, &fakeUploader{s3: fake}, "missing", testLogger()).WithRetry(fastRetry())
	require.Error(t, missing.CheckAccess(context.Background(), ""))
}

func TestOpenerLocal(t *testing.T) {
	t.Parallel()

	o := NewOpener(Options{}, testLogger())
	store, err := o.Open(Location{Scheme: SchemeFile, Path: "/tmp"})
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, store)

	_, err = o.Open(Location{Scheme: "gs"})
	require.Error(t, err)
}
