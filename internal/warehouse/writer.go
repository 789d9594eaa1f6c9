package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/HagarHaytham/Sparkify-Data-Lake/internal/storage"
)

// Options configure parquet output.
type Options struct {
	Compression string
	// RowGroupRows is the number of rows after which the writer flushes a
	// row group.
	RowGroupRows int64
	RowsPerFile  int
	// Parallelism is the goroutine count of each parquet writer.
	Parallelism int64
	// Workers bounds how many partition files are written concurrently.
	Workers int
}

// DefaultOptions returns the default writer options.
func DefaultOptions() Options {
	return Options{
		Compression:  "snappy",
		RowGroupRows: 100_000,
		RowsPerFile:  1_000_000,
		Parallelism:  4,
		Workers:      4,
	}
}

// Result describes a written table.
type Result struct {
	Table      string
	Location   string
	Rows       int
	Partitions int
	Files      int
	Bytes      int64
	Duration   time.Duration
}

// Writer writes tables below a base location. Every Write replaces the
// previous contents of the table.
type Writer struct {
	store storage.Store
	base  storage.Location
	opts  Options
	log   *slog.Logger
}

// NewWriter returns a Writer publishing to base through store.
func NewWriter(store storage.Store, base storage.Location, opts Options, log *slog.Logger) *Writer {
	if opts.RowsPerFile < 1 {
		opts.RowsPerFile = DefaultOptions().RowsPerFile
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = DefaultOptions().Parallelism
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Writer{store: store, base: base, opts: opts, log: log}
}

// Write stages t as parquet files and publishes them under <base>/<name>.
// Nothing becomes visible unless every file was written.
func (w *Writer) Write(ctx context.Context, t *Table) (*Result, error) {
	start := time.Now()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	codec, err := compressionCodec(w.opts.Compression)
	if err != nil {
		return nil, err
	}

	dest := w.base.Join(t.Name)
	stage, err := w.store.Stage(dest.Path)
	if err != nil {
		return nil, err
	}

	groups := groupRows(t)
	w.log.Info("writing table", "table", t.Name, "rows", len(t.Rows), "partitions", len(groups), "partition_by", strings.Join(t.PartitionBy, ","))

	files, err := w.writeGroups(ctx, t, stage, groups, codec)
	if err != nil {
		w.store.Discard(stage)
		return nil, fmt.Errorf("failed to write table %s: %w", t.Name, err)
	}

	pub, err := w.store.Publish(ctx, stage, dest.Path)
	if err != nil {
		w.store.Discard(stage)
		return nil, fmt.Errorf("failed to publish table %s: %w", t.Name, err)
	}

	res := &Result{
		Table:      t.Name,
		Location:   pub.Location,
		Rows:       len(t.Rows),
		Partitions: len(groups),
		Files:      files,
		Bytes:      pub.Bytes,
		Duration:   time.Since(start),
	}
	w.log.Info("table published", "table", t.Name, "location", res.Location, "rows", res.Rows, "files", res.Files, "bytes", res.Bytes, "duration", res.Duration)
	return res, nil
}

type rowGroup struct {
	path string
	rows []int
}

// groupRows buckets row indices by partition directory, in lexical order of
// the directory.
func groupRows(t *Table) []rowGroup {
	index := make(map[string]int)
	var groups []rowGroup
	for i, r := range t.Rows {
		p := partitionPath(t.PartitionBy, r.Partition)
		gi, ok := index[p]
		if !ok {
			gi = len(groups)
			index[p] = gi
			groups = append(groups, rowGroup{path: p})
		}
		groups[gi].rows = append(groups[gi].rows, i)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].path < groups[j].path })
	return groups
}

func (w *Writer) writeGroups(ctx context.Context, t *Table, stage string, groups []rowGroup, codec parquet.CompressionCodec) (int, error) {
	if len(groups) == 0 {
		return 0, nil
	}
	pool := pond.NewResultPool[int](w.opts.Workers, pond.WithContext(ctx))
	defer pool.StopAndWait()

	group := pool.NewGroup()
	for _, g := range groups {
		for part, start := 0, 0; start < len(g.rows); part, start = part+1, start+w.opts.RowsPerFile {
			end := min(start+w.opts.RowsPerFile, len(g.rows))
			dir := filepath.Join(stage, filepath.FromSlash(g.path))
			name := filepath.Join(dir, fmt.Sprintf("part-%05d.parquet", part))
			rows := g.rows[start:end]
			group.SubmitErr(func() (int, error) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return 0, fmt.Errorf("failed to create partition directory: %w", err)
				}
				return 1, w.writeFile(name, t, rows, codec)
			})
		}
	}
	counts, err := group.Wait()
	if err != nil {
		return 0, err
	}
	files := 0
	for _, c := range counts {
		files += c
	}
	return files, nil
}

func (w *Writer) writeFile(name string, t *Table, rows []int, codec parquet.CompressionCodec) error {
	fw, err := local.NewLocalFileWriter(name)
	if err != nil {
		return fmt.Errorf("failed to create local file writer: %w", err)
	}

	pw, err := writer.NewParquetWriter(fw, t.Prototype, w.opts.Parallelism)
	if err != nil {
		fw.Close()
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = codec

	for i, ri := range rows {
		if err := pw.Write(t.Rows[ri].Record); err != nil {
			fw.Close()
			return fmt.Errorf("failed to write record %d of %s: %w", i, t.Name, err)
		}
		if w.opts.RowGroupRows > 0 && int64(i+1)%w.opts.RowGroupRows == 0 {
			if err := pw.Flush(true); err != nil {
				fw.Close()
				return fmt.Errorf("failed to flush row group: %w", err)
			}
		}
	}

	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("error in WriteStop: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("error closing file writer: %w", err)
	}
	w.log.Debug("wrote parquet file", "table", t.Name, "file", name, "rows", len(rows))
	return nil
}

func compressionCodec(name string) (parquet.CompressionCodec, error) {
	switch name {
	case "", "snappy":
		return parquet.CompressionCodec_SNAPPY, nil
	case "gzip":
		return parquet.CompressionCodec_GZIP, nil
	case "zstd":
		return parquet.CompressionCodec_ZSTD, nil
	case "uncompressed":
		return parquet.CompressionCodec_UNCOMPRESSED, nil
	}
	return parquet.CompressionCodec_SNAPPY, fmt.Errorf("unsupported compression: %s", name)
}
