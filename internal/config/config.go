package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/HagarHaytham/Sparkify-Data-Lake/internal/storage"
	"github.com/HagarHaytham/Sparkify-Data-Lake/internal/timeparts"
)

// ErrMissingCredentials is returned by Validate when an S3 location is used
// without an access key pair.
var ErrMissingCredentials = errors.New("missing AWS credentials")

const (
	DefaultPath           = "dl.toml"
	DefaultSongData       = "s3a://udacity-dend/song_data/*/*/*/*.json"
	DefaultLogData        = "s3a://udacity-dend/log_data/*/*/*.json"
	DefaultOutput         = "s3a://my-sparkify123/sparkify/"
	DefaultRegion         = "us-west-2"
	maxPartitions         = 1024
	defaultRowsPerFile    = 1_000_000
	defaultRowGroupRows   = 100_000
	defaultWriterParallel = 4
)

// Config is the complete configuration of one ETL run.
type Config struct {
	AWS       AWSConfig       `toml:"aws"`
	Input     InputConfig     `toml:"input"`
	Output    OutputConfig    `toml:"output"`
	Transform TransformConfig `toml:"transform"`
	Writer    WriterConfig    `toml:"writer"`
}

// AWSConfig holds the storage backend credentials.
type AWSConfig struct {
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	Region          string `toml:"region"`
	EndpointURL     string `toml:"endpoint_url"`
}

// InputConfig holds the glob patterns of the two input families.
type InputConfig struct {
	SongData string `toml:"song_data"`
	LogData  string `toml:"log_data"`
}

// OutputConfig holds the base locations the tables are written to.
type OutputConfig struct {
	Path         string `toml:"path"`
	RejectedPath string `toml:"rejected_path"`
}

// TransformConfig holds the knobs of the schema mapping.
type TransformConfig struct {
	Join         string `toml:"join"`
	SchemaErrors string `toml:"schema_errors"`
	Timezone     string `toml:"timezone"`
	Weekday      string `toml:"weekday"`
	Partitions   int    `toml:"partitions"`
	ReadWorkers  int    `toml:"read_workers"`
}

// WriterConfig holds parquet output settings.
type WriterConfig struct {
	Compression  string `toml:"compression"`
	RowGroupRows int64  `toml:"row_group_rows"`
	RowsPerFile  int    `toml:"rows_per_file"`
	Parallelism  int64  `toml:"parallelism"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		AWS: AWSConfig{
			Region: DefaultRegion,
		},
		Input: InputConfig{
			SongData: DefaultSongData,
			LogData:  DefaultLogData,
		},
		Output: OutputConfig{
			Path: DefaultOutput,
		},
		Transform: TransformConfig{
			Join:         "inner",
			SchemaErrors: "fail",
			Timezone:     "UTC",
			Weekday:      "monday0",
			Partitions:   runtime.NumCPU(),
			ReadWorkers:  runtime.NumCPU() * 2,
		},
		Writer: WriterConfig{
			Compression:  "snappy",
			RowGroupRows: defaultRowGroupRows,
			RowsPerFile:  defaultRowsPerFile,
			Parallelism:  defaultWriterParallel,
		},
	}
}

// Load reads the TOML file at path, then applies environment variables and a
// .env file (if present) on top of it. Values from .env never reach the
// process environment.
// Priority: CLI flags > Environment variables > .env > Config file > Defaults
//
// The config file is mandatory; a missing file or one with unknown keys is
// an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return nil, fmt.Errorf("config file path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TOML config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	dotenv, err := godotenv.Read()
	if err != nil {
		// A missing .env is not an error.
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read .env: %w", err)
		}
		dotenv = nil
	}

	if err := cfg.applyEnv(dotenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(dotenv map[string]string) error {
	getenv := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}
	setStr := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	setStr(&c.AWS.AccessKeyID, "SPARKIFY_AWS_ACCESS_KEY_ID")
	setStr(&c.AWS.SecretAccessKey, "SPARKIFY_AWS_SECRET_ACCESS_KEY")
	setStr(&c.AWS.Region, "SPARKIFY_AWS_REGION")
	setStr(&c.AWS.EndpointURL, "SPARKIFY_AWS_ENDPOINT_URL")
	setStr(&c.Input.SongData, "SPARKIFY_INPUT_SONG_DATA")
	setStr(&c.Input.LogData, "SPARKIFY_INPUT_LOG_DATA")
	setStr(&c.Output.Path, "SPARKIFY_OUTPUT_PATH")
	setStr(&c.Output.RejectedPath, "SPARKIFY_OUTPUT_REJECTED_PATH")
	setStr(&c.Transform.Join, "SPARKIFY_TRANSFORM_JOIN")
	setStr(&c.Transform.SchemaErrors, "SPARKIFY_TRANSFORM_SCHEMA_ERRORS")
	setStr(&c.Transform.Timezone, "SPARKIFY_TRANSFORM_TIMEZONE")
	setStr(&c.Transform.Weekday, "SPARKIFY_TRANSFORM_WEEKDAY")

	if v := getenv("SPARKIFY_TRANSFORM_PARTITIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SPARKIFY_TRANSFORM_PARTITIONS: %w", err)
		}
		c.Transform.Partitions = n
	}

	// Standard AWS variables only fill credentials the file left empty.
	if c.AWS.AccessKeyID == "" && c.AWS.SecretAccessKey == "" {
		c.AWS.AccessKeyID = getenv("AWS_ACCESS_KEY_ID")
		c.AWS.SecretAccessKey = getenv("AWS_SECRET_ACCESS_KEY")
	}
	return nil
}

// ApplyOverrides applies CLI flag overrides to the configuration.
func (c *Config) ApplyOverrides(songData, logData, output, join *string) {
	if songData != nil && *songData != "" {
		c.Input.SongData = *songData
	}
	if logData != nil && *logData != "" {
		c.Input.LogData = *logData
	}
	if output != nil && *output != "" {
		c.Output.Path = *output
	}
	if join != nil && *join != "" {
		c.Transform.Join = *join
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Input.SongData == "" {
		return fmt.Errorf("input song_data cannot be empty")
	}
	if c.Input.LogData == "" {
		return fmt.Errorf("input log_data cannot be empty")
	}
	if c.Output.Path == "" {
		return fmt.Errorf("output path cannot be empty")
	}

	for _, p := range c.locations() {
		if _, err := storage.ParseLocation(p); err != nil {
			return fmt.Errorf("invalid location: %w", err)
		}
	}
	if c.UsesS3() {
		if c.AWS.AccessKeyID == "" || c.AWS.SecretAccessKey == "" {
			return fmt.Errorf("%w: access_key_id and secret_access_key are required for s3 locations", ErrMissingCredentials)
		}
		if c.AWS.Region == "" {
			return fmt.Errorf("AWS region cannot be empty")
		}
	}

	switch c.Transform.Join {
	case "inner", "left":
	default:
		return fmt.Errorf("invalid join policy: %s. Must be 'inner' or 'left'", c.Transform.Join)
	}
	switch c.Transform.SchemaErrors {
	case "fail", "reject":
	default:
		return fmt.Errorf("invalid schema_errors policy: %s. Must be 'fail' or 'reject'", c.Transform.SchemaErrors)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := timeparts.ParseWeekdayConvention(c.Transform.Weekday); err != nil {
		return err
	}
	if c.Transform.Partitions < 1 || c.Transform.Partitions > maxPartitions {
		return fmt.Errorf("invalid partitions: %d. Must be between 1 and %d", c.Transform.Partitions, maxPartitions)
	}
	if c.Transform.ReadWorkers < 1 {
		return fmt.Errorf("invalid read_workers: %d", c.Transform.ReadWorkers)
	}

	switch c.Writer.Compression {
	case "snappy", "gzip", "zstd", "uncompressed":
	default:
		return fmt.Errorf("invalid compression: %s", c.Writer.Compression)
	}
	if c.Writer.RowsPerFile < 1 {
		return fmt.Errorf("invalid rows_per_file: %d", c.Writer.RowsPerFile)
	}
	if c.Writer.Parallelism < 1 {
		return fmt.Errorf("invalid writer parallelism: %d", c.Writer.Parallelism)
	}
	return nil
}

// UsesS3 reports whether any input or output location is an S3 URI, in any
// of the s3, s3a and s3n spellings.
func (c *Config) UsesS3() bool {
	for _, p := range c.locations() {
		if loc, err := storage.ParseLocation(p); err == nil && loc.Scheme == storage.SchemeS3 {
			return true
		}
	}
	return false
}

func (c *Config) locations() []string {
	locs := []string{c.Input.SongData, c.Input.LogData, c.Output.Path}
	if c.Output.RejectedPath != "" {
		locs = append(locs, c.Output.RejectedPath)
	}
	return locs
}

// Location resolves the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Transform.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Transform.Timezone, err)
	}
	return loc, nil
}

// RejectedPath returns the base location of rejected records.
func (c *Config) RejectedPath() string {
	if c.Output.RejectedPath != "" {
		return c.Output.RejectedPath
	}
	return strings.TrimSuffix(c.Output.Path, "/") + "/_rejected/"
}
