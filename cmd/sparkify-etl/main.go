package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/HagarHaytham/Sparkify-Data-Lake/internal/config"
	"github.com/HagarHaytham/Sparkify-Data-Lake/internal/etl"
	"github.com/HagarHaytham/Sparkify-Data-Lake/internal/storage"
)

const (
	defaultTimeout   = 6 * time.Hour
	defaultStatsFile = "etl_stats.json"
)

var (
	configPath string
	songData   string
	logData    string
	outputPath string
	joinPolicy string
	phase      string
	statsFile  string
	timeout    time.Duration
	verbose    bool

	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "sparkify-etl",
	Short: "Sparkify data lake ETL",
	Long: `sparkify-etl reads the song catalog and the event log, reshapes them into
the songs, artists, users, time and songplays tables and writes them as
partitioned parquet files.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sparkify-etl %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Rebuild the data lake tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(verbose)

		cfg, err := config.Load(configPath)
		if err != nil {
			log.Error("Failed to load configuration", "path", configPath, "error", err)
			return err
		}
		cfg.ApplyOverrides(&songData, &logData, &outputPath, &joinPolicy)
		if err := cfg.Validate(); err != nil {
			log.Error("Invalid configuration", "error", err)
			return err
		}
		p, err := etl.ParsePhase(phase)
		if err != nil {
			return err
		}

		opener := storage.NewOpener(storage.Options{
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			Region:          cfg.AWS.Region,
			EndpointURL:     cfg.AWS.EndpointURL,
		}, log)

		pipeline, err := etl.NewPipeline(cfg, opener, log)
		if err != nil {
			log.Error("Failed to create pipeline", "error", err)
			return err
		}
		defer pipeline.Cleanup()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
		defer cancelTimeout()

		stats, runErr := pipeline.Run(ctx, p)
		if statsFile != "" && stats != nil {
			if err := stats.WriteFile(statsFile); err != nil {
				log.Warn("Failed to write stats", "error", err)
			} else {
				log.Info("Wrote stats", "path", statsFile)
			}
		}
		if runErr != nil {
			if ctx.Err() != nil {
				log.Error("Pipeline interrupted", "error", runErr, "cause", context.Cause(ctx))
			} else {
				log.Error("Pipeline failed", "error", runErr)
			}
			return runErr
		}

		log.Info("ETL pipeline completed successfully", "duration", stats.TotalExecutionTime)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	runCmd.Flags().StringVar(&configPath, "config", config.DefaultPath, "Path to the TOML configuration file")
	runCmd.Flags().StringVar(&songData, "input-songs", "", "Glob of the song catalog files (overrides config)")
	runCmd.Flags().StringVar(&logData, "input-logs", "", "Glob of the event log files (overrides config)")
	runCmd.Flags().StringVar(&outputPath, "output", "", "Base output location (overrides config)")
	runCmd.Flags().StringVar(&joinPolicy, "join", "", "Songplay join policy: inner or left (overrides config)")
	runCmd.Flags().StringVar(&phase, "phase", "all", "Phases to run: all, catalog or events")
	runCmd.Flags().StringVar(&statsFile, "stats-file", defaultStatsFile, "Where to write run statistics (empty disables)")
	runCmd.Flags().DurationVar(&timeout, "timeout", defaultTimeout, "Maximum duration of the run")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(formatRFC3339Millis(a.Value.Time()))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
