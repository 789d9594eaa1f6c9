package etl

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/HagarHaytham/Sparkify-Data-Lake/internal/staging"
	"github.com/HagarHaytham/Sparkify-Data-Lake/internal/transform"
	"github.com/HagarHaytham/Sparkify-Data-Lake/internal/warehouse"
)

// ETLStats holds the metrics of one run.
type ETLStats struct {
	TotalExecutionTime      string                 `json:"total_execution_time"`
	Phase                   string                 `json:"phase"`
	FilesRead               int                    `json:"files_read"`
	BytesRead               int64                  `json:"bytes_read"`
	RecordsStaged           int                    `json:"records_staged"`
	RecordsRejected         int                    `json:"records_rejected"`
	EventsWithoutTimestamp  int                    `json:"events_without_timestamp"`
	Tables                  map[string]*TableStats `json:"tables"`
	Songplays               *transform.JoinStats   `json:"songplays_join,omitempty"`
	ProcessingThroughputMBs float64                `json:"processing_throughput_mb_per_sec"`
}

// TableStats describes one written table.
type TableStats struct {
	Location   string `json:"location"`
	Rows       int    `json:"rows"`
	Partitions int    `json:"partitions"`
	Files      int    `json:"files"`
	Bytes      int64  `json:"bytes"`
	Scanned    int    `json:"scanned"`
	Filtered   int    `json:"filtered"`
	Duplicates int    `json:"duplicates"`
	Conflicts  int    `json:"conflicts"`
}

func newStats(phase Phase) *ETLStats {
	return &ETLStats{Phase: phase.String(), Tables: make(map[string]*TableStats)}
}

func (s *ETLStats) addLoad(ls staging.LoadStats) {
	s.FilesRead += ls.Files
	s.BytesRead += ls.Bytes
	s.RecordsStaged += ls.Records
	s.RecordsRejected += ls.Rejected
}

func (s *ETLStats) addTable(res *warehouse.Result, scanned, filtered, duplicates, conflicts int) {
	s.Tables[res.Table] = &TableStats{
		Location:   res.Location,
		Rows:       res.Rows,
		Partitions: res.Partitions,
		Files:      res.Files,
		Bytes:      res.Bytes,
		Scanned:    scanned,
		Filtered:   filtered,
		Duplicates: duplicates,
		Conflicts:  conflicts,
	}
}

func (s *ETLStats) finish(elapsed time.Duration) {
	s.TotalExecutionTime = elapsed.String()
	if elapsed.Seconds() > 0 {
		s.ProcessingThroughputMBs = float64(s.BytesRead) / 1e6 / elapsed.Seconds()
	}
}

// WriteFile writes the stats as indented JSON.
func (s *ETLStats) WriteFile(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize stats: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write stats file: %w", err)
	}
	return nil
}
