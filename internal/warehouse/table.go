// Package warehouse persists tables as parquet files laid out in hive-style
// partition directories.
package warehouse

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

var (
	// ErrUnknownColumn is returned when a partition column is not part of
	// the table.
	ErrUnknownColumn = errors.New("unknown partition column")
	// ErrPartitionMismatch is returned when a row's partition values do not
	// line up with the table's partition columns.
	ErrPartitionMismatch = errors.New("partition values do not match partition columns")
)

// DefaultPartitionValue names the directory of rows whose partition value
// is null.
const DefaultPartitionValue = "__HIVE_DEFAULT_PARTITION__"

// Row is one table row split into its partition values and the parquet
// record holding the remaining columns.
type Row struct {
	// Partition holds the values of Table.PartitionBy, in order.
	Partition []any
	// Record is a value of the table's record struct.
	Record any
}

// Table is a named result set ready to be written.
type Table struct {
	Name string
	// Columns lists every column of the table, partition columns included.
	Columns []string
	// PartitionBy lists the partition columns, outermost directory first.
	PartitionBy []string
	// Prototype is a pointer to the parquet-tagged record struct.
	Prototype any
	Rows      []Row
}

// Validate checks the partition columns against the table definition.
func (t *Table) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("table name is empty")
	}
	if t.Prototype == nil {
		return fmt.Errorf("table %s: missing record prototype", t.Name)
	}
	known := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		known[c] = true
	}
	fileCols := make(map[string]bool)
	for _, c := range RecordColumns(t.Prototype) {
		fileCols[c] = true
	}
	for _, p := range t.PartitionBy {
		if !known[p] {
			return fmt.Errorf("table %s: %w: %s", t.Name, ErrUnknownColumn, p)
		}
		if fileCols[p] {
			return fmt.Errorf("table %s: partition column %s is also a record column", t.Name, p)
		}
	}
	for i, r := range t.Rows {
		if len(r.Partition) != len(t.PartitionBy) {
			return fmt.Errorf("table %s row %d: %w", t.Name, i, ErrPartitionMismatch)
		}
	}
	return nil
}

// RecordColumns returns the parquet column names declared by the struct
// tags of prototype.
func RecordColumns(prototype any) []string {
	rt := reflect.TypeOf(prototype)
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if rt.Kind() != reflect.Struct {
		return nil
	}
	var cols []string
	for i := 0; i < rt.NumField(); i++ {
		tag := rt.Field(i).Tag.Get("parquet")
		for _, part := range strings.Split(tag, ",") {
			if name, ok := strings.CutPrefix(strings.TrimSpace(part), "name="); ok {
				cols = append(cols, name)
			}
		}
	}
	return cols
}

// partitionPath renders partition values as col=value directory names.
func partitionPath(cols []string, values []any) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c + "=" + formatPartitionValue(values[i])
	}
	return strings.Join(parts, "/")
}

func formatPartitionValue(v any) string {
	switch x := v.(type) {
	case nil:
		return DefaultPartitionValue
	case *string:
		if x == nil {
			return DefaultPartitionValue
		}
		return escapePathName(*x)
	case string:
		return escapePathName(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case *int32:
		if x == nil {
			return DefaultPartitionValue
		}
		return strconv.FormatInt(int64(*x), 10)
	case *int64:
		if x == nil {
			return DefaultPartitionValue
		}
		return strconv.FormatInt(*x, 10)
	}
	return escapePathName(fmt.Sprint(v))
}

// escapePathName percent-encodes the characters that cannot appear in a
// partition directory name.
func escapePathName(s string) string {
	if s == "" {
		return DefaultPartitionValue
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c == 0x7f || strings.IndexByte("\"#%'*/:=?\\{[]^", c) >= 0 {
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
