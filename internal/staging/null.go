package staging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

var jsonNull = []byte("null")

// NullString is a JSON string that may be null. Numbers decode to their
// textual form so ids typed inconsistently across files compare equal.
type NullString struct {
	String string
	Valid  bool
}

// Str returns a valid NullString.
func Str(s string) NullString { return NullString{String: s, Valid: true} }

func (n *NullString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, jsonNull) {
		*n = NullString{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = NullString{String: s, Valid: true}
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("expected string, got %s", data)
	}
	*n = NullString{String: num.String(), Valid: true}
	return nil
}

// NullInt64 is a JSON integer that may be null. Numeric strings are accepted.
type NullInt64 struct {
	Int64 int64
	Valid bool
}

// Int returns a valid NullInt64.
func Int(v int64) NullInt64 { return NullInt64{Int64: v, Valid: true} }

func (n *NullInt64) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, jsonNull) {
		*n = NullInt64{}
		return nil
	}
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		if raw == "" {
			*n = NullInt64{}
			return nil
		}
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil || f != float64(int64(f)) {
			return fmt.Errorf("expected integer, got %s", data)
		}
		v = int64(f)
	}
	*n = NullInt64{Int64: v, Valid: true}
	return nil
}

// NullFloat64 is a JSON number that may be null.
type NullFloat64 struct {
	Float64 float64
	Valid   bool
}

// Float returns a valid NullFloat64.
func Float(v float64) NullFloat64 { return NullFloat64{Float64: v, Valid: true} }

func (n *NullFloat64) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, jsonNull) {
		*n = NullFloat64{}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("expected number, got %s", data)
	}
	*n = NullFloat64{Float64: v, Valid: true}
	return nil
}
