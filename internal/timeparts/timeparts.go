// Package timeparts decodes millisecond epoch values and splits them into the
// calendar columns of the time dimension.
package timeparts

import (
	"fmt"
	"strings"
	"time"

	// Embedded zone database so configured time zones resolve on hosts
	// without /usr/share/zoneinfo.
	_ "time/tzdata"
)

// DatetimeLayout is the textual rendering of a decoded timestamp.
const DatetimeLayout = "2006-01-02 15:04:05"

// Decoded is a millisecond epoch value resolved to a calendar time.
type Decoded struct {
	Time     time.Time
	Datetime string
}

// Decode converts ms (milliseconds since the Unix epoch) into a time in loc
// and its DatetimeLayout rendering. A nil loc means UTC.
func Decode(ms int64, loc *time.Location) Decoded {
	if loc == nil {
		loc = time.UTC
	}
	t := time.UnixMilli(ms).In(loc)
	return Decoded{Time: t, Datetime: t.Format(DatetimeLayout)}
}

// WeekdayConvention selects how the weekday column is numbered.
type WeekdayConvention int

const (
	// MondayZero numbers Monday 0 through Sunday 6.
	MondayZero WeekdayConvention = iota
	// SundayZero numbers Sunday 0 through Saturday 6.
	SundayZero
	// ISO numbers Monday 1 through Sunday 7.
	ISO
)

func (c WeekdayConvention) String() string {
	switch c {
	case SundayZero:
		return "sunday0"
	case ISO:
		return "iso"
	default:
		return "monday0"
	}
}

// ParseWeekdayConvention maps a configuration value onto a convention.
func ParseWeekdayConvention(s string) (WeekdayConvention, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "monday0":
		return MondayZero, nil
	case "sunday0":
		return SundayZero, nil
	case "iso":
		return ISO, nil
	}
	return MondayZero, fmt.Errorf("invalid weekday convention: %q (want monday0, sunday0 or iso)", s)
}

func (c WeekdayConvention) number(d time.Weekday) int32 {
	switch c {
	case SundayZero:
		return int32(d)
	case ISO:
		if d == time.Sunday {
			return 7
		}
		return int32(d)
	default:
		return int32((d + 6) % 7)
	}
}

// Parts are the calendar columns of a timestamp. Week is the ISO-8601 week.
type Parts struct {
	Hour    int32
	Day     int32
	Week    int32
	Month   int32
	Year    int32
	Weekday int32
}

// Split computes the calendar parts of t in t's own location.
func Split(t time.Time, c WeekdayConvention) Parts {
	_, week := t.ISOWeek()
	return Parts{
		Hour:    int32(t.Hour()),
		Day:     int32(t.Day()),
		Week:    int32(week),
		Month:   int32(t.Month()),
		Year:    int32(t.Year()),
		Weekday: c.number(t.Weekday()),
	}
}
