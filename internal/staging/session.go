package staging

import (
	"fmt"
	"sync"
	"time"

	"github.com/HagarHaytham/Sparkify-Data-Lake/internal/timeparts"
)

// View is a registered staging view.
type View interface {
	Len() int
}

// Session holds the staging views of one run. Registering a name that is
// already taken replaces the old view.
type Session struct {
	mu    sync.RWMutex
	views map[string]View
}

// NewSession returns an empty session.
func NewSession() *Session {
	return &Session{views: make(map[string]View)}
}

// Register makes view queryable under name.
func (s *Session) Register(name string, view View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[name] = view
}

// Close drops every view.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.views)
}

// Songs returns the song view registered under name.
func (s *Session) Songs(name string) (*SongView, error) {
	return lookup[*SongView](s, name)
}

// Events returns the event view registered under name.
func (s *Session) Events(name string) (*EventView, error) {
	return lookup[*EventView](s, name)
}

func lookup[V View](s *Session, name string) (V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var zero V
	v, ok := s.views[name]
	if !ok {
		return zero, fmt.Errorf("staging view %q is not registered", name)
	}
	typed, ok := v.(V)
	if !ok {
		return zero, fmt.Errorf("staging view %q has type %T", name, v)
	}
	return typed, nil
}

// DecodeTimestamps returns a new view holding the events with a non-null ts,
// each carrying its decoded timestamp and datetime rendering in loc. The
// input view is left untouched.
func DecodeTimestamps(v *EventView, loc *time.Location) (*EventView, int) {
	out := &EventView{Records: make([]EventRecord, 0, len(v.Records)), Decoded: true}
	dropped := 0
	for _, rec := range v.Records {
		if !rec.TS.Valid {
			dropped++
			continue
		}
		d := timeparts.Decode(rec.TS.Int64, loc)
		rec.Timestamp = d.Time
		rec.Datetime = d.Datetime
		out.Records = append(out.Records, rec)
	}
	return out, dropped
}
