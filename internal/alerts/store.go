package alerts

import (
	"sync"
	"time"

	"iotguard/internal/model"
)

type Store struct {
	mu    sync.RWMutex
	buf   []model.Alert
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Emit(alert model.Alert) {
	s.Add(alert)
}

func (s *Store) Add(alert model.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, alert)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = alert
}

// List returns the newest limit alerts, oldest first. minSeverity filters
// when non-empty.
func (s *Store) List(limit int, minSeverity model.Severity) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	filtered := make([]model.Alert, 0, len(s.buf))
	for _, a := range s.buf {
		if a.Severity.Rank() >= minSeverity.Rank() {
			filtered = append(filtered, a)
		}
	}
	if limit <= 0 || limit > len(filtered) {
		limit = len(filtered)
	}
	return filtered[len(filtered)-limit:]
}

func (s *Store) Since(ts time.Time) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Alert, 0)
	for _, a := range s.buf {
		if !a.Timestamp.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
