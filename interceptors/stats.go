package interceptors

import (
	"sort"
	"sync"
	"time"
)

// TypeStats is the running total for one message type
type TypeStats struct {
	Type            string           `json:"type"`
	Processed       int64            `json:"processed"`
	Failed          int64            `json:"failed"`
	TotalDuration   time.Duration    `json:"-"`
	AverageDuration string           `json:"averageDuration"`
	Errors          map[string]int64 `json:"errors,omitempty"`
}

// Stats is an in-memory MetricsCollector
type Stats struct {
	mu    sync.Mutex
	types map[string]*TypeStats
}

// NewStats creates an empty collector
func NewStats() *Stats {
	return &Stats{types: make(map[string]*TypeStats)}
}

func (s *Stats) entry(messageType string) *TypeStats {
	st, ok := s.types[messageType]
	if !ok {
		st = &TypeStats{Type: messageType, Errors: make(map[string]int64)}
		s.types[messageType] = st
	}
	return st
}

// IncrementMessageCount implements MetricsCollector
func (s *Stats) IncrementMessageCount(messageType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(messageType).Processed++
}

// RecordProcessingTime implements MetricsCollector
func (s *Stats) RecordProcessingTime(messageType string, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(messageType).TotalDuration += duration
}

// IncrementErrorCount implements MetricsCollector
func (s *Stats) IncrementErrorCount(messageType string, errorType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.entry(messageType)
	st.Failed++
	st.Errors[errorType]++
}

// Snapshot returns a copy of the totals sorted by message type
func (s *Stats) Snapshot() []TypeStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TypeStats, 0, len(s.types))
	for _, st := range s.types {
		cp := *st
		cp.Errors = make(map[string]int64, len(st.Errors))
		for k, v := range st.Errors {
			cp.Errors[k] = v
		}
		if cp.Processed > 0 {
			cp.AverageDuration = (cp.TotalDuration / time.Duration(cp.Processed)).String()
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
