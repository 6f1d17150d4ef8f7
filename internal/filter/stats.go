package filter

import (
	"sync"
	"sync/atomic"

	"mcpbridge/internal/metrics"
)

// Stats holds chain-wide and per-filter counters.
type Stats struct {
	totalRequests    atomic.Int64
	blockedRequests  atomic.Int64
	modifiedRequests atomic.Int64
	piiRedactions    atomic.Int64
	filterErrors     atomic.Int64

	mu        sync.Mutex
	perFilter map[string]*filterCounters
}

type filterCounters struct {
	invocations atomic.Int64
	modified    atomic.Int64
	dropped     atomic.Int64
	errors      atomic.Int64
}

// FilterCounters are the counters of one filter.
type FilterCounters struct {
	Invocations int64 `json:"invocations"`
	Modified    int64 `json:"modified"`
	Dropped     int64 `json:"dropped"`
	Errors      int64 `json:"errors"`
}

// StatsSnapshot is the JSON form of Stats.
type StatsSnapshot struct {
	TotalRequests    int64                     `json:"total_requests"`
	BlockedRequests  int64                     `json:"blocked_requests"`
	ModifiedRequests int64                     `json:"modified_requests"`
	PIIRedactions    int64                     `json:"pii_redactions"`
	FilterErrors     int64                     `json:"filter_errors"`
	Filters          map[string]FilterCounters `json:"filters"`
}

func newStats() *Stats {
	return &Stats{perFilter: map[string]*filterCounters{}}
}

func (s *Stats) forFilter(name string) *filterCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.perFilter[name]
	if !ok {
		c = &filterCounters{}
		s.perFilter[name] = c
	}
	return c
}

// AddRedactions records n redacted secret occurrences.
func (s *Stats) AddRedactions(n int) {
	if n <= 0 {
		return
	}
	s.piiRedactions.Add(int64(n))
	metrics.AddRedactions(n)
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		TotalRequests:    s.totalRequests.Load(),
		BlockedRequests:  s.blockedRequests.Load(),
		ModifiedRequests: s.modifiedRequests.Load(),
		PIIRedactions:    s.piiRedactions.Load(),
		FilterErrors:     s.filterErrors.Load(),
		Filters:          map[string]FilterCounters{},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, c := range s.perFilter {
		snap.Filters[name] = FilterCounters{
			Invocations: c.invocations.Load(),
			Modified:    c.modified.Load(),
			Dropped:     c.dropped.Load(),
			Errors:      c.errors.Load(),
		}
	}
	return snap
}
