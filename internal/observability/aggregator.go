package observability

import (
	"sort"
	"sync"
	"time"
)

// ServerStats holds aggregated metrics for a single upstream server.
type ServerStats struct {
	Name           string  `json:"name"`
	RequestCount   int64   `json:"request_count"`
	ErrorCount     int64   `json:"error_count"`
	TotalLatencyMS float64 `json:"-"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`
	ErrorRate      float64 `json:"error_rate"`
	RPS            float64 `json:"rps"`
}

// MetricsSnapshot is the periodic summary sent to WebSocket clients.
type MetricsSnapshot struct {
	Timestamp      time.Time      `json:"timestamp"`
	TotalRequests  int64          `json:"total_requests"`
	TotalErrors    int64          `json:"total_errors"`
	AvgLatencyMS   float64        `json:"avg_latency_ms"`
	ErrorRate      float64        `json:"error_rate"`
	ActiveSessions int64          `json:"active_sessions"`
	Servers        []*ServerStats `json:"servers"`
}

// Aggregator maintains in-memory rolling stats for the admin dashboard.
type Aggregator struct {
	mu             sync.Mutex
	servers        map[string]*serverWindow
	windowSize     time.Duration
	activeSessions int64
}

type serverWindow struct {
	entries []windowEntry
}

type windowEntry struct {
	ts        time.Time
	latencyMS float64
	isError   bool
}

// NewAggregator creates a new Aggregator with a 5 minute rolling window.
func NewAggregator() *Aggregator {
	return &Aggregator{
		servers:    make(map[string]*serverWindow),
		windowSize: 5 * time.Minute,
	}
}

// Record adds an activity entry to the aggregator.
func (a *Aggregator) Record(e ActivityEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	server := e.Server
	if server == "" {
		server = "_gateway"
	}

	w, ok := a.servers[server]
	if !ok {
		w = &serverWindow{}
		a.servers[server] = w
	}

	w.entries = append(w.entries, windowEntry{
		ts:        e.Timestamp,
		latencyMS: e.DurationMS,
		isError:   e.Status == "error",
	})
}

// SetActiveSessions updates the active session count. The session manager
// owns the authoritative number; the aggregator only mirrors it for
// snapshots.
func (a *Aggregator) SetActiveSessions(n int64) {
	a.mu.Lock()
	a.activeSessions = n
	a.mu.Unlock()
}

// Snapshot computes and returns the current metrics snapshot, pruning old entries.
func (a *Aggregator) Snapshot() *MetricsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-a.windowSize)

	snap := &MetricsSnapshot{
		Timestamp:      now,
		ActiveSessions: a.activeSessions,
	}

	var totalLatency float64

	for name, w := range a.servers {
		// Prune old entries
		pruned := w.entries[:0]
		for _, e := range w.entries {
			if e.ts.After(cutoff) {
				pruned = append(pruned, e)
			}
		}
		w.entries = pruned

		if len(pruned) == 0 {
			continue
		}

		ss := &ServerStats{Name: name}
		for _, e := range pruned {
			ss.RequestCount++
			ss.TotalLatencyMS += e.latencyMS
			if e.isError {
				ss.ErrorCount++
			}
		}
		ss.AvgLatencyMS = ss.TotalLatencyMS / float64(ss.RequestCount)
		if ss.RequestCount > 0 {
			ss.ErrorRate = float64(ss.ErrorCount) / float64(ss.RequestCount)
		}
		ss.RPS = float64(ss.RequestCount) / a.windowSize.Seconds()

		snap.TotalRequests += ss.RequestCount
		snap.TotalErrors += ss.ErrorCount
		totalLatency += ss.TotalLatencyMS

		snap.Servers = append(snap.Servers, ss)
	}

	sort.Slice(snap.Servers, func(i, j int) bool {
		return snap.Servers[i].Name < snap.Servers[j].Name
	})

	if snap.TotalRequests > 0 {
		snap.AvgLatencyMS = totalLatency / float64(snap.TotalRequests)
		snap.ErrorRate = float64(snap.TotalErrors) / float64(snap.TotalRequests)
	}

	return snap
}
