package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallsProvider exposes the number of calls registered with the agent
// backend and not yet completed.
type ActiveCallsProvider interface {
	GetActiveCallCount() int
}

// SessionCounter exposes the number of open control plane sessions.
type SessionCounter interface {
	ActiveSessions() int
}

// SessionStats counts session state transitions. It is safe for concurrent
// use.
type SessionStats struct {
	mu     sync.Mutex
	counts map[string]uint64
}

// NewSessionStats creates an empty SessionStats.
func NewSessionStats() *SessionStats {
	return &SessionStats{counts: make(map[string]uint64)}
}

// Observe records a session entering state.
func (s *SessionStats) Observe(state string) {
	s.mu.Lock()
	s.counts[state]++
	s.mu.Unlock()
}

// Counts returns a copy of the transition counts by state.
func (s *SessionStats) Counts() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// Collector is a prometheus.Collector that gathers bridge metrics at scrape time.
type Collector struct {
	activeCalls ActiveCallsProvider
	sessions    SessionCounter
	stats       *SessionStats
	startTime   time.Time

	// Metric descriptors.
	activeCallsDesc    *prometheus.Desc
	activeSessionsDesc *prometheus.Desc
	sessionsTotalDesc  *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	activeCalls ActiveCallsProvider,
	sessions SessionCounter,
	stats *SessionStats,
	startTime time.Time,
) *Collector {
	return &Collector{
		activeCalls: activeCalls,
		sessions:    sessions,
		stats:       stats,
		startTime:   startTime,

		activeCallsDesc: prometheus.NewDesc(
			"agentbridge_registered_calls",
			"Number of calls registered with the agent backend and not yet completed",
			nil, nil,
		),
		activeSessionsDesc: prometheus.NewDesc(
			"agentbridge_active_sessions",
			"Number of open control plane sessions",
			nil, nil,
		),
		sessionsTotalDesc: prometheus.NewDesc(
			"agentbridge_session_transitions_total",
			"Total number of session state transitions, by target state",
			[]string{"state"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"agentbridge_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.activeSessionsDesc
	ch <- c.sessionsTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.GetActiveCallCount()),
		)
	}

	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeSessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.ActiveSessions()),
		)
	}

	if c.stats != nil {
		for state, n := range c.stats.Counts() {
			ch <- prometheus.MustNewConstMetric(
				c.sessionsTotalDesc, prometheus.CounterValue,
				float64(n), state,
			)
		}
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
