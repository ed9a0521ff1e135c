package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type fixedCalls int

func (f fixedCalls) GetActiveCallCount() int { return int(f) }

type fixedSessions int

func (f fixedSessions) ActiveSessions() int { return int(f) }

func gather(t *testing.T, c prometheus.Collector) map[string]*dto.MetricFamily {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("failed to register collector: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf
	}
	return out
}

func TestCollector(t *testing.T) {
	stats := NewSessionStats()
	stats.Observe("routed")
	stats.Observe("routed")
	stats.Observe("failed")

	c := NewCollector(fixedCalls(3), fixedSessions(5), stats, time.Now().Add(-time.Minute))
	families := gather(t, c)

	if got := families["agentbridge_registered_calls"].GetMetric()[0].GetGauge().GetValue(); got != 3 {
		t.Errorf("registered calls = %v, want 3", got)
	}
	if got := families["agentbridge_active_sessions"].GetMetric()[0].GetGauge().GetValue(); got != 5 {
		t.Errorf("active sessions = %v, want 5", got)
	}
	if got := families["agentbridge_uptime_seconds"].GetMetric()[0].GetGauge().GetValue(); got < 60 {
		t.Errorf("uptime = %v, want >= 60", got)
	}

	byState := make(map[string]float64)
	for _, m := range families["agentbridge_session_transitions_total"].GetMetric() {
		byState[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
	}
	if byState["routed"] != 2 || byState["failed"] != 1 {
		t.Errorf("transitions = %v, want routed=2 failed=1", byState)
	}
}

func TestCollector_NilProviders(t *testing.T) {
	families := gather(t, NewCollector(nil, nil, nil, time.Now()))

	if _, ok := families["agentbridge_registered_calls"]; ok {
		t.Error("expected no registered calls metric without a provider")
	}
	if _, ok := families["agentbridge_uptime_seconds"]; !ok {
		t.Error("expected uptime metric")
	}
}
