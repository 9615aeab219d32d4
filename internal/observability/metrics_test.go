package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsWith(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.FramesAppended.WithLabelValues("message").Inc()
	m.FramesAppended.WithLabelValues("message").Inc()
	m.FramesAppended.WithLabelValues("result").Inc()

	expected := `
		# HELP hero_frames_appended_total Frames appended to the log by frame type
		# TYPE hero_frames_appended_total counter
		hero_frames_appended_total{type="message"} 2
		hero_frames_appended_total{type="result"} 1
	`
	if err := testutil.CollectAndCompare(m.FramesAppended, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected frame counter state: %v", err)
	}
}

func TestMetricsIsolatedRegistries(t *testing.T) {
	// Two registries must not collide on collector names.
	a := NewMetricsWith(prometheus.NewRegistry())
	b := NewMetricsWith(prometheus.NewRegistry())

	a.Turns.WithLabelValues("completed").Inc()
	b.Turns.WithLabelValues("failed").Inc()

	if got := testutil.ToFloat64(a.Turns.WithLabelValues("completed")); got != 1 {
		t.Errorf("a completed turns = %v, want 1", got)
	}
	if got := testutil.ToFloat64(b.Turns.WithLabelValues("completed")); got != 0 {
		t.Errorf("b completed turns = %v, want 0", got)
	}
}

func TestSubscriberGauge(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.SSESubscribers.Inc()
	m.SSESubscribers.Inc()
	m.SSESubscribers.Dec()

	if got := testutil.ToFloat64(m.SSESubscribers); got != 1 {
		t.Errorf("sse_subscribers = %v, want 1", got)
	}
}

func TestPermissionDecisionLabels(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	for _, action := range []string{"allow", "deny", "prompt", "deny"} {
		m.PermissionDecisions.WithLabelValues(action).Inc()
	}

	if got := testutil.ToFloat64(m.PermissionDecisions.WithLabelValues("deny")); got != 2 {
		t.Errorf("deny decisions = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(m.PermissionDecisions); got != 3 {
		t.Errorf("label combinations = %d, want 3", got)
	}
}

func TestProviderTokenAccounting(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.ProviderTokens.WithLabelValues("anthropic", "claude-sonnet-4-5", "input").Add(120)
	m.ProviderTokens.WithLabelValues("anthropic", "claude-sonnet-4-5", "output").Add(64)

	if got := testutil.ToFloat64(m.ProviderTokens.WithLabelValues("anthropic", "claude-sonnet-4-5", "input")); got != 120 {
		t.Errorf("input tokens = %v, want 120", got)
	}
}

func TestTurnDurationObserves(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.TurnDuration.Observe(1.5)
	m.TurnDuration.Observe(12)

	if got := testutil.CollectAndCount(m.TurnDuration); got != 1 {
		t.Errorf("turn duration collector count = %d, want 1", got)
	}
}
