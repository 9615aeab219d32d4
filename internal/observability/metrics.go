package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the runtime under the hero_
// namespace. Construct once at startup with NewMetrics and share the pointer;
// collectors are safe for concurrent use.
type Metrics struct {
	// FramesAppended counts frames written to the log.
	// Labels: type (message|request|result|update|compact)
	FramesAppended *prometheus.CounterVec

	// Turns counts turn pipeline runs.
	// Labels: status (completed|failed|aborted)
	Turns *prometheus.CounterVec

	// TurnDuration measures full pipeline latency, user frame to terminal event.
	TurnDuration prometheus.Histogram

	// SSESubscribers tracks currently connected stream subscribers.
	SSESubscribers prometheus.Gauge

	// PermissionDecisions counts engine outcomes.
	// Labels: action (allow|deny|prompt)
	PermissionDecisions *prometheus.CounterVec

	// RateLimitRejected counts 429 responses by route.
	RateLimitRejected *prometheus.CounterVec

	// ProviderRequests counts LLM calls.
	// Labels: provider, model, status (success|error)
	ProviderRequests *prometheus.CounterVec

	// ProviderTokens counts tokens reported by providers.
	// Labels: provider, model, type (input|output)
	ProviderTokens *prometheus.CounterVec

	// ToolExecutions counts dispatched interaction executions.
	// Labels: tool, status (completed|failed|aborted|denied)
	ToolExecutions *prometheus.CounterVec

	// HTTPRequests counts API requests.
	// Labels: method, path, status
	HTTPRequests *prometheus.CounterVec

	// HTTPDuration measures API request latency.
	// Labels: method, path
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers against a specific registerer. Tests pass a fresh
// prometheus.NewRegistry so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FramesAppended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hero_frames_appended_total",
				Help: "Frames appended to the log by frame type",
			},
			[]string{"type"},
		),

		Turns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hero_turns_total",
				Help: "Turn pipeline runs by terminal status",
			},
			[]string{"status"},
		),

		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hero_turn_duration_seconds",
				Help:    "Wall time of a full turn, user frame to terminal event",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),

		SSESubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hero_sse_subscribers",
				Help: "Currently connected SSE subscribers",
			},
		),

		PermissionDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hero_permission_decisions_total",
				Help: "Permission engine decisions by action",
			},
			[]string{"action"},
		),

		RateLimitRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hero_ratelimit_rejected_total",
				Help: "Requests rejected by the rate limiter, by route",
			},
			[]string{"route"},
		),

		ProviderRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hero_provider_requests_total",
				Help: "LLM provider calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ProviderTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hero_provider_tokens_total",
				Help: "Tokens consumed by provider, model, and direction",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hero_tool_executions_total",
				Help: "Interaction executions by tool and outcome",
			},
			[]string{"tool", "status"},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hero_http_requests_total",
				Help: "HTTP requests by method, path, and status code",
			},
			[]string{"method", "path", "status"},
		),

		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hero_http_request_duration_seconds",
				Help:    "HTTP request latency by method and path",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path"},
		),
	}
}
