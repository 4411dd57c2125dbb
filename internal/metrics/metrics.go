// Package metrics holds the Prometheus collectors exported by pollyd.
//
// Collectors live on a private registry so tests and embedders never collide
// with the global default registry. Handler serves it on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pollyd"

// Registry is the registry every pollyd collector is registered on.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// LiveSessions tracks sessions currently held in a registry.
	// Labels: scope (interactive|embedded)
	LiveSessions = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_sessions",
		Help:      "Number of live sessions by scope",
	}, []string{"scope"})

	// SessionsCreated counts sessions created by scope.
	SessionsCreated = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_created_total",
		Help:      "Total number of sessions created by scope",
	}, []string{"scope"})

	// SessionsEnded counts sessions removed from a registry.
	// Labels: scope, reason (explicit|idle|shutdown|reload)
	SessionsEnded = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_ended_total",
		Help:      "Total number of sessions ended by scope and reason",
	}, []string{"scope", "reason"})

	// CleanupFailures counts session cleanups that returned an error or timed out.
	CleanupFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_cleanup_failures_total",
		Help:      "Total number of failed session cleanups by scope",
	}, []string{"scope"})

	// ProviderInitFailures counts tool providers that failed or timed out during initialization.
	ProviderInitFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_init_failures_total",
		Help:      "Total number of tool provider initialization failures by provider",
	}, []string{"provider"})

	// ProviderInitDuration measures how long a provider took to connect.
	ProviderInitDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provider_init_duration_seconds",
		Help:      "Duration of tool provider connections in seconds",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 20, 60},
	}, []string{"provider"})

	// QueryDuration measures one query turn end to end.
	// Labels: provider, status (success|error)
	QueryDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "query_duration_seconds",
		Help:      "Duration of query turns in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"provider", "status"})

	// ToolExecutions counts tool calls made by agents.
	// Labels: tool, status (success|error)
	ToolExecutions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_executions_total",
		Help:      "Total number of tool executions by tool and status",
	}, []string{"tool", "status"})

	// Tokens tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	Tokens = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_total",
		Help:      "Total number of tokens by provider, model and type",
	}, []string{"provider", "model", "type"})

	// LedgerFailures counts usage records that could not be persisted.
	LedgerFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "usage_ledger_failures_total",
		Help:      "Total number of usage records that failed to persist",
	})

	// SecurityDenials counts rejected ownership checks.
	// Labels: reason
	SecurityDenials = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "security_denials_total",
		Help:      "Total number of tenant ownership checks that were denied",
	}, []string{"reason"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler returns an HTTP handler exposing Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
