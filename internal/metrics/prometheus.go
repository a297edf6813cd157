// Package metrics exposes prometheus metrics for the printer link.
//
// A Registry is created per process (or per test) and handed to the
// components that update it. All methods are safe on a nil *Registry,
// which simply records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// States reported by ConnectionState, in gauge order.
var connectionStates = []string{"disconnected", "connecting", "connected", "error"}

// Registry holds all printer-link metrics.
type Registry struct {
	reg *prometheus.Registry

	// Connection metrics
	ConnectionState   *prometheus.GaugeVec
	ConnectAttempts   *prometheus.CounterVec
	StateTransitions  *prometheus.CounterVec
	RetryAttempts     prometheus.Gauge
	ProtocolErrors    *prometheus.CounterVec
	RPCRequests       *prometheus.CounterVec
	RPCResponses      *prometheus.CounterVec
	RPCLatency        prometheus.Histogram
	PendingCalls      prometheus.Gauge
	HostNotifications *prometheus.CounterVec

	// REST metrics
	RESTRequests *prometheus.CounterVec

	// Queue metrics
	QueueDepth       *prometheus.GaugeVec
	CommandsEnqueued prometheus.Counter
	CommandsSent     *prometheus.CounterVec
	QueueBlocked     prometheus.Gauge
}

// New creates a registry backed by its own prometheus.Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	f := promauto.With(reg)
	r := &Registry{reg: reg}

	r.ConnectionState = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "platen_connection_state",
		Help: "1 for the current connection state, 0 otherwise",
	}, []string{"state"})

	r.ConnectAttempts = f.NewCounterVec(prometheus.CounterOpts{
		Name: "platen_connect_attempts_total",
		Help: "Connection attempts by outcome",
	}, []string{"result"})

	r.StateTransitions = f.NewCounterVec(prometheus.CounterOpts{
		Name: "platen_state_transitions_total",
		Help: "Connection state machine transitions",
	}, []string{"event"})

	r.RetryAttempts = f.NewGauge(prometheus.GaugeOpts{
		Name: "platen_retry_attempts",
		Help: "Consecutive failed connect attempts",
	})

	r.ProtocolErrors = f.NewCounterVec(prometheus.CounterOpts{
		Name: "platen_protocol_errors_total",
		Help: "Inbound frames that were malformed or unmatched",
	}, []string{"reason"})

	r.RPCRequests = f.NewCounterVec(prometheus.CounterOpts{
		Name: "platen_rpc_requests_total",
		Help: "JSON-RPC requests written to the channel",
	}, []string{"method"})

	r.RPCResponses = f.NewCounterVec(prometheus.CounterOpts{
		Name: "platen_rpc_responses_total",
		Help: "JSON-RPC responses received, by outcome",
	}, []string{"result"})

	r.RPCLatency = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "platen_rpc_latency_seconds",
		Help:    "Round trip time of awaited JSON-RPC calls",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	r.PendingCalls = f.NewGauge(prometheus.GaugeOpts{
		Name: "platen_rpc_pending_calls",
		Help: "Requests awaiting a response",
	})

	r.HostNotifications = f.NewCounterVec(prometheus.CounterOpts{
		Name: "platen_host_notifications_total",
		Help: "JSON-RPC notifications received from the host",
	}, []string{"method"})

	r.RESTRequests = f.NewCounterVec(prometheus.CounterOpts{
		Name: "platen_rest_requests_total",
		Help: "REST calls to the printer host, by endpoint and outcome",
	}, []string{"endpoint", "result"})

	r.QueueDepth = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "platen_queue_depth",
		Help: "Commands held in each queue structure",
	}, []string{"store"})

	r.CommandsEnqueued = f.NewCounter(prometheus.CounterOpts{
		Name: "platen_commands_enqueued_total",
		Help: "Commands accepted by the command queue",
	})

	r.CommandsSent = f.NewCounterVec(prometheus.CounterOpts{
		Name: "platen_commands_sent_total",
		Help: "Commands transmitted by the stream sender",
	}, []string{"source"})

	r.QueueBlocked = f.NewGauge(prometheus.GaugeOpts{
		Name: "platen_queue_blocked",
		Help: "1 while the command queue gate is closed",
	})

	return r
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler returns the HTTP handler serving this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// SetConnectionState marks state as the current one.
func (r *Registry) SetConnectionState(state string) {
	if r == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.ConnectionState.WithLabelValues(s).Set(v)
	}
}

// ObserveConnect records the outcome of one connect attempt ("ok", "auth_error", "connect_error").
func (r *Registry) ObserveConnect(result string, attempts int) {
	if r == nil {
		return
	}
	r.ConnectAttempts.WithLabelValues(result).Inc()
	r.RetryAttempts.Set(float64(attempts))
}

// ObserveTransition counts a state machine event.
func (r *Registry) ObserveTransition(event string) {
	if r == nil {
		return
	}
	r.StateTransitions.WithLabelValues(event).Inc()
}

// ObserveProtocolError counts a bad inbound frame.
func (r *Registry) ObserveProtocolError(reason string) {
	if r == nil {
		return
	}
	r.ProtocolErrors.WithLabelValues(reason).Inc()
}

// ObserveRequest counts an outbound request.
func (r *Registry) ObserveRequest(method string) {
	if r == nil {
		return
	}
	r.RPCRequests.WithLabelValues(method).Inc()
}

// ObserveResponse counts an inbound response; result is "ok" or "error".
func (r *Registry) ObserveResponse(result string, seconds float64) {
	if r == nil {
		return
	}
	r.RPCResponses.WithLabelValues(result).Inc()
	if seconds >= 0 {
		r.RPCLatency.Observe(seconds)
	}
}

// SetPending records the number of in-flight awaited calls.
func (r *Registry) SetPending(n int) {
	if r == nil {
		return
	}
	r.PendingCalls.Set(float64(n))
}

// ObserveNotification counts a host notification.
func (r *Registry) ObserveNotification(method string) {
	if r == nil {
		return
	}
	r.HostNotifications.WithLabelValues(method).Inc()
}

// ObserveREST counts a REST call.
func (r *Registry) ObserveREST(endpoint, result string) {
	if r == nil {
		return
	}
	r.RESTRequests.WithLabelValues(endpoint, result).Inc()
}

// SetQueueDepth records the size of a queue structure ("primary" or "resend").
func (r *Registry) SetQueueDepth(store string, n int) {
	if r == nil {
		return
	}
	r.QueueDepth.WithLabelValues(store).Set(float64(n))
}

// ObserveEnqueued counts an accepted command.
func (r *Registry) ObserveEnqueued() {
	if r == nil {
		return
	}
	r.CommandsEnqueued.Inc()
}

// ObserveSent counts a transmitted command; source is "primary" or "resend".
func (r *Registry) ObserveSent(source string) {
	if r == nil {
		return
	}
	r.CommandsSent.WithLabelValues(source).Inc()
}

// SetQueueBlocked records the gate state.
func (r *Registry) SetQueueBlocked(blocked bool) {
	if r == nil {
		return
	}
	v := 0.0
	if blocked {
		v = 1
	}
	r.QueueBlocked.Set(v)
}
