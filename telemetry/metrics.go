// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	Reconnects        *prometheus.CounterVec // by conn
	FramesReceived    *prometheus.CounterVec // by conn
	FramesDropped     *prometheus.CounterVec // by conn
	ChatMessagesSent  prometheus.Counter
	ChatSendRetries   prometheus.Counter
	ChatSendDropped   prometheus.Counter
	EventsPublished   *prometheus.CounterVec // by source, kind
	Dispatches        *prometheus.CounterVec // by path (full|command|event)
	ComponentFailures *prometheus.CounterVec // by component, method
	ControlCalls      *prometheus.CounterVec // by method, outcome
	HelixRequests     *prometheus.CounterVec // by endpoint, status
	CacheLookups      *prometheus.CounterVec // by result (hit|miss)

	// Histograms (seconds)
	DispatchDuration prometheus.Observer

	// Gauges
	ActiveComponents prometheus.Gauge
	SessionRunning   prometheus.Gauge // 1=running,0=stopped
	ControlConnected prometheus.Gauge // 1=connected,0=disconnected
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatdeck_transport_reconnects_total", Help: "Number of reconnects after a dropped socket"}, []string{"conn"})
		FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatdeck_transport_frames_received_total", Help: "Frames received per connection"}, []string{"conn"})
		FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatdeck_transport_frames_dropped_total", Help: "Frames dropped because the handler could not process them"}, []string{"conn"})
		ChatMessagesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "chatdeck_chat_messages_sent_total", Help: "Chat messages written to the socket"})
		ChatSendRetries = promauto.NewCounter(prometheus.CounterOpts{Name: "chatdeck_chat_send_retries_total", Help: "Chat send attempts that failed and were retried"})
		ChatSendDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chatdeck_chat_messages_dropped_total", Help: "Chat messages dropped because the outbound queue was full"})
		EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatdeck_events_published_total", Help: "Platform events delivered to subscribers"}, []string{"source", "kind"})
		Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatdeck_dispatches_total", Help: "Dispatcher invocations"}, []string{"path"})
		ComponentFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatdeck_component_failures_total", Help: "Component calls that returned an error or panicked"}, []string{"component", "method"})
		ControlCalls = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatdeck_control_calls_total", Help: "Control channel RPC calls"}, []string{"method", "outcome"})
		HelixRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatdeck_helix_requests_total", Help: "Helix API requests"}, []string{"endpoint", "status"})
		CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatdeck_request_cache_lookups_total", Help: "Request cache lookups"}, []string{"result"})
		DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatdeck_dispatch_duration_seconds", Help: "Time spent dispatching one message or event to all components", Buckets: prometheus.DefBuckets})
		ActiveComponents = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatdeck_active_components", Help: "Components in the live registry"})
		SessionRunning = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatdeck_session_running", Help: "Session running=1 stopped=0"})
		ControlConnected = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatdeck_control_connected", Help: "Control channel connected=1 disconnected=0"})
	})
}

// IncVec increments a labelled counter if metrics are initialised.
func IncVec(v *prometheus.CounterVec, labels ...string) {
	if v != nil {
		v.WithLabelValues(labels...).Inc()
	}
}

// Inc increments c if metrics are initialised.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// SetGauge sets g if metrics are initialised.
func SetGauge(g prometheus.Gauge, v float64) {
	if g != nil {
		g.Set(v)
	}
}

// SetBool sets g to 1 when b is true else 0.
func SetBool(g prometheus.Gauge, b bool) {
	if b {
		SetGauge(g, 1)
	} else {
		SetGauge(g, 0)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
