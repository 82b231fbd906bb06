// Package metrics defines the Prometheus registry shared by every
// component, grounded on the teacher's metrics.go.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsCurrent   prometheus.Gauge
	ConnectionsTotal     prometheus.Counter
	DisconnectsByReason  *prometheus.CounterVec
	MessagesSent         prometheus.Counter
	MessagesDropped      *prometheus.CounterVec
	BufferDepth          prometheus.Gauge
	BufferOverflow       *prometheus.CounterVec
	BroadcastDuration    prometheus.Histogram
	RetryScheduled       prometheus.Counter
	RetryExhausted       prometheus.Counter
	DeadLetters          *prometheus.CounterVec
	RouterUnmatched      prometheus.Counter
	WorkerPoolDropped    prometheus.Counter
	StateVersionConflict prometheus.Counter
	ResourceCPUPercent   prometheus.Gauge
	ResourceMemPercent   prometheus.Gauge
	SlowConnections      prometheus.Counter
	ReconnectExhausted   prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		ConnectionsCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections_current", Help: "Currently open WebSocket connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_total", Help: "Total WebSocket connections accepted.",
		}),
		DisconnectsByReason: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_disconnects_total", Help: "Disconnects by reason.",
		}, []string{"reason"}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_messages_sent_total", Help: "Messages successfully delivered.",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_messages_dropped_total", Help: "Messages dropped by channel/reason.",
		}, []string{"reason"}),
		BufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_buffer_depth", Help: "Global per-user buffer depth.",
		}),
		BufferOverflow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_buffer_overflow_total", Help: "Buffer overflow events by strategy.",
		}, []string{"strategy"}),
		BroadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "gateway_broadcast_duration_seconds", Help: "Time to fan out a broadcast.",
		}),
		RetryScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_retry_scheduled_total", Help: "Messages scheduled for retry.",
		}),
		RetryExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_retry_exhausted_total", Help: "Messages exhausted after max retry attempts.",
		}),
		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_dead_letters_total", Help: "Dead-lettered messages by reason.",
		}, []string{"reason"}),
		RouterUnmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_router_unmatched_total", Help: "Router subjects that matched no known pattern.",
		}),
		WorkerPoolDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_workerpool_dropped_total", Help: "Tasks dropped because the worker queue was full.",
		}),
		StateVersionConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_state_version_conflict_total", Help: "State updates rejected for version mismatch.",
		}),
		ResourceCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_resource_cpu_percent", Help: "Observed process CPU percent.",
		}),
		ResourceMemPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_resource_memory_percent", Help: "Observed process memory percent.",
		}),
		SlowConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_slow_connections_total", Help: "Connections that missed the per-connection broadcast send timeout.",
		}),
		ReconnectExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_reconnect_exhausted_total", Help: "Sessions that exhausted max_reconnection_attempts.",
		}),
	}

	reg.MustRegister(
		m.ConnectionsCurrent, m.ConnectionsTotal, m.DisconnectsByReason,
		m.MessagesSent, m.MessagesDropped, m.BufferDepth, m.BufferOverflow,
		m.BroadcastDuration, m.RetryScheduled, m.RetryExhausted, m.DeadLetters,
		m.RouterUnmatched, m.WorkerPoolDropped, m.StateVersionConflict,
		m.ResourceCPUPercent, m.ResourceMemPercent, m.SlowConnections, m.ReconnectExhausted,
	)

	return m
}
