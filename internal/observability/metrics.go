package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Pool metrics
	StreamsCreated   prometheus.Counter
	StreamsReclaimed *prometheus.CounterVec
	StreamsCommitted *prometheus.CounterVec
	FreeStreams      prometheus.Gauge
	ActiveStreams    prometheus.Gauge
	FilledQueueDepth prometheus.Gauge

	// Producer metrics
	EventsWritten    *prometheus.CounterVec
	EventsFragmented prometheus.Counter
	ProducerStalls   *prometheus.CounterVec

	// Client metrics
	ClientConnections *prometheus.CounterVec
	ClientsConnected  *prometheus.GaugeVec
	ClientsLost       prometheus.Counter
	BytesSent         *prometheus.CounterVec

	// Sticky store metrics
	StickyLive        prometheus.Gauge
	StickyDataBytes   prometheus.Gauge
	StickyCompactions *prometheus.CounterVec

	// Source metrics
	MessagesConsumed *prometheus.CounterVec
	Rebalances       *prometheus.CounterVec

	// Snapshot metrics
	FilesWritten         *prometheus.CounterVec
	StorageWriteDuration *prometheus.HistogramVec
	FileSize             *prometheus.HistogramVec
	StorageErrors        *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		StreamsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "lmd_streams_created_total",
			Help: "Total number of streams allocated",
		}),
		StreamsReclaimed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lmd_streams_reclaimed_total",
				Help: "Total number of active streams returned to the free ring",
			},
			[]string{"mode"},
		),
		StreamsCommitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lmd_streams_committed_total",
				Help: "Total number of streams committed by the producer",
			},
			[]string{"kind"},
		),
		FreeStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lmd_free_streams",
			Help: "Streams on the free ring",
		}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lmd_active_streams",
			Help: "Streams in the active list",
		}),
		FilledQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lmd_filled_queue_depth",
			Help: "Committed streams not yet taken by the dispatcher",
		}),

		EventsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lmd_events_written_total",
				Help: "Total number of events packed into streams",
			},
			[]string{"kind"},
		),
		EventsFragmented: factory.NewCounter(prometheus.CounterOpts{
			Name: "lmd_events_fragmented_total",
			Help: "Total number of events split across buffers",
		}),
		ProducerStalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lmd_producer_stalls_total",
				Help: "Total number of times the producer waited for the dispatcher",
			},
			[]string{"reason"},
		),

		ClientConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lmd_client_connections_total",
				Help: "Total number of accepted client connections",
			},
			[]string{"protocol", "result"},
		),
		ClientsConnected: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lmd_clients_connected",
				Help: "Currently connected data clients",
			},
			[]string{"protocol"},
		),
		ClientsLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "lmd_clients_lost_total",
			Help: "Total number of times a client lost data to a forced reclaim",
		}),
		BytesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lmd_bytes_sent_total",
				Help: "Total number of bytes written to clients",
			},
			[]string{"protocol"},
		),

		StickyLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lmd_sticky_live_entries",
			Help: "Live sticky sub-events in the store",
		}),
		StickyDataBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lmd_sticky_data_bytes",
			Help: "Used bytes of the sticky data region",
		}),
		StickyCompactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lmd_sticky_compactions_total",
				Help: "Total number of sticky store compactions",
			},
			[]string{"region"},
		),

		MessagesConsumed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_messages_consumed_total",
				Help: "Total number of messages consumed from Kafka",
			},
			[]string{"topic", "partition"},
		),
		Rebalances: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_rebalance_total",
				Help: "Total number of consumer group rebalances",
			},
			[]string{"group"},
		),

		FilesWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapshot_files_written_total",
				Help: "Total number of sticky snapshot files written",
			},
			[]string{"backend", "format", "status"},
		),
		StorageWriteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "snapshot_write_duration_seconds",
				Help:    "Duration of snapshot writes including encoding",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		FileSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "snapshot_file_size_bytes",
				Help:    "Size of snapshot files",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to 256MB
			},
			[]string{"format"},
		),
		StorageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapshot_storage_errors_total",
				Help: "Total number of snapshot storage errors",
			},
			[]string{"backend", "error_type"},
		),
	}
}

// SetPoolState records the stream counts seen by the dispatcher.
func (m *Metrics) SetPoolState(free, active, filled int) {
	m.FreeStreams.Set(float64(free))
	m.ActiveStreams.Set(float64(active))
	m.FilledQueueDepth.Set(float64(filled))
}

// IncStreamsReclaimed counts a stream taken back from the active list.
func (m *Metrics) IncStreamsReclaimed(mode string) {
	m.StreamsReclaimed.WithLabelValues(mode).Inc()
}

// IncStreamsCommitted counts a committed stream of the given kind.
func (m *Metrics) IncStreamsCommitted(kind string) {
	m.StreamsCommitted.WithLabelValues(kind).Inc()
}

// IncEventsWritten counts an event of the given kind.
func (m *Metrics) IncEventsWritten(kind string) {
	m.EventsWritten.WithLabelValues(kind).Inc()
}

// IncProducerStalls counts a producer wait.
func (m *Metrics) IncProducerStalls(reason string) {
	m.ProducerStalls.WithLabelValues(reason).Inc()
}

// IncClientConnections counts a connection outcome.
func (m *Metrics) IncClientConnections(protocol, result string) {
	m.ClientConnections.WithLabelValues(protocol, result).Inc()
}

// AddClientsConnected moves the connected clients gauge.
func (m *Metrics) AddClientsConnected(protocol string, delta float64) {
	m.ClientsConnected.WithLabelValues(protocol).Add(delta)
}

// AddBytesSent counts bytes written to clients.
func (m *Metrics) AddBytesSent(protocol string, n int) {
	m.BytesSent.WithLabelValues(protocol).Add(float64(n))
}

// SetStickyState records the sticky store size.
func (m *Metrics) SetStickyState(live, dataBytes int) {
	m.StickyLive.Set(float64(live))
	m.StickyDataBytes.Set(float64(dataBytes))
}

// IncStickyCompactions counts a compaction of the data or meta region.
func (m *Metrics) IncStickyCompactions(region string) {
	m.StickyCompactions.WithLabelValues(region).Inc()
}

// IncMessagesConsumed increments messages consumed counter.
func (m *Metrics) IncMessagesConsumed(topic string, partition int32) {
	m.MessagesConsumed.WithLabelValues(topic, fmt.Sprintf("%d", partition)).Inc()
}

// IncRebalances increments rebalances counter.
func (m *Metrics) IncRebalances(groupID string) {
	m.Rebalances.WithLabelValues(groupID).Inc()
}

// IncFilesWritten increments files written counter.
func (m *Metrics) IncFilesWritten(backend, format, status string) {
	m.FilesWritten.WithLabelValues(backend, format, status).Inc()
}

// ObserveFileSize observes file size.
func (m *Metrics) ObserveFileSize(format string, size float64) {
	m.FileSize.WithLabelValues(format).Observe(size)
}

// ObserveStorageWriteDuration observes storage write duration.
func (m *Metrics) ObserveStorageWriteDuration(backend string, duration float64) {
	m.StorageWriteDuration.WithLabelValues(backend).Observe(duration)
}

// IncStorageErrors increments storage errors counter.
func (m *Metrics) IncStorageErrors(backend string, operation string) {
	m.StorageErrors.WithLabelValues(backend, operation).Inc()
}
