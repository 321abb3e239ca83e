package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Message flow through the fan-out path (persisted, published, queued)
//   - Gateway session lifecycle and eviction reasons
//   - Broker consumer health (reconnects, dispatch outcomes)
//   - Error rates categorized by type and component
//   - HTTP and database latencies
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.MessagePublished("single", "success")
//	metrics.SessionStarted("mobile")
type Metrics struct {
	// MessageCounter tracks fan-out messages by chat kind and stage.
	// Labels: kind (single|group), stage (persisted|published|offline_queued|stored_only|dropped)
	MessageCounter *prometheus.CounterVec

	// DeliveryCounter tracks broker-consumer dispatch outcomes.
	// Labels: code (wire code name), outcome (delivered|no_session|sink_closed)
	DeliveryCounter *prometheus.CounterVec

	// ActiveSessions is a gauge tracking live gateway sessions.
	// Labels: device_group (mobile|desktop|web)
	ActiveSessions *prometheus.GaugeVec

	// SessionDuration measures session lifetime in seconds.
	// Labels: device_group
	// Buckets: 60s, 300s, 600s, 1800s, 3600s, 7200s, 14400s, 28800s
	SessionDuration *prometheus.HistogramVec

	// EvictionCounter counts forced logouts.
	// Labels: reason (same_group|multi_device)
	EvictionCounter *prometheus.CounterVec

	// BrokerReconnects counts consumer/publisher reconnect attempts.
	// Labels: broker (amqp|mqtt)
	BrokerReconnects *prometheus.CounterVec

	// OfflineQueueCounter tracks offline list operations.
	// Labels: op (append|drain), status (success|error)
	OfflineQueueCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by type and component.
	// Labels: component (gateway|api|broker|storage|registry), error_type
	ErrorCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// DatabaseQueryDuration measures database query latency.
	// Labels: operation (select|insert|update|delete), table
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	DatabaseQueryDuration *prometheus.HistogramVec

	// DatabaseQueryCounter counts database queries.
	// Labels: operation, table, status (success|error)
	DatabaseQueryCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. This should be called once at application startup.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers all metrics with the given registerer.
// Tests use a fresh registry per case to avoid duplicate registration.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_total",
				Help: "Total fan-out messages by chat kind and pipeline stage",
			},
			[]string{"kind", "stage"},
		),

		DeliveryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_deliveries_total",
				Help: "Broker-consumer dispatch outcomes by wire code",
			},
			[]string{"code", "outcome"},
		),

		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_active_sessions",
				Help: "Current number of live gateway sessions by device group",
			},
			[]string{"device_group"},
		),

		SessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_session_duration_seconds",
				Help:    "Duration of gateway sessions in seconds",
				Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800},
			},
			[]string{"device_group"},
		),

		EvictionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_evictions_total",
				Help: "Forced session logouts by reason",
			},
			[]string{"reason"},
		),

		BrokerReconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_broker_reconnects_total",
				Help: "Broker reconnect attempts by broker kind",
			},
			[]string{"broker"},
		),

		OfflineQueueCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_offline_queue_ops_total",
				Help: "Offline queue operations by op and status",
			},
			[]string{"op", "status"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		DatabaseQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_database_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),

		DatabaseQueryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"operation", "table", "status"},
		),
	}
}

// MessageStage records a fan-out pipeline stage for one message.
//
// Example:
//
//	metrics.MessageStage("single", "persisted")
func (m *Metrics) MessageStage(kind, stage string) {
	m.MessageCounter.WithLabelValues(kind, stage).Inc()
}

// RecordDelivery records one broker-consumer dispatch outcome.
func (m *Metrics) RecordDelivery(code, outcome string) {
	m.DeliveryCounter.WithLabelValues(code, outcome).Inc()
}

// SessionStarted increments the active sessions gauge.
func (m *Metrics) SessionStarted(deviceGroup string) {
	m.ActiveSessions.WithLabelValues(deviceGroup).Inc()
}

// SessionEnded decrements the active sessions gauge and records session duration.
func (m *Metrics) SessionEnded(deviceGroup string, durationSeconds float64) {
	m.ActiveSessions.WithLabelValues(deviceGroup).Dec()
	m.SessionDuration.WithLabelValues(deviceGroup).Observe(durationSeconds)
}

// RecordEviction counts one forced logout.
func (m *Metrics) RecordEviction(reason string) {
	m.EvictionCounter.WithLabelValues(reason).Inc()
}

// RecordBrokerReconnect counts one reconnect attempt.
func (m *Metrics) RecordBrokerReconnect(broker string) {
	m.BrokerReconnects.WithLabelValues(broker).Inc()
}

// RecordOfflineQueueOp records one offline list operation.
func (m *Metrics) RecordOfflineQueueOp(op, status string) {
	m.OfflineQueueCounter.WithLabelValues(op, status).Inc()
}

// RecordError increments the error counter for a given component and error type.
//
// Example:
//
//	metrics.RecordError("broker", "amqp_reconnect")
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordDatabaseQuery records metrics for a database query.
func (m *Metrics) RecordDatabaseQuery(operation, table, status string, durationSeconds float64) {
	m.DatabaseQueryCounter.WithLabelValues(operation, table, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}
