// Package metrics provides the Prometheus collectors exposed on /metrics
// (spec.md §5, SPEC_FULL.md §10.4).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the fusion and agent processes update.
type Metrics struct {
	SessionsActive   *prometheus.GaugeVec
	LeaderFlipsTotal *prometheus.CounterVec

	TombstonesTotal  *prometheus.GaugeVec
	SuspectsTotal    *prometheus.GaugeVec
	BlindSpotsTotal  *prometheus.GaugeVec
	TreeItemsTotal   *prometheus.GaugeVec

	BusPublishTotal *prometheus.CounterVec
	BusPollTotal    *prometheus.CounterVec
	BusDroppedTotal *prometheus.CounterVec

	PipeQueueDepth *prometheus.GaugeVec

	AuditDuration *prometheus.HistogramVec
	AuditItems    *prometheus.CounterVec

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	ErrorsTotal *prometheus.CounterVec

	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a Metrics instance registered against the default registry.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against a custom
// registerer — tests use their own registry to avoid collisions across
// package-level test runs.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "fustor_sessions_active", Help: "Current number of active sessions per view"},
			[]string{"view_id"},
		),
		LeaderFlipsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "fustor_leader_flips_total", Help: "Total number of leader changes per view"},
			[]string{"view_id"},
		),
		TombstonesTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "fustor_tombstones_total", Help: "Current tombstone set size per view"},
			[]string{"view_id"},
		),
		SuspectsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "fustor_suspects_total", Help: "Current suspect set size per view"},
			[]string{"view_id"},
		),
		BlindSpotsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "fustor_blind_spots_total", Help: "Current blind-spot set size per view"},
			[]string{"view_id"},
		),
		TreeItemsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "fustor_tree_items_total", Help: "Current tree item count per view"},
			[]string{"view_id"},
		),
		BusPublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "fustor_bus_publish_total", Help: "Total events published to the view bus"},
			[]string{"view_id"},
		),
		BusPollTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "fustor_bus_poll_total", Help: "Total poll calls against the view bus"},
			[]string{"view_id"},
		),
		BusDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "fustor_bus_dropped_total", Help: "Total events dropped from the ring buffer before a consumer read them"},
			[]string{"view_id"},
		),
		PipeQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "fustor_pipe_queue_depth", Help: "Current fusion pipe queue depth"},
			[]string{"pipe_id", "view_id"},
		),
		AuditDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fustor_audit_duration_seconds",
				Help:    "Audit window duration in seconds",
				Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"pipe_id"},
		),
		AuditItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "fustor_audit_items_total", Help: "Total items observed during audit sweeps"},
			[]string{"pipe_id"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "fustor_http_requests_total", Help: "Total number of HTTP requests"},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fustor_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "fustor_http_requests_in_flight", Help: "Current number of HTTP requests being processed"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "fustor_errors_total", Help: "Total number of errors"},
			[]string{"service", "type", "operation"},
		),
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "fustor_service_uptime_seconds", Help: "Service uptime in seconds"},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "fustor_service_info", Help: "Service information"},
			[]string{"service", "version"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.SessionsActive, m.LeaderFlipsTotal,
			m.TombstonesTotal, m.SuspectsTotal, m.BlindSpotsTotal, m.TreeItemsTotal,
			m.BusPublishTotal, m.BusPollTotal, m.BusDroppedTotal,
			m.PipeQueueDepth,
			m.AuditDuration, m.AuditItems,
			m.RequestsTotal, m.RequestDuration, m.RequestsInFlight,
			m.ErrorsTotal,
			m.ServiceUptime, m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0").Set(1)
	return m
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records one error occurrence.
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordAudit records the outcome of one completed audit sweep.
func (m *Metrics) RecordAudit(pipeID string, itemCount int, duration time.Duration) {
	m.AuditItems.WithLabelValues(pipeID).Add(float64(itemCount))
	m.AuditDuration.WithLabelValues(pipeID).Observe(duration.Seconds())
}

// RecordLeaderFlip increments the leader-change counter for a view.
func (m *Metrics) RecordLeaderFlip(viewID string) {
	m.LeaderFlipsTotal.WithLabelValues(viewID).Inc()
}

// SetSessionsActive sets the current active-session gauge for a view.
func (m *Metrics) SetSessionsActive(viewID string, count int) {
	m.SessionsActive.WithLabelValues(viewID).Set(float64(count))
}

// SetTreeSizes sets the tombstone/suspect/blind-spot/item gauges for a view
// in one call, matching how the arbitrator recomputes them together.
func (m *Metrics) SetTreeSizes(viewID string, tombstones, suspects, blindSpots, items int) {
	m.TombstonesTotal.WithLabelValues(viewID).Set(float64(tombstones))
	m.SuspectsTotal.WithLabelValues(viewID).Set(float64(suspects))
	m.BlindSpotsTotal.WithLabelValues(viewID).Set(float64(blindSpots))
	m.TreeItemsTotal.WithLabelValues(viewID).Set(float64(items))
}

// RecordBusPublish increments the publish counter for a view's bus.
func (m *Metrics) RecordBusPublish(viewID string) { m.BusPublishTotal.WithLabelValues(viewID).Inc() }

// RecordBusPoll increments the poll counter for a view's bus.
func (m *Metrics) RecordBusPoll(viewID string) { m.BusPollTotal.WithLabelValues(viewID).Inc() }

// RecordBusDropped increments the dropped-event counter for a view's bus.
func (m *Metrics) RecordBusDropped(viewID string, n int) {
	m.BusDroppedTotal.WithLabelValues(viewID).Add(float64(n))
}

// SetPipeQueueDepth sets the current queue depth gauge for a fusion pipe.
func (m *Metrics) SetPipeQueueDepth(pipeID, viewID string, depth int) {
	m.PipeQueueDepth.WithLabelValues(pipeID, viewID).Set(float64(depth))
}

// IncrementInFlight increments the in-flight HTTP request gauge.
func (m *Metrics) IncrementInFlight() { m.RequestsInFlight.Inc() }

// DecrementInFlight decrements the in-flight HTTP request gauge.
func (m *Metrics) DecrementInFlight() { m.RequestsInFlight.Dec() }

// UpdateUptime sets the uptime gauge relative to startTime.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}
