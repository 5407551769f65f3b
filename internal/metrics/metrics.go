// Package metrics exposes the daemon's Prometheus collectors. All methods are
// safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	notesTotal        *prometheus.CounterVec
	permissionDenied  *prometheus.CounterVec
	syncsTotal        *prometheus.CounterVec
	syncDuration      prometheus.Histogram
	invalidSnapshots  *prometheus.CounterVec
	foldedEnergy      *prometheus.CounterVec
	checkpointWrites  *prometheus.CounterVec
	receiverEnvelopes *prometheus.CounterVec
	checkinExports    *prometheus.CounterVec
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		notesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batterystats_notes_total",
			Help: "Note events applied to the stats store by kind.",
		}, []string{"kind"}),
		permissionDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batterystats_permission_denied_total",
			Help: "Calls rejected by the permission checker by permission.",
		}, []string{"permission"}),
		syncsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batterystats_external_syncs_total",
			Help: "External stats sync passes by result.",
		}, []string{"result"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "batterystats_external_sync_duration_seconds",
			Help:    "Duration of external stats sync passes.",
			Buckets: prometheus.DefBuckets,
		}),
		invalidSnapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batterystats_invalid_snapshots_total",
			Help: "Hardware snapshots skipped as invalid or unreadable by subsystem.",
		}, []string{"subsystem"}),
		foldedEnergy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batterystats_folded_energy_uws_total",
			Help: "Controller and rail energy folded into the store by subsystem.",
		}, []string{"subsystem"}),
		checkpointWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batterystats_checkpoint_writes_total",
			Help: "Checkpoint writes by result.",
		}, []string{"result"}),
		receiverEnvelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batterystats_pipeline_notes_total",
			Help: "Notes handled by the ingestion pipeline by result.",
		}, []string{"result"}),
		checkinExports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batterystats_checkin_exports_total",
			Help: "Checkin exports by exporter and result.",
		}, []string{"exporter", "result"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batterystats_http_requests_total",
			Help: "Total count of API requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batterystats_http_request_duration_seconds",
			Help:    "Histogram of API request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.notesTotal,
			m.permissionDenied,
			m.syncsTotal,
			m.syncDuration,
			m.invalidSnapshots,
			m.foldedEnergy,
			m.checkpointWrites,
			m.receiverEnvelopes,
			m.checkinExports,
			m.httpRequestsTotal,
			m.httpDuration,
		)
	}
	return m
}

func (m *Metrics) Note(kind string) {
	if m == nil {
		return
	}
	m.notesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) PermissionDenied(permission string) {
	if m == nil {
		return
	}
	m.permissionDenied.WithLabelValues(permission).Inc()
}

func (m *Metrics) Sync(duration time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.syncsTotal.WithLabelValues(result).Inc()
	m.syncDuration.Observe(duration.Seconds())
}

func (m *Metrics) InvalidSnapshot(subsystem string) {
	if m == nil {
		return
	}
	m.invalidSnapshots.WithLabelValues(subsystem).Inc()
}

func (m *Metrics) FoldedEnergy(subsystem string, uws int64) {
	if m == nil || uws <= 0 {
		return
	}
	m.foldedEnergy.WithLabelValues(subsystem).Add(float64(uws))
}

func (m *Metrics) CheckpointWrite(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.checkpointWrites.WithLabelValues(result).Inc()
}

// PipelineNote counts a pipeline outcome: "applied", "filtered", "rejected" or "malformed".
func (m *Metrics) PipelineNote(result string) {
	if m == nil {
		return
	}
	m.receiverEnvelopes.WithLabelValues(result).Inc()
}

func (m *Metrics) CheckinExport(exporter string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.checkinExports.WithLabelValues(exporter, result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler records request counts and latency for route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}
