// Package metrics exposes Prometheus collectors for the dumper.
package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Item kinds used as the "kind" label.
const (
	KindPage       = "page"
	KindRevision   = "revision"
	KindAttachment = "attachment"
	KindHTML       = "html"
)

// Item statuses used as the "status" label.
const (
	StatusSaved       = "saved"
	StatusSkipped     = "skipped"
	StatusFailed      = "failed"
	StatusIgnored     = "ignored"
	StatusUnavailable = "unavailable"
)

var (
	httpRequestsTotal    *prometheus.CounterVec
	httpRetriesTotal     *prometheus.CounterVec
	dumperItemsTotal     *prometheus.CounterVec
	dumperBytesTotal     *prometheus.CounterVec
	dumperActiveWorkers  prometheus.Gauge
	dumperPhaseCompleted *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dumper_http_requests_total",
				Help: "Outbound HTTP attempts, labeled by method and status code.",
			},
			[]string{"method", "code"},
		)

		httpRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dumper_http_retries_total",
				Help: "Retried HTTP attempts, labeled by reason (status code or network).",
			},
			[]string{"reason"},
		)

		dumperItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dumper_items_total",
				Help: "Processed dump units, labeled by kind and outcome.",
			},
			[]string{"kind", "status"},
		)

		dumperBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dumper_bytes_total",
				Help: "Bytes written to the dump directory, labeled by kind.",
			},
			[]string{"kind"},
		)

		dumperActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dumper_active_workers",
				Help: "Number of dispatcher workers currently running a unit.",
			},
		)

		dumperPhaseCompleted = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dumper_phase_completed_total",
				Help: "Phases that wrote their completion marker.",
			},
			[]string{"phase"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest counts one outbound HTTP attempt. code 0 means no response.
func ObserveRequest(method string, code int) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// ObserveRetry counts one retry decision.
func ObserveRetry(reason string) {
	Init()
	httpRetriesTotal.WithLabelValues(reason).Inc()
}

// ObserveItem counts one processed unit.
func ObserveItem(kind, status string) {
	Init()
	dumperItemsTotal.WithLabelValues(kind, status).Inc()
}

// AddBytes records bytes persisted for kind.
func AddBytes(kind string, n int64) {
	if n <= 0 {
		return
	}
	Init()
	dumperBytesTotal.WithLabelValues(kind).Add(float64(n))
}

// ObservePhase counts a completed phase.
func ObservePhase(phase string) {
	Init()
	dumperPhaseCompleted.WithLabelValues(phase).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	dumperActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	dumperActiveWorkers.Dec()
}
