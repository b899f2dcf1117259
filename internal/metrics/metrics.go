// Package metrics provides Prometheus instrumentation for the risk engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CyclesTotal counts scheduler cycles by loop name and result.
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "levguard_cycles_total",
		Help: "Scheduler cycles run, partitioned by loop and result",
	}, []string{"loop", "result"})

	// CycleDuration tracks how long each scheduler cycle takes.
	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "levguard_cycle_duration_seconds",
		Help:    "Scheduler cycle duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"loop"})

	// PositionFailures counts per-position step failures that were isolated
	// from the rest of a sweep.
	PositionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "levguard_position_failures_total",
		Help: "Per-position step failures, partitioned by workflow",
	}, []string{"workflow"})

	// HealthChecks counts health classifications by resulting band.
	HealthChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "levguard_health_checks_total",
		Help: "Health factor checks, partitioned by band",
	}, []string{"band"})

	LiquidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "levguard_liquidations_total",
		Help: "Positions liquidated",
	})

	HarvestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "levguard_harvests_total",
		Help: "Harvest attempts, partitioned by outcome",
	}, []string{"outcome"})

	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "levguard_settlements_total",
		Help: "Settlements, partitioned by prior status",
	}, []string{"prior_status"})

	// LedgerRetries counts retried execution-ledger calls by operation.
	LedgerRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "levguard_ledger_retries_total",
		Help: "Execution ledger call retries, partitioned by operation",
	}, []string{"op"})

	// NotificationsDropped counts notifications a sender failed to deliver.
	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "levguard_notifications_failed_total",
		Help: "Notification deliveries that failed, partitioned by sender",
	}, []string{"sender"})

	// CollateralPrice is the current price in stable units per collateral
	// token. Display only; the engine never computes with it.
	CollateralPrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "levguard_collateral_price",
		Help: "Current collateral price from the price cache",
	})

	// ActivePositions tracks the size of the sweep set.
	ActivePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "levguard_active_positions",
		Help: "Number of ACTIVE positions in the mirror",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "levguard_http_requests_total",
		Help: "Total ops HTTP requests",
	}, []string{"method", "path", "status"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCycle records one scheduler cycle.
func ObserveCycle(loop string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	CyclesTotal.WithLabelValues(loop, result).Inc()
	CycleDuration.WithLabelValues(loop).Observe(d.Seconds())
}

// Middleware returns an HTTP middleware that records request counts.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
