// Package metrics exposes Prometheus collectors for the downloader.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dhtscout/metadl/internal/backlog"
)

var (
	claimsTotal        prometheus.Counter
	fetchOutcomesTotal *prometheus.CounterVec
	inFlightFetches    prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		claimsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "metadl_claims_total",
				Help: "Total number of backlog entries claimed by the scheduler.",
			},
		)

		fetchOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metadl_fetch_outcomes_total",
				Help: "Total number of terminal fetch outcomes, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		inFlightFetches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "metadl_in_flight_fetches",
				Help: "Number of fetches currently admitted by the scheduler.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SchedulerObserver feeds scheduler lifecycle events into the collectors.
// Init must be called before the scheduler starts.
type SchedulerObserver struct{}

// EntryClaimed increments the claim counter.
func (SchedulerObserver) EntryClaimed(_ string) {
	claimsTotal.Inc()
}

// FetchCompleted increments the outcome counter for the terminal state.
func (SchedulerObserver) FetchCompleted(_ string, outcome backlog.Outcome) {
	fetchOutcomesTotal.WithLabelValues(string(outcome)).Inc()
}

// InFlight sets the in-flight gauge.
func (SchedulerObserver) InFlight(n int) {
	inFlightFetches.Set(float64(n))
}
