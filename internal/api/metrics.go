package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamctx_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "teamctx_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	teamSwitchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamctx_team_switches_total",
			Help: "Team switch requests by outcome (ok, forbidden, not_found).",
		},
		[]string{"result"},
	)
	tokensIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "teamctx_tokens_issued_total",
			Help: "Team-bound access tokens minted by switch-team.",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, teamSwitchesTotal, tokensIssuedTotal)
}

// RegisterTeamsGauge registers a gauge reporting the number of active teams.
func RegisterTeamsGauge(countFn func() float64) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "teamctx_active_teams",
			Help: "Number of active teams.",
		},
		countFn,
	))
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
