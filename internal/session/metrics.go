package session

import "github.com/prometheus/client_golang/prometheus"

var (
	teamContextLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamctx_session_team_context_loads_total",
			Help: "Team context loads by result (updated, unchanged, error).",
		},
		[]string{"result"},
	)
	teamSwitchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamctx_session_team_switches_total",
			Help: "Team switches by result (ok, error).",
		},
		[]string{"result"},
	)
	authStateChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamctx_session_auth_state_changes_total",
			Help: "Identity provider session events received.",
		},
		[]string{"event"},
	)
)

func init() {
	prometheus.MustRegister(teamContextLoadsTotal, teamSwitchesTotal, authStateChangesTotal)
}
