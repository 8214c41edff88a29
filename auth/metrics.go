package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultSuccess        = "success"
	resultFailure        = "failure"
	resultNoRefreshToken = "no_refresh_token"
	resultSuperseded     = "superseded"
)

// Metrics counts refresh attempts by outcome.
type Metrics struct {
	refreshes *prometheus.CounterVec
}

// NewMetrics registers the refresh counters with reg. A nil registerer
// yields working but unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		refreshes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal_client",
			Name:      "token_refreshes_total",
			Help:      "Number of token refresh attempts by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) observe(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
}
