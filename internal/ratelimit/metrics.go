package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	backendMemory = "memory"
	backendRedis  = "redis"
)

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cif_ratelimit_decisions_total",
			Help: "Write budget checks by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)
	redisFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cif_ratelimit_redis_fallbacks_total",
			Help: "Times the redis backend was unavailable and memory was used instead",
		},
	)
)

func observeDecision(backend string, res Result) {
	outcome := "allowed"
	if !res.Allowed {
		outcome = "limited"
	}
	decisionsTotal.WithLabelValues(backend, outcome).Inc()
}
