package lockmgr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var acquireRetries = promauto.NewCounter(prometheus.CounterOpts{
	Name: "lockmgr_acquire_retries_total",
	Help: "number of times a lock acquisition found a key held and backed off",
})

var heldKeys = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "lockmgr_held_keys",
	Help: "number of resources currently held in the lock table",
})
