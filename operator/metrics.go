package operator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var blocksSealed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "operator_blocks_sealed_total",
	Help: "number of blocks sealed, built and submitted",
})

var submitFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "operator_submit_failures_total",
	Help: "number of block roots the submitter rejected",
})

var depositsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "operator_deposits_handled_total",
	Help: "number of deposit events processed",
}, []string{"result"})
