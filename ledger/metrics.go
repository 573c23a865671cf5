package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var depositsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_deposits_total",
	Help: "number of deposits added to the range index",
}, []string{"type"})

var txAcceptedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ledger_transactions_accepted_total",
	Help: "number of transactions accepted into the current block",
})

var txRejectedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_transactions_rejected_total",
	Help: "number of transactions declined by validation",
}, []string{"reason"})

var currentBlockGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ledger_current_block",
	Help: "block number new transfers must declare",
})

var addTransactionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "ledger_add_transaction_duration",
	Help:    "A histogram of AddTransaction latencies, lock wait included",
	Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
})

var sealDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "ledger_seal_duration",
	Help:    "how long StartNewBlock waits for in-flight operations and rotates the log",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
})
