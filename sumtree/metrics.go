package sumtree

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var buildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "sumtree_build_duration",
	Help:    "A histogram of sum tree build durations per block",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
})

var leavesBuilt = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sumtree_leaves_built_total",
	Help: "number of transactions hashed into sum tree leaves",
})

var historyQueryBlocks = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sumtree_history_blocks_total",
	Help: "number of blocks scanned by history queries",
})
