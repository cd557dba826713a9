package merger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics of the cursor merger. One instance is shared by every Merger of a process.
type Metrics struct {
	mergesStarted prometheus.Counter
	getMores      prometheus.Counter
	getMoreFails  prometheus.Counter
	cursorsKilled prometheus.Counter
	killFailures  prometheus.Counter
	docsReturned  prometheus.Counter
}

// NewMetrics registers the merger metrics with reg. A nil reg builds unregistered metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		mergesStarted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "mergecursors",
			Name:      "merges_started_total",
			Help:      "Total number of cursor merges that claimed their remote cursors.",
		}),
		getMores: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "mergecursors",
			Name:      "getmore_requests_total",
			Help:      "Total number of getMore requests issued to remote hosts.",
		}),
		getMoreFails: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "mergecursors",
			Name:      "getmore_failures_total",
			Help:      "Total number of getMore requests that failed.",
		}),
		cursorsKilled: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "mergecursors",
			Name:      "cursors_killed_total",
			Help:      "Total number of remote cursors a merger asked to kill.",
		}),
		killFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "mergecursors",
			Name:      "kill_failures_total",
			Help:      "Total number of killCursors requests that failed.",
		}),
		docsReturned: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "mergecursors",
			Name:      "documents_returned_total",
			Help:      "Total number of merged documents returned to the pipeline.",
		}),
	}
}
