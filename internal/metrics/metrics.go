package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FeedInsertsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_feed_inserts_applied_total",
		Help: "Insert events merged into an engine's message set.",
	})

	FeedDuplicatesIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_feed_duplicates_ignored_total",
		Help: "Insert events skipped because the message id was already present.",
	})

	FeedEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_feed_events_dropped_total",
		Help: "Feed events discarded (failed sender lookup or undecodable payload).",
	})

	StoreWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_store_write_failures_total",
		Help: "Failed store writes by operation.",
	}, []string{"op"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
