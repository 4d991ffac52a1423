// Package metrics exposes Prometheus collectors for the refresher.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	consumerMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statsref_consumer_messages_total",
			Help: "Messages handled by the consumer, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	consumerRetryTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "statsref_consumer_retry_attempts_total",
			Help: "Handler attempts beyond the first, across all messages.",
		},
	)

	deadLetterTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statsref_dead_letter_total",
			Help: "Entries pushed to the dead-letter list, labeled by kind.",
		},
		[]string{"kind"},
	)

	crawlUsersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statsref_crawl_users_total",
			Help: "Users crawled, labeled by result.",
		},
		[]string{"result"},
	)

	crawlPostsSyncedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "statsref_crawl_posts_synced_total",
			Help: "New post rows inserted by the sync step.",
		},
	)

	crawlStatsFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statsref_crawl_stats_fetch_total",
			Help: "Per-post statistics fetches, labeled by result.",
		},
		[]string{"result"},
	)

	crawlStatsFetchInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "statsref_crawl_stats_fetch_inflight",
			Help: "Remote API calls currently holding a semaphore slot.",
		},
	)

	crawlCycleDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "statsref_crawl_cycle_duration_seconds",
			Help:    "Duration of a full per-user crawl cycle.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveMessage records a handled message outcome
// (succeeded, failed, malformed).
func ObserveMessage(outcome string) {
	consumerMessagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRetry records one retried handler attempt.
func ObserveRetry() {
	consumerRetryTotal.Inc()
}

// ObserveDeadLetter records a dead-letter push (business, malformed).
func ObserveDeadLetter(kind string) {
	deadLetterTotal.WithLabelValues(kind).Inc()
}

// ObserveUserCrawl records the result of one user's crawl cycle.
func ObserveUserCrawl(result string, elapsed time.Duration) {
	crawlUsersTotal.WithLabelValues(result).Inc()
	crawlCycleDurationSeconds.WithLabelValues(result).Observe(elapsed.Seconds())
}

// AddPostsSynced records newly inserted post rows.
func AddPostsSynced(n int64) {
	if n > 0 {
		crawlPostsSyncedTotal.Add(float64(n))
	}
}

// ObserveStatsFetch records a per-post statistics fetch result
// (ok, error, empty).
func ObserveStatsFetch(result string) {
	crawlStatsFetchTotal.WithLabelValues(result).Inc()
}

// IncStatsFetchInflight marks a request holding a semaphore slot.
func IncStatsFetchInflight() {
	crawlStatsFetchInflight.Inc()
}

// DecStatsFetchInflight releases the in-flight mark.
func DecStatsFetchInflight() {
	crawlStatsFetchInflight.Dec()
}
