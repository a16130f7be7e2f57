// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	downloadsFinished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flix_downloads_finished_total",
		Help: "Downloads recorded as finished for the first time.",
	})

	resumeBlobsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flix_resume_blobs_written_total",
			Help: "Resume blobs persisted, by outcome.",
		},
		[]string{"result"},
	)

	contentRebuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flix_content_rebuilds_total",
			Help: "Content cache rebuild attempts, by outcome.",
		},
		[]string{"result"},
	)

	contentRebuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flix_content_rebuild_duration_seconds",
		Help:    "Duration of successful content cache rebuilds.",
		Buckets: prometheus.DefBuckets,
	})

	cleanupItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flix_cleanup_items_total",
			Help: "Items handled by the cleanup orchestrator, by action.",
		},
		[]string{"action"},
	)

	postersRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flix_posters_removed_total",
			Help: "Poster files deleted, by trigger.",
		},
		[]string{"trigger"},
	)

	loopTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flix_watchdog_ticks_total",
			Help: "Background loop iterations, by loop and outcome.",
		},
		[]string{"loop", "result"},
	)
)

func IncDownloadFinished() { downloadsFinished.Inc() }

func RecordResumeBlob(err error) { resumeBlobsWritten.WithLabelValues(result(err)).Inc() }

// RecordRebuild records one rebuild; offline rebuilds are counted but not timed.
func RecordRebuild(outcome string, took time.Duration) {
	contentRebuilds.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		contentRebuildDuration.Observe(took.Seconds())
	}
}

func RecordCleanupItem(action string) { cleanupItems.WithLabelValues(action).Inc() }

func AddPostersRemoved(trigger string, n int) {
	if n > 0 {
		postersRemoved.WithLabelValues(trigger).Add(float64(n))
	}
}

func RecordLoopTick(loop string, err error) { loopTicks.WithLabelValues(loop, result(err)).Inc() }

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
