package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ItemsSubmitted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "reelcast_items_submitted_total", Help: "Items accepted for processing"})
	ItemsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "reelcast_items_completed_total", Help: "Items that finished the full pipeline"})
	ItemsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "reelcast_items_failed_total", Help: "Items that terminally failed"})
	StepRetries      = prometheus.NewCounter(prometheus.CounterOpts{Name: "reelcast_step_retries_total", Help: "Step attempts retried after transient failures"})
	CaptionFallbacks = prometheus.NewCounter(prometheus.CounterOpts{Name: "reelcast_caption_fallbacks_total", Help: "Captions served from the deterministic fallback"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "reelcast_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reelcast_queue_depth", Help: "Orchestration runs waiting in the ready queue"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reelcast_runs_inflight", Help: "Orchestration runs currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ItemsSubmitted,
			ItemsCompleted,
			ItemsFailed,
			StepRetries,
			CaptionFallbacks,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
