package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the player's health to a local Prometheus scrape. The
// stats pipeline is the CMS's view; these gauges are the operator's.
type Metrics struct {
	LayoutsShown     prometheus.Counter
	WidgetPlays      prometheus.Counter
	CollectionCycles prometheus.Counter
	CollectionErrors prometheus.Counter
	DownloadsFailed  prometheus.Counter
	DownloadQueue    prometheus.Gauge
	CacheEntries     prometheus.Gauge
	Faults           *prometheus.CounterVec
}

// New registers the player metric set on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LayoutsShown: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaged_layouts_shown_total",
			Help: "Layouts made hot since process start.",
		}),
		WidgetPlays: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaged_widget_plays_total",
			Help: "Widget show events since process start.",
		}),
		CollectionCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaged_collection_cycles_total",
			Help: "Completed CMS collection cycles.",
		}),
		CollectionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaged_collection_errors_total",
			Help: "Collection cycles that failed.",
		}),
		DownloadsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaged_downloads_failed_total",
			Help: "Download tasks that exhausted their retries.",
		}),
		DownloadQueue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "signaged_download_queue_depth",
			Help: "Tasks waiting on the download queue.",
		}),
		CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "signaged_cache_entries",
			Help: "Valid entries in the media cache.",
		}),
		Faults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signaged_faults_total",
			Help: "Fault records by type.",
		}, []string{"type"}),
	}
}
