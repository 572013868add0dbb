package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DatasetRows = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kiln_dataset_rows",
		Help: "Rows loaded per dataset file",
	}, []string{"dataset"})
	DatasetSkippedRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kiln_dataset_skipped_rows_total",
		Help: "Rows skipped at load (bad coordinates or field count)",
	}, []string{"dataset"})
	FilterAppliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kiln_filter_applied_total",
		Help: "Total filter applications by mode",
	}, []string{"mode"})
	FilterResultSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kiln_filter_result_size",
		Help:    "Number of locations matched by a filter",
		Buckets: []float64{0, 1, 10, 50, 100, 500, 1000, 5000, 10000},
	})
	NavTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kiln_nav_total",
		Help: "Navigation actions by op",
	}, []string{"op"})
	LabelsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kiln_labels_total",
		Help: "Label actions by value",
	}, []string{"value"})
	ExportsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kiln_exports_total",
		Help: "Total CSV exports",
	})
	ExportRows = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kiln_export_rows",
		Help:    "Data rows written per export",
		Buckets: []float64{0, 1, 10, 50, 100, 500, 1000, 5000},
	})
	ThumbnailDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kiln_thumbnail_duration_ms",
		Help:    "Thumbnail render duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	})
	ThumbnailCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kiln_thumbnail_cache_hits_total",
		Help: "Thumbnail LRU hits",
	})
)

func init() {
	prometheus.MustRegister(DatasetRows)
	prometheus.MustRegister(DatasetSkippedRows)
	prometheus.MustRegister(FilterAppliedTotal)
	prometheus.MustRegister(FilterResultSize)
	prometheus.MustRegister(NavTotal)
	prometheus.MustRegister(LabelsTotal)
	prometheus.MustRegister(ExportsTotal)
	prometheus.MustRegister(ExportRows)
	prometheus.MustRegister(ThumbnailDurationMs)
	prometheus.MustRegister(ThumbnailCacheHitsTotal)
}

// 文档注释：返回 Prometheus 指标监听器，在主入口挂载到 /metrics
func Handler() http.Handler { return promhttp.Handler() }
