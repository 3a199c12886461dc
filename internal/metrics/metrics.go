package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	VideosProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "framesearch_videos_processed_total",
		Help: "Total number of videos ingested, by status",
	}, []string{"status"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "framesearch_stage_duration_seconds",
		Help:    "Duration of ingest and search stages",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	}, []string{"stage"})

	FramesEmbeddedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framesearch_frames_embedded_total",
		Help: "Total number of frames embedded across all videos",
	})

	EmbeddingRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "framesearch_embedding_requests_total",
		Help: "Embedding requests sent to the provider",
	}, []string{"modality", "status"})

	EmbeddingCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "framesearch_embedding_cache_total",
		Help: "Embedding cache hits and misses",
	}, []string{"result"})

	SearchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "framesearch_searches_total",
		Help: "Searches served, by kind",
	}, []string{"kind"})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "framesearch_active_embedding_workers",
		Help: "Number of embedding workers currently busy",
	})
)
