package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus指标，在 /metrics 暴露
var (
	// DocumentsIngested 文档入库结果，status: indexed / failed
	DocumentsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_documents_ingested_total",
			Help: "Total number of ingested documents by final status",
		},
		[]string{"status"},
	)

	IngestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rag_ingest_duration_seconds",
			Help:    "Duration of document ingestion",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	ChunksIndexed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rag_chunks_indexed_total",
			Help: "Total number of chunks written to the vector index",
		},
	)

	// EmbeddingRetries 向量化重试次数，path: ingest / query
	EmbeddingRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_embedding_retries_total",
			Help: "Total number of embedding request retries",
		},
		[]string{"path"},
	)

	EmbeddingFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_embedding_failures_total",
			Help: "Total number of embedding requests that exhausted their retry budget",
		},
		[]string{"path"},
	)

	// ChatRequests 问答请求，outcome: answered / fallback / error
	ChatRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_chat_requests_total",
			Help: "Total number of chat requests by outcome",
		},
		[]string{"outcome"},
	)

	ChatDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rag_chat_duration_seconds",
			Help:    "Duration of chat requests",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ContextDropped 因提示词预算被丢弃的内容，kind: history / chunk
	ContextDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_context_dropped_total",
			Help: "Number of history messages and chunks dropped to fit the prompt budget",
		},
		[]string{"kind"},
	)

	// DependencyUp 依赖健康状态，1 健康 0 不健康
	DependencyUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rag_dependency_up",
			Help: "Health of downstream dependencies (1 healthy, 0 unhealthy)",
		},
		[]string{"service"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_events_published_total",
			Help: "Total number of published events by type and status",
		},
		[]string{"type", "status"},
	)
)
