// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
// A nil *Collector is valid and records nothing, so components can take
// one optionally.
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Handoff 指标
	handoffsTotal    *prometheus.CounterVec
	handoffDuration  *prometheus.HistogramVec
	reversalsTotal   *prometheus.CounterVec
	suggestionsTotal *prometheus.CounterVec

	// 并行执行指标
	parallelRunsTotal      *prometheus.CounterVec
	parallelRunDuration    prometheus.Histogram
	agentInvocationsTotal  *prometheus.CounterVec
	agentInvocationSeconds *prometheus.HistogramVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheErrors *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
// reg 为 nil 时注册到 prometheus.DefaultRegisterer。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.handoffsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Total number of handoff attempts by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	c.handoffDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handoff_duration_seconds",
			Help:      "Handoff orchestration duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"mode"},
	)

	c.reversalsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_reversals_total",
			Help:      "Total number of handoff reversal attempts by outcome",
		},
		[]string{"outcome"},
	)

	c.suggestionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_suggestions_total",
			Help:      "Total number of routing suggestions by kind",
		},
		[]string{"kind"}, // kind: specialist, parallel, stay, cached
	)

	c.parallelRunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parallel_runs_total",
			Help:      "Total number of parallel handoff runs by outcome",
		},
		[]string{"outcome"},
	)

	c.parallelRunDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "parallel_run_duration_seconds",
			Help:      "Wall clock duration of parallel handoff runs",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	c.agentInvocationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_invocations_total",
			Help:      "Total number of agent invocations",
		},
		[]string{"agent_id", "status"},
	)

	c.agentInvocationSeconds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_invocation_duration_seconds",
			Help:      "Agent invocation duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"agent_id"},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	c.cacheErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_errors_total",
			Help:      "Total number of cache backend errors degraded to misses",
		},
		[]string{"operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🔀 Handoff 指标记录
// =============================================================================

// RecordHandoff 记录一次交接（mode: standard, intelligent, hybrid, fallback）
func (c *Collector) RecordHandoff(mode, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.handoffsTotal.WithLabelValues(mode, outcome).Inc()
	c.handoffDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordReversal 记录一次撤销
func (c *Collector) RecordReversal(outcome string) {
	if c == nil {
		return
	}
	c.reversalsTotal.WithLabelValues(outcome).Inc()
}

// RecordSuggestion 记录路由建议
func (c *Collector) RecordSuggestion(kind string) {
	if c == nil {
		return
	}
	c.suggestionsTotal.WithLabelValues(kind).Inc()
}

// RecordParallelRun 记录并行执行
func (c *Collector) RecordParallelRun(outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.parallelRunsTotal.WithLabelValues(outcome).Inc()
	c.parallelRunDuration.Observe(duration.Seconds())
}

// RecordAgentInvocation 记录 Agent 调用
func (c *Collector) RecordAgentInvocation(agentID, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.agentInvocationsTotal.WithLabelValues(agentID, status).Inc()
	c.agentInvocationSeconds.WithLabelValues(agentID).Observe(duration.Seconds())
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordCacheError 记录缓存后端错误
func (c *Collector) RecordCacheError(operation string) {
	if c == nil {
		return
	}
	c.cacheErrors.WithLabelValues(operation).Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
