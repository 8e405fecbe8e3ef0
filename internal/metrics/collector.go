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

// Collector 指标收集器。nil Collector 上的所有 Record 方法均为空操作。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 会话指标
	sessionsTotal   *prometheus.CounterVec
	sessionsActive  *prometheus.GaugeVec
	sessionDuration *prometheus.HistogramVec

	// 对话轮次指标
	turnsTotal       *prometheus.CounterVec
	stageLatency     *prometheus.HistogramVec
	interruptions    *prometheus.CounterVec
	componentErrors  *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec

	// LLM 指标
	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec

	// A2A 指标
	a2aMessagesTotal *prometheus.CounterVec

	// 数据库指标
	dbQueryDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// 语音链路各阶段延迟（秒）
var latencyBuckets = []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.sessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of agent sessions started",
		},
		[]string{"agent_id", "pipeline"},
	)

	c.sessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of running agent sessions",
		},
		[]string{"agent_id"},
	)

	c.sessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Agent session duration in seconds",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"agent_id"},
	)

	c.turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of completed conversation turns",
		},
		[]string{"agent_id", "interrupted"},
	)

	c.stageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_seconds",
			Help:      "Per-turn latency of each pipeline stage in seconds",
			Buckets:   latencyBuckets,
		},
		[]string{"agent_id", "stage"}, // stage: stt, eou, llm_ttft, llm, tts_ttfb, e2e
	)

	c.interruptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Total number of agent speech interruptions",
		},
		[]string{"agent_id"},
	)

	c.componentErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "component_errors_total",
			Help:      "Total number of errors reported by pipeline components",
		},
		[]string{"component"},
	)

	c.stateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total number of user/agent state transitions",
		},
		[]string{"subject", "from_state", "to_state"},
	)

	c.llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests",
		},
		[]string{"provider", "status"},
	)

	c.llmRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	c.a2aMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "a2a_messages_total",
			Help:      "Total number of agent-to-agent messages",
		},
		[]string{"type", "status"}, // status: sent, delivered, dropped, failed
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
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
// 🎙️ 会话与轮次指标记录
// =============================================================================

// SessionStarted 记录会话开始
func (c *Collector) SessionStarted(agentID, pipeline string) {
	if c == nil {
		return
	}
	c.sessionsTotal.WithLabelValues(agentID, pipeline).Inc()
	c.sessionsActive.WithLabelValues(agentID).Inc()
}

// SessionEnded 记录会话结束
func (c *Collector) SessionEnded(agentID string, duration time.Duration) {
	if c == nil {
		return
	}
	c.sessionsActive.WithLabelValues(agentID).Dec()
	c.sessionDuration.WithLabelValues(agentID).Observe(duration.Seconds())
}

// TurnSample 单轮对话的延迟样本，零值阶段不记录
type TurnSample struct {
	AgentID     string
	STT         time.Duration
	EOU         time.Duration
	LLMTTFT     time.Duration
	LLM         time.Duration
	TTSTTFB     time.Duration
	E2E         time.Duration
	Interrupted bool
}

// RecordTurn 记录一轮对话
func (c *Collector) RecordTurn(s TurnSample) {
	if c == nil {
		return
	}
	interrupted := "false"
	if s.Interrupted {
		interrupted = "true"
	}
	c.turnsTotal.WithLabelValues(s.AgentID, interrupted).Inc()

	stages := []struct {
		name string
		d    time.Duration
	}{
		{"stt", s.STT},
		{"eou", s.EOU},
		{"llm_ttft", s.LLMTTFT},
		{"llm", s.LLM},
		{"tts_ttfb", s.TTSTTFB},
		{"e2e", s.E2E},
	}
	for _, st := range stages {
		if st.d > 0 {
			c.stageLatency.WithLabelValues(s.AgentID, st.name).Observe(st.d.Seconds())
		}
	}
}

// RecordInterruption 记录一次打断
func (c *Collector) RecordInterruption(agentID string) {
	if c == nil {
		return
	}
	c.interruptions.WithLabelValues(agentID).Inc()
}

// RecordComponentError 记录组件错误（stt / llm / tts / vad / realtime）
func (c *Collector) RecordComponentError(component string) {
	if c == nil {
		return
	}
	c.componentErrors.WithLabelValues(component).Inc()
}

// RecordStateTransition 记录状态转换，subject 为 user 或 agent
func (c *Collector) RecordStateTransition(subject, fromState, toState string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(subject, fromState, toState).Inc()
}

// =============================================================================
// 🤖 LLM / A2A / 数据库指标记录
// =============================================================================

// RecordLLMRequest 记录 LLM 请求
func (c *Collector) RecordLLMRequest(provider, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.llmRequestsTotal.WithLabelValues(provider, status).Inc()
	c.llmRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordA2AMessage 记录 A2A 消息
func (c *Collector) RecordA2AMessage(msgType, status string) {
	if c == nil {
		return
	}
	c.a2aMessagesTotal.WithLabelValues(msgType, status).Inc()
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(operation string, duration time.Duration) {
	if c == nil {
		return
	}
	c.dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
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
