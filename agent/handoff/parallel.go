package handoff

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sapiensly/agentrelay/config"
	"github.com/sapiensly/agentrelay/internal/cache"
	"github.com/sapiensly/agentrelay/internal/metrics"
	"github.com/sapiensly/agentrelay/types"
)

// =============================================================================
// 🔀 并行交接
// =============================================================================

const (
	defaultMaxConcurrent = 3
	defaultAgentTimeout  = 30 * time.Second
	defaultMaxAgents     = 3
)

// ParallelRequest 并行执行请求。
// AgentIDs 优先；否则取声明 Capabilities 的全部 Agent。两者都为空时由
// Orchestrator 通过上下文分析器挑选候选 Agent（最多 MaxAgents 个）。
type ParallelRequest struct {
	Question       string          `json:"question"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Capabilities   []string        `json:"capabilities,omitempty"`
	AgentIDs       []string        `json:"agent_ids,omitempty"`
	History        []types.Message `json:"-"`
	Cacheable      bool            `json:"cacheable,omitempty"`
}

// AgentResponse 单个 Agent 的执行结果
type AgentResponse struct {
	AgentID   string          `json:"agent_id"`
	Success   bool            `json:"success"`
	Response  string          `json:"response,omitempty"`
	ErrorKind types.ErrorCode `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
	TimedOut  bool            `json:"timed_out,omitempty"`
	Duration  time.Duration   `json:"duration"`
}

// ParallelResult 并行执行的汇总结果。
// 只要有一个 Agent 成功整体即成功；单个 Agent 的失败只影响它自己的槽位。
type ParallelResult struct {
	RunID           string          `json:"run_id"`
	Success         bool            `json:"success"`
	ConversationID  string          `json:"conversation_id,omitempty"`
	Question        string          `json:"question"`
	Agents          []string        `json:"agents"`
	Responses       []AgentResponse `json:"responses"`
	MergedResponse  string          `json:"merged_response,omitempty"`
	SuccessCount    int             `json:"success_count"`
	FailureCount    int             `json:"failure_count"`
	SuccessRate     float64         `json:"success_rate"`
	TotalDuration   time.Duration   `json:"total_duration"`
	AverageDuration time.Duration   `json:"average_duration"`
	Cached          bool            `json:"cached,omitempty"`
	ErrorKind       types.ErrorCode `json:"error_kind,omitempty"`
	Error           string          `json:"error,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
}

// Succeeded 是否至少一个 Agent 成功
func (r *ParallelResult) Succeeded() bool { return r != nil && r.Success }

// ParallelManager 把一个问题同时交给多个 Agent 并合并回答
type ParallelManager struct {
	registry      *Registry
	invoker       Invoker
	maxConcurrent int
	timeout       time.Duration
	maxAgents     int
	cache         *cache.IntelligentCache
	cacheTTL      time.Duration
	metrics       *metrics.Collector
	logger        *zap.Logger
}

// ParallelOption 配置并行管理器
type ParallelOption func(*ParallelManager)

// WithParallelCache 缓存成功的并行结果
func WithParallelCache(c *cache.IntelligentCache, ttl time.Duration) ParallelOption {
	return func(m *ParallelManager) {
		m.cache = c
		m.cacheTTL = ttl
	}
}

// WithParallelMetrics 记录并行执行指标
func WithParallelMetrics(c *metrics.Collector) ParallelOption {
	return func(m *ParallelManager) {
		m.metrics = c
	}
}

// NewParallelManager 创建并行管理器
func NewParallelManager(registry *Registry, invoker Invoker, cfg config.ParallelConfig, logger *zap.Logger, opts ...ParallelOption) *ParallelManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &ParallelManager{
		registry:      registry,
		invoker:       invoker,
		maxConcurrent: cfg.MaxConcurrent,
		timeout:       cfg.Timeout,
		maxAgents:     cfg.MaxAgents,
		logger:        logger.With(zap.String("component", "parallel_handoff")),
	}
	if m.maxConcurrent <= 0 {
		m.maxConcurrent = defaultMaxConcurrent
	}
	if m.timeout <= 0 {
		m.timeout = defaultAgentTimeout
	}
	if m.maxAgents <= 0 {
		m.maxAgents = defaultMaxAgents
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SelectAgents 返回本次请求要调用的 Agent，已排序去重
func (m *ParallelManager) SelectAgents(req ParallelRequest) []string {
	if len(req.AgentIDs) > 0 {
		return dedupeIDs(req.AgentIDs)
	}
	var ids []string
	for _, tag := range req.Capabilities {
		ids = append(ids, m.registry.FindByCapability(tag)...)
	}
	return dedupeIDs(ids)
}

// Execute 并发调用选中的 Agent。单个 Agent 超时或失败不会取消其他 Agent。
// 整次执行共享一个截止时间（等于单 Agent 超时）；截止时仍在排队的
// Agent 记为超时失败。
func (m *ParallelManager) Execute(ctx context.Context, req ParallelRequest) *ParallelResult {
	started := time.Now()
	result := &ParallelResult{
		RunID:          generateHandoffID(),
		ConversationID: req.ConversationID,
		Question:       req.Question,
		StartedAt:      started,
	}
	if req.ConversationID != "" {
		ctx = types.WithConversationID(ctx, req.ConversationID)
	}

	if strings.TrimSpace(req.Question) == "" {
		return m.finish(result, types.NewError(types.ErrInvalidRequest, "question text is required"))
	}

	agents := m.SelectAgents(req)
	result.Agents = agents
	if len(agents) == 0 {
		return m.finish(result, types.Errorf(types.ErrNoValidTarget,
			"no agents available for capabilities %v", req.Capabilities))
	}

	key := cache.ParallelKey(req.Question, agents)
	if req.Cacheable {
		var cached ParallelResult
		if m.cache.Get(ctx, key, &cached) {
			cached.RunID = result.RunID
			cached.ConversationID = req.ConversationID
			cached.StartedAt = started
			cached.Cached = true
			m.metrics.RecordParallelRun("cached", time.Since(started))
			return &cached
		}
	}

	m.logger.Info("starting parallel handoff",
		zap.String("run_id", result.RunID),
		zap.String("conversation_id", req.ConversationID),
		zap.Strings("agents", agents),
	)

	runCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	responses := make([]AgentResponse, len(agents))
	sem := semaphore.NewWeighted(int64(m.maxConcurrent))
	var g errgroup.Group
	for i, id := range agents {
		g.Go(func() error {
			responses[i] = m.run(runCtx, sem, id, req)
			// 单个失败只记录在自己的槽位里
			return nil
		})
	}
	_ = g.Wait()

	result.Responses = responses
	result.TotalDuration = time.Since(started)
	m.summarize(result)

	if result.SuccessCount == 0 {
		return m.finish(result, types.Errorf(types.ErrUpstreamError,
			"all %d agents failed", len(agents)))
	}

	result.Success = true
	result.MergedResponse = MergeResponses(responses)
	m.metrics.RecordParallelRun(outcome(result), result.TotalDuration)
	m.logger.Info("parallel handoff completed",
		zap.String("run_id", result.RunID),
		zap.Int("succeeded", result.SuccessCount),
		zap.Int("failed", result.FailureCount),
		zap.Duration("duration", result.TotalDuration),
	)

	if req.Cacheable {
		m.cache.PutResult(ctx, key, cache.KindParallel, result, m.cacheTTL)
	}
	return result
}

func (m *ParallelManager) run(ctx context.Context, sem *semaphore.Weighted, agentID string, req ParallelRequest) (resp AgentResponse) {
	resp.AgentID = agentID
	started := time.Now()
	defer func() {
		resp.Duration = time.Since(started)
		status := "success"
		switch {
		case resp.TimedOut:
			status = "timeout"
		case !resp.Success:
			status = "failure"
		}
		m.metrics.RecordAgentInvocation(agentID, status, resp.Duration)
	}()

	if !m.registry.Has(agentID) {
		resp.ErrorKind = types.ErrAgentNotFound
		resp.Error = agentNotFound(agentID).Message
		return resp
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		resp.ErrorKind = types.ErrUpstreamError
		resp.TimedOut = errors.Is(err, context.DeadlineExceeded)
		resp.Error = fmt.Sprintf("agent %q not started: %v", agentID, err)
		return resp
	}
	defer sem.Release(1)
	if err := ctx.Err(); err != nil {
		resp.ErrorKind = types.ErrUpstreamError
		resp.TimedOut = errors.Is(err, context.DeadlineExceeded)
		resp.Error = fmt.Sprintf("agent %q not started: %v", agentID, err)
		return resp
	}

	answer, err := invokeWithTimeout(ctx, m.invoker, m.timeout, agentID, req.Question, req.History)
	if err != nil {
		resp.ErrorKind = types.ErrUpstreamError
		resp.TimedOut = errors.Is(err, context.DeadlineExceeded)
		if resp.TimedOut {
			resp.Error = fmt.Sprintf("agent %q timed out after %s", agentID, m.timeout)
		} else {
			resp.Error = err.Error()
		}
		m.logger.Warn("agent failed in parallel run",
			zap.String("agent_id", agentID),
			zap.Bool("timed_out", resp.TimedOut),
			zap.Error(err),
		)
		return resp
	}

	resp.Success = true
	resp.Response = answer
	return resp
}

// invokeWithTimeout 调用 Agent，即使 Invoker 不理会 ctx 也会在超时后返回
func invokeWithTimeout(ctx context.Context, invoker Invoker, timeout time.Duration, agentID, text string, history []types.Message) (string, error) {
	if invoker == nil {
		return "", types.NewError(types.ErrUpstreamError, "no invoker configured")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		answer string
		err    error
	}
	ch := make(chan reply, 1)
	go func() {
		answer, err := invoker.Invoke(ctx, agentID, text, history)
		ch <- reply{answer: answer, err: err}
	}()

	select {
	case r := <-ch:
		return r.answer, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *ParallelManager) summarize(r *ParallelResult) {
	var total time.Duration
	for _, resp := range r.Responses {
		total += resp.Duration
		if resp.Success {
			r.SuccessCount++
		} else {
			r.FailureCount++
		}
	}
	if n := len(r.Responses); n > 0 {
		r.SuccessRate = float64(r.SuccessCount) / float64(n)
		r.AverageDuration = total / time.Duration(n)
	}
}

func (m *ParallelManager) finish(r *ParallelResult, err *types.Error) *ParallelResult {
	r.Success = false
	r.ErrorKind = err.Code
	r.Error = err.Message
	if r.TotalDuration == 0 {
		r.TotalDuration = time.Since(r.StartedAt)
	}
	m.metrics.RecordParallelRun("failure", r.TotalDuration)
	m.logger.Warn("parallel handoff failed",
		zap.String("run_id", r.RunID),
		zap.String("error_kind", string(err.Code)),
		zap.String("error", err.Message),
	)
	return r
}

// MergeResponses 按 Agent id 排序后合并成功的回答
func MergeResponses(responses []AgentResponse) string {
	ok := make([]AgentResponse, 0, len(responses))
	for _, r := range responses {
		if r.Success {
			ok = append(ok, r)
		}
	}
	sort.SliceStable(ok, func(i, j int) bool { return ok[i].AgentID < ok[j].AgentID })

	blocks := make([]string, 0, len(ok))
	for _, r := range ok {
		blocks = append(blocks, fmt.Sprintf("**%s**:\n%s", r.AgentID, strings.TrimSpace(r.Response)))
	}
	return strings.Join(blocks, "\n\n")
}

func outcome(r *ParallelResult) string {
	if r.FailureCount > 0 {
		return "partial"
	}
	return "success"
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
