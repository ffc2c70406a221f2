package handoff

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sapiensly/agentrelay/agent/persistence"
	"github.com/sapiensly/agentrelay/config"
	"github.com/sapiensly/agentrelay/internal/cache"
	"github.com/sapiensly/agentrelay/internal/metrics"
	"github.com/sapiensly/agentrelay/types"
)

const (
	instrumentationName = "github.com/sapiensly/agentrelay/agent/handoff"

	defaultConfidenceThreshold = 0.7
	defaultHistoryLimit        = 20
)

// Handoff modes, used as the metrics "mode" label and span names.
const (
	ModeStandard    = "standard"
	ModeIntelligent = "intelligent"
	ModeHybrid      = "hybrid"
)

// =============================================================================
// 🎛️ 交接编排器
// =============================================================================

// Orchestrator decides which agent handles a conversation turn, moves the
// conversation between agents and undoes handoffs.
//
// Every public method returns a result value; failures carry a stable
// ErrorKind. Mutations of one conversation are serialized.
type Orchestrator struct {
	registry *Registry
	policy   *SecurityPolicy
	analyzer *ContextAnalyzer
	parallel *ParallelManager
	store    persistence.ConversationStore
	invoker  Invoker
	cache    *cache.IntelligentCache
	cfg      config.HandoffConfig
	metrics  *metrics.Collector
	tracer   trace.Tracer
	locks    *keyedMutex
	logger   *zap.Logger
}

type orchestratorOptions struct {
	invoker Invoker
	cache   *cache.IntelligentCache
	metrics *metrics.Collector
	tracer  trace.Tracer
}

// Option configures an Orchestrator.
type Option func(*orchestratorOptions)

// WithInvoker sets the invoker used for parallel runs and InvokeAgent.
func WithInvoker(inv Invoker) Option {
	return func(o *orchestratorOptions) { o.invoker = inv }
}

// WithCache enables suggestion, response and parallel-result caching.
func WithCache(c *cache.IntelligentCache) Option {
	return func(o *orchestratorOptions) { o.cache = c }
}

// WithMetrics records handoff metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *orchestratorOptions) { o.metrics = m }
}

// WithTracer overrides the global otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *orchestratorOptions) { o.tracer = t }
}

// NewOrchestrator wires the registry, security policy, analyzer and
// parallel manager over store.
func NewOrchestrator(registry *Registry, store persistence.ConversationStore, cfg config.HandoffConfig, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = NewRegistry(logger)
	}
	if store == nil {
		store = persistence.NewMemoryConversationStore()
	}

	var o orchestratorOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(instrumentationName)
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = defaultConfidenceThreshold
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}

	return &Orchestrator{
		registry: registry,
		policy:   NewSecurityPolicy(registry, cfg, logger),
		analyzer: NewContextAnalyzer(registry, cfg, logger,
			WithAnalyzerCache(o.cache, cfg.Cache.SuggestionTTL),
			WithAnalyzerMetrics(o.metrics),
		),
		parallel: NewParallelManager(registry, o.invoker, cfg.Parallel, logger,
			WithParallelCache(o.cache, cfg.Cache.ParallelTTL),
			WithParallelMetrics(o.metrics),
		),
		store:   store,
		invoker: o.invoker,
		cache:   o.cache,
		cfg:     cfg,
		metrics: o.metrics,
		tracer:  o.tracer,
		locks:   newKeyedMutex(),
		logger:  logger.With(zap.String("component", "handoff_orchestrator")),
	}
}

// Registry returns the agent registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Policy returns the security policy.
func (o *Orchestrator) Policy() *SecurityPolicy { return o.policy }

// Analyzer returns the context analyzer.
func (o *Orchestrator) Analyzer() *ContextAnalyzer { return o.analyzer }

// Store returns the conversation store.
func (o *Orchestrator) Store() persistence.ConversationStore { return o.store }

// =============================================================================
// 🔀 交接
// =============================================================================

// HandleHandoff moves req.ConversationID from the source to the target
// agent. An empty target is resolved from RequiredCapabilities. When the
// policy denies the target and a fallback is given, the fallback is tried
// once.
func (o *Orchestrator) HandleHandoff(ctx context.Context, req Request) *Result {
	ctx, span := o.startSpan(ctx, ModeStandard, req.ConversationID, req.SourceAgentID)
	defer span.End()

	res := o.handoff(ctx, req, ModeStandard)
	endSpan(span, res)
	return res
}

// HandleIntelligentHandoff asks the analyzer where text belongs and hands
// off when it is confident enough. threshold <= 0 uses the configured one.
// Low confidence, a parallel suggestion or a suggestion for the current
// agent yield a successful result with Handoff false.
func (o *Orchestrator) HandleIntelligentHandoff(ctx context.Context, text, currentAgentID, conversationID string, hc Context, threshold float64) *Result {
	ctx, span := o.startSpan(ctx, ModeIntelligent, conversationID, currentAgentID)
	defer span.End()

	res := o.intelligent(ctx, text, currentAgentID, conversationID, hc, threshold, ModeIntelligent)
	endSpan(span, res)
	return res
}

// HandleHybridHandoff runs the intelligent path first; if it succeeds
// without moving the conversation and a directive was parsed from the
// agent's response, the directive's target is handed off to instead.
func (o *Orchestrator) HandleHybridHandoff(ctx context.Context, text, currentAgentID, conversationID string, hc Context, threshold float64, directive *Directive) *Result {
	ctx, span := o.startSpan(ctx, ModeHybrid, conversationID, currentAgentID)
	defer span.End()

	res := o.intelligent(ctx, text, currentAgentID, conversationID, hc, threshold, ModeHybrid)
	if !res.Success || res.Handoff || directive == nil {
		endSpan(span, res)
		return res
	}

	span.AddEvent("directive", trace.WithAttributes(attribute.String("target", directive.TargetAgentID)))
	req := directive.Request(currentAgentID, conversationID, withQuestion(hc, text))
	direct := o.handoff(ctx, req, ModeHybrid)
	direct.Suggestion = res.Suggestion
	endSpan(span, direct)
	return direct
}

func (o *Orchestrator) intelligent(ctx context.Context, text, current, conversationID string, hc Context, threshold float64, mode string) *Result {
	started := time.Now()
	base := Request{SourceAgentID: current, ConversationID: conversationID, Context: hc}
	res := newResult(base, started)

	if current == "" || conversationID == "" {
		return o.record(mode, res.fail(types.NewError(types.ErrInvalidRequest,
			"current agent and conversation id are required")))
	}
	if threshold <= 0 {
		threshold = o.cfg.ConfidenceThreshold
	}

	s, err := o.analyzer.Suggest(ctx, text, current, conversationID, hc)
	if err != nil {
		return o.record(mode, res.fail(err))
	}

	if s.Parallel || s.TargetAgentID == "" || s.TargetAgentID == current || s.Confidence < threshold {
		res.Suggestion = s
		o.logger.Debug("staying with current agent",
			zap.String("conversation_id", conversationID),
			zap.String("agent", current),
			zap.Float64("confidence", s.Confidence),
			zap.Bool("parallel", s.Parallel),
		)
		return o.record(mode, res.succeed(current, false))
	}

	req := Request{
		SourceAgentID:        current,
		TargetAgentID:        s.TargetAgentID,
		ConversationID:       conversationID,
		Context:              withQuestion(hc, text),
		Reason:               s.Reason,
		RequiredCapabilities: s.RequiredCapabilities,
	}
	out := o.transferLocked(ctx, req, res)
	out.Suggestion = s
	return o.record(mode, out)
}

func (o *Orchestrator) handoff(ctx context.Context, req Request, mode string) *Result {
	res := newResult(req, time.Now())
	return o.record(mode, o.transferLocked(ctx, req, res))
}

// transferLocked validates req, authorizes it (with fallback) and moves the
// conversation under its lock.
func (o *Orchestrator) transferLocked(ctx context.Context, req Request, res *Result) *Result {
	if req.SourceAgentID == "" || req.ConversationID == "" {
		return res.fail(types.NewError(types.ErrInvalidRequest, "source agent and conversation id are required"))
	}
	if !o.registry.Has(req.SourceAgentID) {
		return res.fail(agentNotFound(req.SourceAgentID))
	}

	target, err := o.resolveTarget(req)
	if err != nil {
		return res.fail(err)
	}

	if target == req.SourceAgentID {
		return res.succeed(target, false)
	}

	unlock := o.locks.Lock(req.ConversationID)
	defer unlock()

	if err := o.policy.Authorize(req.SourceAgentID, target); err != nil {
		fallback, ferr := o.tryFallback(req, target, err)
		if ferr != nil {
			return res.fail(ferr)
		}
		target = fallback
		res.Fallback = true
		// 回退到源 Agent 本身即为空操作，不入栈
		if target == req.SourceAgentID {
			return res.succeed(target, false)
		}
	}

	if err := o.transfer(ctx, req, target); err != nil {
		return res.fail(err)
	}

	o.logger.Info("handoff completed",
		zap.String("id", res.HandoffID),
		zap.String("conversation_id", req.ConversationID),
		zap.String("from", req.SourceAgentID),
		zap.String("to", target),
		zap.Bool("fallback", res.Fallback),
	)
	return res.succeed(target, true)
}

func (o *Orchestrator) resolveTarget(req Request) (string, error) {
	if req.TargetAgentID != "" {
		if !o.registry.Has(req.TargetAgentID) {
			return "", agentNotFound(req.TargetAgentID)
		}
		return req.TargetAgentID, nil
	}

	required := normalizeTags(req.RequiredCapabilities)
	if len(required) == 0 {
		return "", types.NewError(types.ErrNoValidTarget, "no target agent or required capabilities given")
	}

	var candidates []string
	for _, id := range o.registry.FindByCapability(required[0]) {
		caps := o.registry.Capabilities(id)
		all := true
		for _, tag := range required[1:] {
			if !containsString(caps, tag) {
				all = false
				break
			}
		}
		if all {
			candidates = append(candidates, id)
		}
	}
	for _, id := range candidates {
		if id != req.SourceAgentID {
			return id, nil
		}
	}
	if len(candidates) > 0 {
		return candidates[0], nil
	}
	return "", types.Errorf(types.ErrNoValidTarget, "no agent declares capabilities %v", required)
}

// tryFallback authorizes the fallback once; a failure returns the original
// denial.
func (o *Orchestrator) tryFallback(req Request, target string, denied error) (string, error) {
	fallback := req.FallbackAgentID
	if !types.IsCode(denied, types.ErrPermissionDenied) || fallback == "" || fallback == target {
		return "", denied
	}
	if !o.registry.Has(fallback) {
		o.logger.Warn("fallback agent not registered",
			zap.String("fallback", fallback),
			zap.String("conversation_id", req.ConversationID),
		)
		return "", denied
	}
	if fallback == req.SourceAgentID {
		return fallback, nil
	}
	if err := o.policy.Authorize(req.SourceAgentID, fallback); err != nil {
		return "", denied
	}
	o.logger.Info("handoff redirected to fallback",
		zap.String("conversation_id", req.ConversationID),
		zap.String("denied_target", target),
		zap.String("fallback", fallback),
	)
	return fallback, nil
}

// transfer snapshots the request context into the conversation, pushes the
// source agent and records the target as active.
func (o *Orchestrator) transfer(ctx context.Context, req Request, target string) error {
	if _, err := o.store.FindOrCreate(ctx, req.ConversationID, req.Context.Metadata); err != nil {
		return storeError(req.ConversationID, err)
	}
	if err := o.snapshot(ctx, req.ConversationID, req.Context.Messages); err != nil {
		return err
	}

	note := fmt.Sprintf("handoff from %s to %s", req.SourceAgentID, target)
	if req.Reason != "" {
		note += ": " + req.Reason
	}
	if err := o.store.AppendMessage(ctx, req.ConversationID, types.NewSystemMessage(note)); err != nil {
		return storeError(req.ConversationID, err)
	}
	if err := o.store.PushHandoff(ctx, req.ConversationID, req.SourceAgentID); err != nil {
		return storeError(req.ConversationID, err)
	}
	if err := o.store.SetActiveAgent(ctx, req.ConversationID, target); err != nil {
		return storeError(req.ConversationID, err)
	}
	return nil
}

// snapshot appends the context messages the conversation does not hold yet.
func (o *Orchestrator) snapshot(ctx context.Context, conversationID string, msgs []types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	stored, err := o.store.RecentMessages(ctx, conversationID, 0)
	if err != nil {
		return storeError(conversationID, err)
	}
	seen := make(map[string]struct{}, len(stored))
	for _, m := range stored {
		seen[messageKey(m)] = struct{}{}
	}
	for _, m := range msgs {
		if _, ok := seen[messageKey(m)]; ok {
			continue
		}
		if err := o.store.AppendMessage(ctx, conversationID, m); err != nil {
			return storeError(conversationID, err)
		}
		seen[messageKey(m)] = struct{}{}
	}
	return nil
}

// =============================================================================
// ↩️ 撤销
// =============================================================================

// ReverseLastHandoff returns the conversation to the agent that was active
// before the most recent handoff. Reversal is not re-authorized. It fails
// with NO_HANDOFF_TO_REVERSE on an empty stack or once MaxReversals
// reversals have succeeded.
func (o *Orchestrator) ReverseLastHandoff(ctx context.Context, conversationID, currentAgentID string, hc Context) *Result {
	ctx, span := o.startSpan(ctx, "reverse", conversationID, currentAgentID)
	defer span.End()

	res := o.reverse(ctx, conversationID, currentAgentID, hc)
	outcome := "success"
	if !res.Success {
		outcome = strings.ToLower(string(res.ErrorKind))
	}
	o.metrics.RecordReversal(outcome)
	endSpan(span, res)
	return res
}

func (o *Orchestrator) reverse(ctx context.Context, conversationID, current string, hc Context) *Result {
	res := newResult(Request{SourceAgentID: current, ConversationID: conversationID}, time.Now())
	res.Reversed = true

	if conversationID == "" {
		return res.fail(types.NewError(types.ErrInvalidRequest, "conversation id is required"))
	}

	unlock := o.locks.Lock(conversationID)
	defer unlock()

	st, err := o.store.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) || errors.Is(err, persistence.ErrConversationDeleted) {
			return res.fail(types.Errorf(types.ErrNoHandoffToReverse,
				"conversation %q has no handoff history", conversationID))
		}
		return res.fail(storeError(conversationID, err))
	}
	if current == "" {
		current = st.ActiveAgentID
		res.SourceAgentID = current
	}

	if o.cfg.MaxReversals > 0 && st.Reversals >= o.cfg.MaxReversals {
		return res.fail(types.Errorf(types.ErrNoHandoffToReverse,
			"conversation %q reached the limit of %d reversals", conversationID, o.cfg.MaxReversals))
	}

	previous, err := o.store.PopHandoff(ctx, conversationID)
	if err != nil {
		return res.fail(storeError(conversationID, err))
	}
	if err := o.snapshot(ctx, conversationID, hc.Messages); err != nil {
		return res.fail(err)
	}
	if _, err := o.store.IncrementReversals(ctx, conversationID); err != nil {
		return res.fail(storeError(conversationID, err))
	}
	if err := o.store.SetActiveAgent(ctx, conversationID, previous); err != nil {
		return res.fail(storeError(conversationID, err))
	}
	note := fmt.Sprintf("handoff reversed from %s to %s", current, previous)
	if err := o.store.AppendMessage(ctx, conversationID, types.NewSystemMessage(note)); err != nil {
		return res.fail(storeError(conversationID, err))
	}

	o.logger.Info("handoff reversed",
		zap.String("conversation_id", conversationID),
		zap.String("from", current),
		zap.String("to", previous),
	)
	return res.succeed(previous, true)
}

// =============================================================================
// ⚡ 并行与直接调用
// =============================================================================

// ExecuteParallelHandoffs fans req.Question out to the selected agents. With
// neither AgentIDs nor Capabilities the context analyzer picks the
// candidates, at most parallel.max_agents of them. With a conversation id
// the recent history is passed along and the merged answer is recorded in
// the conversation.
func (o *Orchestrator) ExecuteParallelHandoffs(ctx context.Context, req ParallelRequest) *ParallelResult {
	ctx, span := o.startSpan(ctx, "parallel", req.ConversationID, "")
	defer span.End()

	if req.ConversationID != "" && req.History == nil {
		if _, err := o.store.FindOrCreate(ctx, req.ConversationID, nil); err != nil {
			res := &ParallelResult{RunID: generateHandoffID(), ConversationID: req.ConversationID, Question: req.Question, StartedAt: time.Now()}
			return o.parallel.finish(res, storeError(req.ConversationID, err))
		}
		history, err := o.store.RecentMessages(ctx, req.ConversationID, o.cfg.HistoryLimit)
		if err != nil {
			o.logger.Warn("loading history for parallel run failed", zap.Error(err))
		}
		req.History = history
	}

	if len(req.AgentIDs) == 0 && len(req.Capabilities) == 0 && strings.TrimSpace(req.Question) != "" {
		ids, err := o.parallelCandidates(ctx, req)
		if err != nil {
			res := &ParallelResult{RunID: generateHandoffID(), ConversationID: req.ConversationID, Question: req.Question, StartedAt: time.Now()}
			res = o.parallel.finish(res, err)
			span.SetStatus(codes.Error, res.Error)
			return res
		}
		req.AgentIDs = ids
	}

	res := o.parallel.Execute(ctx, req)
	span.SetAttributes(
		attribute.Int("handoff.parallel.succeeded", res.SuccessCount),
		attribute.Int("handoff.parallel.failed", res.FailureCount),
	)
	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
		return res
	}

	if req.ConversationID != "" {
		unlock := o.locks.Lock(req.ConversationID)
		o.appendExchange(ctx, req.ConversationID, req.Question, strings.Join(res.Agents, ","), res.MergedResponse)
		unlock()
	}
	return res
}

// parallelCandidates asks the analyzer who should answer req.Question. A
// parallel suggestion yields its candidates; a single target yields every
// agent serving the suggested capabilities, the target first.
func (o *Orchestrator) parallelCandidates(ctx context.Context, req ParallelRequest) ([]string, *types.Error) {
	s, err := o.analyzer.Suggest(ctx, req.Question, "", req.ConversationID, Context{Messages: req.History})
	if err != nil {
		var te *types.Error
		if errors.As(err, &te) {
			return nil, te
		}
		return nil, types.NewError(types.ErrInternalError, err.Error()).WithCause(err)
	}

	var ids []string
	switch {
	case s.Parallel:
		ids = append(ids, s.Candidates...)
	case s.TargetAgentID != "":
		ids = append(ids, s.TargetAgentID)
		for _, tag := range s.RequiredCapabilities {
			ids = append(ids, o.registry.FindByCapability(tag)...)
		}
	default:
		return nil, types.Errorf(types.ErrNoValidTarget, "no agent matches the question: %s", s.Reason)
	}

	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) > o.parallel.maxAgents {
		out = out[:o.parallel.maxAgents]
	}
	return out, nil
}

// InvokeRequest asks one agent to answer one question.
type InvokeRequest struct {
	AgentID        string `json:"agent_id"`
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id,omitempty"`
	Cacheable      bool   `json:"cacheable,omitempty"`
}

// InvokeResult is the answer of a single agent.
type InvokeResult struct {
	Success   bool            `json:"success"`
	AgentID   string          `json:"agent_id"`
	Response  string          `json:"response,omitempty"`
	Cached    bool            `json:"cached,omitempty"`
	ErrorKind types.ErrorCode `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
	Duration  time.Duration   `json:"duration"`
}

// Succeeded reports whether the agent answered.
func (r *InvokeResult) Succeeded() bool { return r != nil && r.Success }

// InvokeAgent runs a single agent. Successful answers to cacheable
// requests are cached per (question, agent).
func (o *Orchestrator) InvokeAgent(ctx context.Context, req InvokeRequest) *InvokeResult {
	ctx, span := o.startSpan(ctx, "invoke", req.ConversationID, req.AgentID)
	defer span.End()

	started := time.Now()
	res := &InvokeResult{AgentID: req.AgentID}
	fail := func(err *types.Error) *InvokeResult {
		res.ErrorKind = err.Code
		res.Error = err.Message
		res.Duration = time.Since(started)
		span.SetStatus(codes.Error, err.Message)
		return res
	}

	if strings.TrimSpace(req.Text) == "" {
		return fail(types.NewError(types.ErrInvalidRequest, "question text is required"))
	}
	if !o.registry.Has(req.AgentID) {
		return fail(agentNotFound(req.AgentID))
	}

	if req.ConversationID != "" {
		if _, err := o.store.FindOrCreate(ctx, req.ConversationID, nil); err != nil {
			return fail(storeError(req.ConversationID, err))
		}
	}

	key := cache.ResponseKey(req.Text, req.AgentID)
	if req.Cacheable {
		var cached InvokeResult
		if o.cache.Get(ctx, key, &cached) {
			cached.Cached = true
			if req.ConversationID != "" {
				unlock := o.locks.Lock(req.ConversationID)
				o.appendExchange(ctx, req.ConversationID, req.Text, req.AgentID, cached.Response)
				unlock()
			}
			return &cached
		}
	}

	var history []types.Message
	if req.ConversationID != "" {
		history, _ = o.store.RecentMessages(ctx, req.ConversationID, o.cfg.HistoryLimit)
	}

	answer, err := invokeWithTimeout(ctx, o.invoker, o.parallel.timeout, req.AgentID, req.Text, history)
	status := "success"
	if err != nil {
		status = "failure"
	}
	o.metrics.RecordAgentInvocation(req.AgentID, status, time.Since(started))
	if err != nil {
		return fail(types.Errorf(types.ErrUpstreamError, "agent %q failed: %v", req.AgentID, err).WithAgent(req.AgentID))
	}

	res.Success = true
	res.Response = answer
	res.Duration = time.Since(started)

	if req.ConversationID != "" {
		unlock := o.locks.Lock(req.ConversationID)
		o.appendExchange(ctx, req.ConversationID, req.Text, req.AgentID, answer)
		unlock()
	}
	if req.Cacheable {
		o.cache.PutResult(ctx, key, cache.KindResponse, res, o.cfg.Cache.ResponseTTL)
	}
	return res
}

func (o *Orchestrator) appendExchange(ctx context.Context, conversationID, question, agentID, answer string) {
	for _, msg := range []types.Message{
		types.NewUserMessage(question),
		types.NewAssistantMessage(agentID, answer),
	} {
		if err := o.store.AppendMessage(ctx, conversationID, msg); err != nil {
			o.logger.Warn("recording exchange failed",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
			return
		}
	}
}

// =============================================================================
// 🔍 查询
// =============================================================================

// FindAgentsWithCapability returns the ids of agents declaring tag.
func (o *Orchestrator) FindAgentsWithCapability(tag string) []string {
	return o.registry.FindByCapability(tag)
}

// AgentPermissions is the resolved permission set of one agent.
type AgentPermissions struct {
	AgentID    string         `json:"agent_id"`
	Registered bool           `json:"registered"`
	Tier       PermissionTier `json:"tier"`
	Allow      []string       `json:"allow"`
	Deny       []string       `json:"deny,omitempty"`
}

// GetAgentPermissions returns the permissions governing handoffs into id.
func (o *Orchestrator) GetAgentPermissions(id string) AgentPermissions {
	perms, tier := o.policy.PermissionsFor(id)
	return AgentPermissions{
		AgentID:    id,
		Registered: o.registry.Has(id),
		Tier:       tier,
		Allow:      perms.Allow,
		Deny:       perms.Deny,
	}
}

// History is the handoff history of a conversation.
type History struct {
	ConversationID string   `json:"conversation_id"`
	ActiveAgentID  string   `json:"active_agent_id,omitempty"`
	Stack          []string `json:"stack"`
	Reversals      int      `json:"reversals"`
	Messages       int      `json:"messages"`
}

// HandoffHistory returns the handoff stack and counters of a conversation.
func (o *Orchestrator) HandoffHistory(ctx context.Context, conversationID string) (*History, error) {
	st, err := o.store.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, types.Errorf(types.ErrInvalidRequest, "conversation %q not found", conversationID).WithCause(err)
		}
		return nil, storeError(conversationID, err)
	}
	return &History{
		ConversationID: st.ID,
		ActiveAgentID:  st.ActiveAgentID,
		Stack:          st.HandoffStack,
		Reversals:      st.Reversals,
		Messages:       len(st.Messages),
	}, nil
}

// ClearConversation deletes a conversation. Later use of the id fails.
func (o *Orchestrator) ClearConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return types.NewError(types.ErrInvalidRequest, "conversation id is required")
	}
	unlock := o.locks.Lock(conversationID)
	defer unlock()

	if err := o.store.Delete(ctx, conversationID); err != nil {
		return storeError(conversationID, err)
	}
	o.logger.Info("conversation cleared", zap.String("conversation_id", conversationID))
	return nil
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func (o *Orchestrator) record(mode string, res *Result) *Result {
	outcome := "success"
	switch {
	case !res.Success:
		outcome = strings.ToLower(string(res.ErrorKind))
	case res.Fallback:
		outcome = "fallback"
	case !res.Handoff:
		outcome = "noop"
	}
	o.metrics.RecordHandoff(mode, outcome, res.Duration)

	if !res.Success {
		o.logger.Info("handoff failed",
			zap.String("mode", mode),
			zap.String("conversation_id", res.ConversationID),
			zap.String("source", res.SourceAgentID),
			zap.String("error_kind", string(res.ErrorKind)),
			zap.String("error", res.Error),
		)
	}
	return res
}

func (o *Orchestrator) startSpan(ctx context.Context, op, conversationID, agentID string) (context.Context, trace.Span) {
	if conversationID != "" {
		ctx = types.WithConversationID(ctx, conversationID)
	}
	if agentID != "" {
		ctx = types.WithAgentID(ctx, agentID)
	}
	return o.tracer.Start(ctx, "handoff."+op,
		trace.WithAttributes(
			attribute.String("handoff.conversation_id", conversationID),
			attribute.String("handoff.agent_id", agentID),
		))
}

func endSpan(span trace.Span, res *Result) {
	span.SetAttributes(
		attribute.String("handoff.target", res.TargetAgentID),
		attribute.Bool("handoff.moved", res.Handoff),
		attribute.Bool("handoff.fallback", res.Fallback),
	)
	if !res.Success {
		span.SetStatus(codes.Error, string(res.ErrorKind))
	}
}

// storeError maps persistence errors onto stable error kinds.
func storeError(conversationID string, err error) *types.Error {
	switch {
	case errors.Is(err, persistence.ErrNoHandoffToReverse):
		return types.Errorf(types.ErrNoHandoffToReverse,
			"conversation %q has no handoff to reverse", conversationID).WithCause(err)
	case errors.Is(err, persistence.ErrConversationDeleted):
		return types.Errorf(types.ErrInvalidRequest,
			"conversation %q was cleared", conversationID).WithCause(err)
	case errors.Is(err, persistence.ErrNotFound):
		return types.Errorf(types.ErrInvalidRequest,
			"conversation %q not found", conversationID).WithCause(err)
	default:
		return types.Errorf(types.ErrInternalError,
			"conversation store failed for %q", conversationID).WithCause(err).WithRetryable(true)
	}
}

func messageKey(m types.Message) string {
	return string(m.Role) + "\x00" + m.AgentID + "\x00" + m.Content
}

// withQuestion appends text as a user message unless the context already
// ends with it.
func withQuestion(hc Context, text string) Context {
	if strings.TrimSpace(text) == "" {
		return hc
	}
	if n := len(hc.Messages); n > 0 && hc.Messages[n-1].Role == types.RoleUser && hc.Messages[n-1].Content == text {
		return hc
	}
	out := hc
	out.Messages = append(append([]types.Message(nil), hc.Messages...), types.NewUserMessage(text))
	return out
}
