package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/sapiensly/agentrelay/agent/handoff"
	"github.com/sapiensly/agentrelay/agent/persistence"
	"github.com/sapiensly/agentrelay/types"
)

// =============================================================================
// 🔀 交接 Handler
// =============================================================================

// HandoffHandler exposes the orchestrator over JSON/HTTP.
type HandoffHandler struct {
	orch   *handoff.Orchestrator
	logger *zap.Logger
}

// IntelligentRequest is the body of /v1/handoff/intelligent and
// /v1/handoff/hybrid. AgentResponse is only read by the hybrid route,
// which scans it for a [[handoff:...]] directive.
type IntelligentRequest struct {
	Text           string          `json:"text"`
	CurrentAgentID string          `json:"current_agent_id"`
	ConversationID string          `json:"conversation_id"`
	Context        handoff.Context `json:"context"`
	Threshold      float64         `json:"threshold,omitempty"`
	AgentResponse  string          `json:"agent_response,omitempty"`
}

// ReverseRequest is the body of /v1/handoff/reverse.
type ReverseRequest struct {
	ConversationID string          `json:"conversation_id"`
	CurrentAgentID string          `json:"current_agent_id"`
	Context        handoff.Context `json:"context"`
}

// SuggestRequest is the body of /v1/suggest.
type SuggestRequest struct {
	Text           string          `json:"text"`
	CurrentAgentID string          `json:"current_agent_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Context        handoff.Context `json:"context"`
}

// HybridResult adds the text left after stripping the directive.
type HybridResult struct {
	*handoff.Result
	Directive     *handoff.Directive `json:"directive,omitempty"`
	AgentResponse string             `json:"agent_response,omitempty"`
}

// AgentInfo 注册 Agent 摘要
type AgentInfo struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
}

// NewHandoffHandler 创建交接处理器
func NewHandoffHandler(orch *handoff.Orchestrator, logger *zap.Logger) *HandoffHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HandoffHandler{orch: orch, logger: logger.With(zap.String("component", "handoff_api"))}
}

// Register mounts every route on mux.
func (h *HandoffHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/handoff", h.HandleHandoff)
	mux.HandleFunc("POST /v1/handoff/intelligent", h.HandleIntelligent)
	mux.HandleFunc("POST /v1/handoff/hybrid", h.HandleHybrid)
	mux.HandleFunc("POST /v1/handoff/reverse", h.HandleReverse)
	mux.HandleFunc("POST /v1/suggest", h.HandleSuggest)
	mux.HandleFunc("POST /v1/parallel", h.HandleParallel)
	mux.HandleFunc("POST /v1/invoke", h.HandleInvoke)
	mux.HandleFunc("GET /v1/agents", h.HandleListAgents)
	mux.HandleFunc("GET /v1/agents/{id}/permissions", h.HandleAgentPermissions)
	mux.HandleFunc("GET /v1/conversations/{id}", h.HandleHistory)
	mux.HandleFunc("DELETE /v1/conversations/{id}", h.HandleClear)
}

// =============================================================================
// 🎯 交接路由
// =============================================================================

// HandleHandoff 处理显式交接
func (h *HandoffHandler) HandleHandoff(w http.ResponseWriter, r *http.Request) {
	var req handoff.Request
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	h.writeResult(w, r, h.orch.HandleHandoff(r.Context(), req))
}

// HandleIntelligent 处理智能交接
func (h *HandoffHandler) HandleIntelligent(w http.ResponseWriter, r *http.Request) {
	var req IntelligentRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	res := h.orch.HandleIntelligentHandoff(r.Context(), req.Text, req.CurrentAgentID, req.ConversationID, req.Context, req.Threshold)
	h.writeResult(w, r, res)
}

// HandleHybrid 处理混合交接
func (h *HandoffHandler) HandleHybrid(w http.ResponseWriter, r *http.Request) {
	var req IntelligentRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	directive, remaining, _ := handoff.ParseDirective(req.AgentResponse)
	res := h.orch.HandleHybridHandoff(r.Context(), req.Text, req.CurrentAgentID, req.ConversationID, req.Context, req.Threshold, directive)

	out := HybridResult{Result: res, Directive: directive, AgentResponse: remaining}
	WriteOutcome(w, r, out, res.ErrorKind, res.Error, h.logger)
}

// HandleReverse 处理交接回退
func (h *HandoffHandler) HandleReverse(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	h.writeResult(w, r, h.orch.ReverseLastHandoff(r.Context(), req.ConversationID, req.CurrentAgentID, req.Context))
}

// HandleSuggest returns the analyzer's suggestion without moving anything.
func (h *HandoffHandler) HandleSuggest(w http.ResponseWriter, r *http.Request) {
	var req SuggestRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	s, err := h.orch.Analyzer().Suggest(r.Context(), req.Text, req.CurrentAgentID, req.ConversationID, req.Context)
	if err != nil {
		WriteError(w, r, AsError(err), h.logger)
		return
	}
	WriteSuccess(w, r, s)
}

// HandleParallel 处理并行咨询
func (h *HandoffHandler) HandleParallel(w http.ResponseWriter, r *http.Request) {
	var req handoff.ParallelRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	res := h.orch.ExecuteParallelHandoffs(r.Context(), req)
	WriteOutcome(w, r, res, res.ErrorKind, res.Error, h.logger)
}

// HandleInvoke 处理单 Agent 调用
func (h *HandoffHandler) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	var req handoff.InvokeRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	res := h.orch.InvokeAgent(r.Context(), req)
	WriteOutcome(w, r, res, res.ErrorKind, res.Error, h.logger)
}

// =============================================================================
// 📋 查询路由
// =============================================================================

// HandleListAgents lists registered agents, optionally filtered by
// ?capability=.
func (h *HandoffHandler) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	reg := h.orch.Registry()

	ids := reg.IDs()
	if tag := r.URL.Query().Get("capability"); tag != "" {
		ids = h.orch.FindAgentsWithCapability(tag)
	}

	out := make([]AgentInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, AgentInfo{ID: id, Capabilities: reg.Capabilities(id)})
	}
	WriteSuccess(w, r, out)
}

// HandleAgentPermissions 返回 Agent 的生效权限
func (h *HandoffHandler) HandleAgentPermissions(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, h.orch.GetAgentPermissions(r.PathValue("id")))
}

// HandleHistory 返回会话交接历史
func (h *HandoffHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := h.orch.HandoffHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	WriteSuccess(w, r, hist)
}

// HandleClear 删除会话
func (h *HandoffHandler) HandleClear(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.orch.ClearConversation(r.Context(), id); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]string{"conversation_id": id, "status": "deleted"})
}

func (h *HandoffHandler) writeResult(w http.ResponseWriter, r *http.Request, res *handoff.Result) {
	WriteOutcome(w, r, res, res.ErrorKind, res.Error, h.logger)
}

func (h *HandoffHandler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := AsError(err)
	if errors.Is(err, persistence.ErrNotFound) || errors.Is(err, persistence.ErrConversationDeleted) {
		apiErr = types.NewError(apiErr.Code, apiErr.Message).WithHTTPStatus(http.StatusNotFound)
	}
	WriteError(w, r, apiErr, h.logger)
}
