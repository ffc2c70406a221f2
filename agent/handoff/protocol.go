package handoff

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sapiensly/agentrelay/types"
)

// Agent is anything that can be registered as a handoff target.
type Agent interface {
	ID() string
}

// StaticAgent is an Agent with nothing but an id.
type StaticAgent string

// ID implements Agent.
func (a StaticAgent) ID() string { return string(a) }

// Invoker runs one agent over a question and returns its answer.
type Invoker interface {
	Invoke(ctx context.Context, agentID, text string, history []types.Message) (string, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, agentID, text string, history []types.Message) (string, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, agentID, text string, history []types.Message) (string, error) {
	return f(ctx, agentID, text, history)
}

// Context is the conversation context carried by a handoff request.
type Context struct {
	Messages []types.Message `json:"messages,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// Request asks to move a conversation from one agent to another.
// An empty TargetAgentID lets the analyzer pick one from
// RequiredCapabilities.
type Request struct {
	SourceAgentID        string   `json:"source_agent_id"`
	TargetAgentID        string   `json:"target_agent_id,omitempty"`
	ConversationID       string   `json:"conversation_id"`
	Context              Context  `json:"context"`
	Reason               string   `json:"reason,omitempty"`
	Priority             int      `json:"priority,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	FallbackAgentID      string   `json:"fallback_agent_id,omitempty"`
	Cacheable            bool     `json:"cacheable,omitempty"`
}

// Suggestion is the analyzer's routing recommendation.
// An empty TargetAgentID means stay with the current agent.
type Suggestion struct {
	TargetAgentID        string   `json:"target_agent_id,omitempty"`
	Confidence           float64  `json:"confidence"`
	Reason               string   `json:"reason"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	Parallel             bool     `json:"parallel,omitempty"`
	Candidates           []string `json:"candidates,omitempty"`
}

// Result is the outcome of every orchestrator operation.
//
// A successful result either moved the conversation (Handoff true) or
// left it where it was (Handoff false, TargetAgentID is the current agent).
// A failed result carries a stable ErrorKind.
type Result struct {
	Success        bool            `json:"success"`
	HandoffID      string          `json:"handoff_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	SourceAgentID  string          `json:"source_agent_id,omitempty"`
	TargetAgentID  string          `json:"target_agent_id,omitempty"`
	Handoff        bool            `json:"handoff"`
	Fallback       bool            `json:"fallback,omitempty"`
	Reversed       bool            `json:"reversed,omitempty"`
	ErrorKind      types.ErrorCode `json:"error_kind,omitempty"`
	Error          string          `json:"error,omitempty"`
	Suggestion     *Suggestion     `json:"suggestion,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	Duration       time.Duration   `json:"duration"`
}

// Succeeded reports whether the operation succeeded.
func (r *Result) Succeeded() bool { return r != nil && r.Success }

// Err converts a failed result back into a *types.Error.
func (r *Result) Err() error {
	if r == nil || r.Success {
		return nil
	}
	return types.NewError(r.ErrorKind, r.Error)
}

func newResult(req Request, started time.Time) *Result {
	return &Result{
		HandoffID:      generateHandoffID(),
		ConversationID: req.ConversationID,
		SourceAgentID:  req.SourceAgentID,
		StartedAt:      started,
	}
}

func (r *Result) fail(err error) *Result {
	r.Success = false
	r.ErrorKind = types.GetErrorCode(err)
	if r.ErrorKind == "" {
		r.ErrorKind = types.ErrInternalError
	}
	var e *types.Error
	if errors.As(err, &e) {
		r.Error = e.Message
	} else {
		r.Error = err.Error()
	}
	r.Duration = time.Since(r.StartedAt)
	return r
}

func (r *Result) succeed(target string, moved bool) *Result {
	r.Success = true
	r.TargetAgentID = target
	r.Handoff = moved
	r.ErrorKind = ""
	r.Error = ""
	r.Duration = time.Since(r.StartedAt)
	return r
}

func generateHandoffID() string {
	return "hoff_" + uuid.NewString()
}
