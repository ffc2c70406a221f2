package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sapiensly/agentrelay/agent/handoff"
	"github.com/sapiensly/agentrelay/config"
	"github.com/sapiensly/agentrelay/types"
)

const (
	defaultTimeout  = 30 * time.Second
	maxErrorBody    = 4 << 10
	requestIDHeader = "X-Request-ID"
)

// =============================================================================
// 🌐 远程 Agent 调用
// =============================================================================

// InvokeRequest is the body POSTed to an agent endpoint.
type InvokeRequest struct {
	AgentID        string          `json:"agent_id"`
	Message        string          `json:"message"`
	ConversationID string          `json:"conversation_id,omitempty"`
	History        []types.Message `json:"history,omitempty"`
}

// InvokeResponse is what an agent endpoint answers with. Content is
// accepted as an alias of Response.
type InvokeResponse struct {
	Response string `json:"response"`
	Content  string `json:"content,omitempty"`
	Error    string `json:"error,omitempty"`
}

type endpoint struct {
	url     string
	timeout time.Duration
	limiter *rate.Limiter
}

// Client invokes agents over HTTP. It satisfies handoff.Invoker; agents
// without an endpoint go to the fallback invoker when one is set.
type Client struct {
	http      *http.Client
	endpoints map[string]*endpoint
	fallback  handoff.Invoker
	logger    *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithFallback routes agents that have no endpoint to inv.
func WithFallback(inv handoff.Invoker) Option {
	return func(c *Client) { c.fallback = inv }
}

// NewClient builds a client from the configured agent endpoints.
func NewClient(agents []config.AgentEndpointConfig, logger *zap.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		http:      &http.Client{},
		endpoints: make(map[string]*endpoint, len(agents)),
		logger:    logger.With(zap.String("component", "remote_invoker")),
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, a := range agents {
		if a.Endpoint == "" {
			continue
		}
		if _, dup := c.endpoints[a.ID]; dup {
			return nil, fmt.Errorf("duplicate endpoint for agent %q", a.ID)
		}
		ep := &endpoint{url: strings.TrimRight(a.Endpoint, "/"), timeout: a.Timeout}
		if ep.timeout <= 0 {
			ep.timeout = defaultTimeout
		}
		if a.RateLimit > 0 {
			burst := a.Burst
			if burst <= 0 {
				burst = 1
			}
			ep.limiter = rate.NewLimiter(rate.Limit(a.RateLimit), burst)
		}
		c.endpoints[a.ID] = ep
	}
	return c, nil
}

// Has reports whether agentID is served by an HTTP endpoint.
func (c *Client) Has(agentID string) bool {
	_, ok := c.endpoints[agentID]
	return ok
}

// AgentIDs lists the agents with endpoints, sorted.
func (c *Client) AgentIDs() []string {
	ids := make([]string, 0, len(c.endpoints))
	for id := range c.endpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Invoke implements handoff.Invoker.
func (c *Client) Invoke(ctx context.Context, agentID, text string, history []types.Message) (string, error) {
	ep, ok := c.endpoints[agentID]
	if !ok {
		if c.fallback != nil {
			return c.fallback.Invoke(ctx, agentID, text, history)
		}
		return "", types.Errorf(types.ErrAgentNotFound, "no endpoint for agent %q", agentID).WithAgent(agentID)
	}

	if ep.limiter != nil {
		if err := ep.limiter.Wait(ctx); err != nil {
			return "", types.Errorf(types.ErrTimeout, "rate limited calling agent %q", agentID).
				WithAgent(agentID).WithRetryable(true).WithCause(err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, ep.timeout)
	defer cancel()

	body := InvokeRequest{AgentID: agentID, Message: text, History: history}
	if convID, ok := types.ConversationID(ctx); ok {
		body.ConversationID = convID
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal invoke request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if reqID, ok := types.RequestID(ctx); ok {
		httpReq.Header.Set(requestIDHeader, reqID)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		code := types.ErrUpstreamError
		if errors.Is(err, context.DeadlineExceeded) {
			code = types.ErrTimeout
		}
		return "", types.Errorf(code, "call agent %q", agentID).
			WithAgent(agentID).WithRetryable(true).WithCause(err)
	}
	defer resp.Body.Close()

	c.logger.Debug("agent responded",
		zap.String("agent_id", agentID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode >= 400 {
		return "", mapHTTPError(agentID, resp.StatusCode, readErrorMessage(resp.Body))
	}

	var out InvokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", types.Errorf(types.ErrUpstreamError, "decode response from agent %q", agentID).
			WithAgent(agentID).WithCause(err).WithHTTPStatus(http.StatusBadGateway)
	}
	if out.Error != "" {
		return "", types.NewError(types.ErrUpstreamError, out.Error).WithAgent(agentID)
	}
	if out.Response == "" {
		return out.Content, nil
	}
	return out.Response, nil
}

func mapHTTPError(agentID string, status int, msg string) *types.Error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	e := types.NewError(types.ErrUpstreamError, msg).WithAgent(agentID).WithHTTPStatus(status)
	switch {
	case status == http.StatusNotFound:
		e.Code = types.ErrAgentNotFound
	case status == http.StatusTooManyRequests, status >= 500:
		e.Retryable = true
	}
	return e
}

func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil {
		return ""
	}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(raw))
}
