package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sapiensly/agentrelay/agent/handoff"
	"github.com/sapiensly/agentrelay/config"
	"github.com/sapiensly/agentrelay/types"
)

func TestClient_InvokeSuccess(t *testing.T) {
	var got InvokeRequest
	var gotReqID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotReqID = r.Header.Get(requestIDHeader)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(InvokeResponse{Response: "4"})
	}))
	defer srv.Close()

	c, err := NewClient([]config.AgentEndpointConfig{{ID: "math_agent", Endpoint: srv.URL + "/"}}, nil)
	require.NoError(t, err)

	ctx := types.WithRequestID(context.Background(), "req-1")
	ctx = types.WithConversationID(ctx, "conv-1")
	history := []types.Message{types.NewUserMessage("hi")}

	answer, err := c.Invoke(ctx, "math_agent", "2+2", history)
	require.NoError(t, err)
	assert.Equal(t, "4", answer)
	assert.Equal(t, "req-1", gotReqID)
	assert.Equal(t, "math_agent", got.AgentID)
	assert.Equal(t, "2+2", got.Message)
	assert.Equal(t, "conv-1", got.ConversationID)
	require.Len(t, got.History, 1)
	assert.Equal(t, "hi", got.History[0].Content)
}

func TestClient_ContentAlias(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":"from content"}`))
	}))
	defer srv.Close()

	c, err := NewClient([]config.AgentEndpointConfig{{ID: "a", Endpoint: srv.URL}}, nil)
	require.NoError(t, err)

	answer, err := c.Invoke(context.Background(), "a", "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "from content", answer)
}

func TestClient_HTTPErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		code      types.ErrorCode
		retryable bool
		message   string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"model crashed"}`, types.ErrUpstreamError, true, "model crashed"},
		{"throttled", http.StatusTooManyRequests, "slow down", types.ErrUpstreamError, true, "slow down"},
		{"bad request", http.StatusBadRequest, `{"message":"empty prompt"}`, types.ErrUpstreamError, false, "empty prompt"},
		{"not found", http.StatusNotFound, "", types.ErrAgentNotFound, false, "Not Found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewClient([]config.AgentEndpointConfig{{ID: "a", Endpoint: srv.URL}}, nil)
			require.NoError(t, err)

			_, err = c.Invoke(context.Background(), "a", "q", nil)
			require.Error(t, err)
			var e *types.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tt.code, e.Code)
			assert.Equal(t, tt.retryable, e.Retryable)
			assert.Equal(t, tt.status, e.HTTPStatus)
			assert.Equal(t, tt.message, e.Message)
			assert.Equal(t, "a", e.AgentID)
		})
	}
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewClient([]config.AgentEndpointConfig{{ID: "slow", Endpoint: srv.URL, Timeout: 50 * time.Millisecond}}, nil)
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), "slow", "q", nil)
	assert.True(t, types.IsCode(err, types.ErrTimeout), err)
	assert.True(t, types.IsRetryable(err))
}

func TestClient_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":"ok"}`))
	}))
	defer srv.Close()

	c, err := NewClient([]config.AgentEndpointConfig{{ID: "a", Endpoint: srv.URL, RateLimit: 0.01, Burst: 1}}, nil)
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), "a", "q", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Invoke(ctx, "a", "q", nil)
	assert.True(t, types.IsCode(err, types.ErrTimeout), err)
}

func TestClient_UnknownAgentAndFallback(t *testing.T) {
	c, err := NewClient(nil, nil)
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), "ghost", "q", nil)
	assert.True(t, types.IsCode(err, types.ErrAgentNotFound))

	fb := handoff.InvokerFunc(func(_ context.Context, agentID, text string, _ []types.Message) (string, error) {
		return agentID + ":" + text, nil
	})
	c, err = NewClient([]config.AgentEndpointConfig{{ID: "local"}}, nil, WithFallback(fb))
	require.NoError(t, err)
	assert.False(t, c.Has("local"))

	answer, err := c.Invoke(context.Background(), "local", "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "local:q", answer)
}

func TestNewClient_RejectsDuplicates(t *testing.T) {
	_, err := NewClient([]config.AgentEndpointConfig{
		{ID: "a", Endpoint: "http://one"},
		{ID: "a", Endpoint: "http://two"},
	}, nil)
	assert.Error(t, err)

	c, err := NewClient([]config.AgentEndpointConfig{
		{ID: "b", Endpoint: "http://b"},
		{ID: "a", Endpoint: "http://a"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, c.AgentIDs())
}
