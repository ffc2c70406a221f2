package server

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sapiensly/agentrelay/config"
)

func newTestManager(t *testing.T, h http.Handler) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.ShutdownTimeout = time.Second
	return NewManager(h, cfg, zap.NewNop())
}

func TestFromServerConfig(t *testing.T) {
	cfg := FromServerConfig(config.ServerConfig{HTTPPort: 9090, WriteTimeout: 2 * time.Minute})
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 2*time.Minute, cfg.WriteTimeout)
	assert.Equal(t, DefaultConfig().ReadTimeout, cfg.ReadTimeout)
	assert.Equal(t, DefaultConfig().ShutdownTimeout, cfg.ShutdownTimeout)

	assert.Equal(t, DefaultConfig(), FromServerConfig(config.ServerConfig{}))
}

func TestManager_StartServesAndReportsBoundAddr(t *testing.T) {
	m := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	addr := m.Addr()
	assert.NotEqual(t, "127.0.0.1:0", addr)

	resp, err := http.Get("http://" + addr + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))

	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())
}

func TestManager_LifecycleErrors(t *testing.T) {
	m := newTestManager(t, http.NewServeMux())

	require.NoError(t, m.Start())
	err := m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()), "second shutdown is a no-op")

	err = m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestManager_RunStopsOnCancel(t *testing.T) {
	m := newTestManager(t, http.NewServeMux())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return m.Addr() != "127.0.0.1:0" }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, m.IsRunning())
}

func TestManager_NoErrorsBeforeFailure(t *testing.T) {
	m := newTestManager(t, http.NewServeMux())
	select {
	case <-m.Errors():
		t.Fatal("unexpected error")
	default:
	}
}
