// 配置文件变更监听器实现。
//
// 轮询配置文件的修改时间，变化稳定后重新加载并校验配置，
// 成功时把新配置交给已注册的回调；失败时保留旧配置。
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 文件监听器类型定义 ---

// Watcher reloads a configuration file when it changes on disk.
type Watcher struct {
	path         string
	pollInterval time.Duration
	loader       func(path string) (*Config, error)
	logger       *zap.Logger

	mu        sync.Mutex
	callbacks []func(*Config)
	lastMod   time.Time
	pending   bool
	running   bool
	stop      chan struct{}
	done      chan struct{}

	reloads  int
	failures int
}

// --- 文件监听器选项 ---

// WatcherOption configures the Watcher
type WatcherOption func(*Watcher)

// WithPollInterval sets how often the file is checked.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// --- 文件监听器实现 ---

// NewWatcher creates a watcher for path. The file must exist.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config %s: %w", path, err)
	}

	w := &Watcher{
		path:         path,
		pollInterval: 2 * time.Second,
		lastMod:      info.ModTime(),
		logger:       zap.NewNop(),
		loader: func(p string) (*Config, error) {
			return NewLoader().WithConfigPath(p).WithValidator((*Config).Validate).Load()
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"))
	return w, nil
}

// OnReload registers a callback for successfully reloaded configurations.
func (w *Watcher) OnReload(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start polls in the background until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("watcher already running")
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})

	go w.loop(ctx, w.stop, w.done)

	w.logger.Info("config watcher started",
		zap.String("path", w.path),
		zap.Duration("poll_interval", w.pollInterval))
	return nil
}

// Stop stops the watcher and waits for the poll loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	done := w.done
	w.mu.Unlock()

	<-done
	w.logger.Info("config watcher stopped")
}

// Stats returns the number of applied and rejected reloads.
func (w *Watcher) Stats() (reloads, failures int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads, w.failures
}

func (w *Watcher) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
			return
		case <-stop:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

// poll reloads once a modification has been seen on two consecutive checks
// with an unchanged mtime, so half-written files are skipped.
func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("config file unavailable", zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	mod := info.ModTime()
	switch {
	case !mod.Equal(w.lastMod):
		w.lastMod = mod
		w.pending = true
		w.mu.Unlock()
		return
	case !w.pending:
		w.mu.Unlock()
		return
	}
	w.pending = false
	w.mu.Unlock()

	w.reload()
}

func (w *Watcher) reload() {
	cfg, err := w.loader(w.path)
	if err != nil {
		w.mu.Lock()
		w.failures++
		w.mu.Unlock()
		w.logger.Warn("config reload rejected, keeping previous configuration",
			zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	w.reloads++
	callbacks := append([]func(*Config){}, w.callbacks...)
	w.mu.Unlock()

	w.logger.Info("config reloaded", zap.String("path", w.path))
	for _, cb := range callbacks {
		cb(cfg)
	}
}
