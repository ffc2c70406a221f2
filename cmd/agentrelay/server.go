package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sapiensly/agentrelay/agent/handoff"
	"github.com/sapiensly/agentrelay/agent/persistence"
	"github.com/sapiensly/agentrelay/agent/remote"
	"github.com/sapiensly/agentrelay/api/handlers"
	"github.com/sapiensly/agentrelay/config"
	"github.com/sapiensly/agentrelay/internal/cache"
	"github.com/sapiensly/agentrelay/internal/database"
	"github.com/sapiensly/agentrelay/internal/metrics"
	"github.com/sapiensly/agentrelay/internal/server"
	"github.com/sapiensly/agentrelay/internal/telemetry"
	"github.com/sapiensly/agentrelay/internal/tlsutil"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 持有 agentrelay 进程内的所有组件
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	registry  *prometheus.Registry
	collector *metrics.Collector
	providers *telemetry.Providers

	redis *redis.Client
	db    *database.PoolManager
	store persistence.ConversationStore
	cache *cache.IntelligentCache

	orchestrator *handoff.Orchestrator
	handler      http.Handler
	httpManager  *server.Manager

	rateLimiterCancel context.CancelFunc
}

// NewServer 按配置装配存储、缓存、注册表与编排器。
// 任一步骤失败时已创建的连接会被释放。
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger, providers *telemetry.Providers) (s *Server, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s = &Server{
		cfg:       cfg,
		logger:    logger,
		registry:  prometheus.NewRegistry(),
		providers: providers,
	}
	defer func() {
		if err != nil {
			s.Close()
			s = nil
		}
	}()

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollector("agentrelay", s.registry, logger)

	if err = s.initBackends(ctx); err != nil {
		return s, err
	}
	if err = s.initOrchestrator(); err != nil {
		return s, err
	}
	s.handler = s.buildHandler()

	s.httpManager = server.NewManager(s.handler, server.FromServerConfig(cfg.Server), logger)
	return s, nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (s *Server) initBackends(ctx context.Context) error {
	hc := s.cfg.Handoff

	if s.cfg.Redis.Enabled {
		client, err := newRedisClient(ctx, s.cfg.Redis)
		if err != nil {
			return err
		}
		s.redis = client
		s.logger.Info("redis connected", zap.String("addr", s.cfg.Redis.Addr))
	}

	storeType := persistence.StoreType(hc.Store.Type)
	if storeType == persistence.StoreTypeSQL {
		pool, err := database.Open(s.cfg.Database, s.logger)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		s.db = pool
	}

	storeCfg := persistence.DefaultStoreConfig()
	storeCfg.Type = storeType
	if hc.Store.KeyPrefix != "" {
		storeCfg.KeyPrefix = hc.Store.KeyPrefix
	}
	if hc.Store.TTL > 0 {
		storeCfg.TTL = hc.Store.TTL
	}

	store, err := persistence.NewConversationStore(ctx, storeCfg, persistence.Backends{Redis: s.redis, DB: s.db})
	if err != nil {
		return fmt.Errorf("create conversation store: %w", err)
	}
	s.store = store
	s.logger.Info("conversation store ready", zap.String("type", string(storeCfg.Type)))

	if hc.Cache.Enabled {
		opts := cache.Options{
			LocalSize: hc.Cache.LocalSize,
			LocalTTL:  hc.Cache.LocalTTL,
			Metrics:   s.collector,
			Logger:    s.logger,
		}
		if hc.Cache.UseRedis {
			if s.redis == nil {
				s.logger.Warn("cache.use_redis set but redis is disabled, using local cache only")
			} else {
				opts.Remote = cache.NewRedisTier(s.redis, hc.Cache.KeyPrefix, s.logger)
			}
		}
		c, err := cache.NewIntelligentCache(opts)
		if err != nil {
			return fmt.Errorf("create cache: %w", err)
		}
		s.cache = c
	}
	return nil
}

func (s *Server) initOrchestrator() error {
	reg := handoff.NewRegistry(s.logger)
	extra := s.cfg.Handoff.Capabilities

	for _, a := range s.cfg.Agents {
		caps := append(append([]string(nil), a.Capabilities...), extra[a.ID]...)
		if err := reg.Register(a.ID, handoff.StaticAgent(a.ID), caps...); err != nil {
			return fmt.Errorf("register agent %s: %w", a.ID, err)
		}
		if a.Permissions != nil {
			perms := &handoff.PermissionSet{Allow: a.Permissions.Allow, Deny: a.Permissions.Deny}
			if err := reg.SetPermissions(a.ID, perms); err != nil {
				return fmt.Errorf("set permissions for %s: %w", a.ID, err)
			}
		}
	}
	// 只声明了能力、未配置端点的 Agent 仍参与路由
	for id, caps := range extra {
		if reg.Has(id) {
			continue
		}
		if err := reg.Register(id, handoff.StaticAgent(id), caps...); err != nil {
			return fmt.Errorf("register agent %s: %w", id, err)
		}
	}

	httpClient, err := tlsutil.NewHTTPClient(s.cfg.Transport)
	if err != nil {
		return fmt.Errorf("build agent transport: %w", err)
	}
	invoker, err := remote.NewClient(s.cfg.Agents, s.logger, remote.WithHTTPClient(httpClient))
	if err != nil {
		return fmt.Errorf("create agent client: %w", err)
	}

	s.orchestrator = handoff.NewOrchestrator(reg, s.store, s.cfg.Handoff, s.logger,
		handoff.WithInvoker(invoker),
		handoff.WithCache(s.cache),
		handoff.WithMetrics(s.collector),
		handoff.WithTracer(s.providers.Tracer("agentrelay/handoff")),
	)

	s.logger.Info("orchestrator initialized",
		zap.Strings("agents", reg.IDs()),
		zap.Strings("remote_agents", invoker.AgentIDs()),
	)
	return nil
}

// =============================================================================
// 🌐 HTTP 路由与中间件
// =============================================================================

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()

	health := handlers.NewHealthHandler(s.logger)
	health.RegisterCheck(handlers.NewPingCheck("store", s.store.Ping))
	if s.cache != nil {
		health.RegisterCheck(handlers.NewPingCheck("cache", s.cache.Ping))
	}
	if s.redis != nil {
		health.RegisterCheck(handlers.NewPingCheck("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
	}

	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	handlers.NewHandoffHandler(s.orchestrator, s.logger).Register(mux)

	skipAuthPaths := []string{"/health", "/ready", "/version", "/metrics"}
	rateLimiterCtx, cancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = cancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(s.providers.Tracer("agentrelay/http")),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares,
			RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}
	if len(s.cfg.Server.APIKeys) > 0 {
		middlewares = append(middlewares, APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, s.logger))
	}
	return Chain(mux, middlewares...)
}

// Handler 返回完整的 HTTP 处理链
func (s *Server) Handler() http.Handler { return s.handler }

// Orchestrator 返回交接编排器
func (s *Server) Orchestrator() *handoff.Orchestrator { return s.orchestrator }

// =============================================================================
// 🚀 运行与关闭
// =============================================================================

// Run 启动 HTTP 服务并阻塞到 ctx 取消
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpManager.Addr()))
	return s.httpManager.Run(ctx)
}

// WatchConfig 监听配置文件，变更后热更新交接权限与配置声明的能力。
// 存储、缓存、端点等其余配置需要重启才会生效。
func (s *Server) WatchConfig(ctx context.Context, path string) (*config.Watcher, error) {
	w, err := config.NewWatcher(path, config.WithWatcherLogger(s.logger))
	if err != nil {
		return nil, err
	}
	policy := s.orchestrator.Policy()
	w.OnReload(func(cfg *config.Config) {
		policy.Reload(cfg.Handoff)
	})
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// Close 释放存储、缓存与连接。可重复调用。
func (s *Server) Close() {
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
		s.store = nil
	}
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
		s.cache = nil
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
		s.redis = nil
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
		s.db = nil
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("errors while closing server resources", zap.Error(err))
	}
}
