// =============================================================================
// 📦 agentrelay 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Handoff:   DefaultHandoffConfig(),
		Transport: TransportConfig{MaxIdleConnsPerHost: 16},
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    2 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "agentrelay",
		Password:        "",
		Name:            "./data/agentrelay.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentrelay",
		SampleRate:   0.1,
	}
}

// DefaultHandoffConfig 返回默认交接配置
// 默认权限为空允许列表：未显式配置的目标 Agent 一律拒绝交接。
func DefaultHandoffConfig() HandoffConfig {
	return HandoffConfig{
		ConfidenceThreshold: 0.7,
		MinConfidence:       0.3,
		MaxReversals:        10,
		HistoryLimit:        20,
		DefaultPermissions:  PermissionConfig{Allow: []string{}},
		Permissions:         map[string]PermissionConfig{},
		Capabilities:        map[string][]string{},
		Keywords:            map[string][]string{},
		Parallel: ParallelConfig{
			MaxConcurrent: 3,
			Timeout:       30 * time.Second,
			MaxAgents:     3,
		},
		Cache: CacheConfig{
			Enabled:       true,
			LocalSize:     1000,
			LocalTTL:      5 * time.Minute,
			SuggestionTTL: 10 * time.Minute,
			ResponseTTL:   30 * time.Minute,
			ParallelTTL:   30 * time.Minute,
			UseRedis:      false,
			KeyPrefix:     "agentrelay:cache:",
		},
		Store: StoreConfig{
			Type:      "memory",
			KeyPrefix: "agentrelay:conv:",
			TTL:       24 * time.Hour,
		},
	}
}
