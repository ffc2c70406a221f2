// 配置加载器测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "memory", cfg.Handoff.Store.Type)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s

redis:
  enabled: true
  addr: "redis.example.com:6379"
  password: "secret"
  db: 1

handoff:
  confidence_threshold: 0.6
  max_reversals: 3
  default_permissions: []
  permissions:
    math_agent: [general_agent, "capability:routing"]
    history_agent:
      allow: ["*"]
      deny: ["untrusted_*"]
  capabilities:
    general_agent: [routing, general]
  keywords:
    mathematics: [integral, derivative]
  parallel:
    max_concurrent: 5
    timeout: 10s
  store:
    type: redis

agents:
  - id: math_agent
    endpoint: http://math:9000/invoke
    capabilities: [mathematics]
    permissions: [general_agent]
    rate_limit: 2.5
    burst: 5

log:
  level: "debug"
  format: "console"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)

	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 1, cfg.Redis.DB)

	h := cfg.Handoff
	assert.Equal(t, 0.6, h.ConfidenceThreshold)
	assert.Equal(t, 3, h.MaxReversals)
	assert.Empty(t, h.DefaultPermissions.Allow)
	assert.Equal(t, []string{"general_agent", "capability:routing"}, h.Permissions["math_agent"].Allow)
	assert.Equal(t, []string{"*"}, h.Permissions["history_agent"].Allow)
	assert.Equal(t, []string{"untrusted_*"}, h.Permissions["history_agent"].Deny)
	assert.Equal(t, []string{"routing", "general"}, h.Capabilities["general_agent"])
	assert.Equal(t, []string{"integral", "derivative"}, h.Keywords["mathematics"])
	assert.Equal(t, 5, h.Parallel.MaxConcurrent)
	assert.Equal(t, 10*time.Second, h.Parallel.Timeout)
	assert.Equal(t, "redis", h.Store.Type)
	// 未在 YAML 中出现的字段保留默认值
	assert.Equal(t, 3, h.Parallel.MaxAgents)

	require.Len(t, cfg.Agents, 1)
	a := cfg.Agents[0]
	assert.Equal(t, "math_agent", a.ID)
	assert.Equal(t, []string{"mathematics"}, a.Capabilities)
	require.NotNil(t, a.Permissions)
	assert.Equal(t, []string{"general_agent"}, a.Permissions.Allow)
	assert.Equal(t, 2.5, a.RateLimit)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("AGENTRELAY_SERVER_HTTP_PORT", "7777")
	t.Setenv("AGENTRELAY_REDIS_ADDR", "env-redis:6379")
	t.Setenv("AGENTRELAY_LOG_LEVEL", "warn")
	t.Setenv("AGENTRELAY_LOG_OUTPUT_PATHS", "stdout, /tmp/relay.log")
	t.Setenv("AGENTRELAY_HANDOFF_MAX_REVERSALS", "4")
	t.Setenv("AGENTRELAY_HANDOFF_CONFIDENCE_THRESHOLD", "0.55")
	t.Setenv("AGENTRELAY_HANDOFF_PARALLEL_TIMEOUT", "2s")
	t.Setenv("AGENTRELAY_HANDOFF_CACHE_ENABLED", "false")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, []string{"stdout", "/tmp/relay.log"}, cfg.Log.OutputPaths)
	assert.Equal(t, 4, cfg.Handoff.MaxReversals)
	assert.Equal(t, 0.55, cfg.Handoff.ConfidenceThreshold)
	assert.Equal(t, 2*time.Second, cfg.Handoff.Parallel.Timeout)
	assert.False(t, cfg.Handoff.Cache.Enabled)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
handoff:
  max_reversals: 2
  min_confidence: 0.25
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	t.Setenv("AGENTRELAY_SERVER_HTTP_PORT", "9999")
	t.Setenv("AGENTRELAY_HANDOFF_MAX_REVERSALS", "7")

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	// 环境变量应该覆盖 YAML
	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, 7, cfg.Handoff.MaxReversals)
	// YAML 值应该保留
	assert.Equal(t, 0.25, cfg.Handoff.MinConfidence)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_HTTP_PORT", "6666")

	cfg, err := NewLoader().
		WithEnvPrefix("MYAPP").
		Load()
	require.NoError(t, err)

	assert.Equal(t, 6666, cfg.Server.HTTPPort)
}

func TestLoader_WithValidator(t *testing.T) {
	validator := func(cfg *Config) error {
		if cfg.Server.HTTPPort < 1024 {
			return assert.AnError
		}
		return nil
	}

	t.Setenv("AGENTRELAY_SERVER_HTTP_PORT", "80")

	_, err := NewLoader().
		WithValidator(validator).
		Load()
	assert.Error(t, err)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("AGENTRELAY_HANDOFF_PARALLEL_TIMEOUT", "soon")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENTRELAY_HANDOFF_PARALLEL_TIMEOUT")
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath("/non/existent/path/config.yaml").
		Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
server:
  http_port: [invalid
  this is not valid yaml
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalidYAML), 0644))

	_, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	assert.Error(t, err)
}

// --- Config 方法测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid HTTP port (negative)",
			modify:  func(c *Config) { c.Server.HTTPPort = -1 },
			wantErr: true,
		},
		{
			name:    "invalid HTTP port (too large)",
			modify:  func(c *Config) { c.Server.HTTPPort = 70000 },
			wantErr: true,
		},
		{
			name:    "threshold above one",
			modify:  func(c *Config) { c.Handoff.ConfidenceThreshold = 1.5 },
			wantErr: true,
		},
		{
			name:    "negative max reversals",
			modify:  func(c *Config) { c.Handoff.MaxReversals = -1 },
			wantErr: true,
		},
		{
			name:    "zero concurrency",
			modify:  func(c *Config) { c.Handoff.Parallel.MaxConcurrent = 0 },
			wantErr: true,
		},
		{
			name:    "unknown store type",
			modify:  func(c *Config) { c.Handoff.Store.Type = "etcd" },
			wantErr: true,
		},
		{
			name:    "redis store without redis",
			modify:  func(c *Config) { c.Handoff.Store.Type = "redis" },
			wantErr: true,
		},
		{
			name: "duplicate agent ids",
			modify: func(c *Config) {
				c.Agents = []AgentEndpointConfig{{ID: "a"}, {ID: "a"}}
			},
			wantErr: true,
		},
		{
			name: "agent without id",
			modify: func(c *Config) {
				c.Agents = []AgentEndpointConfig{{Endpoint: "http://x"}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "postgres DSN",
			config: DatabaseConfig{
				Driver:   "postgres",
				Host:     "localhost",
				Port:     5432,
				User:     "user",
				Password: "pass",
				Name:     "dbname",
				SSLMode:  "disable",
			},
			expected: "host=localhost port=5432 user=user password=pass dbname=dbname sslmode=disable",
		},
		{
			name: "mysql DSN",
			config: DatabaseConfig{
				Driver:   "mysql",
				Host:     "localhost",
				Port:     3306,
				User:     "user",
				Password: "pass",
				Name:     "dbname",
			},
			expected: "user:pass@tcp(localhost:3306)/dbname?parseTime=true",
		},
		{
			name:     "sqlite DSN",
			config:   DatabaseConfig{Driver: "sqlite", Name: "/path/to/db.sqlite"},
			expected: "/path/to/db.sqlite",
		},
		{
			name:     "unknown driver",
			config:   DatabaseConfig{Driver: "unknown"},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

func TestMustLoad_Panics(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [broken"), 0644))

	assert.Panics(t, func() { MustLoad(configPath) })
}
