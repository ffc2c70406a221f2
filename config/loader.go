// =============================================================================
// 📦 agentrelay 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("AGENTRELAY").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 agentrelay 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Redis 缓存配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Handoff 交接编排配置
	Handoff HandoffConfig `yaml:"handoff" env:"HANDOFF"`

	// Transport 远程 Agent 调用的 HTTP/TLS 设置
	Transport TransportConfig `yaml:"transport" env:"TRANSPORT"`

	// Agents 远程 Agent 端点（只能通过 YAML 配置）
	Agents []AgentEndpointConfig `yaml:"agents"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// API Key 列表（为空时不启用认证）
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// 每个客户端 IP 的请求速率（0 表示不限流）
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发容量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 允许的跨域来源
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用（缓存 L2 与 redis 会话存储共用）
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔀 交接编排配置
// =============================================================================

// HandoffConfig holds everything the orchestrator reads at runtime.
type HandoffConfig struct {
	// ConfidenceThreshold is the default threshold for intelligent handoffs.
	ConfidenceThreshold float64 `yaml:"confidence_threshold" env:"CONFIDENCE_THRESHOLD"`
	// MinConfidence is the floor below which the analyzer suggests staying put.
	MinConfidence float64 `yaml:"min_confidence" env:"MIN_CONFIDENCE"`
	// MaxReversals caps successful reversals per conversation. 0 means unlimited.
	MaxReversals int `yaml:"max_reversals" env:"MAX_REVERSALS"`
	// HistoryLimit is how many recent messages are handed to invoked agents.
	HistoryLimit int `yaml:"history_limit" env:"HISTORY_LIMIT"`

	// DefaultPermissions is the global fallback tier.
	DefaultPermissions PermissionConfig `yaml:"default_permissions"`
	// Permissions is the static tier, keyed by target agent id.
	Permissions map[string]PermissionConfig `yaml:"permissions"`
	// Capabilities declares extra capability tags per agent id.
	Capabilities map[string][]string `yaml:"capabilities"`
	// Keywords extends the analyzer lexicon, keyed by capability tag.
	Keywords map[string][]string `yaml:"keywords"`

	Parallel ParallelConfig `yaml:"parallel" env:"PARALLEL"`
	Cache    CacheConfig    `yaml:"cache" env:"CACHE"`
	Store    StoreConfig    `yaml:"store" env:"STORE"`
}

// PermissionConfig is the configuration form of a permission set.
// In YAML it can be written either as a plain list (allow-list) or as
// a mapping with allow/deny keys.
type PermissionConfig struct {
	Allow []string `yaml:"allow" json:"allow"`
	Deny  []string `yaml:"deny" json:"deny,omitempty"`
}

// UnmarshalYAML accepts both the list and the mapping form.
func (p *PermissionConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.SequenceNode {
		var allow []string
		if err := value.Decode(&allow); err != nil {
			return err
		}
		p.Allow = allow
		p.Deny = nil
		return nil
	}
	type plain PermissionConfig
	var out plain
	if err := value.Decode(&out); err != nil {
		return err
	}
	*p = PermissionConfig(out)
	return nil
}

// ParallelConfig 并行交接配置
type ParallelConfig struct {
	// 最大并发 Agent 数
	MaxConcurrent int `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	// 单个 Agent 超时（也是整体超时）
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 未指定能力时最多选择的 Agent 数
	MaxAgents int `yaml:"max_agents" env:"MAX_AGENTS"`
}

// CacheConfig 智能缓存配置
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled" env:"ENABLED"`
	LocalSize     int           `yaml:"local_size" env:"LOCAL_SIZE"`
	LocalTTL      time.Duration `yaml:"local_ttl" env:"LOCAL_TTL"`
	SuggestionTTL time.Duration `yaml:"suggestion_ttl" env:"SUGGESTION_TTL"`
	ResponseTTL   time.Duration `yaml:"response_ttl" env:"RESPONSE_TTL"`
	ParallelTTL   time.Duration `yaml:"parallel_ttl" env:"PARALLEL_TTL"`
	// UseRedis 启用 Redis 作为 L2（需要 Redis.Enabled）
	UseRedis  bool   `yaml:"use_redis" env:"USE_REDIS"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// StoreConfig 会话状态存储配置
type StoreConfig struct {
	// 类型: memory, redis, sql, noop
	Type      string        `yaml:"type" env:"TYPE"`
	KeyPrefix string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	TTL       time.Duration `yaml:"ttl" env:"TTL"`
}

// TransportConfig 出站 Agent 调用的传输配置
type TransportConfig struct {
	// 额外信任的 CA 证书（PEM）
	CAFile string `yaml:"ca_file" env:"CA_FILE"`
	// mTLS 客户端证书与私钥
	CertFile string `yaml:"cert_file" env:"CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"KEY_FILE"`
	// 跳过证书校验（仅用于开发环境）
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
	// 每个 Agent 主机的空闲连接数
	MaxIdleConnsPerHost int `yaml:"max_idle_conns_per_host" env:"MAX_IDLE_CONNS_PER_HOST"`
}

// AgentEndpointConfig describes one remotely invoked agent.
type AgentEndpointConfig struct {
	ID           string   `yaml:"id"`
	Endpoint     string   `yaml:"endpoint"`
	Capabilities []string `yaml:"capabilities"`
	// Permissions attached to the agent's own record. When present it is the
	// most specific tier and is used exclusively for handoffs into this agent.
	Permissions *PermissionConfig `yaml:"permissions"`
	Timeout     time.Duration     `yaml:"timeout"`
	// RateLimit in requests per second; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTRELAY",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 校验与辅助函数
// =============================================================================

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, "server.rate_limit_rps must not be negative")
	}

	h := c.Handoff
	if h.ConfidenceThreshold < 0 || h.ConfidenceThreshold > 1 {
		errs = append(errs, "handoff.confidence_threshold must be between 0 and 1")
	}
	if h.MinConfidence < 0 || h.MinConfidence > 1 {
		errs = append(errs, "handoff.min_confidence must be between 0 and 1")
	}
	if h.MaxReversals < 0 {
		errs = append(errs, "handoff.max_reversals must not be negative")
	}
	if h.Parallel.MaxConcurrent <= 0 {
		errs = append(errs, "handoff.parallel.max_concurrent must be positive")
	}
	if h.Parallel.Timeout <= 0 {
		errs = append(errs, "handoff.parallel.timeout must be positive")
	}
	switch h.Store.Type {
	case "memory", "redis", "sql", "noop":
	default:
		errs = append(errs, fmt.Sprintf("unsupported handoff.store.type %q", h.Store.Type))
	}
	if h.Store.Type == "redis" && !c.Redis.Enabled {
		errs = append(errs, "handoff.store.type redis requires redis.enabled")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Sprintf("agents[%d].id is required", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Sprintf("duplicate agent id %q", a.ID))
		}
		seen[a.ID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
