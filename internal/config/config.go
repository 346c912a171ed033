package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPath 是指定配置文件路径的环境变量。
const EnvPath = "ORCHESTRA_CONFIG"

// DefaultPath 是未设置环境变量时使用的配置文件。
var DefaultPath = filepath.Join("configs", "orchestra.yaml")

// Config 描述编排服务启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Session    SessionConfig    `json:"session" yaml:"session"`
	LLM        LLMConfig        `json:"llm" yaml:"llm"`
	Resilience ResilienceConfig `json:"resilience" yaml:"resilience"`
	Quota      QuotaConfig      `json:"quota" yaml:"quota"`
	Safety     SafetyConfig     `json:"safety" yaml:"safety"`
	TaskQueue  TaskQueueConfig  `json:"task_queue" yaml:"task_queue"`
	TaskStore  TaskStoreConfig  `json:"task_store" yaml:"task_store"`
	Sandbox    SandboxConfig    `json:"sandbox" yaml:"sandbox"`
	Runtime    RuntimeConfig    `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 HTTP 服务。
type ServerConfig struct {
	Address string `json:"address" yaml:"address"`
	// SyncTimeoutSeconds 限制同步命令请求的处理时间。
	SyncTimeoutSeconds int `json:"sync_timeout_seconds" yaml:"sync_timeout_seconds"`
}

// SyncTimeout 返回同步命令超时。
func (s ServerConfig) SyncTimeout() time.Duration {
	return time.Duration(s.SyncTimeoutSeconds) * time.Second
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `json:"level" yaml:"level"`
	Format      string      `json:"format" yaml:"format"`
	OutputPaths []string    `json:"output_paths" yaml:"output_paths"`
	Audit       AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 描述审计日志文件及其轮转。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// SessionConfig 选择会话存储。
type SessionConfig struct {
	Driver     string      `json:"driver" yaml:"driver"`
	TTLSeconds int         `json:"ttl_seconds" yaml:"ttl_seconds"`
	Redis      RedisConfig `json:"redis" yaml:"redis"`
	MySQL      MySQLConfig `json:"mysql" yaml:"mysql"`
}

// TTL 返回会话过期时间，0 表示不过期。
func (s SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

// RedisConfig 是 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// MySQLConfig 是 MySQL 连接池参数。
type MySQLConfig struct {
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds"`
}

// LLMConfig 配置语言理解委托。
type LLMConfig struct {
	Provider       string             `json:"provider" yaml:"provider"`
	TimeoutSeconds int                `json:"timeout_seconds" yaml:"timeout_seconds"`
	MinConfidence  float64            `json:"min_confidence" yaml:"min_confidence"`
	HistoryDepth   int                `json:"history_depth" yaml:"history_depth"`
	OpenAI         OpenAIConfig       `json:"openai" yaml:"openai"`
	Python         PythonBridgeConfig `json:"python_bridge" yaml:"python_bridge"`
}

// Timeout 返回委托调用超时。
func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// OpenAIConfig 同时用于 openai 与 langchain 两种 provider。
type OpenAIConfig struct {
	APIKey    string `json:"api_key" yaml:"api_key"`
	APIKeyEnv string `json:"api_key_env" yaml:"api_key_env"`
	BaseURL   string `json:"base_url" yaml:"base_url"`
	Model     string `json:"model" yaml:"model"`
}

// ResolveAPIKey 优先使用显式配置，其次读取 api_key_env 指向的环境变量。
func (o OpenAIConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(o.APIKey); key != "" {
		return key
	}
	if o.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(o.APIKeyEnv))
	}
	return ""
}

// PythonBridgeConfig 描述通过 Python 脚本完成意图解析时的参数。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable" yaml:"python_executable"`
	ScriptPath       string `json:"script_path" yaml:"script_path"`
	WorkingDir       string `json:"working_dir" yaml:"working_dir"`
}

// ResilienceConfig 是重试与退避参数。
type ResilienceConfig struct {
	MaxAttempts        int `json:"max_attempts" yaml:"max_attempts"`
	BaseDelayMillis    int `json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMillis     int `json:"max_delay_ms" yaml:"max_delay_ms"`
	CallTimeoutSeconds int `json:"call_timeout_seconds" yaml:"call_timeout_seconds"`
}

// QuotaConfig 描述每个服务的配额。
type QuotaConfig struct {
	Driver        string                 `json:"driver" yaml:"driver"`
	WindowSeconds int                    `json:"window_seconds" yaml:"window_seconds"`
	Services      map[string]QuotaBudget `json:"services" yaml:"services"`
}

// Window 返回配额窗口长度。
func (q QuotaConfig) Window() time.Duration {
	return time.Duration(q.WindowSeconds) * time.Second
}

// QuotaBudget 是单个服务的预算。Hard 为 true 时达到预算即拒绝调用。
type QuotaBudget struct {
	Budget    int64   `json:"budget" yaml:"budget"`
	SoftRatio float64 `json:"soft_ratio" yaml:"soft_ratio"`
	Hard      bool    `json:"hard" yaml:"hard"`
}

// SafetyConfig 是安全策略参数。
type SafetyConfig struct {
	DryRun                 bool `json:"dry_run" yaml:"dry_run"`
	BulkRecipientThreshold int  `json:"bulk_recipient_threshold" yaml:"bulk_recipient_threshold"`
}

// TaskQueueConfig 选择异步命令的队列。
type TaskQueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Workers  int            `json:"workers" yaml:"workers"`
	Retries  int            `json:"retries" yaml:"retries"`
	Size     int            `json:"size" yaml:"size"`
	Redis    RedisQueue     `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisQueue 是 Redis 队列参数。
type RedisQueue struct {
	Address          string `json:"address" yaml:"address"`
	Password         string `json:"password" yaml:"password"`
	DB               int    `json:"db" yaml:"db"`
	Queue            string `json:"queue" yaml:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds" yaml:"block_wait_seconds"`
}

// RabbitMQConfig 是 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Queue      string `json:"queue" yaml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// TaskStoreConfig 选择任务状态存储。
type TaskStoreConfig struct {
	Driver string      `json:"driver" yaml:"driver"`
	MySQL  MySQLConfig `json:"mysql" yaml:"mysql"`
}

// SandboxConfig 配置内置的沙箱服务。
type SandboxConfig struct {
	SeedFile      string `json:"seed_file" yaml:"seed_file"`
	LatencyMillis int    `json:"latency_ms" yaml:"latency_ms"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// PathFromEnv 返回配置文件路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load 解析配置文件，扩展名为 .yaml/.yml 时按 YAML 解析，否则按 JSON。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	cfg, err := Parse(content, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 按扩展名解码配置内容，不填充默认值。
func Parse(content []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置失败: %w", err)
		}
	}
	return &cfg, nil
}

// Default 返回全部使用默认值的配置，供没有配置文件的 CLI 使用。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.SyncTimeoutSeconds <= 0 {
		c.Server.SyncTimeoutSeconds = 60
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.OutputPaths) == 0 {
		c.Logging.OutputPaths = []string{"stdout"}
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}

	if c.Session.Driver == "" {
		c.Session.Driver = "memory"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "python_bridge"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 30
	}
	if c.LLM.MinConfidence <= 0 {
		c.LLM.MinConfidence = 0.5
	}
	if c.LLM.HistoryDepth <= 0 {
		c.LLM.HistoryDepth = 5
	}
	if c.LLM.HistoryDepth > 10 {
		c.LLM.HistoryDepth = 10
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.LLM.Python.WorkingDir) {
		c.LLM.Python.WorkingDir = filepath.Join(baseDir, c.LLM.Python.WorkingDir)
	}

	if c.Resilience.MaxAttempts <= 0 {
		c.Resilience.MaxAttempts = 3
	}
	if c.Resilience.BaseDelayMillis <= 0 {
		c.Resilience.BaseDelayMillis = 1000
	}
	if c.Resilience.MaxDelayMillis <= 0 {
		c.Resilience.MaxDelayMillis = 30000
	}
	if c.Resilience.CallTimeoutSeconds <= 0 {
		c.Resilience.CallTimeoutSeconds = 20
	}

	if c.Quota.Driver == "" {
		c.Quota.Driver = "memory"
	}
	if c.Quota.WindowSeconds <= 0 {
		c.Quota.WindowSeconds = int((24 * time.Hour).Seconds())
	}
	for name, budget := range c.Quota.Services {
		if budget.SoftRatio <= 0 || budget.SoftRatio > 1 {
			budget.SoftRatio = 0.95
		}
		c.Quota.Services[name] = budget
	}

	if c.Safety.BulkRecipientThreshold <= 0 {
		c.Safety.BulkRecipientThreshold = 3
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 4
	}
	if c.TaskQueue.Retries <= 0 {
		c.TaskQueue.Retries = 3
	}
	if c.TaskQueue.Size <= 0 {
		c.TaskQueue.Size = 1024
	}
	if c.TaskStore.Driver == "" {
		c.TaskStore.Driver = "memory"
	}

	if c.Sandbox.SeedFile != "" && !filepath.IsAbs(c.Sandbox.SeedFile) {
		c.Sandbox.SeedFile = filepath.Join(baseDir, c.Sandbox.SeedFile)
	}
}

// Validate 拒绝未知的驱动与缺失的连接参数。
func (c *Config) Validate() error {
	var errs []error
	check := func(section, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s 不支持的取值 %q，可选: %s", section, value, strings.Join(allowed, "|")))
	}
	check("session.driver", c.Session.Driver, "memory", "redis", "mysql")
	check("llm.provider", c.LLM.Provider, "openai", "langchain", "python_bridge")
	check("quota.driver", c.Quota.Driver, "memory", "redis")
	check("task_queue.driver", c.TaskQueue.Driver, "memory", "redis", "rabbitmq")
	check("task_store.driver", c.TaskStore.Driver, "memory", "mysql")
	check("logging.format", c.Logging.Format, "json", "text")

	if c.Session.Driver == "redis" && c.Session.Redis.Address == "" {
		errs = append(errs, errors.New("session.redis.address 不能为空"))
	}
	if c.Session.Driver == "mysql" && c.Session.MySQL.DSN == "" {
		errs = append(errs, errors.New("session.mysql.dsn 不能为空"))
	}
	if c.Quota.Driver == "redis" && c.Session.Redis.Address == "" {
		errs = append(errs, errors.New("quota.driver=redis 复用 session.redis，地址不能为空"))
	}
	if c.TaskQueue.Driver == "redis" && c.TaskQueue.Redis.Address == "" {
		errs = append(errs, errors.New("task_queue.redis.address 不能为空"))
	}
	if c.TaskQueue.Driver == "rabbitmq" && c.TaskQueue.RabbitMQ.URL == "" {
		errs = append(errs, errors.New("task_queue.rabbitmq.url 不能为空"))
	}
	if c.TaskStore.Driver == "mysql" && c.TaskStore.MySQL.DSN == "" {
		errs = append(errs, errors.New("task_store.mysql.dsn 不能为空"))
	}
	for name, budget := range c.Quota.Services {
		if budget.Budget < 0 {
			errs = append(errs, fmt.Errorf("quota.services.%s.budget 不能为负数", name))
		}
	}
	return errors.Join(errs...)
}
