// Package bootstrap wires configured components into a runnable orchestrator.
// Both the daemon and the CLI build their runtime through Build.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"LLM-Orchestra/internal/config"
	"LLM-Orchestra/internal/intent"
	"LLM-Orchestra/internal/llm"
	"LLM-Orchestra/internal/llm/langchain"
	"LLM-Orchestra/internal/llm/openai"
	"LLM-Orchestra/internal/llm/pythonbridge"
	"LLM-Orchestra/internal/observability/metrics"
	"LLM-Orchestra/internal/orchestrator"
	"LLM-Orchestra/internal/parser"
	"LLM-Orchestra/internal/resilience"
	"LLM-Orchestra/internal/safety"
	"LLM-Orchestra/internal/service"
	"LLM-Orchestra/internal/service/sandbox"
	"LLM-Orchestra/internal/session"
	mysqlstore "LLM-Orchestra/internal/storage/mysql"
	redisstore "LLM-Orchestra/internal/storage/redis"
	"LLM-Orchestra/internal/task"
	"LLM-Orchestra/pkg/logger"
)

// App 汇集按配置装配完成的运行时组件。
type App struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	// Commands 是记录指标的编排器，API 与任务处理器都通过它执行命令。
	Commands     *metrics.Orchestrator
	Metrics      *metrics.Metrics
	Sandbox      *sandbox.Services
	Tasks        *task.Service
	Processor    *task.Processor

	opts    options
	redis   *goredis.Client
	closers []func() error
	log     *slog.Logger
}

type options struct {
	llmClient llm.Client
	hasClient bool
}

// Option 调整装配过程。
type Option func(*options)

// WithLLMClient 使用给定的语言理解客户端，忽略 llm.provider 配置。
func WithLLMClient(client llm.Client) Option {
	return func(o *options) {
		o.llmClient = client
		o.hasClient = true
	}
}

// InitLogger 按配置初始化全局日志。
func InitLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	})
}

// Build 装配会话存储、配额、沙箱服务、安全管理器、解析器与编排器。
// 出错时已创建的资源会被释放。
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("配置不能为空")
	}
	app := &App{Config: cfg, log: logger.Named("bootstrap")}
	for _, opt := range opts {
		if opt != nil {
			opt(&app.opts)
		}
	}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	if cfg.Runtime.DataDir != "" {
		if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}

	sessions, err := app.sessionStore(ctx)
	if err != nil {
		return nil, err
	}

	quota, err := app.quota(ctx)
	if err != nil {
		return nil, err
	}
	wrapper := resilience.NewWrapper(resilience.Policy{
		MaxAttempts: cfg.Resilience.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Resilience.BaseDelayMillis) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Resilience.MaxDelayMillis) * time.Millisecond,
		CallTimeout: time.Duration(cfg.Resilience.CallTimeoutSeconds) * time.Second,
	}, resilience.WithQuota(quota))

	var seed *sandbox.Seed
	if cfg.Sandbox.SeedFile != "" {
		seed, err = sandbox.LoadSeed(cfg.Sandbox.SeedFile)
		if err != nil {
			return nil, err
		}
	}
	app.Sandbox = sandbox.New(seed, sandbox.WithLatency(time.Duration(cfg.Sandbox.LatencyMillis)*time.Millisecond))
	registry := service.NewRegistry(app.Sandbox.Handlers()...)
	manager := safety.New(registry, wrapper, safety.WithBulkThreshold(cfg.Safety.BulkRecipientThreshold))

	client := app.opts.llmClient
	if !app.opts.hasClient {
		client, err = app.llmClient()
		if err != nil {
			return nil, err
		}
	}
	p := parser.New(client,
		parser.WithTimeout(cfg.LLM.Timeout()),
		parser.WithMinConfidence(cfg.LLM.MinConfidence),
		parser.WithHistoryDepth(cfg.LLM.HistoryDepth),
	)

	app.Orchestrator = orchestrator.New(sessions, p, manager, orchestrator.WithDefaultDryRun(cfg.Safety.DryRun))
	app.Metrics = metrics.New()
	app.Commands = metrics.Instrument(app.Orchestrator, app.Metrics)
	app.log.Info("编排器已装配",
		slog.String("session_driver", cfg.Session.Driver),
		slog.String("quota_driver", cfg.Quota.Driver),
		slog.String("llm_provider", cfg.LLM.Provider),
	)
	return app, nil
}

// EnableTasks 创建任务存储、队列、任务服务与处理器，供异步命令使用。
func (a *App) EnableTasks(ctx context.Context) error {
	if a.Tasks != nil {
		return nil
	}
	cfg := a.Config

	var store task.Store
	switch cfg.TaskStore.Driver {
	case "", "memory":
		store = task.NewMemoryStore()
	case "mysql":
		s, err := task.NewMySQLStore(ctx, mysqlConfig(cfg.TaskStore.MySQL))
		if err != nil {
			return err
		}
		store = s
	default:
		return fmt.Errorf("未知的任务存储驱动: %s", cfg.TaskStore.Driver)
	}

	var queue task.Queue
	switch cfg.TaskQueue.Driver {
	case "", "memory":
		queue = task.NewMemoryQueue(cfg.TaskQueue.Size)
	case "redis":
		q, err := task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.TaskQueue.Redis.Address,
			Password:  cfg.TaskQueue.Redis.Password,
			DB:        cfg.TaskQueue.Redis.DB,
			Queue:     cfg.TaskQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.TaskQueue.Redis.BlockWaitSeconds) * time.Second,
		})
		if err != nil {
			_ = store.Close()
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.TaskQueue.RabbitMQ.URL,
			Queue:      cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch:   cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:    cfg.TaskQueue.RabbitMQ.Durable,
			AutoDelete: cfg.TaskQueue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			_ = store.Close()
			return err
		}
		queue = q
	default:
		_ = store.Close()
		return fmt.Errorf("未知的队列驱动: %s", cfg.TaskQueue.Driver)
	}

	a.Tasks = task.NewService(store, queue, cfg.TaskQueue.Retries)
	a.Processor = task.NewProcessor(a.Commands, store, queue, queue,
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithProcessorLogger(logger.Named("task")),
	)
	a.closers = append(a.closers, a.Tasks.Close)
	return nil
}

// Close 按创建的逆序释放资源。
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// sharedRedis 返回会话存储与配额计数共用的 Redis 连接。
func (a *App) sharedRedis(ctx context.Context) (*goredis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	rc := a.Config.Session.Redis
	client, err := redisstore.Connect(ctx, redisstore.Config{
		Addr:     rc.Address,
		Password: rc.Password,
		DB:       rc.DB,
		Prefix:   rc.Prefix,
	})
	if err != nil {
		return nil, err
	}
	a.redis = client
	a.closers = append(a.closers, client.Close)
	return client, nil
}

func (a *App) sessionStore(ctx context.Context) (session.Store, error) {
	cfg := a.Config.Session
	var store session.Store
	switch cfg.Driver {
	case "", "memory":
		store = session.NewMemoryStore()
	case "redis":
		client, err := a.sharedRedis(ctx)
		if err != nil {
			return nil, err
		}
		store = redisstore.NewSessionStore(client,
			redisstore.WithPrefix(cfg.Redis.Prefix),
			redisstore.WithSessionTTL(cfg.TTL()),
		)
	case "mysql":
		s, err := mysqlstore.NewSessionStore(ctx, mysqlConfig(cfg.MySQL))
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("未知的会话存储驱动: %s", cfg.Driver)
	}
	a.closers = append(a.closers, store.Close)
	return store, nil
}

func (a *App) quota(ctx context.Context) (*resilience.Quota, error) {
	cfg := a.Config.Quota
	limits := make(map[intent.Service]resilience.Limit, len(cfg.Services))
	for name, budget := range cfg.Services {
		svc, err := intent.ParseService(name)
		if err != nil {
			return nil, fmt.Errorf("quota.services.%s: %w", name, err)
		}
		limits[svc] = resilience.LimitFromBudget(budget.Budget, budget.SoftRatio, budget.Hard)
	}

	var counter resilience.Counter
	switch cfg.Driver {
	case "", "memory":
		counter = resilience.NewMemoryCounter(time.Now)
	case "redis":
		client, err := a.sharedRedis(ctx)
		if err != nil {
			return nil, err
		}
		counter = redisstore.NewQuotaCounter(client, a.Config.Session.Redis.Prefix)
	default:
		return nil, fmt.Errorf("未知的配额驱动: %s", cfg.Driver)
	}
	return resilience.NewQuota(counter, cfg.Window(), limits), nil
}

// llmClient 按 provider 创建语言理解客户端。python_bridge 未配置脚本时返回 nil，
// 此时只有内置命令与快捷查询可用。
func (a *App) llmClient() (llm.Client, error) {
	cfg := a.Config.LLM
	switch cfg.Provider {
	case "", "python_bridge":
		if strings.TrimSpace(cfg.Python.ScriptPath) == "" {
			a.log.Warn("未配置 Python 脚本，仅支持内置命令与快捷查询")
			return nil, nil
		}
		scriptPath := pythonbridge.ResolveScriptPath(cfg.Python.WorkingDir, cfg.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.Python.PythonExecutable, scriptPath, cfg.Python.WorkingDir)
	case "openai":
		apiKey := cfg.OpenAI.ResolveAPIKey()
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
			Timeout: cfg.Timeout(),
		})
	case "langchain":
		apiKey := cfg.OpenAI.ResolveAPIKey()
		if apiKey == "" {
			return nil, errors.New("langchain provider 需要配置 api_key 或 api_key_env")
		}
		return langchain.NewOpenAI(apiKey, cfg.OpenAI.Model, cfg.OpenAI.BaseURL)
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.Provider)
	}
}

func mysqlConfig(c config.MySQLConfig) mysqlstore.Config {
	return mysqlstore.Config{
		DSN:             c.DSN,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: time.Duration(c.ConnMaxLifetimeSeconds) * time.Second,
		ConnMaxIdleTime: time.Duration(c.ConnMaxIdleTimeSeconds) * time.Second,
	}
}
