package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/intent"
	"LLM-Orchestra/pkg/logger"
)

// DefaultSoftRatio 是软阈值占预算的比例。
const DefaultSoftRatio = 0.95

// Counter 是跨会话共享的计数器，按服务计数，窗口到期后重置。
type Counter interface {
	// Incr 增加一次计数并返回增加后的值与窗口起点。
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)
	// Peek 返回当前计数与窗口起点，不修改计数。
	Peek(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)
}

// Limit 是单个服务的配额。0 表示未设置。
type Limit struct {
	Soft int64
	Hard int64
}

// LimitFromBudget 以预算与软阈值比例构造配额，hard 为 false 时只告警不拒绝。
func LimitFromBudget(budget int64, softRatio float64, hard bool) Limit {
	if budget <= 0 {
		return Limit{}
	}
	if softRatio <= 0 || softRatio > 1 {
		softRatio = DefaultSoftRatio
	}
	l := Limit{Soft: int64(math.Ceil(float64(budget) * softRatio))}
	if hard {
		l.Hard = budget
	}
	return l
}

// Usage 是某个服务在当前窗口内的用量。
type Usage struct {
	Service     intent.Service `json:"service"`
	CallsMade   int64          `json:"calls_made"`
	WindowStart time.Time      `json:"window_start"`
	SoftLimit   int64          `json:"soft_limit,omitempty"`
	HardLimit   int64          `json:"hard_limit,omitempty"`
}

// Quota 负责按服务追踪调用量并判断阈值。
type Quota struct {
	counter Counter
	window  time.Duration
	limits  map[intent.Service]Limit
	logger  *slog.Logger
}

// NewQuota 创建配额追踪器。window<=0 时使用一天。
func NewQuota(counter Counter, window time.Duration, limits map[intent.Service]Limit) *Quota {
	if counter == nil {
		counter = NewMemoryCounter(nil)
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	copied := make(map[intent.Service]Limit, len(limits))
	for k, v := range limits {
		copied[k] = v
	}
	return &Quota{counter: counter, window: window, limits: copied, logger: logger.Named("quota")}
}

func key(svc intent.Service) string { return "quota:" + string(svc) }

// Check 在调用前检查硬阈值，达到时返回 QUOTA_EXCEEDED。
func (q *Quota) Check(ctx context.Context, svc intent.Service) (Usage, error) {
	usage, err := q.Usage(ctx, svc)
	if err != nil {
		return usage, err
	}
	if usage.HardLimit > 0 && usage.CallsMade >= usage.HardLimit {
		reset := usage.WindowStart.Add(q.window)
		return usage, xerrors.New(xerrors.CodeQuotaExceeded,
			fmt.Sprintf("%s quota exhausted (%d/%d)", svc, usage.CallsMade, usage.HardLimit),
			xerrors.WithMetadata("service", string(svc)),
			xerrors.WithMetadata("resets_at", reset.Format(time.RFC3339)))
	}
	return usage, nil
}

// Record 记录一次调用尝试（无论成功与否）。越过软阈值时返回告警文本。
func (q *Quota) Record(ctx context.Context, svc intent.Service) (Usage, string, error) {
	calls, start, err := q.counter.Incr(ctx, key(svc), q.window)
	if err != nil {
		return Usage{}, "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "increment quota counter")
	}
	limit := q.limits[svc]
	usage := Usage{Service: svc, CallsMade: calls, WindowStart: start, SoftLimit: limit.Soft, HardLimit: limit.Hard}
	if limit.Soft > 0 && calls >= limit.Soft {
		budget := limit.Hard
		if budget == 0 {
			budget = limit.Soft
		}
		warning := fmt.Sprintf("%s 配额即将用尽: %d/%d", svc, calls, budget)
		logger.Audit().Warn("配额告警", "service", svc, "calls", calls, "soft_limit", limit.Soft, "hard_limit", limit.Hard)
		return usage, warning, nil
	}
	return usage, "", nil
}

// Usage 返回当前窗口的用量。
func (q *Quota) Usage(ctx context.Context, svc intent.Service) (Usage, error) {
	calls, start, err := q.counter.Peek(ctx, key(svc), q.window)
	if err != nil {
		return Usage{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read quota counter")
	}
	limit := q.limits[svc]
	return Usage{Service: svc, CallsMade: calls, WindowStart: start, SoftLimit: limit.Soft, HardLimit: limit.Hard}, nil
}

// MemoryCounter 是进程内的互斥计数器。
type MemoryCounter struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]*window
}

type window struct {
	start time.Time
	count int64
}

// NewMemoryCounter 创建内存计数器，now 为 nil 时使用系统时钟。
func NewMemoryCounter(now func() time.Time) *MemoryCounter {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounter{now: now, entries: make(map[string]*window)}
}

func (c *MemoryCounter) current(key string, size time.Duration) *window {
	now := c.now()
	w, ok := c.entries[key]
	if !ok || now.Sub(w.start) >= size {
		w = &window{start: now}
		c.entries[key] = w
	}
	return w
}

// Incr 实现 Counter。
func (c *MemoryCounter) Incr(_ context.Context, key string, size time.Duration) (int64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.current(key, size)
	w.count++
	return w.count, w.start, nil
}

// Peek 实现 Counter，只读：窗口不存在或已过期时按新窗口报告，不写入 entries。
func (c *MemoryCounter) Peek(_ context.Context, key string, size time.Duration) (int64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	w, ok := c.entries[key]
	if !ok || now.Sub(w.start) >= size {
		return 0, now, nil
	}
	return w.count, w.start, nil
}

// Set 直接设置计数，用于运维修正与测试。
func (c *MemoryCounter) Set(key string, count int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &window{start: c.now(), count: count}
}

// QuotaKey 返回服务在计数器中的键。
func QuotaKey(svc intent.Service) string { return key(svc) }
