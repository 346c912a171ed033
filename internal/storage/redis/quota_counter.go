package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/resilience"
)

// 首次计数时设置过期时间，键失去 TTL 时补设，返回计数与剩余毫秒。
var incrScript = goredis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// QuotaCounter 是基于 Redis 固定窗口的配额计数器，多个进程共享同一计数。
type QuotaCounter struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewQuotaCounter 创建计数器。
func NewQuotaCounter(client goredis.UniversalClient, prefix string) *QuotaCounter {
	return &QuotaCounter{client: client, prefix: prefixOr(prefix), now: time.Now}
}

func (q *QuotaCounter) key(k string) string {
	return q.prefix + ":quota:" + k
}

// Incr 实现 resilience.Counter。
func (q *QuotaCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	res, err := incrScript.Run(ctx, q.client, []string{q.key(key)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新 Redis 配额计数失败")
	}
	if len(res) != 2 {
		return 0, time.Time{}, xerrors.New(xerrors.CodeStorageFailure, "unexpected quota script reply")
	}
	return res[0], windowStart(q.now(), window, time.Duration(res[1])*time.Millisecond), nil
}

// Peek 实现 resilience.Counter。
func (q *QuotaCounter) Peek(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	var get *goredis.StringCmd
	var ttl *goredis.DurationCmd
	_, err := q.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		get = p.Get(ctx, q.key(key))
		ttl = p.PTTL(ctx, q.key(key))
		return nil
	})
	now := q.now()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return 0, time.Time{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 配额计数失败")
	}
	count, err := get.Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, now, nil
	}
	if err != nil {
		return 0, time.Time{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 Redis 配额计数失败")
	}
	return count, windowStart(now, window, ttl.Val()), nil
}

// windowStart 由剩余存活时间反推窗口起点。
func windowStart(now time.Time, window, remaining time.Duration) time.Time {
	if remaining <= 0 || remaining > window {
		return now
	}
	return now.Add(remaining - window)
}

var _ resilience.Counter = (*QuotaCounter)(nil)
