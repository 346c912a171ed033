package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "LLM-Orchestra/internal/errors"
)

// DefaultRedisQueue 是 Redis 队列的默认键名。
const DefaultRedisQueue = "orchestra:commands"

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现任务队列，LPUSH 入队、BRPOP 出队。
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = DefaultRedisQueue
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}
}

// Publish 将任务投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.queue, taskID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败")
	}
	return nil
}

// Consume 通过 BRPOP 获取任务。任一协程遇到不可恢复的错误时全部退出。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) || ctx.Err() != nil {
						continue
					}
					fail(xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败"))
					return
				}
				if len(values) != 2 {
					continue
				}
				taskID := values[1]
				if handlerErr := handler(ctx, taskID); handlerErr != nil && ctx.Err() == nil {
					_ = q.client.RPush(ctx, q.queue, taskID).Err()
				}
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	return context.Canceled
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
