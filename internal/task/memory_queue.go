package task

import (
	"context"
	"sync"

	xerrors "LLM-Orchestra/internal/errors"
)

// MemoryQueue 使用 channel 作为进程内队列。
type MemoryQueue struct {
	ch        chan string
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size), done: make(chan struct{})}
}

// Publish 将任务投递到队列，队列已满时阻塞到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	select {
	case <-q.done:
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	case q.ch <- taskID:
		return nil
	}
}

// Consume 启动 workerCount 个协程消费任务，ctx 结束或队列关闭后返回。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case taskID := <-q.ch:
					if err := handler(ctx, taskID); err != nil && ctx.Err() == nil {
						// 未处理的消息放回队列，由下一次消费重试。
						select {
						case q.ch <- taskID:
						default:
						}
					}
				}
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// Len 返回待消费的消息数量。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close 关闭队列，正在运行的消费者随之退出。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
