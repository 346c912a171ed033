package session

import (
	"context"
	"encoding/json"
	"sync"

	xerrors "LLM-Orchestra/internal/errors"
)

// ErrSessionNotFound 表示会话不存在。
var ErrSessionNotFound = xerrors.New(xerrors.CodeNotFound, "session not found")

// Store 定义会话存储，要求同一会话读己之写。
type Store interface {
	Get(ctx context.Context, id string) (*Context, error)
	Put(ctx context.Context, c *Context) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// MemoryStore 在进程内保存会话快照，进程重启后丢失。
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte
}

// NewMemoryStore 创建内存会话存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]byte)}
}

// Get 返回会话副本，调用方修改后需要 Put 回写。
func (s *MemoryStore) Get(ctx context.Context, id string) (*Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	var c Context
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode session")
	}
	return &c, nil
}

// Put 保存会话快照。
func (s *MemoryStore) Put(ctx context.Context, c *Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c == nil || c.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "session id required")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode session")
	}
	s.mu.Lock()
	s.sessions[c.ID] = data
	s.mu.Unlock()
	return nil
}

// Delete 删除会话，不存在时不报错。
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }
