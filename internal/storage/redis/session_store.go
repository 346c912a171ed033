package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/session"
)

// SessionStore 以 JSON 快照形式保存会话，可选过期时间。
type SessionStore struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	owned  bool
}

// SessionOption 调整会话存储。
type SessionOption func(*SessionStore)

// WithSessionTTL 设置会话快照的过期时间，0 表示永不过期。
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(s *SessionStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithPrefix 覆盖键前缀。
func WithPrefix(prefix string) SessionOption {
	return func(s *SessionStore) { s.prefix = prefixOr(prefix) }
}

// NewSessionStore 基于已有客户端创建存储，Close 不会关闭该客户端。
func NewSessionStore(client goredis.UniversalClient, opts ...SessionOption) *SessionStore {
	s := &SessionStore{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenSessionStore 连接 Redis 并创建存储，Close 时一并关闭连接。
func OpenSessionStore(ctx context.Context, cfg Config, opts ...SessionOption) (*SessionStore, error) {
	client, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := NewSessionStore(client, append([]SessionOption{WithPrefix(cfg.Prefix)}, opts...)...)
	store.owned = true
	return store, nil
}

func (s *SessionStore) key(id string) string {
	return s.prefix + ":session:" + id
}

// Get 实现 session.Store。
func (s *SessionStore) Get(ctx context.Context, id string) (*session.Context, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 会话失败")
	}
	var c session.Context
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话快照失败")
	}
	return &c, nil
}

// Put 覆盖写入会话快照并刷新过期时间。
func (s *SessionStore) Put(ctx context.Context, c *session.Context) error {
	if c == nil || c.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "session id required")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码会话快照失败")
	}
	if err := s.client.Set(ctx, s.key(c.ID), data, s.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 会话失败")
	}
	return nil
}

// Delete 删除会话。
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除 Redis 会话失败")
	}
	return nil
}

// Close 仅在连接由存储自身创建时关闭。
func (s *SessionStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

var _ session.Store = (*SessionStore)(nil)
