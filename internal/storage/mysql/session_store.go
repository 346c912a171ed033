package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/session"
)

// SessionStore 把会话快照以 JSON 形式保存在 sessions 表中。
type SessionStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSessionStore 连接 MySQL、执行迁移并返回会话存储。
func NewSessionStore(ctx context.Context, cfg Config) (*SessionStore, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 会话存储失败")
	}
	return NewSessionStoreWithDB(db), nil
}

// NewSessionStoreWithDB 复用已有连接池，调用方负责迁移。
func NewSessionStoreWithDB(db *sql.DB) *SessionStore {
	return &SessionStore{db: db, now: time.Now}
}

// Get 实现 session.Store。
func (s *SessionStore) Get(ctx context.Context, id string) (*session.Context, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM sessions WHERE id = ?`, id).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	var c session.Context
	if err := json.Unmarshal([]byte(snapshot), &c); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话快照失败")
	}
	return &c, nil
}

// Put 以 upsert 写入会话快照。
func (s *SessionStore) Put(ctx context.Context, c *session.Context) error {
	if c == nil || c.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "session id required")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码会话快照失败")
	}
	const stmt = `INSERT INTO sessions (id, snapshot, created_at, updated_at) VALUES (?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE snapshot = VALUES(snapshot), updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, stmt, c.ID, string(data), c.CreatedAt.Unix(), s.now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话失败")
	}
	return nil
}

// Delete 删除会话，不存在时不报错。
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话失败")
	}
	return nil
}

// Close 关闭连接池。
func (s *SessionStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ session.Store = (*SessionStore)(nil)
