package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/orchestrator"
	mysqlstore "LLM-Orchestra/internal/storage/mysql"
)

const taskColumns = `id, session_id, command, dry_run, confirm, status, attempts, max_retries,
        last_error, error_code, outcome, created_at, updated_at`

// MySQLStore 使用 command_tasks 表记录任务状态。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 连接数据库并执行迁移。
func NewMySQLStore(ctx context.Context, cfg mysqlstore.Config) (*MySQLStore, error) {
	db, err := mysqlstore.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化任务存储失败")
	}
	return NewMySQLStoreWithDB(db), nil
}

// NewMySQLStoreWithDB 复用已迁移的连接池。
func NewMySQLStoreWithDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := s.now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now

	const stmt = `INSERT INTO command_tasks
        (id, session_id, command, dry_run, confirm, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		task.ID,
		task.SessionID,
		task.Command,
		task.DryRun,
		task.Confirm,
		string(task.Status),
		task.Attempts,
		task.MaxRetries,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM command_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Claim 以条件更新抢占任务，多个消费者之间只有一个能成功。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	const stmt = `UPDATE command_tasks SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status = ? AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, stmt, string(StatusRunning), s.now().Unix(), id, string(StatusQueued))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected > 0 {
		return task, nil
	}
	switch task.Status {
	case StatusSucceeded, StatusFailed:
		return task, ErrTaskCompleted
	case StatusRunning:
		return task, ErrTaskConflict
	}
	if task.Attempts >= task.MaxRetries {
		return task, ErrTaskExhausted
	}
	return task, ErrTaskConflict
}

// MarkSucceeded 写入命令结果。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, outcome *orchestrator.CommandOutcome) error {
	encoded, err := encodeOutcome(outcome)
	if err != nil {
		return err
	}
	const stmt = `UPDATE command_tasks SET status = ?, outcome = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(StatusSucceeded), encoded, s.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// MarkFailed 记录失败，非终态失败让任务回到 queued。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, failure Failure) error {
	status := StatusQueued
	if failure.Terminal {
		status = StatusFailed
	}
	encoded, err := encodeOutcome(failure.Outcome)
	if err != nil {
		return err
	}
	const stmt = `UPDATE command_tasks SET status = ?, last_error = ?, error_code = ?, outcome = COALESCE(?, outcome), updated_at = ?
        WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(status), failure.Message, string(failure.Code), encoded, s.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败出错")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List 返回符合条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + taskColumns + ` FROM command_tasks`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(MIN(updated_at), 0),
        COALESCE(MAX(updated_at), 0)
        FROM command_tasks`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(StatusQueued), string(StatusRunning), string(StatusSucceeded), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats TaskStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Queued,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task    Task
		status  string
		outcome sql.NullString
		lastErr sql.NullString
	)
	if err := row.Scan(
		&task.ID,
		&task.SessionID,
		&task.Command,
		&task.DryRun,
		&task.Confirm,
		&status,
		&task.Attempts,
		&task.MaxRetries,
		&lastErr,
		&task.ErrorCode,
		&outcome,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.Status = Status(status)
	task.LastError = lastErr.String
	if outcome.Valid && strings.TrimSpace(outcome.String) != "" {
		var decoded orchestrator.CommandOutcome
		if err := json.Unmarshal([]byte(outcome.String), &decoded); err != nil {
			return nil, fmt.Errorf("解析任务结果失败: %w", err)
		}
		task.Outcome = &decoded
	}
	return &task, nil
}

func encodeOutcome(outcome *orchestrator.CommandOutcome) (sql.NullString, error) {
	if outcome == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return sql.NullString{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码任务结果失败")
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	var conditions []string
	var args []any

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasOutcome != nil {
		if *opts.HasOutcome {
			conditions = append(conditions, "outcome IS NOT NULL")
		} else {
			conditions = append(conditions, "outcome IS NULL")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR command LIKE ? OR last_error LIKE ?)")
		args = append(args, pattern, pattern, pattern)
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
