package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/observability/metrics"
	"LLM-Orchestra/internal/orchestrator"
	"LLM-Orchestra/internal/session"
	"LLM-Orchestra/internal/task"
	"LLM-Orchestra/pkg/logger"
)

// Commander 是 API 依赖的编排能力。
type Commander interface {
	HandleCommand(ctx context.Context, text, sessionID string, opts orchestrator.Options) (*orchestrator.CommandOutcome, error)
	Undo(ctx context.Context, sessionID, actionID string, opts orchestrator.Options) (*orchestrator.CommandOutcome, error)
	History(ctx context.Context, sessionID string) ([]session.HistoryEntry, error)
	Actions(ctx context.Context, sessionID string) ([]session.ActionRecord, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr        string
	commander   Commander
	tasks       *task.Service
	syncTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// Option 调整 Server。
type Option func(*Server)

// WithTaskService 启用异步命令与任务查询。
func WithTaskService(svc *task.Service) Option {
	return func(s *Server) { s.tasks = svc }
}

// WithSyncTimeout 限制同步命令的处理时间。
func WithSyncTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.syncTimeout = d
		}
	}
}

// WithMetrics 记录请求指标并暴露 GET /metrics。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, commander Commander, opts ...Option) *Server {
	s := &Server{addr: addr, commander: commander, syncTimeout: time.Minute, logger: logger.Named("api")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回带路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, fn http.HandlerFunc) {
		if s.metrics == nil {
			mux.Handle(pattern, fn)
			return
		}
		mux.Handle(pattern, s.metrics.Middleware(pattern, fn))
	}
	route("POST /api/v1/commands", s.handleCommand)
	route("GET /api/v1/tasks", s.handleListTasks)
	route("GET /api/v1/tasks/{id}", s.handleTaskDetail)
	route("GET /api/v1/sessions/{id}/history", s.handleHistory)
	route("GET /api/v1/sessions/{id}/actions", s.handleActions)
	route("POST /api/v1/sessions/{id}/undo", s.handleUndo)
	route("DELETE /api/v1/sessions/{id}", s.handleDeleteSession)
	route("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// CommandRequest 是 POST /api/v1/commands 的请求体。
type CommandRequest struct {
	Command   string `json:"command"`
	SessionID string `json:"session_id,omitempty"`
	DryRun    bool   `json:"dry_run,omitempty"`
	Confirm   bool   `json:"confirm,omitempty"`
	Async     bool   `json:"async,omitempty"`
	// TaskID 仅在 async 时使用，用于幂等提交。
	TaskID string `json:"task_id,omitempty"`
}

// UndoRequest 是 POST /api/v1/sessions/{id}/undo 的请求体，可为空。
type UndoRequest struct {
	ActionID string `json:"action_id,omitempty"`
	DryRun   bool   `json:"dry_run,omitempty"`
	Confirm  bool   `json:"confirm,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "command 不能为空"))
		return
	}
	sessionID := sessionFrom(r, req.SessionID)

	if req.Async {
		if s.tasks == nil {
			writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "异步命令未启用"))
			return
		}
		submitted, err := s.tasks.Submit(r.Context(), task.Request{
			ID:        req.TaskID,
			SessionID: sessionID,
			Command:   req.Command,
			DryRun:    req.DryRun,
			Confirm:   req.Confirm,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, submitted)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.syncTimeout)
	defer cancel()
	outcome, err := s.commander.HandleCommand(ctx, req.Command, sessionID, orchestrator.Options{DryRun: req.DryRun, Confirm: req.Confirm})
	if err != nil {
		s.logger.Error("命令处理失败", slog.String("session_id", sessionID), slog.Any("error", err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}
	found, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	q := r.URL.Query()
	opts := []task.ListOption{task.WithQuery(q.Get("q"))}
	if raw := q.Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, task.WithLimit(limit))
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, task.WithOffset(offset))
		}
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, task.Status(strings.TrimSpace(part)))
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if sid := q.Get("session_id"); sid != "" {
		opts = append(opts, task.WithSession(sid))
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionFrom(r, r.PathValue("id"))
	history, err := s.commander.History(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if history == nil {
		history = []session.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "history": history})
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionFrom(r, r.PathValue("id"))
	actions, err := s.commander.Actions(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if actions == nil {
		actions = []session.ActionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "actions": actions})
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	var req UndoRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sessionID := sessionFrom(r, r.PathValue("id"))
	outcome, err := s.commander.Undo(r.Context(), sessionID, strings.TrimSpace(req.ActionID), orchestrator.Options{DryRun: req.DryRun, Confirm: req.Confirm})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionFrom(r, r.PathValue("id"))
	if err := s.commander.DeleteSession(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.tasks != nil {
		if stats, err := s.tasks.Stats(r.Context()); err == nil {
			body["tasks"] = stats
		} else {
			body["status"] = "degraded"
			body["error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// sessionFrom 依次使用显式会话 ID、Bearer 令牌与默认会话。
func sessionFrom(r *http.Request, explicit string) string {
	if id := strings.TrimSpace(explicit); id != "" {
		return id
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		if token := strings.TrimSpace(auth[7:]); token != "" {
			return token
		}
	}
	return orchestrator.DefaultSessionID
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
