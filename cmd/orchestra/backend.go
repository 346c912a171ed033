package main

import (
	"context"
	"encoding/json"
	"fmt"

	"LLM-Orchestra/internal/bootstrap"
	"LLM-Orchestra/internal/orchestrator"
	"LLM-Orchestra/sdk/go/orchestra"
)

// backend 屏蔽进程内编排器与远端 API 的差异，结果统一使用 SDK 类型。
type backend interface {
	Run(ctx context.Context, text string, e execOptions) (orchestra.Outcome, error)
	Undo(ctx context.Context, actionID string, e execOptions) (orchestra.Outcome, error)
	History(ctx context.Context) ([]orchestra.HistoryEntry, error)
	Actions(ctx context.Context) ([]orchestra.Action, error)
	Clear(ctx context.Context) error
	Close() error
}

type localBackend struct {
	app     *bootstrap.App
	session string
}

func (b *localBackend) Run(ctx context.Context, text string, e execOptions) (orchestra.Outcome, error) {
	out, err := b.app.Orchestrator.HandleCommand(ctx, text, b.session, orchestrator.Options{DryRun: e.dryRun, Confirm: e.confirm})
	return outcomeOf(out, err)
}

func (b *localBackend) Undo(ctx context.Context, actionID string, e execOptions) (orchestra.Outcome, error) {
	out, err := b.app.Orchestrator.Undo(ctx, b.session, actionID, orchestrator.Options{DryRun: e.dryRun, Confirm: e.confirm})
	return outcomeOf(out, err)
}

func (b *localBackend) History(ctx context.Context) ([]orchestra.HistoryEntry, error) {
	history, err := b.app.Orchestrator.History(ctx, b.session)
	if err != nil {
		return nil, err
	}
	var converted []orchestra.HistoryEntry
	if err := convert(history, &converted); err != nil {
		return nil, err
	}
	return converted, nil
}

func (b *localBackend) Actions(ctx context.Context) ([]orchestra.Action, error) {
	actions, err := b.app.Orchestrator.Actions(ctx, b.session)
	if err != nil {
		return nil, err
	}
	var converted []orchestra.Action
	if err := convert(actions, &converted); err != nil {
		return nil, err
	}
	return converted, nil
}

func (b *localBackend) Clear(ctx context.Context) error {
	return b.app.Orchestrator.DeleteSession(ctx, b.session)
}

func (b *localBackend) Close() error { return b.app.Close() }

// outcomeOf 转换编排结果。保存会话失败时结果与错误同时返回。
func outcomeOf(out *orchestrator.CommandOutcome, err error) (orchestra.Outcome, error) {
	if out == nil {
		return orchestra.Outcome{}, err
	}
	var converted orchestra.Outcome
	if convErr := convert(out, &converted); convErr != nil {
		return orchestra.Outcome{}, convErr
	}
	return converted, err
}

func convert(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return json.Unmarshal(data, out)
}

type remoteBackend struct {
	client  *orchestra.Client
	session string
}

func (b *remoteBackend) Run(ctx context.Context, text string, e execOptions) (orchestra.Outcome, error) {
	return b.client.Run(ctx, orchestra.CommandRequest{Command: text, SessionID: b.session, DryRun: e.dryRun, Confirm: e.confirm})
}

func (b *remoteBackend) Undo(ctx context.Context, actionID string, e execOptions) (orchestra.Outcome, error) {
	return b.client.Undo(ctx, b.session, orchestra.UndoRequest{ActionID: actionID, DryRun: e.dryRun, Confirm: e.confirm})
}

func (b *remoteBackend) History(ctx context.Context) ([]orchestra.HistoryEntry, error) {
	return b.client.History(ctx, b.session)
}

func (b *remoteBackend) Actions(ctx context.Context) ([]orchestra.Action, error) {
	return b.client.Actions(ctx, b.session)
}

func (b *remoteBackend) Clear(ctx context.Context) error {
	return b.client.DeleteSession(ctx, b.session)
}

func (b *remoteBackend) Close() error { return nil }
