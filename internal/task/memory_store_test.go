package task

import (
	"context"
	"testing"
	"time"

	"LLM-Orchestra/internal/orchestrator"
)

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)
	tasks := []*Task{
		{ID: "t1", SessionID: "alice", Command: "list my files", Status: StatusQueued, MaxRetries: 3},
		{ID: "t2", SessionID: "alice", Command: "share it with bob@x.com", Status: StatusQueued, MaxRetries: 3},
		{ID: "t3", SessionID: "bob", Command: "show unread emails", Status: StatusQueued, MaxRetries: 3},
	}
	for _, task := range tasks {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
	}

	if err := store.MarkFailed(ctx, "t2", Failure{Code: CodeTaskProcessing, Message: "boom", Terminal: true}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "t3", &orchestrator.CommandOutcome{Status: orchestrator.StatusSucceeded}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.tasks["t1"].UpdatedAt = base.Unix()
	store.tasks["t2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["t3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "t3" {
		t.Fatalf("expected newest task first, got %+v", all)
	}

	asc, _ := store.List(ctx, buildListOptions([]ListOption{WithSortOrder(SortByUpdatedAsc), WithLimit(1)}))
	if len(asc) != 1 || asc[0].ID != "t1" {
		t.Fatalf("unexpected ascending page: %+v", asc)
	}

	failed, _ := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if len(failed) != 1 || failed[0].ID != "t2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	withOutcome, _ := store.List(ctx, buildListOptions([]ListOption{WithOutcomePresence(true)}))
	if len(withOutcome) != 1 || withOutcome[0].ID != "t3" {
		t.Fatalf("unexpected outcome list: %+v", withOutcome)
	}

	alice, _ := store.List(ctx, buildListOptions([]ListOption{WithSession("alice")}))
	if len(alice) != 2 {
		t.Fatalf("expected 2 tasks for alice, got %d", len(alice))
	}

	shared, _ := store.List(ctx, buildListOptions([]ListOption{WithQuery("SHARE")}))
	if len(shared) != 1 || shared[0].ID != "t2" {
		t.Fatalf("unexpected query result: %+v", shared)
	}

	recent, _ := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(base.Add(15 * time.Second))}))
	if len(recent) != 2 {
		t.Fatalf("expected 2 tasks to match since filter, got %d", len(recent))
	}

	beyond, _ := store.List(ctx, buildListOptions([]ListOption{WithOffset(10)}))
	if len(beyond) != 0 {
		t.Fatalf("expected empty page, got %d", len(beyond))
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, &Task{ID: "c1", Command: "x", Status: StatusQueued, MaxRetries: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Task{ID: "c1", Command: "x"}); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}

	claimed, err := store.Claim(ctx, "c1")
	if err != nil || claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claim: %+v %v", claimed, err)
	}
	if _, err := store.Claim(ctx, "c1"); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("expected conflict while running, got %v", err)
	}

	if err := store.MarkFailed(ctx, "c1", Failure{Code: CodeTaskProcessing, Message: "flaky"}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ := store.Get(ctx, "c1")
	if got.Status != StatusQueued || got.LastError != "flaky" {
		t.Fatalf("non-terminal failure should requeue: %+v", got)
	}
	if _, err := store.Claim(ctx, "c1"); !IsTaskError(err, CodeTaskExhausted) {
		t.Fatalf("expected exhausted after max retries, got %v", err)
	}
	if _, err := store.Claim(ctx, "missing"); !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Task{ID: "k", Command: "x", Status: StatusQueued, MaxRetries: 1})
	_ = store.MarkSucceeded(ctx, "k", &orchestrator.CommandOutcome{Status: orchestrator.StatusSucceeded, Warnings: []string{"w"}})

	first, _ := store.Get(ctx, "k")
	first.Outcome.Warnings[0] = "mutated"
	first.Status = StatusFailed

	second, _ := store.Get(ctx, "k")
	if second.Status != StatusSucceeded || second.Outcome.Warnings[0] != "w" {
		t.Fatalf("store leaked internal state: %+v", second.Outcome)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-3 * time.Minute)
	for _, id := range []string{"a", "b", "c"} {
		if err := store.Create(ctx, &Task{ID: id, Command: "cmd " + id, Status: StatusQueued, MaxRetries: 3}); err != nil {
			t.Fatalf("create task %s: %v", id, err)
		}
	}
	_ = store.MarkFailed(ctx, "b", Failure{Code: CodeTaskProcessing, Message: "boom", Terminal: true})
	_ = store.MarkSucceeded(ctx, "c", &orchestrator.CommandOutcome{Status: orchestrator.StatusSucceeded})

	store.mu.Lock()
	store.tasks["a"].UpdatedAt = base.Unix()
	store.tasks["b"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["c"].UpdatedAt = base.Add(2 * time.Minute).Unix()
	store.mu.Unlock()

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Queued != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.NewestUpdatedAt != base.Add(2*time.Minute).Unix() || stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected time range: %+v", stats)
	}

	withoutOutcome, _ := store.Stats(ctx, buildListOptions([]ListOption{WithOutcomePresence(false)}))
	if withoutOutcome.Total != 2 || withoutOutcome.Queued != 1 || withoutOutcome.Failed != 1 {
		t.Fatalf("unexpected stats without outcome: %+v", withoutOutcome)
	}

	empty, _ := store.Stats(ctx, buildListOptions([]ListOption{WithSession("nobody")}))
	if empty != (TaskStats{}) {
		t.Fatalf("expected zero stats, got %+v", empty)
	}
}
