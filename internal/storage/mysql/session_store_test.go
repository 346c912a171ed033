package mysql

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/session"
)

const upsertSessionSQL = `INSERT INTO sessions (id, snapshot, created_at, updated_at) VALUES (?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE snapshot = VALUES(snapshot), updated_at = VALUES(updated_at)`

func TestSessionStoreRoundTrip(t *testing.T) {
	t.Parallel()

	sc := session.New("s-1")
	sc.Record(session.HistoryEntry{Command: "list my files", Status: "succeeded"}, nil)
	sc.DryRun = true

	var stored string
	put := execOp(upsertSessionSQL, mockResult{rowsAffected: 1})
	put.args = func(args []driver.NamedValue) error {
		if len(args) != 4 || args[0].Value != "s-1" {
			return fmt.Errorf("unexpected args %+v", args)
		}
		stored, _ = args[1].Value.(string)
		if args[3].Value != int64(1700000000) {
			return fmt.Errorf("unexpected updated_at %v", args[3].Value)
		}
		return nil
	}

	db, drv := newMockDB(t, []mockOperation{put})
	defer db.Close()
	store := NewSessionStoreWithDB(db)
	store.now = func() time.Time { return time.Unix(1700000000, 0) }

	if err := store.Put(context.Background(), sc); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	drv.assertConsumed(t)

	var snap map[string]any
	if err := json.Unmarshal([]byte(stored), &snap); err != nil {
		t.Fatalf("snapshot is not json: %v", err)
	}
	if snap["id"] != "s-1" {
		t.Fatalf("unexpected snapshot: %s", stored)
	}

	db2, drv2 := newMockDB(t, []mockOperation{
		queryOp(`SELECT snapshot FROM sessions WHERE id = ?`, mockRowsData{
			columns: []string{"snapshot"},
			values:  [][]driver.Value{{stored}},
		}),
	})
	defer db2.Close()
	loaded, err := NewSessionStoreWithDB(db2).Get(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	drv2.assertConsumed(t)
	if loaded.ID != "s-1" || !loaded.DryRun {
		t.Fatalf("unexpected session: id=%s dry=%v", loaded.ID, loaded.DryRun)
	}
	if h := loaded.History(); len(h) != 1 || h[0].Command != "list my files" {
		t.Fatalf("unexpected history: %+v", h)
	}
}

func TestSessionStoreGetMissing(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT snapshot FROM sessions WHERE id = ?`, mockRowsData{columns: []string{"snapshot"}}),
	})
	defer db.Close()

	_, err := NewSessionStoreWithDB(db).Get(context.Background(), "nobody")
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	drv.assertConsumed(t)
}

func TestSessionStoreFailuresAreStorageErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	db, drv := newMockDB(t, []mockOperation{
		failingOp(opQuery, `SELECT snapshot FROM sessions WHERE id = ?`, boom),
		failingOp(opExec, `DELETE FROM sessions WHERE id = ?`, boom),
	})
	defer db.Close()
	store := NewSessionStoreWithDB(db)

	if _, err := store.Get(context.Background(), "s"); xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
	if err := store.Delete(context.Background(), "s"); xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
	drv.assertConsumed(t)
}

func TestSessionStoreRejectsAnonymousSession(t *testing.T) {
	store := NewSessionStoreWithDB(nil)
	if err := store.Put(context.Background(), &session.Context{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
