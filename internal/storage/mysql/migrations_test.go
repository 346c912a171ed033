package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
)

const createMigrationsSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`

func TestMigrateAppliesPendingFilesInOrder(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) < 2 || files[0].version != "0001" || files[1].version != "0002" {
		t.Fatalf("unexpected migration order: %+v", files)
	}

	ops := []mockOperation{
		execOp(createMigrationsSQL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
	}
	for _, f := range files {
		ops = append(ops, beginOp())
		for _, stmt := range f.statements {
			ops = append(ops, execOp(stmt, mockResult{}))
		}
		ops = append(ops,
			execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
			commitOp(),
		)
	}

	db, drv := newMockDB(t, ops)
	defer db.Close()
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	drv.assertConsumed(t)
}

func TestMigrateSkipsAppliedVersions(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	rows := mockRowsData{columns: []string{"version"}}
	for _, f := range files {
		rows.values = append(rows.values, []driver.Value{f.version})
	}

	db, drv := newMockDB(t, []mockOperation{
		execOp(createMigrationsSQL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, rows),
	})
	defer db.Close()
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	drv.assertConsumed(t)
}

func TestMigrateRollsBackFailedStatement(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	boom := errors.New("syntax error")

	db, drv := newMockDB(t, []mockOperation{
		execOp(createMigrationsSQL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		failingOp(opExec, files[0].statements[0], boom),
		rollbackOp(),
	})
	defer db.Close()
	if err := Migrate(context.Background(), db); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped statement error, got %v", err)
	}
	drv.assertConsumed(t)
}

func TestMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_create_sessions.sql": "0001",
		"0003.sql":                 "0003",
		"plain":                    "plain",
	}
	for name, want := range cases {
		if got := migrationVersion(name); got != want {
			t.Fatalf("migrationVersion(%q) = %q, want %q", name, got, want)
		}
	}
}
