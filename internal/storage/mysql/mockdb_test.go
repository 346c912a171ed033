package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
)

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
	args   func([]driver.NamedValue) error
}

type mockResult struct {
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return 0, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

// scriptedDriver 按顺序回放预期的 SQL 操作。
type scriptedDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *scriptedDriver) {
	t.Helper()

	drv := &scriptedDriver{ops: ops}
	name := fmt.Sprintf("orchestra-mock-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func failingOp(typ operationType, query string, err error) mockOperation {
	return mockOperation{typ: typ, query: query, err: err}
}

func beginOp() mockOperation    { return mockOperation{typ: opBegin} }
func commitOp() mockOperation   { return mockOperation{typ: opCommit} }
func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *scriptedDriver) assertConsumed(t *testing.T) {
	t.Helper()
	if got := int(atomic.LoadInt32(&d.idx)); got != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", got, len(d.ops))
	}
}

func (d *scriptedDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

func (d *scriptedDriver) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.typ, expected)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" {
		want, got := normalizeSQL(op.query), normalizeSQL(query)
		if want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
		}
	}
	return op, nil
}

type mockConn struct {
	driver *scriptedDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	if op.args != nil {
		if err := op.args(args); err != nil {
			return nil, err
		}
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	if op.args != nil {
		if err := op.args(args); err != nil {
			return nil, err
		}
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(context.Context) error { return nil }

type mockTx struct {
	driver *scriptedDriver
}

func (t *mockTx) Commit() error {
	op, err := t.driver.next(opCommit, "")
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.driver.next(opRollback, "")
	if err != nil {
		return err
	}
	return op.err
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
