package sqlengine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/npiesco/absurder/internal/absurderr"
)

const op = "sqlengine"

// Result is the shape execute/executeWithParams returns, matching
// spec.md §4.10's facade return value.
type Result struct {
	Columns      []string
	Rows         [][]ColumnValue
	RowsAffected int64
	LastInsertID int64
}

// Engine owns a single *sql.DB opened against the absurder VFS, serializing
// every statement through a size-1 semaphore so only one is ever
// outstanding at a time (spec.md §4.7 "No recursive entry").
type Engine struct {
	db   *sql.DB
	slot chan struct{}
}

// Open opens dbName under vfs=absurder with WAL journaling and a fixed
// 4096-byte page size, as spec.md §3/§6 require.
func Open(dbName string) (*Engine, error) {
	dsn := fmt.Sprintf("file:%s?vfs=absurder&_pragma=journal_mode(wal)&_pragma=page_size(4096)", dbName)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, absurderr.New(op, absurderr.CodeInternal, err)
	}
	db.SetMaxOpenConns(1)
	e := &Engine{db: db, slot: make(chan struct{}, 1)}
	e.slot <- struct{}{}
	return e, nil
}

func (e *Engine) Close() error {
	return e.db.Close()
}

// acquire implements the single-outstanding-statement serializer: a
// re-entrant Execute while one is already running returns Busy instead of
// blocking, per spec.md §4.5.
func (e *Engine) acquire() (func(), error) {
	select {
	case <-e.slot:
		return func() { e.slot <- struct{}{} }, nil
	default:
		return nil, absurderr.New(op, absurderr.CodeBusy, nil)
	}
}

// IsWrite classifies sql by its leading keyword after normalising
// whitespace and case, exactly as spec.md §4.5 specifies: anything other
// than SELECT, EXPLAIN, a read-only PRAGMA, or "WITH ... SELECT" is a
// write.
func IsWrite(query string) bool {
	kw := leadingKeyword(query)
	switch kw {
	case "SELECT", "EXPLAIN":
		return false
	case "PRAGMA":
		return !isWritePragma(query)
	case "WITH":
		// The statement after the CTE list is the first statement keyword
		// outside any parentheses.
		spaced := strings.NewReplacer("(", " ( ", ")", " ) ").Replace(strings.ToUpper(query))
		depth := 0
		for _, tok := range strings.Fields(spaced) {
			switch tok {
			case "(":
				depth++
			case ")":
				depth--
			case "SELECT", "INSERT", "UPDATE", "DELETE", "REPLACE":
				if depth == 0 {
					return tok != "SELECT"
				}
			}
		}
		return true
	default:
		return true
	}
}

func leadingKeyword(query string) string {
	trimmed := strings.TrimSpace(query)
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

// isWritePragma treats a PRAGMA as mutating only when it is an assignment
// (contains "="); every other form, including argument forms like
// "PRAGMA table_info(x)", is read-only.
func isWritePragma(query string) bool {
	return strings.Contains(query, "=")
}

// Execute runs sql with the given bound params and returns the result set
// (for reads) or affected-row/last-insert-id counters (for writes).
func (e *Engine) Execute(ctx context.Context, query string, params []ColumnValue) (Result, error) {
	release, err := e.acquire()
	if err != nil {
		return Result{}, err
	}
	defer release()

	args := make([]any, len(params))
	for i, p := range params {
		v, err := bindArg(p)
		if err != nil {
			return Result{}, absurderr.New(op, absurderr.CodeInvalidArgument, err)
		}
		args[i] = v
	}

	if IsWrite(query) {
		res, err := e.db.ExecContext(ctx, query, args...)
		if err != nil {
			return Result{}, classifyExecErr(err)
		}
		affected, _ := res.RowsAffected()
		lastID, _ := res.LastInsertId()
		return Result{RowsAffected: affected, LastInsertID: lastID}, nil
	}

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Result{}, classifyExecErr(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Result{}, absurderr.New(op, absurderr.CodeInternal, err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return Result{}, absurderr.New(op, absurderr.CodeInternal, err)
	}
	declTypes := make([]string, len(types))
	for i, t := range types {
		declTypes[i] = t.DatabaseTypeName()
	}

	scanDest := make([]any, len(cols))
	scanVals := make([]any, len(cols))
	for i := range scanDest {
		scanDest[i] = &scanVals[i]
	}

	var out [][]ColumnValue
	for rows.Next() {
		if err := rows.Scan(scanDest...); err != nil {
			return Result{}, absurderr.New(op, absurderr.CodeInternal, err)
		}
		row := make([]ColumnValue, len(cols))
		for i, v := range scanVals {
			row[i] = fromDriverValue(v, declTypes[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return Result{}, classifyExecErr(err)
	}

	return Result{Columns: cols, Rows: out}, nil
}

// Checkpoint runs a WAL checkpoint and ensures prior writes are durable,
// backing the facade's sync() (spec.md §4.10).
func (e *Engine) Checkpoint(ctx context.Context) error {
	release, err := e.acquire()
	if err != nil {
		return err
	}
	defer release()
	_, err = e.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return classifyExecErr(err)
	}
	return nil
}

func classifyExecErr(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such"):
		return absurderr.New(op, absurderr.CodeNotFound, err)
	case strings.Contains(msg, "syntax error"):
		return absurderr.New(op, absurderr.CodeInvalidArgument, err)
	case strings.Contains(msg, "busy") || strings.Contains(msg, "locked"):
		return absurderr.New(op, absurderr.CodeBusy, err)
	case strings.Contains(msg, "malformed") || strings.Contains(msg, "corrupt"):
		return absurderr.New(op, absurderr.CodeCorrupt, err)
	default:
		return absurderr.New(op, absurderr.CodeInternal, err)
	}
}
