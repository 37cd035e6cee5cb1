// Package relstore implements memo's transactional relational backend: a
// typed-column tabular store over Dolt (github.com/dolthub/driver embedded,
// github.com/go-sql-driver/mysql in server mode), grounded on
// internal/storage/dolt/store.go's connection lifecycle and OTel
// instrumentation. Dolt's content-addressed, ACID, version-controlled
// storage is a deliberate match for a content-addressed memoization store:
// spec.md §5 assumes "DuckDB-class" ACID semantics, and Dolt's native
// Push/Pull/branch primitives give the remote-sync component (H) a real
// transport instead of a bespoke wire protocol.
package relstore

import (
	"context"
	"database/sql"
	"strings"

	"github.com/apache/arrow/go/arrow"
)

// ArrowTable wraps an Arrow record produced by ExecuteArrow, giving callers
// a real columnar memory layout instead of the row-major DataFrame. Defined without a build tag since the Arrow Go
// library itself is pure Go; only the Dolt driver that populates it
// requires CGO.
type ArrowTable struct {
	Schema *arrow.Schema
	Record arrow.Record
}

// Release frees the underlying Arrow buffers. Callers must call this once
// done with the table.
func (t ArrowTable) Release() {
	if t.Record != nil {
		t.Record.Release()
	}
}

// QuoteIdent backtick-quotes a SQL identifier, escaping any embedded
// backtick. memo's per-function memo tables are named by versioned UI name
// (e.g. "add_one@1"), which is not a valid bare identifier in Dolt/MySQL,
// so every table reference — DDL, DML, and queries alike — goes through
// this helper.
func QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// Row is a single relational row keyed by column name.
type Row map[string]any

// DataFrame is a minimal columnar result set: ordered column names plus
// row-major data. No dataframe library exists in the teacher's dependency
// graph (DESIGN.md), so this plain struct is the lightweight columnar
// carrier used by ExecuteDF; ExecuteArrow produces a real Arrow table for
// callers that need genuine columnar memory layout.
type DataFrame struct {
	Columns []string
	Rows    []Row
}

// Column extracts a single column's values in row order.
func (df DataFrame) Column(name string) []any {
	out := make([]any, len(df.Rows))
	for i, row := range df.Rows {
		out[i] = row[name]
	}
	return out
}

// Conn is a handle to a single transactional connection, returned by
// Store.Begin and accepted by the typed helpers below. Passing a nil Conn
// to any Store method means "acquire one implicitly for this call and
// release it on every exit path" (spec.md §4.E).
type Conn struct {
	tx *sql.Tx
	db *sql.DB
}

func (c *Conn) execer() execer {
	if c.tx != nil {
		return c.tx
	}
	return c.db
}

func (c *Conn) querier() querier {
	if c.tx != nil {
		return c.tx
	}
	return c.db
}

// Commit commits the underlying transaction, if any; a no-op for a
// connection that was never inside an explicit transaction.
func (c *Conn) Commit() error {
	if c.tx == nil {
		return nil
	}
	return c.tx.Commit()
}

// Rollback rolls back the underlying transaction, if any.
func (c *Conn) Rollback() error {
	if c.tx == nil {
		return nil
	}
	return c.tx.Rollback()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the transactional relational backend. All methods accept an
// optional *Conn; nil means acquire-and-release.
type Store interface {
	// Begin starts a new transaction-scoped connection.
	Begin(ctx context.Context) (*Conn, error)

	// Execute runs query and returns raw rows (as DataFrame.Rows) under the
	// given (optional) connection.
	Execute(ctx context.Context, conn *Conn, query string, args ...any) (DataFrame, error)

	// ExecuteDF is Execute with the result shaped into a DataFrame, column
	// order preserved from the query's SELECT list.
	ExecuteDF(ctx context.Context, conn *Conn, query string, args ...any) (DataFrame, error)

	// ExecuteArrow runs query and returns an Arrow-encoded column batch.
	ExecuteArrow(ctx context.Context, conn *Conn, query string, args ...any) (ArrowTable, error)

	// Upsert writes rows into table, keyed by that table's primary key,
	// idempotently overwriting any existing row with the same key.
	Upsert(ctx context.Context, conn *Conn, table string, rows []Row) error

	// GetData returns every row of table.
	GetData(ctx context.Context, conn *Conn, table string) (DataFrame, error)

	// RunInTransaction executes fn inside a single transaction, retrying on
	// serialization conflicts with exponential backoff, and rolling back on
	// any other error.
	RunInTransaction(ctx context.Context, fn func(conn *Conn) error) error

	Close() error
}
