//go:build cgo

package relstore

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/dolthub/driver"
	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config configures a Dolt-backed Store, mirroring
// internal/storage/dolt.Config's embedded-vs-server-mode split.
type Config struct {
	Path           string // embedded mode: directory path
	Database       string
	ServerMode     bool
	ServerHost     string
	ServerPort     int
	ServerUser     string
	ServerPassword string
	ServerTLS      bool
	ReadOnly       bool

	CommitterName  string
	CommitterEmail string
	Remote         string
	RemoteUser     string
	RemotePassword string
}

const defaultSQLPort = 3306

func applyConfigDefaults(cfg *Config) {
	if cfg.Database == "" {
		cfg.Database = "memo"
	}
	if cfg.CommitterName == "" {
		cfg.CommitterName = "memo"
	}
	if cfg.CommitterEmail == "" {
		cfg.CommitterEmail = "memo@local"
	}
	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}
	if cfg.ServerMode {
		if cfg.ServerHost == "" {
			cfg.ServerHost = "127.0.0.1"
		}
		if cfg.ServerPort == 0 {
			cfg.ServerPort = defaultSQLPort
		}
		if cfg.ServerUser == "" {
			cfg.ServerUser = "root"
		}
	}
}

// doltTracer is the OTel tracer for SQL-level spans.
var doltTracer = otel.Tracer("github.com/stratalog/memo/relstore")

// DoltStore implements Store over a Dolt database/sql connection, embedded
// (CGO, github.com/dolthub/driver) or server mode (pure-Go MySQL protocol
// via github.com/go-sql-driver/mysql).
type DoltStore struct {
	db         *sql.DB
	closed     atomic.Bool
	readOnly   bool
	serverMode bool
	branch     string
	remote     string
	remoteUser string
	remotePass string
}

// Open creates a new Dolt-backed Store per cfg.
func Open(ctx context.Context, cfg *Config) (*DoltStore, error) {
	if cfg.Path == "" && !cfg.ServerMode {
		return nil, fmt.Errorf("relstore: database path is required")
	}
	applyConfigDefaults(cfg)
	if cfg.ServerMode {
		return openServerMode(ctx, cfg)
	}
	return openEmbeddedMode(ctx, cfg)
}

func openEmbeddedMode(ctx context.Context, cfg *Config) (*DoltStore, error) {
	db, err := sql.Open("dolt", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("relstore: open embedded dolt: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("relstore: ping embedded dolt: %w", err)
	}
	store := &DoltStore{
		db:         db,
		readOnly:   cfg.ReadOnly,
		branch:     "main",
		remote:     cfg.Remote,
		remoteUser: cfg.RemoteUser,
		remotePass: cfg.RemotePassword,
	}
	return store, nil
}

func openServerMode(ctx context.Context, cfg *Config) (*DoltStore, error) {
	addr := net.JoinHostPort(cfg.ServerHost, fmt.Sprintf("%d", cfg.ServerPort))
	conn, dialErr := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if dialErr != nil {
		return nil, fmt.Errorf("relstore: dolt server unreachable at %s: %w", addr, dialErr)
	}
	_ = conn.Close()

	dsn := buildServerDSN(cfg)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("relstore: open dolt server connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("relstore: ping dolt server: %w", err)
	}

	store := &DoltStore{
		db:         db,
		readOnly:   cfg.ReadOnly,
		serverMode: true,
		branch:     "main",
		remote:     cfg.Remote,
		remoteUser: cfg.RemoteUser,
		remotePass: cfg.RemotePassword,
	}
	return store, nil
}

func buildServerDSN(cfg *Config) string {
	userPart := cfg.ServerUser
	if cfg.ServerPassword != "" {
		userPart = fmt.Sprintf("%s:%s", cfg.ServerUser, cfg.ServerPassword)
	}
	params := "parseTime=true"
	if cfg.ServerTLS {
		params += "&tls=true"
	}
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?%s", userPart, cfg.ServerHost, cfg.ServerPort, cfg.Database, params)
}

func (s *DoltStore) spanAttrs() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool("db.readonly", s.readOnly),
		attribute.Bool("db.server_mode", s.serverMode),
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func spanSQL(q string) string {
	if len(q) > 300 {
		return q[:300] + "…"
	}
	return q
}

// Close releases the underlying connection pool.
func (s *DoltStore) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		return s.db.Close()
	}
	return nil
}

// Begin starts a transaction-scoped connection.
func (s *DoltStore) Begin(ctx context.Context) (*Conn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("relstore: begin: %w", err)
	}
	return &Conn{tx: tx, db: s.db}, nil
}

func (s *DoltStore) connOrAcquire(ctx context.Context, conn *Conn) (*Conn, bool, error) {
	if conn != nil {
		return conn, false, nil
	}
	c, err := s.Begin(ctx)
	return c, true, err
}

func (s *DoltStore) releaseIfOwned(conn *Conn, owned bool, err error) error {
	if !owned {
		return err
	}
	if err != nil {
		_ = conn.Rollback()
		return err
	}
	return conn.Commit()
}

// Execute runs query and returns raw rows.
func (s *DoltStore) Execute(ctx context.Context, conn *Conn, query string, args ...any) (df DataFrame, retErr error) {
	ctx, span := doltTracer.Start(ctx, "relstore.execute", trace.WithAttributes(append(s.spanAttrs(),
		attribute.String("db.statement", spanSQL(query)))...))
	defer func() { endSpan(span, retErr) }()

	c, owned, err := s.connOrAcquire(ctx, conn)
	if err != nil {
		return DataFrame{}, err
	}
	defer func() { retErr = s.releaseIfOwned(c, owned, retErr) }()

	df, err = s.queryWithRetry(ctx, c, query, args...)
	if err != nil {
		retErr = err
		return DataFrame{}, retErr
	}
	return df, nil
}

// ExecuteDF is Execute shaped as a DataFrame (identical representation;
// kept as a distinct method to mirror spec.md's execute/execute_df split).
func (s *DoltStore) ExecuteDF(ctx context.Context, conn *Conn, query string, args ...any) (DataFrame, error) {
	return s.Execute(ctx, conn, query, args...)
}

func (s *DoltStore) queryWithRetry(ctx context.Context, c *Conn, query string, args ...any) (DataFrame, error) {
	var df DataFrame
	err := s.withRetry(ctx, func() error {
		rows, qErr := c.querier().QueryContext(ctx, query, args...)
		if qErr != nil {
			return qErr
		}
		defer rows.Close()
		cols, cErr := rows.Columns()
		if cErr != nil {
			return cErr
		}
		df = DataFrame{Columns: cols}
		for rows.Next() {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if sErr := rows.Scan(ptrs...); sErr != nil {
				return sErr
			}
			row := make(Row, len(cols))
			for i, col := range cols {
				row[col] = vals[i]
			}
			df.Rows = append(df.Rows, row)
		}
		return rows.Err()
	})
	return df, err
}

// Upsert writes rows into table using Dolt's ON DUPLICATE KEY UPDATE idiom
// (internal/storage/dolt/spec_registry.go), batching writes into one
// transaction per call since Dolt commits are expensive (teacher:
// BatchSetExportHashes).
func (s *DoltStore) Upsert(ctx context.Context, conn *Conn, table string, rows []Row) (retErr error) {
	if len(rows) == 0 {
		return nil
	}
	ctx, span := doltTracer.Start(ctx, "relstore.upsert", trace.WithAttributes(append(s.spanAttrs(),
		attribute.String("db.table", table))...))
	defer func() { endSpan(span, retErr) }()

	c, owned, err := s.connOrAcquire(ctx, conn)
	if err != nil {
		return err
	}
	defer func() { retErr = s.releaseIfOwned(c, owned, retErr) }()

	cols := rowColumns(rows[0])
	query, err := buildUpsertQuery(table, cols)
	if err != nil {
		retErr = err
		return retErr
	}

	for _, row := range rows {
		args := make([]any, len(cols))
		for i, col := range cols {
			args[i] = row[col]
		}
		if execErr := s.withRetry(ctx, func() error {
			_, e := c.execer().ExecContext(ctx, query, args...)
			return e
		}); execErr != nil {
			retErr = fmt.Errorf("relstore: upsert %s: %w", table, execErr)
			return retErr
		}
	}
	return nil
}

func rowColumns(r Row) []string {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	return cols
}

func buildUpsertQuery(table string, cols []string) (string, error) {
	if len(cols) == 0 {
		return "", fmt.Errorf("relstore: upsert requires at least one column")
	}
	placeholders := make([]string, len(cols))
	updates := make([]string, 0, len(cols))
	for i, col := range cols {
		placeholders[i] = "?"
		updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", col, col))
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		QuoteIdent(table), strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "),
	), nil
}

// GetData returns every row of table.
func (s *DoltStore) GetData(ctx context.Context, conn *Conn, table string) (DataFrame, error) {
	return s.Execute(ctx, conn, fmt.Sprintf("SELECT * FROM %s", QuoteIdent(table)))
}

// RunInTransaction executes fn inside one transaction, retrying on
// serialization conflicts with exponential backoff (teacher:
// internal/storage/dolt/transaction.go's RunInTransaction).
func (s *DoltStore) RunInTransaction(ctx context.Context, fn func(conn *Conn) error) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	return backoff.Retry(func() error {
		conn, err := s.Begin(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := fn(conn); err != nil {
			_ = conn.Rollback()
			if !isSerializationError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := conn.Commit(); err != nil {
			if !isSerializationError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, policy)
}

// withRetry retries transient server-mode errors (connection blips), not
// serialization conflicts, mirroring the teacher's execContext/queryContext
// wrapping.
func (s *DoltStore) withRetry(ctx context.Context, fn func() error) error {
	if !s.serverMode {
		return fn()
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil || !isTransientError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func isSerializationError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "1213") || strings.Contains(msg, "1105") || strings.Contains(msg, "serialization")
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "eof")
}

// Push pushes the current branch to remote.
func (s *DoltStore) Push(ctx context.Context) (retErr error) {
	ctx, span := doltTracer.Start(ctx, "relstore.push", trace.WithAttributes(append(s.spanAttrs(),
		attribute.String("dolt.remote", s.remote), attribute.String("dolt.branch", s.branch))...))
	defer func() { endSpan(span, retErr) }()
	_, err := s.db.ExecContext(ctx, "CALL DOLT_PUSH(?, ?)", s.remote, s.branch)
	if err != nil {
		retErr = fmt.Errorf("relstore: push %s/%s: %w", s.remote, s.branch, err)
		return retErr
	}
	return nil
}

// Pull pulls the current branch from remote.
func (s *DoltStore) Pull(ctx context.Context) (retErr error) {
	ctx, span := doltTracer.Start(ctx, "relstore.pull", trace.WithAttributes(append(s.spanAttrs(),
		attribute.String("dolt.remote", s.remote), attribute.String("dolt.branch", s.branch))...))
	defer func() { endSpan(span, retErr) }()
	_, err := s.db.ExecContext(ctx, "CALL DOLT_PULL(?, ?)", s.remote, s.branch)
	if err != nil {
		retErr = fmt.Errorf("relstore: pull %s/%s: %w", s.remote, s.branch, err)
		return retErr
	}
	return nil
}

// Commit records a Dolt version-control commit of the working set (distinct
// from a SQL transaction commit), so event-log sync has a stable point to
// push/pull against.
func (s *DoltStore) Commit(ctx context.Context, message string) (retErr error) {
	ctx, span := doltTracer.Start(ctx, "relstore.commit", trace.WithAttributes(s.spanAttrs()...))
	defer func() { endSpan(span, retErr) }()
	const author = "memo <memo@local>"
	if _, err := s.db.ExecContext(ctx, "CALL DOLT_COMMIT('-Am', ?, '--author', ?)", message, author); err != nil {
		retErr = fmt.Errorf("relstore: commit: %w", err)
		return retErr
	}
	return nil
}
