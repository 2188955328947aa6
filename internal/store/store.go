package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/xkilldash9x/riskgraph/api/schemas"
	"github.com/xkilldash9x/riskgraph/internal/config"
	"github.com/xkilldash9x/riskgraph/internal/observability"
)

var (
	// ErrNotFound is returned when a lookup by id or key matches nothing.
	ErrNotFound = errors.New("not found")
	// ErrIntegrity is returned when a write references a record that does not
	// exist or lives in another experiment. The store is left unchanged.
	ErrIntegrity = errors.New("integrity violation")
	// ErrParse is returned when a value does not match its declared type.
	ErrParse = errors.New("parse failure")
	// ErrLockTimeout is returned when the single-writer lock could not be
	// acquired before the configured write timeout elapsed.
	ErrLockTimeout = errors.New("timed out waiting for the store lock")
	// ErrInvalid is returned for writes missing required fields.
	ErrInvalid = errors.New("invalid record")
)

// Store is the SQLite implementation of schemas.Store. A Store owns exactly
// one connection; every read and write holds the single slot in sem, which
// makes the Store the single writer of its file within the process. Other
// processes are serialized by SQLite's reserved lock and busy timeout.
type Store struct {
	conn         *sqlite.Conn
	sem          chan struct{}
	writeTimeout time.Duration
	log          *zap.Logger
	metrics      *observability.Metrics
	now          func() time.Time
}

var _ schemas.Store = (*Store)(nil)

// Option customizes a Store.
type Option func(*Store)

// WithMetrics reports writes and integrity rejections to m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the store file at cfg.Path and brings its
// schema up to date. Opening an existing file never drops data.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger, opts ...Option) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	conn, err := sqlite.OpenConn(cfg.Path, sqlite.OpenCreate, sqlite.OpenReadWrite, sqlite.OpenWAL)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %q: %w", cfg.Path, err)
	}

	if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = ON", nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA synchronous = NORMAL", nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	conn.SetBusyTimeout(cfg.BusyTimeout)

	s := &Store{
		conn:         conn,
		sem:          make(chan struct{}, 1),
		writeTimeout: cfg.WriteTimeout,
		log:          logger.Named("store"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	s.log.Debug("Store opened.", zap.String("path", cfg.Path))
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

// acquire takes the single connection slot. It waits for ctx and, when a
// write timeout is configured, for at most that long.
func (s *Store) acquire(ctx context.Context) (func(), error) {
	var timeout <-chan time.Time
	if s.writeTimeout > 0 {
		timer := time.NewTimer(s.writeTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, ErrLockTimeout
	}

	s.conn.SetInterrupt(ctx.Done())
	return func() {
		s.conn.SetInterrupt(nil)
		<-s.sem
	}, nil
}

// read runs fn while holding the connection slot.
func (s *Store) read(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return translate(fn(s.conn))
}

// write runs fn inside an IMMEDIATE transaction while holding the
// connection slot. Any error rolls the transaction back.
func (s *Store) write(ctx context.Context, entity string, fn func(conn *sqlite.Conn) error) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = func() (err error) {
		endFn, err := sqlitex.ImmediateTransaction(s.conn)
		if err != nil {
			return err
		}
		defer endFn(&err)
		return fn(s.conn)
	}()
	err = translate(err)

	switch {
	case err == nil:
		s.metrics.StoreWrite(entity)
	case errors.Is(err, ErrIntegrity):
		s.metrics.IntegrityViolation(entity)
		s.log.Warn("Rejected write.", zap.String("entity", entity), zap.Error(err))
	}
	return err
}

// translate maps SQLite lock contention onto ErrLockTimeout.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if code := sqlite.ErrCode(err).ToPrimary(); code == sqlite.ResultBusy || code == sqlite.ResultLocked {
		return fmt.Errorf("%w: %v", ErrLockTimeout, err)
	}
	return err
}

func integrityf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIntegrity, fmt.Sprintf(format, args...))
}

// -- column and argument helpers --

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func columnInt64Ptr(stmt *sqlite.Stmt, col int) *int64 {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	v := stmt.ColumnInt64(col)
	return &v
}

func columnIntPtr(stmt *sqlite.Stmt, col int) *int {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	v := stmt.ColumnInt(col)
	return &v
}

func columnFloatPtr(stmt *sqlite.Stmt, col int) *float64 {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	v := stmt.ColumnFloat(col)
	return &v
}

func columnStringPtr(stmt *sqlite.Stmt, col int) *string {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	v := stmt.ColumnText(col)
	return &v
}

// exists runs a single-row probe query and reports whether it matched.
func exists(conn *sqlite.Conn, query string, args ...any) (bool, error) {
	found := false
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	return found, err
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = append(b, '?')
	}
	return string(b)
}
