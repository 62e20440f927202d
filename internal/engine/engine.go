package engine

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema (events, details, entities, entity_versions,
//     relations, memories)
const currentSchemaVersion = 1

const defaultBusyTimeout = 5 * time.Second

// Engine owns the single SQLite file shared by all four stores.
// Uses WAL mode so readers stay concurrent while one writer commits.
//
// An Engine is an explicit value: the host process opens it once at
// startup, passes it to each store constructor, and closes it once at
// shutdown. There is no process-wide singleton.
type Engine struct {
	db          *sql.DB
	path        string
	log         *slog.Logger
	now         func() time.Time
	ids         IDGenerator
	busyTimeout time.Duration
}

// Option configures an Engine at open time.
type Option func(*Engine)

// WithBusyTimeout bounds how long a statement waits on the write lock
// before failing with a BUSY error.
func WithBusyTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.busyTimeout = d
		}
	}
}

// WithClock overrides the engine's time source. Tests use this to
// simulate TTL expiry without sleeping.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator overrides the identifier source for store-generated ids.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		if g != nil {
			e.ids = g
		}
	}
}

// WithLogger sets the structured logger used by the engine and stores.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// Open creates or opens the database at path and prepares it for the
// stores: pragmas applied, schema bootstrapped, version stamped.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - bounded busy timeout for lock contention
//   - foreign key enforcement, so cascades are engine-guaranteed
//
// Open is idempotent: running it against an existing database neither
// errors nor duplicates schema objects. Open failure is fatal to the
// caller; the engine never retries internally.
func Open(path string, opts ...Option) (*Engine, error) {
	e := &Engine{
		path:        path,
		log:         slog.Default(),
		now:         time.Now,
		ids:         UUIDv7Generator{},
		busyTimeout: defaultBusyTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer at a time; a single pooled connection
	// serializes writers up front instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db, e.busyTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	e.db = db
	e.log.Debug("engine opened", "path", path, "busy_timeout", e.busyTimeout)
	return e, nil
}

// Close checkpoints the WAL and closes the database. Nil-safe and
// safe to call more than once.
func (e *Engine) Close() error {
	if e == nil || e.db == nil {
		return nil
	}
	if _, err := e.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		e.log.Debug("wal checkpoint on close failed", "error", err)
	}
	err := e.db.Close()
	e.db = nil
	return err
}

// Logger returns the engine's structured logger.
func (e *Engine) Logger() *slog.Logger {
	return e.log
}

// Now returns the current time from the engine's clock.
func (e *Engine) Now() time.Time {
	return e.now()
}

// NowMillis returns the engine clock as milliseconds since epoch, the
// unit every persisted timestamp uses.
func (e *Engine) NowMillis() int64 {
	return e.now().UnixMilli()
}

// NewID returns a fresh identifier for store-generated rows.
func (e *Engine) NewID() string {
	return e.ids.NewID()
}

// DBTX is the statement surface shared by *sql.DB and *sql.Tx. Store
// operations run against whichever the context supplies.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// Transaction runs fn inside one atomic unit. On any error from fn all
// writes roll back and the error propagates to the caller unchanged.
//
// The open transaction travels in the context handed to fn, so store
// operations invoked inside join it instead of opening their own scope.
// Nested Transaction calls therefore compose into the outermost unit;
// only the outermost commit makes the writes durable. This is what lets
// callers batch "create entity + create relation" style sequences into
// a single atomic transaction.
func (e *Engine) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return WrapStorage("begin transaction", err)
	}
	// Rollback after a successful commit is a no-op.
	defer func() { _ = tx.Rollback() }()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return WrapStorage("commit transaction", err)
	}
	return nil
}

// DB returns the statement surface for ctx: the transaction carried by
// the context when inside Transaction, the connection pool otherwise.
func (e *Engine) DB(ctx context.Context) DBTX {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return e.db
}

// InTransaction reports whether ctx carries an open engine transaction.
func InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*sql.Tx)
	return ok
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB, busyTimeout time.Duration) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()),
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and stamps the schema
// version. Idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (e *Engine) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := e.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
