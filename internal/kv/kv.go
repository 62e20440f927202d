// Package kv implements the ephemeral key/value store: namespaced
// scratch values with optional per-key TTL.
//
// Expiry runs on two independent, idempotent paths. Point reads (Get,
// Exists, UpdateTTL) eagerly delete an expired row and report it as
// absent, so expired reads are indistinguishable from missing keys.
// Listing and searching exclude expired rows without deleting them;
// space comes back through SweepExpired, invoked by an external
// scheduler or on demand.
package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/snackdriven/chronicle-sub000/internal/engine"
	"github.com/snackdriven/chronicle-sub000/internal/value"
)

// Store provides key/value operations on top of the shared engine.
type Store struct {
	eng *engine.Engine
}

// NewStore creates a KV store backed by eng.
func NewStore(eng *engine.Engine) *Store {
	return &Store{eng: eng}
}

// Memory is one stored key/value row.
type Memory struct {
	Key       string      `json:"key"`
	Value     value.Value `json:"value"`
	Namespace string      `json:"namespace,omitempty"`
	CreatedAt int64       `json:"created_at"`
	UpdatedAt int64       `json:"updated_at"`

	// ExpiresAt is the absolute expiry instant in epoch milliseconds;
	// nil means the key never expires.
	ExpiresAt *int64 `json:"expires_at,omitempty"`
}

// SetOptions carries the optional parts of a Set.
type SetOptions struct {
	Namespace string

	// TTL, when positive, expires the key TTL after now. Zero stores
	// the key without expiry, clearing any expiry a previous Set gave
	// it.
	TTL time.Duration
}

// Entry is one element of a BulkSet batch.
type Entry struct {
	Key       string
	Value     value.Value
	Namespace string
	TTL       time.Duration
}

// Stats summarizes the store: live row counts and the number of
// expired rows the sweep has not reclaimed yet.
type Stats struct {
	Total        int64            `json:"total"`
	ByNamespace  map[string]int64 `json:"by_namespace"`
	ExpiredCount int64            `json:"expired_count"`
}

// expiresAt converts a TTL to the stored absolute deadline. Returns
// nil (never expires) for a zero TTL.
func (s *Store) expiresAt(ttl time.Duration) (any, error) {
	if ttl < 0 {
		return nil, engine.NewValidationError("ttl must not be negative, got %s", ttl)
	}
	if ttl == 0 {
		return nil, nil
	}
	return s.eng.NowMillis() + ttl.Milliseconds(), nil
}

// Set upserts a key. A positive TTL sets the expiry deadline; zero
// clears any prior expiry, so re-setting a key without a TTL makes it
// permanent again.
func (s *Store) Set(ctx context.Context, key string, val value.Value, opts SetOptions) error {
	if strings.TrimSpace(key) == "" {
		return engine.NewValidationError("key is required")
	}
	deadline, err := s.expiresAt(opts.TTL)
	if err != nil {
		return err
	}
	valueJSON, err := value.Encode(val)
	if err != nil {
		return engine.NewValidationError("value: %v", err)
	}

	now := s.eng.NowMillis()
	_, err = s.eng.DB(ctx).ExecContext(ctx, `
		INSERT INTO memories (key, value, namespace, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			namespace = excluded.namespace,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
	`, key, valueJSON, opts.Namespace, now, now, deadline)
	if err != nil {
		return engine.WrapStorage("set memory", err)
	}
	return nil
}

// Get reads a key. A row whose deadline has passed is deleted in the
// same transaction and reported NOT_FOUND: the caller cannot tell an
// expired key from one that never existed.
func (s *Store) Get(ctx context.Context, key string) (*Memory, error) {
	var mem *Memory
	err := s.eng.Transaction(ctx, func(ctx context.Context) error {
		m, err := s.getLive(ctx, key)
		if err != nil {
			return err
		}
		mem = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mem, nil
}

// getLive reads one row inside the caller's transaction, evicting it
// first if it is expired.
func (s *Store) getLive(ctx context.Context, key string) (*Memory, error) {
	db := s.eng.DB(ctx)

	row := db.QueryRowContext(ctx, `
		SELECT key, value, namespace, created_at, updated_at, expires_at
		FROM memories
		WHERE key = ?
	`, key)
	mem, err := scanMemoryRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("memory", key)
	}
	if err != nil {
		return nil, engine.WrapStorage("get memory", err)
	}

	if expired(mem, s.eng.NowMillis()) {
		if _, err := db.ExecContext(ctx, `DELETE FROM memories WHERE key = ?`, key); err != nil {
			return nil, engine.WrapStorage("evict expired memory", err)
		}
		s.eng.Logger().Debug("expired memory evicted on read", "key", key)
		return nil, engine.NewNotFoundError("memory", key)
	}
	return mem, nil
}

// Exists reports whether a key holds a live value, evicting it first
// if it has expired.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	exists := false
	err := s.eng.Transaction(ctx, func(ctx context.Context) error {
		_, err := s.getLive(ctx, key)
		if engine.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return exists, nil
}

// Delete removes a key. Returns false when the key was absent.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.eng.DB(ctx).ExecContext(ctx, `DELETE FROM memories WHERE key = ?`, key)
	if err != nil {
		return false, engine.WrapStorage("delete memory", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, engine.WrapStorage("delete memory", err)
	}
	return n > 0, nil
}

// List returns live rows, optionally narrowed to a namespace and a
// glob pattern over keys (* and ? wildcards). Expired rows are
// silently excluded, not deleted: only point reads evict eagerly, so
// a large listing never pays an unbounded mutation cost.
func (s *Store) List(ctx context.Context, namespace, pattern string) ([]*Memory, error) {
	var matcher glob.Glob
	if pattern != "" {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, engine.NewValidationError("invalid pattern %q: %v", pattern, err)
		}
		matcher = g
	}

	where := "(expires_at IS NULL OR expires_at > ?)"
	args := []any{s.eng.NowMillis()}
	if namespace != "" {
		where += " AND namespace = ?"
		args = append(args, namespace)
	}

	rows, err := s.selectMemories(ctx, `
		SELECT key, value, namespace, created_at, updated_at, expires_at
		FROM memories
		WHERE `+where+`
		ORDER BY key ASC
	`, args...)
	if err != nil {
		return nil, err
	}
	if matcher == nil {
		return rows, nil
	}

	matched := make([]*Memory, 0, len(rows))
	for _, m := range rows {
		if matcher.Match(m.Key) {
			matched = append(matched, m)
		}
	}
	return matched, nil
}

// Search returns live rows whose serialized value contains term as a
// literal substring, optionally narrowed to a namespace. LIKE
// metacharacters in the term are escaped first.
func (s *Store) Search(ctx context.Context, term, namespace string) ([]*Memory, error) {
	if strings.TrimSpace(term) == "" {
		return nil, engine.NewValidationError("search term is required")
	}

	where := `value LIKE ? ESCAPE '\' AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{engine.LikeContains(term), s.eng.NowMillis()}
	if namespace != "" {
		where += " AND namespace = ?"
		args = append(args, namespace)
	}

	return s.selectMemories(ctx, `
		SELECT key, value, namespace, created_at, updated_at, expires_at
		FROM memories
		WHERE `+where+`
		ORDER BY key ASC
	`, args...)
}

// BulkSet upserts a batch of entries in one all-or-nothing
// transaction and returns how many it wrote. A validation failure on
// any entry writes nothing.
func (s *Store) BulkSet(ctx context.Context, entries []Entry) (int, error) {
	err := s.eng.Transaction(ctx, func(ctx context.Context) error {
		for i, e := range entries {
			if err := s.Set(ctx, e.Key, e.Value, SetOptions{Namespace: e.Namespace, TTL: e.TTL}); err != nil {
				return fmt.Errorf("bulk set entry %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// BulkDelete removes every live key matching a glob pattern, in one
// transaction, and returns how many rows it deleted.
func (s *Store) BulkDelete(ctx context.Context, pattern string) (int, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return 0, engine.NewValidationError("invalid pattern %q: %v", pattern, err)
	}

	deleted := 0
	err = s.eng.Transaction(ctx, func(ctx context.Context) error {
		db := s.eng.DB(ctx)

		rows, err := db.QueryContext(ctx, `
			SELECT key FROM memories
			WHERE expires_at IS NULL OR expires_at > ?
		`, s.eng.NowMillis())
		if err != nil {
			return engine.WrapStorage("bulk delete memories", err)
		}
		var keys []string
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				rows.Close()
				return engine.WrapStorage("bulk delete memories", err)
			}
			if g.Match(key) {
				keys = append(keys, key)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return engine.WrapStorage("bulk delete memories", err)
		}
		rows.Close()

		if len(keys) == 0 {
			return nil
		}

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
		args := make([]any, len(keys))
		for i, k := range keys {
			args[i] = k
		}
		res, err := db.ExecContext(ctx, `DELETE FROM memories WHERE key IN (`+placeholders+`)`, args...)
		if err != nil {
			return engine.WrapStorage("bulk delete memories", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return engine.WrapStorage("bulk delete memories", err)
		}
		deleted = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// UpdateTTL changes a live key's expiry: a positive TTL sets a new
// deadline from now, nil (or zero) clears it. Returns false when the
// key is absent or already expired; an expired row is evicted on the
// way, like any point read.
func (s *Store) UpdateTTL(ctx context.Context, key string, ttl *time.Duration) (bool, error) {
	var deadline any
	if ttl != nil {
		d, err := s.expiresAt(*ttl)
		if err != nil {
			return false, err
		}
		deadline = d
	}

	updated := false
	err := s.eng.Transaction(ctx, func(ctx context.Context) error {
		_, err := s.getLive(ctx, key)
		if engine.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}

		now := s.eng.NowMillis()
		if _, err := s.eng.DB(ctx).ExecContext(ctx, `
			UPDATE memories SET expires_at = ?, updated_at = ? WHERE key = ?
		`, deadline, now, key); err != nil {
			return engine.WrapStorage("update memory ttl", err)
		}
		updated = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

// SweepExpired deletes every row whose deadline has passed and
// returns the count. Idempotent: a second sweep with no new expiries
// returns 0. Safe to run on a schedule; the core never schedules it
// itself.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	res, err := s.eng.DB(ctx).ExecContext(ctx, `
		DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, s.eng.NowMillis())
	if err != nil {
		return 0, engine.WrapStorage("sweep expired memories", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, engine.WrapStorage("sweep expired memories", err)
	}
	if n > 0 {
		s.eng.Logger().Debug("expired memories swept", "count", n)
	}
	return int(n), nil
}

// Stats counts live rows in total and per namespace, plus the expired
// rows the sweep has not reclaimed yet.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	db := s.eng.DB(ctx)
	now := s.eng.NowMillis()
	stats := &Stats{ByNamespace: make(map[string]int64)}

	rows, err := db.QueryContext(ctx, `
		SELECT namespace, COUNT(*)
		FROM memories
		WHERE expires_at IS NULL OR expires_at > ?
		GROUP BY namespace
	`, now)
	if err != nil {
		return nil, engine.WrapStorage("memory stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ns string
		var n int64
		if err := rows.Scan(&ns, &n); err != nil {
			return nil, engine.WrapStorage("memory stats", err)
		}
		stats.ByNamespace[ns] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, engine.WrapStorage("memory stats", err)
	}

	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memories WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, now).Scan(&stats.ExpiredCount); err != nil {
		return nil, engine.WrapStorage("memory stats", err)
	}
	return stats, nil
}

// expired reports whether a row's deadline has passed.
func expired(m *Memory, nowMillis int64) bool {
	return m.ExpiresAt != nil && *m.ExpiresAt <= nowMillis
}

// selectMemories runs one memory select and fully drains it.
func (s *Store) selectMemories(ctx context.Context, query string, args ...any) ([]*Memory, error) {
	rows, err := s.eng.DB(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.WrapStorage("query memories", err)
	}
	defer rows.Close()

	var mems []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		mems = append(mems, m)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.WrapStorage("iterate memories", err)
	}

	// Return empty slice instead of nil
	if mems == nil {
		mems = []*Memory{}
	}
	return mems, nil
}

// scanMemory scans the standard memory column set from a row iterator.
func scanMemory(rows *sql.Rows) (*Memory, error) {
	var m Memory
	var valueJSON string
	var expiresAt sql.NullInt64
	if err := rows.Scan(&m.Key, &valueJSON, &m.Namespace, &m.CreatedAt, &m.UpdatedAt, &expiresAt); err != nil {
		return nil, engine.WrapStorage("scan memory", err)
	}
	return finishMemory(&m, valueJSON, expiresAt)
}

// scanMemoryRow scans the standard memory column set from a
// single-row query. sql.ErrNoRows passes through for the caller to
// classify.
func scanMemoryRow(row *sql.Row) (*Memory, error) {
	var m Memory
	var valueJSON string
	var expiresAt sql.NullInt64
	if err := row.Scan(&m.Key, &valueJSON, &m.Namespace, &m.CreatedAt, &m.UpdatedAt, &expiresAt); err != nil {
		return nil, err
	}
	return finishMemory(&m, valueJSON, expiresAt)
}

func finishMemory(m *Memory, valueJSON string, expiresAt sql.NullInt64) (*Memory, error) {
	val, err := value.DecodeString(valueJSON)
	if err != nil {
		return nil, fmt.Errorf("decode memory %s value: %w", m.Key, err)
	}
	m.Value = val
	if expiresAt.Valid {
		m.ExpiresAt = &expiresAt.Int64
	}
	return m, nil
}
