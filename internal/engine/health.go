package engine

import (
	"context"
	"fmt"
)

// Health reports the engine's durability posture. Cheap self-test for
// collaborators; nothing internal consumes it.
type Health struct {
	// DurableMode is true when the journal runs in WAL mode.
	DurableMode bool `json:"durable_mode_on"`
	// ForeignKeys is true when referential integrity is enforced.
	ForeignKeys bool `json:"fk_on"`
	// Writable is true when the engine can acquire the write lock.
	Writable bool `json:"writable"`
}

// Health probes journal mode, foreign-key enforcement, and writability.
func (e *Engine) Health(ctx context.Context) (Health, error) {
	var h Health

	var journalMode string
	if err := e.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return h, WrapStorage("health: query journal_mode", err)
	}
	h.DurableMode = journalMode == "wal"

	var fk int
	if err := e.db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
		return h, WrapStorage("health: query foreign_keys", err)
	}
	h.ForeignKeys = fk == 1

	h.Writable = e.probeWritable(ctx)
	return h, nil
}

// probeWritable acquires and releases the reserved write lock on a
// pinned connection. Failure means read-only or locked, not an error.
func (e *Engine) probeWritable(ctx context.Context) bool {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return false
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return false
	}
	if _, err := conn.ExecContext(ctx, "ROLLBACK"); err != nil {
		e.log.Debug("health probe rollback failed", "error", err)
		return false
	}
	return true
}

// Stats holds read-only aggregate counts across the four stores plus the
// on-disk size. Never mutates state.
type Stats struct {
	Events         int64 `json:"events"`
	Details        int64 `json:"details"`
	Entities       int64 `json:"entities"`
	EntityVersions int64 `json:"entity_versions"`
	Relations      int64 `json:"relations"`
	Memories       int64 `json:"memories"`
	DiskBytes      int64 `json:"disk_bytes"`
}

// statsTables maps Stats fields to the tables they count. Fixed list;
// caller input never reaches these names.
var statsTables = []string{"events", "details", "entities", "entity_versions", "relations", "memories"}

// Stats counts rows in each store table and measures the database size
// from page_count and page_size.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	dests := []*int64{&s.Events, &s.Details, &s.Entities, &s.EntityVersions, &s.Relations, &s.Memories}

	for i, table := range statsTables {
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
		if err := e.db.QueryRowContext(ctx, query).Scan(dests[i]); err != nil {
			return Stats{}, WrapStorage("stats: count "+table, err)
		}
	}

	var pageCount, pageSize int64
	if err := e.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return Stats{}, WrapStorage("stats: query page_count", err)
	}
	if err := e.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return Stats{}, WrapStorage("stats: query page_size", err)
	}
	s.DiskBytes = pageCount * pageSize

	return s, nil
}
