package events

import (
	"context"
	"database/sql"
	"errors"

	"github.com/snackdriven/chronicle-sub000/internal/engine"
	"github.com/snackdriven/chronicle-sub000/internal/value"
)

// Detail is a lazily populated payload blob attached to one event.
// Blobs are written on expansion, not on event store, so the hot
// event table stays small.
type Detail struct {
	Key       string      `json:"key"`
	Data      value.Value `json:"data"`
	CreatedAt int64       `json:"created_at"`

	// AccessedAt bumps on every read. No eviction policy consumes it
	// yet; it exists so one can be added without a schema change.
	AccessedAt int64 `json:"accessed_at"`
}

// EventWithDetail pairs an event with its detail blob. Detail is nil
// when the event was never expanded.
type EventWithDetail struct {
	Event
	Detail *Detail `json:"detail,omitempty"`
}

// detailKeyFor derives the cache key for an event. The key is
// assigned at expansion time and stored on the event row; a later
// namespace change does not rewrite it.
func detailKeyFor(namespace, eventID string) string {
	if namespace == "" {
		return eventID
	}
	return namespace + ":" + eventID
}

// Expand stores data as the event's detail blob and links the event
// to it, in one transaction. Expanding an already-expanded event
// replaces the blob under the same key. Returns the detail key, or
// NOT_FOUND if the event is absent.
func (s *Store) Expand(ctx context.Context, eventID string, data value.Value) (string, error) {
	var key string
	err := s.eng.Transaction(ctx, func(ctx context.Context) error {
		db := s.eng.DB(ctx)

		var namespace string
		err := db.QueryRowContext(ctx, `SELECT namespace FROM events WHERE id = ?`, eventID).Scan(&namespace)
		if errors.Is(err, sql.ErrNoRows) {
			return engine.NewNotFoundError("event", eventID)
		}
		if err != nil {
			return engine.WrapStorage("expand event", err)
		}

		now := s.eng.NowMillis()
		key = detailKeyFor(namespace, eventID)
		if err := s.writeDetail(ctx, db, key, data, now); err != nil {
			return err
		}

		_, err = db.ExecContext(ctx, `
			UPDATE events SET detail_key = ?, updated_at = ? WHERE id = ?
		`, key, now, eventID)
		if err != nil {
			return engine.WrapStorage("expand event", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// Detail reads a blob by key and bumps its accessed_at in the same
// transaction. The returned AccessedAt reflects this read. Returns
// NOT_FOUND if the key is absent.
func (s *Store) Detail(ctx context.Context, key string) (*Detail, error) {
	var det *Detail
	err := s.eng.Transaction(ctx, func(ctx context.Context) error {
		db := s.eng.DB(ctx)

		var dataJSON string
		var createdAt int64
		err := db.QueryRowContext(ctx, `
			SELECT data, created_at FROM details WHERE key = ?
		`, key).Scan(&dataJSON, &createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			return engine.NewNotFoundError("detail", key)
		}
		if err != nil {
			return engine.WrapStorage("get detail", err)
		}

		data, err := value.DecodeString(dataJSON)
		if err != nil {
			return engine.NewEngineError("decode detail", err)
		}

		now := s.eng.NowMillis()
		if _, err := db.ExecContext(ctx, `
			UPDATE details SET accessed_at = ? WHERE key = ?
		`, now, key); err != nil {
			return engine.WrapStorage("touch detail", err)
		}

		det = &Detail{Key: key, Data: data, CreatedAt: createdAt, AccessedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return det, nil
}

// GetWithDetail retrieves an event together with its detail blob, if
// one was ever expanded. The blob read counts as an access.
func (s *Store) GetWithDetail(ctx context.Context, eventID string) (*EventWithDetail, error) {
	var out *EventWithDetail
	err := s.eng.Transaction(ctx, func(ctx context.Context) error {
		ev, err := s.Get(ctx, eventID)
		if err != nil {
			return err
		}

		out = &EventWithDetail{Event: *ev}
		if ev.DetailKey == nil {
			return nil
		}

		det, err := s.Detail(ctx, *ev.DetailKey)
		if engine.IsNotFound(err) {
			// A dangling key reads as "never expanded" rather than
			// failing the whole event fetch.
			return nil
		}
		if err != nil {
			return err
		}
		out.Detail = det
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// writeDetail upserts one blob row. Replacing an existing blob keeps
// its created_at.
func (s *Store) writeDetail(ctx context.Context, db engine.DBTX, key string, data value.Value, now int64) error {
	dataJSON, err := value.Encode(data)
	if err != nil {
		return engine.NewValidationError("event detail: %v", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO details (key, data, created_at, accessed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data
	`, key, dataJSON, now, now)
	if err != nil {
		return engine.WrapStorage("write detail", err)
	}
	return nil
}
