// Package entities implements the versioned entity graph: named, typed
// nodes with property history and directed, typed relations.
//
// Entity names are unique across all types, so a "person" and a
// "project" can never share a name. Callers disambiguate before
// creating; the store preserves this as a deliberate product decision.
// Names are NFC-normalized before storage and lookup so visually
// identical names collide instead of silently coexisting.
package entities

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/snackdriven/chronicle-sub000/internal/engine"
	"github.com/snackdriven/chronicle-sub000/internal/events"
	"github.com/snackdriven/chronicle-sub000/internal/value"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// TypeAll is the type literal interpreted as "list every type". It is
// a calling-convention concern of this store, not an engine concept.
const TypeAll = "all"

// TimelineSource is the slice of the event store's query surface the
// entity graph consumes for entity timelines. This is the one place
// the graph depends on the event store, and only on its queries.
type TimelineSource interface {
	ByMetadataReference(ctx context.Context, refs []string, limit int) ([]*events.Event, error)
}

// Store provides entity graph operations on top of the shared engine.
type Store struct {
	eng      *engine.Engine
	timeline TimelineSource
}

// NewStore creates an entity graph store backed by eng. The timeline
// source is usually the event store; Timeline fails ENGINE when nil.
func NewStore(eng *engine.Engine, timeline TimelineSource) *Store {
	return &Store{eng: eng, timeline: timeline}
}

// Entity is a named, typed node.
type Entity struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	// Name is the external lookup key, unique across all types.
	Name string `json:"name"`

	Properties value.Value `json:"properties"`
	CreatedAt  int64       `json:"created_at"`
	UpdatedAt  int64       `json:"updated_at"`
}

// Version is an immutable snapshot of an entity's properties after one
// change. Versions per entity are strictly 1, 2, 3, ... with no gaps.
type Version struct {
	ID           int64       `json:"id"`
	EntityID     string      `json:"entity_id"`
	Version      int64       `json:"version"`
	Properties   value.Value `json:"properties"`
	ChangedBy    string      `json:"changed_by,omitempty"`
	ChangedAt    int64       `json:"changed_at"`
	ChangeReason string      `json:"change_reason,omitempty"`
}

// normalizeName puts a caller-supplied entity name into NFC form. All
// stored names and all name lookups pass through here.
func normalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// encodeProperties serializes an entity property set. Absent
// properties store as the empty object: an entity always has a
// property map, possibly empty.
func encodeProperties(props value.Value) (string, error) {
	if props == nil {
		props = value.Object{}
	}
	if _, ok := props.(value.Object); !ok {
		return "", engine.NewValidationError("properties must be an object, got %T", props)
	}
	return value.Encode(props)
}

// Create writes a new entity and its version-1 snapshot in one
// transaction. Fails CONFLICT if the normalized name collides with any
// existing entity, regardless of type.
func (s *Store) Create(ctx context.Context, typ, name string, props value.Value) (*Entity, error) {
	if strings.TrimSpace(typ) == "" {
		return nil, engine.NewValidationError("entity type is required")
	}
	name = normalizeName(name)
	if name == "" {
		return nil, engine.NewValidationError("entity name is required")
	}

	propsJSON, err := encodeProperties(props)
	if err != nil {
		return nil, err
	}

	now := s.eng.NowMillis()
	ent := &Entity{
		ID:         s.eng.NewID(),
		Type:       typ,
		Name:       name,
		Properties: props,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if ent.Properties == nil {
		ent.Properties = value.Object{}
	}

	err = s.eng.Transaction(ctx, func(ctx context.Context) error {
		db := s.eng.DB(ctx)

		var existing string
		err := db.QueryRowContext(ctx, `SELECT id FROM entities WHERE name = ?`, name).Scan(&existing)
		if err == nil {
			return engine.NewConflictError("entity %q already exists", name)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return engine.WrapStorage("create entity", err)
		}

		if _, err := db.ExecContext(ctx, `
			INSERT INTO entities (id, type, name, properties, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, ent.ID, ent.Type, ent.Name, propsJSON, ent.CreatedAt, ent.UpdatedAt); err != nil {
			return engine.WrapStorage("create entity", err)
		}

		// Version 1 is written atomically with the entity itself.
		if _, err := db.ExecContext(ctx, `
			INSERT INTO entity_versions (entity_id, version, properties, changed_by, changed_at)
			VALUES (?, 1, ?, '', ?)
		`, ent.ID, propsJSON, now); err != nil {
			return engine.WrapStorage("create entity version", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ent, nil
}

// Get retrieves an entity by its unique name or its id. Returns
// NOT_FOUND if neither matches.
func (s *Store) Get(ctx context.Context, nameOrID string) (*Entity, error) {
	return s.resolve(ctx, nameOrID)
}

// resolve looks an entity up by id first and by normalized name
// second, so an id lookup can never be shadowed by a same-text name.
func (s *Store) resolve(ctx context.Context, nameOrID string) (*Entity, error) {
	db := s.eng.DB(ctx)

	ent, err := scanEntityRow(db.QueryRowContext(ctx, selectEntity+` WHERE id = ?`, nameOrID))
	if err == nil {
		return ent, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, engine.WrapStorage("get entity", err)
	}

	ent, err = scanEntityRow(db.QueryRowContext(ctx, selectEntity+` WHERE name = ?`, normalizeName(nameOrID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("entity", nameOrID)
	}
	if err != nil {
		return nil, engine.WrapStorage("get entity", err)
	}
	return ent, nil
}

// ListByType returns entities of one type ordered by name. The literal
// type "all" lists every type.
func (s *Store) ListByType(ctx context.Context, typ string, limit int) ([]*Entity, error) {
	if typ == "" || typ == TypeAll {
		return s.ListAll(ctx, limit)
	}
	return s.selectEntities(ctx, selectEntity+`
		WHERE type = ?
		ORDER BY name ASC
		LIMIT ?
	`, typ, normalizeListLimit(limit))
}

// ListAll returns entities of every type ordered by name.
func (s *Store) ListAll(ctx context.Context, limit int) ([]*Entity, error) {
	return s.selectEntities(ctx, selectEntity+`
		ORDER BY name ASC
		LIMIT ?
	`, normalizeListLimit(limit))
}

// Update replaces an entity's properties and appends exactly one new
// version row in the same transaction. Callers pass the full desired
// property set, not a diff. Returns NOT_FOUND if the entity is absent.
func (s *Store) Update(ctx context.Context, nameOrID string, props value.Value, changedBy, reason string) (*Entity, error) {
	propsJSON, err := encodeProperties(props)
	if err != nil {
		return nil, err
	}

	var ent *Entity
	err = s.eng.Transaction(ctx, func(ctx context.Context) error {
		current, err := s.resolve(ctx, nameOrID)
		if err != nil {
			return err
		}
		db := s.eng.DB(ctx)

		now := s.eng.NowMillis()
		if _, err := db.ExecContext(ctx, `
			UPDATE entities SET properties = ?, updated_at = ? WHERE id = ?
		`, propsJSON, now, current.ID); err != nil {
			return engine.WrapStorage("update entity", err)
		}

		// The reads and the version insert share the transaction, and the
		// engine serializes writers, so two racing updates commit in some
		// order and each sees the other's version row: numbers never
		// collide and never skip.
		var prev int64
		if err := db.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(version), 0) FROM entity_versions WHERE entity_id = ?
		`, current.ID).Scan(&prev); err != nil {
			return engine.WrapStorage("update entity version", err)
		}

		var changeReason any
		if reason != "" {
			changeReason = reason
		}
		if _, err := db.ExecContext(ctx, `
			INSERT INTO entity_versions (entity_id, version, properties, changed_by, changed_at, change_reason)
			VALUES (?, ?, ?, ?, ?, ?)
		`, current.ID, prev+1, propsJSON, changedBy, now, changeReason); err != nil {
			return engine.WrapStorage("update entity version", err)
		}

		current.Properties = props
		if current.Properties == nil {
			current.Properties = value.Object{}
		}
		current.UpdatedAt = now
		ent = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ent, nil
}

// Delete removes an entity. Its version rows and every relation where
// it is source or target cascade in the same transaction, enforced by
// the engine's foreign keys. Returns NOT_FOUND if absent.
func (s *Store) Delete(ctx context.Context, nameOrID string) error {
	return s.eng.Transaction(ctx, func(ctx context.Context) error {
		ent, err := s.resolve(ctx, nameOrID)
		if err != nil {
			return err
		}
		db := s.eng.DB(ctx)

		var versions, relations int64
		if err := db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM entity_versions WHERE entity_id = ?
		`, ent.ID).Scan(&versions); err != nil {
			return engine.WrapStorage("delete entity", err)
		}
		if err := db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM relations WHERE from_entity_id = ? OR to_entity_id = ?
		`, ent.ID, ent.ID).Scan(&relations); err != nil {
			return engine.WrapStorage("delete entity", err)
		}

		if _, err := db.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, ent.ID); err != nil {
			return engine.WrapStorage("delete entity", err)
		}

		s.eng.Logger().Debug("entity deleted",
			"entity_id", ent.ID, "name", ent.Name,
			"versions_cascaded", versions, "relations_cascaded", relations)
		return nil
	})
}

// Versions returns an entity's property history, newest first.
func (s *Store) Versions(ctx context.Context, nameOrID string, limit int) ([]*Version, error) {
	ent, err := s.resolve(ctx, nameOrID)
	if err != nil {
		return nil, err
	}

	rows, err := s.eng.DB(ctx).QueryContext(ctx, `
		SELECT id, entity_id, version, properties, changed_by, changed_at, change_reason
		FROM entity_versions
		WHERE entity_id = ?
		ORDER BY version DESC
		LIMIT ?
	`, ent.ID, normalizeListLimit(limit))
	if err != nil {
		return nil, engine.WrapStorage("query entity versions", err)
	}
	defer rows.Close()

	var versions []*Version
	for rows.Next() {
		var v Version
		var propsJSON string
		var reason sql.NullString
		if err := rows.Scan(&v.ID, &v.EntityID, &v.Version, &propsJSON, &v.ChangedBy, &v.ChangedAt, &reason); err != nil {
			return nil, engine.WrapStorage("scan entity version", err)
		}
		props, err := value.DecodeString(propsJSON)
		if err != nil {
			return nil, fmt.Errorf("decode entity %s version %d properties: %w", v.EntityID, v.Version, err)
		}
		v.Properties = props
		if reason.Valid {
			v.ChangeReason = reason.String
		}
		versions = append(versions, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.WrapStorage("iterate entity versions", err)
	}

	if versions == nil {
		versions = []*Version{}
	}
	return versions, nil
}

// TypeStats returns the number of entities per type.
func (s *Store) TypeStats(ctx context.Context) (map[string]int64, error) {
	rows, err := s.eng.DB(ctx).QueryContext(ctx, `
		SELECT type, COUNT(*)
		FROM entities
		GROUP BY type
		ORDER BY type ASC
	`)
	if err != nil {
		return nil, engine.WrapStorage("count entity types", err)
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, engine.WrapStorage("count entity types", err)
		}
		stats[typ] = n
	}
	if err := rows.Err(); err != nil {
		return nil, engine.WrapStorage("count entity types", err)
	}
	return stats, nil
}

// selectEntity is the standard entity column set, shared by every
// entity select so scans stay aligned.
const selectEntity = `
	SELECT id, type, name, properties, created_at, updated_at
	FROM entities`

// selectEntities runs one entity select and fully drains it.
func (s *Store) selectEntities(ctx context.Context, query string, args ...any) ([]*Entity, error) {
	rows, err := s.eng.DB(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.WrapStorage("query entities", err)
	}
	defer rows.Close()

	var ents []*Entity
	for rows.Next() {
		ent, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		ents = append(ents, ent)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.WrapStorage("iterate entities", err)
	}

	// Return empty slice instead of nil
	if ents == nil {
		ents = []*Entity{}
	}
	return ents, nil
}

// scanEntity scans the standard entity column set from a row iterator.
func scanEntity(rows *sql.Rows) (*Entity, error) {
	var ent Entity
	var propsJSON string
	if err := rows.Scan(&ent.ID, &ent.Type, &ent.Name, &propsJSON, &ent.CreatedAt, &ent.UpdatedAt); err != nil {
		return nil, engine.WrapStorage("scan entity", err)
	}
	return finishEntity(&ent, propsJSON)
}

// scanEntityRow scans the standard entity column set from a single-row
// query. sql.ErrNoRows passes through for the caller to classify.
func scanEntityRow(row *sql.Row) (*Entity, error) {
	var ent Entity
	var propsJSON string
	if err := row.Scan(&ent.ID, &ent.Type, &ent.Name, &propsJSON, &ent.CreatedAt, &ent.UpdatedAt); err != nil {
		return nil, err
	}
	return finishEntity(&ent, propsJSON)
}

func finishEntity(ent *Entity, propsJSON string) (*Entity, error) {
	props, err := value.DecodeString(propsJSON)
	if err != nil {
		return nil, fmt.Errorf("decode entity %s properties: %w", ent.ID, err)
	}
	ent.Properties = props
	return ent, nil
}

// normalizeListLimit applies the default and upper bound to a caller
// limit.
func normalizeListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
