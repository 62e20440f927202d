package entities

import (
	"context"

	"github.com/snackdriven/chronicle-sub000/internal/engine"
	"github.com/snackdriven/chronicle-sub000/internal/events"
)

// Search returns entities whose name or serialized properties contain
// term as a literal substring, optionally narrowed by type. LIKE
// metacharacters in the term are escaped before the pattern is built:
// searching for "50%" matches only the literal text "50%".
func (s *Store) Search(ctx context.Context, term, typ string, limit int) ([]*Entity, error) {
	term = normalizeName(term)
	if term == "" {
		return nil, engine.NewValidationError("search term is required")
	}

	pattern := engine.LikeContains(term)
	where := `(name LIKE ? ESCAPE '\' OR properties LIKE ? ESCAPE '\')`
	args := []any{pattern, pattern}
	if typ != "" && typ != TypeAll {
		where += " AND type = ?"
		args = append(args, typ)
	}
	args = append(args, normalizeListLimit(limit))

	return s.selectEntities(ctx, selectEntity+`
		WHERE `+where+`
		ORDER BY name ASC
		LIMIT ?
	`, args...)
}

// Timeline returns events whose metadata references this entity by
// name or id, oldest first. This is a cross-store query: it goes
// through the event store's query surface, never its tables.
func (s *Store) Timeline(ctx context.Context, nameOrID string, limit int) ([]*events.Event, error) {
	ent, err := s.resolve(ctx, nameOrID)
	if err != nil {
		return nil, err
	}
	if s.timeline == nil {
		return nil, engine.NewEngineError("entity timeline: no event source configured", nil)
	}

	refs := []string{ent.Name}
	if ent.ID != ent.Name {
		refs = append(refs, ent.ID)
	}
	return s.timeline.ByMetadataReference(ctx, refs, limit)
}
