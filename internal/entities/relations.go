package entities

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/snackdriven/chronicle-sub000/internal/engine"
	"github.com/snackdriven/chronicle-sub000/internal/value"
)

// Direction selects which end of a relation an entity must match.
// Closed enum: each member maps through a total switch to a fixed SQL
// shape, so caller input never reaches query text.
type Direction string

const (
	// DirectionFrom matches relations where the entity is the source.
	DirectionFrom Direction = "from"
	// DirectionTo matches relations where the entity is the target.
	DirectionTo Direction = "to"
	// DirectionBoth matches both sides; each result is tagged with the
	// side that matched.
	DirectionBoth Direction = "both"
)

// ParseDirection validates a caller-supplied direction name.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionFrom, DirectionTo, DirectionBoth:
		return Direction(s), nil
	default:
		return "", engine.NewValidationError("unknown direction %q, want from, to, or both", s)
	}
}

// Relation is a directed, typed edge between two entities.
type Relation struct {
	ID           string      `json:"id"`
	FromEntityID string      `json:"from_entity_id"`
	ToEntityID   string      `json:"to_entity_id"`
	Type         string      `json:"relation_type"`
	Properties   value.Value `json:"properties,omitempty"`
	CreatedAt    int64       `json:"created_at"`
}

// RelationSide pairs a relation with the side the queried entity
// matched, so callers can render direction without re-deriving it.
type RelationSide struct {
	Relation
	// Side is DirectionFrom when the queried entity is the source of
	// this relation, DirectionTo when it is the target.
	Side Direction `json:"side"`
}

// CreateRelation writes a directed edge between two entities. Both
// endpoints resolve the same way as Get, by name or id; NOT_FOUND if
// either is absent.
func (s *Store) CreateRelation(ctx context.Context, from, relType, to string, props value.Value) (*Relation, error) {
	if strings.TrimSpace(relType) == "" {
		return nil, engine.NewValidationError("relation type is required")
	}

	var propsJSON any
	if props != nil {
		encoded, err := value.Encode(props)
		if err != nil {
			return nil, engine.NewValidationError("relation properties: %v", err)
		}
		propsJSON = encoded
	}

	var rel *Relation
	err := s.eng.Transaction(ctx, func(ctx context.Context) error {
		fromEnt, err := s.resolve(ctx, from)
		if err != nil {
			return err
		}
		toEnt, err := s.resolve(ctx, to)
		if err != nil {
			return err
		}

		rel = &Relation{
			ID:           s.eng.NewID(),
			FromEntityID: fromEnt.ID,
			ToEntityID:   toEnt.ID,
			Type:         relType,
			Properties:   props,
			CreatedAt:    s.eng.NowMillis(),
		}

		_, err = s.eng.DB(ctx).ExecContext(ctx, `
			INSERT INTO relations (id, from_entity_id, to_entity_id, relation_type, properties, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, rel.ID, rel.FromEntityID, rel.ToEntityID, rel.Type, propsJSON, rel.CreatedAt)
		if err != nil {
			return engine.WrapStorage("create relation", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rel, nil
}

// relationSelects maps each direction to its fixed query arm. Only
// the entity id and relation type ever bind as parameters.
const (
	selectRelationsFrom = `
		SELECT id, from_entity_id, to_entity_id, relation_type, properties, created_at, 'from' AS side
		FROM relations
		WHERE from_entity_id = ?`
	selectRelationsTo = `
		SELECT id, from_entity_id, to_entity_id, relation_type, properties, created_at, 'to' AS side
		FROM relations
		WHERE to_entity_id = ?`
)

// Relations returns the edges touching an entity. Direction from
// returns edges where it is the source, to where it is the target,
// and both the union of the two, each row tagged with the matched
// side. An optional relation type narrows the result. A self-loop
// under both appears once per matched side.
func (s *Store) Relations(ctx context.Context, nameOrID string, dir Direction, relType string) ([]*RelationSide, error) {
	ent, err := s.resolve(ctx, nameOrID)
	if err != nil {
		return nil, err
	}

	typeCond := ""
	if relType != "" {
		typeCond = " AND relation_type = ?"
	}

	var query string
	var args []any
	switch dir {
	case DirectionFrom:
		query = selectRelationsFrom + typeCond
		args = append(args, ent.ID)
		if relType != "" {
			args = append(args, relType)
		}
	case DirectionTo:
		query = selectRelationsTo + typeCond
		args = append(args, ent.ID)
		if relType != "" {
			args = append(args, relType)
		}
	case DirectionBoth:
		query = selectRelationsFrom + typeCond + " UNION ALL " + selectRelationsTo + typeCond
		args = append(args, ent.ID)
		if relType != "" {
			args = append(args, relType)
		}
		args = append(args, ent.ID)
		if relType != "" {
			args = append(args, relType)
		}
	default:
		return nil, engine.NewValidationError("unknown direction %q, want from, to, or both", string(dir))
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.eng.DB(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.WrapStorage("query relations", err)
	}
	defer rows.Close()

	var rels []*RelationSide
	for rows.Next() {
		var rs RelationSide
		var propsJSON sql.NullString
		var side string
		if err := rows.Scan(&rs.ID, &rs.FromEntityID, &rs.ToEntityID, &rs.Type, &propsJSON, &rs.CreatedAt, &side); err != nil {
			return nil, engine.WrapStorage("scan relation", err)
		}
		if propsJSON.Valid {
			props, err := value.DecodeString(propsJSON.String)
			if err != nil {
				return nil, fmt.Errorf("decode relation %s properties: %w", rs.ID, err)
			}
			rs.Properties = props
		}
		rs.Side = Direction(side)
		rels = append(rels, &rs)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.WrapStorage("iterate relations", err)
	}

	if rels == nil {
		rels = []*RelationSide{}
	}
	return rels, nil
}
