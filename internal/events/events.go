// Package events implements the timeline event log and its lazy
// detail blob cache.
//
// Events are append-mostly rows indexed by UTC calendar day and type.
// The date column is always derived from the timestamp at write time,
// so a day query never disagrees with a range query over the same
// instants. Query results are ordered by timestamp with insertion
// order as the tiebreak.
package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/snackdriven/chronicle-sub000/internal/engine"
	"github.com/snackdriven/chronicle-sub000/internal/value"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// Store provides event log operations on top of the shared engine.
type Store struct {
	eng *engine.Engine
}

// NewStore creates an event store backed by eng.
func NewStore(eng *engine.Engine) *Store {
	return &Store{eng: eng}
}

// Event is one timeline entry.
type Event struct {
	// ID is the external identifier, immutable once stored.
	ID string `json:"id"`

	// Timestamp is the event instant in epoch milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Date is the UTC calendar day derived from Timestamp.
	Date string `json:"date"`

	// Type is the free-form event tag, e.g. "ticket" or "listen".
	Type string `json:"type"`

	Namespace string      `json:"namespace,omitempty"`
	Title     string      `json:"title,omitempty"`
	Metadata  value.Value `json:"metadata,omitempty"`

	// DetailKey references the detail cache once the event has been
	// expanded; nil before that.
	DetailKey *string `json:"detail_key,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Input describes a new event. Type and When are required. ID is
// honored when supplied and generated otherwise. Detail, when set, is
// stored in the detail cache in the same transaction.
type Input struct {
	ID        string
	When      Timestamp
	Type      string
	Namespace string
	Title     string
	Metadata  value.Value
	Detail    value.Value
}

// Update describes a partial event update. Nil fields stay unchanged.
// Metadata nil leaves the stored payload alone; value.Null{} clears
// it. Setting When recomputes the derived date.
type Update struct {
	Title     *string
	Namespace *string
	Metadata  value.Value
	When      Timestamp
}

// Filter narrows queries. Zero values mean "no filter": every type,
// default limit.
type Filter struct {
	Type  string
	Limit int
}

// Stats aggregates a query's full match, independent of the row limit.
type Stats struct {
	Total  int64            `json:"total"`
	ByType map[string]int64 `json:"by_type"`
}

// QueryResult carries the limited event page plus stats over the full
// match.
type QueryResult struct {
	Events []*Event `json:"events"`
	Stats  Stats    `json:"stats"`
}

// Store records a new event. The timestamp normalizes to epoch
// milliseconds and the date column derives from it in UTC. Returns
// CONFLICT if the supplied id already exists.
func (s *Store) Store(ctx context.Context, in Input) (*Event, error) {
	if strings.TrimSpace(in.Type) == "" {
		return nil, engine.NewValidationError("event type is required")
	}
	if !in.When.IsSet() {
		return nil, engine.NewValidationError("event timestamp is required")
	}

	metadataJSON, err := value.Encode(in.Metadata)
	if err != nil {
		return nil, engine.NewValidationError("event metadata: %v", err)
	}

	now := s.eng.NowMillis()
	ev := &Event{
		ID:        in.ID,
		Timestamp: in.When.Millis(),
		Date:      dateFromMillis(in.When.Millis()),
		Type:      in.Type,
		Namespace: in.Namespace,
		Title:     in.Title,
		Metadata:  in.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ev.ID == "" {
		ev.ID = s.eng.NewID()
	}

	err = s.eng.Transaction(ctx, func(ctx context.Context) error {
		db := s.eng.DB(ctx)

		var detailKey any
		if in.Detail != nil {
			key := detailKeyFor(ev.Namespace, ev.ID)
			if err := s.writeDetail(ctx, db, key, in.Detail, now); err != nil {
				return err
			}
			detailKey = key
			ev.DetailKey = &key
		}

		_, err := db.ExecContext(ctx, `
			INSERT INTO events
			(id, timestamp, date, type, namespace, title, metadata, detail_key, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			ev.ID, ev.Timestamp, ev.Date, ev.Type, ev.Namespace, ev.Title,
			metadataJSON, detailKey, ev.CreatedAt, ev.UpdatedAt,
		)
		if err != nil {
			return engine.WrapStorage("store event", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// Get retrieves one event by id. Returns NOT_FOUND if absent.
func (s *Store) Get(ctx context.Context, id string) (*Event, error) {
	row := s.eng.DB(ctx).QueryRowContext(ctx, `
		SELECT id, timestamp, date, type, namespace, title, metadata, detail_key, created_at, updated_at
		FROM events
		WHERE id = ?
	`, id)

	ev, err := scanEventRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("event", id)
	}
	if err != nil {
		return nil, engine.WrapStorage("get event", err)
	}
	return ev, nil
}

// QueryByDate returns events on one UTC calendar day, optionally
// narrowed by type. Stats cover the full match; Events honor the
// limit.
func (s *Store) QueryByDate(ctx context.Context, date string, f Filter) (*QueryResult, error) {
	if !validDate(date) {
		return nil, engine.NewValidationError("invalid date %q, want YYYY-MM-DD", date)
	}

	where := "date = ?"
	args := []any{date}
	if f.Type != "" {
		where += " AND type = ?"
		args = append(args, f.Type)
	}

	return s.query(ctx, where, args, f.Limit)
}

// QueryRange returns events with start <= date <= end, inclusive on
// both ends, optionally narrowed by type.
func (s *Store) QueryRange(ctx context.Context, start, end string, f Filter) (*QueryResult, error) {
	startDay, endDay, err := parseRange(start, end)
	if err != nil {
		return nil, err
	}

	// The range is inclusive of the whole end day, so the upper bound
	// is midnight of the day after.
	where := "timestamp >= ? AND timestamp < ?"
	args := []any{startDay.UnixMilli(), endDay.AddDate(0, 0, 1).UnixMilli()}
	if f.Type != "" {
		where += " AND type = ?"
		args = append(args, f.Type)
	}

	return s.query(ctx, where, args, f.Limit)
}

// Summary returns aggregate stats for one UTC calendar day without
// materializing the events.
func (s *Store) Summary(ctx context.Context, date string) (*Stats, error) {
	if !validDate(date) {
		return nil, engine.NewValidationError("invalid date %q, want YYYY-MM-DD", date)
	}
	stats, err := s.aggregate(ctx, "date = ?", []any{date})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Update applies a partial update to an event. When the timestamp
// changes the derived date is recomputed in the same write. Returns
// NOT_FOUND if the event is absent.
func (s *Store) Update(ctx context.Context, id string, u Update) (*Event, error) {
	var ev *Event
	err := s.eng.Transaction(ctx, func(ctx context.Context) error {
		db := s.eng.DB(ctx)

		current, err := scanEventRow(db.QueryRowContext(ctx, `
			SELECT id, timestamp, date, type, namespace, title, metadata, detail_key, created_at, updated_at
			FROM events
			WHERE id = ?
		`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return engine.NewNotFoundError("event", id)
		}
		if err != nil {
			return engine.WrapStorage("update event", err)
		}

		if u.Title != nil {
			current.Title = *u.Title
		}
		if u.Namespace != nil {
			current.Namespace = *u.Namespace
		}
		if u.Metadata != nil {
			current.Metadata = u.Metadata
		}
		if u.When.IsSet() {
			current.Timestamp = u.When.Millis()
			current.Date = dateFromMillis(current.Timestamp)
		}
		current.UpdatedAt = s.eng.NowMillis()

		metadataJSON, err := value.Encode(current.Metadata)
		if err != nil {
			return engine.NewValidationError("event metadata: %v", err)
		}

		_, err = db.ExecContext(ctx, `
			UPDATE events
			SET timestamp = ?, date = ?, namespace = ?, title = ?, metadata = ?, updated_at = ?
			WHERE id = ?
		`,
			current.Timestamp, current.Date, current.Namespace, current.Title,
			metadataJSON, current.UpdatedAt, id,
		)
		if err != nil {
			return engine.WrapStorage("update event", err)
		}

		ev = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// Delete removes an event and its detail blob, if one was expanded,
// in a single transaction. Returns NOT_FOUND if the event is absent.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.eng.Transaction(ctx, func(ctx context.Context) error {
		db := s.eng.DB(ctx)

		var detailKey sql.NullString
		err := db.QueryRowContext(ctx, `SELECT detail_key FROM events WHERE id = ?`, id).Scan(&detailKey)
		if errors.Is(err, sql.ErrNoRows) {
			return engine.NewNotFoundError("event", id)
		}
		if err != nil {
			return engine.WrapStorage("delete event", err)
		}

		if _, err := db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
			return engine.WrapStorage("delete event", err)
		}

		if detailKey.Valid {
			if _, err := db.ExecContext(ctx, `DELETE FROM details WHERE key = ?`, detailKey.String); err != nil {
				return engine.WrapStorage("delete event detail", err)
			}
			s.eng.Logger().Debug("event detail cascaded", "event_id", id, "detail_key", detailKey.String)
		}
		return nil
	})
}

// TypeCounts returns the number of stored events per type across the
// whole log.
func (s *Store) TypeCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.eng.DB(ctx).QueryContext(ctx, `
		SELECT type, COUNT(*)
		FROM events
		GROUP BY type
		ORDER BY type ASC
	`)
	if err != nil {
		return nil, engine.WrapStorage("count event types", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, engine.WrapStorage("count event types", err)
		}
		counts[typ] = n
	}
	if err := rows.Err(); err != nil {
		return nil, engine.WrapStorage("count event types", err)
	}
	return counts, nil
}

// ByMetadataReference returns events whose serialized metadata
// contains any of refs as a literal substring, oldest first. The
// entity timeline is built on this.
func (s *Store) ByMetadataReference(ctx context.Context, refs []string, limit int) ([]*Event, error) {
	var conds []string
	var args []any
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		conds = append(conds, `metadata LIKE ? ESCAPE '\'`)
		args = append(args, engine.LikeContains(ref))
	}
	if len(conds) == 0 {
		return []*Event{}, nil
	}

	args = append(args, normalizeLimit(limit))
	query := `
		SELECT id, timestamp, date, type, namespace, title, metadata, detail_key, created_at, updated_at
		FROM events
		WHERE ` + strings.Join(conds, " OR ") + `
		ORDER BY timestamp ASC, seq ASC
		LIMIT ?
	`
	return s.selectEvents(ctx, query, args)
}

// query runs the limited page select plus the full-match aggregate
// for one WHERE clause.
func (s *Store) query(ctx context.Context, where string, args []any, limit int) (*QueryResult, error) {
	pageArgs := make([]any, len(args), len(args)+1)
	copy(pageArgs, args)
	pageArgs = append(pageArgs, normalizeLimit(limit))

	events, err := s.selectEvents(ctx, `
		SELECT id, timestamp, date, type, namespace, title, metadata, detail_key, created_at, updated_at
		FROM events
		WHERE `+where+`
		ORDER BY timestamp ASC, seq ASC
		LIMIT ?
	`, pageArgs)
	if err != nil {
		return nil, err
	}

	stats, err := s.aggregate(ctx, where, args)
	if err != nil {
		return nil, err
	}

	return &QueryResult{Events: events, Stats: *stats}, nil
}

// selectEvents runs one event select and fully drains it, so callers
// may issue their next statement immediately.
func (s *Store) selectEvents(ctx context.Context, query string, args []any) ([]*Event, error) {
	rows, err := s.eng.DB(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.WrapStorage("query events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.WrapStorage("iterate events", err)
	}

	// Return empty slice instead of nil
	if events == nil {
		events = []*Event{}
	}
	return events, nil
}

// aggregate computes full-match stats for one WHERE clause.
func (s *Store) aggregate(ctx context.Context, where string, args []any) (*Stats, error) {
	rows, err := s.eng.DB(ctx).QueryContext(ctx, `
		SELECT type, COUNT(*)
		FROM events
		WHERE `+where+`
		GROUP BY type
	`, args...)
	if err != nil {
		return nil, engine.WrapStorage("aggregate events", err)
	}
	defer rows.Close()

	stats := &Stats{ByType: make(map[string]int64)}
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, engine.WrapStorage("aggregate events", err)
		}
		stats.ByType[typ] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, engine.WrapStorage("aggregate events", err)
	}
	return stats, nil
}

// normalizeLimit applies the default and upper bound to a caller
// limit.
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// parseRange validates an inclusive date range and returns both days
// as midnight UTC instants.
func parseRange(start, end string) (startDay, endDay time.Time, err error) {
	s, errS := time.Parse(time.DateOnly, start)
	if errS != nil {
		return time.Time{}, time.Time{}, engine.NewValidationError("invalid start date %q, want YYYY-MM-DD", start)
	}
	e, errE := time.Parse(time.DateOnly, end)
	if errE != nil {
		return time.Time{}, time.Time{}, engine.NewValidationError("invalid end date %q, want YYYY-MM-DD", end)
	}
	if e.Before(s) {
		return time.Time{}, time.Time{}, engine.NewValidationError("end date %s is before start date %s", end, start)
	}
	return s, e, nil
}

// scanEvent scans the standard event column set from a row iterator.
func scanEvent(rows *sql.Rows) (*Event, error) {
	var ev Event
	var metadataJSON string
	var detailKey sql.NullString

	if err := rows.Scan(
		&ev.ID, &ev.Timestamp, &ev.Date, &ev.Type, &ev.Namespace, &ev.Title,
		&metadataJSON, &detailKey, &ev.CreatedAt, &ev.UpdatedAt,
	); err != nil {
		return nil, engine.WrapStorage("scan event", err)
	}

	return finishEvent(&ev, metadataJSON, detailKey)
}

// scanEventRow scans the standard event column set from a single-row
// query. sql.ErrNoRows passes through for the caller to classify.
func scanEventRow(row *sql.Row) (*Event, error) {
	var ev Event
	var metadataJSON string
	var detailKey sql.NullString

	if err := row.Scan(
		&ev.ID, &ev.Timestamp, &ev.Date, &ev.Type, &ev.Namespace, &ev.Title,
		&metadataJSON, &detailKey, &ev.CreatedAt, &ev.UpdatedAt,
	); err != nil {
		return nil, err
	}

	return finishEvent(&ev, metadataJSON, detailKey)
}

// finishEvent decodes the serialized columns into the event struct.
// Stored "null" metadata comes back as a nil Value: null marks an
// absent payload, not a payload.
func finishEvent(ev *Event, metadataJSON string, detailKey sql.NullString) (*Event, error) {
	if metadataJSON != "" && metadataJSON != "null" {
		md, err := value.DecodeString(metadataJSON)
		if err != nil {
			return nil, fmt.Errorf("decode event %s metadata: %w", ev.ID, err)
		}
		ev.Metadata = md
	}
	if detailKey.Valid {
		ev.DetailKey = &detailKey.String
	}
	return ev, nil
}
