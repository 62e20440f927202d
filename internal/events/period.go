package events

import (
	"context"
	"fmt"

	"github.com/snackdriven/chronicle-sub000/internal/engine"
)

// Period is the closed set of aggregation buckets. Each period maps
// through a total switch to a fixed SQL expression; caller input is
// never spliced into SQL text.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// ParsePeriod validates a caller-supplied period name.
func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case PeriodDay, PeriodWeek, PeriodMonth:
		return Period(s), nil
	default:
		return "", engine.NewValidationError("unknown period %q, want day, week, or month", s)
	}
}

// bucketExpr returns the SQL grouping expression for a period. The
// expressions operate on the derived date column, so buckets follow
// the same UTC calendar days as date queries.
func (p Period) bucketExpr() (string, error) {
	switch p {
	case PeriodDay:
		return "date", nil
	case PeriodWeek:
		return "strftime('%Y-W%W', date)", nil
	case PeriodMonth:
		return "strftime('%Y-%m', date)", nil
	default:
		return "", engine.NewValidationError("unknown period %q, want day, week, or month", string(p))
	}
}

// PeriodCount is one aggregation bucket.
type PeriodCount struct {
	Bucket string `json:"bucket"`
	Count  int64  `json:"count"`
}

// CountsByPeriod groups the event log into day, week, or month
// buckets, oldest bucket first. Filter.Type narrows the count;
// Filter.Limit caps the number of buckets returned.
func (s *Store) CountsByPeriod(ctx context.Context, p Period, f Filter) ([]PeriodCount, error) {
	expr, err := p.bucketExpr()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s AS bucket, COUNT(*) FROM events`, expr)
	var args []any
	if f.Type != "" {
		query += " WHERE type = ?"
		args = append(args, f.Type)
	}
	query += " GROUP BY bucket ORDER BY bucket ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.eng.DB(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.WrapStorage("count events by period", err)
	}
	defer rows.Close()

	var counts []PeriodCount
	for rows.Next() {
		var pc PeriodCount
		if err := rows.Scan(&pc.Bucket, &pc.Count); err != nil {
			return nil, engine.WrapStorage("count events by period", err)
		}
		counts = append(counts, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.WrapStorage("count events by period", err)
	}

	if counts == nil {
		counts = []PeriodCount{}
	}
	return counts, nil
}
