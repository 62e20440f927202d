package events

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/snackdriven/chronicle-sub000/internal/engine"
	"github.com/snackdriven/chronicle-sub000/internal/testutil"
	"github.com/snackdriven/chronicle-sub000/internal/value"
)

// 2023-11-14T22:13:20Z
const baseMillis = int64(1700000000000)

func newTestStore(t *testing.T) (*Store, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(time.UnixMilli(baseMillis).UTC())
	eng, err := engine.Open(
		filepath.Join(t.TempDir(), "chronicle.db"),
		engine.WithClock(clock.Now),
	)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return NewStore(eng), clock
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int64
	}{
		{"epoch millis", "1700000000000", 1700000000000},
		{"rfc3339", "2023-11-14T22:13:20Z", 1700000000000},
		{"rfc3339 with offset", "2023-11-14T23:13:20+01:00", 1700000000000},
		{"datetime", "2023-11-14 22:13:20", 1700000000000},
		{"bare date", "2023-11-14", 1699920000000},
		{"padded", "  1700000000000  ", 1700000000000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, err := ParseTimestamp(tt.input)
			require.NoError(t, err)
			assert.True(t, ts.IsSet())
			assert.Equal(t, tt.want, ts.Millis())
		})
	}
}

func TestParseTimestamp_Rejects(t *testing.T) {
	for _, input := range []string{"", "yesterday", "14/11/2023", "2023-13-40"} {
		_, err := ParseTimestamp(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestTimestamp_UnmarshalJSON(t *testing.T) {
	var doc struct {
		When Timestamp `json:"when"`
	}

	require.NoError(t, jsonUnmarshal(`{"when": 1700000000000}`, &doc))
	assert.Equal(t, baseMillis, doc.When.Millis())

	require.NoError(t, jsonUnmarshal(`{"when": "2023-11-14T22:13:20Z"}`, &doc))
	assert.Equal(t, baseMillis, doc.When.Millis())

	assert.Error(t, jsonUnmarshal(`{"when": true}`, &doc))
	assert.Error(t, jsonUnmarshal(`{"when": "not a time"}`, &doc))
}

func TestTimestamp_UnmarshalYAML(t *testing.T) {
	var doc struct {
		When Timestamp `yaml:"when"`
	}

	require.NoError(t, yaml.Unmarshal([]byte("when: 1700000000000"), &doc))
	assert.Equal(t, baseMillis, doc.When.Millis())

	require.NoError(t, yaml.Unmarshal([]byte(`when: "2023-11-14 22:13:20"`), &doc))
	assert.Equal(t, baseMillis, doc.When.Millis())

	assert.Error(t, yaml.Unmarshal([]byte("when: not a time"), &doc))
}

func TestStore_AssignsIDAndDerivesDate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ev, err := s.Store(ctx, Input{
		When:  TimestampMillis(1700000000000),
		Type:  "ticket",
		Title: "Fix bug",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, int64(1700000000000), ev.Timestamp)
	assert.Equal(t, "2023-11-14", ev.Date)
	assert.Equal(t, "ticket", ev.Type)
	assert.Equal(t, "Fix bug", ev.Title)
	assert.Equal(t, baseMillis, ev.CreatedAt)
	assert.Equal(t, baseMillis, ev.UpdatedAt)
	assert.Nil(t, ev.DetailKey)
}

func TestStore_Validation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Store(ctx, Input{When: TimestampMillis(baseMillis)})
	assert.True(t, engine.IsValidation(err), "missing type: %v", err)

	_, err = s.Store(ctx, Input{Type: "ticket"})
	assert.True(t, engine.IsValidation(err), "missing timestamp: %v", err)
}

func TestStore_DuplicateIDConflicts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	in := Input{ID: "evt-1", When: TimestampMillis(baseMillis), Type: "ticket"}
	_, err := s.Store(ctx, in)
	require.NoError(t, err)

	_, err = s.Store(ctx, in)
	assert.True(t, engine.IsConflict(err), "duplicate id: %v", err)
}

func TestStore_GetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	metadata := value.Object{
		"ticket": value.String("PROJ-123"),
		"points": value.Int(5),
		"tags":   value.Array{value.String("backend"), value.String("urgent")},
	}
	stored, err := s.Store(ctx, Input{
		When:      TimestampMillis(baseMillis),
		Type:      "ticket",
		Namespace: "jira",
		Title:     "Fix bug",
		Metadata:  metadata,
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, stored.ID)
	require.NoError(t, err)

	assert.Equal(t, stored.ID, got.ID)
	assert.Equal(t, stored.Timestamp, got.Timestamp)
	assert.Equal(t, stored.Date, got.Date)
	assert.Equal(t, stored.Type, got.Type)
	assert.Equal(t, stored.Namespace, got.Namespace)
	assert.Equal(t, stored.Title, got.Title)
	assert.True(t, value.Equal(metadata, got.Metadata), "metadata round-trip")
}

func TestStore_NoMetadataReadsBackNil(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	stored, err := s.Store(ctx, Input{When: TimestampMillis(baseMillis), Type: "note"})
	require.NoError(t, err)

	got, err := s.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Metadata)
}

func TestGet_NotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	assert.True(t, engine.IsNotFound(err), "got %v", err)
}

func TestQueryByDate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Store(ctx, Input{When: TimestampMillis(1700000000000), Type: "ticket", Title: "Fix bug"})
	require.NoError(t, err)

	res, err := s.QueryByDate(ctx, "2023-11-14", Filter{Type: "ticket"})
	require.NoError(t, err)

	require.Len(t, res.Events, 1)
	assert.Equal(t, "Fix bug", res.Events[0].Title)
	assert.Equal(t, int64(1), res.Stats.Total)
	assert.Equal(t, int64(1), res.Stats.ByType["ticket"])
}

func TestQueryByDate_StatsCoverFullMatch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i, typ := range []string{"ticket", "ticket", "listen"} {
		_, err := s.Store(ctx, Input{
			When: TimestampMillis(baseMillis + int64(i)*1000),
			Type: typ,
		})
		require.NoError(t, err)
	}

	res, err := s.QueryByDate(ctx, "2023-11-14", Filter{Limit: 1})
	require.NoError(t, err)

	assert.Len(t, res.Events, 1, "events honor the limit")
	assert.Equal(t, int64(3), res.Stats.Total, "stats cover the full match")
	assert.Equal(t, int64(2), res.Stats.ByType["ticket"])
	assert.Equal(t, int64(1), res.Stats.ByType["listen"])

	// A type filter narrows the match, and so the stats.
	res, err = s.QueryByDate(ctx, "2023-11-14", Filter{Type: "ticket"})
	require.NoError(t, err)
	assert.Len(t, res.Events, 2)
	assert.Equal(t, int64(2), res.Stats.Total)
}

func TestQueryByDate_EmptyDay(t *testing.T) {
	s, _ := newTestStore(t)

	res, err := s.QueryByDate(context.Background(), "2020-01-01", Filter{})
	require.NoError(t, err)
	assert.NotNil(t, res.Events)
	assert.Empty(t, res.Events)
	assert.Equal(t, int64(0), res.Stats.Total)
}

func TestQueryByDate_InvalidDate(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.QueryByDate(context.Background(), "14-11-2023", Filter{})
	assert.True(t, engine.IsValidation(err), "got %v", err)

	_, err = s.QueryByDate(context.Background(), "not a date", Filter{})
	assert.True(t, engine.IsValidation(err), "got %v", err)
}

func TestQueryRange_InclusiveBothEnds(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, day := range []string{"2023-11-13", "2023-11-14", "2023-11-15", "2023-11-16"} {
		ts, err := ParseTimestamp(day + " 12:00:00")
		require.NoError(t, err)
		_, err = s.Store(ctx, Input{When: ts, Type: "note", Title: day})
		require.NoError(t, err)
	}

	res, err := s.QueryRange(ctx, "2023-11-14", "2023-11-15", Filter{})
	require.NoError(t, err)

	require.Len(t, res.Events, 2)
	assert.Equal(t, "2023-11-14", res.Events[0].Title)
	assert.Equal(t, "2023-11-15", res.Events[1].Title)
	assert.Equal(t, int64(2), res.Stats.Total)

	// A single-day range includes that whole day.
	res, err = s.QueryRange(ctx, "2023-11-14", "2023-11-14", Filter{})
	require.NoError(t, err)
	assert.Len(t, res.Events, 1)
}

func TestQueryRange_Validation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.QueryRange(ctx, "2023-11-15", "2023-11-14", Filter{})
	assert.True(t, engine.IsValidation(err), "end before start: %v", err)

	_, err = s.QueryRange(ctx, "nope", "2023-11-14", Filter{})
	assert.True(t, engine.IsValidation(err), "bad start: %v", err)

	_, err = s.QueryRange(ctx, "2023-11-14", "nope", Filter{})
	assert.True(t, engine.IsValidation(err), "bad end: %v", err)
}

func TestQuery_InsertionOrderBreaksTimestampTies(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.Store(ctx, Input{When: TimestampMillis(baseMillis), Type: "note", Title: "first"})
	require.NoError(t, err)
	second, err := s.Store(ctx, Input{When: TimestampMillis(baseMillis), Type: "note", Title: "second"})
	require.NoError(t, err)

	res, err := s.QueryByDate(ctx, "2023-11-14", Filter{})
	require.NoError(t, err)

	require.Len(t, res.Events, 2)
	assert.Equal(t, first.ID, res.Events[0].ID)
	assert.Equal(t, second.ID, res.Events[1].ID)
}

func TestSummary(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, typ := range []string{"ticket", "ticket", "listen"} {
		_, err := s.Store(ctx, Input{When: TimestampMillis(baseMillis), Type: typ})
		require.NoError(t, err)
	}

	stats, err := s.Summary(ctx, "2023-11-14")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.ByType["ticket"])
	assert.Equal(t, int64(1), stats.ByType["listen"])

	_, err = s.Summary(ctx, "nope")
	assert.True(t, engine.IsValidation(err), "got %v", err)
}

func TestUpdate_PartialFields(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	stored, err := s.Store(ctx, Input{
		When:      TimestampMillis(baseMillis),
		Type:      "ticket",
		Namespace: "jira",
		Title:     "Fix bug",
		Metadata:  value.Object{"points": value.Int(5)},
	})
	require.NoError(t, err)

	clock.Advance(time.Minute)

	title := "Fix bug properly"
	updated, err := s.Update(ctx, stored.ID, Update{Title: &title})
	require.NoError(t, err)

	assert.Equal(t, "Fix bug properly", updated.Title)
	assert.Equal(t, "jira", updated.Namespace, "unset fields stay")
	assert.True(t, value.Equal(value.Object{"points": value.Int(5)}, updated.Metadata))
	assert.Equal(t, stored.Timestamp, updated.Timestamp)
	assert.Equal(t, stored.CreatedAt, updated.CreatedAt)
	assert.Equal(t, baseMillis+60000, updated.UpdatedAt)
}

func TestUpdate_TimestampRecomputesDate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	stored, err := s.Store(ctx, Input{When: TimestampMillis(1700000000000), Type: "ticket"})
	require.NoError(t, err)
	require.Equal(t, "2023-11-14", stored.Date)

	// 2023-12-01T00:00:00Z
	updated, err := s.Update(ctx, stored.ID, Update{When: TimestampMillis(1701388800000)})
	require.NoError(t, err)
	assert.Equal(t, "2023-12-01", updated.Date)

	old, err := s.QueryByDate(ctx, "2023-11-14", Filter{})
	require.NoError(t, err)
	assert.Empty(t, old.Events, "event left its old day")

	moved, err := s.QueryByDate(ctx, "2023-12-01", Filter{})
	require.NoError(t, err)
	require.Len(t, moved.Events, 1)
	assert.Equal(t, stored.ID, moved.Events[0].ID)
}

func TestUpdate_ClearMetadata(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	stored, err := s.Store(ctx, Input{
		When:     TimestampMillis(baseMillis),
		Type:     "note",
		Metadata: value.Object{"keep": value.Bool(false)},
	})
	require.NoError(t, err)

	updated, err := s.Update(ctx, stored.ID, Update{Metadata: value.Null{}})
	require.NoError(t, err)
	assert.True(t, value.Equal(value.Null{}, updated.Metadata))

	got, err := s.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Metadata, "cleared metadata reads back as absent")
}

func TestUpdate_NotFound(t *testing.T) {
	s, _ := newTestStore(t)

	title := "x"
	_, err := s.Update(context.Background(), "missing", Update{Title: &title})
	assert.True(t, engine.IsNotFound(err), "got %v", err)
}

func TestDelete_RemovesEventAndDetail(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	stored, err := s.Store(ctx, Input{
		When:   TimestampMillis(baseMillis),
		Type:   "ticket",
		Detail: value.Object{"body": value.String("long description")},
	})
	require.NoError(t, err)
	require.NotNil(t, stored.DetailKey)
	key := *stored.DetailKey

	require.NoError(t, s.Delete(ctx, stored.ID))

	_, err = s.Get(ctx, stored.ID)
	assert.True(t, engine.IsNotFound(err), "event gone: %v", err)

	_, err = s.Detail(ctx, key)
	assert.True(t, engine.IsNotFound(err), "detail blob gone with the event: %v", err)
}

func TestDelete_NotFound(t *testing.T) {
	s, _ := newTestStore(t)

	err := s.Delete(context.Background(), "missing")
	assert.True(t, engine.IsNotFound(err), "got %v", err)
}

func TestTypeCounts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, typ := range []string{"ticket", "ticket", "listen", "note"} {
		_, err := s.Store(ctx, Input{When: TimestampMillis(baseMillis), Type: typ})
		require.NoError(t, err)
	}

	counts, err := s.TypeCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"ticket": 2, "listen": 1, "note": 1}, counts)
}

func TestByMetadataReference(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ada, err := s.Store(ctx, Input{
		When:     TimestampMillis(baseMillis),
		Type:     "meeting",
		Metadata: value.Object{"attendee": value.String("Ada Lovelace")},
	})
	require.NoError(t, err)

	_, err = s.Store(ctx, Input{
		When:     TimestampMillis(baseMillis),
		Type:     "meeting",
		Metadata: value.Object{"attendee": value.String("Charles Babbage")},
	})
	require.NoError(t, err)

	got, err := s.ByMetadataReference(ctx, []string{"Ada Lovelace"}, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ada.ID, got[0].ID)
}

func TestByMetadataReference_EscapesWildcards(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	exact, err := s.Store(ctx, Input{
		When:     TimestampMillis(baseMillis),
		Type:     "note",
		Metadata: value.Object{"progress": value.String("50% done")},
	})
	require.NoError(t, err)

	_, err = s.Store(ctx, Input{
		When:     TimestampMillis(baseMillis),
		Type:     "note",
		Metadata: value.Object{"progress": value.String("500 done")},
	})
	require.NoError(t, err)

	got, err := s.ByMetadataReference(ctx, []string{"50%"}, 0)
	require.NoError(t, err)
	require.Len(t, got, 1, "literal %% must not act as a wildcard")
	assert.Equal(t, exact.ID, got[0].ID)
}

func TestByMetadataReference_NoRefs(t *testing.T) {
	s, _ := newTestStore(t)

	got, err := s.ByMetadataReference(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.ByMetadataReference(context.Background(), []string{""}, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func jsonUnmarshal(data string, v any) error {
	return json.Unmarshal([]byte(data), v)
}
