package entities

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snackdriven/chronicle-sub000/internal/engine"
	"github.com/snackdriven/chronicle-sub000/internal/events"
	"github.com/snackdriven/chronicle-sub000/internal/testutil"
	"github.com/snackdriven/chronicle-sub000/internal/value"
)

// 2023-11-14T22:13:20Z
const baseMillis = int64(1700000000000)

func newTestStores(t *testing.T) (*Store, *events.Store, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(time.UnixMilli(baseMillis).UTC())
	eng, err := engine.Open(
		filepath.Join(t.TempDir(), "chronicle.db"),
		engine.WithClock(clock.Now),
	)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	ev := events.NewStore(eng)
	return NewStore(eng, ev), ev, clock
}

func TestCreate_WritesVersionOne(t *testing.T) {
	s, _, _ := newTestStores(t)
	ctx := context.Background()

	props := value.Object{"lang": value.String("en")}
	ent, err := s.Create(ctx, "person", "Ada", props)
	require.NoError(t, err)

	assert.NotEmpty(t, ent.ID)
	assert.Equal(t, "person", ent.Type)
	assert.Equal(t, "Ada", ent.Name)
	assert.True(t, value.Equal(props, ent.Properties))
	assert.Equal(t, baseMillis, ent.CreatedAt)
	assert.Equal(t, baseMillis, ent.UpdatedAt)

	versions, err := s.Versions(ctx, "Ada", 0)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, int64(1), versions[0].Version)
	assert.Equal(t, ent.ID, versions[0].EntityID)
	assert.True(t, value.Equal(props, versions[0].Properties))
	assert.Equal(t, baseMillis, versions[0].ChangedAt)
}

func TestCreate_NilPropertiesBecomeEmptyObject(t *testing.T) {
	s, _, _ := newTestStores(t)
	ctx := context.Background()

	ent, err := s.Create(ctx, "person", "Ada", nil)
	require.NoError(t, err)
	assert.True(t, value.Equal(value.Object{}, ent.Properties))

	got, err := s.Get(ctx, ent.ID)
	require.NoError(t, err)
	assert.True(t, value.Equal(value.Object{}, got.Properties))
}

func TestCreate_Validation(t *testing.T) {
	s, _, _ := newTestStores(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "", "Ada", nil)
	assert.True(t, engine.IsValidation(err), "missing type: %v", err)

	_, err = s.Create(ctx, "person", "  ", nil)
	assert.True(t, engine.IsValidation(err), "blank name: %v", err)

	_, err = s.Create(ctx, "person", "Ada", value.String("not an object"))
	assert.True(t, engine.IsValidation(err), "non-object properties: %v", err)
}

func TestCreate_DuplicateNameConflictsAcrossTypes(t *testing.T) {
	s, _, _ := newTestStores(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "person", "Ada", nil)
	require.NoError(t, err)

	// Same name under a different type still collides: uniqueness spans
	// all types.
	_, err = s.Create(ctx, "project", "Ada", nil)
	assert.True(t, engine.IsConflict(err), "got %v", err)

	stats, err := s.TypeStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"person": 1}, stats, "no row written for the losing create")
}

func TestCreate_UnicodeNormalizationCollides(t *testing.T) {
	s, _, _ := newTestStores(t)
	ctx := context.Background()

	// "café" with a precomposed é.
	_, err := s.Create(ctx, "place", "café", nil)
	require.NoError(t, err)

	// The same name spelled with a combining accent normalizes to the
	// same NFC form and must collide, not coexist.
	_, err = s.Create(ctx, "place", "café", nil)
	assert.True(t, engine.IsConflict(err), "got %v", err)

	got, err := s.Get(ctx, "café")
	require.NoError(t, err, "lookup normalizes the same way")
	assert.Equal(t, "café", got.Name)
}

func TestGet_ByNameAndByID(t *testing.T) {
	s, _, _ := newTestStores(t)
	ctx := context.Background()

	ent, err := s.Create(ctx, "person", "Ada", nil)
	require.NoError(t, err)

	byName, err := s.Get(ctx, "Ada")
	require.NoError(t, err)
	assert.Equal(t, ent.ID, byName.ID)

	byID, err := s.Get(ctx, ent.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", byID.Name)
}

func TestGet_NotFound(t *testing.T) {
	s, _, _ := newTestStores(t)

	_, err := s.Get(context.Background(), "missing")
	assert.True(t, engine.IsNotFound(err), "got %v", err)
}

func TestUpdate_ReplacesPropertiesAndAppendsVersion(t *testing.T) {
	s, _, clock := newTestStores(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "person", "Ada", value.Object{
		"role": value.String("engineer"),
		"team": value.String("compilers"),
	})
	require.NoError(t, err)

	clock.Advance(time.Minute)

	// Replace semantics: the new set is the whole set; "team" is gone.
	updated, err := s.Update(ctx, "Ada", value.Object{
		"role": value.String("manager"),
	}, "importer", "promotion")
	require.NoError(t, err)

	assert.True(t, value.Equal(value.Object{"role": value.String("manager")}, updated.Properties))
	assert.Equal(t, baseMillis+60000, updated.UpdatedAt)

	versions, err := s.Versions(ctx, "Ada", 0)
	require.NoError(t, err)
	require.Len(t, versions, 2)

	assert.Equal(t, int64(2), versions[0].Version, "newest first")
	assert.Equal(t, "importer", versions[0].ChangedBy)
	assert.Equal(t, "promotion", versions[0].ChangeReason)
	assert.True(t, value.Equal(value.Object{"role": value.String("manager")}, versions[0].Properties))

	assert.Equal(t, int64(1), versions[1].Version)
	assert.True(t, value.Equal(value.Object{
		"role": value.String("engineer"),
		"team": value.String("compilers"),
	}, versions[1].Properties), "version 1 keeps the creation snapshot")
}

func TestUpdate_SequentialVersionNumbers(t *testing.T) {
	s, _, _ := newTestStores(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "person", "Ada", nil)
	require.NoError(t, err)

	const updates = 4
	for i := 0; i < updates; i++ {
		_, err := s.Update(ctx, "Ada", value.Object{"n": value.Int(int64(i))}, "test", "")
		require.NoError(t, err)
	}

	versions, err := s.Versions(ctx, "Ada", 0)
	require.NoError(t, err)
	require.Len(t, versions, updates+1, "N updates mean N+1 versions including creation")

	// Strictly 5,4,3,2,1 newest first, no gaps.
	for i, v := range versions {
		assert.Equal(t, int64(updates+1-i), v.Version)
	}
}

func TestUpdate_ByID(t *testing.T) {
	s, _, _ := newTestStores(t)
	ctx := context.Background()

	ent, err := s.Create(ctx, "person", "Ada", nil)
	require.NoError(t, err)

	updated, err := s.Update(ctx, ent.ID, value.Object{"x": value.Int(1)}, "", "")
	require.NoError(t, err)
	assert.Equal(t, ent.ID, updated.ID)
}

func TestUpdate_NotFound(t *testing.T) {
	s, _, _ := newTestStores(t)

	_, err := s.Update(context.Background(), "missing", value.Object{}, "", "")
	assert.True(t, engine.IsNotFound(err), "got %v", err)
}

func TestDelete_CascadesVersionsAndRelations(t *testing.T) {
	s, _, _ := newTestStores(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "person", "Ada", nil)
	require.NoError(t, err)
	_, err = s.Create(ctx, "project", "Lang", nil)
	require.NoError(t, err)

	_, err = s.Update(ctx, "Ada", value.Object{"v": value.Int(2)}, "", "")
	require.NoError(t, err)

	_, err = s.CreateRelation(ctx, "Ada", "works_on", "Lang", nil)
	require.NoError(t, err)
	_, err = s.CreateRelation(ctx, "Lang", "includes", "Ada", nil)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "Ada"))

	_, err = s.Get(ctx, "Ada")
	assert.True(t, engine.IsNotFound(err), "entity gone: %v", err)

	// Both relations touched Ada, so both cascaded; nothing orphaned.
	rels, err := s.Relations(ctx, "Lang", DirectionBoth, "")
	require.NoError(t, err)
	assert.Empty(t, rels)

	stats, err := s.TypeStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"project": 1}, stats)
}

func TestDelete_NotFound(t *testing.T) {
	s, _, _ := newTestStores(t)

	err := s.Delete(context.Background(), "missing")
	assert.True(t, engine.IsNotFound(err), "got %v", err)
}

func TestDelete_FreesNameForReuse(t *testing.T) {
	s, _, _ := newTestStores(t)
	ctx := context.Background()

	first, err := s.Create(ctx, "person", "Ada", nil)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "Ada"))

	second, err := s.Create(ctx, "project", "Ada", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	// The fresh entity starts its own history at version 1.
	versions, err := s.Versions(ctx, "Ada", 0)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, int64(1), versions[0].Version)
}

func TestVersions_Limit(t *testing.T) {
	s, _, _ := newTestStores(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "person", "Ada", nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.Update(ctx, "Ada", value.Object{"n": value.Int(int64(i))}, "", "")
		require.NoError(t, err)
	}

	versions, err := s.Versions(ctx, "Ada", 2)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, int64(4), versions[0].Version)
	assert.Equal(t, int64(3), versions[1].Version)
}

func TestVersions_NotFound(t *testing.T) {
	s, _, _ := newTestStores(t)

	_, err := s.Versions(context.Background(), "missing", 0)
	assert.True(t, engine.IsNotFound(err), "got %v", err)
}

func TestListByType(t *testing.T) {
	s, _, _ := newTestStores(t)
	ctx := context.Background()

	for _, e := range []struct{ typ, name string }{
		{"person", "Grace"},
		{"person", "Ada"},
		{"project", "Lang"},
	} {
		_, err := s.Create(ctx, e.typ, e.name, nil)
		require.NoError(t, err)
	}

	people, err := s.ListByType(ctx, "person", 0)
	require.NoError(t, err)
	require.Len(t, people, 2)
	assert.Equal(t, "Ada", people[0].Name, "ordered by name")
	assert.Equal(t, "Grace", people[1].Name)

	// The literal type "all" lists everything.
	all, err := s.ListByType(ctx, TypeAll, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	everything, err := s.ListAll(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, everything, 3)

	none, err := s.ListByType(ctx, "ghost", 0)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestListAll_Limit(t *testing.T) {
	s, _, _ := newTestStores(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		_, err := s.Create(ctx, "note", name, nil)
		require.NoError(t, err)
	}

	got, err := s.ListAll(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestTypeStats(t *testing.T) {
	s, _, _ := newTestStores(t)
	ctx := context.Background()

	for _, e := range []struct{ typ, name string }{
		{"person", "Ada"},
		{"person", "Grace"},
		{"project", "Lang"},
	} {
		_, err := s.Create(ctx, e.typ, e.name, nil)
		require.NoError(t, err)
	}

	stats, err := s.TypeStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"person": 2, "project": 1}, stats)
}
