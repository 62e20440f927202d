package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityCreateAndGet(t *testing.T) {
	opts, _ := newTestOptions(t, "ent-1")

	out, err := execute(t, NewEntityCommand(opts),
		"create", "person", "Ada Lovelace", "--properties", `{"role":"mathematician"}`)
	require.NoError(t, err)
	assert.Contains(t, out, `created person "Ada Lovelace" (ent-1)`)

	// Lookup works by name and by id.
	out, err = execute(t, NewEntityCommand(opts), "get", "Ada Lovelace")
	require.NoError(t, err)
	assert.Contains(t, out, "id: ent-1")
	assert.Contains(t, out, `properties: {"role":"mathematician"}`)

	out, err = execute(t, NewEntityCommand(opts), "get", "ent-1")
	require.NoError(t, err)
	assert.Contains(t, out, "name: Ada Lovelace")
}

func TestEntityCreateDuplicateName(t *testing.T) {
	opts, _ := newTestOptions(t, "ent-1", "ent-2")

	_, err := execute(t, NewEntityCommand(opts), "create", "person", "Ada")
	require.NoError(t, err)

	_, err = execute(t, NewEntityCommand(opts), "create", "project", "Ada")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONFLICT")
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestEntityUpdateAndVersions(t *testing.T) {
	opts, _ := newTestOptions(t, "ent-1")

	_, err := execute(t, NewEntityCommand(opts),
		"create", "person", "Ada", "--properties", `{"role":"mathematician"}`)
	require.NoError(t, err)

	out, err := execute(t, NewEntityCommand(opts),
		"update", "Ada", "--properties", `{"role":"countess"}`, "--by", "ada", "--reason", "peerage")
	require.NoError(t, err)
	assert.Contains(t, out, `updated person "Ada"`)
	assert.Contains(t, out, `properties: {"role":"countess"}`)

	out, err = execute(t, NewEntityCommand(opts), "versions", "Ada")
	require.NoError(t, err)
	assert.Contains(t, out, "v2")
	assert.Contains(t, out, "by ada")
	assert.Contains(t, out, "(peerage)")
	assert.Contains(t, out, `{"role":"mathematician"}`, "version 1 keeps the original snapshot")
}

func TestEntityUpdateRequiresProperties(t *testing.T) {
	opts, _ := newTestOptions(t, "ent-1")

	_, err := execute(t, NewEntityCommand(opts), "create", "person", "Ada")
	require.NoError(t, err)

	_, err = execute(t, NewEntityCommand(opts), "update", "Ada")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "properties")
}

func TestEntityListAndTypes(t *testing.T) {
	opts, _ := newTestOptions(t, "ent-1", "ent-2", "ent-3")

	seed := [][]string{
		{"create", "person", "Ada"},
		{"create", "person", "Babbage"},
		{"create", "project", "Analytical Engine"},
	}
	for _, args := range seed {
		_, err := execute(t, NewEntityCommand(opts), args...)
		require.NoError(t, err)
	}

	out, err := execute(t, NewEntityCommand(opts), "list", "--type", "person")
	require.NoError(t, err)
	assert.Contains(t, out, "Ada")
	assert.Contains(t, out, "Babbage")
	assert.NotContains(t, out, "Analytical Engine")

	out, err = execute(t, NewEntityCommand(opts), "list", "--type", "all")
	require.NoError(t, err)
	assert.Contains(t, out, "Analytical Engine")

	out, err = execute(t, NewEntityCommand(opts), "types")
	require.NoError(t, err)
	assert.Contains(t, out, "person       2")
	assert.Contains(t, out, "project      1")
}

func TestEntityRelateAndRelations(t *testing.T) {
	opts, _ := newTestOptions(t, "ent-1", "ent-2", "rel-1")

	_, err := execute(t, NewEntityCommand(opts), "create", "person", "Ada")
	require.NoError(t, err)
	_, err = execute(t, NewEntityCommand(opts), "create", "project", "Analytical Engine")
	require.NoError(t, err)

	out, err := execute(t, NewEntityCommand(opts),
		"relate", "Ada", "works_on", "Analytical Engine")
	require.NoError(t, err)
	assert.Contains(t, out, "related ent-1 -works_on-> ent-2 (rel-1)")

	out, err = execute(t, NewEntityCommand(opts), "relations", "Ada")
	require.NoError(t, err)
	assert.Contains(t, out, "ent-1 -> works_on")

	// From the target's point of view the same edge points inward.
	out, err = execute(t, NewEntityCommand(opts),
		"relations", "Analytical Engine", "--direction", "to")
	require.NoError(t, err)
	assert.Contains(t, out, "ent-1 <- works_on")

	out, err = execute(t, NewEntityCommand(opts),
		"relations", "Ada", "--direction", "to")
	require.NoError(t, err)
	assert.NotContains(t, out, "rel-1", "Ada has no inbound relations")
}

func TestEntityRelationsBadDirection(t *testing.T) {
	opts, _ := newTestOptions(t, "ent-1")

	_, err := execute(t, NewEntityCommand(opts), "create", "person", "Ada")
	require.NoError(t, err)

	_, err = execute(t, NewEntityCommand(opts),
		"relations", "Ada", "--direction", "sideways")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VALIDATION")
}

func TestEntityRelateMissingEndpoint(t *testing.T) {
	opts, _ := newTestOptions(t, "ent-1")

	_, err := execute(t, NewEntityCommand(opts), "create", "person", "Ada")
	require.NoError(t, err)

	_, err = execute(t, NewEntityCommand(opts), "relate", "Ada", "knows", "Nobody")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

func TestEntityDelete(t *testing.T) {
	opts, _ := newTestOptions(t, "ent-1", "ent-2", "rel-1")

	_, err := execute(t, NewEntityCommand(opts), "create", "person", "Ada")
	require.NoError(t, err)
	_, err = execute(t, NewEntityCommand(opts), "create", "project", "Analytical Engine")
	require.NoError(t, err)
	_, err = execute(t, NewEntityCommand(opts), "relate", "Ada", "works_on", "Analytical Engine")
	require.NoError(t, err)

	out, err := execute(t, NewEntityCommand(opts), "delete", "Ada")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted entity Ada")

	_, err = execute(t, NewEntityCommand(opts), "get", "Ada")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_FOUND")

	// The relation died with its endpoint.
	out, err = execute(t, NewEntityCommand(opts), "relations", "Analytical Engine")
	require.NoError(t, err)
	assert.NotContains(t, out, "rel-1")
}

func TestEntitySearch(t *testing.T) {
	opts, _ := newTestOptions(t, "ent-1", "ent-2")

	_, err := execute(t, NewEntityCommand(opts),
		"create", "person", "Ada Lovelace", "--properties", `{"field":"mathematics"}`)
	require.NoError(t, err)
	_, err = execute(t, NewEntityCommand(opts), "create", "person", "Charles Babbage")
	require.NoError(t, err)

	out, err := execute(t, NewEntityCommand(opts), "search", "lovelace")
	require.NoError(t, err)
	assert.Contains(t, out, "Ada Lovelace")
	assert.NotContains(t, out, "Babbage")

	// Properties match too.
	out, err = execute(t, NewEntityCommand(opts), "search", "mathematics")
	require.NoError(t, err)
	assert.Contains(t, out, "Ada Lovelace")
}

func TestEntityTimeline(t *testing.T) {
	opts, _ := newTestOptions(t, "ent-1")

	_, err := execute(t, NewEntityCommand(opts), "create", "person", "Ada")
	require.NoError(t, err)

	_, err = execute(t, NewEventCommand(opts),
		"store", "--id", "evt-1", "--type", "meeting", "--title", "tea",
		"--metadata", `{"with":"Ada"}`)
	require.NoError(t, err)
	_, err = execute(t, NewEventCommand(opts),
		"store", "--id", "evt-2", "--type", "meeting", "--title", "unrelated")
	require.NoError(t, err)

	out, err := execute(t, NewEntityCommand(opts), "timeline", "Ada")
	require.NoError(t, err)
	assert.Contains(t, out, "evt-1")
	assert.NotContains(t, out, "evt-2")
}
