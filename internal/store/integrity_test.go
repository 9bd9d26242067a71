// Unit tests for id changes and their propagation.
package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/entitygraph/pkg/types"
)

func TestChangeIDPropagation(t *testing.T) {
	c := newCollection(t, types.Config{})
	b := mustAdd(t, c, map[string]any{"id": 5, "firstName": "B"}, "person")
	a := mustAdd(t, c, map[string]any{"id": 1, "name": "A", "owner": 5}, "pet")
	pal := mustAdd(t, c, map[string]any{"id": 2, "name": "Pal", "friends": []any{1, 3}}, "pet")
	mustAdd(t, c, map[string]any{"id": 3, "name": "Other"}, "pet")

	require.NoError(t, b.ChangeID(9))
	assert.Same(t, b, a.One("owner"))
	assert.Nil(t, c.Find("person", 5))
	assert.Same(t, b, c.Find("person", 9))
	assert.Equal(t, int64(9), b.Get("id"))
	assert.False(t, a.IsDirty("owner"), "baselines follow the new id")

	require.NoError(t, a.ChangeID("a"))
	assert.Equal(t, []any{"a", int64(3)}, pal.entry().fields["friends"])
	assert.Len(t, pal.Many("friends"), 2)
	assert.Same(t, b, a.One("owner"))
	assert.Len(t, b.Many("pets"), 1)
}

func TestChangeIDTokens(t *testing.T) {
	c := newCollection(t, types.Config{}, personClass, petClass, noteClass)
	b := mustAdd(t, c, map[string]any{"id": 5}, "person")
	recs, err := c.Insert([]map[string]any{{
		types.MetaKey: map[string]any{
			types.MetaType: "note",
			types.MetaRefs: map[string]any{"about": map[string]any{"kind": "to_many"}},
		},
		"about": []any{types.RefToken{Type: "person", ID: 5}},
	}})
	require.NoError(t, err)
	note := recs[0]
	require.Len(t, note.Many("about"), 1)

	require.NoError(t, b.ChangeID(6))
	about := note.Many("about")
	require.Len(t, about, 1)
	assert.Same(t, b, about[0])
}

func TestChangeIDErrors(t *testing.T) {
	c := newCollection(t, types.Config{})
	a := mustAdd(t, c, map[string]any{"id": 1}, "person")
	mustAdd(t, c, map[string]any{"id": 2}, "person")
	mustAdd(t, c, map[string]any{"id": 3}, "pet")

	assert.ErrorIs(t, a.ChangeID(2), types.ErrIDConflict)
	assert.ErrorIs(t, a.ChangeID(nil), types.ErrInvalidID)
	assert.ErrorIs(t, a.ChangeID(1.5), types.ErrInvalidID)
	require.NoError(t, a.ChangeID(3), "ids are unique per type")
	require.NoError(t, a.ChangeID("3"), "same identity is a no-op")
	assert.Same(t, a, c.Find("person", 3))
}

func TestChangeIDDetached(t *testing.T) {
	r, err := NewRecord(personClass, map[string]any{"id": 1}, nil)
	require.NoError(t, err)
	require.NoError(t, r.ChangeID("x"))
	assert.Equal(t, "x", r.ID())
}

func TestChangeIDEmitsNoPatch(t *testing.T) {
	c := newCollection(t, types.Config{})
	b := mustAdd(t, c, map[string]any{"id": 5}, "person")
	mustAdd(t, c, map[string]any{"id": 1, "owner": 5}, "pet")

	var patches []types.Patch
	c.OnPatch(func(p types.Patch) { patches = append(patches, p) })
	require.NoError(t, b.ChangeID(9))
	assert.Empty(t, patches)
}

func TestRemovalPruneEmitsUpdates(t *testing.T) {
	c := newCollection(t, types.Config{})
	b := mustAdd(t, c, map[string]any{"id": 5}, "person")
	a := mustAdd(t, c, map[string]any{"id": 1, "owner": 5}, "pet")

	var patches []types.Patch
	c.OnPatch(func(p types.Patch) { patches = append(patches, p) })
	require.NoError(t, c.RemoveOne(b))

	require.Len(t, patches, 2)
	assert.Equal(t, types.PatchUpdate, patches[0].PatchType)
	assert.Equal(t, types.RefToken{Type: "pet", ID: int64(1)}, patches[0].Model)
	assert.Equal(t, map[string]any{"owner": int64(5)}, patches[0].OldValue)
	assert.Equal(t, map[string]any{"owner": nil}, patches[0].NewValue)
	assert.Equal(t, types.PatchRemove, patches[1].PatchType)

	for i := len(patches) - 1; i >= 0; i-- {
		require.NoError(t, c.UndoPatch(patches[i]))
	}
	restored := c.Find("person", 5)
	require.NotNil(t, restored)
	assert.Same(t, restored, a.One("owner"))
}
