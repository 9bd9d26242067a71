// Unit tests for patch emission, coalescing, application and undo.
package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/entitygraph/pkg/types"
)

type recorder struct {
	patches []types.Patch
}

func (r *recorder) listen(p types.Patch) { r.patches = append(r.patches, p) }

func TestPatchEmission(t *testing.T) {
	c := newCollection(t, types.Config{})
	var coll recorder
	c.OnPatch(coll.listen)

	rex := mustAdd(t, c, map[string]any{"id": 1, "name": "Rex"}, "pet")
	var own recorder
	rex.OnPatch(own.listen)

	require.NoError(t, rex.Set("name", "Rexy"))
	require.NoError(t, rex.Set("name", "Rexy"))
	require.NoError(t, rex.Update(map[string]any{"name": "Max", "color": "red"}))
	require.NoError(t, c.RemoveOne(rex))

	require.Len(t, coll.patches, 4)
	assert.Equal(t, types.PatchCreate, coll.patches[0].PatchType)
	assert.Equal(t, "Rex", coll.patches[0].NewValue["name"])
	assert.Nil(t, coll.patches[0].OldValue)

	assert.Equal(t, types.Patch{
		PatchType: types.PatchUpdate,
		Model:     types.RefToken{Type: "pet", ID: int64(1)},
		OldValue:  map[string]any{"name": "Rex"},
		NewValue:  map[string]any{"name": "Rexy"},
	}, coll.patches[1])

	assert.Equal(t, map[string]any{"name": "Rexy", "color": nil}, coll.patches[2].OldValue)
	assert.Equal(t, map[string]any{"name": "Max", "color": "red"}, coll.patches[2].NewValue)

	assert.Equal(t, types.PatchRemove, coll.patches[3].PatchType)
	assert.Equal(t, "Max", coll.patches[3].OldValue["name"])

	assert.Equal(t, coll.patches[1:], own.patches, "record listeners see their own patches")
}

func TestPatchCoalescing(t *testing.T) {
	r, err := NewRecord(noteClass, map[string]any{"foo": 1}, nil)
	require.NoError(t, err)
	var rec recorder
	r.OnPatch(rec.listen)

	e := r.entry()
	r.begin(e)
	require.NoError(t, r.Set("foo", 2))
	require.NoError(t, r.Set("foo", 3))
	require.NoError(t, r.Assign("bar", "x"))
	require.NoError(t, r.Assign("bar", nil))
	assert.Empty(t, rec.patches, "nothing is emitted inside an operation")
	r.end(e)

	require.Len(t, rec.patches, 1)
	assert.Equal(t, map[string]any{"foo": 1}, rec.patches[0].OldValue)
	assert.Equal(t, map[string]any{"foo": 3}, rec.patches[0].NewValue)

	r.begin(e)
	require.NoError(t, r.Set("foo", 4))
	require.NoError(t, r.Set("foo", 3))
	r.end(e)
	assert.Len(t, rec.patches, 1, "a net-empty diff emits nothing")
}

func TestListenerUnregister(t *testing.T) {
	c := newCollection(t, types.Config{})
	var first, second recorder
	stop := c.OnPatch(first.listen)
	c.OnPatch(second.listen)

	mustAdd(t, c, map[string]any{"name": "Rex"}, "pet")
	stop()
	stop()
	mustAdd(t, c, map[string]any{"name": "Fido"}, "pet")

	assert.Len(t, first.patches, 1)
	assert.Len(t, second.patches, 2)
}

func TestApplyPatch(t *testing.T) {
	create := types.Patch{
		PatchType: types.PatchCreate,
		Model:     types.RefToken{Type: "pet", ID: 1},
		NewValue:  map[string]any{"name": "Rex"},
	}
	update := types.Patch{
		PatchType: types.PatchUpdate,
		Model:     types.RefToken{Type: "pet", ID: 1},
		OldValue:  map[string]any{"name": "Rex"},
		NewValue:  map[string]any{"name": "Max"},
	}
	remove := types.Patch{PatchType: types.PatchRemove, Model: types.RefToken{Type: "pet", ID: 1}}

	tests := []struct {
		name    string
		seed    bool
		patch   types.Patch
		wantErr error
		wantLen int
	}{
		{name: "create", patch: create, wantLen: 1},
		{name: "create existing", seed: true, patch: create, wantErr: types.ErrPatchTargetExists, wantLen: 1},
		{name: "create without value", patch: types.Patch{PatchType: types.PatchCreate, Model: create.Model}, wantErr: types.ErrPatchValueMissing},
		{name: "create unknown type", patch: types.Patch{PatchType: types.PatchCreate, Model: types.RefToken{Type: "robot", ID: 1}, NewValue: map[string]any{}}, wantErr: types.ErrUnknownModel},
		{name: "update", seed: true, patch: update, wantLen: 1},
		{name: "update missing target", patch: update, wantErr: types.ErrPatchTargetMissing},
		{name: "update without value", seed: true, patch: types.Patch{PatchType: types.PatchUpdate, Model: update.Model}, wantErr: types.ErrPatchValueMissing, wantLen: 1},
		{name: "remove", seed: true, patch: remove},
		{name: "remove absent", patch: remove},
		{name: "unknown type", patch: types.Patch{PatchType: "MOVE"}, wantErr: types.ErrPatchTokenUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCollection(t, types.Config{})
			if tt.seed {
				mustAdd(t, c, map[string]any{"id": 1, "name": "Rex"}, "pet")
			}
			err := c.ApplyPatch(tt.patch)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantLen, c.Len())
		})
	}
}

func TestPatchInversion(t *testing.T) {
	c := newCollection(t, types.Config{})
	steve := mustAdd(t, c, map[string]any{"id": 1, "firstName": "Steve"}, "person")
	rex := mustAdd(t, c, map[string]any{"id": 1, "name": "Rex", "friends": []any{}}, "pet")

	var rec recorder
	c.OnPatch(rec.listen)
	require.NoError(t, rex.Update(map[string]any{"name": "Max", "owner": steve, "friends": []any{rex}}))
	require.Len(t, rec.patches, 1)
	p := rec.patches[0]

	require.NoError(t, c.UndoPatch(p))
	assert.Equal(t, "Rex", rex.Get("name"))
	assert.Nil(t, rex.One("owner"))
	assert.Empty(t, rex.Many("friends"))

	require.NoError(t, c.ApplyPatch(p))
	assert.Equal(t, "Max", rex.Get("name"))
	assert.Same(t, steve, rex.One("owner"))
	assert.Equal(t, []types.Record{rex}, rex.Many("friends"))
}

func TestUndoCreateAndRemove(t *testing.T) {
	c := newCollection(t, types.Config{})
	var rec recorder
	c.OnPatch(rec.listen)

	rex := mustAdd(t, c, map[string]any{"id": "r", "name": "Rex"}, "pet")
	require.NoError(t, c.UndoPatch(rec.patches[0]))
	assert.Equal(t, 0, c.Len())
	assert.Nil(t, rex.Collection())

	require.NoError(t, c.UndoPatch(rec.patches[1]))
	again := c.Find("pet", "r")
	require.NotNil(t, again)
	assert.Equal(t, "Rex", again.Get("name"))
}

func TestPatchStreamReplay(t *testing.T) {
	src := newCollection(t, types.Config{})
	var rec recorder
	src.OnPatch(rec.listen)

	steve := mustAdd(t, src, map[string]any{"id": 1, "firstName": "Steve"}, "person")
	rex := mustAdd(t, src, map[string]any{"id": 2, "name": "Rex"}, "pet")
	require.NoError(t, rex.Set("owner", steve))
	require.NoError(t, rex.Set("name", "Max"))

	dst := newCollection(t, types.Config{})
	for _, p := range rec.patches {
		body, err := types.EncodePatch(p, types.PatchTokenLegacy)
		require.NoError(t, err)
		var decoded types.Patch
		require.NoError(t, json.Unmarshal(body, &decoded))
		require.NoError(t, dst.ApplyPatch(decoded))
	}

	got := dst.Find("pet", 2)
	require.NotNil(t, got)
	assert.Equal(t, "Max", got.Get("name"))
	require.NotNil(t, got.One("owner"))
	assert.Equal(t, int64(1), got.One("owner").ID())
}

func TestRecordApplyPatchDetached(t *testing.T) {
	r, err := NewRecord(noteClass, map[string]any{"id": "n1", "foo": 1}, nil)
	require.NoError(t, err)

	p := types.Patch{
		PatchType: types.PatchUpdate,
		Model:     types.RefToken{Type: "note", ID: "n1"},
		OldValue:  map[string]any{"foo": 1},
		NewValue:  map[string]any{"foo": 2},
	}
	require.NoError(t, r.ApplyPatch(p))
	assert.Equal(t, 2, r.Get("foo"))
	require.NoError(t, r.UndoPatch(p))
	assert.Equal(t, 1, r.Get("foo"))

	other := p
	other.Model.ID = "n2"
	assert.ErrorIs(t, r.ApplyPatch(other), types.ErrPatchTargetMissing)

	c := newCollection(t, types.Config{}, noteClass)
	_, err = c.Add(r, "")
	require.NoError(t, err)
	require.NoError(t, r.ApplyPatch(p))
	assert.Equal(t, 2, r.Get("foo"))
}
