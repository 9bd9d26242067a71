// Unit tests for the identity map: insert, add, upsert, find and removal.
package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/entitygraph/pkg/types"
)

// Person and pet classes: pets is derived from the owner field of pets.
var (
	personClass = types.NewClass("person").
			Identifier("id").
			Field("firstName", types.FieldOptions{}).
			Reference("pets", types.ReferenceOptions{Kind: types.ToMany, Target: "pet", Property: "owner"}).
			MustBuild()

	petClass = types.NewClass("pet").
			Identifier("id").
			Field("name", types.FieldOptions{}).
			Reference("owner", types.ReferenceOptions{Kind: types.ToOne, Target: "person"}).
			Reference("friends", types.ReferenceOptions{Kind: types.ToMany, Target: "pet"}).
			MustBuild()
)

func newCollection(t *testing.T, cfg types.Config, classes ...*types.Class) *Collection {
	t.Helper()
	if len(classes) == 0 {
		classes = []*types.Class{personClass, petClass}
	}
	c, err := New(cfg, classes...)
	require.NoError(t, err)
	return c
}

func mustAdd(t *testing.T, c *Collection, data map[string]any, typ string) *Record {
	t.Helper()
	rec, err := c.Add(data, typ)
	require.NoError(t, err)
	return rec.(*Record)
}

func metaOf(typ string, id any) map[string]any {
	m := map[string]any{types.MetaType: typ}
	if id != nil {
		m[types.MetaID] = id
	}
	return m
}

func TestStevePetsScenario(t *testing.T) {
	c := newCollection(t, types.Config{})

	steve := mustAdd(t, c, map[string]any{"firstName": "Steve"}, "person")
	fido := mustAdd(t, c, map[string]any{"name": "Fido", "owner": steve.ID()}, "pet")

	pets := steve.Many("pets")
	require.Len(t, pets, 1)
	assert.Equal(t, "Fido", pets[0].Get("name"))
	assert.Same(t, steve, fido.One("owner"))

	require.NoError(t, c.RemoveOne(steve))
	assert.Nil(t, fido.One("owner"))
	assert.Nil(t, fido.Get("owner"))
	assert.Empty(t, c.FindAll("person"))
	assert.Nil(t, steve.Collection())
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(types.Config{PatchToken: "MAKE"})
	assert.ErrorIs(t, err, types.ErrPatchTokenUnknown)
}

func TestRegister(t *testing.T) {
	impostor := types.NewClass("person").MustBuild()

	tests := []struct {
		name    string
		classes []*types.Class
		wantErr error
	}{
		{name: "same class twice is fine", classes: []*types.Class{personClass, personClass}},
		{name: "other class for a known type", classes: []*types.Class{impostor}, wantErr: types.ErrDuplicateType},
		{name: "nil class", classes: []*types.Class{nil}, wantErr: types.ErrInvalidClass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCollection(t, types.Config{})
			err := c.Register(tt.classes...)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []*types.Class{personClass, petClass}, c.Classes())
		})
	}
}

func TestInsert(t *testing.T) {
	tests := []struct {
		name    string
		raw     []map[string]any
		wantErr error
		wantLen int
	}{
		{
			name: "meta type and id",
			raw: []map[string]any{
				{types.MetaKey: metaOf("person", 1), "firstName": "Ann"},
				{types.MetaKey: metaOf("pet", 2), "name": "Rex", "owner": 1},
			},
			wantLen: 2,
		},
		{
			name:    "no type at all",
			raw:     []map[string]any{{types.MetaKey: metaOf("person", 1)}, {"firstName": "Bob"}},
			wantErr: types.ErrUndefinedType,
		},
		{
			name:    "unregistered type",
			raw:     []map[string]any{{types.MetaKey: metaOf("person", 1)}, {types.MetaKey: metaOf("robot", 1)}},
			wantErr: types.ErrUnknownModel,
		},
		{
			name:    "malformed meta",
			raw:     []map[string]any{{types.MetaKey: "person"}},
			wantErr: types.ErrInvalidData,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCollection(t, types.Config{})
			recs, err := c.Insert(tt.raw)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, 0, c.Len(), "failed insert writes nothing")
				return
			}
			require.NoError(t, err)
			assert.Len(t, recs, tt.wantLen)
			assert.Equal(t, tt.wantLen, c.Len())
		})
	}
}

func TestInsertTypeField(t *testing.T) {
	animal := types.NewClass("animal").Identifier("id").TypeField("kind").Field("name", types.FieldOptions{}).MustBuild()
	dog := types.NewClass("dog").Extends(animal).Field("breed", types.FieldOptions{}).MustBuild()
	c := newCollection(t, types.Config{}, animal, dog)

	recs, err := c.Insert([]map[string]any{
		{"kind": "dog", "id": "d1", "name": "Rex", "breed": "collie"},
		{"kind": "animal", "id": "a1", "name": "Generic"},
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "dog", recs[0].Type())
	assert.Equal(t, "collie", recs[0].Get("breed"))
	assert.Equal(t, "dog", recs[0].Get("kind"))
	assert.Equal(t, "animal", recs[1].Type())

	err = recs[0].Set("kind", "animal")
	assert.ErrorIs(t, err, types.ErrReadOnlyField)
}

func TestUpsertIdempotence(t *testing.T) {
	c := newCollection(t, types.Config{})

	first, err := c.Insert([]map[string]any{{types.MetaKey: metaOf("person", 7), "firstName": "Ann"}})
	require.NoError(t, err)
	second, err := c.Insert([]map[string]any{{types.MetaKey: metaOf("person", "7"), "firstName": "Anna"}})
	require.NoError(t, err)

	assert.Same(t, first[0], second[0])
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, "Anna", first[0].Get("firstName"))
}

func TestIdentityUniqueness(t *testing.T) {
	c := newCollection(t, types.Config{})
	a := mustAdd(t, c, map[string]any{"id": 1, "firstName": "A"}, "person")

	detached, err := NewRecord(personClass, map[string]any{"id": 1, "firstName": "B"}, nil)
	require.NoError(t, err)
	_, err = c.Add(detached, "")
	assert.ErrorIs(t, err, types.ErrIDConflict)

	_, err = NewRecord(personClass, map[string]any{"id": 1}, c)
	assert.ErrorIs(t, err, types.ErrIDConflict)

	b := mustAdd(t, c, map[string]any{"id": 1, "firstName": "C"}, "person")
	assert.Same(t, a, b)
	assert.Equal(t, 1, c.Len())
}

func TestSingleMembership(t *testing.T) {
	a := newCollection(t, types.Config{})
	b := newCollection(t, types.Config{})
	rec := mustAdd(t, a, map[string]any{"firstName": "Steve"}, "person")

	_, err := b.Add(rec, "")
	assert.ErrorIs(t, err, types.ErrSingleCollectionOwnership)

	again, err := a.Add(rec, "")
	require.NoError(t, err)
	assert.Same(t, rec, again)
	assert.Equal(t, 1, a.Len())

	require.NoError(t, a.RemoveOne(rec))
	_, err = b.Add(rec, "")
	require.NoError(t, err)
	assert.Same(t, b, rec.Collection())
	assert.Equal(t, 0, a.Len())
}

func TestAddAll(t *testing.T) {
	c := newCollection(t, types.Config{})
	detached, err := NewRecord(petClass, map[string]any{"name": "Rex"}, nil)
	require.NoError(t, err)

	recs, err := c.AddAll([]any{map[string]any{"name": "Fido"}, nil, detached}, "pet")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, 2, c.Len())

	_, err = c.Add(map[string]any{"name": "Rex"}, "robot")
	assert.ErrorIs(t, err, types.ErrUnknownModel)
	_, err = c.Add(42, "pet")
	assert.ErrorIs(t, err, types.ErrInvalidData)
}

func TestFind(t *testing.T) {
	c := newCollection(t, types.Config{})
	ann := mustAdd(t, c, map[string]any{"id": 1, "firstName": "Ann"}, "person")
	bob := mustAdd(t, c, map[string]any{"id": 2, "firstName": "Bob"}, "person")
	rex := mustAdd(t, c, map[string]any{"id": 1, "name": "Rex"}, "pet")

	assert.Same(t, ann, c.Find("person", 1))
	assert.Same(t, ann, c.Find("person", "1"))
	assert.Same(t, ann, c.Find("person", nil))
	assert.Same(t, rex, c.Find("pet", 1))
	assert.Nil(t, c.Find("person", 3))

	found := c.FindBy(func(r types.Record) bool { return r.Get("firstName") == "Bob" })
	assert.Same(t, bob, found)

	assert.Len(t, c.FindAll("person"), 2)
	assert.Len(t, c.FindAll(""), 3)
	assert.Len(t, c.Filter(func(r types.Record) bool { return r.Type() == "pet" }), 1)
}

func TestRemove(t *testing.T) {
	c := newCollection(t, types.Config{})
	ann := mustAdd(t, c, map[string]any{"id": 1, "firstName": "Ann"}, "person")
	mustAdd(t, c, map[string]any{"id": 2, "firstName": "Bob"}, "person")
	rex := mustAdd(t, c, map[string]any{"id": 1, "name": "Rex", "owner": 1}, "pet")
	fido := mustAdd(t, c, map[string]any{"id": 2, "name": "Fido", "friends": []any{1}}, "pet")

	require.NoError(t, c.Remove("person", 1))
	assert.Nil(t, rex.One("owner"))
	assert.Equal(t, 3, c.Len())

	require.NoError(t, c.Remove("person", 99), "removing an absent record is a no-op")

	require.NoError(t, c.RemoveOne(rex))
	assert.Empty(t, fido.Many("friends"))
	assert.Equal(t, []any{}, fido.entry().fields["friends"], "removed targets are pruned from raw storage")

	require.NoError(t, c.RemoveAll("person"))
	assert.Empty(t, c.FindAll("person"))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, "Ann", ann.Get("firstName"))
}

func TestResetAndDestroy(t *testing.T) {
	c := newCollection(t, types.Config{})
	steve := mustAdd(t, c, map[string]any{"firstName": "Steve"}, "person")
	fido := mustAdd(t, c, map[string]any{"name": "Fido", "owner": steve.ID()}, "pet")

	var patches []types.Patch
	c.OnPatch(func(p types.Patch) { patches = append(patches, p) })

	require.NoError(t, c.Reset())
	assert.Equal(t, 0, c.Len())
	assert.Nil(t, fido.Collection())
	assert.Equal(t, "Fido", fido.Get("name"))
	assert.Empty(t, patches, "reset emits no patches")

	_, err := c.Add(fido, "")
	require.NoError(t, err)

	c.Destroy()
	assert.Nil(t, fido.Collection())
	assert.Empty(t, c.FindAll(""))
	assert.Nil(t, c.Find("pet", nil))

	_, err = c.Add(map[string]any{"name": "Rex"}, "pet")
	assert.ErrorIs(t, err, types.ErrCollectionDestroyed)
	_, err = c.Insert(nil)
	assert.ErrorIs(t, err, types.ErrCollectionDestroyed)
	assert.ErrorIs(t, c.Reset(), types.ErrCollectionDestroyed)
	assert.ErrorIs(t, c.RemoveAll("pet"), types.ErrCollectionDestroyed)
	_, err = NewRecord(petClass, nil, c)
	assert.ErrorIs(t, err, types.ErrCollectionDestroyed)
}

func TestAutoID(t *testing.T) {
	counter := types.NewClass("counter").Identifier("id").MustBuild()
	c := newCollection(t, types.Config{}, counter)

	_, err := c.Insert([]map[string]any{{types.MetaKey: metaOf("counter", -1)}})
	require.NoError(t, err)

	rec := mustAdd(t, c, map[string]any{}, "counter")
	assert.Equal(t, int64(-2), rec.ID(), "taken ids are skipped")
	assert.Equal(t, int64(-2), rec.Get("id"))

	for _, policy := range []types.AutoIDPolicy{types.AutoIDUUID, types.AutoIDULID} {
		t.Run(string(policy), func(t *testing.T) {
			class := types.NewClass("auto_" + string(policy)).AutoID(policy).MustBuild()
			c := newCollection(t, types.Config{}, class)
			a := mustAdd(t, c, map[string]any{}, class.Type())
			b := mustAdd(t, c, map[string]any{}, class.Type())
			assert.IsType(t, "", a.ID())
			assert.NotEqual(t, a.ID(), b.ID())
		})
	}
}

func TestReferenceRoundTrip(t *testing.T) {
	c := newCollection(t, types.Config{})
	steve := mustAdd(t, c, map[string]any{"firstName": "Steve"}, "person")
	rex := mustAdd(t, c, map[string]any{"name": "Rex", "owner": steve}, "pet")
	mustAdd(t, c, map[string]any{"name": "Fido", "owner": steve, "friends": []any{rex}}, "pet")

	body, err := json.Marshal(c.ToJSON())
	require.NoError(t, err)
	var raw []map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))

	fresh := newCollection(t, types.Config{})
	_, err = fresh.Insert(raw)
	require.NoError(t, err)
	require.Equal(t, c.Len(), fresh.Len())

	fido := fresh.FindBy(func(r types.Record) bool { return r.Get("name") == "Fido" })
	require.NotNil(t, fido)
	require.NotNil(t, fido.One("owner"))
	assert.Equal(t, steve.ID(), fido.One("owner").ID())
	friends := fido.Many("friends")
	require.Len(t, friends, 1)
	assert.Equal(t, rex.ID(), friends[0].ID())
	assert.Len(t, fresh.Find("person", steve.ID()).Many("pets"), 2)
}

func TestInsertFailureLeavesCollectionUnchanged(t *testing.T) {
	tests := []struct {
		name    string
		raw     []map[string]any
		wantErr error
	}{
		{
			name: "arity error after a valid record",
			raw: []map[string]any{
				{types.MetaKey: metaOf("person", 1), "firstName": "Steve"},
				{types.MetaKey: metaOf("pet", 2), "owner": []any{1}},
			},
			wantErr: types.ErrReferenceArity,
		},
		{
			name: "invalid id after a valid record",
			raw: []map[string]any{
				{types.MetaKey: metaOf("person", 1), "firstName": "Steve"},
				{types.MetaKey: metaOf("pet", 1.5)},
			},
			wantErr: types.ErrInvalidID,
		},
		{
			name: "upsert before a failing record",
			raw: []map[string]any{
				{types.MetaKey: metaOf("pet", 3), "name": "Max"},
				{types.MetaKey: metaOf("pet", 4), "owner": []any{1}},
			},
			wantErr: types.ErrReferenceArity,
		},
		{
			name: "embedded record with invalid id",
			raw: []map[string]any{
				{types.MetaKey: metaOf("pet", 2), "friends": []any{
					map[string]any{"name": "Rex"},
					map[string]any{"name": "Bad", types.MetaKey: map[string]any{types.MetaID: 1.5}},
				}},
			},
			wantErr: types.ErrInvalidID,
		},
		{
			name: "embedded record with bad reference",
			raw: []map[string]any{
				{types.MetaKey: metaOf("pet", 2), "friends": []any{
					map[string]any{"name": "Rex", "owner": []any{1}},
				}},
			},
			wantErr: types.ErrReferenceArity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCollection(t, types.Config{})
			fido := mustAdd(t, c, map[string]any{"id": 3, "name": "Fido"}, "pet")
			var rec recorder
			c.OnPatch(rec.listen)

			out, err := c.Insert(tt.raw)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, out)
			assert.Equal(t, 1, c.Len())
			assert.Equal(t, "Fido", fido.Get("name"))
			assert.Empty(t, rec.patches)
		})
	}
}
