package store

import (
	"fmt"
	"slices"

	"github.com/mesh-intelligence/entitygraph/pkg/types"
)

// View is an ordered selection of members of one type. It stores ids, so
// it follows id changes and drops removed records.
type View struct {
	c     *Collection
	typ   string
	opts  types.ViewOptions
	items []any
}

var _ types.View = (*View)(nil)

// NewView creates a view over records of typ seeded with items.
func (c *Collection) NewView(typ string, opts types.ViewOptions, items ...any) (types.View, error) {
	if c.destroyed {
		return nil, types.ErrCollectionDestroyed
	}
	if _, ok := c.classes[typ]; !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownModel, typ)
	}
	v := &View{c: c, typ: typ, opts: opts}
	if _, err := v.Add(items...); err != nil {
		return nil, err
	}
	c.views = append(c.views, v)
	return v, nil
}

func (v *View) Type() string { return v.typ }

func (v *View) Len() int { return len(v.List()) }

// List resolves the view, sorted when a Sort function is set.
func (v *View) List() []types.Record {
	out := make([]types.Record, 0, len(v.items))
	for _, id := range v.items {
		if r := v.c.find(v.typ, id); r != nil {
			out = append(out, r)
		}
	}
	if v.opts.Sort != nil {
		slices.SortStableFunc(out, v.opts.Sort)
	}
	return out
}

// Add appends records, plain records of the view type, tokens or ids.
// Records not yet in the collection are added to it.
func (v *View) Add(items ...any) ([]types.Record, error) {
	if v.c.destroyed {
		return nil, types.ErrCollectionDestroyed
	}
	opts := types.ReferenceOptions{Kind: types.ToMany, Target: v.typ}
	for _, item := range items {
		if err := checkRefItem(v.c, opts, item); err != nil {
			return nil, err
		}
		if r, ok := item.(*Record); ok && r.Type() != v.typ {
			return nil, fmt.Errorf("%w: %s in view of %s", types.ErrInvalidData, r.Type(), v.typ)
		}
	}

	var added []types.Record
	for _, item := range items {
		raw, err := normalizeRefItem(v.c, opts, item)
		if err != nil {
			return added, err
		}
		if raw == nil {
			continue
		}
		if tok, ok := raw.(types.RefToken); ok {
			if tok.Type != v.typ {
				return added, fmt.Errorf("%w: %s in view of %s", types.ErrInvalidData, tok.Type, v.typ)
			}
			raw = tok.ID
		}
		if v.opts.Unique && v.index(raw) >= 0 {
			continue
		}
		v.items = append(v.items, raw)
		if r := v.c.find(v.typ, raw); r != nil {
			added = append(added, r)
		}
	}
	return added, nil
}

func (v *View) index(id any) int {
	return slices.IndexFunc(v.items, func(x any) bool { return types.SameID(x, id) })
}

// Remove drops every entry for id and reports whether one existed.
func (v *View) Remove(id any) bool {
	n := len(v.items)
	v.drop(id)
	return len(v.items) != n
}

func (v *View) RemoveAll() { v.items = nil }

func (v *View) drop(id any) {
	v.items = slices.DeleteFunc(v.items, func(x any) bool { return types.SameID(x, id) })
}

func (v *View) rename(old, next any) {
	for i, x := range v.items {
		if types.SameID(x, old) {
			v.items[i] = next
		}
	}
}
