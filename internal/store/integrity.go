package store

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/entitygraph/pkg/types"
)

// ChangeID re-identifies the record. Inside a collection the identity map
// key and every raw reference, view entry and clone origin holding the old
// id move to the new one. No patch is emitted.
func (r *Record) ChangeID(id any) error {
	e := r.entry()
	if e == nil {
		return types.ErrRecordDiscarded
	}
	next, ok := types.NormalizeID(id)
	if !ok {
		return fmt.Errorf("%w: %v", types.ErrInvalidID, id)
	}
	c := e.meta.collection()
	if c == nil {
		e.meta.id = next
		return nil
	}
	old := e.meta.id
	if types.SameID(old, next) {
		return nil
	}
	if other := c.find(r.Type(), next); other != nil && other != r {
		return fmt.Errorf("%w: %s %v", types.ErrIDConflict, r.Type(), next)
	}

	ids := c.byID[r.Type()]
	delete(ids, types.IDKey(old))
	ids[types.IDKey(next)] = r
	e.meta.id = next
	c.propagateID(r.Type(), old, next)
	c.log.Debug("record id changed",
		zap.String("type", r.Type()),
		zap.String("old", types.IDKey(old)),
		zap.String("new", types.IDKey(next)))
	return nil
}

// propagateID rewrites every stored reference to (typ, old) across the
// membership.
func (c *Collection) propagateID(typ string, old, next any) {
	for _, rec := range c.records {
		e := rec.entry()
		if e == nil {
			continue
		}
		for key, opts := range e.meta.refs {
			if opts.IsBackReference() {
				continue
			}
			if raw, changed := rewriteRaw(e.fields[key], opts, typ, old, next); changed {
				e.fields[key] = raw
			}
			if base, ok := e.meta.committed[key]; ok {
				if raw, changed := rewriteRaw(base, opts, typ, old, next); changed {
					e.meta.committed[key] = raw
				}
			}
		}
		if rec.Type() == typ && e.meta.originalID != nil && types.SameID(e.meta.originalID, old) {
			e.meta.originalID = next
		}
	}
	for _, v := range c.views {
		if v.typ == typ {
			v.rename(old, next)
		}
	}
}

// rewriteRaw replaces the raw items addressing (typ, old). The input is
// never modified.
func rewriteRaw(raw any, opts types.ReferenceOptions, typ string, old, next any) (any, bool) {
	switch v := raw.(type) {
	case nil:
		return nil, false
	case []any:
		var out []any
		for i, item := range v {
			if !rawMatches(item, opts.Target, typ, old) {
				continue
			}
			if out == nil {
				out = slices.Clone(v)
			}
			out[i] = rawFor(opts, typ, next)
		}
		if out == nil {
			return raw, false
		}
		return out, true
	default:
		if rawMatches(v, opts.Target, typ, old) {
			return rawFor(opts, typ, next), true
		}
		return raw, false
	}
}

// prune drops every forward reference to the removed record r. Each
// affected record emits one UPDATE patch.
func (c *Collection) prune(r *Record, e *entry) {
	typ, id := r.Type(), e.meta.id
	for _, rec := range slices.Clone(c.records) {
		re := rec.entry()
		if re == nil {
			continue
		}
		touched := false
		for _, key := range re.order {
			opts, ok := re.meta.refs[key]
			if !ok || opts.IsBackReference() {
				continue
			}
			next, changed := pruneRaw(re.fields[key], opts, typ, id)
			if !changed {
				continue
			}
			if !touched {
				rec.begin(re)
				touched = true
			}
			refField{owner: rec, e: re, key: key, opts: opts}.store(next)
		}
		if touched {
			rec.end(re)
		}
	}
	for _, v := range c.views {
		if v.typ == typ {
			v.drop(id)
		}
	}
}

func pruneRaw(raw any, opts types.ReferenceOptions, typ string, id any) (any, bool) {
	switch v := raw.(type) {
	case nil:
		return nil, false
	case []any:
		out := slices.DeleteFunc(slices.Clone(v), func(item any) bool {
			return rawMatches(item, opts.Target, typ, id)
		})
		return out, len(out) != len(v)
	default:
		if rawMatches(v, opts.Target, typ, id) {
			return nil, true
		}
		return raw, false
	}
}
