package store

import (
	"fmt"
	"maps"

	"github.com/mesh-intelligence/entitygraph/pkg/types"
)

// wireMeta is the decoded MetaKey object of a plain record.
type wireMeta struct {
	id         any
	typ        string
	originalID any
	refs       map[string]types.ReferenceOptions
}

func readMeta(data map[string]any) (wireMeta, error) {
	var wm wireMeta
	raw, ok := data[types.MetaKey]
	if !ok || raw == nil {
		return wm, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return wm, fmt.Errorf("%w: %s is %T", types.ErrInvalidData, types.MetaKey, raw)
	}
	wm.id = m[types.MetaID]
	wm.typ, _ = m[types.MetaType].(string)
	if orig, ok := types.NormalizeID(m[types.MetaOriginalID]); ok {
		wm.originalID = orig
	}
	if refs, ok := m[types.MetaRefs].(map[string]any); ok {
		wm.refs = make(map[string]types.ReferenceOptions, len(refs))
		for key, v := range refs {
			spec, ok := v.(map[string]any)
			if !ok {
				return wm, fmt.Errorf("%w: reference %q", types.ErrInvalidData, key)
			}
			opts, err := types.ReferenceOptionsFromMap(spec)
			if err != nil {
				return wm, fmt.Errorf("reference %q: %w", key, err)
			}
			wm.refs[key] = opts
		}
	}
	return wm, nil
}

// idFromWire reads the id from the meta object, then from the identifier
// field. A present but malformed id fails with ErrInvalidID.
func idFromWire(class *types.Class, data map[string]any, wm wireMeta) (any, bool, error) {
	raw := wm.id
	if raw == nil && class.IdentifierField() != "" {
		raw = data[class.IdentifierField()]
	}
	if raw == nil {
		return nil, false, nil
	}
	id, ok := types.NormalizeID(raw)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s %v", types.ErrInvalidID, class.Type(), raw)
	}
	return id, true, nil
}

// wireToFields maps wire data onto field keys, applying Parse. Keys the
// class does not know are returned as extras.
func wireToFields(class *types.Class, refs map[string]types.ReferenceOptions, data map[string]any) (values, extras map[string]any) {
	values = make(map[string]any)
	extras = make(map[string]any)
	consumed := map[string]bool{
		types.MetaKey: true,
	}
	if f := class.IdentifierField(); f != "" {
		consumed[f] = true
	}
	if f := class.TypeField(); f != "" {
		consumed[f] = true
	}
	for _, key := range class.Keys() {
		consumed[key] = true
		if _, isRef := refs[key]; isRef {
			if v, ok := data[key]; ok {
				values[key] = v
			}
			continue
		}
		f, ok := class.Field(key)
		if !ok {
			continue
		}
		wire := class.WireName(key)
		consumed[wire] = true
		v, ok := data[wire]
		if !ok {
			continue
		}
		if f.Parse != nil {
			v = f.Parse(v, data)
		}
		values[key] = v
	}
	for key := range refs {
		if consumed[key] {
			continue
		}
		consumed[key] = true
		if v, ok := data[key]; ok {
			values[key] = v
		}
	}
	for key, v := range data {
		if !consumed[key] {
			extras[key] = v
		}
	}
	return values, extras
}

// wireRef converts raw reference storage to tokens.
func wireRef(opts types.ReferenceOptions, raw any) any {
	switch v := raw.(type) {
	case nil:
		return nil
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, wireRef(opts, item))
		}
		return out
	case types.RefToken:
		return v
	default:
		return types.RefToken{Type: opts.Target, ID: v}
	}
}

// toJSON builds the wire snapshot of keys. Every snapshot carries the meta
// object and the id and type fields.
func (r *Record) toJSON(e *entry, keys []string) map[string]any {
	out := make(map[string]any, len(keys)+3)
	var whole map[string]any
	if f := r.class.IdentifierField(); f != "" {
		out[f] = e.meta.id
	}
	if f := r.class.TypeField(); f != "" {
		out[f] = r.Type()
	}
	for _, key := range keys {
		if key == r.class.IdentifierField() || key == r.class.TypeField() {
			continue
		}
		if opts, ok := e.meta.refs[key]; ok {
			if !opts.IsBackReference() {
				out[key] = wireRef(opts, e.fields[key])
			}
			continue
		}
		v := e.fields[key]
		if f, ok := r.class.Field(key); ok && f.Serialize != nil {
			if whole == nil {
				whole = r.values(e)
			}
			v = f.Serialize(v, whole)
		}
		out[r.class.WireName(key)] = v
	}

	m := map[string]any{
		types.MetaID:   e.meta.id,
		types.MetaType: r.Type(),
	}
	if e.meta.originalID != nil {
		m[types.MetaOriginalID] = e.meta.originalID
	}
	instance := make(map[string]any)
	for key, opts := range e.meta.refs {
		if _, declared := r.class.Reference(key); !declared {
			instance[key] = opts.ToMap()
		}
	}
	if len(instance) > 0 {
		m[types.MetaRefs] = instance
	}
	out[types.MetaKey] = m
	return out
}

// values returns every known field keyed by field name: scalars as stored,
// references as wire tokens, and the id and type fields.
func (r *Record) values(e *entry) map[string]any {
	out := make(map[string]any, len(e.order)+2)
	for _, key := range e.order {
		if opts, ok := e.meta.refs[key]; ok {
			if !opts.IsBackReference() {
				out[key] = wireRef(opts, e.fields[key])
			}
			continue
		}
		out[key] = e.fields[key]
	}
	if f := r.class.IdentifierField(); f != "" {
		out[f] = e.meta.id
	}
	if f := r.class.TypeField(); f != "" {
		out[f] = r.Type()
	}
	return out
}

// ToJSON returns the wire snapshot of the record.
func (r *Record) ToJSON() map[string]any {
	e := r.entry()
	if e == nil {
		return nil
	}
	return r.toJSON(e, e.order)
}

// DirtyJSON returns the wire snapshot of the dirty fields only.
func (r *Record) DirtyJSON() map[string]any {
	e := r.entry()
	if e == nil {
		return nil
	}
	return r.toJSON(e, r.DirtyFields())
}

func cloneData(data map[string]any) map[string]any {
	out := maps.Clone(data)
	if out == nil {
		out = make(map[string]any)
	}
	return out
}
