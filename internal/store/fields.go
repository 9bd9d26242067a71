package store

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/mesh-intelligence/entitygraph/pkg/types"
)

// Set writes a known field. Returns ErrReadOnlyField for the id and type
// fields, ErrFieldNotFound for unknown keys, and the reference errors for
// reference fields.
func (r *Record) Set(key string, value any) error {
	return r.write(key, value, false)
}

// Assign is Set that creates key as a scalar field when it is not known.
func (r *Record) Assign(key string, value any) error {
	return r.write(key, value, true)
}

func (r *Record) write(key string, value any, create bool) error {
	e := r.entry()
	if e == nil {
		return types.ErrRecordDiscarded
	}
	if err := r.checkWrite(e, key, value, create); err != nil {
		return err
	}
	r.begin(e)
	defer r.end(e)
	return r.writeField(e, key, value)
}

// Update writes every field of data as one mutation, assigning unknown
// keys. Nothing is written unless every field passes validation.
func (r *Record) Update(data map[string]any) error {
	e := r.entry()
	if e == nil {
		return types.ErrRecordDiscarded
	}
	return r.update(e, data, true)
}

// update validates then writes data. create allows unknown keys.
func (r *Record) update(e *entry, data map[string]any, create bool) error {
	keys := make([]string, 0, len(data))
	for _, key := range sortedKeys(data) {
		if key == types.MetaKey {
			continue
		}
		v := data[key]
		switch key {
		case r.class.IdentifierField():
			if !types.SameID(v, e.meta.id) {
				return fmt.Errorf("%w: %s.%s", types.ErrReadOnlyField, r.Type(), key)
			}
			continue
		case r.class.TypeField():
			if v != r.Type() {
				return fmt.Errorf("%w: %s.%s", types.ErrReadOnlyField, r.Type(), key)
			}
			continue
		}
		if err := r.checkWrite(e, key, v, create); err != nil {
			return err
		}
		keys = append(keys, key)
	}

	r.begin(e)
	defer r.end(e)
	for _, key := range keys {
		if err := r.writeField(e, key, data[key]); err != nil {
			return err
		}
	}
	return nil
}

// checkWrite performs every validation writeField depends on.
func (r *Record) checkWrite(e *entry, key string, value any, create bool) error {
	switch key {
	case "", types.MetaKey:
		return fmt.Errorf("%w: %q", types.ErrFieldNotFound, key)
	case r.class.IdentifierField(), r.class.TypeField():
		return fmt.Errorf("%w: %s.%s", types.ErrReadOnlyField, r.Type(), key)
	}
	if opts, ok := e.meta.refs[key]; ok {
		if err := checkRefInput(e.meta.collection(), opts, value); err != nil {
			return fmt.Errorf("%s.%s: %w", r.Type(), key, err)
		}
		return nil
	}
	if !create && !slices.Contains(e.order, key) {
		return fmt.Errorf("%w: %s.%s", types.ErrFieldNotFound, r.Type(), key)
	}
	return nil
}

// writeField stores value and records the change in the in-flight patch.
// The caller validated value with checkWrite and holds a batch.
func (r *Record) writeField(e *entry, key string, value any) error {
	if opts, ok := e.meta.refs[key]; ok {
		return r.bucket(e, key, opts).set(value)
	}
	old := e.fields[key]
	initField(e, key, value)
	r.note(e, key, old, value)
	return nil
}

// snapshot returns a copy of the stored value of key suitable for baselines
// and patches.
func (r *Record) snapshot(e *entry, key string) any {
	v := e.fields[key]
	if _, ok := e.meta.refs[key]; ok {
		return copyRaw(v)
	}
	return v
}

// tracked reports whether key participates in dirty tracking.
func (r *Record) tracked(e *entry, key string) bool {
	if key == r.class.IdentifierField() || key == r.class.TypeField() {
		return false
	}
	if opts, ok := e.meta.refs[key]; ok && opts.IsBackReference() {
		return false
	}
	return true
}

func (r *Record) commit(e *entry) {
	e.meta.committed = make(map[string]any, len(e.order))
	for _, key := range e.order {
		if r.tracked(e, key) {
			e.meta.committed[key] = r.snapshot(e, key)
		}
	}
}

// Commit makes the current values the baseline for dirty tracking.
func (r *Record) Commit() {
	if e := r.entry(); e != nil {
		r.commit(e)
	}
}

// IsDirty reports whether key differs from its committed baseline. Fields
// assigned after the last commit are dirty.
func (r *Record) IsDirty(key string) bool {
	e := r.entry()
	if e == nil || !r.tracked(e, key) || !slices.Contains(e.order, key) {
		return false
	}
	base, ok := e.meta.committed[key]
	if !ok {
		return true
	}
	return !reflect.DeepEqual(base, e.fields[key])
}

// DirtyFields returns the dirty fields in field order.
func (r *Record) DirtyFields() []string {
	e := r.entry()
	if e == nil {
		return nil
	}
	var out []string
	for _, key := range e.order {
		if r.IsDirty(key) {
			out = append(out, key)
		}
	}
	return out
}

// Revert restores every field to its committed baseline and drops fields
// assigned after it. The change is emitted as one patch.
func (r *Record) Revert() {
	e := r.entry()
	if e == nil {
		return
	}
	r.begin(e)
	defer r.end(e)

	kept := e.order[:0:0]
	for _, key := range e.order {
		if !r.tracked(e, key) {
			kept = append(kept, key)
			continue
		}
		old := r.snapshot(e, key)
		base, ok := e.meta.committed[key]
		if !ok {
			delete(e.fields, key)
			r.note(e, key, old, nil)
			continue
		}
		kept = append(kept, key)
		if _, isRef := e.meta.refs[key]; isRef {
			base = copyRaw(base)
		}
		e.fields[key] = base
		r.note(e, key, old, r.snapshot(e, key))
	}
	e.order = kept
}
