package store

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/mesh-intelligence/entitygraph/pkg/types"
)

type fieldDiff struct {
	prev, next any
}

type listener struct {
	id int
	fn types.PatchListener
}

// listenerSet is an ordered list of patch listeners.
type listenerSet struct {
	next  int
	items []listener
}

func (s *listenerSet) add(fn types.PatchListener) func() {
	if fn == nil {
		return func() {}
	}
	s.next++
	id := s.next
	s.items = append(s.items, listener{id: id, fn: fn})
	return func() {
		s.items = slices.DeleteFunc(s.items, func(l listener) bool { return l.id == id })
	}
}

func (s *listenerSet) emit(p types.Patch) {
	for _, l := range slices.Clone(s.items) {
		l.fn(p)
	}
}

// begin opens a logical operation on the record. Nested operations join the
// outermost one.
func (r *Record) begin(e *entry) {
	e.batch++
}

// end closes a logical operation and emits the coalesced UPDATE patch when
// the outermost one completes.
func (r *Record) end(e *entry) {
	e.batch--
	if e.batch > 0 {
		return
	}
	e.batch = 0
	r.flush(e)
}

// note records a field change. The first old value and the last new value
// of a field survive.
func (r *Record) note(e *entry, key string, prev, next any) {
	if d, ok := e.pending[key]; ok {
		d.next = next
		return
	}
	if e.pending == nil {
		e.pending = make(map[string]*fieldDiff)
	}
	e.pending[key] = &fieldDiff{prev: prev, next: next}
	e.pendingOrder = append(e.pendingOrder, key)
}

func (r *Record) flush(e *entry) {
	pending, order := e.pending, e.pendingOrder
	e.pending, e.pendingOrder = nil, nil

	oldValue := make(map[string]any)
	newValue := make(map[string]any)
	for _, key := range order {
		d := pending[key]
		if reflect.DeepEqual(d.prev, d.next) {
			continue
		}
		oldValue[key] = d.prev
		newValue[key] = d.next
	}
	if len(newValue) == 0 {
		return
	}
	r.emit(e, types.Patch{
		PatchType: types.PatchUpdate,
		Model:     r.token(e),
		OldValue:  oldValue,
		NewValue:  newValue,
	})
}

// emit delivers p to the record listeners, then to the collection.
func (r *Record) emit(e *entry, p types.Patch) {
	e.listeners.emit(p)
	if c := e.meta.collection(); c != nil {
		c.listeners.emit(p)
	}
}

func (r *Record) token(e *entry) types.RefToken {
	return types.RefToken{Type: r.Type(), ID: e.meta.id}
}

// OnPatch registers fn for patches of this record. The returned function
// unregisters it.
func (r *Record) OnPatch(fn types.PatchListener) func() {
	e := r.entry()
	if e == nil {
		return func() {}
	}
	return e.listeners.add(fn)
}

// ApplyPatch replays p through the owning collection. A detached record
// accepts UPDATE patches addressed to itself.
func (r *Record) ApplyPatch(p types.Patch) error {
	e := r.entry()
	if e == nil {
		return types.ErrRecordDiscarded
	}
	if c := e.meta.collection(); c != nil {
		return c.ApplyPatch(p)
	}
	if p.Model.Type != r.Type() || !types.SameID(p.Model.ID, e.meta.id) {
		return fmt.Errorf("%w: %s", types.ErrPatchTargetMissing, p.Model.Key())
	}
	if p.PatchType != types.PatchUpdate {
		return fmt.Errorf("%w: %s on detached record", types.ErrReferenceNeedsCollection, p.PatchType)
	}
	if p.NewValue == nil {
		return fmt.Errorf("%w: %s", types.ErrPatchValueMissing, p.Model.Key())
	}
	return r.update(e, p.NewValue, true)
}

// UndoPatch applies the inverse of p.
func (r *Record) UndoPatch(p types.Patch) error {
	return r.ApplyPatch(p.Inverse())
}
