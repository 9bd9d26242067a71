// Package store implements the entitygraph identity map: records kept in
// side storage, reference buckets resolved against the owning collection,
// id propagation, and the patch subsystem.
package store

import (
	"fmt"
	"runtime"
	"slices"
	"sort"
	"weak"

	"github.com/mesh-intelligence/entitygraph/internal/sidestore"
	"github.com/mesh-intelligence/entitygraph/pkg/types"
)

// entries is the side storage of every record in the process.
var entries = sidestore.New[entry]()

// entry is the out-of-band state of one record.
type entry struct {
	fields map[string]any // scalar values and raw reference storage
	order  []string       // known fields
	meta   meta

	listeners listenerSet

	// In-flight patch of the current logical operation.
	batch        int
	pending      map[string]*fieldDiff
	pendingOrder []string
}

type meta struct {
	id         any
	owner      weak.Pointer[Collection] // weak: the arena must not pin a dropped collection
	originalID any
	refs       map[string]types.ReferenceOptions
	committed  map[string]any
}

// collection returns the owning collection, or nil when detached or when the
// collection has been reclaimed.
func (m *meta) collection() *Collection { return m.owner.Value() }

func (m *meta) setCollection(c *Collection) {
	if c == nil {
		m.owner = weak.Pointer[Collection]{}
		return
	}
	m.owner = weak.Make(c)
}

// Record is a handle to side storage plus the class of the record.
type Record struct {
	h     sidestore.Handle
	class *types.Class
}

var _ types.Record = (*Record)(nil)

// NewRecord builds a detached record of class from wire data, or attaches it
// to coll when coll is not nil. Returns ErrIDConflict when coll already holds
// the identity.
func NewRecord(class *types.Class, data map[string]any, coll *Collection) (*Record, error) {
	if class == nil {
		return nil, types.ErrUndefinedType
	}
	if coll != nil {
		if coll.destroyed {
			return nil, types.ErrCollectionDestroyed
		}
		if err := coll.ensureClass(class); err != nil {
			return nil, err
		}
	}
	return newRecord(class, data, coll)
}

func newRecord(class *types.Class, data map[string]any, coll *Collection) (*Record, error) {
	wm, err := readMeta(data)
	if err != nil {
		return nil, err
	}
	id, hasID, err := idFromWire(class, data, wm)
	if err != nil {
		return nil, err
	}
	if hasID && coll != nil && coll.find(class.Type(), id) != nil {
		return nil, fmt.Errorf("%w: %s %v", types.ErrIDConflict, class.Type(), id)
	}
	if !hasID {
		if coll != nil {
			id = coll.autoID(class)
		} else {
			id = class.NextAutoID()
		}
	}

	refs := class.References()
	for k, v := range wm.refs {
		if _, declared := refs[k]; !declared {
			refs[k] = v
		}
	}
	values, extras := wireToFields(class, refs, data)
	for key, v := range values {
		if opts, ok := refs[key]; ok {
			if err := checkRefInput(coll, opts, v); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", class.Type(), key, err)
			}
		}
	}

	e := &entry{
		fields: make(map[string]any),
		meta: meta{
			id:         id,
			originalID: wm.originalID,
			refs:       refs,
		},
	}
	r := &Record{h: entries.Alloc(e), class: class}
	runtime.AddCleanup(r, func(h sidestore.Handle) { entries.Free(h) }, r.h)

	for _, key := range class.Keys() {
		if opts, ok := refs[key]; ok {
			initRef(e, key, opts)
			continue
		}
		if key == class.IdentifierField() || key == class.TypeField() {
			e.order = append(e.order, key)
			continue
		}
		v, ok := values[key]
		if !ok {
			v = class.DefaultValue(key)
		}
		initField(e, key, v)
	}
	for _, key := range sortedKeys(wm.refs) {
		if _, declared := class.Reference(key); !declared {
			initRef(e, key, refs[key])
		}
	}
	for _, key := range sortedKeys(extras) {
		initField(e, key, extras[key])
	}
	for _, key := range e.order {
		opts, ok := refs[key]
		if !ok || opts.IsBackReference() {
			continue
		}
		v, present := values[key]
		if !present {
			continue
		}
		raw, err := normalizeRef(coll, opts, v)
		if err != nil {
			entries.Free(r.h)
			return nil, fmt.Errorf("%s.%s: %w", class.Type(), key, err)
		}
		e.fields[key] = raw
	}
	r.commit(e)

	if coll != nil {
		coll.attach(r, e)
	}
	return r, nil
}

// initField seeds a scalar field and registers it as known.
func initField(e *entry, key string, v any) {
	if !slices.Contains(e.order, key) {
		e.order = append(e.order, key)
	}
	e.fields[key] = v
}

// initRef seeds the empty raw storage of a reference field.
func initRef(e *entry, key string, opts types.ReferenceOptions) {
	if !slices.Contains(e.order, key) {
		e.order = append(e.order, key)
	}
	if opts.IsBackReference() {
		return
	}
	if opts.Kind == types.ToMany {
		e.fields[key] = []any{}
		return
	}
	e.fields[key] = nil
}

func (r *Record) entry() *entry {
	e, ok := entries.Get(r.h)
	if !ok {
		return nil
	}
	return e
}

// ID returns the normalized id of the record.
func (r *Record) ID() any {
	if e := r.entry(); e != nil {
		return e.meta.id
	}
	return nil
}

// Type returns the type tag of the record.
func (r *Record) Type() string { return r.class.Type() }

// Class returns the class the record was built from.
func (r *Record) Class() *types.Class { return r.class }

// Collection returns the owning collection, or nil.
func (r *Record) Collection() types.Collection {
	e := r.entry()
	if e == nil {
		return nil
	}
	if c := e.meta.collection(); c != nil {
		return c
	}
	return nil
}

// Fields returns the known field names in declaration order, followed by
// assigned fields.
func (r *Record) Fields() []string {
	e := r.entry()
	if e == nil {
		return nil
	}
	return slices.Clone(e.order)
}

// Get returns the value of key. Reference fields resolve against the owning
// collection on every call.
func (r *Record) Get(key string) any {
	e := r.entry()
	if e == nil {
		return nil
	}
	switch key {
	case "":
		return nil
	case r.class.IdentifierField():
		return e.meta.id
	case r.class.TypeField():
		return r.class.Type()
	}
	if opts, ok := e.meta.refs[key]; ok {
		return r.bucket(e, key, opts).value()
	}
	return e.fields[key]
}

// One returns the to-one reference key, or nil.
func (r *Record) One(key string) types.Record {
	if rec, ok := r.Get(key).(types.Record); ok {
		return rec
	}
	return nil
}

// Many returns the to-many reference key. A resolved to-one value is
// returned as a single-element list.
func (r *Record) Many(key string) []types.Record {
	switch v := r.Get(key).(type) {
	case []types.Record:
		return v
	case types.Record:
		return []types.Record{v}
	default:
		return nil
	}
}

// String implements fmt.Stringer.
func (r *Record) String() string {
	return fmt.Sprintf("%s:%s", r.Type(), types.IDKey(r.ID()))
}

// asRecord converts r to a types.Record without producing a typed nil.
func asRecord(r *Record) types.Record {
	if r == nil {
		return nil
	}
	return r
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
