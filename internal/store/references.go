package store

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/mesh-intelligence/entitygraph/pkg/types"
)

// bucket translates between the raw storage of a reference field and live
// records.
type bucket interface {
	value() any
	set(v any) error
}

func (r *Record) bucket(e *entry, key string, opts types.ReferenceOptions) bucket {
	if opts.IsBackReference() {
		return backRef{owner: r, e: e, opts: opts}
	}
	base := refField{owner: r, e: e, key: key, opts: opts}
	switch opts.Kind {
	case types.ToMany:
		return toMany{base}
	case types.ToOneOrMany:
		return toOneOrMany{base}
	default:
		return toOne{base}
	}
}

type refField struct {
	owner *Record
	e     *entry
	key   string
	opts  types.ReferenceOptions
}

func (f refField) coll() *Collection { return f.e.meta.collection() }

// store replaces the raw storage and records the change.
func (f refField) store(raw any) {
	old := copyRaw(f.e.fields[f.key])
	f.e.fields[f.key] = raw
	f.owner.note(f.e, f.key, old, copyRaw(raw))
}

func (f refField) resolveList(raw []any) []types.Record {
	keep := keepMissing(f.coll(), f.opts)
	out := make([]types.Record, 0, len(raw))
	for _, item := range raw {
		rec := resolve(f.coll(), f.opts, item)
		if rec == nil && !keep {
			continue
		}
		out = append(out, asRecord(rec))
	}
	return out
}

type toOne struct{ refField }

func (b toOne) value() any {
	return asRecord(resolve(b.coll(), b.opts, b.e.fields[b.key]))
}

func (b toOne) set(v any) error {
	raw, err := normalizeRefItem(b.coll(), b.opts, v)
	if err != nil {
		return err
	}
	b.store(raw)
	return nil
}

type toMany struct{ refField }

func (b toMany) value() any {
	raw, _ := b.e.fields[b.key].([]any)
	return b.resolveList(raw)
}

func (b toMany) set(v any) error {
	raw, err := normalizeRefList(b.coll(), b.opts, v)
	if err != nil {
		return err
	}
	b.store(raw)
	return nil
}

// toOneOrMany holds either shape, switching on the shape of the assigned
// value.
type toOneOrMany struct{ refField }

func (b toOneOrMany) active() bucket {
	if _, isList := b.e.fields[b.key].([]any); isList {
		return toMany(b)
	}
	return toOne(b)
}

func (b toOneOrMany) value() any { return b.active().value() }

func (b toOneOrMany) set(v any) error {
	if isList(v) {
		return toMany(b).set(v)
	}
	return toOne(b).set(v)
}

// backRef lists the target records whose forward field opts.Property points
// at the owner. It is computed on every read.
type backRef struct {
	owner *Record
	e     *entry
	opts  types.ReferenceOptions
}

func (b backRef) value() any {
	var found []types.Record
	if c := b.e.meta.collection(); c != nil {
		for _, cand := range slices.Clone(c.byType[b.opts.Target]) {
			if cand.pointsAt(b.opts.Property, b.owner) {
				found = append(found, cand)
			}
		}
	}
	if b.opts.Kind == types.ToOne {
		if len(found) == 0 {
			return nil
		}
		return found[0]
	}
	if found == nil {
		found = []types.Record{}
	}
	return found
}

func (b backRef) set(any) error {
	return types.ErrBackReferenceReadOnly
}

// pointsAt reports whether the forward reference key of r holds target.
func (r *Record) pointsAt(key string, target *Record) bool {
	e := r.entry()
	if e == nil {
		return false
	}
	opts, ok := e.meta.refs[key]
	if !ok || opts.IsBackReference() {
		return false
	}
	te := target.entry()
	if te == nil {
		return false
	}
	switch raw := e.fields[key].(type) {
	case nil:
		return false
	case []any:
		for _, item := range raw {
			if rawMatches(item, opts.Target, target.Type(), te.meta.id) {
				return true
			}
		}
		return false
	default:
		return rawMatches(raw, opts.Target, target.Type(), te.meta.id)
	}
}

// rawMatches reports whether a raw reference item addresses (typ, id).
// Bare ids address records of the declared target type.
func rawMatches(item any, target, typ string, id any) bool {
	switch v := item.(type) {
	case nil:
		return false
	case *Record:
		return v.Type() == typ && types.SameID(v.ID(), id)
	case types.RefToken:
		return v.Type == typ && types.SameID(v.ID, id)
	default:
		return target == typ && types.SameID(v, id)
	}
}

// resolve returns the live record a raw item addresses, or nil.
func resolve(c *Collection, opts types.ReferenceOptions, raw any) *Record {
	switch v := raw.(type) {
	case nil:
		return nil
	case *Record:
		if v.entry() == nil {
			return nil
		}
		return v
	case types.RefToken:
		if c == nil {
			return nil
		}
		return c.find(v.Type, v.ID)
	default:
		if c == nil || opts.Target == "" {
			return nil
		}
		return c.find(opts.Target, v)
	}
}

func keepMissing(c *Collection, opts types.ReferenceOptions) bool {
	switch opts.Missing {
	case types.MissingKeep:
		return true
	case types.MissingSkip:
		return false
	default:
		return c != nil && c.cfg.KeepMissing
	}
}

// isList reports whether v is a list-like value. Byte slices are scalars.
func isList(v any) bool {
	switch v.(type) {
	case nil:
		return false
	case []any, []types.Record, []map[string]any:
		return true
	}
	rt := reflect.TypeOf(v)
	k := rt.Kind()
	return (k == reflect.Slice || k == reflect.Array) && rt.Elem().Kind() != reflect.Uint8
}

func listItems(v any) []any {
	if items, ok := v.([]any); ok {
		return items
	}
	rv := reflect.ValueOf(v)
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// checkRefInput validates a value for a reference field without side effects.
func checkRefInput(c *Collection, opts types.ReferenceOptions, v any) error {
	if opts.IsBackReference() {
		return types.ErrBackReferenceReadOnly
	}
	switch opts.Kind {
	case types.ToOne:
		if isList(v) {
			return fmt.Errorf("%w: to-one reference given a list", types.ErrReferenceArity)
		}
		return checkRefItem(c, opts, v)
	case types.ToMany:
		if v == nil {
			return nil
		}
		if !isList(v) {
			return fmt.Errorf("%w: to-many reference given %T", types.ErrReferenceArity, v)
		}
	default:
		if !isList(v) {
			return checkRefItem(c, opts, v)
		}
	}
	for _, item := range listItems(v) {
		if isList(item) {
			return fmt.Errorf("%w: nested list", types.ErrReferenceArity)
		}
		if err := checkRefItem(c, opts, item); err != nil {
			return err
		}
	}
	return nil
}

func checkRefItem(c *Collection, opts types.ReferenceOptions, item any) error {
	if _, ok := types.AsRefToken(item); ok {
		return nil
	}
	switch v := item.(type) {
	case nil:
		return nil
	case *Record:
		e := v.entry()
		if e == nil {
			return types.ErrRecordDiscarded
		}
		if c == nil {
			return types.ErrReferenceNeedsCollection
		}
		if e.meta.collection() != nil && e.meta.collection() != c {
			return types.ErrSingleCollectionOwnership
		}
		if e.meta.collection() == nil {
			return c.checkAttachable(v, e)
		}
		return nil
	case map[string]any:
		if c == nil {
			return types.ErrReferenceNeedsCollection
		}
		class, err := c.classOf(v, opts.Target)
		if err != nil {
			return err
		}
		return c.checkWire(class, v)
	case types.Record:
		return fmt.Errorf("%w: foreign record %T", types.ErrInvalidData, item)
	}
	if _, ok := types.NormalizeID(item); !ok {
		return fmt.Errorf("%w: %v", types.ErrInvalidID, item)
	}
	return nil
}

// normalizeRefItem converts a validated input item to raw storage,
// upserting plain records and attaching detached records.
func normalizeRefItem(c *Collection, opts types.ReferenceOptions, item any) (any, error) {
	if tok, ok := types.AsRefToken(item); ok {
		return rawFor(opts, tok.Type, tok.ID), nil
	}
	switch v := item.(type) {
	case nil:
		return nil, nil
	case *Record:
		if e := v.entry(); e != nil && e.meta.collection() == nil {
			c.attach(v, e)
		}
		return rawFor(opts, v.Type(), v.ID()), nil
	case map[string]any:
		class, err := c.classOf(v, opts.Target)
		if err != nil {
			return nil, err
		}
		rec, err := c.upsert(class, v)
		if err != nil {
			return nil, err
		}
		return rawFor(opts, rec.Type(), rec.ID()), nil
	}
	id, ok := types.NormalizeID(item)
	if !ok {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidID, item)
	}
	return id, nil
}

func normalizeRefList(c *Collection, opts types.ReferenceOptions, v any) ([]any, error) {
	out := []any{}
	if v == nil {
		return out, nil
	}
	for _, item := range listItems(v) {
		raw, err := normalizeRefItem(c, opts, item)
		if err != nil {
			return nil, err
		}
		if raw != nil {
			out = append(out, raw)
		}
	}
	return out, nil
}

// normalizeRef converts a validated field value to raw storage.
func normalizeRef(c *Collection, opts types.ReferenceOptions, v any) (any, error) {
	if opts.Kind == types.ToMany || (opts.Kind == types.ToOneOrMany && isList(v)) {
		return normalizeRefList(c, opts, v)
	}
	return normalizeRefItem(c, opts, v)
}

// rawFor stores references to the declared target type as bare ids and
// everything else as tokens.
func rawFor(opts types.ReferenceOptions, typ string, id any) any {
	if n, ok := types.NormalizeID(id); ok {
		id = n
	}
	if typ == opts.Target {
		return id
	}
	return types.RefToken{Type: typ, ID: id}
}

func copyRaw(raw any) any {
	if list, ok := raw.([]any); ok {
		return slices.Clone(list)
	}
	return raw
}

// refList is the editable view of a to-many reference. Indexes address the
// visible list; unresolved raw entries hidden from it are preserved.
type refList struct {
	owner *Record
	key   string
}

var _ types.RefList = (*refList)(nil)

// List returns the editable form of the to-many reference key.
func (r *Record) List(key string) (types.RefList, error) {
	e := r.entry()
	if e == nil {
		return nil, types.ErrRecordDiscarded
	}
	opts, ok := e.meta.refs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", types.ErrFieldNotFound, r.Type(), key)
	}
	if opts.IsBackReference() {
		return nil, types.ErrBackReferenceReadOnly
	}
	if _, isList := e.fields[key].([]any); !isList {
		return nil, fmt.Errorf("%w: %s.%s is not a list", types.ErrReferenceArity, r.Type(), key)
	}
	return &refList{owner: r, key: key}, nil
}

func (l *refList) field() (refField, error) {
	e := l.owner.entry()
	if e == nil {
		return refField{}, types.ErrRecordDiscarded
	}
	return refField{owner: l.owner, e: e, key: l.key, opts: e.meta.refs[l.key]}, nil
}

// visible returns the raw indexes of the entries shown in the visible list.
func (l *refList) visible(f refField) (raw []any, idx []int) {
	raw, _ = f.e.fields[f.key].([]any)
	keep := keepMissing(f.coll(), f.opts)
	for i, item := range raw {
		if keep || resolve(f.coll(), f.opts, item) != nil {
			idx = append(idx, i)
		}
	}
	return raw, idx
}

func (l *refList) Records() []types.Record {
	f, err := l.field()
	if err != nil {
		return nil
	}
	raw, _ := f.e.fields[f.key].([]any)
	return f.resolveList(raw)
}

func (l *refList) Len() int { return len(l.Records()) }

func (l *refList) At(i int) types.Record {
	recs := l.Records()
	if i < 0 || i >= len(recs) {
		return nil
	}
	return recs[i]
}

func (l *refList) Append(items ...any) error {
	_, err := l.Splice(l.Len(), 0, items...)
	return err
}

func (l *refList) Insert(i int, items ...any) error {
	_, err := l.Splice(i, 0, items...)
	return err
}

func (l *refList) RemoveAt(i int) error {
	if i < 0 || i >= l.Len() {
		return fmt.Errorf("%w: %d", types.ErrIndexOutOfRange, i)
	}
	_, err := l.Splice(i, 1)
	return err
}

// Splice removes deleteCount entries at start, inserts items there, and
// returns the removed records. The edit is one patch.
func (l *refList) Splice(start, deleteCount int, items ...any) ([]types.Record, error) {
	f, err := l.field()
	if err != nil {
		return nil, err
	}
	raw, idx := l.visible(f)
	if start < 0 || start > len(idx) || deleteCount < 0 {
		return nil, fmt.Errorf("%w: splice(%d, %d) on %d entries", types.ErrIndexOutOfRange, start, deleteCount, len(idx))
	}
	deleteCount = min(deleteCount, len(idx)-start)
	for _, item := range items {
		if isList(item) {
			return nil, fmt.Errorf("%w: nested list", types.ErrReferenceArity)
		}
		if err := checkRefItem(f.coll(), f.opts, item); err != nil {
			return nil, err
		}
	}

	f.owner.begin(f.e)
	defer f.owner.end(f.e)

	added := make([]any, 0, len(items))
	for _, item := range items {
		v, err := normalizeRefItem(f.coll(), f.opts, item)
		if err != nil {
			return nil, err
		}
		if v != nil {
			added = append(added, v)
		}
	}

	insertAt := len(raw)
	if start < len(idx) {
		insertAt = idx[start]
	}
	removed := make(map[int]bool, deleteCount)
	var out []types.Record
	for _, i := range idx[start : start+deleteCount] {
		removed[i] = true
		out = append(out, asRecord(resolve(f.coll(), f.opts, raw[i])))
	}

	next := make([]any, 0, len(raw)+len(added)-deleteCount)
	for i, item := range raw {
		if i == insertAt {
			next = append(next, added...)
		}
		if !removed[i] {
			next = append(next, item)
		}
	}
	if insertAt >= len(raw) {
		next = append(next, added...)
	}
	f.store(next)
	return out, nil
}
