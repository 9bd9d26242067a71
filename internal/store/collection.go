package store

import (
	"fmt"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/entitygraph/pkg/types"
)

// Collection is the identity map of records keyed by (type, id). The master
// list, the per-type lists and the per-(type, id) map change together.
type Collection struct {
	cfg types.Config
	log *zap.Logger

	classes    map[string]*types.Class
	classOrder []string

	records []*Record
	byType  map[string][]*Record
	byID    map[string]map[string]*Record

	listeners listenerSet
	views     []*View
	destroyed bool
}

var _ types.Collection = (*Collection)(nil)

// New creates an empty collection knowing classes.
func New(cfg types.Config, classes ...*types.Class) (*Collection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Collection{
		cfg:     cfg,
		log:     cfg.Log(),
		classes: make(map[string]*types.Class),
		byType:  make(map[string][]*Record),
		byID:    make(map[string]map[string]*Record),
	}
	if err := c.Register(classes...); err != nil {
		return nil, err
	}
	return c, nil
}

// Register makes classes known. Nothing is registered when one conflicts.
func (c *Collection) Register(classes ...*types.Class) error {
	if c.destroyed {
		return types.ErrCollectionDestroyed
	}
	pending := make(map[string]*types.Class, len(classes))
	for _, class := range classes {
		if class == nil {
			return fmt.Errorf("%w: nil class", types.ErrInvalidClass)
		}
		if err := c.checkClass(class); err != nil {
			return err
		}
		if other, ok := pending[class.Type()]; ok && other != class {
			return fmt.Errorf("%w: %s", types.ErrDuplicateType, class.Type())
		}
		pending[class.Type()] = class
	}
	for _, class := range classes {
		c.register(class)
	}
	return nil
}

func (c *Collection) checkClass(class *types.Class) error {
	if other, ok := c.classes[class.Type()]; ok && other != class {
		return fmt.Errorf("%w: %s", types.ErrDuplicateType, class.Type())
	}
	return nil
}

func (c *Collection) register(class *types.Class) {
	if _, ok := c.classes[class.Type()]; ok {
		return
	}
	c.classes[class.Type()] = class
	c.classOrder = append(c.classOrder, class.Type())
	c.log.Debug("class registered", zap.String("type", class.Type()))
}

// ensureClass registers class unless another class claims its type.
func (c *Collection) ensureClass(class *types.Class) error {
	if err := c.checkClass(class); err != nil {
		return err
	}
	c.register(class)
	return nil
}

// Classes returns the registered classes in registration order.
func (c *Collection) Classes() []*types.Class {
	out := make([]*types.Class, 0, len(c.classOrder))
	for _, typ := range c.classOrder {
		out = append(out, c.classes[typ])
	}
	return out
}

// Len returns the number of member records.
func (c *Collection) Len() int { return len(c.records) }

// classOf determines the class of a plain record: the meta type, then the
// type field of any registered class, then fallback.
func (c *Collection) classOf(data map[string]any, fallback string) (*types.Class, error) {
	wm, err := readMeta(data)
	if err != nil {
		return nil, err
	}
	typ := wm.typ
	if typ == "" {
		for _, name := range c.classOrder {
			tf := c.classes[name].TypeField()
			if tf == "" {
				continue
			}
			if s, ok := data[tf].(string); ok && s != "" {
				typ = s
				break
			}
		}
	}
	if typ == "" {
		typ = fallback
	}
	if typ == "" {
		return nil, types.ErrUndefinedType
	}
	class, ok := c.classes[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownModel, typ)
	}
	return class, nil
}

func (c *Collection) find(typ string, id any) *Record {
	if id == nil {
		if list := c.byType[typ]; len(list) > 0 {
			return list[0]
		}
		return nil
	}
	return c.byID[typ][types.IDKey(id)]
}

// autoID draws ids from the class until one is free.
func (c *Collection) autoID(class *types.Class) any {
	for {
		id := class.NextAutoID()
		if c.find(class.Type(), id) == nil {
			return id
		}
	}
}

// Insert builds records from plain data, upserting onto members sharing
// (type, id). The whole batch is validated before anything is written.
func (c *Collection) Insert(raw []map[string]any) ([]types.Record, error) {
	if c.destroyed {
		return nil, types.ErrCollectionDestroyed
	}
	classes := make([]*types.Class, len(raw))
	for i, data := range raw {
		class, err := c.classOf(data, "")
		if err != nil {
			return nil, fmt.Errorf("insert #%d: %w", i, err)
		}
		if err := c.checkWire(class, data); err != nil {
			return nil, fmt.Errorf("insert #%d: %w", i, err)
		}
		classes[i] = class
	}
	out := make([]types.Record, 0, len(raw))
	for i, data := range raw {
		r, err := c.upsert(classes[i], data)
		if err != nil {
			return out, fmt.Errorf("insert #%d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// upsert applies data onto the member with the same identity, or builds a
// new member.
func (c *Collection) upsert(class *types.Class, data map[string]any) (*Record, error) {
	wm, err := readMeta(data)
	if err != nil {
		return nil, err
	}
	id, hasID, err := idFromWire(class, data, wm)
	if err != nil {
		return nil, err
	}
	if hasID {
		if existing := c.find(class.Type(), id); existing != nil {
			if err := existing.applyWire(data, wm); err != nil {
				return nil, err
			}
			c.log.Debug("record upserted", zap.Stringer("record", existing))
			return existing, nil
		}
	}
	return newRecord(class, data, c)
}

// checkWire runs every check upsert performs on data, recursing into
// embedded records, without writing anything.
func (c *Collection) checkWire(class *types.Class, data map[string]any) error {
	wm, err := readMeta(data)
	if err != nil {
		return err
	}
	id, hasID, err := idFromWire(class, data, wm)
	if err != nil {
		return err
	}
	refs := class.References()
	var existing *entry
	if hasID {
		if r := c.find(class.Type(), id); r != nil {
			if existing = r.entry(); existing != nil {
				refs = maps.Clone(existing.meta.refs)
			}
		}
	}
	for k, v := range wm.refs {
		if _, ok := refs[k]; !ok {
			refs[k] = v
		}
	}
	values, _ := wireToFields(class, refs, data)
	for _, key := range sortedKeys(values) {
		opts, ok := refs[key]
		if !ok || (existing != nil && opts.IsBackReference()) {
			continue
		}
		if err := checkRefInput(c, opts, values[key]); err != nil {
			return fmt.Errorf("%s.%s: %w", class.Type(), key, err)
		}
	}
	return nil
}

// applyWire writes wire data onto an existing record as one update.
func (r *Record) applyWire(data map[string]any, wm wireMeta) error {
	e := r.entry()
	if e == nil {
		return types.ErrRecordDiscarded
	}
	for key, opts := range wm.refs {
		if _, known := e.meta.refs[key]; !known && !slices.Contains(e.order, key) {
			e.meta.refs[key] = opts
			initRef(e, key, opts)
		}
	}
	values, extras := wireToFields(r.class, e.meta.refs, data)
	for k, v := range extras {
		values[k] = v
	}
	for key, opts := range e.meta.refs {
		if opts.IsBackReference() {
			delete(values, key)
		}
	}
	return r.update(e, values, true)
}

// Add registers a record, or builds one of type typ from a plain map. A
// map sharing the identity of a member is upserted onto it.
func (c *Collection) Add(data any, typ string) (types.Record, error) {
	if c.destroyed {
		return nil, types.ErrCollectionDestroyed
	}
	switch v := data.(type) {
	case *Record:
		if err := c.addRecord(v); err != nil {
			return nil, err
		}
		return v, nil
	case map[string]any:
		class, err := c.classFor(v, typ)
		if err != nil {
			return nil, err
		}
		r, err := c.upsert(class, v)
		if err != nil {
			return nil, err
		}
		return r, nil
	case nil:
		return nil, fmt.Errorf("%w: nil record", types.ErrInvalidData)
	default:
		return nil, fmt.Errorf("%w: cannot add %T", types.ErrInvalidData, data)
	}
}

func (c *Collection) classFor(data map[string]any, typ string) (*types.Class, error) {
	if typ == "" {
		return c.classOf(data, "")
	}
	class, ok := c.classes[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownModel, typ)
	}
	return class, nil
}

// AddAll adds every non-nil element of data.
func (c *Collection) AddAll(data []any, typ string) ([]types.Record, error) {
	out := make([]types.Record, 0, len(data))
	for _, item := range data {
		if item == nil {
			continue
		}
		r, err := c.Add(item, typ)
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (c *Collection) addRecord(r *Record) error {
	e := r.entry()
	if e == nil {
		return types.ErrRecordDiscarded
	}
	switch e.meta.collection() {
	case c:
		return nil
	case nil:
	default:
		return types.ErrSingleCollectionOwnership
	}
	if err := c.checkAttachable(r, e); err != nil {
		return err
	}
	c.attach(r, e)
	return nil
}

// checkAttachable reports why the detached record r cannot join c.
func (c *Collection) checkAttachable(r *Record, e *entry) error {
	if err := c.checkClass(r.class); err != nil {
		return err
	}
	if other := c.find(r.Type(), e.meta.id); other != nil && other != r {
		return fmt.Errorf("%w: %s", types.ErrIDConflict, r)
	}
	return nil
}

// attach registers r in every index and emits CREATE.
func (c *Collection) attach(r *Record, e *entry) {
	c.register(r.class)
	e.meta.setCollection(c)
	c.records = append(c.records, r)
	c.byType[r.Type()] = append(c.byType[r.Type()], r)
	ids, ok := c.byID[r.Type()]
	if !ok {
		ids = make(map[string]*Record)
		c.byID[r.Type()] = ids
	}
	ids[types.IDKey(e.meta.id)] = r
	c.log.Debug("record attached", zap.Stringer("record", r), zap.Int("len", len(c.records)))

	r.emit(e, types.Patch{
		PatchType: types.PatchCreate,
		Model:     r.token(e),
		NewValue:  r.ToJSON(),
	})
}

// unregister drops r from every index.
func (c *Collection) unregister(r *Record, id any) {
	c.records = slices.DeleteFunc(c.records, func(x *Record) bool { return x == r })
	c.byType[r.Type()] = slices.DeleteFunc(c.byType[r.Type()], func(x *Record) bool { return x == r })
	if len(c.byType[r.Type()]) == 0 {
		delete(c.byType, r.Type())
	}
	if ids := c.byID[r.Type()]; ids != nil && ids[types.IDKey(id)] == r {
		delete(ids, types.IDKey(id))
		if len(ids) == 0 {
			delete(c.byID, r.Type())
		}
	}
}

// Find returns the member (typ, id), or the first member of typ when id is
// nil.
func (c *Collection) Find(typ string, id any) types.Record {
	return asRecord(c.find(typ, id))
}

// FindBy returns the first member matching pred.
func (c *Collection) FindBy(pred func(types.Record) bool) types.Record {
	for _, r := range slices.Clone(c.records) {
		if pred(r) {
			return r
		}
	}
	return nil
}

// FindAll returns the members of typ, or every member when typ is empty.
func (c *Collection) FindAll(typ string) []types.Record {
	src := c.records
	if typ != "" {
		src = c.byType[typ]
	}
	out := make([]types.Record, 0, len(src))
	for _, r := range src {
		out = append(out, r)
	}
	return out
}

// Filter returns every member matching pred.
func (c *Collection) Filter(pred func(types.Record) bool) []types.Record {
	var out []types.Record
	for _, r := range slices.Clone(c.records) {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out
}

// RemoveOne detaches rec, prunes references to it and emits REMOVE.
func (c *Collection) RemoveOne(rec types.Record) error {
	if c.destroyed {
		return types.ErrCollectionDestroyed
	}
	r, ok := rec.(*Record)
	if !ok || r == nil {
		return fmt.Errorf("%w: cannot remove %T", types.ErrInvalidData, rec)
	}
	e := r.entry()
	if e == nil {
		return types.ErrRecordDiscarded
	}
	if e.meta.collection() != c {
		return nil
	}
	c.detach(r, e)
	return nil
}

// Remove detaches the member (typ, id). A nil id removes the first member
// of typ.
func (c *Collection) Remove(typ string, id any) error {
	if c.destroyed {
		return types.ErrCollectionDestroyed
	}
	r := c.find(typ, id)
	if r == nil {
		return nil
	}
	return c.RemoveOne(r)
}

// RemoveAll detaches every member of typ.
func (c *Collection) RemoveAll(typ string) error {
	if c.destroyed {
		return types.ErrCollectionDestroyed
	}
	for _, r := range slices.Clone(c.byType[typ]) {
		if e := r.entry(); e != nil {
			c.detach(r, e)
		}
	}
	return nil
}

func (c *Collection) detach(r *Record, e *entry) {
	snapshot := r.ToJSON()
	c.unregister(r, e.meta.id)
	c.prune(r, e)
	e.meta.setCollection(nil)
	c.log.Debug("record detached", zap.Stringer("record", r), zap.Int("len", len(c.records)))

	p := types.Patch{
		PatchType: types.PatchRemove,
		Model:     r.token(e),
		OldValue:  snapshot,
	}
	e.listeners.emit(p)
	c.listeners.emit(p)
}

// Reset detaches every member without touching field values. No patches
// are emitted.
func (c *Collection) Reset() error {
	if c.destroyed {
		return types.ErrCollectionDestroyed
	}
	c.reset()
	return nil
}

func (c *Collection) reset() {
	for _, r := range c.records {
		if e := r.entry(); e != nil {
			e.meta.setCollection(nil)
		}
	}
	c.records = nil
	c.byType = make(map[string][]*Record)
	c.byID = make(map[string]map[string]*Record)
	for _, v := range c.views {
		v.items = nil
	}
	c.log.Debug("collection reset")
}

// Destroy resets the collection and rejects further mutation.
func (c *Collection) Destroy() {
	if c.destroyed {
		return
	}
	c.reset()
	c.views = nil
	c.listeners = listenerSet{}
	c.destroyed = true
	c.log.Debug("collection destroyed")
}

// ToJSON returns the wire snapshot of every member.
func (c *Collection) ToJSON() []map[string]any {
	out := make([]map[string]any, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r.ToJSON())
	}
	return out
}

// OnPatch registers fn for patches of the collection and its members.
func (c *Collection) OnPatch(fn types.PatchListener) func() {
	if c.destroyed {
		return func() {}
	}
	return c.listeners.add(fn)
}

// ApplyPatch replays p. Validation happens before any write.
func (c *Collection) ApplyPatch(p types.Patch) error {
	if c.destroyed {
		return types.ErrCollectionDestroyed
	}
	c.log.Debug("applying patch",
		zap.String("patch_type", string(p.PatchType)),
		zap.String("model", p.Model.Key()))

	switch p.PatchType {
	case types.PatchCreate:
		if p.NewValue == nil {
			return fmt.Errorf("%w: %s", types.ErrPatchValueMissing, p.Model.Key())
		}
		class, ok := c.classes[p.Model.Type]
		if !ok {
			return fmt.Errorf("%w: %s", types.ErrUnknownModel, p.Model.Type)
		}
		if p.Model.ID != nil && c.find(p.Model.Type, p.Model.ID) != nil {
			return fmt.Errorf("%w: %s", types.ErrPatchTargetExists, p.Model.Key())
		}
		data := cloneData(p.NewValue)
		m := map[string]any{}
		if old, ok := data[types.MetaKey].(map[string]any); ok {
			m = cloneData(old)
		}
		if p.Model.ID != nil {
			m[types.MetaID] = p.Model.ID
		}
		m[types.MetaType] = p.Model.Type
		data[types.MetaKey] = m
		_, err := newRecord(class, data, c)
		return err

	case types.PatchUpdate:
		target := c.find(p.Model.Type, p.Model.ID)
		if target == nil {
			return fmt.Errorf("%w: %s", types.ErrPatchTargetMissing, p.Model.Key())
		}
		if p.NewValue == nil {
			return fmt.Errorf("%w: %s", types.ErrPatchValueMissing, p.Model.Key())
		}
		e := target.entry()
		if e == nil {
			return types.ErrRecordDiscarded
		}
		return target.update(e, p.NewValue, true)

	case types.PatchRemove:
		target := c.find(p.Model.Type, p.Model.ID)
		if target == nil {
			return nil
		}
		return c.RemoveOne(target)

	default:
		return fmt.Errorf("%w: %q", types.ErrPatchTokenUnknown, p.PatchType)
	}
}

// UndoPatch applies the inverse of p.
func (c *Collection) UndoPatch(p types.Patch) error {
	return c.ApplyPatch(p.Inverse())
}
