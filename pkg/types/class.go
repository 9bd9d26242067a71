package types

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ReferenceKind is the arity of a reference field.
type ReferenceKind int

// Reference kinds.
const (
	ToOne ReferenceKind = iota + 1
	ToMany
	ToOneOrMany
)

var referenceKindNames = map[ReferenceKind]string{
	ToOne:       "to_one",
	ToMany:      "to_many",
	ToOneOrMany: "to_one_or_many",
}

func (k ReferenceKind) String() string {
	if s, ok := referenceKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ReferenceKind(%d)", int(k))
}

// ParseReferenceKind maps a wire name ("to_one", "to_many", "to_one_or_many")
// to its ReferenceKind.
func ParseReferenceKind(s string) (ReferenceKind, error) {
	for k, name := range referenceKindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: reference kind %q", ErrInvalidClass, s)
}

// MissingPolicy controls whether unresolved to-many entries appear in the
// visible list.
type MissingPolicy int

// Missing policies. MissingDefault defers to Config.KeepMissing.
const (
	MissingDefault MissingPolicy = iota
	MissingSkip
	MissingKeep
)

// AutoIDPolicy selects how a class produces ids for records created
// without one.
type AutoIDPolicy string

// Auto id policies.
const (
	AutoIDDecrement AutoIDPolicy = "decrement" // -1, -2, ...
	AutoIDUUID      AutoIDPolicy = "uuid"      // UUID v7
	AutoIDULID      AutoIDPolicy = "ulid"
)

// FieldOptions declares a scalar field.
type FieldOptions struct {
	// Default is the initial value, or a func() any producing one per record.
	Default any

	// Map is the wire name of the field. Empty means the field key.
	Map string

	// Parse converts the wire value when a record is built or upserted.
	Parse func(raw any, data map[string]any) any

	// Serialize converts the value for snapshots. data holds every field of
	// the record by field name, before any Serialize runs.
	Serialize func(value any, data map[string]any) any
}

// ReferenceOptions declares a reference field.
type ReferenceOptions struct {
	Kind   ReferenceKind
	Target string

	// Property turns the field into a read-only back-reference listing the
	// Target records whose forward reference Property points at the owner.
	Property string

	Missing MissingPolicy
}

// IsBackReference reports whether the options describe a derived reference.
func (o ReferenceOptions) IsBackReference() bool {
	return o.Property != ""
}

// ToMap returns the wire form carried under MetaKey.refs.
func (o ReferenceOptions) ToMap() map[string]any {
	m := map[string]any{"kind": o.Kind.String()}
	if o.Target != "" {
		m["target"] = o.Target
	}
	if o.Property != "" {
		m["property"] = o.Property
	}
	return m
}

// ReferenceOptionsFromMap parses the wire form produced by ToMap.
func ReferenceOptionsFromMap(m map[string]any) (ReferenceOptions, error) {
	name, _ := m["kind"].(string)
	kind, err := ParseReferenceKind(name)
	if err != nil {
		return ReferenceOptions{}, err
	}
	opts := ReferenceOptions{Kind: kind}
	opts.Target, _ = m["target"].(string)
	opts.Property, _ = m["property"].(string)
	return opts, nil
}

// Class is the flattened declaration of a record type. Classes are built
// once with ClassBuilder and are immutable afterwards, except for the auto
// id counter.
type Class struct {
	typ       string
	parent    *Class
	fields    map[string]FieldOptions
	refs      map[string]ReferenceOptions
	order     []string
	idField   string
	typeField string
	autoID    AutoIDPolicy

	mu      sync.Mutex
	counter int64
}

// Type returns the type tag of records of this class.
func (c *Class) Type() string { return c.typ }

// Parent returns the class this one extends, or nil.
func (c *Class) Parent() *Class { return c.parent }

// IdentifierField returns the field exposing the record id, or "".
func (c *Class) IdentifierField() string { return c.idField }

// TypeField returns the field exposing the type tag, or "".
func (c *Class) TypeField() string { return c.typeField }

// AutoIDPolicy returns the policy used by NextAutoID.
func (c *Class) AutoIDPolicy() AutoIDPolicy { return c.autoID }

// Keys returns declared field and reference names in declaration order,
// parent declarations first.
func (c *Class) Keys() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Field returns the options of a declared scalar field.
func (c *Class) Field(name string) (FieldOptions, bool) {
	f, ok := c.fields[name]
	return f, ok
}

// Reference returns the options of a declared reference field.
func (c *Class) Reference(name string) (ReferenceOptions, bool) {
	r, ok := c.refs[name]
	return r, ok
}

// References returns a copy of the declared references.
func (c *Class) References() map[string]ReferenceOptions {
	out := make(map[string]ReferenceOptions, len(c.refs))
	for k, v := range c.refs {
		out[k] = v
	}
	return out
}

// Defaults evaluates the default value of every declared scalar field.
func (c *Class) Defaults() map[string]any {
	out := make(map[string]any, len(c.fields))
	for k := range c.fields {
		out[k] = c.DefaultValue(k)
	}
	return out
}

// DefaultValue evaluates the default of a single field.
func (c *Class) DefaultValue(name string) any {
	f, ok := c.fields[name]
	if !ok {
		return nil
	}
	if fn, ok := f.Default.(func() any); ok {
		return fn()
	}
	return f.Default
}

// WireName returns the wire name of a declared field.
func (c *Class) WireName(name string) string {
	if f, ok := c.fields[name]; ok && f.Map != "" {
		return f.Map
	}
	return name
}

// NextAutoID returns a new id according to the class policy. The caller
// retries when the id is already taken.
func (c *Class) NextAutoID() any {
	switch c.autoID {
	case AutoIDUUID:
		id, err := uuid.NewV7()
		if err != nil {
			return uuid.New().String()
		}
		return id.String()
	case AutoIDULID:
		return ulid.Make().String()
	default:
		c.mu.Lock()
		defer c.mu.Unlock()
		c.counter--
		return c.counter
	}
}

// ClassBuilder collects declarations for a Class.
type ClassBuilder struct {
	typ       string
	parent    *Class
	fields    map[string]FieldOptions
	refs      map[string]ReferenceOptions
	order     []string
	idField   string
	typeField string
	autoID    AutoIDPolicy
	err       error
}

// NewClass starts the declaration of the record type typ.
func NewClass(typ string) *ClassBuilder {
	return &ClassBuilder{
		typ:    typ,
		fields: make(map[string]FieldOptions),
		refs:   make(map[string]ReferenceOptions),
	}
}

// Extends inherits every declaration of parent. Declarations on the builder
// override the parent per key.
func (b *ClassBuilder) Extends(parent *Class) *ClassBuilder {
	b.parent = parent
	return b
}

// Field declares a scalar field.
func (b *ClassBuilder) Field(name string, opts FieldOptions) *ClassBuilder {
	if !b.declare(name) {
		return b
	}
	delete(b.refs, name)
	b.fields[name] = opts
	return b
}

// Reference declares a reference field.
func (b *ClassBuilder) Reference(name string, opts ReferenceOptions) *ClassBuilder {
	if !b.declare(name) {
		return b
	}
	if _, ok := referenceKindNames[opts.Kind]; !ok {
		b.fail("reference %q has no kind", name)
		return b
	}
	if opts.IsBackReference() && opts.Target == "" {
		b.fail("back-reference %q needs a target type", name)
		return b
	}
	delete(b.fields, name)
	b.refs[name] = opts
	return b
}

// Identifier names the field exposing the record id.
func (b *ClassBuilder) Identifier(name string) *ClassBuilder {
	if b.declare(name) {
		b.idField = name
	}
	return b
}

// TypeField names the field exposing the type tag.
func (b *ClassBuilder) TypeField(name string) *ClassBuilder {
	if b.declare(name) {
		b.typeField = name
	}
	return b
}

// AutoID selects the auto id policy. The default is AutoIDDecrement.
func (b *ClassBuilder) AutoID(policy AutoIDPolicy) *ClassBuilder {
	switch policy {
	case AutoIDDecrement, AutoIDUUID, AutoIDULID:
		b.autoID = policy
	default:
		b.fail("unknown auto id policy %q", policy)
	}
	return b
}

func (b *ClassBuilder) declare(name string) bool {
	if name == "" || name == MetaKey {
		b.fail("invalid field name %q", name)
		return false
	}
	for _, k := range b.order {
		if k == name {
			return true
		}
	}
	b.order = append(b.order, name)
	return true
}

func (b *ClassBuilder) fail(format string, args ...any) {
	if b.err == nil {
		b.err = fmt.Errorf("%w: %s: %s", ErrInvalidClass, b.typ, fmt.Sprintf(format, args...))
	}
}

// Build flattens the parent chain into a Class.
func (b *ClassBuilder) Build() (*Class, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.typ == "" {
		return nil, fmt.Errorf("%w: empty type", ErrInvalidClass)
	}
	c := &Class{
		typ:    b.typ,
		parent: b.parent,
		fields: make(map[string]FieldOptions),
		refs:   make(map[string]ReferenceOptions),
		autoID: AutoIDDecrement,
	}
	seen := make(map[string]bool)
	if p := b.parent; p != nil {
		for k, v := range p.fields {
			c.fields[k] = v
		}
		for k, v := range p.refs {
			c.refs[k] = v
		}
		for _, k := range p.order {
			c.order = append(c.order, k)
			seen[k] = true
		}
		c.idField, c.typeField, c.autoID = p.idField, p.typeField, p.autoID
	}
	for _, k := range b.order {
		if f, ok := b.fields[k]; ok {
			delete(c.refs, k)
			c.fields[k] = f
		}
		if r, ok := b.refs[k]; ok {
			delete(c.fields, k)
			c.refs[k] = r
		}
		if !seen[k] {
			c.order = append(c.order, k)
			seen[k] = true
		}
	}
	if b.idField != "" {
		c.idField = b.idField
	}
	if b.typeField != "" {
		c.typeField = b.typeField
	}
	if b.autoID != "" {
		c.autoID = b.autoID
	}
	for _, special := range []string{c.idField, c.typeField} {
		if _, ok := c.refs[special]; ok && special != "" {
			return nil, fmt.Errorf("%w: %s: %q cannot be a reference", ErrInvalidClass, b.typ, special)
		}
		delete(c.fields, special)
	}
	if c.idField != "" && c.idField == c.typeField {
		return nil, fmt.Errorf("%w: %s: id and type share field %q", ErrInvalidClass, b.typ, c.idField)
	}
	return c, nil
}

// MustBuild is Build for package-level declarations. It panics on error.
func (b *ClassBuilder) MustBuild() *Class {
	c, err := b.Build()
	if err != nil {
		panic(err)
	}
	return c
}
