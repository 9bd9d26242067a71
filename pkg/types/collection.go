package types

// Collection is the identity map of records, keyed by (type, id).
// A Collection is not safe for concurrent mutation; callers serialize writers.
type Collection interface {
	// Register makes classes known to the collection.
	// Returns ErrDuplicateType if a different class already claims a type.
	Register(classes ...*Class) error

	// Classes returns the registered classes in registration order.
	Classes() []*Class

	// Len returns the number of registered records.
	Len() int

	// Insert builds records from plain data, upserting onto existing records
	// that share (type, id). The type comes from MetaKey or a declared type
	// field. Returns ErrUndefinedType or ErrUnknownModel before any write.
	Insert(raw []map[string]any) ([]Record, error)

	// Add registers a Record, or builds one of type typ from a plain map.
	// Adding a member again is a no-op. Returns
	// ErrSingleCollectionOwnership for records owned by another collection.
	Add(data any, typ string) (Record, error)

	// AddAll is the bulk form of Add. Nil entries are skipped.
	AddAll(data []any, typ string) ([]Record, error)

	// Find returns the record (typ, id), or the first record of typ when id
	// is nil. Returns nil when absent.
	Find(typ string, id any) Record

	// FindBy returns the first record matching pred, or nil.
	FindBy(pred func(Record) bool) Record

	// FindAll returns the records of typ, or every record when typ is "".
	FindAll(typ string) []Record

	// Filter returns every record matching pred.
	Filter(pred func(Record) bool) []Record

	// RemoveOne detaches r and prunes references to it. Removing a record
	// that is not a member is a no-op.
	RemoveOne(r Record) error

	// Remove detaches the record (typ, id); nil id removes the first of typ.
	Remove(typ string, id any) error

	// RemoveAll detaches every record of typ.
	RemoveAll(typ string) error

	// Reset detaches every record without touching field values.
	Reset() error

	// Destroy resets the collection and rejects further mutation with
	// ErrCollectionDestroyed.
	Destroy()

	// ToJSON returns the wire snapshot of every record.
	ToJSON() []map[string]any

	// OnPatch registers a listener for patches of the collection and its
	// members. The returned function unregisters it.
	OnPatch(fn PatchListener) func()

	// ApplyPatch replays p.
	ApplyPatch(p Patch) error

	// UndoPatch applies the inverse of p.
	UndoPatch(p Patch) error

	// NewView creates a view over records of typ.
	NewView(typ string, opts ViewOptions, items ...any) (View, error)
}

// Record is an entity stored in side storage and addressed by (Type, ID).
type Record interface {
	ID() any
	Type() string
	Class() *Class

	// Collection returns the owning collection, or nil when detached.
	Collection() Collection

	// Fields returns the known field names.
	Fields() []string

	// Get returns a field value. References resolve to Record (nil when
	// unresolved) or []Record.
	Get(key string) any

	// One returns a to-one reference, or nil.
	One(key string) Record

	// Many returns a to-many reference. A to-one value is wrapped.
	Many(key string) []Record

	// List returns the mutable to-many reference key.
	List(key string) (RefList, error)

	// Set writes a declared field. Returns ErrReadOnlyField for the id and
	// type fields and ErrFieldNotFound for undeclared keys.
	Set(key string, value any) error

	// Assign is Set that creates undeclared scalar fields.
	Assign(key string, value any) error

	// Update writes several fields as one mutation.
	Update(data map[string]any) error

	// ChangeID re-identifies the record and every reference to it.
	ChangeID(id any) error

	IsDirty(key string) bool
	DirtyFields() []string
	Commit()
	Revert()

	// ToJSON returns the wire snapshot of the record.
	ToJSON() map[string]any

	OnPatch(fn PatchListener) func()
	ApplyPatch(p Patch) error
	UndoPatch(p Patch) error
}

// RefList is the in-place editable form of a to-many reference.
type RefList interface {
	Len() int
	At(i int) Record
	Records() []Record
	Append(items ...any) error
	Insert(i int, items ...any) error
	RemoveAt(i int) error
	Splice(start, deleteCount int, items ...any) ([]Record, error)
}

// ViewOptions configures a View.
type ViewOptions struct {
	// Sort orders the visible list. Nil keeps insertion order.
	Sort func(a, b Record) int

	// Unique skips records already in the view.
	Unique bool
}

// View is an ordered selection of records of one type. It follows id
// changes and removals of its records.
type View interface {
	Type() string
	Len() int
	List() []Record
	Add(items ...any) ([]Record, error)
	Remove(id any) bool
	RemoveAll()
}
