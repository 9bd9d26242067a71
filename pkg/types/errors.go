package types

import "errors"

// Type resolution errors.
var (
	ErrUndefinedType = errors.New("record type is undefined")
	ErrUnknownModel  = errors.New("no class registered for type")
	ErrDuplicateType = errors.New("another class is registered for type")
	ErrInvalidClass  = errors.New("invalid class declaration")
)

// Identity map errors.
var (
	ErrSingleCollectionOwnership = errors.New("record already belongs to another collection")
	ErrIDConflict                = errors.New("another record with the same type and id exists")
	ErrInvalidID                 = errors.New("invalid record id")
	ErrInvalidData               = errors.New("invalid record data")
	ErrCollectionDestroyed       = errors.New("collection is destroyed")
	ErrRecordDiscarded           = errors.New("record is discarded")
	ErrNotAClonedRecord          = errors.New("record is not a clone")
)

// Field and reference errors.
var (
	ErrFieldNotFound            = errors.New("field not found")
	ErrReadOnlyField            = errors.New("field is read-only")
	ErrReferenceArity           = errors.New("reference value has the wrong arity")
	ErrReferenceNeedsCollection = errors.New("reference requires the record to be in a collection")
	ErrBackReferenceReadOnly    = errors.New("back-reference is read-only")
	ErrIndexOutOfRange          = errors.New("reference index out of range")
)

// Patch errors.
var (
	ErrPatchTargetMissing = errors.New("patch target does not exist")
	ErrPatchTargetExists  = errors.New("patch target already exists")
	ErrPatchValueMissing  = errors.New("patch has no new value")
	ErrPatchTokenUnknown  = errors.New("unknown patch token")
)
