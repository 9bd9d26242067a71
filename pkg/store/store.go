// Package store provides the public API for the in-memory entity graph.
// It exposes the constructors for collections and records while keeping
// the implementation internal.
package store

import (
	"fmt"

	"github.com/mesh-intelligence/entitygraph/internal/store"
	"github.com/mesh-intelligence/entitygraph/pkg/types"
)

// NewCollection creates an empty collection knowing classes.
//
// Example:
//
//	people, err := store.NewCollection(types.Config{}, person, pet)
//	steve, err := people.Add(map[string]any{"firstName": "Steve"}, "person")
func NewCollection(cfg types.Config, classes ...*types.Class) (types.Collection, error) {
	c, err := store.New(cfg, classes...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewRecord builds a detached record of class from plain data.
func NewRecord(class *types.Class, data map[string]any) (types.Record, error) {
	r, err := store.NewRecord(class, data, nil)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Clone copies r under a fresh id. The copy remembers r as its original
// and joins the collection of r.
func Clone(r types.Record) (types.Record, error) {
	rec, err := own(r)
	if err != nil {
		return nil, err
	}
	dup, err := store.Clone(rec)
	if err != nil {
		return nil, err
	}
	return dup, nil
}

// Original returns the record a clone was made from, or nil when it is
// gone. Returns ErrNotAClonedRecord for records that are not clones.
func Original(r types.Record) (types.Record, error) {
	rec, err := own(r)
	if err != nil {
		return nil, err
	}
	return store.Original(rec)
}

// DirtyJSON returns the wire snapshot of the dirty fields of r.
func DirtyJSON(r types.Record) map[string]any {
	rec, err := own(r)
	if err != nil {
		return nil
	}
	return rec.DirtyJSON()
}

// Discard detaches r and releases its storage.
func Discard(r types.Record) error {
	rec, err := own(r)
	if err != nil {
		return err
	}
	return store.Discard(rec)
}

func own(r types.Record) (*store.Record, error) {
	rec, ok := r.(*store.Record)
	if !ok || rec == nil {
		return nil, fmt.Errorf("%w: %T is not a store record", types.ErrInvalidData, r)
	}
	return rec, nil
}
