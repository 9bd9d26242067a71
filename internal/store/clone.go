package store

import (
	"github.com/mesh-intelligence/entitygraph/pkg/types"
)

// Clone builds a copy of src with a fresh id that remembers src as its
// origin. The copy joins the collection of src, if any.
func Clone(src *Record) (*Record, error) {
	e := src.entry()
	if e == nil {
		return nil, types.ErrRecordDiscarded
	}
	data := src.ToJSON()
	if f := src.class.IdentifierField(); f != "" {
		delete(data, f)
	}
	m, _ := data[types.MetaKey].(map[string]any)
	delete(m, types.MetaID)
	m[types.MetaOriginalID] = e.meta.id
	return newRecord(src.class, data, e.meta.collection())
}

// Original returns the record r was cloned from, or nil when it is no
// longer a member.
func Original(r *Record) (types.Record, error) {
	e := r.entry()
	if e == nil {
		return nil, types.ErrRecordDiscarded
	}
	if e.meta.originalID == nil {
		return nil, types.ErrNotAClonedRecord
	}
	if e.meta.collection() == nil {
		return nil, types.ErrReferenceNeedsCollection
	}
	return asRecord(e.meta.collection().find(r.Type(), e.meta.originalID)), nil
}

// Discard detaches r and releases its side storage. Later calls on r fail
// with ErrRecordDiscarded.
func Discard(r *Record) error {
	e := r.entry()
	if e == nil {
		return nil
	}
	if c := e.meta.collection(); c != nil {
		c.detach(r, e)
	}
	entries.Free(r.h)
	return nil
}
