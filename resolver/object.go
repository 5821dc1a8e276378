package resolver

import (
	"github.com/aff4/go-aff4/rdf"
)

// BaseObject carries the state every AFF4 object shares: its URN, a
// non-owning handle to the resolver, and the dirty flag. Concrete objects
// embed it and override LoadFromURN/Flush/Close as needed.
type BaseObject struct {
	urn   rdf.URN
	ds    *DataStore
	dirty bool
}

// NewBaseObject binds urn to the resolver ds.
func NewBaseObject(ds *DataStore, urn rdf.URN) BaseObject {
	return BaseObject{urn: urn, ds: ds}
}

func (o *BaseObject) URN() rdf.URN { return o.urn }

// Resolver returns the owning data store.
func (o *BaseObject) Resolver() *DataStore { return o.ds }

// MarkDirty records that the object has been mutated since its last flush.
func (o *BaseObject) MarkDirty() { o.dirty = true }

// ClearDirty records a completed flush.
func (o *BaseObject) ClearDirty() { o.dirty = false }

func (o *BaseObject) IsDirty() bool { return o.dirty }

// LoadFromURN populates the object from graph attributes. The base object
// has none.
func (o *BaseObject) LoadFromURN() error { return nil }

// Flush commits pending state. The base object has none to commit.
func (o *BaseObject) Flush() error {
	o.dirty = false
	return nil
}

func (o *BaseObject) Close() error { return nil }

// NewObject returns a plain object for urn. Plain objects carry attributes
// only; the cache tests exercise them directly.
func NewObject(ds *DataStore, urn string) *BaseObject {
	obj := NewBaseObject(ds, rdf.NewURN(urn))
	return &obj
}
