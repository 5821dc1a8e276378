package resolver

import (
	"fmt"

	"golang.org/x/xerrors"

	aff4 "github.com/aff4/go-aff4"
	"github.com/aff4/go-aff4/rdf"
)

// Constructor builds an unloaded object for a URN. LoadFromURN is invoked
// by the factory after construction.
type Constructor func(ds *DataStore, urn rdf.URN) aff4.Object

var (
	typeRegistry   = make(map[string]Constructor)
	schemeRegistry = make(map[string]Constructor)
)

// Register binds an aff4:type URN to a constructor. Concrete packages call
// this from init; registering the same type twice is a programming error.
func Register(typeURN string, c Constructor) {
	if _, ok := typeRegistry[typeURN]; ok {
		panic(fmt.Sprintf("duplicate factory registration for %s", typeURN))
	}
	typeRegistry[typeURN] = c
}

// RegisterScheme binds a URN scheme to a constructor, used for URNs that
// carry no aff4:type attribute (e.g. file:// backing paths).
func RegisterScheme(scheme string, c Constructor) {
	if _, ok := schemeRegistry[scheme]; ok {
		panic(fmt.Sprintf("duplicate scheme registration for %s", scheme))
	}
	schemeRegistry[scheme] = c
}

// Scoped is a checked-out reference to a cached object. While it lives,
// the object sits in the cache's in-use set; Close re-parks it in the LRU
// list. Exactly one Scoped may exist per URN at a time.
type Scoped[T aff4.Object] struct {
	Obj T
	ds  *DataStore
	out bool
}

// Close returns the object to the LRU list. It never fails; the error
// return satisfies io.Closer.
func (s *Scoped[T]) Close() error {
	if s.out {
		s.ds.cache.Return(s.Obj)
		s.out = false
	}
	return nil
}

// Open materializes urn as a live object of capability T, checked out from
// the object cache. The algorithm follows the resolver contract:
//
//  1. a URN already checked out fails (single-checkout violation);
//  2. a resident object moves from the LRU list to the in-use set;
//  3. otherwise the aff4:type attribute (falling back to the URN scheme)
//     selects a registered constructor, the object is loaded from the
//     graph and checked out.
//
// An object that does not satisfy T is returned to the cache and the call
// fails with ErrIncompatibleTypes.
func Open[T aff4.Object](ds *DataStore, urn rdf.URN) (*Scoped[T], error) {
	obj, err := ds.open(urn)
	if err != nil {
		return nil, err
	}
	t, ok := obj.(T)
	if !ok {
		ds.cache.Return(obj)
		return nil, xerrors.Errorf("<%s> is a %T, not the requested capability: %w",
			urn, obj, aff4.ErrIncompatibleTypes)
	}
	return &Scoped[T]{Obj: t, ds: ds, out: true}, nil
}

func (ds *DataStore) open(urn rdf.URN) (aff4.Object, error) {
	key := urn.Serialize()
	if ds.cache.CheckedOut(key) {
		return nil, xerrors.Errorf("<%s> is already checked out: %w", urn, aff4.ErrGenericError)
	}
	if obj, ok := ds.cache.Get(key); ok {
		return obj, nil
	}

	ctor, err := ds.lookupConstructor(urn)
	if err != nil {
		return nil, err
	}
	obj := ctor(ds, urn)
	if err := obj.LoadFromURN(); err != nil {
		return nil, xerrors.Errorf("loading <%s>: %w", urn, err)
	}
	if err := ds.cache.Put(obj); err != nil {
		return nil, err
	}
	obj, _ = ds.cache.Get(key)
	return obj, nil
}

func (ds *DataStore) lookupConstructor(urn rdf.URN) (Constructor, error) {
	// Try every aff4:type value; the graph may hold several (e.g. Image
	// alongside Map) and only some are registered.
	for _, v := range ds.store[urn][rdf.NewURN(aff4.AttrType)] {
		t, ok := v.(*rdf.URN)
		if !ok {
			continue
		}
		if ctor, ok := typeRegistry[t.Serialize()]; ok {
			return ctor, nil
		}
	}
	if ctor, ok := schemeRegistry[urn.Scheme()]; ok {
		return ctor, nil
	}
	return nil, xerrors.Errorf("no factory for <%s>: %w", urn, aff4.ErrNotFound)
}
