// Package resolver implements the AFF4 metadata store: a URN-keyed RDF
// graph coupled to a cache of instantiated objects and the factory
// registry which materializes URNs into live objects.
package resolver

import (
	"io"
	"log"
	"sort"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	aff4 "github.com/aff4/go-aff4"
	"github.com/aff4/go-aff4/rdf"
)

// DataStore is the in-memory RDF graph plus object cache. It is not safe
// for concurrent use; hold one DataStore per goroutine.
type DataStore struct {
	// Namespaces are applied as prefixes when serializing to Turtle.
	// Tools append their own (e.g. the memory namespace).
	Namespaces []rdf.Namespace

	store   map[rdf.URN]map[rdf.URN][]rdf.Value
	cache   *ObjectCache
	volumes map[rdf.URN]aff4.Volume

	// suppressed predicates are volatile and never serialized.
	suppressed map[rdf.URN]bool
}

// NewMemoryDataStore returns an empty store with the default cache size.
func NewMemoryDataStore() *DataStore {
	return newMemoryDataStore(10)
}

func newMemoryDataStore(cacheSize int) *DataStore {
	return &DataStore{
		Namespaces: append([]rdf.Namespace(nil), aff4.DefaultNamespaces...),
		store:      make(map[rdf.URN]map[rdf.URN][]rdf.Value),
		cache:      NewObjectCache(cacheSize),
		volumes:    make(map[rdf.URN]aff4.Volume),
		suppressed: map[rdf.URN]bool{
			rdf.NewURN(aff4.AttrStreamWriteMode): true,
		},
	}
}

// Set records (subject, predicate, value), overwriting any prior values of
// the predicate.
func (ds *DataStore) Set(subject, predicate rdf.URN, value rdf.Value) {
	attrs := ds.store[subject]
	if attrs == nil {
		attrs = make(map[rdf.URN][]rdf.Value)
		ds.store[subject] = attrs
	}
	attrs[predicate] = []rdf.Value{value}
}

// Add records (subject, predicate, value) without disturbing existing
// values of the predicate (the replace=false form of Set).
func (ds *DataStore) Add(subject, predicate rdf.URN, value rdf.Value) {
	attrs := ds.store[subject]
	if attrs == nil {
		attrs = make(map[rdf.URN][]rdf.Value)
		ds.store[subject] = attrs
	}
	for _, v := range attrs[predicate] {
		if v.Serialize() == value.Serialize() && v.Datatype() == value.Datatype() {
			return
		}
	}
	attrs[predicate] = append(attrs[predicate], value)
}

// Get copies the value of (subject, predicate) into out. When several
// values are present, the first whose type matches out wins. A present
// value of a different type is ErrIncompatibleTypes; an absent predicate
// is ErrNotFound.
func (ds *DataStore) Get(subject, predicate rdf.URN, out rdf.Value) error {
	values := ds.store[subject][predicate]
	if len(values) == 0 {
		return xerrors.Errorf("no value for <%s> <%s>: %w", subject, predicate, aff4.ErrNotFound)
	}
	for _, v := range values {
		if err := out.CopyFrom(v); err == nil {
			return nil
		}
	}
	return xerrors.Errorf("value for <%s> <%s> has a different type: %w",
		subject, predicate, aff4.ErrIncompatibleTypes)
}

// Has reports whether the subject carries any attribute.
func (ds *DataStore) Has(subject rdf.URN) bool {
	return len(ds.store[subject]) > 0
}

// HasValue reports whether (subject, predicate) holds value.
func (ds *DataStore) HasValue(subject, predicate rdf.URN, value rdf.Value) bool {
	for _, v := range ds.store[subject][predicate] {
		if v.Serialize() == value.Serialize() && v.Datatype() == value.Datatype() {
			return true
		}
	}
	return false
}

// Delete removes every attribute of subject.
func (ds *DataStore) Delete(subject rdf.URN) {
	delete(ds.store, subject)
}

// Query returns all subjects holding (predicate, value), sorted by URN.
// A zero predicate matches any predicate.
func (ds *DataStore) Query(predicate rdf.URN, value rdf.Value) []rdf.URN {
	var result []rdf.URN
	for subject, attrs := range ds.store {
		for p, values := range attrs {
			if !predicate.IsZero() && p != predicate {
				continue
			}
			for _, v := range values {
				if v.Serialize() == value.Serialize() && v.Datatype() == value.Datatype() {
					result = append(result, subject)
				}
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Serialize() < result[j].Serialize()
	})
	return result
}

// DumpToTurtle serializes the graph. Volatile predicates and backing-file
// subjects (file scheme) are omitted: they describe this session, not the
// container.
func (ds *DataStore) DumpToTurtle(w io.Writer, base rdf.URN) error {
	var triples []rdf.Triple
	for subject, attrs := range ds.store {
		if subject.Scheme() == "file" {
			continue
		}
		for predicate, values := range attrs {
			if ds.suppressed[predicate] {
				continue
			}
			for _, v := range values {
				triples = append(triples, rdf.Triple{
					Subject:   subject,
					Predicate: predicate,
					Object:    v,
				})
			}
		}
	}
	return rdf.DumpTurtle(w, triples, base.Serialize(), ds.Namespaces)
}

// LoadFromTurtle merges the triples read from r into the graph. Unknown
// predicates are kept as-is.
func (ds *DataStore) LoadFromTurtle(r io.Reader) error {
	triples, err := rdf.ParseTurtle(r)
	if err != nil {
		return xerrors.Errorf("loading turtle: %w: %v", aff4.ErrParsingError, err)
	}
	for _, t := range triples {
		ds.Add(t.Subject, t.Predicate, t.Object)
	}
	return nil
}

// DumpToYAML emits the graph as YAML. This is a debugging aid; the
// container format is Turtle.
func (ds *DataStore) DumpToYAML(w io.Writer) error {
	doc := make(map[string]map[string][]string)
	for subject, attrs := range ds.store {
		m := make(map[string][]string)
		for predicate, values := range attrs {
			for _, v := range values {
				m[predicate.Serialize()] = append(m[predicate.Serialize()], v.Serialize())
			}
		}
		doc[subject.Serialize()] = m
	}
	return yaml.NewEncoder(w).Encode(doc)
}

// LoadFromYAML is not supported.
func (ds *DataStore) LoadFromYAML(io.Reader) error {
	return xerrors.Errorf("loading YAML graphs: %w", aff4.ErrNotImplemented)
}

// RegisterVolume makes v reachable by URN for streams that need their
// containing volume (bevy writers, segment loads).
func (ds *DataStore) RegisterVolume(v aff4.Volume) {
	ds.volumes[v.URN()] = v
}

// Volume returns a previously registered volume.
func (ds *DataStore) Volume(urn rdf.URN) (aff4.Volume, error) {
	v, ok := ds.volumes[urn]
	if !ok {
		return nil, xerrors.Errorf("volume <%s> is not open: %w", urn, aff4.ErrNotFound)
	}
	return v, nil
}

// Cache exposes the object cache (tests inspect LRU order through it).
func (ds *DataStore) Cache() *ObjectCache { return ds.cache }

// Return moves a checked-out object back into the LRU list.
func (ds *DataStore) Return(obj aff4.Object) {
	ds.cache.Return(obj)
}

// CloseObject flushes obj and removes it from the cache, releasing its
// resources. Flush failures during teardown are logged, not returned.
func (ds *DataStore) CloseObject(obj aff4.Object) {
	if obj.IsDirty() {
		if err := obj.Flush(); err != nil {
			log.Printf("flushing <%s> during close: %v", obj.URN(), err)
		}
	}
	ds.cache.Remove(obj)
}

// Flush commits every dirty object, then every dirty volume, without
// releasing anything.
func (ds *DataStore) Flush() error {
	ds.cache.flushAll()
	for urn, v := range ds.volumes {
		if v.IsDirty() {
			if err := v.Flush(); err != nil {
				return xerrors.Errorf("flushing volume <%s>: %w", urn, err)
			}
		}
	}
	return nil
}

// Close flushes and releases every cached object and open volume. Streams
// flush before their volumes write directories; objects still checked out
// are a caller defect and are logged.
func (ds *DataStore) Close() error {
	ds.cache.flushAll()
	for urn, v := range ds.volumes {
		if v.IsDirty() {
			if err := v.Flush(); err != nil {
				log.Printf("flushing volume <%s>: %v", urn, err)
			}
		}
		if err := v.Close(); err != nil {
			log.Printf("closing volume <%s>: %v", urn, err)
		}
		delete(ds.volumes, urn)
	}
	ds.cache.clear()
	return nil
}
