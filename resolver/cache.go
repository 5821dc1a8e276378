package resolver

import (
	"container/list"
	"log"

	"golang.org/x/xerrors"

	aff4 "github.com/aff4/go-aff4"
)

// ObjectCache is a bounded LRU of live objects with an auxiliary in-use
// set. An object is always in exactly one of the two structures. Objects
// in the in-use set are never evicted, so the cache may transiently exceed
// its nominal limit while many objects are checked out.
type ObjectCache struct {
	maxSize int
	lru     *list.List // front = most recently used; elements hold aff4.Object
	index   map[string]*list.Element
	inUse   map[string]aff4.Object
}

// NewObjectCache returns a cache evicting beyond maxSize resident objects.
func NewObjectCache(maxSize int) *ObjectCache {
	return &ObjectCache{
		maxSize: maxSize,
		lru:     list.New(),
		index:   make(map[string]*list.Element),
		inUse:   make(map[string]aff4.Object),
	}
}

// Put inserts obj at the head of the LRU list. The object must not
// already be present in either structure.
func (c *ObjectCache) Put(obj aff4.Object) error {
	key := obj.URN().Serialize()
	if _, ok := c.index[key]; ok {
		return xerrors.Errorf("object %s already cached: %w", key, aff4.ErrGenericError)
	}
	if _, ok := c.inUse[key]; ok {
		return xerrors.Errorf("object %s is checked out: %w", key, aff4.ErrGenericError)
	}
	c.index[key] = c.lru.PushFront(obj)
	c.trim()
	return nil
}

// Get moves the object with the given URN from the LRU list into the
// in-use set and returns it. The second return is false when the object
// is not resident (including when it is already checked out).
func (c *ObjectCache) Get(key string) (aff4.Object, bool) {
	e, ok := c.index[key]
	if !ok {
		return nil, false
	}
	obj := e.Value.(aff4.Object)
	c.lru.Remove(e)
	delete(c.index, key)
	c.inUse[key] = obj
	return obj, true
}

// CheckedOut reports whether the URN is currently in the in-use set.
func (c *ObjectCache) CheckedOut(key string) bool {
	_, ok := c.inUse[key]
	return ok
}

// Return moves a checked-out object back to the head of the LRU list.
func (c *ObjectCache) Return(obj aff4.Object) {
	key := obj.URN().Serialize()
	if _, ok := c.inUse[key]; !ok {
		log.Printf("BUG: Return of %s which is not checked out", key)
		return
	}
	delete(c.inUse, key)
	c.index[key] = c.lru.PushFront(obj)
	c.trim()
}

// Remove unlinks obj from whichever structure holds it and destroys it.
// Absent objects are ignored.
func (c *ObjectCache) Remove(obj aff4.Object) {
	key := obj.URN().Serialize()
	if e, ok := c.index[key]; ok {
		c.lru.Remove(e)
		delete(c.index, key)
		c.destroy(obj)
		return
	}
	if _, ok := c.inUse[key]; ok {
		delete(c.inUse, key)
		c.destroy(obj)
	}
}

// Keys returns the URNs in the LRU list, most recently used first.
func (c *ObjectCache) Keys() []string {
	var keys []string
	for e := c.lru.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(aff4.Object).URN().Serialize())
	}
	return keys
}

// InUse returns the URNs currently checked out.
func (c *ObjectCache) InUse() []string {
	var keys []string
	for key := range c.inUse {
		keys = append(keys, key)
	}
	return keys
}

func (c *ObjectCache) trim() {
	for c.lru.Len() > c.maxSize {
		e := c.lru.Back()
		obj := e.Value.(aff4.Object)
		c.lru.Remove(e)
		delete(c.index, obj.URN().Serialize())
		c.destroy(obj)
	}
}

// destroy flushes (when dirty) and releases an object leaving the cache.
// Failures are logged: eviction must not cascade.
func (c *ObjectCache) destroy(obj aff4.Object) {
	if obj.IsDirty() {
		if err := obj.Flush(); err != nil {
			log.Printf("flushing evicted object <%s>: %v", obj.URN(), err)
		}
	}
	if err := obj.Close(); err != nil {
		log.Printf("closing evicted object <%s>: %v", obj.URN(), err)
	}
}

// flushAll flushes every dirty resident and checked-out object without
// evicting anything. Used at store close so that streams commit into
// their volumes before the volumes write their directories.
func (c *ObjectCache) flushAll() {
	for e := c.lru.Front(); e != nil; e = e.Next() {
		obj := e.Value.(aff4.Object)
		if obj.IsDirty() {
			if err := obj.Flush(); err != nil {
				log.Printf("flushing <%s>: %v", obj.URN(), err)
			}
		}
	}
	for _, obj := range c.inUse {
		if obj.IsDirty() {
			if err := obj.Flush(); err != nil {
				log.Printf("flushing <%s>: %v", obj.URN(), err)
			}
		}
	}
}

// clear evicts everything, flushing dirty objects. Objects still checked
// out indicate a missing Return/Close in the caller.
func (c *ObjectCache) clear() {
	for c.lru.Len() > 0 {
		e := c.lru.Back()
		obj := e.Value.(aff4.Object)
		c.lru.Remove(e)
		delete(c.index, obj.URN().Serialize())
		c.destroy(obj)
	}
	for key, obj := range c.inUse {
		log.Printf("object <%s> still checked out at close", key)
		delete(c.inUse, key)
		c.destroy(obj)
	}
}
