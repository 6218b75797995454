package keystore

import (
	"container/list"
	"sync"
)

// recordCache is a small LRU over wrapped-key rows, keyed by user|kind.
// Rows are copied on the way in and out so cached state never aliases
// caller-held slices.
type recordCache struct {
	capacity int
	items    map[string]*list.Element
	order    *list.List
	mu       sync.Mutex
}

type recordEntry struct {
	id  string
	rec *UserKeyRecord
}

func newRecordCache(capacity int) *recordCache {
	return &recordCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *recordCache) get(id string) (*UserKeyRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return copyRecord(elem.Value.(*recordEntry).rec), true
}

func (c *recordCache) put(id string, rec *UserKeyRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[id]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*recordEntry).rec = copyRecord(rec)
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			delete(c.items, oldest.Value.(*recordEntry).id)
			c.order.Remove(oldest)
		}
	}

	c.items[id] = c.order.PushFront(&recordEntry{id: id, rec: copyRecord(rec)})
}

func (c *recordCache) invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[id]; ok {
		delete(c.items, id)
		c.order.Remove(elem)
	}
}

func (c *recordCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.order.Init()
}

func (c *recordCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func copyRecord(rec *UserKeyRecord) *UserKeyRecord {
	out := *rec
	out.Salt = make([]byte, len(rec.Salt))
	copy(out.Salt, rec.Salt)
	return &out
}
