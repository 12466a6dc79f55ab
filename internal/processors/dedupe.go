package processors

import (
	"sync"
)

const (
	DefaultDedupeCapacity = 10000
	DefaultDedupeRetain   = 5000
)

// KeyDeduper remembers recently seen dedupe keys. When the set reaches its
// capacity only the most recently inserted keys are kept, so a key older
// than that window can be admitted again.
type KeyDeduper struct {
	mu       sync.Mutex
	capacity int
	retain   int
	seen     map[string]struct{}
	order    []string
}

func NewKeyDeduper(capacity, retain int) *KeyDeduper {
	if capacity <= 0 {
		capacity = DefaultDedupeCapacity
	}
	if retain <= 0 || retain > capacity {
		retain = min(DefaultDedupeRetain, capacity)
	}
	return &KeyDeduper{
		capacity: capacity,
		retain:   retain,
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
	}
}

// Seen records key and reports whether it had already been recorded.
func (d *KeyDeduper) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return true
	}

	if len(d.order) >= d.capacity {
		d.compactLocked()
	}
	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
	return false
}

func (d *KeyDeduper) compactLocked() {
	drop := len(d.order) - d.retain
	for _, k := range d.order[:drop] {
		delete(d.seen, k)
	}
	kept := make([]string, d.retain, d.capacity)
	copy(kept, d.order[drop:])
	d.order = kept
}

func (d *KeyDeduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}

func (d *KeyDeduper) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]struct{}, d.capacity)
	d.order = d.order[:0]
}
