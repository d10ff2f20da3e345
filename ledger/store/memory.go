// Package store provides in-memory ledger.Store and ledger.Catalog
// implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/warp/pharma-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory shards entries by partition. Each partition has its own lock, so
// appends to different partitions never contend; the outer lock only guards
// the shard map.
type Memory struct {
	nextID atomic.Int64

	mu         sync.RWMutex
	partitions map[ledger.PartitionKey]*partition
}

type partition struct {
	mu      sync.RWMutex
	entries []ledger.Entry
}

func NewMemory() *Memory {
	return &Memory{partitions: make(map[ledger.PartitionKey]*partition)}
}

func (m *Memory) shard(p ledger.PartitionKey, create bool) *partition {
	m.mu.RLock()
	s, ok := m.partitions[p]
	m.mu.RUnlock()
	if ok || !create {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.partitions[p]; !ok {
		s = &partition{}
		m.partitions[p] = s
	}
	return s
}

// Append adds a single entry. Append-only.
//
// The tail check mirrors the unique (partition, previous_hash) index of the
// SQL stores: an entry whose PreviousHash is not the current tail is a fork
// and is rejected with ErrChainConflict.
func (m *Memory) Append(_ context.Context, e ledger.Entry) (ledger.Entry, error) {
	s := m.shard(e.PartitionKey, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	tail := ledger.Genesis
	if n := len(s.entries); n > 0 {
		tail = s.entries[n-1].CurrentHash
	}
	if e.PreviousHash != tail {
		return ledger.Entry{}, &ledger.ConcurrencyError{Partition: e.PartitionKey, Err: ledger.ErrChainConflict}
	}

	e.ID = ledger.EntryID(m.nextID.Add(1))
	s.entries = append(s.entries, e)
	return e, nil
}

func (m *Memory) LastOf(_ context.Context, p ledger.PartitionKey) (*ledger.Entry, error) {
	s := m.shard(p, false)
	if s == nil {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	last := s.entries[len(s.entries)-1]
	return &last, nil
}

func (m *Memory) AllOf(_ context.Context, p ledger.PartitionKey) ([]ledger.Entry, error) {
	s := m.shard(p, false)
	if s == nil {
		return []ledger.Entry{}, nil
	}
	return s.snapshot(), nil
}

func (m *Memory) ByItem(_ context.Context, ref ledger.ItemRef) ([]ledger.Entry, error) {
	var result []ledger.Entry
	for _, s := range m.shards() {
		for _, e := range s.snapshot() {
			if e.ItemRef == ref {
				result = append(result, e)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) Partitions(_ context.Context) ([]ledger.PartitionKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]ledger.PartitionKey, 0, len(m.partitions))
	for k := range m.partitions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

func (m *Memory) Recent(_ context.Context, limit int) ([]ledger.Entry, error) {
	var all []ledger.Entry
	for _, s := range m.shards() {
		all = append(all, s.snapshot()...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *Memory) shards() []*partition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*partition, 0, len(m.partitions))
	for _, s := range m.partitions {
		out = append(out, s)
	}
	return out
}

func (s *partition) snapshot() []ledger.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]ledger.Entry, len(s.entries))
	copy(result, s.entries)
	return result
}

// =============================================================================
// MEMORY CATALOG
// =============================================================================

// MemoryCatalog implements ledger.Catalog and ledger.StaleMarker.
type MemoryCatalog struct {
	mu    sync.RWMutex
	items map[ledger.ItemRef]ledger.Item
}

func NewMemoryCatalog(items ...ledger.Item) *MemoryCatalog {
	c := &MemoryCatalog{items: make(map[ledger.ItemRef]ledger.Item)}
	for _, it := range items {
		c.items[it.Ref] = it
	}
	return c
}

// Put inserts or replaces an item.
func (c *MemoryCatalog) Put(it ledger.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[it.Ref] = it
}

func (c *MemoryCatalog) GetItem(_ context.Context, ref ledger.ItemRef) (*ledger.Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[ref]
	if !ok {
		return nil, nil
	}
	return &it, nil
}

func (c *MemoryCatalog) SetQuantity(_ context.Context, ref ledger.ItemRef, qty int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[ref]
	if !ok {
		return &ledger.NotFoundError{Kind: "item", Ref: string(ref)}
	}
	it.QuantityOnHand = qty
	c.items[ref] = it
	return nil
}

func (c *MemoryCatalog) AddQuantity(_ context.Context, ref ledger.ItemRef, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[ref]
	if !ok {
		return 0, &ledger.NotFoundError{Kind: "item", Ref: string(ref)}
	}
	it.QuantityOnHand += delta
	c.items[ref] = it
	return it.QuantityOnHand, nil
}

func (c *MemoryCatalog) MarkStale(_ context.Context, ref ledger.ItemRef, stale bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[ref]; ok {
		it.Stale = stale
		c.items[ref] = it
	}
	return nil
}

func (c *MemoryCatalog) StaleItems(_ context.Context) ([]ledger.ItemRef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var refs []ledger.ItemRef
	for ref, it := range c.items {
		if it.Stale {
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs, nil
}
