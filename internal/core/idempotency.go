package core

import (
	"container/list"

	"OptionLedger/internal/observability"

	"github.com/google/uuid"
)

// IdempotencyChecker implements two-tier deduplication of batch ids
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics     *observability.Metrics
	tier2Errors int64
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(eventID uuid.UUID) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

// IsDuplicate checks if a batch has been committed (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(id uuid.UUID) bool {
	// Tier 1: LRU check (hot path)
	if ic.lru.Contains(id) {
		ic.recordDuplicate("lru")
		return true
	}

	// Tier 2: Postgres check (cold path)
	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(id)
		if err != nil {
			// A DB outage must not block processing: treat as new.
			ic.tier2Errors++
			return false
		}

		if isDup {
			ic.recordDuplicate("postgres")
			ic.lru.Add(id)
			return true
		}
	}

	return false
}

// MarkProcessed adds the id to the LRU after a successful commit
func (ic *IdempotencyChecker) MarkProcessed(id uuid.UUID) {
	ic.lru.Add(id)
}

// Tier2Errors returns how many Postgres lookups failed.
func (ic *IdempotencyChecker) Tier2Errors() int64 {
	return ic.tier2Errors
}

func (ic *IdempotencyChecker) recordDuplicate(tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for batch ids.
// Not thread-safe; only accessed from the engine goroutine.
type IdempotencyLRU struct {
	capacity int
	cache    map[uuid.UUID]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[uuid.UUID]*list.Element),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key uuid.UUID) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key uuid.UUID) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(key)
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(uuid.UUID))
		lru.evictions++
	}
}

// WarmFromKeys loads recently committed batch ids, oldest first, so that
// restarts do not fall through to Postgres for recent duplicates.
func (lru *IdempotencyLRU) WarmFromKeys(keys []uuid.UUID) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// Keys returns ids from most to least recently used.
func (lru *IdempotencyLRU) Keys() []uuid.UUID {
	out := make([]uuid.UUID, 0, lru.lruList.Len())
	for e := lru.lruList.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(uuid.UUID))
	}
	return out
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
