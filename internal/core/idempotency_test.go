package core

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

type fakeDB struct {
	known map[uuid.UUID]bool
	err   error
	calls int
}

func (f *fakeDB) IsDuplicate(id uuid.UUID) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.known[id], nil
}

func TestLRU_EvictsOldest(t *testing.T) {
	lru := NewIdempotencyLRU(2)
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	lru.Add(a)
	lru.Add(b)
	lru.Contains(a) // promote a
	lru.Add(c)

	if lru.Contains(b) {
		t.Errorf("expected b evicted")
	}
	if !lru.Contains(a) || !lru.Contains(c) {
		t.Errorf("expected a and c retained")
	}
	if lru.Evictions() != 1 {
		t.Errorf("expected 1 eviction, got %d", lru.Evictions())
	}
	if lru.Size() != 2 {
		t.Errorf("expected size 2, got %d", lru.Size())
	}
}

func TestIdempotency_FallsBackToDB(t *testing.T) {
	seen := uuid.New()
	db := &fakeDB{known: map[uuid.UUID]bool{seen: true}}
	ic := NewIdempotencyChecker(10, db, nil)

	if !ic.IsDuplicate(seen) {
		t.Fatalf("expected id known to the database to be a duplicate")
	}
	// Second lookup is served from the LRU.
	ic.IsDuplicate(seen)
	if db.calls != 1 {
		t.Errorf("expected 1 database lookup, got %d", db.calls)
	}

	fresh := uuid.New()
	if ic.IsDuplicate(fresh) {
		t.Errorf("expected fresh id to be new")
	}
	ic.MarkProcessed(fresh)
	if !ic.IsDuplicate(fresh) {
		t.Errorf("expected processed id to be a duplicate")
	}
}

func TestIdempotency_DBErrorTreatedAsNew(t *testing.T) {
	ic := NewIdempotencyChecker(10, &fakeDB{err: errors.New("connection refused")}, nil)

	if ic.IsDuplicate(uuid.New()) {
		t.Errorf("expected lookup failure to admit the batch")
	}
	if ic.Tier2Errors() != 1 {
		t.Errorf("expected 1 tier-2 error, got %d", ic.Tier2Errors())
	}
}

func TestTimestampValidator(t *testing.T) {
	tv := NewTimestampValidator()

	if err := tv.Validate(100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tv.Advance(100)

	if err := tv.Validate(100); err != nil {
		t.Errorf("equal timestamp must be accepted: %v", err)
	}
	if err := tv.Validate(99); !errors.Is(err, ErrStaleTimestamp) {
		t.Errorf("expected ErrStaleTimestamp, got %v", err)
	}
	if tv.Stale() != 1 {
		t.Errorf("expected 1 stale batch, got %d", tv.Stale())
	}

	tv.Advance(50)
	if tv.Last() != 100 {
		t.Errorf("Advance must not move backwards, last=%d", tv.Last())
	}
}
