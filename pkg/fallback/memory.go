package fallback

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps entries in process memory. Reads and writes are
// per-entry; a refresh racing a read yields either the old or the new entry.
type MemoryStore struct {
	entries sync.Map // key -> *Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get(_ context.Context, key string, now time.Time) (*Entry, bool, error) {
	v, ok := s.entries.Load(key)
	if !ok {
		return nil, false, nil
	}
	entry := v.(*Entry)
	if !entry.Fresh(now) {
		return nil, false, nil
	}
	return entry.clone(), true, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, entry *Entry) error {
	s.entries.Store(key, entry.clone())
	return nil
}

// Sweep deletes entries that are expired at now and returns how many were
// removed. Expired entries are already invisible to Get; sweeping only
// bounds memory.
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	s.entries.Range(func(k, v any) bool {
		if !v.(*Entry).Fresh(now) {
			if s.entries.CompareAndDelete(k, v) {
				removed++
			}
		}
		return true
	})
	return removed
}

// RunSweeper sweeps every interval until ctx is done.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}
