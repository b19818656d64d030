package limiters

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 32

type memoryRecord struct {
	count       int
	lockedUntil time.Time
	expiresAt   time.Time
}

type memoryShard struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
}

// MemoryStore is an in-process Store. Keys are spread over independently
// locked shards so unrelated users never share a critical section for long.
type MemoryStore struct {
	shards [memoryShards]memoryShard

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].records = make(map[string]*memoryRecord)
	}
	return s
}

func (s *MemoryStore) Increment(_ context.Context, key string, now time.Time, threshold int, lockout, window time.Duration) (State, bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if ok && !rec.lockedUntil.IsZero() && now.Before(rec.lockedUntil) {
		return State{FailedCount: rec.count, LockedUntil: rec.lockedUntil}, false, nil
	}
	if !ok || !now.Before(rec.expiresAt) {
		rec = &memoryRecord{}
		sh.records[key] = rec
	}

	rec.count++
	if threshold > 0 && rec.count >= threshold {
		rec.lockedUntil = now.Add(lockout)
		rec.expiresAt = rec.lockedUntil
		return State{FailedCount: rec.count, LockedUntil: rec.lockedUntil}, true, nil
	}
	rec.expiresAt = now.Add(window)
	return State{FailedCount: rec.count}, false, nil
}

func (s *MemoryStore) Get(_ context.Context, key string, now time.Time) (State, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if !ok || !now.Before(rec.expiresAt) {
		return State{}, nil
	}
	return State{FailedCount: rec.count, LockedUntil: rec.lockedUntil}, nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	delete(sh.records, key)
	sh.mu.Unlock()
	return nil
}

// Prune drops records whose window or lock has elapsed and returns how many
// were removed.
func (s *MemoryStore) Prune(now time.Time) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, rec := range sh.records {
			if !now.Before(rec.expiresAt) {
				delete(sh.records, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of live records, expired or not.
func (s *MemoryStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}

// StartJanitor prunes every interval until Close. Calling it twice is a no-op.
func (s *MemoryStore) StartJanitor(interval time.Duration, now func() time.Time) {
	if interval <= 0 || s.stop != nil {
		return
	}
	if now == nil {
		now = time.Now
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Prune(now())
			case <-s.stop:
				return
			}
		}
	}()
}

// Close stops the janitor if one is running.
func (s *MemoryStore) Close() {
	if s == nil || s.stop == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
}

func (s *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%memoryShards]
}
