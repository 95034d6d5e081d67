package history

import (
	"context"
	"sync"
	"time"
)

// memoryBackend keeps histories in process. Each entity has its own bucket
// and lock, so appends for different entities never contend.
type memoryBackend struct {
	buckets sync.Map // entityID -> *bucket
	now     func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

type bucket struct {
	mu        sync.Mutex
	records   []record // newest first
	expiresAt time.Time
	dead      bool // removed from the map; writers must retry
}

func newMemoryBackend(janitorInterval time.Duration, now func() time.Time) *memoryBackend {
	if now == nil {
		now = time.Now
	}
	m := &memoryBackend{
		now:  now,
		stop: make(chan struct{}),
	}
	if janitorInterval > 0 {
		m.wg.Add(1)
		go m.janitor(janitorInterval)
	}
	return m
}

func (m *memoryBackend) push(ctx context.Context, entityID string, rec record, capacity int, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for {
		v, _ := m.buckets.LoadOrStore(entityID, &bucket{})
		b := v.(*bucket)

		b.mu.Lock()
		if b.dead {
			b.mu.Unlock()
			continue
		}

		now := m.now()
		if b.expired(now) {
			b.records = nil
		}

		// Keep OccurredAt non-increasing from head to tail.
		if len(b.records) > 0 && rec.OccurredAt.Before(b.records[0].OccurredAt) {
			rec.OccurredAt = b.records[0].OccurredAt
		}

		if capacity < 1 {
			capacity = 1
		}
		n := len(b.records) + 1
		if n > capacity {
			n = capacity
		}
		next := make([]record, 0, n)
		next = append(next, rec)
		next = append(next, b.records[:n-1]...)
		b.records = next
		b.expiresAt = now.Add(ttl)
		b.mu.Unlock()
		return nil
	}
}

func (m *memoryBackend) recent(ctx context.Context, entityID string, n int) ([]record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v, ok := m.buckets.Load(entityID)
	if !ok {
		return nil, nil
	}
	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dead || b.expired(m.now()) {
		return nil, nil
	}
	if n <= 0 || n > len(b.records) {
		n = len(b.records)
	}
	out := make([]record, n)
	for i := 0; i < n; i++ {
		out[i] = record{Vector: b.records[i].Vector.Clone(), OccurredAt: b.records[i].OccurredAt}
	}
	return out, nil
}

func (m *memoryBackend) clear(ctx context.Context, entityID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if v, ok := m.buckets.LoadAndDelete(entityID); ok {
		b := v.(*bucket)
		b.mu.Lock()
		b.dead = true
		b.records = nil
		b.mu.Unlock()
	}
	return nil
}

func (m *memoryBackend) ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *memoryBackend) close() error {
	m.once.Do(func() {
		close(m.stop)
	})
	m.wg.Wait()
	return nil
}

// janitor periodically drops expired entities.
func (m *memoryBackend) janitor(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *memoryBackend) sweep() int {
	now := m.now()
	removed := 0
	m.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		if !b.dead && b.expired(now) {
			b.dead = true
			b.records = nil
			m.buckets.CompareAndDelete(key, b)
			removed++
		}
		b.mu.Unlock()
		return true
	})
	return removed
}

func (b *bucket) expired(now time.Time) bool {
	return !b.expiresAt.IsZero() && !now.Before(b.expiresAt)
}
