package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestTTLCache_ExpiresAfterTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewTTLCache[string](10, 2*time.Minute).WithClock(clock.Now)

	c.Set("k", "v")
	clock.Advance(119 * time.Second)

	entry, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", entry.Value)
	assert.Equal(t, 119*time.Second, entry.Age(clock.Now()))

	clock.Advance(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestTTLCache_SweepsExpiredOnWrite(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewTTLCache[int](10, time.Minute).WithClock(clock.Now)

	c.Set("a", 1)
	c.Set("b", 2)
	clock.Advance(time.Minute)
	assert.Equal(t, 2, c.Len())

	c.Set("c", 3)
	assert.Equal(t, 1, c.Len())
}

func TestTTLCache_EvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	c := NewTTLCache[int](3, time.Hour)
	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}

	_, _ = c.Get("k0")
	c.Set("k3", 3)

	assert.Equal(t, 3, c.Len())
	_, ok := c.Get("k1")
	assert.False(t, ok)
	_, ok = c.Get("k0")
	assert.True(t, ok)
}

func TestTTLCache_Delete(t *testing.T) {
	c := NewTTLCache[int](3, time.Hour)
	c.Set("k", 1)
	c.Delete("k")
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}
