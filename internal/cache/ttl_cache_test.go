package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestCache(maxSize int, ttl time.Duration) (*TTL[string, int], *time.Time) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewTTL[string, int](maxSize, ttl)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestTTL_GetSet(t *testing.T) {
	c, now := newTestCache(10, time.Minute)

	c.Set("a", 1, 0)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	*now = now.Add(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok, "到期即失效")
	assert.Equal(t, 0, c.Len())
}

func TestTTL_CustomTTL(t *testing.T) {
	c, now := newTestCache(10, time.Minute)
	c.Set("long", 1, time.Hour)

	*now = now.Add(30 * time.Minute)
	_, ok := c.Get("long")
	assert.True(t, ok)
}

func TestTTL_EvictsSoonestExpiry(t *testing.T) {
	c, _ := newTestCache(2, time.Minute)
	c.Set("short", 1, time.Second)
	c.Set("long", 2, time.Hour)
	c.Set("new", 3, 0)

	_, ok := c.Get("short")
	assert.False(t, ok)
	_, ok = c.Get("long")
	assert.True(t, ok)
	_, ok = c.Get("new")
	assert.True(t, ok)
}

func TestTTL_EvictsExpiredFirst(t *testing.T) {
	c, now := newTestCache(2, time.Minute)
	c.Set("a", 1, time.Second)
	c.Set("b", 2, time.Hour)
	*now = now.Add(2 * time.Second)

	c.Set("c", 3, 0)
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("b")
	assert.True(t, ok)
}

func TestTTL_OverwriteDoesNotEvict(t *testing.T) {
	c, _ := newTestCache(1, time.Minute)
	c.Set("a", 1, 0)
	c.Set("a", 2, 0)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	c.Delete("a")
	assert.Equal(t, 0, c.Len())
}
