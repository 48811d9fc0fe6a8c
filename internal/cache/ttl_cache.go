package cache

import (
	"sync"
	"time"
)

// TTL 带过期时间的进程内缓存
//
// 特点：
// - 过期条目在读取或写入时惰性清理，不启动后台协程
// - 容量满时淘汰最早过期的条目
type TTL[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]cacheEntry[V]
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewTTL 创建缓存
//
// 参数:
//   - maxSize: 最大缓存条目数
//   - ttl: 默认过期时间
func NewTTL[K comparable, V any](maxSize int, ttl time.Duration) *TTL[K, V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &TTL[K, V]{
		entries: make(map[K]cacheEntry[V]),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get 获取缓存值，过期视为不存在
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set 设置缓存值，ttl 为 0 时使用默认过期时间
func (c *TTL[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictLocked(now)
	}
	c.entries[key] = cacheEntry[V]{value: value, expiresAt: now.Add(ttl)}
}

// Delete 删除缓存值
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len 返回条目数（含尚未清理的过期条目）
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLocked 先清理过期条目，仍然满时淘汰最早过期的一条
func (c *TTL[K, V]) evictLocked(now time.Time) {
	var (
		oldestKey K
		oldestAt  time.Time
		found     bool
	)
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			continue
		}
		if !found || e.expiresAt.Before(oldestAt) {
			oldestKey, oldestAt, found = k, e.expiresAt, true
		}
	}
	if len(c.entries) >= c.maxSize && found {
		delete(c.entries, oldestKey)
	}
}
