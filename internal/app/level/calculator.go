package level

import (
	"fmt"
	"strconv"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/habitflow/xpengine/internal/domain"
)

// DefaultCacheSize bounds the memoization cache.
const DefaultCacheSize = 512

// Calculator memoizes Progress by exact XP value. Concurrent callers asking
// for the same XP share one in-flight computation. The cache is read with
// Peek so entries are evicted oldest-first regardless of use.
type Calculator struct {
	group   singleflight.Group
	cache   *lru.Cache[int64, domain.LevelInfo]
	compute func(int64) domain.LevelInfo

	hits     atomic.Uint64
	misses   atomic.Uint64
	computed atomic.Uint64
}

// NewCalculator creates a calculator holding at most size entries.
func NewCalculator(size int) (*Calculator, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[int64, domain.LevelInfo](size)
	if err != nil {
		return nil, fmt.Errorf("level cache: %w", err)
	}
	return &Calculator{cache: cache, compute: Progress}, nil
}

// Progress returns the level breakdown for xp.
func (c *Calculator) Progress(xp int64) domain.LevelInfo {
	if info, ok := c.cache.Peek(xp); ok {
		c.hits.Add(1)
		return info
	}
	c.misses.Add(1)
	v, _, _ := c.group.Do(strconv.FormatInt(xp, 10), func() (any, error) {
		if info, ok := c.cache.Peek(xp); ok {
			return info, nil
		}
		info := c.compute(xp)
		c.computed.Add(1)
		c.cache.Add(xp, info)
		return info, nil
	})
	return v.(domain.LevelInfo)
}

// Level returns only the level number for xp.
func (c *Calculator) Level(xp int64) int { return c.Progress(xp).Level }

// Invalidate drops every memoized entry.
func (c *Calculator) Invalidate() { c.cache.Purge() }

// CacheStats reports memoization counters.
type CacheStats struct {
	Size         int    `json:"size"`
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	Computations uint64 `json:"computations"`
}

// Stats returns current cache counters.
func (c *Calculator) Stats() CacheStats {
	return CacheStats{
		Size:         c.cache.Len(),
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Computations: c.computed.Load(),
	}
}
