package cache

import (
	"context"
	"time"

	"github.com/maypok86/otter"
	"golang.org/x/sync/singleflight"

	"github.com/rafaeljc/segmentation/internal/observability"
	"github.com/rafaeljc/segmentation/internal/segments"
)

var _ segments.CustomerStore = (*TotalsCache)(nil)

// TotalsCache decorates a CustomerStore with a short-lived in-memory copy of
// each store's total customer count. Every other call goes straight through.
// Concurrent misses for the same store share one query.
type TotalsCache struct {
	segments.CustomerStore

	totals otter.Cache[string, int64]
	group  singleflight.Group
}

// NewTotalsCache wraps inner. capacity bounds the number of stores kept and
// ttl how long a total is trusted.
func NewTotalsCache(inner segments.CustomerStore, capacity int, ttl time.Duration) (*TotalsCache, error) {
	if inner == nil {
		panic("cache: customer store cannot be nil")
	}

	totals, err := otter.MustBuilder[string, int64](capacity).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, err
	}

	return &TotalsCache{CustomerStore: inner, totals: totals}, nil
}

// CountTotal serves the store total from memory when fresh.
func (c *TotalsCache) CountTotal(ctx context.Context, storeID string) (int64, error) {
	if n, ok := c.totals.Get(storeID); ok {
		observability.TotalsCacheHits.Inc()
		return n, nil
	}
	observability.TotalsCacheMisses.Inc()

	v, err, _ := c.group.Do(storeID, func() (any, error) {
		n, err := c.CustomerStore.CountTotal(ctx, storeID)
		if err != nil {
			return int64(0), err
		}
		c.totals.Set(storeID, n)
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Invalidate drops the cached total of a store, e.g. after an import.
func (c *TotalsCache) Invalidate(storeID string) {
	c.totals.Delete(storeID)
}

// Close stops otter's background cleanup.
func (c *TotalsCache) Close() {
	c.totals.Close()
}
