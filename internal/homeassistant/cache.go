package homeassistant

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

const snapshotCacheKey = "ha_state_snapshot"

// CachedSnapshots wraps a SnapshotProvider with a short TTL cache so that one
// burst of requests does not hammer the platform for identical state.
type CachedSnapshots struct {
	inner SnapshotProvider
	cache *ristretto.Cache
	ttl   time.Duration
}

func NewCachedSnapshots(inner SnapshotProvider, ttl time.Duration) (*CachedSnapshots, error) {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 10,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("init snapshot cache: %w", err)
	}
	return &CachedSnapshots{inner: inner, cache: cache, ttl: ttl}, nil
}

func (c *CachedSnapshots) Snapshot(ctx context.Context) (*Snapshot, error) {
	if v, ok := c.cache.Get(snapshotCacheKey); ok {
		if snap, ok := v.(*Snapshot); ok {
			return snap, nil
		}
	}

	snap, err := c.inner.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(snapshotCacheKey, snap, int64(len(snap.Entities)+1), c.ttl)
	c.cache.Wait()
	return snap, nil
}

func (c *CachedSnapshots) Close() {
	c.cache.Close()
}
