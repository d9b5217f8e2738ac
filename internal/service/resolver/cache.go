package resolver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/abtree/abtree/internal/model"
	"github.com/abtree/abtree/internal/storage"
)

// LookupCache caches the *absence* of an experiment per control page.
//
// Almost every request is for a page under no experiment, so the hot path
// is proving a negative. Those misses are cached with a short TTL; positive
// lookups are never cached, so a status flip (draft → live → completed) is
// visible on the very next request and the completed-state freeze holds
// exactly. The only staleness this admits is a newly created experiment
// starting up to one TTL late on a recently seen page.
//
// Concurrent lookups for the same page are deduplicated with singleflight.
type LookupCache struct {
	mu      sync.RWMutex
	misses  map[uuid.UUID]time.Time // page ID -> expiry of the "no experiment" fact
	ttl     time.Duration
	group   singleflight.Group
	done    chan struct{}
	stopped sync.Once
}

// NewLookupCache creates a cache with the given TTL for negative entries.
// Call Close to stop the background eviction goroutine.
func NewLookupCache(ttl time.Duration) *LookupCache {
	c := &LookupCache{
		misses: make(map[uuid.UUID]time.Time),
		ttl:    ttl,
		done:   make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// lookupFunc fetches the experiment whose control is pageID.
type lookupFunc func(ctx context.Context, pageID uuid.UUID) (model.Experiment, error)

// ExperimentFor returns the experiment controlling pageID, or
// storage.ErrNotFound. A cached negative short-circuits storage entirely.
func (c *LookupCache) ExperimentFor(ctx context.Context, pageID uuid.UUID, lookup lookupFunc) (model.Experiment, error) {
	c.mu.RLock()
	expiry, cached := c.misses[pageID]
	c.mu.RUnlock()
	if cached && time.Now().Before(expiry) {
		return model.Experiment{}, storage.ErrNotFound
	}

	v, err, _ := c.group.Do(pageID.String(), func() (any, error) {
		exp, err := lookup(ctx, pageID)
		if errors.Is(err, storage.ErrNotFound) {
			c.mu.Lock()
			c.misses[pageID] = time.Now().Add(c.ttl)
			c.mu.Unlock()
		}
		return exp, err
	})
	if err != nil {
		return model.Experiment{}, err
	}
	return v.(model.Experiment), nil
}

// Invalidate drops the negative entry for a page. Called when an experiment
// is created so its control page starts resolving immediately.
func (c *LookupCache) Invalidate(pageID uuid.UUID) {
	c.mu.Lock()
	delete(c.misses, pageID)
	c.mu.Unlock()
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (c *LookupCache) Close() {
	c.stopped.Do(func() { close(c.done) })
}

func (c *LookupCache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for id, expiry := range c.misses {
				if now.After(expiry) {
					delete(c.misses, id)
				}
			}
			c.mu.Unlock()
		}
	}
}
