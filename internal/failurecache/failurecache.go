// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// Package failurecache implements the queue monitor's FailureCache
// collaborator (spec.md §6): it records derivations whose builds have
// failed recently, so the Build Loader can short-circuit a doomed
// rebuild instead of re-running it.
package failurecache

import (
	"context"
	"sync"
	"time"

	"forgequeue.dev/pkg/internal/drv"
)

// Cache is an in-memory reference implementation of
// [forgequeue.dev/pkg/internal/queue.FailureCache]. Entries expire after
// ttl so that a derivation which starts failing transiently doesn't stay
// blacklisted forever; [Cache.Clear] removes an entry before its ttl is
// up.
type Cache struct {
	ttl time.Duration

	mu      sync.Mutex
	expires map[drv.Path]time.Time
}

// New returns a Cache whose entries expire after ttl. A non-positive ttl
// means entries never expire until explicitly cleared.
func New(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, expires: make(map[drv.Path]time.Time)}
}

// RecordFailure marks drvPath as having failed, starting its expiry
// clock now.
func (c *Cache) RecordFailure(drvPath drv.Path) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl <= 0 {
		c.expires[drvPath] = time.Time{}
		return
	}
	c.expires[drvPath] = time.Now().Add(c.ttl)
}

// Clear removes drvPath's recorded failure, if any, so the next scan
// will retry it.
func (c *Cache) Clear(drvPath drv.Path) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.expires, drvPath)
}

// CheckCachedFailure implements
// [forgequeue.dev/pkg/internal/queue.FailureCache]: it reports whether
// drvPath has a live recorded failure.
func (c *Cache) CheckCachedFailure(ctx context.Context, drvPath drv.Path) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.expires[drvPath]
	if !ok {
		return false, nil
	}
	if expiry.IsZero() {
		return true, nil
	}
	if time.Now().After(expiry) {
		delete(c.expires, drvPath)
		return false, nil
	}
	return true, nil
}
