// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cloudsql

import (
	"context"
	"sync"
	"time"

	"cloud.google.com/go/cloudsqlconn/debug"
	"cloud.google.com/go/cloudsqlconn/internal/instance"
)

// connectionInfoCache is the common surface both cache strategies expose to
// the Dialer: get the data needed to dial, force a refresh when a dial
// attempt suggests the cached data is stale, and stop.
type connectionInfoCache interface {
	ConnectionInfo(ctx context.Context) (ConnectionInfo, error)
	ForceRefresh()
	Close() error
}

// RefreshAheadCache is the default connectionInfoCache: it keeps a
// background Refresher running so that a fresh ConnectionInfo is already
// available (or nearly so) by the time a caller needs it, rather than
// paying the Admin API round trip cost inline on every dial.
type RefreshAheadCache struct {
	cn *instance.ConnName
	r  *Refresher
}

// NewRefreshAheadCache starts a RefreshAheadCache for cn.
func NewRefreshAheadCache(cn instance.ConnName, fetch fetchFunc, logger debug.Logger) *RefreshAheadCache {
	return &RefreshAheadCache{
		cn: &cn,
		r:  NewRefresher(cn, fetch, logger),
	}
}

// ConnectionInfo returns the most recent refreshed data, waiting for a
// first successful refresh if none has completed yet: until ctx's deadline,
// or for 30s when ctx has none.
func (c *RefreshAheadCache) ConnectionInfo(ctx context.Context) (ConnectionInfo, error) {
	timeout := 30 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	return c.r.ConnectionInfo(ctx, timeout)
}

// ForceRefresh triggers an immediate refresh; see Refresher.ForceRefresh.
func (c *RefreshAheadCache) ForceRefresh() {
	c.r.ForceRefresh()
}

// Close stops the background refresh cycle.
func (c *RefreshAheadCache) Close() error {
	c.r.Close()
	return nil
}

// LazyCache is the supplemental connectionInfoCache enabled by
// WithLazyRefresh: it performs no background work and instead refreshes
// synchronously, inline with the caller's request, whenever the cached
// certificate expires within refreshBuffer or a refresh has been
// explicitly forced. It
// trades away the "already warm" property of RefreshAheadCache for a much
// lighter footprint on infrequently-dialed instances.
type LazyCache struct {
	cn    instance.ConnName
	fetch fetchFunc
	log   debug.Logger

	mu           sync.Mutex
	needsRefresh bool
	cached       ConnectionInfo
}

// NewLazyCache initializes a LazyCache for cn. The first ConnectionInfo
// call always performs a refresh, since there is nothing cached yet.
func NewLazyCache(cn instance.ConnName, fetch fetchFunc, logger debug.Logger) *LazyCache {
	if logger == nil {
		logger = debug.NullLogger{}
	}
	return &LazyCache{cn: cn, fetch: fetch, log: logger, needsRefresh: true}
}

// ConnectionInfo returns the cached data if it's still comfortably valid,
// otherwise it blocks on a synchronous refresh.
func (c *LazyCache) ConnectionInfo(ctx context.Context) (ConnectionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if !c.needsRefresh && now.Before(c.cached.Expiration.Add(-refreshBuffer)) {
		c.log.Debugf("[%v] using cached connection info", c.cn.String())
		return c.cached, nil
	}

	c.log.Debugf("[%v] refreshing connection info", c.cn.String())
	ci, err := c.fetch(ctx)
	if err != nil {
		c.log.Debugf("[%v] refresh failed: %v", c.cn.String(), err)
		return ConnectionInfo{}, err
	}
	c.cached = ci
	c.needsRefresh = false
	return ci, nil
}

// ForceRefresh marks the cache stale; the next ConnectionInfo call performs
// a synchronous refresh instead of serving the cached value.
func (c *LazyCache) ForceRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.needsRefresh = true
}

// Close is a no-op: LazyCache has no background goroutine to stop. It
// exists purely so LazyCache satisfies connectionInfoCache alongside
// RefreshAheadCache.
func (c *LazyCache) Close() error {
	return nil
}
