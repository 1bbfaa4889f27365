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
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRefreshAheadCacheProvidesConnectionInfo(t *testing.T) {
	cn := testConnName(t)
	want := ConnectionInfo{ConnName: cn, Expiration: time.Now().Add(time.Hour)}
	c := NewRefreshAheadCache(cn, func(context.Context) (ConnectionInfo, error) {
		return want, nil
	}, nil)
	defer c.Close()

	got, err := c.ConnectionInfo(context.Background())
	if err != nil {
		t.Fatalf("ConnectionInfo() unexpected error: %v", err)
	}
	if got.Expiration != want.Expiration {
		t.Fatalf("ConnectionInfo() expiration = %v, want = %v", got.Expiration, want.Expiration)
	}
}

func TestRefreshAheadCacheForceRefresh(t *testing.T) {
	cn := testConnName(t)
	var calls int32
	c := NewRefreshAheadCache(cn, func(context.Context) (ConnectionInfo, error) {
		atomic.AddInt32(&calls, 1)
		// Long-lived enough that the background cycle waits about an hour,
		// so only ForceRefresh can bring the second fetch forward.
		return ConnectionInfo{ConnName: cn, Expiration: time.Now().Add(2 * time.Hour)}, nil
	}, nil)
	defer c.Close()

	if _, err := c.ConnectionInfo(context.Background()); err != nil {
		t.Fatalf("ConnectionInfo() unexpected error: %v", err)
	}
	before := atomic.LoadInt32(&calls)

	c.ForceRefresh()

	// The forced attempt still waits for the rate limiter's next permit.
	deadline := time.Now().Add(minRefreshDelay + 5*time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&calls) > before {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected ForceRefresh to trigger another fetch, calls before=%d after=%d", before, atomic.LoadInt32(&calls))
}

func TestLazyCacheRefreshesOnlyWhenNeeded(t *testing.T) {
	cn := testConnName(t)
	var calls int32
	c := NewLazyCache(cn, func(context.Context) (ConnectionInfo, error) {
		atomic.AddInt32(&calls, 1)
		return ConnectionInfo{ConnName: cn, Expiration: time.Now().Add(2 * time.Hour)}, nil
	}, nil)
	defer c.Close()

	if _, err := c.ConnectionInfo(context.Background()); err != nil {
		t.Fatalf("first ConnectionInfo() unexpected error: %v", err)
	}
	if _, err := c.ConnectionInfo(context.Background()); err != nil {
		t.Fatalf("second ConnectionInfo() unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 fetch while the cached cert is still fresh, got %d", got)
	}

	c.ForceRefresh()
	if _, err := c.ConnectionInfo(context.Background()); err != nil {
		t.Fatalf("third ConnectionInfo() unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected ForceRefresh to force a second fetch, got %d", got)
	}
}

func TestLazyCacheRefreshesWhenExpiringSoon(t *testing.T) {
	cn := testConnName(t)
	var calls int32
	c := NewLazyCache(cn, func(context.Context) (ConnectionInfo, error) {
		atomic.AddInt32(&calls, 1)
		// Expires within refreshBuffer of "now", so the next call must
		// trigger a synchronous refresh rather than serving this value again.
		return ConnectionInfo{ConnName: cn, Expiration: time.Now().Add(time.Second)}, nil
	}, nil)
	defer c.Close()

	if _, err := c.ConnectionInfo(context.Background()); err != nil {
		t.Fatalf("first ConnectionInfo() unexpected error: %v", err)
	}
	if _, err := c.ConnectionInfo(context.Background()); err != nil {
		t.Fatalf("second ConnectionInfo() unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected a near-expiry cached value to trigger a refresh, got %d calls", got)
	}
}

func TestLazyCachePropagatesFetchError(t *testing.T) {
	cn := testConnName(t)
	boom := errors.New("admin API unavailable")
	c := NewLazyCache(cn, func(context.Context) (ConnectionInfo, error) {
		return ConnectionInfo{}, boom
	}, nil)
	defer c.Close()

	_, err := c.ConnectionInfo(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("ConnectionInfo() error = %v, want %v", err, boom)
	}
}
