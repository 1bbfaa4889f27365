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

	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/internal/instance"
)

func testConnName(t *testing.T) instance.ConnName {
	t.Helper()
	cn, err := instance.ParseConnName("my-project:my-region:my-instance")
	if err != nil {
		t.Fatalf("ParseConnName failed: %v", err)
	}
	return cn
}

func TestRefresherProvidesConnectionInfo(t *testing.T) {
	cn := testConnName(t)
	want := ConnectionInfo{ConnName: cn, Expiration: time.Now().Add(time.Hour)}
	r := NewRefresher(cn, func(context.Context) (ConnectionInfo, error) {
		return want, nil
	}, nil)
	defer r.Close()

	got, err := r.ConnectionInfo(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("ConnectionInfo() unexpected error: %v", err)
	}
	if got.Expiration != want.Expiration {
		t.Fatalf("ConnectionInfo() expiration = %v, want = %v", got.Expiration, want.Expiration)
	}
}

func TestRefresherRefreshesBeforeExpiry(t *testing.T) {
	cn := testConnName(t)
	var calls int32
	r := NewRefresher(cn, func(context.Context) (ConnectionInfo, error) {
		n := atomic.AddInt32(&calls, 1)
		// The first result expires almost immediately so nextRefreshDelay
		// schedules the second attempt right away (the rate limiter still
		// holds it until minRefreshDelay after the first permit); the second
		// result is long-lived so the cycle settles.
		exp := time.Now().Add(time.Minute)
		if n > 1 {
			exp = time.Now().Add(2 * time.Hour)
		}
		return ConnectionInfo{ConnName: cn, Expiration: exp}, nil
	}, nil)
	defer r.Close()

	deadline := time.Now().Add(minRefreshDelay + 5*time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&calls) >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected at least 2 fetches, got %d", atomic.LoadInt32(&calls))
}

func TestRefresherForceRefreshIsNoOpWhileRunning(t *testing.T) {
	cn := testConnName(t)
	started := make(chan struct{})
	block := make(chan struct{})
	var calls int32
	r := NewRefresher(cn, func(context.Context) (ConnectionInfo, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			close(started)
			<-block
		}
		return ConnectionInfo{ConnName: cn, Expiration: time.Now().Add(time.Hour)}, nil
	}, nil)
	defer r.Close()

	<-started
	// The only in-flight attempt is already running; ForceRefresh must not
	// start a second one on top of it.
	r.ForceRefresh()
	r.ForceRefresh()
	close(block)

	if _, err := r.ConnectionInfo(context.Background(), time.Second); err != nil {
		t.Fatalf("ConnectionInfo() unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 fetch while a refresh was already running, got %d", got)
	}
}

func TestRefresherBackgroundFailurePreservesCurrent(t *testing.T) {
	cn := testConnName(t)
	// A short-lived first certificate makes nextRefreshDelay schedule the
	// second attempt immediately (lifetime < refreshBuffer); once the rate
	// limiter grants its permit, minRefreshDelay after the first, the second
	// attempt fails on its own, without any ForceRefresh call.
	good := ConnectionInfo{ConnName: cn, Expiration: time.Now().Add(time.Minute)}
	boom := errors.New("admin API unavailable")
	var calls int32
	r := NewRefresher(cn, func(context.Context) (ConnectionInfo, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return good, nil
		}
		return ConnectionInfo{}, boom
	}, nil)
	defer r.Close()

	deadline := time.Now().Add(minRefreshDelay + 5*time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&calls) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&calls); got < 2 {
		t.Fatalf("expected a second (failing) fetch attempt, got %d calls", got)
	}

	got, err := r.ConnectionInfo(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("ConnectionInfo() should still serve the last good result, got error: %v", err)
	}
	if got.Expiration != good.Expiration {
		t.Fatalf("ConnectionInfo() = %v, want the last good result %v", got, good)
	}
}

func TestRefresherConnectionInfoTimeoutReturnsDialError(t *testing.T) {
	cn := testConnName(t)
	boom := errors.New("instance unreachable")
	block := make(chan struct{})
	r := NewRefresher(cn, func(ctx context.Context) (ConnectionInfo, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return ConnectionInfo{}, boom
	}, nil)
	defer func() {
		close(block)
		r.Close()
	}()

	_, err := r.ConnectionInfo(context.Background(), 10*time.Millisecond)
	if err == nil {
		t.Fatal("ConnectionInfo() expected an error, got nil")
	}
	var dialErr *errtype.DialError
	if !errors.As(err, &dialErr) {
		t.Fatalf("ConnectionInfo() error = %T, want *errtype.DialError", err)
	}
}
