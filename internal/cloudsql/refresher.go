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
	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/internal/instance"
)

// fetchFunc retrieves a fresh ConnectionInfo for a single instance. It is
// injected so that the Refresher's scheduling logic can be tested without a
// real Admin API round trip.
type fetchFunc func(ctx context.Context) (ConnectionInfo, error)

// resultHandle is a one-shot future for a single refresh attempt: a pending
// timer that, once fired, populates result/err and closes ready exactly
// once.
type resultHandle struct {
	result ConnectionInfo
	err    error

	timer *time.Timer
	ready chan struct{}
}

// Cancel prevents the pending attempt from starting. It returns true only if
// the attempt had not yet started.
func (r *resultHandle) Cancel() bool {
	return r.timer.Stop()
}

// Wait blocks until the attempt completes or ctx is done, whichever comes
// first.
func (r *resultHandle) Wait(ctx context.Context) error {
	select {
	case <-r.ready:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsValid reports whether the attempt has finished, succeeded, and has not
// yet expired.
func (r *resultHandle) IsValid() bool {
	select {
	default:
		return false
	case <-r.ready:
		return r.err == nil && time.Now().Before(r.result.Expiration)
	}
}

// Refresher owns the single current/next pair of refresh attempts for one
// instance, and is the sole place that decides when the next attempt
// happens. Every exported method is safe for concurrent use.
type Refresher struct {
	cn      instance.ConnName
	fetch   fetchFunc
	limiter *rateLimiter
	logger  debug.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	cur         *resultHandle
	next        *resultHandle
	lastFailure error
}

// NewRefresher starts the refresh cycle for cn: the first attempt is
// scheduled immediately, and cur is set equal to it so that early callers
// block on it rather than observing a zero-value ConnectionInfo.
func NewRefresher(cn instance.ConnName, fetch fetchFunc, logger debug.Logger) *Refresher {
	if logger == nil {
		logger = debug.NullLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Refresher{
		cn:      cn,
		fetch:   fetch,
		limiter: newRateLimiter(minRefreshDelay),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	r.mu.Lock()
	r.cur = r.scheduleRefresh(0)
	r.next = r.cur
	r.mu.Unlock()
	return r
}

// Close stops the refresh cycle. No further Admin API calls will be made for
// this instance after Close returns.
func (r *Refresher) Close() {
	r.cancel()
}

// ConnectionInfo blocks until a valid ConnectionInfo is available or timeout
// elapses, whichever comes first. If timeout elapses before any refresh
// succeeds, the error returned distinguishes a plain timeout from a timeout
// that followed a known refresh failure, so callers can surface the real
// cause instead of a bare "deadline exceeded".
func (r *Refresher) ConnectionInfo(ctx context.Context, timeout time.Duration) (ConnectionInfo, error) {
	r.mu.Lock()
	cur := r.cur
	r.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := cur.Wait(waitCtx)
	if err == nil {
		return cur.result, nil
	}
	if err != context.DeadlineExceeded && err != context.Canceled {
		return ConnectionInfo{}, err
	}

	r.mu.Lock()
	lastFailure := r.lastFailure
	r.mu.Unlock()
	if lastFailure != nil {
		return ConnectionInfo{}, errtype.NewDialError(
			"latest connection attempt failed", r.cn.String(), lastFailure,
		)
	}
	return ConnectionInfo{}, errtype.NewDialTimeoutError(r.cn.String())
}

// ForceRefresh triggers an immediate refresh attempt and makes all new
// connection requests wait on its result. If a refresh attempt is already in
// flight, no new attempt is started; new connection requests wait on the
// in-flight attempt instead, which is allowed to finish naturally rather
// than being duplicated.
func (r *Refresher) ForceRefresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next.Cancel() {
		r.next = r.scheduleRefresh(0)
	}
	r.cur = r.next
}

// scheduleRefresh arranges for a new attempt to start after delay, gated by
// the rate limiter so that a flurry of ForceRefresh calls (or a fast
// failure-retry loop) can never exceed one Admin API round trip every
// minRefreshDelay. The caller must hold r.mu.
func (r *Refresher) scheduleRefresh(delay time.Duration) *resultHandle {
	h := &resultHandle{ready: make(chan struct{})}
	h.timer = time.AfterFunc(delay, func() {
		sharedPool.submit(func() {
			select {
			case <-r.limiter.acquireAsync():
			case <-r.ctx.Done():
				h.err = r.ctx.Err()
				close(h.ready)
				return
			}

			h.result, h.err = r.fetch(r.ctx)
			close(h.ready)
			r.handleRefreshResult(h)
		})
	})
	return h
}

// handleRefreshResult applies the outcome of a completed attempt to cur/next
// and schedules whatever comes next. On success, cur advances to the fresh
// result and the following attempt is scheduled at the calculator's
// midpoint delay. On failure, cur is left untouched as long as it is still
// valid — a failed background refresh must never interrupt callers still
// being served a good certificate — and the next attempt is scheduled
// immediately, relying on the rate limiter (not this delay) to pace retries.
func (r *Refresher) handleRefreshResult(h *resultHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.err != nil {
		r.lastFailure = h.err
		r.logger.Debugf("refresh failed for instance %v: %v", r.cn.String(), h.err)
		select {
		case <-r.ctx.Done():
			return
		default:
		}
		r.next = r.scheduleRefresh(0)
		if !r.cur.IsValid() {
			r.cur = h
		}
		return
	}

	r.lastFailure = nil
	r.cur = h
	select {
	case <-r.ctx.Done():
		return
	default:
	}
	delay := nextRefreshDelay(time.Now(), h.result.Expiration)
	r.next = r.scheduleRefresh(delay)
}
