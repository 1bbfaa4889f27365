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
	"sync"
	"time"
)

// minRefreshDelay is the minimum amount of time that must elapse between two
// successive permits granted to the same instance's refresh cycle.
const minRefreshDelay = 30 * time.Second

// rateLimiter hands out permits to callers no more often than once every
// interval, in FIFO order. Unlike golang.org/x/time/rate's Wait, acquiring a
// permit never blocks the calling goroutine: the wait is expressed as a
// scheduled channel close, so a worker can select on it alongside a
// cancellation signal without holding a goroutine hostage in a sleep.
type rateLimiter struct {
	interval time.Duration

	mu   sync.Mutex
	next time.Time // the earliest instant the next requested permit may fire
}

// newRateLimiter creates a rateLimiter that permits, at most, one acquired
// slot per interval.
func newRateLimiter(interval time.Duration) *rateLimiter {
	return &rateLimiter{interval: interval}
}

// acquireAsync returns a channel that is closed once a permit has been
// granted. Calling acquireAsync reserves the next available slot
// immediately (in call order), even though the channel it returns may not
// close until later.
func (r *rateLimiter) acquireAsync() <-chan struct{} {
	ch := make(chan struct{})

	r.mu.Lock()
	now := time.Now()
	if r.next.Before(now) {
		r.next = now
	}
	wait := r.next.Sub(now)
	r.next = r.next.Add(r.interval)
	r.mu.Unlock()

	if wait <= 0 {
		close(ch)
		return ch
	}
	time.AfterFunc(wait, func() { close(ch) })
	return ch
}
