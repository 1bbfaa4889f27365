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
	"testing"
	"time"
)

func TestRateLimiterEnforcesMinimumInterval(t *testing.T) {
	rl := newRateLimiter(50 * time.Millisecond)

	start := time.Now()
	<-rl.acquireAsync()
	first := time.Since(start)
	if first > 10*time.Millisecond {
		t.Fatalf("first permit should be immediate, took %v", first)
	}

	start = time.Now()
	<-rl.acquireAsync()
	second := time.Since(start)
	if second < 40*time.Millisecond {
		t.Fatalf("second permit should wait ~interval, took %v", second)
	}
}

func TestRateLimiterDoesNotBlockCaller(t *testing.T) {
	rl := newRateLimiter(time.Hour)
	done := make(chan struct{})
	go func() {
		rl.acquireAsync()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("acquireAsync call itself blocked the calling goroutine")
	}
}

func TestRateLimiterFIFOOrdering(t *testing.T) {
	rl := newRateLimiter(20 * time.Millisecond)

	chans := make([]<-chan struct{}, 5)
	for i := 0; i < 5; i++ {
		chans[i] = rl.acquireAsync()
	}
	var order []int
	for i, ch := range chans {
		<-ch
		order = append(order, i)
	}
	for i, v := range order {
		if i != v {
			t.Fatalf("permits completed out of order: %v", order)
		}
	}
}
