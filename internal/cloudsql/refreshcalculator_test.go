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

func TestNextRefreshDelay(t *testing.T) {
	now := time.Now()
	tcs := []struct {
		desc   string
		expiry time.Time
		want   time.Duration
	}{
		{
			desc:   "long lived cert refreshes at the midpoint",
			expiry: now.Add(2 * time.Hour),
			want:   time.Hour,
		},
		{
			desc:   "cert expiring soon refreshes immediately",
			expiry: now.Add(30 * time.Minute),
			want:   0,
		},
		{
			desc:   "already expired cert refreshes immediately",
			expiry: now.Add(-time.Minute),
			want:   0,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			got := nextRefreshDelay(now, tc.expiry)
			if got != tc.want {
				t.Fatalf("nextRefreshDelay() = %v, want = %v", got, tc.want)
			}
		})
	}
}
