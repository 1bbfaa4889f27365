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

import "time"

// refreshBuffer is the minimum remaining lifetime of a certificate before a
// refresh is considered urgent enough to start immediately.
const refreshBuffer = time.Hour

// nextRefreshDelay computes how long the Refresher should wait before
// starting the next refresh attempt, given the current time and the
// expiration of the certificate just obtained.
//
// If less than refreshBuffer remains before expiration, the next refresh
// starts immediately (delay 0). Otherwise the next refresh is scheduled at
// the midpoint of the certificate's remaining lifetime, giving ample
// headroom while avoiding refresh storms on long-lived certificates.
func nextRefreshDelay(now, expiration time.Time) time.Duration {
	lifetime := expiration.Sub(now)
	if lifetime < refreshBuffer {
		return 0
	}
	d := lifetime / 2
	if d < 0 {
		return 0
	}
	return d
}
