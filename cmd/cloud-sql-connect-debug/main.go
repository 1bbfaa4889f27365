// Copyright 2021 Google LLC
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

// cloud-sql-connect-debug is a tiny smoke-test binary: it dials a single
// Cloud SQL instance through cloudsqlconn.Dialer, reports how long the dial
// took, and exits. It exercises the Admin API fetch, TLS handshake, and
// socket-connect stages end to end without requiring a real client to be on
// hand.
package main

import (
	"os"

	"cloud.google.com/go/cloudsqlconn/cmd/cloud-sql-connect-debug/cmd"
)

func main() {
	if err := cmd.NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
