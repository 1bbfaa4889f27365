// Copyright 2018 Google LLC
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

// Package mysql registers a "cloudsql" network with the go-sql-driver/mysql
// driver, so that a DSN of the form "user:pass@cloudsql(project:region:instance)/dbname"
// dials through a shared Dialer instead of a plain TCP address.
package mysql

import (
	"context"
	"net"

	"cloud.google.com/go/cloudsqlconn"
	"github.com/go-sql-driver/mysql"
)

func init() {
	d, err := cloudsqlconn.NewDialer(context.Background())
	if err != nil {
		// Registration runs at import time, before the caller has a chance
		// to see an error. Register a dial function that surfaces the
		// failure on the first real connection attempt instead.
		mysql.RegisterDialContext("cloudsql", func(context.Context, string) (net.Conn, error) {
			return nil, err
		})
		return
	}
	mysql.RegisterDialContext("cloudsql", func(ctx context.Context, addr string) (net.Conn, error) {
		return d.Dial(ctx, addr)
	})
}
