// Copyright 2023 Google LLC
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

// Package postgres registers a "cloudsql-postgres" database/sql driver that
// dials through a shared Dialer. The instance to connect to is given as a
// "cloudsql_instance" DSN query parameter; every other parameter is passed
// through to pgx unchanged.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net"
	"net/url"
	"sync"

	"cloud.google.com/go/cloudsqlconn"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

func init() {
	sql.Register("cloudsql-postgres", &pgDriver{})
}

var (
	mu     sync.Mutex
	dialer *cloudsqlconn.Dialer
)

// sharedDialer lazily initializes the package-wide Dialer used by every
// connection opened through this driver.
func sharedDialer(ctx context.Context) (*cloudsqlconn.Dialer, error) {
	mu.Lock()
	defer mu.Unlock()
	if dialer != nil {
		return dialer, nil
	}
	d, err := cloudsqlconn.NewDialer(ctx)
	if err != nil {
		return nil, err
	}
	dialer = d
	return dialer, nil
}

type pgDriver struct{}

func (p *pgDriver) Open(name string) (driver.Conn, error) {
	u, err := url.Parse(name)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	instanceConnName := q.Get("cloudsql_instance")
	q.Del("cloudsql_instance")
	u.RawQuery = q.Encode()

	config, err := pgx.ParseConfig(u.String())
	if err != nil {
		return nil, err
	}

	d, err := sharedDialer(context.Background())
	if err != nil {
		return nil, err
	}
	config.DialFunc = func(ctx context.Context, _, _ string) (net.Conn, error) {
		return d.Dial(ctx, instanceConnName)
	}

	dbURI := stdlib.RegisterConnConfig(config)
	return stdlib.GetDefaultDriver().Open(dbURI)
}
