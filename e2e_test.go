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

//go:build !skip_cloudsql
// +build !skip_cloudsql

package cloudsqlconn_test

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/cloudsqlconn"
	_ "cloud.google.com/go/cloudsqlconn/driver/postgres"
	"github.com/jackc/pgx/v5"
)

var (
	cloudSQLConnName = os.Getenv("CLOUDSQL_CONNECTION_NAME") // instance connection name, "project:region:instance"
	cloudSQLUser     = os.Getenv("CLOUDSQL_USER")
	cloudSQLPass     = os.Getenv("CLOUDSQL_PASS")
	cloudSQLDB       = os.Getenv("CLOUDSQL_DB")
)

func requireCloudSQLVars(t *testing.T) {
	switch "" {
	case cloudSQLConnName:
		t.Fatal("'CLOUDSQL_CONNECTION_NAME' env var not set")
	case cloudSQLUser:
		t.Fatal("'CLOUDSQL_USER' env var not set")
	case cloudSQLPass:
		t.Fatal("'CLOUDSQL_PASS' env var not set")
	case cloudSQLDB:
		t.Fatal("'CLOUDSQL_DB' env var not set")
	}
}

func TestPgxConnect(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration tests")
	}
	requireCloudSQLVars(t)

	ctx := context.Background()

	d, err := cloudsqlconn.NewDialer(ctx)
	if err != nil {
		t.Fatalf("failed to init Dialer: %v", err)
	}
	defer d.Close()

	dsn := fmt.Sprintf("user=%s password=%s dbname=%s sslmode=disable", cloudSQLUser, cloudSQLPass, cloudSQLDB)
	config, err := pgx.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("failed to parse pgx config: %v", err)
	}

	config.DialFunc = func(ctx context.Context, _ string, _ string) (net.Conn, error) {
		return d.Dial(ctx, cloudSQLConnName)
	}

	conn, connErr := pgx.ConnectConfig(ctx, config)
	if connErr != nil {
		t.Fatalf("failed to connect: %s", connErr)
	}
	defer conn.Close(ctx)

	var now time.Time
	if err := conn.QueryRow(context.Background(), "SELECT NOW()").Scan(&now); err != nil {
		t.Fatalf("QueryRow failed: %s", err)
	}
	t.Log(now)
}

func TestPostgresDriverHook(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Postgres driver integration test")
	}
	requireCloudSQLVars(t)

	dsn := fmt.Sprintf(
		"postgres://%s:%s@localhost/%s?sslmode=disable&cloudsql_instance=%s",
		cloudSQLUser, cloudSQLPass, cloudSQLDB, cloudSQLConnName,
	)
	db, err := sql.Open("cloudsql-postgres", dsn)
	if err != nil {
		t.Fatalf("sql.Open want err = nil, got = %v", err)
	}
	defer db.Close()

	var now time.Time
	if err := db.QueryRow("SELECT NOW()").Scan(&now); err != nil {
		t.Fatalf("QueryRow failed: %v", err)
	}
	t.Log(now)
}
