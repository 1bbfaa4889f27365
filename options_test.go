// Copyright 2025 Google LLC
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

package cloudsqlconn

import (
	"testing"

	"cloud.google.com/go/cloudsqlconn/internal/cloudsql"
)

func TestWithCredentialsFileReportsMissingFile(t *testing.T) {
	cfg := &dialerConfig{}
	opt := WithCredentialsFile("/does/not/exist")
	opt(cfg)
	if cfg.err == nil {
		t.Fatal("expected an error for a missing credentials file, got nil")
	}
}

func TestDialOptionShorthands(t *testing.T) {
	tcs := []struct {
		desc string
		opt  DialOption
		want cloudsql.IPType
	}{
		{desc: "WithPublicIP", opt: WithPublicIP(), want: cloudsql.PrimaryIP},
		{desc: "WithPrivateIP", opt: WithPrivateIP(), want: cloudsql.PrivateIP},
		{desc: "WithPSC", opt: WithPSC(), want: cloudsql.PSCIP},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := defaultDialCfg()
			tc.opt(&cfg)
			if len(cfg.ipTypes) != 1 || cfg.ipTypes[0] != tc.want {
				t.Fatalf("got %v, want [%v]", cfg.ipTypes, tc.want)
			}
		})
	}
}

func TestUnixSocketAddr(t *testing.T) {
	tcs := []struct {
		desc   string
		dir    string
		cn     string
		suffix string
		want   string
	}{
		{
			desc: "no suffix",
			dir:  "/tmp",
			cn:   "my-project:my-region:my-instance",
			want: "/tmp/my-project:my-region:my-instance",
		},
		{
			desc:   "suffix appended",
			dir:    "/tmp",
			cn:     "my-project:my-region:my-instance",
			suffix: ".s.PGSQL.5432",
			want:   "/tmp/my-project:my-region:my-instance.s.PGSQL.5432",
		},
		{
			desc:   "suffix already present is not duplicated",
			dir:    "/tmp",
			cn:     "my-project:my-region:my-instance.s.PGSQL.5432",
			suffix: ".s.PGSQL.5432",
			want:   "/tmp/my-project:my-region:my-instance.s.PGSQL.5432",
		},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			got := unixSocketAddr(tc.dir, tc.cn, tc.suffix)
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestWithUnixSocketOptions(t *testing.T) {
	cfg := defaultDialCfg()
	WithUnixSocket("/cloudsql")(&cfg)
	WithUnixSocketSuffix(".s.PGSQL.5432")(&cfg)
	if cfg.unixSocketPath != "/cloudsql" {
		t.Fatalf("got unixSocketPath %q, want /cloudsql", cfg.unixSocketPath)
	}
	if cfg.unixSocketSuffix != ".s.PGSQL.5432" {
		t.Fatalf("got unixSocketSuffix %q, want .s.PGSQL.5432", cfg.unixSocketSuffix)
	}
}

func TestWithLazyRefresh(t *testing.T) {
	cfg := &dialerConfig{}
	WithLazyRefresh()(cfg)
	if !cfg.lazyRefresh {
		t.Fatal("expected lazyRefresh to be true")
	}
}
