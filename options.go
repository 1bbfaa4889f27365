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

package cloudsqlconn

import (
	"context"
	"crypto/rsa"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/cloudsqlconn/debug"
	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/internal/cloudsql"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	apiopt "google.golang.org/api/option"
)

// CloudPlatformScope is the default OAuth2 scope set on the Admin API client.
const CloudPlatformScope = "https://www.googleapis.com/auth/sqlservice.admin"

// An Option configures a Dialer.
type Option func(d *dialerConfig)

type dialerConfig struct {
	rsaKey         *rsa.PrivateKey
	adminOpts      []apiopt.ClientOption
	dialOpts       []DialOption
	dialFunc       func(ctx context.Context, network, addr string) (net.Conn, error)
	refreshTimeout time.Duration
	tokenSource    oauth2.TokenSource
	userAgents     []string
	useIAMAuthN    bool
	lazyRefresh    bool
	logger         debug.Logger
	metricsProject string
	// err tracks any dialer options that may have failed.
	err error
}

// WithOptions turns a list of Options into a single Option.
func WithOptions(opts ...Option) Option {
	return func(d *dialerConfig) {
		for _, opt := range opts {
			opt(d)
		}
	}
}

// WithCredentialsFile returns an Option that specifies a service account or
// refresh token JSON credentials file to use as the basis for
// authentication.
func WithCredentialsFile(filename string) Option {
	return func(d *dialerConfig) {
		b, err := os.ReadFile(filename)
		if err != nil {
			d.err = errtype.NewConfigError(err.Error(), "n/a")
			return
		}
		opt := WithCredentialsJSON(b)
		opt(d)
	}
}

// WithCredentialsJSON returns an Option that specifies a service account or
// refresh token JSON credentials to use as the basis for authentication.
func WithCredentialsJSON(b []byte) Option {
	return func(d *dialerConfig) {
		c, err := google.CredentialsFromJSON(context.Background(), b, CloudPlatformScope)
		if err != nil {
			d.err = errtype.NewConfigError(err.Error(), "n/a")
			return
		}
		d.tokenSource = c.TokenSource
		d.adminOpts = append(d.adminOpts, apiopt.WithCredentials(c))
	}
}

// WithUserAgent returns an Option that appends an additional string to the
// admin API User-Agent header.
func WithUserAgent(ua string) Option {
	return func(d *dialerConfig) {
		d.userAgents = append(d.userAgents, ua)
	}
}

// WithDefaultDialOptions returns an Option that specifies the default
// DialOptions used on every Dial call.
func WithDefaultDialOptions(opts ...DialOption) Option {
	return func(d *dialerConfig) {
		d.dialOpts = append(d.dialOpts, opts...)
	}
}

// WithTokenSource returns an Option that specifies an OAuth2 token source to
// use as the basis for authentication.
func WithTokenSource(s oauth2.TokenSource) Option {
	return func(d *dialerConfig) {
		d.tokenSource = s
		d.adminOpts = append(d.adminOpts, apiopt.WithTokenSource(s))
	}
}

// WithRSAKey returns an Option that specifies the RSA key used to represent
// the client in every certificate request. Sharing one key across every
// instance's refresh is the default; this option exists mainly for tests
// that need a deterministic key.
func WithRSAKey(k *rsa.PrivateKey) Option {
	return func(d *dialerConfig) {
		d.rsaKey = k
	}
}

// WithRefreshTimeout returns an Option that sets the timeout budget for a
// single ConnectionInfo call. Defaults to 30s.
func WithRefreshTimeout(t time.Duration) Option {
	return func(d *dialerConfig) {
		d.refreshTimeout = t
	}
}

// WithHTTPClient configures the underlying Admin API client with the
// provided HTTP client. Generally unnecessary except for advanced
// use-cases such as routing through a proxy.
func WithHTTPClient(client *http.Client) Option {
	return func(d *dialerConfig) {
		d.adminOpts = append(d.adminOpts, apiopt.WithHTTPClient(client))
	}
}

// WithAdminAPIEndpoint configures the underlying Admin API client to use the
// provided URL instead of the production endpoint.
func WithAdminAPIEndpoint(url string) Option {
	return func(d *dialerConfig) {
		d.adminOpts = append(d.adminOpts, apiopt.WithEndpoint(url))
	}
}

// WithDialFunc configures the function used to make the underlying
// transport connection on every call to Dial. To configure a dial function
// for a single call, use WithOneOffDialFunc.
func WithDialFunc(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(d *dialerConfig) {
		d.dialFunc = dial
	}
}

// WithIAMAuthN enables automatic IAM database authentication. If no token
// source has been configured (via WithTokenSource, WithCredentialsFile,
// etc), the dialer falls back to Application Default Credentials.
func WithIAMAuthN() Option {
	return func(d *dialerConfig) {
		d.useIAMAuthN = true
	}
}

// WithLazyRefresh configures every instance registered with the Dialer to
// use on-demand, synchronous refreshes instead of the default background
// refresh-ahead strategy. This trades away warm caches for a much lighter
// footprint, and suits environments (e.g. serverless) that might otherwise
// pay for a background refresh cycle that never gets used before the
// process is recycled.
func WithLazyRefresh() Option {
	return func(d *dialerConfig) {
		d.lazyRefresh = true
	}
}

// WithLogger configures a debug logger that receives lines about the
// connector's internal operations: cache additions and evictions, failed
// refreshes, forced refreshes, and dials. The refresh-ahead cache does not
// log successful refreshes or cache hits; the lazy cache logs both.
func WithLogger(l debug.Logger) Option {
	return func(d *dialerConfig) {
		d.logger = l
	}
}

// WithCloudMonitoringMetrics enables exporting dial/refresh/connection
// metrics to Cloud Monitoring under the given project. Disabled by
// default: constructing the Cloud Monitoring client eagerly would require
// every caller to have monitoring-write permission, even ones who only
// want connections.
func WithCloudMonitoringMetrics(projectID string) Option {
	return func(d *dialerConfig) {
		d.metricsProject = projectID
	}
}

// A DialOption configures a single call to Dialer.Dial.
type DialOption func(cfg *dialCfg)

type dialCfg struct {
	dialFunc           func(ctx context.Context, network, addr string) (net.Conn, error)
	tcpKeepAlive       time.Duration
	ipTypes            []cloudsql.IPType
	unixSocketPath     string
	unixSocketSuffix   string
}

func defaultDialCfg() dialCfg {
	return dialCfg{
		tcpKeepAlive: 30 * time.Second,
		ipTypes:      []cloudsql.IPType{cloudsql.PrimaryIP},
	}
}

// DialOptions turns a list of DialOptions into a single DialOption.
func DialOptions(opts ...DialOption) DialOption {
	return func(cfg *dialCfg) {
		for _, opt := range opts {
			opt(cfg)
		}
	}
}

// WithOneOffDialFunc configures the dial function for a single call to
// Dial. To configure a dial function for every call, use WithDialFunc.
func WithOneOffDialFunc(dial func(ctx context.Context, network, addr string) (net.Conn, error)) DialOption {
	return func(cfg *dialCfg) {
		cfg.dialFunc = dial
	}
}

// WithTCPKeepAlive returns a DialOption that sets the TCP keep-alive period
// on the connection returned by Dial.
func WithTCPKeepAlive(d time.Duration) DialOption {
	return func(cfg *dialCfg) {
		cfg.tcpKeepAlive = d
	}
}

// WithIPTypes returns a DialOption that sets the ordered preference of IP
// types to dial; the first type present on the instance wins. Defaults to
// []IPType{PrimaryIP}.
func WithIPTypes(types ...cloudsql.IPType) DialOption {
	return func(cfg *dialCfg) {
		cfg.ipTypes = types
	}
}

// WithPublicIP is shorthand for WithIPTypes(PrimaryIP).
func WithPublicIP() DialOption { return WithIPTypes(cloudsql.PrimaryIP) }

// WithPrivateIP is shorthand for WithIPTypes(PrivateIP).
func WithPrivateIP() DialOption { return WithIPTypes(cloudsql.PrivateIP) }

// WithPSC is shorthand for WithIPTypes(PSCIP).
func WithPSC() DialOption { return WithIPTypes(cloudsql.PSCIP) }

// WithUnixSocket returns a DialOption that, instead of dialing the instance
// over mutually-authenticated TLS, dials a Unix domain socket at dir joined
// with the instance's connection name (and suffix, if WithUnixSocketSuffix
// is also given). This is a pass-through: no TLS material is fetched or
// verified, since the socket is assumed to already be a trusted local
// channel (e.g. one maintained by a sidecar proxy).
func WithUnixSocket(dir string) DialOption {
	return func(cfg *dialCfg) {
		cfg.unixSocketPath = dir
	}
}

// WithUnixSocketSuffix returns a DialOption that appends suffix to the Unix
// socket path set by WithUnixSocket, unless the path already ends with it.
// An empty suffix is equivalent to not calling this option at all.
func WithUnixSocketSuffix(suffix string) DialOption {
	return func(cfg *dialCfg) {
		cfg.unixSocketSuffix = suffix
	}
}

// unixSocketAddr joins dir and the instance connection name, appending
// suffix unless the joined path already ends with it. An empty or unset
// suffix means no suffix is appended.
func unixSocketAddr(dir, instanceConnName, suffix string) string {
	path := dir + string(os.PathSeparator) + instanceConnName
	if suffix == "" || strings.HasSuffix(path, suffix) {
		return path
	}
	return path + suffix
}
