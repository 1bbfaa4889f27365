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

// Package cloudsqlconn provides functions for authorizing and encrypting
// connections to Cloud SQL instances. It supports mutual TLS via ephemeral
// certificates minted by the Cloud SQL Admin API, removing the need for an
// application to manage database certificates, static IPs, or firewall
// rules directly.
package cloudsqlconn

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/cloudsqlconn/debug"
	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/internal/cloudsql"
	"cloud.google.com/go/cloudsqlconn/internal/cloudsqladmin"
	"cloud.google.com/go/cloudsqlconn/internal/instance"
	"cloud.google.com/go/cloudsqlconn/internal/tel"
	"cloud.google.com/go/cloudsqlconn/internal/trace"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
)

// defaultRefreshTimeout is the budget given to a single ConnectionInfo call
// when no WithRefreshTimeout option is supplied.
const defaultRefreshTimeout = 30 * time.Second

var (
	// ErrDialerClosed is returned by Dial after Close has been called.
	ErrDialerClosed = errors.New("cloudsqlconn: dialer is closed")

	//go:embed version.txt
	versionString string
	userAgent     = "cloud-sql-go-connector/" + strings.TrimSpace(versionString)

	// defaultKey is the process-wide RSA key pair shared by every instance's
	// refresh cycle, generated lazily on first use.
	defaultKey    *rsa.PrivateKey
	defaultKeyErr error
	keyOnce       sync.Once

	// appNameMu guards appName and registryInitialized, the process-wide
	// application-name property appended to the Admin API User-Agent.
	appNameMu           sync.Mutex
	appName             string
	registryInitialized bool
)

// SetApplicationName sets a process-wide name appended to the Admin API
// User-Agent for every Dialer subsequently created in this process. It may
// only be called before the first Dialer is initialized; calling it
// afterward returns an *errtype.AlreadyInitializedError.
func SetApplicationName(name string) error {
	appNameMu.Lock()
	defer appNameMu.Unlock()
	if registryInitialized {
		return errtype.NewAlreadyInitializedError(
			"cloudsqlconn: application name cannot be set after a Dialer has already been initialized")
	}
	appName = name
	return nil
}

// lockRegistry marks the process-wide registry initialized, forbidding any
// further SetApplicationName calls, and returns the application name in
// effect at the moment of initialization.
func lockRegistry() string {
	appNameMu.Lock()
	defer appNameMu.Unlock()
	registryInitialized = true
	return appName
}

func getDefaultKey() (*rsa.PrivateKey, error) {
	keyOnce.Do(func() {
		defaultKey, defaultKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	return defaultKey, defaultKeyErr
}

// connectionInfoCache is the surface the Dialer needs from either caching
// strategy (cloudsql.RefreshAheadCache or cloudsql.LazyCache).
type connectionInfoCache interface {
	ConnectionInfo(context.Context) (cloudsql.ConnectionInfo, error)
	ForceRefresh()
	Close() error
}

// monitoredCache pairs a connectionInfoCache with a running count of the
// open connections dialed against it, so metrics can report per-instance
// connection counts without a second map lookup.
type monitoredCache struct {
	openConns *uint64
	connectionInfoCache
}

// A Dialer is used to create connections to Cloud SQL instances.
//
// Use NewDialer to initialize a Dialer.
type Dialer struct {
	lock  sync.RWMutex
	cache map[string]monitoredCache

	key            *rsa.PrivateKey
	refreshTimeout time.Duration
	lazyRefresh    bool

	repo   *cloudsql.Repository
	logger debug.Logger

	// closed reports whether Close has been called.
	closed chan struct{}

	// defaultDialCfg holds the Dialer-level DialOptions applied to every
	// Dial call before the call's own opts are layered on top.
	defaultDialCfg dialCfg

	// dialerID uniquely identifies this Dialer for metrics purposes.
	dialerID string

	dialFunc cloudsql.DialFunc

	useIAMAuthN    bool
	iamTokenSource oauth2.TokenSource
	userAgent      string

	metrics *tel.MetricRecorder
}

// NewDialer creates a new Dialer.
//
// The first call to NewDialer in a process may take longer than subsequent
// calls, since it generates the shared RSA key pair (unless WithRSAKey was
// given).
func NewDialer(ctx context.Context, opts ...Option) (*Dialer, error) {
	cfg := &dialerConfig{
		refreshTimeout: defaultRefreshTimeout,
		logger:         debug.NullLogger{},
		userAgents:     []string{userAgent},
	}
	for _, opt := range opts {
		opt(cfg)
		if cfg.err != nil {
			return nil, cfg.err
		}
	}
	if name := lockRegistry(); name != "" {
		cfg.userAgents = append(cfg.userAgents, name)
	}
	ua := strings.Join(cfg.userAgents, " ")
	cfg.adminOpts = append(cfg.adminOpts, option.WithUserAgent(ua))

	if cfg.rsaKey == nil {
		key, err := getDefaultKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA key: %w", err)
		}
		cfg.rsaKey = key
	}

	ts := cfg.tokenSource
	if ts == nil {
		var err error
		ts, err = google.DefaultTokenSource(ctx, CloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve default credentials: %w", err)
		}
	}

	client, err := cloudsqladmin.NewClient(ctx, cfg.adminOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Cloud SQL Admin API client: %w", err)
	}

	dCfg := defaultDialCfg()
	for _, opt := range cfg.dialOpts {
		opt(&dCfg)
	}

	dialerID := uuid.New().String()
	metrics, err := tel.NewMetricRecorder(ctx, tel.Config{
		Enabled:   cfg.metricsProject != "",
		Version:   strings.TrimSpace(versionString),
		ClientID:  dialerID,
		ProjectID: cfg.metricsProject,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	logger := cfg.logger
	if logger == nil {
		logger = debug.NullLogger{}
	}

	d := &Dialer{
		closed:         make(chan struct{}),
		cache:          make(map[string]monitoredCache),
		key:            cfg.rsaKey,
		refreshTimeout: cfg.refreshTimeout,
		lazyRefresh:    cfg.lazyRefresh,
		repo:           cloudsql.NewRepository(client),
		logger:         logger,
		defaultDialCfg: dCfg,
		dialerID:       dialerID,
		dialFunc:       cfg.dialFunc,
		useIAMAuthN:    cfg.useIAMAuthN,
		iamTokenSource: ts,
		userAgent:      ua,
		metrics:        metrics,
	}
	return d, nil
}

// Dial returns a net.Conn connected to the specified Cloud SQL instance. The
// instance argument must be the instance's connection name, in the form
// "project:region:instance".
func (d *Dialer) Dial(ctx context.Context, instanceConnName string, opts ...DialOption) (conn net.Conn, err error) {
	select {
	case <-d.closed:
		return nil, ErrDialerClosed
	default:
	}
	startTime := time.Now()

	var endDial trace.EndSpanFunc
	ctx, endDial = trace.StartSpan(ctx, "cloud.google.com/go/cloudsqlconn.Dial",
		trace.AddInstanceName(instanceConnName),
		trace.AddDialerID(d.dialerID),
	)
	defer func() { endDial(err) }()

	cfg := d.defaultDialCfg
	for _, opt := range opts {
		opt(&cfg)
	}

	cn, err := instance.ParseConnName(instanceConnName)
	if err != nil {
		return nil, err
	}

	attrs := tel.Attributes{IAMAuthN: d.useIAMAuthN, UserAgent: d.userAgent}
	defer func() {
		status := tel.DialSuccess
		if err != nil {
			status = dialErrorStatus(err)
		}
		attrs.DialStatus = status
		d.metrics.RecordDialCount(ctx, attrs)
		d.metrics.RecordDialLatency(ctx, time.Since(startTime).Milliseconds(), attrs)
	}()

	if cfg.unixSocketPath != "" {
		addr := unixSocketAddr(cfg.unixSocketPath, cn.String(), cfg.unixSocketSuffix)
		d.logger.Debugf("[%v] dialing unix socket %v", cn.String(), addr)
		uc, err := (&net.Dialer{}).DialContext(ctx, "unix", addr)
		if err != nil {
			return nil, err
		}
		return newInstrumentedConn(uc, func() {}), nil
	}

	var endInfo trace.EndSpanFunc
	ctx, endInfo = trace.StartSpan(ctx, "cloud.google.com/go/cloudsqlconn/internal.InstanceInfo")
	mc, err := d.connectionInfoCache(cn)
	if err != nil {
		endInfo(err)
		return nil, err
	}
	infoCtx, cancelInfo := context.WithTimeout(ctx, d.refreshTimeout)
	defer cancelInfo()
	ci, err := mc.ConnectionInfo(infoCtx)
	if err != nil {
		d.removeCached(cn, mc, err)
		endInfo(err)
		return nil, err
	}
	attrs.CacheHit = true

	if time.Now().After(ci.Expiration) {
		d.logger.Debugf("[%v] cached certificate has expired, forcing refresh", cn.String())
		mc.ForceRefresh()
		attrs.CacheHit = false
		ci, err = mc.ConnectionInfo(infoCtx)
		if err != nil {
			d.removeCached(cn, mc, err)
			endInfo(err)
			return nil, err
		}
	}
	endInfo(nil)

	addr, err := ci.Addr(cfg.ipTypes)
	if err != nil {
		d.removeCached(cn, mc, err)
		return nil, err
	}

	var endConnect trace.EndSpanFunc
	ctx, endConnect = trace.StartSpan(ctx, "cloud.google.com/go/cloudsqlconn/internal.Connect")
	dial := d.dialFunc
	if cfg.dialFunc != nil {
		dial = cfg.dialFunc
	}
	sb := cloudsql.NewSocketBuilder(dial, cfg.tcpKeepAlive, d.logger)
	tlsConn, err := sb.Connect(ctx, cn, addr, ci.TLSConfig)
	endConnect(err)
	if err != nil {
		// The handshake or dial may have failed because the cached
		// certificate is stale; force a refresh so the next attempt has a
		// chance of succeeding.
		mc.ForceRefresh()
		return nil, err
	}

	atomic.AddUint64(mc.openConns, 1)
	d.metrics.RecordOpenConnection(ctx, attrs)

	return newInstrumentedConn(tlsConn, func() {
		atomic.AddUint64(mc.openConns, ^uint64(0))
		d.metrics.RecordClosedConnection(context.Background(), attrs)
	}), nil
}

// dialErrorStatus classifies err into one of the tel.Dial* status labels.
func dialErrorStatus(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return tel.DialTCPError
	default:
		return tel.DialCacheError
	}
}

// removeCached stops background refreshes for cn and evicts it from the
// cache, so a subsequent Dial starts clean rather than reusing whatever
// poisoned the failed attempt.
func (d *Dialer) removeCached(cn instance.ConnName, c connectionInfoCache, err error) {
	d.logger.Debugf("[%v] removing connection info from cache: %v", cn.String(), err)
	d.lock.Lock()
	defer d.lock.Unlock()
	delete(d.cache, cn.String())
	_ = c.Close()
}

// newInstrumentedConn wraps conn so that closeFunc runs exactly once, after
// the underlying connection is actually closed.
func newInstrumentedConn(conn net.Conn, closeFunc func()) *instrumentedConn {
	return &instrumentedConn{Conn: conn, closeFunc: closeFunc}
}

// instrumentedConn wraps a net.Conn and invokes closeFunc on a successful
// Close, used to keep per-instance open-connection counts and metrics in
// sync with the connection's real lifetime.
type instrumentedConn struct {
	net.Conn
	closeFunc func()
	closeOnce sync.Once
}

// Close delegates to the underlying net.Conn and reports the close to
// closeFunc, exactly once, only when Close returns no error.
func (i *instrumentedConn) Close() error {
	err := i.Conn.Close()
	if err != nil {
		return err
	}
	i.closeOnce.Do(func() { go i.closeFunc() })
	return nil
}

// Close releases all resources associated with the Dialer; no further Dial
// calls can succeed. Connections already returned by Dial are unaffected.
func (d *Dialer) Close() error {
	select {
	case <-d.closed:
		return nil
	default:
	}
	close(d.closed)

	d.lock.Lock()
	defer d.lock.Unlock()
	for _, c := range d.cache {
		_ = c.Close()
	}
	return d.metrics.Shutdown(context.Background())
}

// connectionInfoCache returns (creating if necessary) the cache for cn. The
// registry's lookup is "compute-if-absent": concurrent callers requesting
// the same instance for the first time converge on a single cache.
func (d *Dialer) connectionInfoCache(cn instance.ConnName) (monitoredCache, error) {
	key := cn.String()
	d.lock.RLock()
	c, ok := d.cache[key]
	d.lock.RUnlock()
	if ok {
		return c, nil
	}

	d.lock.Lock()
	defer d.lock.Unlock()
	c, ok = d.cache[key]
	if ok {
		return c, nil
	}

	d.logger.Debugf("[%v] connection info added to cache", key)
	fetch := func(ctx context.Context) (cloudsql.ConnectionInfo, error) {
		var token string
		if d.useIAMAuthN {
			tok, err := d.iamTokenSource.Token()
			if err != nil {
				return cloudsql.ConnectionInfo{}, fmt.Errorf("failed to retrieve IAM token: %w", err)
			}
			token = tok.AccessToken
		}
		return d.repo.Fetch(ctx, cn, d.key, token)
	}

	var cic connectionInfoCache
	if d.lazyRefresh {
		cic = cloudsql.NewLazyCache(cn, fetch, d.logger)
	} else {
		cic = cloudsql.NewRefreshAheadCache(cn, fetch, d.logger)
	}
	var openConns uint64
	c = monitoredCache{openConns: &openConns, connectionInfoCache: cic}
	d.cache[key] = c
	return c, nil
}
