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
	"context"
	"crypto/tls"
	"net"
	"time"

	"cloud.google.com/go/cloudsqlconn/debug"
	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/internal/instance"
)

// serverProxyPort is the port the Cloud SQL Auth Proxy server side listens
// on for mutually-authenticated TLS connections, regardless of the
// database engine behind it.
const serverProxyPort = "3307"

// DialFunc opens the underlying transport connection; it exists so callers
// can substitute a custom dialer (a SOCKS proxy, a test fake) in place of
// the zero-value net.Dialer.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// SocketBuilder establishes the mutually-authenticated TLS socket to a
// single Cloud SQL instance once an address and TLS material are known. It
// holds nothing instance-specific itself; all per-instance state is passed
// in by the caller on every call.
type SocketBuilder struct {
	dial         DialFunc
	tcpKeepAlive time.Duration
	logger       debug.Logger
}

// NewSocketBuilder initializes a SocketBuilder. A nil dial uses
// (&net.Dialer{}).DialContext.
func NewSocketBuilder(dial DialFunc, tcpKeepAlive time.Duration, logger debug.Logger) *SocketBuilder {
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	if logger == nil {
		logger = debug.NullLogger{}
	}
	return &SocketBuilder{dial: dial, tcpKeepAlive: tcpKeepAlive, logger: logger}
}

// Connect dials addr and performs a TLS client handshake using conf,
// returning the ready-to-use connection. Every failure is wrapped as an
// *errtype.DialError so callers can treat it uniformly (and decide whether
// to force a cache refresh and retry).
func (s *SocketBuilder) Connect(ctx context.Context, cn instance.ConnName, addr string, conf *tls.Config) (net.Conn, error) {
	hostPort := net.JoinHostPort(addr, serverProxyPort)
	s.logger.Debugf("[%v] dialing %v", cn.String(), hostPort)

	conn, err := s.dial(ctx, "tcp", hostPort)
	if err != nil {
		return nil, errtype.NewDialError("failed to dial", cn.String(), err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			_ = conn.Close()
			return nil, errtype.NewDialError("failed to set keep-alive", cn.String(), err)
		}
		if err := tcpConn.SetKeepAlivePeriod(s.tcpKeepAlive); err != nil {
			_ = conn.Close()
			return nil, errtype.NewDialError("failed to set keep-alive period", cn.String(), err)
		}
		if err := tcpConn.SetNoDelay(true); err != nil {
			_ = conn.Close()
			return nil, errtype.NewDialError("failed to disable Nagle's algorithm", cn.String(), err)
		}
	}

	tlsConn := tls.Client(conn, conf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		s.logger.Debugf("[%v] TLS handshake failed: %v", cn.String(), err)
		_ = tlsConn.Close()
		return nil, errtype.NewDialError("handshake failed", cn.String(), err)
	}
	return tlsConn, nil
}
