// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mock provides a fake Cloud SQL Admin API and a fake server-side
// proxy, so that the dialer can be exercised end-to-end in tests without a
// real project.
package mock

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"
)

// Option configures a FakeCloudSQLInstance.
type Option func(*FakeCloudSQLInstance)

// WithIPAddr sets the IP address of the instance.
func WithIPAddr(addr string) Option {
	return func(f *FakeCloudSQLInstance) {
		f.ipAddr = addr
	}
}

// WithCertExpiry sets the expiration time of the fake instance's ephemeral
// certificates.
func WithCertExpiry(expiry time.Time) Option {
	return func(f *FakeCloudSQLInstance) {
		f.certExpiry = expiry
	}
}

// FakeCloudSQLInstance represents the server side of a single Cloud SQL
// instance: its identity, its address, and the CA that signs both its own
// server certificate and every ephemeral client certificate the fake Admin
// API hands out.
type FakeCloudSQLInstance struct {
	project string
	region  string
	name    string

	ipAddr     string
	databaseVersion string
	certExpiry time.Time

	caCert *x509.Certificate
	caKey  *rsa.PrivateKey

	serverCert *x509.Certificate
	serverKey  *rsa.PrivateKey
}

// ConnName returns the instance connection name in "project:region:name"
// form, the same identity embedded as the server certificate's CommonName.
func (f FakeCloudSQLInstance) ConnName() string {
	return f.project + ":" + f.region + ":" + f.name
}

func mustGenerateKey() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}

var (
	caKey     = mustGenerateKey()
	serverKey = mustGenerateKey()
)

// NewFakeInstance creates a fake Cloud SQL instance: a single CA certificate
// (the one the connectSettings endpoint reports as the instance's server CA)
// and a server certificate signed by it, with CommonName set to the
// instance's connection name so it passes the dialer's identity check.
func NewFakeInstance(project, region, name string, opts ...Option) FakeCloudSQLInstance {
	f := FakeCloudSQLInstance{
		project:         project,
		region:          region,
		name:            name,
		ipAddr:          "127.0.0.1",
		databaseVersion: "POSTGRES_14",
		certExpiry:      time.Now().Add(24 * time.Hour),
	}
	for _, o := range opts {
		o(&f)
	}

	caTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: "Google Cloud SQL Server CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	signedCA, err := x509.CreateCertificate(
		rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		panic(err)
	}
	caCert, err := x509.ParseCertificate(signedCA)
	if err != nil {
		panic(err)
	}

	serverTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject: pkix.Name{
			CommonName: f.ConnName(),
		},
		NotBefore:             time.Now(),
		NotAfter:              f.certExpiry,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	signedServer, err := x509.CreateCertificate(
		rand.Reader, serverTemplate, caCert, &serverKey.PublicKey, caKey)
	if err != nil {
		panic(err)
	}
	serverCert, err := x509.ParseCertificate(signedServer)
	if err != nil {
		panic(err)
	}

	f.caCert = caCert
	f.caKey = caKey
	f.serverCert = serverCert
	f.serverKey = serverKey

	return f
}

// StartServerProxy starts a fake server-side proxy listening on 3307 (the
// real server proxy port, see internal/cloudsql.serverProxyPort), configured
// with TLS as specified by inst. Unlike a real server-side proxy, the
// connection is closed immediately after the TLS handshake completes: tests
// only need to observe that the handshake succeeded against the expected
// identity, not exchange application data. Callers should invoke the
// returned function to clean up all resources.
func StartServerProxy(t *testing.T, inst FakeCloudSQLInstance) func() {
	pool := x509.NewCertPool()
	pool.AddCert(inst.caCert)

	cfg := &tls.Config{
		Certificates: []tls.Certificate{
			{
				Certificate: [][]byte{inst.serverCert.Raw, inst.caCert.Raw},
				PrivateKey:  inst.serverKey,
				Leaf:        inst.serverCert,
			},
		},
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  pool,
		MinVersion: tls.VersionTLS13,
	}

	var (
		ln  net.Listener
		err error
	)
	for i := 0; i < 10; i++ {
		ln, err = tls.Listen("tcp", ":3307", cfg)
		if err == nil {
			break
		}
		t.Log("listener failed to start, waiting 100ms")
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("failed to start listener: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				tlsConn, ok := c.(*tls.Conn)
				if !ok {
					return
				}
				_ = tlsConn.HandshakeContext(ctx)
			}(conn)
		}
	}()
	return func() {
		cancel()
		_ = ln.Close()
	}
}
