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

package mock

import (
	"bytes"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"cloud.google.com/go/cloudsqlconn/internal/cloudsqladmin"
)

// Request represents an HTTP request for a test Server to mock responses for.
//
// Use one of the constructors below (InstanceGetSuccess,
// CreateEphemeralSuccess) to build one.
type Request struct {
	sync.Mutex

	reqMethod string
	reqPath   string
	reqCt     int

	handle func(resp http.ResponseWriter, req *http.Request)
}

// matches returns true if a given http.Request should be handled by this
// Request.
func (r *Request) matches(hR *http.Request) bool {
	r.Lock()
	defer r.Unlock()
	if r.reqMethod != "" && r.reqMethod != hR.Method {
		return false
	}
	if r.reqPath != "" && r.reqPath != hR.URL.Path {
		return false
	}
	if r.reqCt <= 0 {
		return false
	}
	r.reqCt--
	return true
}

// InstanceGetSuccess returns a Request that responds to the
// `connectSettings` Cloud SQL Admin API endpoint.
func InstanceGetSuccess(i FakeCloudSQLInstance, ct int) *Request {
	p := fmt.Sprintf("/projects/%s/instances/%s/connectSettings", i.project, i.name)
	return &Request{
		reqMethod: http.MethodGet,
		reqPath:   p,
		reqCt:     ct,
		handle: func(resp http.ResponseWriter, req *http.Request) {
			caPEM := &bytes.Buffer{}
			_ = pem.Encode(caPEM, &pem.Block{Type: "CERTIFICATE", Bytes: i.caCert.Raw})

			rresp := cloudsqladmin.ConnectSettingsResponse{
				IPAddresses: []cloudsqladmin.IPAddress{
					{Type: "PRIMARY", IPAddress: i.ipAddr},
				},
				DatabaseVersion: i.databaseVersion,
			}
			rresp.ServerCACert.Cert = caPEM.String()

			resp.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(resp).Encode(&rresp)
		},
	}
}

// CreateEphemeralSuccess returns a Request that responds to the
// `generateEphemeralCert` Cloud SQL Admin API endpoint.
func CreateEphemeralSuccess(i FakeCloudSQLInstance, ct int) *Request {
	return &Request{
		reqMethod: http.MethodPost,
		reqPath: fmt.Sprintf(
			"/projects/%s/instances/%s:generateEphemeralCert", i.project, i.name),
		reqCt: ct,
		handle: func(resp http.ResponseWriter, req *http.Request) {
			b, err := io.ReadAll(req.Body)
			defer req.Body.Close()
			if err != nil {
				http.Error(resp, fmt.Errorf("unable to read body: %w", err).Error(), http.StatusBadRequest)
				return
			}
			var rreq cloudsqladmin.GenerateEphemeralCertRequest
			if err := json.Unmarshal(b, &rreq); err != nil {
				http.Error(resp, fmt.Errorf("invalid or unexpected json: %w", err).Error(), http.StatusBadRequest)
				return
			}
			bl, _ := pem.Decode([]byte(rreq.PublicKey))
			if bl == nil {
				http.Error(resp, "unable to decode CSR", http.StatusBadRequest)
				return
			}
			csr, err := x509.ParseCertificateRequest(bl.Bytes)
			if err != nil {
				http.Error(resp, fmt.Errorf("unable to decode CSR: %w", err).Error(), http.StatusBadRequest)
				return
			}

			template := &x509.Certificate{
				Signature:          csr.Signature,
				SignatureAlgorithm: csr.SignatureAlgorithm,
				PublicKeyAlgorithm: csr.PublicKeyAlgorithm,
				PublicKey:          csr.PublicKey,
				SerialNumber:       big.NewInt(time.Now().UnixNano()),
				Issuer:             i.caCert.Subject,
				Subject:            pkix.Name{CommonName: "cloud-sql-client"},
				NotBefore:          time.Now(),
				NotAfter:           i.certExpiry,
				KeyUsage:           x509.KeyUsageDigitalSignature,
				ExtKeyUsage:        []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
			}
			cert, err := x509.CreateCertificate(
				rand.Reader, template, i.caCert, template.PublicKey, i.caKey)
			if err != nil {
				http.Error(resp, fmt.Errorf("unable to sign certificate: %w", err).Error(), http.StatusInternalServerError)
				return
			}

			certPEM := &bytes.Buffer{}
			_ = pem.Encode(certPEM, &pem.Block{Type: "CERTIFICATE", Bytes: cert})

			rresp := cloudsqladmin.GenerateEphemeralCertResponse{}
			rresp.EphemeralCert.Cert = certPEM.String()
			rresp.EphemeralCert.ExpirationTime = i.certExpiry.Format(time.RFC3339)

			if err := json.NewEncoder(resp).Encode(&rresp); err != nil {
				http.Error(resp, fmt.Errorf("unable to encode response: %w", err).Error(), http.StatusBadRequest)
				return
			}
		},
	}
}

// HTTPClient returns an *http.Client, URL, and cleanup function. The
// http.Client is configured to connect to a test TLS server at the returned
// URL. This server responds to the Requests given, or returns a 501 for
// unexpected ones. The cleanup function closes the server and reports an
// error if any expected calls weren't received.
func HTTPClient(requests ...*Request) (*http.Client, string, func() error) {
	s := httptest.NewTLSServer(http.HandlerFunc(
		func(resp http.ResponseWriter, req *http.Request) {
			for _, r := range requests {
				if r.matches(req) {
					r.handle(resp, req)
					return
				}
			}
			resp.WriteHeader(http.StatusNotImplemented)
			_, _ = resp.Write([]byte(fmt.Sprintf("unexpected request sent to mock client: %v", req)))
		},
	))
	cleanup := func() error {
		s.Close()
		for i, e := range requests {
			if e.reqCt > 0 {
				return fmt.Errorf("%d calls left for specified call in pos %d: %v", e.reqCt, i, e)
			}
		}
		return nil
	}
	return s.Client(), s.URL, cleanup
}
