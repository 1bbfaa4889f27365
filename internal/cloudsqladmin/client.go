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

// Package cloudsqladmin is a small REST client for the subset of the Cloud
// SQL Admin API that the connector needs: instance metadata and ephemeral
// client certificates. It intentionally does not depend on the generated
// sqladmin client library so that the wire shape consumed here stays
// obvious and small.
package cloudsqladmin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	htransport "google.golang.org/api/transport/http"
)

// IPAddress describes a single IP address a Cloud SQL instance can be
// reached at, tagged with its type.
type IPAddress struct {
	Type      string `json:"type"`
	IPAddress string `json:"ipAddress"`
}

// ConnectSettingsResponse is the response from the instance connectSettings
// endpoint.
type ConnectSettingsResponse struct {
	ServerResponse googleapi.ServerResponse
	IPAddresses    []IPAddress `json:"ipAddresses"`
	ServerCACert   struct {
		Cert string `json:"cert"`
	} `json:"serverCaCert"`
	DatabaseVersion string `json:"databaseVersion"`
	BackendType     string `json:"backendType"`
}

// GenerateEphemeralCertRequest is the request to generate a short-lived
// client certificate.
type GenerateEphemeralCertRequest struct {
	PublicKey       string `json:"public_key"`
	AccessToken     string `json:"access_token,omitempty"`
	ReadTime        string `json:"read_time,omitempty"`
	ValidDuration   string `json:"valid_duration,omitempty"`
}

// GenerateEphemeralCertResponse is the response from the ephemeral
// certificate endpoint.
type GenerateEphemeralCertResponse struct {
	ServerResponse googleapi.ServerResponse
	EphemeralCert  struct {
		Cert           string `json:"cert"`
		ExpirationTime string `json:"expirationTime"`
	} `json:"ephemeralCert"`
}

// baseURL is the production endpoint of the Cloud SQL Admin API.
const baseURL = "https://sqladmin.googleapis.com/sql/v1beta4"

// Client is a REST client to the Cloud SQL Admin API.
type Client struct {
	client   *http.Client
	endpoint string
}

// NewClient initializes a Client.
func NewClient(ctx context.Context, opts ...option.ClientOption) (*Client, error) {
	os := append([]option.ClientOption{
		option.WithEndpoint(baseURL),
	}, opts...)
	os = append(os,
		option.WithScopes("https://www.googleapis.com/auth/sqlservice.admin"),
	)
	client, endpoint, err := htransport.NewClient(ctx, os...)
	if err != nil {
		return nil, err
	}
	return &Client{client: client, endpoint: endpoint}, nil
}

// ConnectSettings retrieves the metadata (CA cert, IP addresses, database
// version) needed to connect to the given instance.
func (c *Client) ConnectSettings(ctx context.Context, project, name string) (ConnectSettingsResponse, error) {
	u := fmt.Sprintf("%s/projects/%s/instances/%s/connectSettings", c.endpoint, project, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ConnectSettingsResponse{}, err
	}
	res, err := c.client.Do(req)
	if err != nil {
		return ConnectSettingsResponse{}, err
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusMultipleChoices {
		return ConnectSettingsResponse{}, toAPIError(res)
	}
	ret := ConnectSettingsResponse{
		ServerResponse: googleapi.ServerResponse{
			Header:         res.Header,
			HTTPStatusCode: res.StatusCode,
		},
	}
	if err := json.NewDecoder(res.Body).Decode(&ret); err != nil {
		return ConnectSettingsResponse{}, err
	}
	return ret, nil
}

// GenerateEphemeralCert creates a client certificate signed by the instance's
// CA, valid for the provided public key. When iamToken is non-empty, it is
// submitted as the caller's IAM access token, enabling the returned
// certificate for automatic IAM database authentication.
func (c *Client) GenerateEphemeralCert(ctx context.Context, project, name string, publicKeyPEM string, iamToken string) (GenerateEphemeralCertResponse, error) {
	u := fmt.Sprintf("%s/projects/%s/instances/%s:generateEphemeralCert", c.endpoint, project, name)
	body, err := json.Marshal(GenerateEphemeralCertRequest{PublicKey: publicKeyPEM, AccessToken: iamToken})
	if err != nil {
		return GenerateEphemeralCertResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return GenerateEphemeralCertResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.client.Do(req)
	if err != nil {
		return GenerateEphemeralCertResponse{}, err
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusMultipleChoices {
		return GenerateEphemeralCertResponse{}, toAPIError(res)
	}
	ret := GenerateEphemeralCertResponse{
		ServerResponse: googleapi.ServerResponse{
			Header:         res.Header,
			HTTPStatusCode: res.StatusCode,
		},
	}
	if err := json.NewDecoder(res.Body).Decode(&ret); err != nil {
		return GenerateEphemeralCertResponse{}, err
	}
	return ret, nil
}

func toAPIError(res *http.Response) error {
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	return &googleapi.Error{
		Code:   res.StatusCode,
		Header: res.Header,
		Body:   string(b),
	}
}
