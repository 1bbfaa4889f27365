// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tel

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestRecorder builds a MetricRecorder wired to a ManualReader instead of
// a periodic exporter, so a test can collect exactly the points recorded
// during the test body.
func newTestRecorder(t *testing.T) (*MetricRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	p := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := p.Meter(meterName)

	mDialCount, err := m.Int64Counter(dialCount)
	if err != nil {
		t.Fatal(err)
	}
	mDialLatency, err := m.Float64Histogram(dialLatency)
	if err != nil {
		t.Fatal(err)
	}
	mOpenConns, err := m.Int64UpDownCounter(openConnections)
	if err != nil {
		t.Fatal(err)
	}
	mBytesTx, err := m.Int64Counter(bytesSent)
	if err != nil {
		t.Fatal(err)
	}
	mBytesRx, err := m.Int64Counter(bytesReceived)
	if err != nil {
		t.Fatal(err)
	}
	mRefreshCount, err := m.Int64Counter(refreshCount)
	if err != nil {
		t.Fatal(err)
	}
	return &MetricRecorder{
		exporter:      NullExporter{},
		provider:      p,
		mDialCount:    mDialCount,
		mDialLatency:  mDialLatency,
		mOpenConns:    mOpenConns,
		mBytesTx:      mBytesTx,
		mBytesRx:      mBytesRx,
		mRefreshCount: mRefreshCount,
	}, reader
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func TestMetricRecorderRecordsDialAndOpenConnections(t *testing.T) {
	ctx := context.Background()
	m, reader := newTestRecorder(t)

	attrs := Attributes{UserAgent: "cloud-sql-go-connector/0.1.0", IAMAuthN: true, CacheHit: true, DialStatus: DialSuccess}
	m.RecordDialCount(ctx, attrs)
	m.RecordDialLatency(ctx, 42, attrs)
	m.RecordOpenConnection(ctx, attrs)
	m.RecordOpenConnection(ctx, attrs)
	m.RecordClosedConnection(ctx, attrs)
	m.RecordRefreshCount(ctx, Attributes{UserAgent: attrs.UserAgent, RefreshStatus: RefreshSuccess, RefreshType: RefreshAheadType})
	m.RecordBytesTxCount(ctx, 10, attrs)
	m.RecordBytesRxCount(ctx, 5, attrs)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	if _, ok := findMetric(rm, dialCount); !ok {
		t.Errorf("expected a %q metric to be recorded", dialCount)
	}
	if _, ok := findMetric(rm, dialLatency); !ok {
		t.Errorf("expected a %q metric to be recorded", dialLatency)
	}
	oc, ok := findMetric(rm, openConnections)
	if !ok {
		t.Fatalf("expected a %q metric to be recorded", openConnections)
	}
	sum, ok := oc.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 1 {
		t.Errorf("expected %q to net to 1 open connection (2 opened, 1 closed), got %+v", openConnections, oc.Data)
	}
	if _, ok := findMetric(rm, refreshCount); !ok {
		t.Errorf("expected a %q metric to be recorded", refreshCount)
	}
	if _, ok := findMetric(rm, bytesSent); !ok {
		t.Errorf("expected a %q metric to be recorded", bytesSent)
	}
	if _, ok := findMetric(rm, bytesReceived); !ok {
		t.Errorf("expected a %q metric to be recorded", bytesReceived)
	}

	if err := m.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestConnectorTypeValue(t *testing.T) {
	tcs := []struct {
		ua   string
		want string
	}{
		{ua: "cloud-sql-go-connector/0.1.0", want: "go"},
		{ua: "cloud-sql-proxy/2.0.0", want: "auth_proxy"},
	}
	for _, tc := range tcs {
		if got := connectorTypeValue(tc.ua); got != tc.want {
			t.Errorf("connectorTypeValue(%q) = %q, want %q", tc.ua, got, tc.want)
		}
	}
}

func TestAuthTypeValue(t *testing.T) {
	if got := authTypeValue(true); got != "iam" {
		t.Errorf("authTypeValue(true) = %q, want iam", got)
	}
	if got := authTypeValue(false); got != "built-in" {
		t.Errorf("authTypeValue(false) = %q, want built-in", got)
	}
}
