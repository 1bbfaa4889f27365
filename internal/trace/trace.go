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

// Package trace wraps the Dialer's major stages (Dial, connection info
// lookup, socket connect) in spans, so a caller with tracing configured can
// see where time within a single Dial call actually goes.
package trace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "cloud.google.com/go/cloudsqlconn"

// EndSpanFunc ends the span started by StartSpan. A non-nil err marks the
// span as failed and is attached to it before it ends.
type EndSpanFunc func(err error)

// StartOption attaches an attribute to a span at StartSpan time.
type StartOption func(*[]attribute.KeyValue)

// AddInstanceName attaches the instance connection name being dialed.
func AddInstanceName(name string) StartOption {
	return func(attrs *[]attribute.KeyValue) {
		*attrs = append(*attrs, attribute.String("cloudsql.instance", name))
	}
}

// AddDialerID attaches the ID of the Dialer that owns the span.
func AddDialerID(id string) StartOption {
	return func(attrs *[]attribute.KeyValue) {
		*attrs = append(*attrs, attribute.String("cloudsql.dialer_id", id))
	}
}

// StartSpan starts a span named name under the given ctx and returns the
// derived context along with a func that ends the span.
func StartSpan(ctx context.Context, name string, opts ...StartOption) (context.Context, EndSpanFunc) {
	var attrs []attribute.KeyValue
	for _, opt := range opts {
		opt(&attrs)
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, oteltrace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
