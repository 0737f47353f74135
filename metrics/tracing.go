// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name every nvfuse span is
// recorded under.
const tracerName = "github.com/nvfuse/nvfuse"

// NewTracerProvider builds a trace.TracerProvider writing spans to w (or
// discarding them if w is nil), the same debug-trace-exporter pattern the
// teacher wires around its GCS calls.
func NewTracerProvider(w io.Writer) (*trace.TracerProvider, error) {
	if w == nil {
		w = io.Discard
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, err
	}
	tp := trace.NewTracerProvider(trace.WithBatcher(exp))
	return tp, nil
}

// Tracer returns the nvfuse instrumentation-scope tracer off the given
// provider, or the global no-op tracer if tp is nil.
func Tracer(tp oteltrace.TracerProvider) oteltrace.Tracer {
	if tp == nil {
		return otel.Tracer(tracerName)
	}
	return tp.Tracer(tracerName)
}

// StartSpan is a small convenience used by the AIO engine and control
// plane to wrap one request/response round trip in a span.
func StartSpan(ctx context.Context, tracer oteltrace.Tracer, name string) (context.Context, oteltrace.Span) {
	return tracer.Start(ctx, name)
}
