// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package tracing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/containers/ramalloc/pkg/instrumentation/tracing"
)

func TestDisabledTracing(t *testing.T) {
	require.NoError(t, tracing.Start(tracing.WithCollectorEndpoint("")))
	require.False(t, tracing.Enabled())

	ctx, span := tracing.StartSpan(context.Background(), "test",
		tracing.WithAttributes(tracing.Attribute("pid", 1)))
	require.NotNil(t, ctx)
	span.SetAttributes(tracing.Attribute("host", "home"))
	span.End(tracing.WithStatus(errors.New("failure")))

	tracing.SpanFromContext(ctx).End()
}

func TestLocalExport(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	require.NoError(t, tracing.Start(
		tracing.WithServiceName("ramd-test"),
		tracing.WithExporter(exporter),
		tracing.WithIdentity(tracing.Attribute("pid", 1)),
	))
	require.True(t, tracing.Enabled())

	ctx, span := tracing.StartSpan(context.Background(), "request",
		tracing.WithAttributes(tracing.Attribute("num-chunks", 4)))
	tracing.SpanFromContext(ctx).SetAttributes(tracing.Attribute("hostname", "home"))
	span.End(tracing.WithStatus(errors.New("denied")))

	_, span = tracing.StartSpan(context.Background(), "release")
	span.End(tracing.WithStatus(nil))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	require.Equal(t, "request", spans[0].Name)
	require.Equal(t, codes.Error, spans[0].Status.Code)
	require.Equal(t, "denied", spans[0].Status.Description)
	require.ElementsMatch(t, []tracing.KeyValue{
		tracing.Attribute("num-chunks", 4),
		tracing.Attribute("hostname", "home"),
	}, spans[0].Attributes)
	require.Equal(t, "release", spans[1].Name)
	require.Equal(t, codes.Ok, spans[1].Status.Code)

	tracing.Flush()
	require.False(t, tracing.Enabled())
}

func TestInvalidOptions(t *testing.T) {
	require.Error(t, tracing.Start(tracing.WithSamplingRatio(1.5)))
	require.Error(t, tracing.Start(
		tracing.WithCollectorEndpoint("ftp://collector:4317"),
		tracing.WithSamplingRatio(1.0),
	))
	require.False(t, tracing.Enabled())
}

func TestAttribute(t *testing.T) {
	type testCase struct {
		value    any
		expected string
	}
	for _, tc := range []testCase{
		{value: nil, expected: "<nil>"},
		{value: "home", expected: "home"},
		{value: 12, expected: "12"},
		{value: int64(7), expected: "7"},
		{value: true, expected: "true"},
		{value: []int{1, 2}, expected: "[1 2]"},
	} {
		kv := tracing.Attribute("key", tc.value)
		require.Equal(t, "key", string(kv.Key))
		require.Equal(t, tc.expected, kv.Value.Emit())
	}
}
