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

// Package tracing exports spans of message handling and launches over
// OTLP. Without a collector endpoint spans are no-ops.
package tracing

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	logger "github.com/containers/ramalloc/pkg/log"
	"github.com/containers/ramalloc/pkg/version"
)

// Option is an option for tracing.
type Option func(*settings) error

type settings struct {
	service  string
	endpoint string
	sampling float64
	identity []KeyValue
	exporter sdktrace.SpanExporter
}

// tracer is the running tracer provider, if any.
type tracer struct {
	sync.RWMutex
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

var (
	log = logger.Get("tracing")
	trc = &tracer{}
)

const (
	shutdownTimeout = 5 * time.Second
)

// WithCollectorEndpoint sets the collector spans are exported to, either
// an URL with an otlp-http, http, otlp-grpc or grpc scheme, or just one
// of these schemes for the default OTLP collector address.
func WithCollectorEndpoint(endpoint string) Option {
	return func(s *settings) error {
		s.endpoint = endpoint
		return nil
	}
}

// WithSamplingRatio sets the ratio of traces sampled.
func WithSamplingRatio(ratio float64) Option {
	return func(s *settings) error {
		if ratio < 0.0 || ratio > 1.0 {
			return fmt.Errorf("invalid sampling ratio %f", ratio)
		}
		s.sampling = ratio
		return nil
	}
}

// WithServiceName sets the service name spans are reported for.
func WithServiceName(name string) Option {
	return func(s *settings) error {
		s.service = name
		return nil
	}
}

// WithIdentity sets extra resource attributes, like the pid of the daemon.
func WithIdentity(attributes ...KeyValue) Option {
	return func(s *settings) error {
		s.identity = append(s.identity, attributes...)
		return nil
	}
}

// WithExporter exports every span synchronously to e instead of a
// collector, sampling all traces.
func WithExporter(e sdktrace.SpanExporter) Option {
	return func(s *settings) error {
		s.exporter = e
		return nil
	}
}

// Start tracing, stopping it first if it is already running.
func Start(options ...Option) error {
	s := &settings{
		service: filepath.Base(os.Args[0]),
	}
	for _, opt := range options {
		if err := opt(s); err != nil {
			return fmt.Errorf("failed to set tracing option: %w", err)
		}
	}

	trc.Lock()
	defer trc.Unlock()

	trc.stop(false)

	processor, sampler, err := s.spanProcessor()
	if err != nil || processor == nil {
		return err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(s.resource()),
		sdktrace.WithSpanProcessor(processor),
		sdktrace.WithSampler(sampler),
	)

	trc.provider = provider
	trc.tracer = provider.Tracer(s.service, trace.WithSchemaURL(semconv.SchemaURL))

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return nil
}

// Stop tracing, flushing pending spans in the background.
func Stop() {
	trc.Lock()
	defer trc.Unlock()
	trc.stop(false)
}

// Flush stops tracing and waits until pending spans are exported.
func Flush() {
	trc.Lock()
	defer trc.Unlock()
	trc.stop(true)
}

// Enabled returns true if spans are being exported.
func Enabled() bool {
	return trc.get() != nil
}

func (t *tracer) get() trace.Tracer {
	t.RLock()
	defer t.RUnlock()
	return t.tracer
}

func (t *tracer) stop(wait bool) {
	if t.provider == nil {
		return
	}

	done := make(chan struct{})
	go func(p *sdktrace.TracerProvider) {
		defer close(done)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := p.ForceFlush(ctx); err != nil {
			log.Errorf("failed to flush spans: %v", err)
		}
		if err := p.Shutdown(ctx); err != nil {
			log.Errorf("failed to shut down tracer provider: %v", err)
		}
	}(t.provider)

	if wait {
		<-done
	}

	t.provider = nil
	t.tracer = nil
}

func (s *settings) spanProcessor() (sdktrace.SpanProcessor, sdktrace.Sampler, error) {
	if s.exporter != nil {
		log.Info("exporting all spans of %s locally", s.service)
		return sdktrace.NewSimpleSpanProcessor(s.exporter), sdktrace.AlwaysSample(), nil
	}

	switch {
	case s.endpoint == "":
		log.Info("tracing disabled, no collector endpoint")
		return nil, nil, nil
	case s.sampling == 0.0:
		log.Info("tracing disabled, sampling ratio is 0.0")
		return nil, nil, nil
	}

	exporter, err := newExporter(s.endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start tracing exporter: %w", err)
	}

	log.Info("exporting %.0f%% of traces of %s to %s", 100*s.sampling, s.service, s.endpoint)

	return sdktrace.NewBatchSpanProcessor(exporter),
		sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.sampling)), nil
}

func (s *settings) resource() *resource.Resource {
	hostname, _ := os.Hostname()
	attrs := []attribute.KeyValue{
		semconv.ServiceName(s.service),
		semconv.ServiceVersionKey.String(version.Version),
		semconv.HostNameKey.String(hostname),
		semconv.ProcessPIDKey.Int(os.Getpid()),
		attribute.String("build", version.Build),
	}
	return resource.NewWithAttributes(semconv.SchemaURL, append(attrs, s.identity...)...)
}

func newExporter(endpoint string) (sdktrace.SpanExporter, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid tracing endpoint %q: %w", endpoint, err)
	}
	if u.Scheme == "" && u.Host == "" {
		u = &url.URL{Scheme: u.Path}
	}

	switch u.Scheme {
	case "otlp-http", "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
		if u.Host != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(u.Host))
		}
		return otlptracehttp.New(context.Background(), opts...)
	case "otlp-grpc", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithInsecure()}
		if u.Host != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(u.Host))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	}

	return nil, fmt.Errorf("unsupported tracing endpoint %q", endpoint)
}
