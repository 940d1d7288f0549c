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

// Package instrumentation runs the HTTP endpoint of the daemon, with
// tracing and prometheus metrics export.
package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	cfgapi "github.com/containers/ramalloc/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/ramalloc/pkg/instrumentation/tracing"
	logger "github.com/containers/ramalloc/pkg/log"
	"github.com/containers/ramalloc/pkg/metrics"
)

const (
	// ServiceName is our service name in external tracing and metrics services.
	ServiceName = "ramd"
	// Namespace is the common prefix of our prefixed metrics.
	Namespace = "ramalloc"

	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

var (
	log = logger.NewLogger("instrumentation")
)

// Service is the HTTP endpoint with the instrumentation services.
type Service struct {
	sync.Mutex
	cfg      cfgapi.Config
	registry *metrics.Registry
	router   chi.Router
	server   *http.Server
	address  string
}

// New creates instrumentation services exporting the collectors of the
// given metrics registry.
func New(cfg *cfgapi.Config, registry *metrics.Registry) *Service {
	return &Service{
		cfg:      *cfg,
		registry: registry,
		router:   chi.NewRouter(),
	}
}

// Router returns the router of the HTTP endpoint, for adding routes
// before Start.
func (s *Service) Router() chi.Router {
	return s.router
}

// Start starts tracing, metrics export and the HTTP endpoint.
func (s *Service) Start(identity ...tracing.KeyValue) error {
	log.Info("starting instrumentation services...")

	s.Lock()
	defer s.Unlock()

	if err := tracing.Start(
		tracing.WithServiceName(ServiceName),
		tracing.WithCollectorEndpoint(s.cfg.TracingCollector),
		tracing.WithSamplingRatio(s.cfg.SamplingRatio()),
		tracing.WithIdentity(identity...),
	); err != nil {
		return fmt.Errorf("failed to start tracing: %w", err)
	}

	if s.cfg.PrometheusExport {
		g, err := s.registry.NewGatherer(
			metrics.WithNamespace(Namespace),
			metrics.WithMetrics(s.cfg.Metrics),
		)
		if err != nil {
			return fmt.Errorf("failed to start metrics: %w", err)
		}
		s.router.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{
			ErrorLog: log,
		}))
	}

	if s.cfg.HTTPEndpoint == "" {
		log.Info("HTTP endpoint disabled")
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.HTTPEndpoint)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.address = ln.Addr().String()
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed: %v", err)
		}
	}(s.server)

	log.Info("HTTP server listening on %s", s.address)

	return nil
}

// Address returns the address the HTTP endpoint listens on.
func (s *Service) Address() string {
	s.Lock()
	defer s.Unlock()
	return s.address
}

// Stop stops the instrumentation services.
func (s *Service) Stop() {
	s.Lock()
	defer s.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			log.Error("failed to shut down HTTP server: %v", err)
		}
		s.server = nil
		s.address = ""
	}

	tracing.Stop()
}
