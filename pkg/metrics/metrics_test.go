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

package metrics_test

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	logger "github.com/containers/ramalloc/pkg/log"
	"github.com/containers/ramalloc/pkg/metrics"
	"github.com/containers/ramalloc/pkg/metrics/collectors"
)

func TestPrefixedCollection(t *testing.T) {
	r := metrics.NewRegistry()

	g1 := newTestGauge(t, r, "free", metrics.WithGroup("memory"))
	g2 := newTestGauge(t, r, "spawned", metrics.WithGroup("launch"))
	newTestGauge(t, r, "plain", metrics.WithCollectorOptions(metrics.WithoutPrefix()))

	g := newGatherer(t, r, metrics.WithNamespace("ramalloc"))

	g1.Set(5)
	g2.Inc()

	values := scrape(t, g)
	require.Equal(t, "5", values["ramalloc_memory_free"])
	require.Equal(t, "1", values["ramalloc_launch_spawned"])
	require.Equal(t, "0", values["plain"])
}

func TestEnabledCollectors(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "free", metrics.WithGroup("memory"))
	newTestGauge(t, r, "used", metrics.WithGroup("memory"))
	newTestGauge(t, r, "spawned", metrics.WithGroup("launch"))

	type testCase struct {
		name     string
		enabled  []string
		present  []string
		absent   []string
		hasError bool
	}
	for _, tc := range []*testCase{
		{
			name:    "group",
			enabled: []string{"memory"},
			present: []string{"memory_free", "memory_used"},
			absent:  []string{"launch_spawned"},
		},
		{
			name:    "glob",
			enabled: []string{"*/spawned", "memory/u*"},
			present: []string{"memory_used", "launch_spawned"},
			absent:  []string{"memory_free"},
		},
		{
			name:     "unmatched",
			enabled:  []string{"leaks"},
			hasError: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			g, err := r.NewGatherer(metrics.WithMetrics(tc.enabled))
			if tc.hasError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			values := scrape(t, g)
			for _, name := range tc.present {
				require.Contains(t, values, name)
			}
			for _, name := range tc.absent {
				require.NotContains(t, values, name)
			}
		})
	}
}

func TestDuplicateRegistration(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "free", metrics.WithGroup("memory"))

	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "free", Help: "dup"})
	require.Error(t, r.Register("free", g, metrics.WithGroup("memory")))
	require.NoError(t, r.Register("free", g, metrics.WithGroup("other")))
}

func TestStandardCollectors(t *testing.T) {
	r := metrics.NewRegistry()
	require.NoError(t, collectors.Register(r))

	g := newGatherer(t, r, metrics.WithMetrics([]string{"standard"}))
	mfs, err := g.Gather()
	require.NoError(t, err)

	var names []string
	for _, mf := range mfs {
		names = append(names, mf.GetName())
	}
	require.Contains(t, names, "ramalloc_version_info")
	require.Contains(t, names, "go_goroutines")
}

type testGauge struct {
	prometheus.Gauge
}

func newTestGauge(t *testing.T, r *metrics.Registry, name string, options ...metrics.RegisterOption) *testGauge {
	g := &testGauge{
		Gauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: name,
				Help: "Test gauge " + name,
			},
		),
	}
	require.NoError(t, r.Register(name, g.Gauge, options...))
	return g
}

func newGatherer(t *testing.T, r *metrics.Registry, options ...metrics.GathererOption) *metrics.Gatherer {
	g, err := r.NewGatherer(options...)
	require.NoError(t, err)
	require.NotNil(t, g)
	return g
}

func scrape(t *testing.T, g prometheus.Gatherer) map[string]string {
	handler := promhttp.HandlerFor(g, promhttp.HandlerOpts{
		ErrorLog:      logger.Get("metrics-test"),
		ErrorHandling: promhttp.PanicOnError,
	})

	srv := httptest.NewServer(handler)
	defer srv.Close()

	rsp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer rsp.Body.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(rsp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		if split := strings.SplitN(line, " ", 2); len(split) == 2 {
			values[split[0]] = split[1]
		}
	}
	require.NoError(t, scanner.Err())

	return values
}
