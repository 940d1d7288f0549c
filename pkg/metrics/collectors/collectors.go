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

// Package collectors registers the standard process, runtime, and build
// collectors in the "standard" metrics group.
package collectors

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/containers/ramalloc/pkg/metrics"
	"github.com/containers/ramalloc/pkg/version"
)

// NewVersionInfoCollector returns a constant gauge labelled with version info.
func NewVersionInfoCollector(v, b string) prometheus.Collector {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "ramalloc_version_info",
			Help: "A metric with constant '1' value labeled by version and build info.",
			ConstLabels: prometheus.Labels{
				"version": v,
				"build":   b,
			},
		},
		func() float64 { return 1 },
	)
}

// Register registers the standard collectors with the given registry.
func Register(r *metrics.Registry) error {
	standard := map[string]prometheus.Collector{
		"buildinfo":   collectors.NewBuildInfoCollector(),
		"golang":      collectors.NewGoCollector(),
		"process":     collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		"versioninfo": NewVersionInfoCollector(version.Version, version.Build),
	}

	for name, c := range standard {
		err := r.Register(name, c,
			metrics.WithGroup("standard"),
			metrics.WithCollectorOptions(metrics.WithoutPrefix()),
		)
		if err != nil {
			return err
		}
	}

	return nil
}
