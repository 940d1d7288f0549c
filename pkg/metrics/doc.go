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

// Package metrics is a thin layer over prometheus for registering named
// collectors in groups, selecting the enabled ones with glob patterns, and
// gathering them under a common namespace.
//
//	r := metrics.NewRegistry()
//	err := r.Register("workers", collector, metrics.WithGroup("memory"))
//	g, err := r.NewGatherer(
//	        metrics.WithNamespace("ramalloc"),
//	        metrics.WithMetrics([]string{"memory/*", "standard"}),
//	)
//	http.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
package metrics
