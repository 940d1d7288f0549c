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

package service

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/containers/ramalloc/pkg/metrics"
)

var (
	workerLabels = []string{"hostname"}

	totalDesc = prometheus.NewDesc(
		"worker_total_ram_gigabytes",
		"Total RAM of the worker.",
		workerLabels, nil,
	)
	setAsideDesc = prometheus.NewDesc(
		"worker_set_aside_ram_gigabytes",
		"RAM of the worker kept out of reach of the allocator.",
		workerLabels, nil,
	)
	allocatedDesc = prometheus.NewDesc(
		"worker_allocated_ram_gigabytes",
		"Allocated RAM of the worker.",
		workerLabels, nil,
	)
	freeDesc = prometheus.NewDesc(
		"worker_free_ram_gigabytes",
		"Free RAM of the worker.",
		workerLabels, nil,
	)
	allocationsDesc = prometheus.NewDesc(
		"allocations",
		"Number of live allocations.",
		nil, nil,
	)
	deniedDesc = prometheus.NewDesc(
		"denied_requests_total",
		"Number of denied allocation requests.",
		nil, nil,
	)
	messagesDesc = prometheus.NewDesc(
		"messages_total",
		"Number of messages handled by the service.",
		[]string{"result"}, nil,
	)
)

type collector struct {
	s *Service
}

// RegisterMetrics registers the metrics collector of the service.
func (s *Service) RegisterMetrics(r *metrics.Registry) error {
	return r.Register("service", &collector{s: s}, metrics.WithGroup("memory"))
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- totalDesc
	ch <- setAsideDesc
	ch <- allocatedDesc
	ch <- freeDesc
	ch <- allocationsDesc
	ch <- deniedDesc
	ch <- messagesDesc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.s

	s.Lock()
	for _, w := range s.alloc.Workers() {
		host := w.Hostname()
		ch <- prometheus.MustNewConstMetric(totalDesc, prometheus.GaugeValue, w.TotalRam(), host)
		ch <- prometheus.MustNewConstMetric(setAsideDesc, prometheus.GaugeValue, w.SetAsideRam(), host)
		ch <- prometheus.MustNewConstMetric(allocatedDesc, prometheus.GaugeValue, w.UsedRam(), host)
		ch <- prometheus.MustNewConstMetric(freeDesc, prometheus.GaugeValue, w.FreeRam(), host)
	}
	allocations := len(s.allocations)
	denied := s.denied
	s.Unlock()

	handled, failed := s.server.Handled()
	if failed > handled {
		handled = failed
	}

	ch <- prometheus.MustNewConstMetric(allocationsDesc, prometheus.GaugeValue, float64(allocations))
	ch <- prometheus.MustNewConstMetric(deniedDesc, prometheus.CounterValue, float64(denied))
	ch <- prometheus.MustNewConstMetric(messagesDesc, prometheus.CounterValue,
		float64(handled-failed), "ok")
	ch <- prometheus.MustNewConstMetric(messagesDesc, prometheus.CounterValue,
		float64(failed), "failed")
}
