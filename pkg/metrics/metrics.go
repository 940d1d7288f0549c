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

package metrics

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"

	logger "github.com/containers/ramalloc/pkg/log"
)

var (
	log = logger.Get("metrics")
)

const (
	// DefaultGroup is the group of collectors registered without a group.
	DefaultGroup = "default"
)

// Collector is a named, registered prometheus.Collector.
type Collector struct {
	collector prometheus.Collector
	name      string
	group     string
	enabled   bool
	noPrefix  bool
}

// CollectorOption is an option for a Collector.
type CollectorOption func(*Collector)

// WithoutPrefix registers a collector without namespace and group prefix.
func WithoutPrefix() CollectorOption {
	return func(c *Collector) {
		c.noPrefix = true
	}
}

// Name returns the group-qualified name of the collector.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// Enabled returns true if the collector is enabled.
func (c *Collector) Enabled() bool {
	return c.enabled
}

// Matches returns true if the collector matches the given glob pattern.
// The pattern is matched against the group, the name, and the qualified
// name of the collector.
func (c *Collector) Matches(glob string) bool {
	for _, s := range []string{c.group, c.name, c.Name()} {
		if glob == s {
			return true
		}
		ok, err := path.Match(glob, s)
		if err != nil {
			log.Warn("invalid glob pattern %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if !c.enabled {
		return
	}
	c.collector.Collect(ch)
}

// Registry is a collection of collectors, organized in groups.
type Registry struct {
	sync.Mutex
	collectors map[string]*Collector
}

// RegisterOption is an option for registering a collector.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	group string
	copts []CollectorOption
}

// WithGroup registers a collector in the given group.
func WithGroup(name string) RegisterOption {
	return func(o *registerOptions) {
		if name == "" {
			name = DefaultGroup
		}
		o.group = name
	}
}

// WithCollectorOptions registers a collector with the given options.
func WithCollectorOptions(opts ...CollectorOption) RegisterOption {
	return func(o *registerOptions) {
		o.copts = append(o.copts, opts...)
	}
}

// NewRegistry creates a new registry.
func NewRegistry() *Registry {
	return &Registry{
		collectors: make(map[string]*Collector),
	}
}

// Register registers a collector with the registry.
func (r *Registry) Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	o := &registerOptions{group: DefaultGroup}
	for _, opt := range opts {
		opt(o)
	}

	c := &Collector{
		collector: collector,
		name:      name,
		group:     o.group,
		enabled:   true,
	}
	for _, opt := range o.copts {
		opt(c)
	}

	r.Lock()
	defer r.Unlock()

	if _, ok := r.collectors[c.Name()]; ok {
		return fmt.Errorf("collector %q already registered", c.Name())
	}
	r.collectors[c.Name()] = c
	log.Debug("registered collector %q", c.Name())

	return nil
}

// Configure enables the collectors matching any of the given globs and
// disables the rest. It is an error if a glob matches no collector.
func (r *Registry) Configure(enabled []string) error {
	r.Lock()
	defer r.Unlock()

	log.Info("configuring collectors, enabled=[%s]", strings.Join(enabled, ","))

	matched := make(map[string]struct{})
	for _, c := range r.collectors {
		c.enabled = false
		for _, glob := range enabled {
			if c.Matches(glob) {
				c.enabled = true
				matched[glob] = struct{}{}
			}
		}
	}

	var unmatched []string
	for _, glob := range enabled {
		if _, ok := matched[glob]; !ok {
			unmatched = append(unmatched, glob)
		}
	}
	if len(unmatched) > 0 {
		return fmt.Errorf("no collectors match globs %s", strings.Join(unmatched, ", "))
	}

	return nil
}

// Collectors returns all registered collectors sorted by name.
func (r *Registry) Collectors() []*Collector {
	r.Lock()
	defer r.Unlock()

	list := make([]*Collector, 0, len(r.collectors))
	for _, c := range r.collectors {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name() < list[j].Name()
	})
	return list
}

// Gatherer is a prometheus.Gatherer for the enabled collectors of a registry.
type Gatherer struct {
	*prometheus.Registry
	namespace string
	enabled   []string
}

// GathererOption is an option for a Gatherer.
type GathererOption func(*Gatherer)

// WithNamespace sets the common prefix of all prefixed metrics.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithMetrics sets the globs for the collectors to enable.
func WithMetrics(enabled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
	}
}

// NewGatherer creates a gatherer for the registry with the given options.
// Collectors are enabled as configured with WithMetrics, by default all
// of them.
func (r *Registry) NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		Registry: prometheus.NewPedanticRegistry(),
		enabled:  []string{"*"},
	}
	for _, o := range opts {
		o(g)
	}

	if err := r.Configure(g.enabled); err != nil {
		return nil, err
	}

	for _, c := range r.Collectors() {
		if err := g.registerer(c).Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector %q: %w", c.Name(), err)
		}
	}

	return g, nil
}

// Gather implements prometheus.Gatherer.
func (g *Gatherer) Gather() ([]*model.MetricFamily, error) {
	return g.Registry.Gather()
}

func (g *Gatherer) registerer(c *Collector) prometheus.Registerer {
	if c.noPrefix {
		return g.Registry
	}

	prefix := c.group
	if g.namespace != "" {
		prefix = g.namespace + "_" + prefix
	}

	return prometheus.WrapRegistererWithPrefix(prefix+"_", g.Registry)
}
