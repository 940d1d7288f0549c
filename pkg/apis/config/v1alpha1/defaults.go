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

package v1alpha1

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/containers/ramalloc/pkg/port"
)

const (
	DefaultSelfServer     = "home"
	DefaultSelfRam        = 2.6
	DefaultRefreshPeriod  = 10 * time.Second
	DefaultLaunchSteps    = 5
	DefaultLaunchBackoff  = 50 * time.Millisecond
	DefaultLaunchFactor   = 2.0
	DefaultLaunchJitter   = 0.1
	DefaultPortCapacity   = port.DefaultCapacity
	DefaultPollPeriod     = 100 * time.Millisecond
	DefaultRespondTimeout = 5 * time.Second
	DefaultHTTPEndpoint   = "127.0.0.1:8891"
)

// Port names, for deriving default port numbers.
const (
	MemoryPortName         = "memory"
	MemoryResponsePortName = "memory-response"
	LaunchPortName         = "launch"
	LaunchResponsePortName = "launch-response"
)

// NewConfig returns a configuration with all defaults set.
func NewConfig() *RamAllocConfig {
	c := &RamAllocConfig{}
	c.SetDefaults()
	return c
}

// SetDefaults sets the defaults for all unset fields.
func (c *RamAllocConfig) SetDefaults() {
	if c.Kind == "" {
		c.Kind = Kind
	}
	if c.APIVersion == "" {
		c.APIVersion = APIVersion
	}
	if c.Name == "" {
		c.Name = "default"
	}

	c.Spec.Memory.setDefaults()
	c.Spec.Launch.setDefaults()
	c.Spec.Ports.setDefaults()

	for i := range c.Spec.Hosts {
		if c.Spec.Hosts[i].Cores == 0 {
			c.Spec.Hosts[i].Cores = 1
		}
	}

	if c.Spec.Instrumentation.HTTPEndpoint == "" {
		c.Spec.Instrumentation.HTTPEndpoint = DefaultHTTPEndpoint
	}
	if len(c.Spec.Instrumentation.Metrics) == 0 {
		c.Spec.Instrumentation.Metrics = []string{"*"}
	}
}

func (m *MemoryConfig) setDefaults() {
	if m.SelfServer == "" {
		m.SelfServer = DefaultSelfServer
	}
	if m.SelfRam == 0 {
		m.SelfRam = DefaultSelfRam
	}
	if m.RefreshPeriod.Duration == 0 {
		m.RefreshPeriod = metav1.Duration{Duration: DefaultRefreshPeriod}
	}
}

func (l *LaunchConfig) setDefaults() {
	if l.Steps == 0 {
		l.Steps = DefaultLaunchSteps
	}
	if l.Backoff.Duration == 0 {
		l.Backoff = metav1.Duration{Duration: DefaultLaunchBackoff}
	}
	if l.Factor == 0 {
		l.Factor = DefaultLaunchFactor
	}
	if l.Jitter == 0 {
		l.Jitter = DefaultLaunchJitter
	}
}

func (p *PortConfig) setDefaults() {
	for _, n := range []struct {
		number *int
		name   string
	}{
		{&p.Memory, MemoryPortName},
		{&p.MemoryResponse, MemoryResponsePortName},
		{&p.Launch, LaunchPortName},
		{&p.LaunchResponse, LaunchResponsePortName},
	} {
		if *n.number == 0 {
			*n.number = port.NumberFor(n.name)
		}
	}
	if p.Capacity == 0 {
		p.Capacity = DefaultPortCapacity
	}
	if p.PollPeriod.Duration == 0 {
		p.PollPeriod = metav1.Duration{Duration: DefaultPollPeriod}
	}
	if p.RespondTimeout.Duration == 0 {
		p.RespondTimeout = metav1.Duration{Duration: DefaultRespondTimeout}
	}
}
