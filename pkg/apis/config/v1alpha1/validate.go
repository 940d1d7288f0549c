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
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Validate checks the configuration, returning all problems found.
func (c *RamAllocConfig) Validate() error {
	var (
		errs *multierror.Error
		spec = &c.Spec
	)

	invalid := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf("invalid configuration: "+format, args...))
	}

	if spec.Memory.SelfRam < 0 {
		invalid("negative memory.selfRam %.2f", spec.Memory.SelfRam)
	}
	for server, ram := range spec.Memory.SetAside {
		if ram < 0 {
			invalid("negative memory.setAside for %s: %.2f", server, ram)
		}
	}
	if spec.Memory.RefreshPeriod.Duration < 0 {
		invalid("negative memory.refreshPeriod %s", spec.Memory.RefreshPeriod.Duration)
	}

	if spec.Launch.Steps < 1 {
		invalid("launch.steps %d, must be at least 1", spec.Launch.Steps)
	}
	if spec.Launch.Backoff.Duration < 0 {
		invalid("negative launch.backoff %s", spec.Launch.Backoff.Duration)
	}
	if spec.Launch.Factor < 1.0 {
		invalid("launch.factor %f, must be at least 1.0", spec.Launch.Factor)
	}
	if spec.Launch.Jitter < 0 {
		invalid("negative launch.jitter %f", spec.Launch.Jitter)
	}

	ports := map[int]string{}
	for _, p := range []struct {
		name   string
		number int
	}{
		{"memory", spec.Ports.Memory},
		{"memoryResponse", spec.Ports.MemoryResponse},
		{"launch", spec.Ports.Launch},
		{"launchResponse", spec.Ports.LaunchResponse},
	} {
		if p.number < 1 {
			invalid("ports.%s %d, must be positive", p.name, p.number)
			continue
		}
		if other, ok := ports[p.number]; ok {
			invalid("ports.%s and ports.%s share number %d", other, p.name, p.number)
		}
		ports[p.number] = p.name
	}
	if spec.Ports.Capacity < 1 {
		invalid("ports.capacity %d, must be positive", spec.Ports.Capacity)
	}
	if spec.Ports.PollPeriod.Duration <= 0 {
		invalid("ports.pollPeriod %s, must be positive", spec.Ports.PollPeriod.Duration)
	}

	hosts := map[string]struct{}{}
	for _, h := range spec.Hosts {
		if h.Name == "" {
			invalid("host without a name")
		}
		if _, ok := hosts[h.Name]; ok {
			invalid("duplicate host %q", h.Name)
		}
		hosts[h.Name] = struct{}{}
		if h.Ram < 0 {
			invalid("negative RAM %.2f for host %q", h.Ram, h.Name)
		}
		if h.Cores < 0 {
			invalid("negative cores %d for host %q", h.Cores, h.Name)
		}
	}

	scripts := map[string]struct{}{}
	for _, s := range spec.Scripts {
		if s.Name == "" {
			invalid("script without a name")
		}
		if s.Ram < 0 {
			invalid("negative RAM %.2f for script %q", s.Ram, s.Name)
		}
		scripts[s.Name] = struct{}{}
	}
	for _, s := range spec.Scripts {
		for _, d := range s.Dependencies {
			if _, ok := scripts[d]; !ok {
				invalid("script %q depends on unknown script %q", s.Name, d)
			}
		}
	}

	if r := spec.Instrumentation.SamplingRatePerMillion; r < 0 || r > 1000000 {
		invalid("instrumentation.samplingRatePerMillion %d out of range", r)
	}

	return errs.ErrorOrNil()
}
