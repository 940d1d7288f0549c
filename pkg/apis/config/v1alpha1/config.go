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

// Package v1alpha1 contains the configuration of the RAM allocator daemon
// and its clients.
package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/containers/ramalloc/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/ramalloc/pkg/apis/config/v1alpha1/log"
)

const (
	// Kind is the kind of our configuration object.
	Kind = "RamAllocConfig"
	// APIVersion is the API version of our configuration object.
	APIVersion = "config.ramalloc.containers.io/v1alpha1"
)

// RamAllocConfig is the configuration of the RAM allocator.
type RamAllocConfig struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec RamAllocSpec `json:"spec"`
}

// RamAllocSpec is the specification of the RAM allocator configuration.
type RamAllocSpec struct {
	// +optional
	Memory MemoryConfig `json:"memory,omitempty"`
	// +optional
	Launch LaunchConfig `json:"launch,omitempty"`
	// +optional
	Ports PortConfig `json:"ports,omitempty"`
	// Hosts is the inventory of servers of a simulated host.
	// +optional
	Hosts []HostConfig `json:"hosts,omitempty"`
	// Scripts are the scripts known to a simulated host.
	// +optional
	Scripts []ScriptConfig `json:"scripts,omitempty"`
	// +optional
	Log log.Config `json:"log,omitempty"`
	// +optional
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
}

// MemoryConfig is the configuration of the memory service.
type MemoryConfig struct {
	// SelfServer is the server the memory service runs on.
	// +optional
	SelfServer string `json:"selfServer,omitempty"`
	// SelfRam is the RAM used by the memory service itself, in GB. It
	// is allocated on SelfServer when the service starts.
	// +optional
	SelfRam float64 `json:"selfRam,omitempty"`
	// SetAside is the amount of RAM in GB per server kept out of reach
	// of the allocator.
	// +optional
	SetAside map[string]float64 `json:"setAside,omitempty"`
	// RefreshPeriod is the interval of reconciling workers with the
	// servers of the host.
	// +optional
	RefreshPeriod metav1.Duration `json:"refreshPeriod,omitempty"`
}

// LaunchConfig configures retrying failed process starts.
type LaunchConfig struct {
	// Steps is the number of attempts to start a process on a server.
	// +optional
	Steps int `json:"steps,omitempty"`
	// Backoff is the pause after the first failed attempt.
	// +optional
	Backoff metav1.Duration `json:"backoff,omitempty"`
	// Factor multiplies the pause after every failed attempt.
	// +optional
	Factor float64 `json:"factor,omitempty"`
	// Jitter is the maximum random extra pause as a fraction of the pause.
	// +optional
	Jitter float64 `json:"jitter,omitempty"`
}

// PortConfig configures the ports used for messaging.
type PortConfig struct {
	// +optional
	Memory int `json:"memory,omitempty"`
	// +optional
	MemoryResponse int `json:"memoryResponse,omitempty"`
	// +optional
	Launch int `json:"launch,omitempty"`
	// +optional
	LaunchResponse int `json:"launchResponse,omitempty"`
	// Capacity is the number of messages a port can hold.
	// +optional
	Capacity int `json:"capacity,omitempty"`
	// PollPeriod is the pause between attempts to write to a full port.
	// +optional
	PollPeriod metav1.Duration `json:"pollPeriod,omitempty"`
	// RespondTimeout is how long a service keeps trying to write a
	// response before dropping it.
	// +optional
	RespondTimeout metav1.Duration `json:"respondTimeout,omitempty"`
}

// HostConfig describes a simulated server.
type HostConfig struct {
	Name string `json:"name"`
	// Ram is the capacity of the server in GB.
	Ram float64 `json:"ram"`
	// +optional
	Cores int `json:"cores,omitempty"`
}

// ScriptConfig describes a simulated script.
type ScriptConfig struct {
	Name string `json:"name"`
	// Ram is the RAM a single thread needs in GB.
	Ram float64 `json:"ram"`
	// +optional
	Dependencies []string `json:"dependencies,omitempty"`
}
