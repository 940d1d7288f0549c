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

package launch

import (
	"errors"
	"fmt"

	"github.com/containers/ramalloc/pkg/ipc"
	"github.com/containers/ramalloc/pkg/memory"
)

const (
	LaunchType ipc.MessageType = "launch"
)

var (
	// ErrSpawnFailure is returned when a script could not be started on
	// a server the RAM for it was allocated on.
	ErrSpawnFailure = errors.New("failed to spawn")
	// ErrNoWorkers is returned when no worker has room for a single thread.
	ErrNoWorkers = errors.New("no worker with enough free RAM")
)

// Options control how a script is launched.
type Options struct {
	// Threads is the total number of threads to start. Zero starts as many
	// threads as there is free RAM for.
	Threads int `json:"threads,omitempty"`
	// RamOverride replaces the RAM of a thread of the script if set.
	RamOverride float64 `json:"ramOverride,omitempty"`

	Contiguous    bool `json:"contiguous,omitempty"`
	CoreDependent bool `json:"coreDependent,omitempty"`
	LongRunning   bool `json:"longRunning,omitempty"`
	Shrinkable    bool `json:"shrinkable,omitempty"`
}

// Launch asks the launch service to launch a script on behalf of Pid.
type Launch struct {
	Pid     int      `json:"pid"`
	Script  string   `json:"script"`
	Options Options  `json:"options"`
	Args    []string `json:"args,omitempty"`
}

// Spawned is a process started by a launch.
type Spawned struct {
	Hostname string `json:"hostname"`
	Pid      int    `json:"pid"`
	Threads  int    `json:"threads"`
}

// Result is the outcome of a launch.
type Result struct {
	AllocationID int       `json:"allocationId"`
	Spawned      []Spawned `json:"spawned"`
	// Shortfall is the number of threads which could not be started.
	Shortfall int `json:"shortfall"`
}

func (*Launch) MessageType() ipc.MessageType { return LaunchType }

// NewDecoder returns a decoder for launch service messages.
func NewDecoder() *ipc.Decoder {
	return ipc.NewDecoder(
		func() ipc.Payload { return &Launch{} },
	)
}

// Threads returns the number of threads started.
func (r *Result) Threads() int {
	n := 0
	for _, s := range r.Spawned {
		n += s.Threads
	}
	return n
}

// Pids returns the IDs of the started processes.
func (r *Result) Pids() []int {
	pids := make([]int, 0, len(r.Spawned))
	for _, s := range r.Spawned {
		pids = append(pids, s.Pid)
	}
	return pids
}

func (r *Result) String() string {
	return fmt.Sprintf("allocation #%d: %d threads in %d processes, %d missing",
		r.AllocationID, r.Threads(), len(r.Spawned), r.Shortfall)
}

func (o *Options) request(pid int, ram float64) *memory.Request {
	return &memory.Request{
		Pid:           pid,
		ChunkSize:     ram,
		NumChunks:     o.Threads,
		Contiguous:    o.Contiguous,
		CoreDependent: o.CoreDependent,
		LongRunning:   o.LongRunning,
		Shrinkable:    o.Shrinkable,
	}
}
