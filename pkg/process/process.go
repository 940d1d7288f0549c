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

// Package process defines the host runtime the allocator runs on: the
// servers with their RAM, the scripts that can be run, and the processes
// running them.
package process

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSuchServer is returned for an unknown server.
	ErrNoSuchServer = errors.New("no such server")
	// ErrNoSuchScript is returned for an unknown script, or a script not
	// present on the server it is run on.
	ErrNoSuchScript = errors.New("no such script")
	// ErrNoSuchProcess is returned for a process which is not running.
	ErrNoSuchProcess = errors.New("no such process")
	// ErrNotEnoughRam is returned when a server cannot fit a process.
	ErrNotEnoughRam = errors.New("not enough RAM")
	// ErrExecFailed is returned when starting a process fails otherwise.
	ErrExecFailed = errors.New("exec failed")
)

// Host is the runtime hosting servers, scripts, and processes.
type Host interface {
	// Servers returns the names of all servers.
	Servers() []string
	// ServerMaxRam returns the RAM capacity of a server in GB.
	ServerMaxRam(server string) (float64, error)
	// ServerUsedRam returns the RAM used by processes on a server in GB.
	ServerUsedRam(server string) (float64, error)
	// Cores returns the number of CPU cores of a server.
	Cores(server string) (int, error)
	// ScriptRam returns the RAM a single thread of a script needs in GB.
	ScriptRam(script string) (float64, error)
	// Dependencies returns the script and all the scripts it depends on.
	Dependencies(script string) ([]string, error)
	// Copy copies files to a server.
	Copy(files []string, server string) error
	// Exec starts a script on a server with the given number of threads.
	Exec(script, server string, threads int, args ...string) (int, error)
	// Kill stops a process.
	Kill(pid int) error
	// IsRunning returns true if the process is running.
	IsRunning(pid int) bool
	// Processes returns the processes running on a server.
	Processes(server string) ([]*Process, error)
	// AtExit registers a function to call once the process exits, by
	// finishing or by being killed.
	AtExit(pid int, fn func()) error
}

// Process describes a running process.
type Process struct {
	PID     int      `json:"pid"`
	Server  string   `json:"server"`
	Script  string   `json:"script"`
	Threads int      `json:"threads"`
	Args    []string `json:"args,omitempty"`
	Ram     float64  `json:"ram"`
}

func (p *Process) String() string {
	return fmt.Sprintf("%s@%s[pid %d, %d threads]", p.Script, p.Server, p.PID, p.Threads)
}
