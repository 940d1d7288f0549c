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

// Package sim implements process.Host in memory.
package sim

import (
	"fmt"
	"sort"
	"sync"

	logger "github.com/containers/ramalloc/pkg/log"
	"github.com/containers/ramalloc/pkg/process"
)

var (
	log = logger.Get("sim")
)

// Host is a simulated process.Host.
type Host struct {
	sync.Mutex
	servers map[string]*server
	order   []string
	scripts map[string]*script
	procs   map[int]*proc
	nextPID int
}

type server struct {
	name     string
	maxRam   float64
	cores    int
	files    map[string]struct{}
	fail     int
	failCopy int
}

type script struct {
	name string
	ram  float64
	deps []string
}

type proc struct {
	process.Process
	atExit []func()
}

var _ process.Host = &Host{}

// NewHost creates a simulated host without servers or scripts.
func NewHost() *Host {
	return &Host{
		servers: make(map[string]*server),
		scripts: make(map[string]*script),
		procs:   make(map[int]*proc),
		nextPID: 1,
	}
}

// AddServer adds a server, or updates the capacity of an existing one.
func (h *Host) AddServer(name string, maxRam float64, cores int) {
	h.Lock()
	defer h.Unlock()

	if cores < 1 {
		cores = 1
	}

	if s, ok := h.servers[name]; ok {
		s.maxRam = maxRam
		s.cores = cores
		return
	}

	h.servers[name] = &server{
		name:   name,
		maxRam: maxRam,
		cores:  cores,
		files:  make(map[string]struct{}),
	}
	h.order = append(h.order, name)
}

// RemoveServer removes a server, killing all processes running on it.
func (h *Host) RemoveServer(name string) error {
	h.Lock()

	if _, ok := h.servers[name]; !ok {
		h.Unlock()
		return fmt.Errorf("%w: %s", process.ErrNoSuchServer, name)
	}

	var hooks []func()
	for pid, p := range h.procs {
		if p.Server == name {
			hooks = append(hooks, h.exit(pid)...)
		}
	}

	delete(h.servers, name)
	for i, n := range h.order {
		if n == name {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}

	h.Unlock()
	runHooks(hooks)

	return nil
}

// AddScript adds a script with the RAM a thread of it needs and the other
// scripts it depends on. Scripts are initially present only on "home".
func (h *Host) AddScript(name string, ram float64, deps ...string) {
	h.Lock()
	defer h.Unlock()

	h.scripts[name] = &script{
		name: name,
		ram:  ram,
		deps: deps,
	}
	if s, ok := h.servers[HomeServer]; ok {
		s.files[name] = struct{}{}
	}
}

// HomeServer is the server scripts are initially present on.
const HomeServer = "home"

// FailExec makes the next n executions on a server fail.
func (h *Host) FailExec(name string, n int) error {
	h.Lock()
	defer h.Unlock()

	s, ok := h.servers[name]
	if !ok {
		return fmt.Errorf("%w: %s", process.ErrNoSuchServer, name)
	}
	s.fail = n

	return nil
}

// FailCopy makes the next n copies to a server fail.
func (h *Host) FailCopy(name string, n int) error {
	h.Lock()
	defer h.Unlock()

	s, ok := h.servers[name]
	if !ok {
		return fmt.Errorf("%w: %s", process.ErrNoSuchServer, name)
	}
	s.failCopy = n

	return nil
}

// Start registers a process started outside of Exec, for instance the
// process the simulation is driven from. It always fits.
func (h *Host) Start(name, server string, ram float64) (int, error) {
	h.Lock()
	defer h.Unlock()

	if _, ok := h.servers[server]; !ok {
		return 0, fmt.Errorf("%w: %s", process.ErrNoSuchServer, server)
	}

	return h.newProc(name, server, 1, ram, nil), nil
}

// Servers implements process.Host.
func (h *Host) Servers() []string {
	h.Lock()
	defer h.Unlock()
	return append([]string(nil), h.order...)
}

// ServerMaxRam implements process.Host.
func (h *Host) ServerMaxRam(name string) (float64, error) {
	h.Lock()
	defer h.Unlock()

	s, ok := h.servers[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", process.ErrNoSuchServer, name)
	}
	return s.maxRam, nil
}

// ServerUsedRam implements process.Host.
func (h *Host) ServerUsedRam(name string) (float64, error) {
	h.Lock()
	defer h.Unlock()

	if _, ok := h.servers[name]; !ok {
		return 0, fmt.Errorf("%w: %s", process.ErrNoSuchServer, name)
	}
	return h.usedRam(name), nil
}

// Cores implements process.Host.
func (h *Host) Cores(name string) (int, error) {
	h.Lock()
	defer h.Unlock()

	s, ok := h.servers[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", process.ErrNoSuchServer, name)
	}
	return s.cores, nil
}

// ScriptRam implements process.Host.
func (h *Host) ScriptRam(name string) (float64, error) {
	h.Lock()
	defer h.Unlock()

	s, ok := h.scripts[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", process.ErrNoSuchScript, name)
	}
	return s.ram, nil
}

// Dependencies implements process.Host.
func (h *Host) Dependencies(name string) ([]string, error) {
	h.Lock()
	defer h.Unlock()

	var (
		seen  = map[string]struct{}{}
		deps  []string
		visit func(string) error
	)

	visit = func(name string) error {
		if _, ok := seen[name]; ok {
			return nil
		}
		seen[name] = struct{}{}

		s, ok := h.scripts[name]
		if !ok {
			return fmt.Errorf("%w: %s", process.ErrNoSuchScript, name)
		}
		deps = append(deps, name)
		for _, d := range s.deps {
			if err := visit(d); err != nil {
				return err
			}
		}
		return nil
	}

	if err := visit(name); err != nil {
		return nil, err
	}

	return deps, nil
}

// Copy implements process.Host.
func (h *Host) Copy(files []string, name string) error {
	h.Lock()
	defer h.Unlock()

	s, ok := h.servers[name]
	if !ok {
		return fmt.Errorf("%w: %s", process.ErrNoSuchServer, name)
	}
	for _, f := range files {
		if _, ok := h.scripts[f]; !ok {
			return fmt.Errorf("%w: %s", process.ErrNoSuchScript, f)
		}
	}
	if s.failCopy > 0 {
		s.failCopy--
		return fmt.Errorf("copy to %s interrupted", name)
	}
	for _, f := range files {
		s.files[f] = struct{}{}
	}

	return nil
}

// Exec implements process.Host.
func (h *Host) Exec(name, server string, threads int, args ...string) (int, error) {
	h.Lock()
	defer h.Unlock()

	s, ok := h.servers[server]
	if !ok {
		return 0, fmt.Errorf("%w: %s", process.ErrNoSuchServer, server)
	}
	if threads < 1 {
		return 0, fmt.Errorf("%w: invalid thread count %d", process.ErrExecFailed, threads)
	}

	scr, ok := h.scripts[name]
	if _, present := s.files[name]; !ok || !present {
		return 0, fmt.Errorf("%w: %s on %s", process.ErrNoSuchScript, name, server)
	}

	if s.fail > 0 {
		s.fail--
		return 0, fmt.Errorf("%w: %s on %s (injected failure)", process.ErrExecFailed,
			name, server)
	}

	ram := scr.ram * float64(threads)
	if used := h.usedRam(server); used+ram > s.maxRam+ramEpsilon {
		return 0, fmt.Errorf("%w: %s on %s needs %.2f GB, %.2f of %.2f GB in use",
			process.ErrNotEnoughRam, name, server, ram, used, s.maxRam)
	}

	pid := h.newProc(name, server, threads, scr.ram, args)
	log.Debug("started %s", h.procs[pid])

	return pid, nil
}

const ramEpsilon = 1e-9

// Kill implements process.Host.
func (h *Host) Kill(pid int) error {
	h.Lock()

	if _, ok := h.procs[pid]; !ok {
		h.Unlock()
		return fmt.Errorf("%w: %d", process.ErrNoSuchProcess, pid)
	}
	hooks := h.exit(pid)

	h.Unlock()
	runHooks(hooks)

	return nil
}

// IsRunning implements process.Host.
func (h *Host) IsRunning(pid int) bool {
	h.Lock()
	defer h.Unlock()
	_, ok := h.procs[pid]
	return ok
}

// Processes implements process.Host.
func (h *Host) Processes(name string) ([]*process.Process, error) {
	h.Lock()
	defer h.Unlock()

	if _, ok := h.servers[name]; !ok {
		return nil, fmt.Errorf("%w: %s", process.ErrNoSuchServer, name)
	}

	var list []*process.Process
	for _, p := range h.procs {
		if p.Server == name {
			cp := p.Process
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].PID < list[j].PID })

	return list, nil
}

// AtExit implements process.Host.
func (h *Host) AtExit(pid int, fn func()) error {
	h.Lock()
	defer h.Unlock()

	p, ok := h.procs[pid]
	if !ok {
		return fmt.Errorf("%w: %d", process.ErrNoSuchProcess, pid)
	}
	p.atExit = append(p.atExit, fn)

	return nil
}

func (h *Host) newProc(name, server string, threads int, ram float64, args []string) int {
	pid := h.nextPID
	h.nextPID++

	h.procs[pid] = &proc{
		Process: process.Process{
			PID:     pid,
			Server:  server,
			Script:  name,
			Threads: threads,
			Args:    append([]string(nil), args...),
			Ram:     ram * float64(threads),
		},
	}

	return pid
}

func (h *Host) usedRam(server string) float64 {
	used := 0.0
	for _, p := range h.procs {
		if p.Server == server {
			used += p.Ram
		}
	}
	return used
}

func (h *Host) exit(pid int) []func() {
	p := h.procs[pid]
	delete(h.procs, pid)
	log.Debug("exited %s", p)
	return p.atExit
}

func runHooks(hooks []func()) {
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}
