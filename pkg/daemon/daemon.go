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

// Package daemon runs the memory and launch services of a host together
// with the HTTP API used to inspect and drive them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	cfgapi "github.com/containers/ramalloc/pkg/apis/config/v1alpha1"
	"github.com/containers/ramalloc/pkg/healthz"
	"github.com/containers/ramalloc/pkg/instrumentation"
	"github.com/containers/ramalloc/pkg/instrumentation/tracing"
	"github.com/containers/ramalloc/pkg/ipc"
	"github.com/containers/ramalloc/pkg/launch"
	logger "github.com/containers/ramalloc/pkg/log"
	"github.com/containers/ramalloc/pkg/memory/client"
	"github.com/containers/ramalloc/pkg/memory/service"
	"github.com/containers/ramalloc/pkg/metrics"
	"github.com/containers/ramalloc/pkg/metrics/collectors"
	"github.com/containers/ramalloc/pkg/port"
	"github.com/containers/ramalloc/pkg/process"
	"github.com/containers/ramalloc/pkg/process/sim"
)

const (
	// ProcessName is the name of the daemon process on its host.
	ProcessName = "ramd"
	// DefaultHomeRam is the RAM of the home server of a simulated host
	// with no configured servers.
	DefaultHomeRam = 32
	// DefaultHomeCores is the number of cores of the same server.
	DefaultHomeCores = 8
)

var (
	log = logger.Get("ramd")
)

// Daemon is a memory and a launch service sharing a host.
type Daemon struct {
	cfg      *cfgapi.RamAllocConfig
	host     process.Host
	pid      int
	ports    *port.Registry
	memory   *service.Service
	launch   *launch.Service
	mem      *client.Client
	launcher *launch.Client
	health   *healthz.Checker
	instr    *instrumentation.Service
}

// NewSimHost creates a simulated host with the configured servers and
// scripts.
func NewSimHost(spec *cfgapi.RamAllocSpec) *sim.Host {
	host := sim.NewHost()

	if len(spec.Hosts) == 0 {
		log.Info("no servers configured, using a %d GB %s", DefaultHomeRam, spec.Memory.SelfServer)
		host.AddServer(spec.Memory.SelfServer, DefaultHomeRam, DefaultHomeCores)
	}
	for _, h := range spec.Hosts {
		host.AddServer(h.Name, h.Ram, h.Cores)
	}
	for _, s := range spec.Scripts {
		host.AddScript(s.Name, s.Ram, s.Dependencies...)
	}

	return host
}

// NewSimulated creates a daemon running on a simulated host.
func NewSimulated(cfg *cfgapi.RamAllocConfig) (*Daemon, error) {
	host := NewSimHost(&cfg.Spec)

	pid, err := host.Start(ProcessName, cfg.Spec.Memory.SelfServer, cfg.Spec.Memory.SelfRam)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", ProcessName, err)
	}

	return New(cfg, host, pid)
}

// New creates a daemon running as process pid on host.
func New(cfg *cfgapi.RamAllocConfig, host process.Host, pid int) (*Daemon, error) {
	var (
		p       = &cfg.Spec.Ports
		ports   = port.NewRegistry(p.Capacity)
		srvOpts = []ipc.ServerOption{
			ipc.WithServerPollPeriod(p.PollPeriod.Duration),
			ipc.WithRespondTimeout(p.RespondTimeout.Duration),
		}
		cliOpts = []ipc.ClientOption{
			ipc.WithPollPeriod(p.PollPeriod.Duration),
		}
	)

	memory, err := service.New(host, pid, ports.Get(p.Memory), ports.Get(p.MemoryResponse),
		&cfg.Spec.Memory, service.WithServerOptions(srvOpts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create memory service: %w", err)
	}

	mem := client.New(pid, ports.Get(p.Memory), ports.Get(p.MemoryResponse), cliOpts...)
	launcher := launch.NewLauncher(host, mem, &cfg.Spec.Launch)

	d := &Daemon{
		cfg:      cfg,
		host:     host,
		pid:      pid,
		ports:    ports,
		memory:   memory,
		launch:   launch.NewService(launcher, ports.Get(p.Launch), ports.Get(p.LaunchResponse), srvOpts...),
		mem:      mem,
		launcher: launch.NewClient(pid, ports.Get(p.Launch), ports.Get(p.LaunchResponse), cliOpts...),
		health:   healthz.NewChecker(),
	}

	registry := metrics.NewRegistry()
	if err := collectors.Register(registry); err != nil {
		return nil, err
	}
	if err := memory.RegisterMetrics(registry); err != nil {
		return nil, err
	}

	if err := d.registerHealthChecks(); err != nil {
		return nil, err
	}

	d.instr = instrumentation.New(&cfg.Spec.Instrumentation, registry)
	d.setupRoutes(d.instr.Router())

	return d, nil
}

func (d *Daemon) registerHealthChecks() error {
	if err := d.health.Register(service.Name, func() (healthz.Status, error) {
		if !d.memory.Running() {
			return healthz.NonFunctional, errors.New("not serving requests")
		}
		return healthz.Healthy, nil
	}); err != nil {
		return err
	}

	return d.health.Register(launch.ServiceName, func() (healthz.Status, error) {
		if !d.launch.Running() {
			return healthz.Degraded, errors.New("not serving requests")
		}
		return healthz.Healthy, nil
	})
}

// Run runs the daemon until ctx is cancelled or one of its services fails.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.instr.Start(tracing.Attribute("pid", d.pid)); err != nil {
		return err
	}
	defer d.instr.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- d.memory.Run(ctx)
	}()
	go func() {
		errCh <- d.launch.Run(ctx)
	}()

	log.Info("%s (pid %d) running, self allocation #%d", ProcessName, d.pid,
		d.memory.SelfAllocationID())

	var errs []error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			log.Error("service failed: %v", err)
			errs = append(errs, err)
			cancel()
		}
	}

	return errors.Join(errs...)
}

// Running returns true if both services are serving requests.
func (d *Daemon) Running() bool {
	return d.memory.Running() && d.launch.Running()
}

// Address returns the address of the HTTP API.
func (d *Daemon) Address() string {
	return d.instr.Address()
}

// Handler returns the HTTP API.
func (d *Daemon) Handler() http.Handler {
	return d.instr.Router()
}

// Host returns the host of the daemon.
func (d *Daemon) Host() process.Host {
	return d.host
}
