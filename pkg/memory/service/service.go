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

// Package service implements the memory service, the single owner of the
// RAM bookkeeping of all workers.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"k8s.io/apimachinery/pkg/util/wait"

	cfgapi "github.com/containers/ramalloc/pkg/apis/config/v1alpha1"
	"github.com/containers/ramalloc/pkg/instrumentation/tracing"
	"github.com/containers/ramalloc/pkg/ipc"
	libmem "github.com/containers/ramalloc/pkg/lib/memory"
	logger "github.com/containers/ramalloc/pkg/log"
	"github.com/containers/ramalloc/pkg/memory"
	"github.com/containers/ramalloc/pkg/port"
	"github.com/containers/ramalloc/pkg/process"
)

const (
	// Name is the name of the memory service.
	Name = "memory-service"
	// SelfFilename is the filename the service claims its own RAM with.
	SelfFilename = "ramd"
)

var (
	log = logger.Get(Name)
)

// Service is the memory service.
type Service struct {
	sync.Mutex
	host        process.Host
	pid         int
	cfg         cfgapi.MemoryConfig
	policy      libmem.Policy
	srvOpts     []ipc.ServerOption
	alloc       *libmem.Allocator
	allocations map[int]*allocation
	nextID      int
	selfID      int
	denied      uint64
	server      *ipc.Server
}

// Option is an option for the Service.
type Option func(*Service)

// WithPolicy sets the placement policy of the service.
func WithPolicy(p libmem.Policy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

// WithServerOptions sets options for the message server of the service.
func WithServerOptions(options ...ipc.ServerOption) Option {
	return func(s *Service) {
		s.srvOpts = append(s.srvOpts, options...)
	}
}

// New creates the memory service for process pid. It discovers the workers
// of the host and allocates RAM for the service itself.
func New(host process.Host, pid int, requests, responses port.Port, cfg *cfgapi.MemoryConfig, options ...Option) (*Service, error) {
	s := &Service{
		host:        host,
		pid:         pid,
		cfg:         *cfg,
		policy:      libmem.DefaultPolicy(),
		allocations: make(map[int]*allocation),
		nextID:      1,
	}

	for _, o := range options {
		o(s)
	}

	alloc, err := libmem.NewAllocator(libmem.WithPolicy(s.policy))
	if err != nil {
		return nil, fmt.Errorf("failed to create allocator: %w", err)
	}
	s.alloc = alloc

	if err := s.Refresh(); err != nil {
		return nil, fmt.Errorf("failed to discover workers: %w", err)
	}

	if err := s.registerSelf(); err != nil {
		return nil, err
	}

	s.server = ipc.NewServer(Name, requests, responses, s, s.srvOpts...)
	s.alloc.DumpState("started")

	return s, nil
}

// Run serves requests until ctx is cancelled, refreshing workers
// periodically.
func (s *Service) Run(ctx context.Context) error {
	if period := s.cfg.RefreshPeriod.Duration; period > 0 {
		go wait.UntilWithContext(ctx, func(context.Context) {
			if err := s.Refresh(); err != nil {
				log.Warn("failed to refresh workers: %v", err)
			}
		}, period)
	}

	return s.server.Serve(ctx)
}

// Running returns true if the service is serving requests.
func (s *Service) Running() bool {
	return s.server.Running()
}

// PID returns the ID of the process running the service.
func (s *Service) PID() int {
	return s.pid
}

// SelfAllocationID returns the ID of the allocation of the service itself.
func (s *Service) SelfAllocationID() int {
	return s.selfID
}

func (s *Service) registerSelf() error {
	if s.cfg.SelfRam <= 0 {
		log.Info("no RAM set for the service itself")
		return nil
	}

	w, ok := s.alloc.Worker(s.cfg.SelfServer)
	if !ok {
		return fmt.Errorf("%w: service server %s", libmem.ErrUnknownWorker, s.cfg.SelfServer)
	}

	ha, err := w.Allocate(s.cfg.SelfRam, 1)
	if err != nil {
		return fmt.Errorf("failed to allocate RAM for the service itself: %w", err)
	}

	a := s.newAllocation(s.pid, []memory.HostAllocation{*ha})
	a.addClaim(memory.ClaimRecord{
		Pid:       s.pid,
		Hostname:  ha.Hostname,
		ChunkSize: ha.ChunkSize,
		NumChunks: ha.NumChunks,
		Filename:  SelfFilename,
	})
	s.selfID = a.id

	log.Info("registered own RAM as %s", a)

	return nil
}

// Refresh reconciles the workers with the servers of the host. New servers
// become workers, capacity changes are applied, and the workers of gone
// servers are removed once they have nothing allocated.
func (s *Service) Refresh() error {
	s.Lock()
	defer s.Unlock()

	var (
		errs    []error
		servers = map[string]struct{}{}
	)

	for _, name := range s.host.Servers() {
		maxRam, err := s.host.ServerMaxRam(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cores, err := s.host.Cores(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		servers[name] = struct{}{}
		setAside := s.cfg.SetAside[name]

		w, ok := s.alloc.Worker(name)
		if !ok {
			w = libmem.NewWorker(name, maxRam, setAside, libmem.WithCores(cores))
			if err := s.alloc.PushWorker(w); err != nil {
				errs = append(errs, err)
				continue
			}
			log.Info("discovered %s", w)
			continue
		}

		if libmem.ToFixed(maxRam) != w.Total() {
			log.Info("RAM of %s changed from %.2f to %.2f GB", name, w.TotalRam(), maxRam)
			w.UpdateTotalRam(maxRam)
		}
		if libmem.ToFixed(setAside) != w.SetAside() {
			w.UpdateSetAsideRam(setAside)
		}
		if cores != w.Cores() {
			w.SetCores(cores)
		}
	}

	for _, w := range s.alloc.Workers() {
		if _, ok := servers[w.Hostname()]; ok {
			continue
		}
		if w.Allocated() != 0 {
			log.Warn("server %s is gone, but %.2f GB is still allocated on it",
				w.Hostname(), w.UsedRam())
			continue
		}
		if err := s.alloc.RemoveWorker(w.Hostname()); err != nil {
			errs = append(errs, err)
			continue
		}
		log.Info("removed worker of gone server %s", w.Hostname())
	}

	return errors.Join(errs...)
}

// HandleMessage implements ipc.Handler.
func (s *Service) HandleMessage(ctx context.Context, msg *ipc.Message) (any, error) {
	s.Lock()
	defer s.Unlock()

	switch p := msg.Payload.(type) {
	case *memory.Request:
		return s.request(ctx, p)
	case *memory.Release:
		return s.release(p)
	case *memory.Claim:
		return s.claim(p)
	case *memory.Status:
		return s.status(), nil
	case *memory.GetSnapshot:
		return s.snapshot(), nil
	}

	return nil, fmt.Errorf("%w: unexpected %s payload %T", memory.ErrMalformedRequest,
		msg.Type, msg.Payload)
}

func (s *Service) request(ctx context.Context, req *memory.Request) (any, error) {
	span := tracing.SpanFromContext(ctx)
	span.SetAttributes(
		tracing.Attribute("pid", req.Pid),
		tracing.Attribute("chunk-size", req.ChunkSize),
		tracing.Attribute("num-chunks", req.NumChunks),
	)

	lreq := req.LibmemRequest()
	if err := lreq.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", memory.ErrMalformedRequest, err)
	}

	hosts, err := s.alloc.Allocate(lreq)
	if err != nil {
		if errors.Is(err, libmem.ErrAllocationDenied) {
			s.denied++
			log.Warn("denied %s for pid %d: %v", lreq, req.Pid, err)
			return nil, nil
		}
		return nil, err
	}

	a := s.newAllocation(req.Pid, hosts)
	log.Info("allocated %s", a)

	return &memory.Allocation{
		AllocationID: a.id,
		Hosts:        slices.Clone(a.hosts),
	}, nil
}

func (s *Service) release(rel *memory.Release) (any, error) {
	if rel.NumChunks < 0 || rel.Pid < 0 {
		return nil, fmt.Errorf("%w: release of %d chunks by pid %d", memory.ErrMalformedRequest,
			rel.NumChunks, rel.Pid)
	}

	a, ok := s.allocations[rel.AllocationID]
	if !ok {
		return nil, fmt.Errorf("%w: %w %d", libmem.ErrOverRelease, memory.ErrUnknownAllocation,
			rel.AllocationID)
	}
	if a.id == s.selfID {
		return nil, fmt.Errorf("%w: the service's own allocation #%d cannot be released",
			libmem.ErrInvalidRequest, a.id)
	}

	freed, hosts, claims, err := a.release(rel)
	if err != nil {
		return nil, err
	}
	if err := s.alloc.Free(freed); err != nil {
		return nil, err
	}

	a.hosts, a.claims = hosts, claims
	if len(a.hosts) == 0 {
		delete(s.allocations, a.id)
		log.Info("released allocation #%d", a.id)
	} else {
		log.Info("released %v of %s", freed, a)
	}

	return &memory.Released{
		AllocationID: a.id,
		Released:     freed,
		Remaining:    a.numChunks(),
	}, nil
}

func (s *Service) claim(c *memory.Claim) (any, error) {
	a, ok := s.allocations[c.AllocationID]
	if !ok {
		return nil, fmt.Errorf("%w: %w %d", memory.ErrInvalidClaim, memory.ErrUnknownAllocation,
			c.AllocationID)
	}
	if c.Pid <= 0 {
		return nil, fmt.Errorf("%w: invalid pid %d", memory.ErrMalformedRequest, c.Pid)
	}

	rec, err := a.claim(c)
	if err != nil {
		return nil, err
	}
	a.addClaim(rec)

	log.Debug("pid %d (%s) claimed %d chunks on %s of %s", c.Pid, c.Filename,
		rec.NumChunks, rec.Hostname, a)

	return &rec, nil
}

func (s *Service) status() *memory.StatusReply {
	return &memory.StatusReply{
		FreeRamTotal: s.alloc.FreeRamTotal(),
		FreeChunks:   s.alloc.FreeChunks(),
	}
}

func (s *Service) snapshot() *memory.Snapshot {
	snap := &memory.Snapshot{
		Pid:              s.pid,
		SelfAllocationID: s.selfID,
	}

	for _, w := range s.alloc.Workers() {
		snap.Workers = append(snap.Workers, memory.WorkerState{
			Hostname:     w.Hostname(),
			Cores:        w.Cores(),
			TotalRam:     w.TotalRam(),
			SetAsideRam:  w.SetAsideRam(),
			AllocatedRam: w.UsedRam(),
		})
	}

	for _, a := range s.allocations {
		snap.Allocations = append(snap.Allocations, a.state())
	}
	sort.Slice(snap.Allocations, func(i, j int) bool {
		return snap.Allocations[i].AllocationID < snap.Allocations[j].AllocationID
	})

	return snap
}

// Snapshot returns the current state of the service.
func (s *Service) Snapshot() *memory.Snapshot {
	s.Lock()
	defer s.Unlock()
	return s.snapshot()
}

// Status returns the free RAM of the service.
func (s *Service) Status() *memory.StatusReply {
	s.Lock()
	defer s.Unlock()
	return s.status()
}

func (s *Service) newAllocation(pid int, hosts []memory.HostAllocation) *allocation {
	a := &allocation{
		id:    s.nextID,
		pid:   pid,
		hosts: hosts,
	}
	s.nextID++
	s.allocations[a.id] = a
	return a
}
