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

package libmem

import (
	"fmt"
	"slices"
)

// Allocator keeps track of free RAM in an ordered set of workers.
type Allocator struct {
	workers []*Worker
	byName  map[string]*Worker
	policy  Policy
}

// FreeChunk is the amount of free RAM on a single worker.
type FreeChunk struct {
	Hostname string  `json:"hostname"`
	FreeRam  float64 `json:"freeRam"`
}

// Request represents a request for a number of equally sized chunks.
type Request struct {
	ChunkSize     float64 `json:"chunkSize"`
	NumChunks     int     `json:"numChunks"`
	Contiguous    bool    `json:"contiguous,omitempty"`
	CoreDependent bool    `json:"coreDependent,omitempty"`
	LongRunning   bool    `json:"longRunning,omitempty"`
	Shrinkable    bool    `json:"shrinkable,omitempty"`
}

const (
	// ForeachDone as a return value terminates iteration by a Foreach* function.
	ForeachDone = false
	// ForeachMore as a return value continues iteration by a Foreach* function.
	ForeachMore = !ForeachDone
)

// AllocatorOption is an opaque option for an Allocator.
type AllocatorOption func(*Allocator) error

// WithWorkers is an option to register the given workers with an allocator.
func WithWorkers(workers ...*Worker) AllocatorOption {
	return func(a *Allocator) error {
		for _, w := range workers {
			if err := a.PushWorker(w); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithPolicy is an option to set the placement policy of an allocator.
func WithPolicy(p Policy) AllocatorOption {
	return func(a *Allocator) error {
		if p == nil {
			return fmt.Errorf("nil placement policy")
		}
		a.policy = p
		return nil
	}
}

// NewAllocator creates a new allocator instance and configures it with
// the given options.
func NewAllocator(options ...AllocatorOption) (*Allocator, error) {
	a := &Allocator{
		byName: make(map[string]*Worker),
		policy: DefaultPolicy(),
	}

	for _, o := range options {
		if err := o(a); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	a.DumpConfig()

	return a, nil
}

// PushWorker registers a new worker. Worker hostnames must be unique.
func (a *Allocator) PushWorker(w *Worker) error {
	if _, ok := a.byName[w.hostname]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateWorker, w.hostname)
	}

	a.workers = append(a.workers, w)
	a.byName[w.hostname] = w
	log.Debug("registered %s", w)

	return nil
}

// RemoveWorker unregisters a worker without any allocated RAM.
func (a *Allocator) RemoveWorker(hostname string) error {
	w, ok := a.byName[hostname]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, hostname)
	}
	if w.allocated != 0 {
		return fmt.Errorf("%w: %s", ErrWorkerBusy, w)
	}

	delete(a.byName, hostname)
	a.workers = slices.DeleteFunc(a.workers, func(o *Worker) bool {
		return o == w
	})
	log.Debug("removed %s", w)

	return nil
}

// Worker returns the worker with the given hostname.
func (a *Allocator) Worker(hostname string) (*Worker, bool) {
	w, ok := a.byName[hostname]
	return w, ok
}

// Workers returns all workers in registration order.
func (a *Allocator) Workers() []*Worker {
	return slices.Clone(a.workers)
}

// ForeachWorker calls the given function with each worker in registration
// order. It stops iterating early if the function returns false.
func (a *Allocator) ForeachWorker(fn func(*Worker) bool) {
	for _, w := range a.workers {
		if !fn(w) {
			return
		}
	}
}

// FreeRamTotal returns the sum of free RAM of all workers in GB.
func (a *Allocator) FreeRamTotal() float64 {
	total := 0.0
	for _, c := range a.FreeChunks() {
		total += c.FreeRam
	}
	return total
}

// FreeChunks returns the free RAM of each worker in registration order.
func (a *Allocator) FreeChunks() []FreeChunk {
	chunks := make([]FreeChunk, 0, len(a.workers))
	for _, w := range a.workers {
		chunks = append(chunks, FreeChunk{
			Hostname: w.hostname,
			FreeRam:  w.FreeRam(),
		})
	}
	return chunks
}

// Allocate places the request using the placement policy of the allocator
// and reserves the chosen chunks. Either every chosen chunk is reserved or
// none is.
func (a *Allocator) Allocate(req *Request) ([]HostAllocation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	log.Debug("allocate %s", req)

	plan, err := a.policy.Place(a, req)
	if err != nil {
		return nil, err
	}

	var done []HostAllocation
	for _, p := range plan {
		w, ok := a.byName[p.Hostname]
		if !ok {
			err = fmt.Errorf("%w: placement chose %s", ErrUnknownWorker, p.Hostname)
		} else {
			var ha *HostAllocation
			if ha, err = w.Allocate(p.ChunkSize, p.NumChunks); err == nil {
				done = append(done, *ha)
				continue
			}
		}

		for _, d := range done {
			if ferr := a.byName[d.Hostname].Free(d.ChunkSize, d.NumChunks); ferr != nil {
				log.Error("internal error: failed to roll back %s: %v", d, ferr)
			}
		}
		return nil, err
	}

	return done, nil
}

// Free releases the given allocations. Nothing is released unless every
// allocation can be released.
func (a *Allocator) Free(allocs []HostAllocation) error {
	pending := make(map[string]Fixed)
	for _, h := range allocs {
		w, ok := a.byName[h.Hostname]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownWorker, h.Hostname)
		}
		if h.NumChunks == 0 {
			continue
		}
		size, err := checkChunks(h.ChunkSize, h.NumChunks)
		if err != nil {
			return fmt.Errorf("release of %s: %w", h, err)
		}
		if size > w.allocated-pending[h.Hostname] {
			return fmt.Errorf("%w: %s more released, %s allocated on %s", ErrOverRelease,
				size, w.allocated-pending[h.Hostname], h.Hostname)
		}
		pending[h.Hostname] += size
	}

	for _, h := range allocs {
		if err := a.byName[h.Hostname].Free(h.ChunkSize, h.NumChunks); err != nil {
			return fmt.Errorf("%w: %w", ErrInternalError, err)
		}
	}

	return nil
}

// Validate checks the request for obvious errors.
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if _, err := checkChunks(r.ChunkSize, r.NumChunks); err != nil {
		return err
	}
	return nil
}

// String returns a string representation of the request.
func (r *Request) String() string {
	hints := ""
	for _, h := range []struct {
		set  bool
		name string
	}{
		{r.Contiguous, "contiguous"},
		{r.CoreDependent, "core-dependent"},
		{r.LongRunning, "long-running"},
		{r.Shrinkable, "shrinkable"},
	} {
		if h.set {
			hints += "," + h.name
		}
	}
	if hints != "" {
		hints = " (" + hints[1:] + ")"
	}
	return fmt.Sprintf("request for %d x %.2f GB%s", r.NumChunks, r.ChunkSize, hints)
}
