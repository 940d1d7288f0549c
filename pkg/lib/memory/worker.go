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
)

// Worker tracks the RAM of a single host.
type Worker struct {
	hostname  string
	cores     int
	total     Fixed
	setAside  Fixed
	allocated Fixed
}

// HostAllocation describes a number of equally sized chunks of RAM
// reserved on a single worker.
type HostAllocation struct {
	Hostname  string  `json:"hostname"`
	ChunkSize float64 `json:"chunkSize"`
	NumChunks int     `json:"numChunks"`
}

// WorkerOption is an opaque option for a Worker.
type WorkerOption func(*Worker)

// WithCores is an option to set the number of CPU cores of a worker.
func WithCores(cores int) WorkerOption {
	return func(w *Worker) {
		if cores > 0 {
			w.cores = cores
		}
	}
}

// NewWorker creates a new worker with the given total and set aside RAM.
func NewWorker(hostname string, totalRam, setAsideRam float64, options ...WorkerOption) *Worker {
	w := &Worker{
		hostname: hostname,
		cores:    1,
		total:    ToFixed(totalRam),
		setAside: ToFixed(setAsideRam),
	}

	for _, o := range options {
		o(w)
	}

	return w
}

// Hostname returns the name of the host for the worker.
func (w *Worker) Hostname() string {
	return w.hostname
}

// Cores returns the number of CPU cores of the worker.
func (w *Worker) Cores() int {
	return w.cores
}

// SetCores updates the number of CPU cores of the worker.
func (w *Worker) SetCores(cores int) {
	if cores > 0 {
		w.cores = cores
	}
}

// TotalRam returns the total RAM of the worker in GB.
func (w *Worker) TotalRam() float64 {
	return w.total.GB()
}

// SetAsideRam returns the amount of RAM set aside on the worker in GB.
func (w *Worker) SetAsideRam() float64 {
	return w.setAside.GB()
}

// UsedRam returns the amount of allocated RAM on the worker in GB.
func (w *Worker) UsedRam() float64 {
	return w.allocated.GB()
}

// FreeRam returns the amount of RAM available for allocation in GB. It
// is negative if the worker has shrunk below its current allocations.
func (w *Worker) FreeRam() float64 {
	return w.free().GB()
}

// Total returns the total RAM of the worker.
func (w *Worker) Total() Fixed {
	return w.total
}

// SetAside returns the set aside RAM of the worker.
func (w *Worker) SetAside() Fixed {
	return w.setAside
}

// Allocated returns the allocated RAM of the worker.
func (w *Worker) Allocated() Fixed {
	return w.allocated
}

// Available returns the free RAM of the worker.
func (w *Worker) Available() Fixed {
	return w.free()
}

// UpdateTotalRam replaces the total RAM of the worker.
func (w *Worker) UpdateTotalRam(ram float64) {
	w.total = ToFixed(ram)
	if w.free() < 0 {
		log.Warn("worker %s now overcommitted by %s", w.hostname, -w.free())
	}
}

// UpdateSetAsideRam replaces the set aside RAM of the worker.
func (w *Worker) UpdateSetAsideRam(ram float64) {
	w.setAside = ToFixed(ram)
	if w.free() < 0 {
		log.Warn("worker %s now overcommitted by %s", w.hostname, -w.free())
	}
}

// Allocate reserves numChunks chunks of chunkSize GB on the worker. The
// allocation is all or nothing: if there is not enough free RAM for all
// chunks, nothing is allocated and ErrAllocationDenied is returned.
func (w *Worker) Allocate(chunkSize float64, numChunks int) (*HostAllocation, error) {
	size, err := checkChunks(chunkSize, numChunks)
	if err != nil {
		return nil, err
	}

	if size > w.free() {
		return nil, fmt.Errorf("%w: %s requested, %s free on %s", ErrAllocationDenied,
			size, w.free(), w.hostname)
	}

	w.allocated += size
	details.Debug("%s: allocated %d x %.2f GB, %s", w.hostname, numChunks, chunkSize, w)

	return &HostAllocation{
		Hostname:  w.hostname,
		ChunkSize: chunkSize,
		NumChunks: numChunks,
	}, nil
}

// Free releases numChunks chunks of chunkSize GB on the worker. Releasing
// more than what is currently allocated fails with ErrOverRelease and
// leaves the worker unchanged.
func (w *Worker) Free(chunkSize float64, numChunks int) error {
	if numChunks == 0 {
		return nil
	}

	size, err := checkChunks(chunkSize, numChunks)
	if err != nil {
		return err
	}

	if size > w.allocated {
		return fmt.Errorf("%w: %s released, %s allocated on %s", ErrOverRelease,
			size, w.allocated, w.hostname)
	}

	w.allocated -= size
	details.Debug("%s: freed %d x %.2f GB, %s", w.hostname, numChunks, chunkSize, w)

	return nil
}

// String returns a string representation of the worker.
func (w *Worker) String() string {
	return fmt.Sprintf("worker %s (total %s, set aside %s, allocated %s, free %s)",
		w.hostname, w.total, w.setAside, w.allocated, w.free())
}

func (w *Worker) free() Fixed {
	return w.total - w.allocated - w.setAside
}

// Ram returns the total amount of RAM in GB taken by the allocation.
func (h HostAllocation) Ram() float64 {
	return chunkTotal(h.ChunkSize, h.NumChunks).GB()
}

// String returns a string representation of the allocation.
func (h HostAllocation) String() string {
	return fmt.Sprintf("%s:%dx%.2fGB", h.Hostname, h.NumChunks, h.ChunkSize)
}
