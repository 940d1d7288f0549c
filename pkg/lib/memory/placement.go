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
	"cmp"
	"fmt"
	"slices"
)

// Policy decides which workers are used to satisfy a request. Place only
// computes a plan, it must not alter the state of any worker. The plan
// must never exceed the free RAM of any worker, and it must cover all the
// requested chunks unless the request is shrinkable.
type Policy interface {
	Place(a *Allocator, req *Request) ([]HostAllocation, error)
}

// PolicyFunc is a function implementing Policy.
type PolicyFunc func(a *Allocator, req *Request) ([]HostAllocation, error)

// Place implements Policy.
func (fn PolicyFunc) Place(a *Allocator, req *Request) ([]HostAllocation, error) {
	return fn(a, req)
}

type defaultPolicy struct{}

// DefaultPolicy returns the default placement policy.
//
// Contiguous requests are placed on a single worker, the one with the
// least free RAM that can still hold the whole request. Other requests
// are spread over workers in an order picked by the request hints:
//   - core dependent: workers with most cores first
//   - long running: workers with least free RAM first, packing them tightly
//   - otherwise: workers with most free RAM first, using as few as possible
//
// Ties are broken by worker registration order. Shrinkable requests are
// satisfied with as many chunks as fit, as long as that is at least one.
func DefaultPolicy() Policy {
	return &defaultPolicy{}
}

func (*defaultPolicy) Place(a *Allocator, req *Request) ([]HostAllocation, error) {
	var (
		chunk      = ToFixed(req.ChunkSize)
		need       = chunk * Fixed(req.NumChunks)
		candidates []*Worker
	)

	a.ForeachWorker(func(w *Worker) bool {
		if w.free() >= chunk {
			candidates = append(candidates, w)
		}
		return ForeachMore
	})

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no worker with %s free for %s", ErrAllocationDenied,
			chunk, req)
	}

	if req.Contiguous {
		return placeContiguous(candidates, req, chunk, need)
	}

	slices.SortStableFunc(candidates, workerOrder(req))

	var (
		plan      []HostAllocation
		remaining = req.NumChunks
	)

	for _, w := range candidates {
		if remaining == 0 {
			break
		}
		n := min(remaining, int(w.free()/chunk))
		plan = append(plan, HostAllocation{
			Hostname:  w.hostname,
			ChunkSize: req.ChunkSize,
			NumChunks: n,
		})
		remaining -= n
	}

	if remaining > 0 && !req.Shrinkable {
		return nil, fmt.Errorf("%w: %d of %d chunks unplaceable for %s", ErrAllocationDenied,
			remaining, req.NumChunks, req)
	}

	return plan, nil
}

func placeContiguous(candidates []*Worker, req *Request, chunk, need Fixed) ([]HostAllocation, error) {
	var best *Worker
	for _, w := range candidates {
		if w.free() < need {
			continue
		}
		if best == nil || w.free() < best.free() {
			best = w
		}
	}

	if best != nil {
		return []HostAllocation{{
			Hostname:  best.hostname,
			ChunkSize: req.ChunkSize,
			NumChunks: req.NumChunks,
		}}, nil
	}

	if !req.Shrinkable {
		return nil, fmt.Errorf("%w: no worker with %s free for %s", ErrAllocationDenied,
			need, req)
	}

	for _, w := range candidates {
		if best == nil || w.free() > best.free() {
			best = w
		}
	}

	return []HostAllocation{{
		Hostname:  best.hostname,
		ChunkSize: req.ChunkSize,
		NumChunks: int(best.free() / chunk),
	}}, nil
}

func workerOrder(req *Request) func(w1, w2 *Worker) int {
	switch {
	case req.CoreDependent:
		return func(w1, w2 *Worker) int {
			if diff := cmp.Compare(w2.cores, w1.cores); diff != 0 {
				return diff
			}
			return cmp.Compare(w2.free(), w1.free())
		}
	case req.LongRunning:
		return func(w1, w2 *Worker) int {
			return cmp.Compare(w1.free(), w2.free())
		}
	default:
		return func(w1, w2 *Worker) int {
			return cmp.Compare(w2.free(), w1.free())
		}
	}
}
