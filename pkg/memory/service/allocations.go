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

package service

import (
	"fmt"
	"slices"

	libmem "github.com/containers/ramalloc/pkg/lib/memory"
	"github.com/containers/ramalloc/pkg/memory"
)

// allocation is the bookkeeping of a single allocation.
type allocation struct {
	id     int
	pid    int
	hosts  []memory.HostAllocation
	claims []memory.ClaimRecord
}

func (a *allocation) String() string {
	return fmt.Sprintf("allocation #%d (pid %d) %v", a.id, a.pid, a.hosts)
}

func (a *allocation) host(hostname string) (memory.HostAllocation, bool) {
	for _, h := range a.hosts {
		if h.Hostname == hostname {
			return h, true
		}
	}
	return memory.HostAllocation{}, false
}

func (a *allocation) claimed(hostname string) int {
	n := 0
	for _, c := range a.claims {
		if c.Hostname == hostname {
			n += c.NumChunks
		}
	}
	return n
}

func (a *allocation) numChunks() int {
	n := 0
	for _, h := range a.hosts {
		n += h.NumChunks
	}
	return n
}

// release computes what a release frees and what remains of the allocation
// afterwards, without changing the allocation.
func (a *allocation) release(rel *memory.Release) (freed []memory.HostAllocation, hosts []memory.HostAllocation, claims []memory.ClaimRecord, err error) {
	var (
		free   = map[string]int{}
		remove = map[int]struct{}{}
	)

	claims = slices.Clone(a.claims)

	switch {
	case rel.Hostname == "" && rel.Pid == 0:
		for _, h := range a.hosts {
			free[h.Hostname] += h.NumChunks
		}
		claims = nil

	case rel.Hostname == "":
		for i, c := range claims {
			if c.Pid == rel.Pid {
				free[c.Hostname] += c.NumChunks
				remove[i] = struct{}{}
			}
		}
		if len(remove) == 0 {
			return nil, nil, nil, fmt.Errorf("%w: no claims by pid %d in %s", libmem.ErrOverRelease,
				rel.Pid, a)
		}

	default:
		h, ok := a.host(rel.Hostname)
		if !ok {
			return nil, nil, nil, fmt.Errorf("%w: nothing allocated on %s in %s",
				libmem.ErrOverRelease, rel.Hostname, a)
		}

		switch {
		case rel.Pid != 0:
			idx := slices.IndexFunc(claims, func(c memory.ClaimRecord) bool {
				return c.Pid == rel.Pid && c.Hostname == rel.Hostname
			})
			if idx < 0 {
				return nil, nil, nil, fmt.Errorf("%w: no claim by pid %d on %s in %s",
					libmem.ErrOverRelease, rel.Pid, rel.Hostname, a)
			}
			n := claims[idx].NumChunks
			if rel.NumChunks > 0 {
				if rel.NumChunks > n {
					return nil, nil, nil, fmt.Errorf("%w: %d chunks released, %d claimed by pid %d on %s",
						libmem.ErrOverRelease, rel.NumChunks, n, rel.Pid, rel.Hostname)
				}
				n = rel.NumChunks
			}
			free[rel.Hostname] = n
			if n == claims[idx].NumChunks {
				remove[idx] = struct{}{}
			} else {
				claims[idx].NumChunks -= n
			}

		case rel.NumChunks > 0:
			unclaimed := h.NumChunks - a.claimed(rel.Hostname)
			if rel.NumChunks > unclaimed {
				return nil, nil, nil, fmt.Errorf("%w: %d chunks released, %d unclaimed on %s in %s",
					libmem.ErrOverRelease, rel.NumChunks, unclaimed, rel.Hostname, a)
			}
			free[rel.Hostname] = rel.NumChunks

		default:
			free[rel.Hostname] = h.NumChunks
			for i, c := range claims {
				if c.Hostname == rel.Hostname {
					remove[i] = struct{}{}
				}
			}
		}
	}

	if len(remove) > 0 {
		kept := claims[:0]
		for i, c := range claims {
			if _, ok := remove[i]; !ok {
				kept = append(kept, c)
			}
		}
		claims = kept
	}

	for _, h := range a.hosts {
		n := free[h.Hostname]
		if n > 0 {
			freed = append(freed, memory.HostAllocation{
				Hostname:  h.Hostname,
				ChunkSize: h.ChunkSize,
				NumChunks: n,
			})
		}
		if left := h.NumChunks - n; left > 0 {
			h.NumChunks = left
			hosts = append(hosts, h)
		}
	}

	return freed, hosts, claims, nil
}

// claim computes the record for a claim, without changing the allocation.
func (a *allocation) claim(c *memory.Claim) (memory.ClaimRecord, error) {
	h, ok := a.host(c.Hostname)
	if !ok {
		return memory.ClaimRecord{}, fmt.Errorf("%w: nothing allocated on %s in %s",
			memory.ErrInvalidClaim, c.Hostname, a)
	}

	unclaimed := h.NumChunks - a.claimed(c.Hostname)
	n := c.NumChunks
	if n == 0 {
		n = unclaimed
	}

	if n <= 0 || n > unclaimed {
		return memory.ClaimRecord{}, fmt.Errorf("%w: %d chunks claimed by pid %d, %d unclaimed on %s in %s",
			memory.ErrInvalidClaim, n, c.Pid, unclaimed, c.Hostname, a)
	}

	return memory.ClaimRecord{
		Pid:       c.Pid,
		Hostname:  c.Hostname,
		ChunkSize: h.ChunkSize,
		NumChunks: n,
		Filename:  c.Filename,
	}, nil
}

func (a *allocation) addClaim(rec memory.ClaimRecord) {
	for i, c := range a.claims {
		if c.Pid == rec.Pid && c.Hostname == rec.Hostname {
			a.claims[i].NumChunks += rec.NumChunks
			return
		}
	}
	a.claims = append(a.claims, rec)
}

func (a *allocation) state() memory.AllocationState {
	return memory.AllocationState{
		AllocationID: a.id,
		Pid:          a.pid,
		Hosts:        slices.Clone(a.hosts),
		Claims:       slices.Clone(a.claims),
	}
}
