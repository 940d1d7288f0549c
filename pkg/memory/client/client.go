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

// Package client implements clients of the memory service.
package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/containers/ramalloc/pkg/ipc"
	libmem "github.com/containers/ramalloc/pkg/lib/memory"
	logger "github.com/containers/ramalloc/pkg/log"
	"github.com/containers/ramalloc/pkg/memory"
	"github.com/containers/ramalloc/pkg/port"
	"github.com/containers/ramalloc/pkg/process"
)

var (
	log = logger.Get("memory-client")
)

// Client talks to the memory service on behalf of a process.
type Client struct {
	*ipc.Client
}

// New creates a memory client for process pid.
func New(pid int, requests, responses port.Port, options ...ipc.ClientOption) *Client {
	options = append([]ipc.ClientOption{ipc.WithLogger(log)}, options...)
	return &Client{
		Client: ipc.NewClient(pid, requests, responses, options...),
	}
}

// RequestAllocation requests RAM from the memory service. A denied request
// returns an error wrapping libmem.ErrAllocationDenied.
func (c *Client) RequestAllocation(ctx context.Context, req *memory.Request) (*Allocation, error) {
	if req.Pid == 0 {
		req.Pid = c.PID()
	}

	rpl, err := c.SendMessageReceiveResponse(ctx, req)
	if err != nil {
		return nil, err
	}
	if rpl == nil {
		log.Warn("pid %d: request for %d x %.2f GB denied", req.Pid, req.NumChunks, req.ChunkSize)
		return nil, fmt.Errorf("%w: %d x %.2f GB", libmem.ErrAllocationDenied,
			req.NumChunks, req.ChunkSize)
	}

	a, ok := rpl.(*memory.Allocation)
	if !ok {
		return nil, unexpected(memory.RequestType, rpl)
	}

	return &Allocation{
		Allocation: a,
		c:          c,
	}, nil
}

// Release releases a whole allocation.
func (c *Client) Release(ctx context.Context, id int) (*memory.Released, error) {
	return c.ReleaseRequest(ctx, &memory.Release{AllocationID: id})
}

// ReleaseChunks releases numChunks unclaimed chunks of an allocation on a
// host. Zero numChunks releases everything on the host.
func (c *Client) ReleaseChunks(ctx context.Context, id int, hostname string, numChunks int) (*memory.Released, error) {
	return c.ReleaseRequest(ctx, &memory.Release{
		AllocationID: id,
		Hostname:     hostname,
		NumChunks:    numChunks,
	})
}

// ReleaseClaim releases the claim of a process on a host.
func (c *Client) ReleaseClaim(ctx context.Context, id int, hostname string, pid int) (*memory.Released, error) {
	return c.ReleaseRequest(ctx, &memory.Release{
		AllocationID: id,
		Hostname:     hostname,
		Pid:          pid,
	})
}

// ReleaseRequest sends a release as is.
func (c *Client) ReleaseRequest(ctx context.Context, rel *memory.Release) (*memory.Released, error) {
	rpl, err := c.SendMessageReceiveResponse(ctx, rel)
	if err != nil {
		return nil, err
	}
	if rpl == nil {
		return nil, fmt.Errorf("release of allocation #%d failed: %w", rel.AllocationID,
			ipc.ErrRequestFailed)
	}

	released, ok := rpl.(*memory.Released)
	if !ok {
		return nil, unexpected(memory.ReleaseType, rpl)
	}

	return released, nil
}

// releaseNoWait sends a release without waiting for its response.
func (c *Client) releaseNoWait(rel *memory.Release) {
	if c.TrySendMessage(rel) {
		return
	}
	go func() {
		if err := c.SendMessage(context.Background(), rel); err != nil {
			log.Error("failed to release allocation #%d: %v", rel.AllocationID, err)
		}
	}()
}

// Claim records that process pid took ownership of numChunks chunks of an
// allocation on a host. Zero numChunks claims all unclaimed chunks there.
func (c *Client) Claim(ctx context.Context, id, pid int, hostname, filename string, numChunks int) (*memory.ClaimRecord, error) {
	rpl, err := c.SendMessageReceiveResponse(ctx, &memory.Claim{
		AllocationID: id,
		Pid:          pid,
		Hostname:     hostname,
		Filename:     filename,
		NumChunks:    numChunks,
	})
	if err != nil {
		return nil, err
	}
	if rpl == nil {
		return nil, fmt.Errorf("claim of allocation #%d by pid %d failed: %w", id, pid,
			ipc.ErrRequestFailed)
	}

	rec, ok := rpl.(*memory.ClaimRecord)
	if !ok {
		return nil, unexpected(memory.ClaimType, rpl)
	}

	return rec, nil
}

// ReleaseClaimAtExit releases the claim of process pid on a host once the
// process exits.
func (c *Client) ReleaseClaimAtExit(host process.Host, id int, hostname string, pid int) error {
	return host.AtExit(pid, func() {
		c.releaseNoWait(&memory.Release{
			AllocationID: id,
			Hostname:     hostname,
			Pid:          pid,
		})
	})
}

// ReleaseChunksAtExit releases numChunks unclaimed chunks of an allocation
// on a host once process pid exits.
func (c *Client) ReleaseChunksAtExit(host process.Host, id int, hostname string, pid, numChunks int) error {
	return host.AtExit(pid, func() {
		c.releaseNoWait(&memory.Release{
			AllocationID: id,
			Hostname:     hostname,
			NumChunks:    numChunks,
		})
	})
}

// Status returns the free RAM of the memory service.
func (c *Client) Status(ctx context.Context) (*memory.StatusReply, error) {
	rpl, err := c.SendMessageReceiveResponse(ctx, &memory.Status{})
	if err != nil {
		return nil, err
	}

	status, ok := rpl.(*memory.StatusReply)
	if !ok {
		return nil, unexpected(memory.StatusType, rpl)
	}

	return status, nil
}

// Snapshot returns the full state of the memory service.
func (c *Client) Snapshot(ctx context.Context) (*memory.Snapshot, error) {
	rpl, err := c.SendMessageReceiveResponse(ctx, &memory.GetSnapshot{})
	if err != nil {
		return nil, err
	}

	snap, ok := rpl.(*memory.Snapshot)
	if !ok {
		return nil, unexpected(memory.SnapshotType, rpl)
	}

	return snap, nil
}

func unexpected(t ipc.MessageType, rpl any) error {
	return fmt.Errorf("%w: %T for %s", ipc.ErrUnexpectedResponse, rpl, t)
}

// Allocation is an allocation granted to a client.
type Allocation struct {
	*memory.Allocation
	c        *Client
	lock     sync.Mutex
	released bool
}

// Release releases the whole allocation. Releasing it again is an error.
func (a *Allocation) Release(ctx context.Context) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.released {
		return fmt.Errorf("%w: allocation #%d already released", libmem.ErrOverRelease,
			a.AllocationID)
	}

	if _, err := a.c.Release(ctx, a.AllocationID); err != nil {
		return err
	}
	a.released = true

	return nil
}

// ReleaseChunks releases numChunks unclaimed chunks on a host. Zero
// numChunks releases everything on the host.
func (a *Allocation) ReleaseChunks(ctx context.Context, hostname string, numChunks int) error {
	rel, err := a.c.ReleaseChunks(ctx, a.AllocationID, hostname, numChunks)
	if err != nil {
		return err
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	if rel.Remaining == 0 {
		a.released = true
	}

	return nil
}

// ReleaseAtExit releases the allocation once process pid exits.
func (a *Allocation) ReleaseAtExit(host process.Host, pid int) error {
	return host.AtExit(pid, func() {
		a.lock.Lock()
		defer a.lock.Unlock()

		if a.released {
			return
		}
		a.released = true
		a.c.releaseNoWait(&memory.Release{AllocationID: a.AllocationID})
	})
}

// Released returns true if the allocation has been released.
func (a *Allocation) Released() bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.released
}
