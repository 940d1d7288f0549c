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

// Package memory defines the messages of the memory service.
package memory

import (
	"errors"
	"fmt"

	"github.com/containers/ramalloc/pkg/ipc"
	libmem "github.com/containers/ramalloc/pkg/lib/memory"
)

const (
	RequestType  ipc.MessageType = "request"
	ReleaseType  ipc.MessageType = "release"
	ClaimType    ipc.MessageType = "claim"
	StatusType   ipc.MessageType = "status"
	SnapshotType ipc.MessageType = "snapshot"
)

var (
	// ErrMalformedRequest is returned for requests of invalid shape.
	ErrMalformedRequest = ipc.ErrMalformedMessage
	// ErrUnknownAllocation is returned for an unknown allocation ID.
	ErrUnknownAllocation = errors.New("unknown allocation")
	// ErrInvalidClaim is returned for a claim exceeding an allocation.
	ErrInvalidClaim = errors.New("invalid claim")
)

// HostAllocation is a number of chunks reserved on a single host.
type HostAllocation = libmem.HostAllocation

// FreeChunk is the free RAM on a single host.
type FreeChunk = libmem.FreeChunk

// Request asks for an allocation of NumChunks chunks of ChunkSize GB.
type Request struct {
	Pid           int     `json:"pid"`
	ChunkSize     float64 `json:"chunkSize"`
	NumChunks     int     `json:"numChunks"`
	Contiguous    bool    `json:"contiguous,omitempty"`
	CoreDependent bool    `json:"coreDependent,omitempty"`
	LongRunning   bool    `json:"longRunning,omitempty"`
	Shrinkable    bool    `json:"shrinkable,omitempty"`
}

// Allocation is the reply to a Request.
type Allocation struct {
	AllocationID int              `json:"allocationId"`
	Hosts        []HostAllocation `json:"hosts"`
}

// Release returns the RAM of an allocation.
//
// Without Hostname or Pid the whole allocation is released. With Hostname
// and Pid the claim of that process is released. With Hostname and
// NumChunks that many unclaimed chunks are released on the host, with
// Hostname alone everything on the host. With Pid alone all claims of
// that process are released.
type Release struct {
	AllocationID int    `json:"allocationId"`
	Hostname     string `json:"hostname,omitempty"`
	Pid          int    `json:"pid,omitempty"`
	NumChunks    int    `json:"numChunks,omitempty"`
}

// Released is the reply to a Release.
type Released struct {
	AllocationID int              `json:"allocationId"`
	Released     []HostAllocation `json:"released"`
	Remaining    int              `json:"remaining"`
}

// Claim records that process Pid running Filename took ownership of
// NumChunks chunks of an allocation on Hostname. Zero NumChunks claims
// all unclaimed chunks on the host.
type Claim struct {
	AllocationID int    `json:"allocationId"`
	Pid          int    `json:"pid"`
	Hostname     string `json:"hostname"`
	Filename     string `json:"filename"`
	NumChunks    int    `json:"numChunks,omitempty"`
}

// ClaimRecord is a recorded claim, the reply to a Claim.
type ClaimRecord struct {
	Pid       int     `json:"pid"`
	Hostname  string  `json:"hostname"`
	ChunkSize float64 `json:"chunkSize"`
	NumChunks int     `json:"numChunks"`
	Filename  string  `json:"filename"`
}

// Status asks for the free RAM of the service.
type Status struct{}

// StatusReply is the reply to a Status.
type StatusReply struct {
	FreeRamTotal float64     `json:"freeRamTotal"`
	FreeChunks   []FreeChunk `json:"freeChunks"`
}

// GetSnapshot asks for the full state of the service.
type GetSnapshot struct{}

// Snapshot is the full state of the service, the reply to GetSnapshot.
type Snapshot struct {
	Pid              int               `json:"pid"`
	SelfAllocationID int               `json:"selfAllocationId"`
	Workers          []WorkerState     `json:"workers"`
	Allocations      []AllocationState `json:"allocations"`
}

// WorkerState is the state of a single worker.
type WorkerState struct {
	Hostname     string  `json:"hostname"`
	Cores        int     `json:"cores"`
	TotalRam     float64 `json:"totalRam"`
	SetAsideRam  float64 `json:"setAsideRam"`
	AllocatedRam float64 `json:"allocatedRam"`
}

// AllocationState is the state of a single allocation.
type AllocationState struct {
	AllocationID int              `json:"allocationId"`
	Pid          int              `json:"pid"`
	Hosts        []HostAllocation `json:"hosts"`
	Claims       []ClaimRecord    `json:"claims,omitempty"`
}

func (*Request) MessageType() ipc.MessageType     { return RequestType }
func (*Release) MessageType() ipc.MessageType     { return ReleaseType }
func (*Claim) MessageType() ipc.MessageType       { return ClaimType }
func (*Status) MessageType() ipc.MessageType      { return StatusType }
func (*GetSnapshot) MessageType() ipc.MessageType { return SnapshotType }

// NewDecoder returns a decoder for memory service messages.
func NewDecoder() *ipc.Decoder {
	return ipc.NewDecoder(
		func() ipc.Payload { return &Request{} },
		func() ipc.Payload { return &Release{} },
		func() ipc.Payload { return &Claim{} },
		func() ipc.Payload { return &Status{} },
		func() ipc.Payload { return &GetSnapshot{} },
	)
}

// LibmemRequest converts the request for an allocator.
func (r *Request) LibmemRequest() *libmem.Request {
	return &libmem.Request{
		ChunkSize:     r.ChunkSize,
		NumChunks:     r.NumChunks,
		Contiguous:    r.Contiguous,
		CoreDependent: r.CoreDependent,
		LongRunning:   r.LongRunning,
		Shrinkable:    r.Shrinkable,
	}
}

// Ram returns the total RAM of the allocation in GB.
func (a *Allocation) Ram() float64 {
	ram := 0.0
	for _, h := range a.Hosts {
		ram += h.Ram()
	}
	return ram
}

// NumChunks returns the total number of chunks in the allocation.
func (a *Allocation) NumChunks() int {
	n := 0
	for _, h := range a.Hosts {
		n += h.NumChunks
	}
	return n
}

func (a *Allocation) String() string {
	return fmt.Sprintf("allocation #%d %v", a.AllocationID, a.Hosts)
}

// Ram returns the RAM of the claim in GB.
func (c *ClaimRecord) Ram() float64 {
	return chunks(c.ChunkSize, c.NumChunks).GB()
}

// Reserved returns the RAM the allocation reserves per host.
func (a *AllocationState) Reserved() map[string]libmem.Fixed {
	reserved := make(map[string]libmem.Fixed)
	for _, h := range a.Hosts {
		reserved[h.Hostname] += chunks(h.ChunkSize, h.NumChunks)
	}
	return reserved
}

// Claimed returns the RAM claimed from the allocation per host.
func (a *AllocationState) Claimed() map[string]libmem.Fixed {
	claimed := make(map[string]libmem.Fixed)
	for _, c := range a.Claims {
		claimed[c.Hostname] += chunks(c.ChunkSize, c.NumChunks)
	}
	return claimed
}

func chunks(chunkSize float64, numChunks int) libmem.Fixed {
	return libmem.ToFixed(chunkSize) * libmem.Fixed(numChunks)
}

// Worker returns the state of the named worker.
func (s *Snapshot) Worker(hostname string) (*WorkerState, bool) {
	for i := range s.Workers {
		if s.Workers[i].Hostname == hostname {
			return &s.Workers[i], true
		}
	}
	return nil, false
}
