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

// Package port provides ports, bounded FIFO message queues used for all
// communication between services and their clients.
package port

import (
	"sync"

	"github.com/golang-collections/collections/queue"
)

// Port is a bounded FIFO message queue. All operations are atomic.
type Port interface {
	// Number returns the number identifying the port.
	Number() int
	// TryWrite enqueues msg unless the port is full.
	TryWrite(msg any) bool
	// Read dequeues the oldest message, or returns Empty if the port is empty.
	Read() any
	// Peek returns the oldest message without dequeuing it, or Empty.
	Peek() any
	// Take dequeues the oldest message for which match returns true. The
	// order of the remaining messages is preserved.
	Take(match func(any) bool) (any, bool)
	// NextWrite returns a channel which is closed by the next write.
	NextWrite() <-chan struct{}
	// IsEmpty returns true if the port has no messages.
	IsEmpty() bool
	// IsFull returns true if the port cannot take any more messages.
	IsFull() bool
	// Len returns the number of queued messages.
	Len() int
	// Clear drops all queued messages.
	Clear()
}

type emptyPort struct{}

func (emptyPort) String() string {
	return "NULL PORT DATA"
}

// Empty is returned when reading or peeking at an empty port.
var Empty any = emptyPort{}

const (
	// DefaultCapacity is the default number of messages a port can hold.
	DefaultCapacity = 50
)

// Buffered is an in-process Port.
type Buffered struct {
	sync.Mutex
	number   int
	capacity int
	q        *queue.Queue
	notify   chan struct{}
}

var _ Port = &Buffered{}

// NewBuffered creates a new port with the given number and capacity.
func NewBuffered(number, capacity int) *Buffered {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffered{
		number:   number,
		capacity: capacity,
		q:        queue.New(),
		notify:   make(chan struct{}),
	}
}

// Number implements Port.
func (p *Buffered) Number() int {
	return p.number
}

// Capacity returns the maximum number of messages the port can hold.
func (p *Buffered) Capacity() int {
	return p.capacity
}

// TryWrite implements Port.
func (p *Buffered) TryWrite(msg any) bool {
	p.Lock()
	defer p.Unlock()

	if p.q.Len() >= p.capacity {
		return false
	}

	p.q.Enqueue(msg)
	close(p.notify)
	p.notify = make(chan struct{})

	return true
}

// Read implements Port.
func (p *Buffered) Read() any {
	p.Lock()
	defer p.Unlock()

	if p.q.Len() == 0 {
		return Empty
	}
	return p.q.Dequeue()
}

// Peek implements Port.
func (p *Buffered) Peek() any {
	p.Lock()
	defer p.Unlock()

	if p.q.Len() == 0 {
		return Empty
	}
	return p.q.Peek()
}

// Take implements Port.
func (p *Buffered) Take(match func(any) bool) (any, bool) {
	p.Lock()
	defer p.Unlock()

	var (
		taken any
		found bool
	)

	for n := p.q.Len(); n > 0; n-- {
		msg := p.q.Dequeue()
		if !found && match(msg) {
			taken, found = msg, true
			continue
		}
		p.q.Enqueue(msg)
	}

	return taken, found
}

// NextWrite implements Port.
func (p *Buffered) NextWrite() <-chan struct{} {
	p.Lock()
	defer p.Unlock()
	return p.notify
}

// IsEmpty implements Port.
func (p *Buffered) IsEmpty() bool {
	return p.Len() == 0
}

// IsFull implements Port.
func (p *Buffered) IsFull() bool {
	return p.Len() >= p.capacity
}

// Len implements Port.
func (p *Buffered) Len() int {
	p.Lock()
	defer p.Unlock()
	return p.q.Len()
}

// Clear implements Port.
func (p *Buffered) Clear() {
	p.Lock()
	defer p.Unlock()
	p.q = queue.New()
}
