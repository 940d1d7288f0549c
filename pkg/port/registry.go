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

package port

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	// MinDynamicNumber is the smallest number NumberFor hands out. Numbers
	// below it are free for static assignment.
	MinDynamicNumber = 1000
	// maxDynamicNumbers is the size of the range NumberFor hands out from.
	maxDynamicNumbers = 1 << 20
)

// NumberFor returns a port number derived deterministically from a name.
func NumberFor(name string) int {
	return MinDynamicNumber + int(xxhash.Sum64String(name)%maxDynamicNumbers)
}

// Registry hands out ports by number, creating them on first use.
type Registry struct {
	sync.Mutex
	capacity int
	ports    map[int]*Buffered
}

// NewRegistry creates a registry for ports with the given capacity.
func NewRegistry(capacity int) *Registry {
	return &Registry{
		capacity: capacity,
		ports:    make(map[int]*Buffered),
	}
}

// Get returns the port with the given number.
func (r *Registry) Get(number int) *Buffered {
	r.Lock()
	defer r.Unlock()

	p, ok := r.ports[number]
	if !ok {
		p = NewBuffered(number, r.capacity)
		r.ports[number] = p
	}
	return p
}

// Numbers returns the numbers of all ports created so far.
func (r *Registry) Numbers() []int {
	r.Lock()
	defer r.Unlock()

	numbers := make([]int, 0, len(r.ports))
	for n := range r.ports {
		numbers = append(numbers, n)
	}
	return numbers
}
