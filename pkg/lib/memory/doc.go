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

// Package libmem implements RAM accounting for a pool of worker hosts.
// The primary interface to libmem is the Allocator type.
//
// # Workers
//
// A Worker is a single host with a fixed total amount of RAM. Part of
// that RAM can be set aside, in which case it is never handed out. The
// rest is available for allocation. Allocation happens in chunks: a
// request asks for a number of equally sized chunks and is either fully
// satisfied on the worker or rejected. Releasing more than is currently
// allocated on a worker is rejected with ErrOverRelease and leaves the
// worker untouched.
//
// # Fixed Point Accounting
//
// RAM amounts are given and reported in (fractional) GB, but workers keep
// their counters as Fixed, an integer number of hundredths of a GB. This
// keeps the counters exact over an arbitrarily long sequence of allocate
// and free operations.
//
// # Allocator, Placement
//
// Allocator is set up with an ordered set of workers. It answers aggregate
// queries about free RAM and, using a pluggable Policy, turns requests for
// a number of chunks into a set of per-worker allocations. Placement is
// all-or-nothing unless the request is explicitly shrinkable.
package libmem
