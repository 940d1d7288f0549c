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

// Package leak audits the bookkeeping of the memory service against the
// processes and RAM usage of the host.
package leak

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/hashicorp/go-multierror"
	idset "github.com/intel/goresctrl/pkg/utils"

	libmem "github.com/containers/ramalloc/pkg/lib/memory"
	logger "github.com/containers/ramalloc/pkg/log"
	"github.com/containers/ramalloc/pkg/memory"
	"github.com/containers/ramalloc/pkg/process"
)

var (
	log = logger.Get("leak")

	// ErrLeakDetected is wrapped by all errors of a report.
	ErrLeakDetected = errors.New("leak detected")
)

// Severity of a finding.
type Severity int

const (
	// Warning is a likely leak, which needs investigation.
	Warning Severity = iota
	// Error is bookkeeping which is definitely wrong.
	Error
)

func (s Severity) String() string {
	if s == Error {
		return "ERROR"
	}
	return "WARN"
}

// Kind of a finding.
type Kind string

const (
	// Overcommit is a worker with more allocated than it can hold.
	Overcommit Kind = "overcommit"
	// GoneServer is a worker with allocations but no server.
	GoneServer Kind = "gone-server"
	// Unused is allocated RAM not used by any process.
	Unused Kind = "unused"
	// Unaccounted is RAM used outside of any allocation.
	Unaccounted Kind = "unaccounted"
	// Mismatch is a worker whose allocated RAM differs from what its
	// allocations reserve.
	Mismatch Kind = "mismatch"
	// Orphan is an allocation without owner or claims.
	Orphan Kind = "orphan"
	// Overclaim is an allocation with more claimed than reserved.
	Overclaim Kind = "overclaim"
	// StaleClaim is a claim of a process which is gone.
	StaleClaim Kind = "stale-claim"
)

// Finding is a single inconsistency.
type Finding struct {
	Severity     Severity `json:"severity"`
	Kind         Kind     `json:"kind"`
	Hostname     string   `json:"hostname,omitempty"`
	AllocationID int      `json:"allocationId,omitempty"`
	Message      string   `json:"message"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s %s: %s", f.Severity, f.Kind, f.Message)
}

// Inspector provides the view of the host to check against.
type Inspector interface {
	Servers() []string
	ServerMaxRam(server string) (float64, error)
	ServerUsedRam(server string) (float64, error)
	Processes(server string) ([]*process.Process, error)
}

// Report is the outcome of a check.
type Report struct {
	Findings []Finding `json:"findings"`
	orphans  []int
}

// Releaser releases allocations.
type Releaser interface {
	Release(ctx context.Context, id int) (*memory.Released, error)
}

// Check audits a snapshot of the memory service against the host.
func Check(snap *memory.Snapshot, in Inspector) *Report {
	var (
		r        = &Report{}
		live     = idset.NewIDSet()
		reserved = map[string]libmem.Fixed{}
	)

	for _, server := range in.Servers() {
		procs, err := in.Processes(server)
		if err != nil {
			log.Warn("failed to list processes on %s: %v", server, err)
			continue
		}
		for _, p := range procs {
			live.Add(p.PID)
		}
	}

	for _, a := range snap.Allocations {
		r.checkAllocation(&a, live)
		for host, ram := range a.Reserved() {
			reserved[host] += ram
		}
	}

	workers := map[string]struct{}{}
	for _, w := range snap.Workers {
		workers[w.Hostname] = struct{}{}
		r.checkWorker(&w, reserved[w.Hostname], in)
	}

	hosts := make([]string, 0, len(reserved))
	for host := range reserved {
		if _, ok := workers[host]; !ok {
			hosts = append(hosts, host)
		}
	}
	sort.Strings(hosts)
	for _, host := range hosts {
		r.add(Error, Mismatch, host, 0, "%s reserved on unknown worker", reserved[host])
	}

	return r
}

func (r *Report) checkWorker(w *memory.WorkerState, reserved libmem.Fixed, in Inspector) {
	allocated := libmem.ToFixed(w.AllocatedRam)
	setAside := libmem.ToFixed(w.SetAsideRam)

	if reserved != allocated {
		r.add(Error, Mismatch, w.Hostname, 0, "%s allocated, allocations reserve %s",
			allocated, reserved)
	}

	maxRam, err := in.ServerMaxRam(w.Hostname)
	if err != nil {
		if allocated > 0 {
			r.add(Error, GoneServer, w.Hostname, 0, "%s allocated on missing server: %v",
				allocated, err)
		}
		return
	}

	if total := libmem.ToFixed(maxRam); allocated+setAside > total {
		r.add(Error, Overcommit, w.Hostname, 0, "%s allocated and %s set aside of %s",
			allocated, setAside, total)
	}

	usedRam, err := in.ServerUsedRam(w.Hostname)
	if err != nil {
		return
	}

	used := libmem.ToFixed(usedRam)
	switch {
	case allocated > used:
		r.add(Warning, Unused, w.Hostname, 0, "%s allocated, only %s in use",
			allocated, used)
	case used > allocated+setAside:
		r.add(Warning, Unaccounted, w.Hostname, 0, "%s in use, %s allocated and %s set aside",
			used, allocated, setAside)
	}
}

func (r *Report) checkAllocation(a *memory.AllocationState, live idset.IDSet) {
	if !live.Has(a.Pid) && len(a.Claims) == 0 {
		r.add(Error, Orphan, "", a.AllocationID, "allocation #%d of exited pid %d has no claims",
			a.AllocationID, a.Pid)
		r.orphans = append(r.orphans, a.AllocationID)
	}

	reserved, claimed := a.Reserved(), a.Claimed()
	hosts := make([]string, 0, len(claimed))
	for host := range claimed {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)

	for _, host := range hosts {
		if claimed[host] > reserved[host] {
			r.add(Error, Overclaim, host, a.AllocationID, "allocation #%d: %s claimed, %s reserved",
				a.AllocationID, claimed[host], reserved[host])
		}
	}

	for _, c := range a.Claims {
		if !live.Has(c.Pid) {
			r.add(Warning, StaleClaim, c.Hostname, a.AllocationID,
				"allocation #%d: %s claimed by exited pid %d (%s)",
				a.AllocationID, libmem.ToFixed(c.Ram()), c.Pid, c.Filename)
		}
	}
}

func (r *Report) add(s Severity, k Kind, host string, id int, format string, args ...any) {
	f := Finding{
		Severity:     s,
		Kind:         k,
		Hostname:     host,
		AllocationID: id,
		Message:      fmt.Sprintf(format, args...),
	}
	if host != "" && id == 0 {
		f.Message = host + ": " + f.Message
	}
	r.Findings = append(r.Findings, f)
}

// Clean returns true if nothing was found.
func (r *Report) Clean() bool {
	return len(r.Findings) == 0
}

// Errors returns the ERROR findings as a single error, or nil.
func (r *Report) Errors() error {
	var errs *multierror.Error
	for _, f := range r.Findings {
		if f.Severity == Error {
			errs = multierror.Append(errs, fmt.Errorf("%w: %s", ErrLeakDetected, f))
		}
	}
	return errs.ErrorOrNil()
}

// Warnings returns the WARN findings.
func (r *Report) Warnings() []Finding {
	var warnings []Finding
	for _, f := range r.Findings {
		if f.Severity == Warning {
			warnings = append(warnings, f)
		}
	}
	return warnings
}

// Orphans returns the IDs of orphaned allocations.
func (r *Report) Orphans() []int {
	return slices.Clone(r.orphans)
}

// Log logs the findings of the report.
func (r *Report) Log() {
	if r.Clean() {
		log.Info("no leaks found")
		return
	}
	for _, f := range r.Findings {
		if f.Severity == Error {
			log.Error("%s", f)
		} else {
			log.Warn("%s", f)
		}
	}
}

// Fix releases the orphaned allocations of the report.
func (r *Report) Fix(ctx context.Context, rel Releaser) error {
	var errs *multierror.Error
	for _, id := range r.orphans {
		released, err := rel.Release(ctx, id)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to release orphan #%d: %w", id, err))
			continue
		}
		log.Info("released orphan allocation #%d: %v", id, released.Released)
	}
	return errs.ErrorOrNil()
}
