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

// Package launch starts scripts in RAM allocated from the memory service.
package launch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	cfgapi "github.com/containers/ramalloc/pkg/apis/config/v1alpha1"
	"github.com/containers/ramalloc/pkg/instrumentation/tracing"
	libmem "github.com/containers/ramalloc/pkg/lib/memory"
	logger "github.com/containers/ramalloc/pkg/log"
	"github.com/containers/ramalloc/pkg/memory"
	"github.com/containers/ramalloc/pkg/memory/client"
	"github.com/containers/ramalloc/pkg/process"
)

const (
	// AllocationIDArg precedes the allocation ID in the arguments of
	// every launched process.
	AllocationIDArg = "--allocation-id"
)

var (
	log = logger.Get("launch")
)

// Launcher allocates RAM for scripts and starts them in it.
type Launcher struct {
	host    process.Host
	mem     *client.Client
	backoff wait.Backoff
}

// NewLauncher creates a launcher which allocates RAM using mem and retries
// failed starts as configured by cfg.
func NewLauncher(host process.Host, mem *client.Client, cfg *cfgapi.LaunchConfig) *Launcher {
	return &Launcher{
		host: host,
		mem:  mem,
		backoff: wait.Backoff{
			Duration: cfg.Backoff.Duration,
			Factor:   cfg.Factor,
			Jitter:   cfg.Jitter,
			Steps:    max(cfg.Steps, 1),
		},
	}
}

// Launch starts script with opts.Threads threads on behalf of the
// launcher's own process. The RAM is requested as one chunk per thread and
// every server in the allocation gets a single process with as many
// threads as chunks were allocated there. Each started process claims its
// chunks, and releases them once it exits.
//
// If a server keeps failing to start the script, its chunks are released
// and reported as shortfall of the result. An error is only returned if
// nothing could be started.
func (l *Launcher) Launch(ctx context.Context, script string, opts Options, args ...string) (*Result, error) {
	return l.launch(ctx, l.mem.PID(), script, opts, args)
}

func (l *Launcher) launch(ctx context.Context, owner int, script string, opts Options, args []string) (_ *Result, retErr error) {
	ctx, span := tracing.StartSpan(ctx, "launch/"+script,
		tracing.WithAttributes(
			tracing.Attribute("owner", owner),
			tracing.Attribute("threads", opts.Threads),
		),
	)
	defer func() {
		span.End(tracing.WithStatus(retErr))
	}()

	if opts.Threads < 0 {
		return nil, fmt.Errorf("%w: invalid thread count %d", libmem.ErrInvalidRequest, opts.Threads)
	}

	ram := opts.RamOverride
	if ram <= 0 {
		r, err := l.host.ScriptRam(script)
		if err != nil {
			return nil, err
		}
		ram = r
	}

	files, err := l.host.Dependencies(script)
	if err != nil {
		return nil, err
	}

	if opts.Threads == 0 {
		n, err := l.maxThreads(ctx, ram)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: %s needs %.2f GB per thread", ErrNoWorkers, script, ram)
		}
		opts.Threads = n
		opts.Shrinkable = true
	}

	a, err := l.mem.RequestAllocation(ctx, opts.request(owner, ram))
	if err != nil {
		log.Warn("failed to launch %d threads of %s: %v", opts.Threads, script, err)
		return nil, err
	}

	res := &Result{
		AllocationID: a.AllocationID,
		Shortfall:    opts.Threads - a.NumChunks(),
	}
	args = append(slices.Clone(args), AllocationIDArg, strconv.Itoa(a.AllocationID))

	var errs []error
	for _, ha := range a.Hosts {
		pid, err := l.spawn(ctx, script, files, ha, args)
		if err != nil {
			errs = append(errs, err)
			res.Shortfall += ha.NumChunks
			if _, err := l.mem.ReleaseChunks(ctx, a.AllocationID, ha.Hostname, ha.NumChunks); err != nil {
				log.Error("failed to release unused RAM on %s: %v", ha.Hostname, err)
			}
			continue
		}

		l.claim(ctx, a.AllocationID, pid, script, ha)
		res.Spawned = append(res.Spawned, Spawned{
			Hostname: ha.Hostname,
			Pid:      pid,
			Threads:  ha.NumChunks,
		})
	}

	span.SetAttributes(
		tracing.Attribute("allocation-id", res.AllocationID),
		tracing.Attribute("shortfall", res.Shortfall),
	)

	if len(res.Spawned) == 0 {
		return res, fmt.Errorf("%w %s: %w", ErrSpawnFailure, script, errors.Join(errs...))
	}
	if res.Shortfall > 0 {
		log.Warn("launched %s with %d of %d threads: %v", script, res.Threads(),
			res.Threads()+res.Shortfall, errors.Join(errs...))
	} else {
		log.Info("launched %s: %s", script, res)
	}

	return res, nil
}

// spawn copies the script and its dependencies to the server of the host
// allocation and starts it there, retrying both with backoff.
func (l *Launcher) spawn(ctx context.Context, script string, files []string, ha memory.HostAllocation, args []string) (int, error) {
	var (
		backoff  = l.backoff
		attempts = backoff.Steps
	)

	for attempt := 1; ; attempt++ {
		pid, err := l.start(script, files, ha, args)
		if err == nil {
			return pid, nil
		}

		log.Debug("attempt %d/%d to start %s on %s failed: %v", attempt, attempts,
			script, ha.Hostname, err)

		if attempt >= attempts {
			return 0, fmt.Errorf("%w %s on %s after %d attempts: %w", ErrSpawnFailure,
				script, ha.Hostname, attempt, err)
		}

		t := time.NewTimer(backoff.Step())
		select {
		case <-ctx.Done():
			t.Stop()
			return 0, fmt.Errorf("%w %s on %s: %w", ErrSpawnFailure, script, ha.Hostname,
				ctx.Err())
		case <-t.C:
		}
	}
}

func (l *Launcher) start(script string, files []string, ha memory.HostAllocation, args []string) (int, error) {
	if err := l.host.Copy(files, ha.Hostname); err != nil {
		return 0, fmt.Errorf("failed to copy %v: %w", files, err)
	}
	return l.host.Exec(script, ha.Hostname, ha.NumChunks, args...)
}

// claim hands the chunks of a host allocation over to the process started
// in them. Chunks which cannot be claimed are released when the process
// exits.
func (l *Launcher) claim(ctx context.Context, id, pid int, script string, ha memory.HostAllocation) {
	if _, err := l.mem.Claim(ctx, id, pid, ha.Hostname, script, ha.NumChunks); err != nil {
		log.Error("pid %d failed to claim its RAM on %s: %v", pid, ha.Hostname, err)
		if err := l.mem.ReleaseChunksAtExit(l.host, id, ha.Hostname, pid, ha.NumChunks); err != nil {
			if _, err := l.mem.ReleaseChunks(ctx, id, ha.Hostname, ha.NumChunks); err != nil {
				log.Error("failed to release RAM of pid %d on %s: %v", pid, ha.Hostname, err)
			}
		}
		return
	}

	if err := l.mem.ReleaseClaimAtExit(l.host, id, ha.Hostname, pid); err != nil {
		// already exited
		if _, err := l.mem.ReleaseClaim(ctx, id, ha.Hostname, pid); err != nil {
			log.Error("failed to release claim of pid %d on %s: %v", pid, ha.Hostname, err)
		}
	}
}

// maxThreads returns the number of threads of ram GB there is free RAM for.
func (l *Launcher) maxThreads(ctx context.Context, ram float64) (int, error) {
	status, err := l.mem.Status(ctx)
	if err != nil {
		return 0, err
	}

	chunk := libmem.ToFixed(ram)
	if chunk <= 0 {
		return 0, fmt.Errorf("%w: invalid thread RAM %.2f", libmem.ErrInvalidRequest, ram)
	}

	n := 0
	for _, c := range status.FreeChunks {
		n += int(libmem.ToFixed(c.FreeRam) / chunk)
	}

	return n, nil
}
