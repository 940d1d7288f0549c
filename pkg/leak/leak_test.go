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

package leak_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/ramalloc/pkg/apis/config/v1alpha1"
	"github.com/containers/ramalloc/pkg/ipc"
	"github.com/containers/ramalloc/pkg/leak"
	"github.com/containers/ramalloc/pkg/memory"
	"github.com/containers/ramalloc/pkg/memory/client"
	"github.com/containers/ramalloc/pkg/memory/service"
	"github.com/containers/ramalloc/pkg/port"
	"github.com/containers/ramalloc/pkg/process/sim"
)

func setup(t *testing.T) (*sim.Host, *service.Service, *client.Client) {
	host := sim.NewHost()
	host.AddServer("home", 32, 8)
	host.AddServer("pserv-0", 16, 1)
	host.AddScript("hack.js", 2)

	pid, err := host.Start("ramd", "home", 2)
	require.NoError(t, err)

	requests, responses := port.NewBuffered(1, 50), port.NewBuffered(2, 50)
	svc, err := service.New(host, pid, requests, responses,
		&cfgapi.MemoryConfig{SelfServer: "home", SelfRam: 2},
		service.WithServerOptions(ipc.WithServerPollPeriod(time.Millisecond)),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = svc.Run(ctx)
	}()
	require.Eventually(t, svc.Running, time.Second, time.Millisecond)

	return host, svc, client.New(pid, requests, responses, ipc.WithPollPeriod(time.Millisecond))
}

func kinds(findings []leak.Finding) []leak.Kind {
	var k []leak.Kind
	for _, f := range findings {
		k = append(k, f.Kind)
	}
	return k
}

func TestCleanState(t *testing.T) {
	host, svc, c := setup(t)
	ctx := context.Background()

	pid, err := host.Exec("hack.js", "pserv-0", 2)
	require.Error(t, err, "not copied yet")
	require.NoError(t, host.Copy([]string{"hack.js"}, "pserv-0"))

	a, err := c.RequestAllocation(ctx, &memory.Request{ChunkSize: 2, NumChunks: 2, LongRunning: true})
	require.NoError(t, err)
	require.Equal(t, "pserv-0", a.Hosts[0].Hostname)

	pid, err = host.Exec("hack.js", "pserv-0", 2)
	require.NoError(t, err)
	_, err = c.Claim(ctx, a.AllocationID, pid, "pserv-0", "hack.js", 0)
	require.NoError(t, err)

	r := leak.Check(svc.Snapshot(), host)
	require.True(t, r.Clean(), "%v", r.Findings)
	require.NoError(t, r.Errors())
	require.Empty(t, r.Orphans())
}

func TestOrphans(t *testing.T) {
	host, svc, c := setup(t)
	ctx := context.Background()

	pid, err := host.Start("batch.js", "pserv-0", 4)
	require.NoError(t, err)
	a, err := c.RequestAllocation(ctx, &memory.Request{Pid: pid, ChunkSize: 4, NumChunks: 1, LongRunning: true})
	require.NoError(t, err)
	require.Equal(t, "pserv-0", a.Hosts[0].Hostname)

	r := leak.Check(svc.Snapshot(), host)
	require.True(t, r.Clean(), "%v", r.Findings)

	require.NoError(t, host.Kill(pid))

	r = leak.Check(svc.Snapshot(), host)
	require.Equal(t, []leak.Kind{leak.Orphan, leak.Unused}, kinds(r.Findings))
	require.Equal(t, []int{a.AllocationID}, r.Orphans())
	require.ErrorIs(t, r.Errors(), leak.ErrLeakDetected)
	require.Len(t, r.Warnings(), 1)
	require.Equal(t, "pserv-0", r.Warnings()[0].Hostname)

	require.NoError(t, r.Fix(ctx, c))
	require.True(t, leak.Check(svc.Snapshot(), host).Clean())

	require.Error(t, r.Fix(ctx, c), "orphan already released")
}

func TestHostDrift(t *testing.T) {
	host, svc, c := setup(t)
	ctx := context.Background()

	_, err := host.Start("manual.js", "pserv-0", 3)
	require.NoError(t, err)

	r := leak.Check(svc.Snapshot(), host)
	require.Equal(t, []leak.Kind{leak.Unaccounted}, kinds(r.Findings))
	require.NoError(t, r.Errors(), "warnings only")

	a, err := c.RequestAllocation(ctx, &memory.Request{ChunkSize: 10, NumChunks: 1, LongRunning: true})
	require.NoError(t, err)
	require.Equal(t, "pserv-0", a.Hosts[0].Hostname)

	host.AddServer("pserv-0", 8, 1)
	r = leak.Check(svc.Snapshot(), host)
	require.Equal(t, []leak.Kind{leak.Overcommit, leak.Unused}, kinds(r.Findings))
	require.Equal(t, leak.Error, r.Findings[0].Severity)
	require.Equal(t, "ERROR", r.Findings[0].Severity.String())

	require.NoError(t, host.RemoveServer("pserv-0"))
	r = leak.Check(svc.Snapshot(), host)
	require.Equal(t, []leak.Kind{leak.GoneServer}, kinds(r.Findings))
}

func TestBookkeeping(t *testing.T) {
	host := sim.NewHost()
	host.AddServer("home", 32, 8)
	ramd, err := host.Start("ramd", "home", 2)
	require.NoError(t, err)
	worker, err := host.Start("hack.js", "home", 4)
	require.NoError(t, err)

	snap := &memory.Snapshot{
		Pid: ramd,
		Workers: []memory.WorkerState{
			{Hostname: "home", Cores: 8, TotalRam: 32, AllocatedRam: 6},
		},
		Allocations: []memory.AllocationState{
			{
				AllocationID: 1,
				Pid:          ramd,
				Hosts:        []memory.HostAllocation{{Hostname: "home", ChunkSize: 2, NumChunks: 1}},
				Claims: []memory.ClaimRecord{
					{Pid: ramd, Hostname: "home", ChunkSize: 2, NumChunks: 1, Filename: "ramd"},
				},
			},
			{
				AllocationID: 2,
				Pid:          ramd,
				Hosts:        []memory.HostAllocation{{Hostname: "home", ChunkSize: 2, NumChunks: 1}},
				Claims: []memory.ClaimRecord{
					{Pid: worker, Hostname: "home", ChunkSize: 2, NumChunks: 2, Filename: "hack.js"},
					{Pid: 9999, Hostname: "home", ChunkSize: 2, NumChunks: 1, Filename: "gone.js"},
				},
			},
			{
				AllocationID: 3,
				Pid:          ramd,
				Hosts:        []memory.HostAllocation{{Hostname: "pserv-9", ChunkSize: 1, NumChunks: 1}},
			},
		},
	}

	r := leak.Check(snap, host)
	require.Equal(t, []leak.Kind{
		leak.Overclaim,
		leak.StaleClaim,
		leak.Mismatch,
		leak.Mismatch,
	}, kinds(r.Findings))
	require.Equal(t, 2, r.Findings[0].AllocationID)
	require.Equal(t, "pserv-9", r.Findings[3].Hostname)
	require.Empty(t, r.Orphans())
	require.Len(t, r.Warnings(), 1)
}
