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

package daemon_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	cfgapi "github.com/containers/ramalloc/pkg/apis/config/v1alpha1"
	"github.com/containers/ramalloc/pkg/daemon"
	"github.com/containers/ramalloc/pkg/ipc"
	"github.com/containers/ramalloc/pkg/launch"
	"github.com/containers/ramalloc/pkg/leak"
	"github.com/containers/ramalloc/pkg/memory"
)

func startDaemon(t *testing.T) (*daemon.Daemon, *daemon.Client, string) {
	cfg := cfgapi.NewConfig()
	cfg.Spec.Memory.SelfRam = 2
	cfg.Spec.Ports.PollPeriod = metav1.Duration{Duration: time.Millisecond}
	cfg.Spec.Launch.Backoff = metav1.Duration{Duration: time.Millisecond}
	cfg.Spec.Instrumentation.HTTPEndpoint = "127.0.0.1:0"
	cfg.Spec.Instrumentation.PrometheusExport = true
	cfg.Spec.Hosts = []cfgapi.HostConfig{
		{Name: "home", Ram: 32, Cores: 8},
		{Name: "pserv-0", Ram: 16, Cores: 1},
	}
	cfg.Spec.Scripts = []cfgapi.ScriptConfig{
		{Name: "lib.js"},
		{Name: "hack.js", Ram: 2, Dependencies: []string{"lib.js"}},
	}
	require.NoError(t, cfg.Validate())

	d, err := daemon.NewSimulated(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	require.Eventually(t, func() bool {
		return d.Running() && d.Address() != ""
	}, time.Second, time.Millisecond)

	return d, daemon.NewClient(d.Address()), "http://" + d.Address()
}

func get(t *testing.T, url string) (int, string) {
	rpl, err := http.Get(url)
	require.NoError(t, err)
	defer rpl.Body.Close()
	body, err := io.ReadAll(rpl.Body)
	require.NoError(t, err)
	return rpl.StatusCode, string(body)
}

func post(t *testing.T, url, body string) (int, string) {
	rpl, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer rpl.Body.Close()
	data, err := io.ReadAll(rpl.Body)
	require.NoError(t, err)
	return rpl.StatusCode, string(data)
}

func TestLaunchAndRelease(t *testing.T) {
	_, c, _ := startDaemon(t)
	ctx := context.Background()

	status, err := c.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 44.0, status.FreeRamTotal)

	res, err := c.Launch(ctx, &launch.Launch{
		Script:  "hack.js",
		Options: launch.Options{Threads: 4},
		Args:    []string{"n00dles"},
	})
	require.NoError(t, err)
	require.Equal(t, 4, res.Threads())
	require.Equal(t, "home", res.Spawned[0].Hostname)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Allocations, 2)
	require.Equal(t, res.AllocationID, snap.Allocations[1].AllocationID)
	require.Len(t, snap.Allocations[1].Claims, 1)

	report, err := c.CheckLeaks(ctx, false)
	require.NoError(t, err)
	require.Empty(t, report.Findings)

	released, err := c.Release(ctx, &memory.Release{AllocationID: res.AllocationID})
	require.NoError(t, err)
	require.Equal(t, 0, released.Remaining)

	_, err = c.Release(ctx, &memory.Release{AllocationID: res.AllocationID})
	require.Error(t, err)
	require.Contains(t, err.Error(), "409")

	report, err = c.CheckLeaks(ctx, false)
	require.NoError(t, err)
	require.Len(t, report.Findings, 1, "running process lost its allocation")
	require.Equal(t, leak.Unaccounted, report.Findings[0].Kind)

	_, err = c.Launch(ctx, &launch.Launch{Script: "hack.js", Options: launch.Options{Threads: 100}})
	require.Error(t, err)
}

func TestMessageBridge(t *testing.T) {
	_, c, base := startDaemon(t)
	ctx := context.Background()

	code, body := post(t, base+"/ports/memory",
		`["request", "x-1", {"pid": 999, "chunkSize": 1, "numChunks": 2, "longRunning": true}]`)
	require.Equal(t, http.StatusOK, code, body)

	rpl := &ipc.Response{}
	require.NoError(t, json.Unmarshal([]byte(body), rpl))
	require.Equal(t, "x-1", rpl.RequestID)

	a := &memory.Allocation{}
	require.NoError(t, json.Unmarshal(rpl.Payload.(json.RawMessage), a))
	require.Equal(t, []memory.HostAllocation{{Hostname: "pserv-0", ChunkSize: 1, NumChunks: 2}}, a.Hosts)

	code, body = post(t, base+"/ports/memory", `["request", "x-2", {"pid": 999, "chunkSize": 100, "numChunks": 1}]`)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `["x-2", null]`, body, "denied")

	report, err := c.CheckLeaks(ctx, true)
	require.NoError(t, err)
	require.True(t, report.Fixed)
	require.Equal(t, []int{a.AllocationID}, report.Orphans)

	report, err = c.CheckLeaks(ctx, false)
	require.NoError(t, err)
	require.Empty(t, report.Findings)

	code, _ = post(t, base+"/ports/memory", `["status", null, {}]`)
	require.Equal(t, http.StatusAccepted, code)

	code, _ = post(t, base+"/ports/memory", `["request", "x-3", {"pid": 1, "chunks": 1}]`)
	require.Equal(t, http.StatusBadRequest, code, "unknown field")

	code, _ = post(t, base+"/ports/nope", `["status", "x-4", {}]`)
	require.Equal(t, http.StatusNotFound, code)

	code, body = post(t, base+"/ports/launch", `["launch", "x-5", {"pid": 0, "script": "hack.js", "options": {"threads": 1}}]`)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"spawned"`)
}

func TestHealthAndMetrics(t *testing.T) {
	_, _, base := startDaemon(t)

	code, body := get(t, base+"/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)

	code, body = get(t, base+"/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `ramalloc_memory_worker_free_ram_gigabytes{hostname="pserv-0"} 16`)
	require.Contains(t, body, "ramalloc_version_info")
}
