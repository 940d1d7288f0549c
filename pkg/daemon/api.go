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

package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/containers/ramalloc/pkg/ipc"
	"github.com/containers/ramalloc/pkg/launch"
	"github.com/containers/ramalloc/pkg/leak"
	libmem "github.com/containers/ramalloc/pkg/lib/memory"
	"github.com/containers/ramalloc/pkg/memory"
)

// Services reachable through the message bridge.
const (
	MemoryService = "memory"
	LaunchService = "launch"
)

// ErrResponse is the body of a failed API request.
type ErrResponse struct {
	HTTPStatusCode int    `json:"status"`
	Message        string `json:"message"`
}

// LeakReport is the body of a leak check.
type LeakReport struct {
	Findings []leak.Finding `json:"findings"`
	Orphans  []int          `json:"orphans,omitempty"`
	Fixed    bool           `json:"fixed,omitempty"`
}

func (d *Daemon) setupRoutes(r chi.Router) {
	d.health.Setup(r)

	r.Get("/status", d.getStatus)
	r.Get("/snapshot", d.getSnapshot)
	r.Get("/leaks", d.checkLeaks)
	r.Post("/leaks/fix", d.fixLeaks)
	r.Post("/launch", d.postLaunch)
	r.Delete("/allocations/{allocationID}", d.deleteAllocation)
	r.Post("/ports/{service}", d.postMessage)
}

func (d *Daemon) getStatus(w http.ResponseWriter, r *http.Request) {
	status, err := d.mem.Status(r.Context())
	if err != nil {
		replyError(w, http.StatusInternalServerError, err)
		return
	}
	reply(w, http.StatusOK, status)
}

func (d *Daemon) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := d.mem.Snapshot(r.Context())
	if err != nil {
		replyError(w, http.StatusInternalServerError, err)
		return
	}
	reply(w, http.StatusOK, snap)
}

func (d *Daemon) leakCheck(r *http.Request) (*leak.Report, error) {
	snap, err := d.mem.Snapshot(r.Context())
	if err != nil {
		return nil, err
	}

	report := leak.Check(snap, d.host)
	report.Log()

	return report, nil
}

func (d *Daemon) checkLeaks(w http.ResponseWriter, r *http.Request) {
	report, err := d.leakCheck(r)
	if err != nil {
		replyError(w, http.StatusInternalServerError, err)
		return
	}

	reply(w, http.StatusOK, &LeakReport{
		Findings: report.Findings,
		Orphans:  report.Orphans(),
	})
}

func (d *Daemon) fixLeaks(w http.ResponseWriter, r *http.Request) {
	report, err := d.leakCheck(r)
	if err != nil {
		replyError(w, http.StatusInternalServerError, err)
		return
	}

	if err := report.Fix(r.Context(), d.mem); err != nil {
		replyError(w, http.StatusInternalServerError, err)
		return
	}

	reply(w, http.StatusOK, &LeakReport{
		Findings: report.Findings,
		Orphans:  report.Orphans(),
		Fixed:    true,
	})
}

func (d *Daemon) postLaunch(w http.ResponseWriter, r *http.Request) {
	req := &launch.Launch{}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		replyError(w, http.StatusBadRequest, fmt.Errorf("error unmarshalling body: %w", err))
		return
	}
	if req.Script == "" {
		replyError(w, http.StatusBadRequest, errors.New("launch without script"))
		return
	}
	if req.Pid == 0 {
		req.Pid = d.pid
	}

	rpl, err := d.launcher.SendMessageReceiveResponse(r.Context(), req)
	if err != nil {
		replyError(w, http.StatusInternalServerError, err)
		return
	}

	res, ok := rpl.(*launch.Result)
	if !ok {
		replyError(w, http.StatusConflict, fmt.Errorf("failed to launch %s", req.Script))
		return
	}

	status := http.StatusCreated
	if len(res.Spawned) == 0 {
		status = http.StatusConflict
	}
	reply(w, status, res)
}

func (d *Daemon) deleteAllocation(w http.ResponseWriter, r *http.Request) {
	var (
		rel = &memory.Release{Hostname: r.URL.Query().Get("hostname")}
		err error
	)

	if rel.AllocationID, err = strconv.Atoi(chi.URLParam(r, "allocationID")); err != nil {
		replyError(w, http.StatusBadRequest, fmt.Errorf("invalid allocation ID: %w", err))
		return
	}
	for name, ptr := range map[string]*int{"pid": &rel.Pid, "chunks": &rel.NumChunks} {
		value := r.URL.Query().Get(name)
		if value == "" {
			continue
		}
		if *ptr, err = strconv.Atoi(value); err != nil {
			replyError(w, http.StatusBadRequest, fmt.Errorf("invalid %s: %w", name, err))
			return
		}
	}

	released, err := d.mem.ReleaseRequest(r.Context(), rel)
	if err != nil {
		if errors.Is(err, ipc.ErrRequestFailed) {
			replyError(w, http.StatusConflict, fmt.Errorf("%w: %w", libmem.ErrOverRelease, err))
			return
		}
		replyError(w, http.StatusInternalServerError, err)
		return
	}

	reply(w, http.StatusOK, released)
}

// postMessage relays a raw [type, requestId, payload] message to a service
// and replies with its [requestId, payload] response. Messages without
// request ID are only sent.
func (d *Daemon) postMessage(w http.ResponseWriter, r *http.Request) {
	var (
		c   *ipc.Client
		dec *ipc.Decoder
	)

	switch svc := chi.URLParam(r, "service"); svc {
	case MemoryService:
		c, dec = d.mem.Client, memory.NewDecoder()
	case LaunchService:
		c, dec = d.launcher.Client, launch.NewDecoder()
	default:
		replyError(w, http.StatusNotFound, fmt.Errorf("unknown service %q", svc))
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		replyError(w, http.StatusBadRequest, err)
		return
	}

	msg, err := dec.Decode(data)
	if err != nil {
		replyError(w, http.StatusBadRequest, err)
		return
	}

	if !msg.WantsResponse() {
		if err := c.SendMessage(r.Context(), msg.Payload); err != nil {
			replyError(w, http.StatusServiceUnavailable, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	rpl, err := c.SendMessageReceiveResponse(r.Context(), msg.Payload)
	if err != nil {
		replyError(w, http.StatusServiceUnavailable, err)
		return
	}

	reply(w, http.StatusOK, &ipc.Response{RequestID: msg.RequestID, Payload: rpl})
}

func reply(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("failed to write response: %v", err)
	}
}

func replyError(w http.ResponseWriter, status int, err error) {
	log.Warn("API request failed: %v", err)
	reply(w, status, &ErrResponse{
		HTTPStatusCode: status,
		Message:        err.Error(),
	})
}
