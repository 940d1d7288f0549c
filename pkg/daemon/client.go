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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/containers/ramalloc/pkg/launch"
	"github.com/containers/ramalloc/pkg/memory"
)

const (
	// DefaultRequestTimeout is the default timeout of API requests.
	DefaultRequestTimeout = 30 * time.Second
)

// Client is a client of the HTTP API of a daemon.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates an API client for the daemon listening on address.
func NewClient(address string) *Client {
	base := address
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: DefaultRequestTimeout},
	}
}

// Status returns the free RAM of the memory service.
func (c *Client) Status(ctx context.Context) (*memory.StatusReply, error) {
	status := &memory.StatusReply{}
	if err := c.do(ctx, http.MethodGet, "/status", nil, status); err != nil {
		return nil, err
	}
	return status, nil
}

// Snapshot returns the state of the memory service.
func (c *Client) Snapshot(ctx context.Context) (*memory.Snapshot, error) {
	snap := &memory.Snapshot{}
	if err := c.do(ctx, http.MethodGet, "/snapshot", nil, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// CheckLeaks runs a leak check, releasing orphans if fix is set.
func (c *Client) CheckLeaks(ctx context.Context, fix bool) (*LeakReport, error) {
	method, path := http.MethodGet, "/leaks"
	if fix {
		method, path = http.MethodPost, "/leaks/fix"
	}

	report := &LeakReport{}
	if err := c.do(ctx, method, path, nil, report); err != nil {
		return nil, err
	}
	return report, nil
}

// Launch launches a script through the launch service.
func (c *Client) Launch(ctx context.Context, req *launch.Launch) (*launch.Result, error) {
	res := &launch.Result{}
	if err := c.do(ctx, http.MethodPost, "/launch", req, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Release sends a release for an allocation.
func (c *Client) Release(ctx context.Context, rel *memory.Release) (*memory.Released, error) {
	q := url.Values{}
	if rel.Hostname != "" {
		q.Set("hostname", rel.Hostname)
	}
	if rel.Pid != 0 {
		q.Set("pid", strconv.Itoa(rel.Pid))
	}
	if rel.NumChunks != 0 {
		q.Set("chunks", strconv.Itoa(rel.NumChunks))
	}

	path := "/allocations/" + strconv.Itoa(rel.AllocationID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	released := &memory.Released{}
	if err := c.do(ctx, http.MethodDelete, path, nil, released); err != nil {
		return nil, err
	}
	return released, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rpl, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer rpl.Body.Close()

	data, err := io.ReadAll(rpl.Body)
	if err != nil {
		return err
	}

	if rpl.StatusCode >= http.StatusBadRequest {
		e := &ErrResponse{}
		if err := json.Unmarshal(data, e); err != nil || e.Message == "" {
			return fmt.Errorf("%s %s: %s", method, path, rpl.Status)
		}
		return fmt.Errorf("%s %s: %s: %s", method, path, rpl.Status, e.Message)
	}

	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("%s %s: failed to decode reply: %w", method, path, err)
	}

	return nil
}
