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

package launch

import (
	"context"
	"fmt"

	"github.com/containers/ramalloc/pkg/ipc"
	"github.com/containers/ramalloc/pkg/port"
)

// Client launches scripts through the launch service.
type Client struct {
	*ipc.Client
}

// NewClient creates a launch client for process pid.
func NewClient(pid int, requests, responses port.Port, options ...ipc.ClientOption) *Client {
	options = append([]ipc.ClientOption{ipc.WithLogger(log)}, options...)
	return &Client{
		Client: ipc.NewClient(pid, requests, responses, options...),
	}
}

// Launch asks the launch service to launch script. The RAM is allocated on
// behalf of the client's process.
func (c *Client) Launch(ctx context.Context, script string, opts Options, args ...string) (*Result, error) {
	rpl, err := c.SendMessageReceiveResponse(ctx, &Launch{
		Pid:     c.PID(),
		Script:  script,
		Options: opts,
		Args:    args,
	})
	if err != nil {
		return nil, err
	}
	if rpl == nil {
		log.Warn("failed to launch %s", script)
		return nil, fmt.Errorf("launch of %s failed: %w", script, ipc.ErrRequestFailed)
	}

	res, ok := rpl.(*Result)
	if !ok {
		return nil, fmt.Errorf("%w: %T for %s", ipc.ErrUnexpectedResponse, rpl, LaunchType)
	}

	if len(res.Spawned) == 0 {
		return res, fmt.Errorf("%w %s: %d threads missing", ErrSpawnFailure, script, res.Shortfall)
	}

	return res, nil
}
