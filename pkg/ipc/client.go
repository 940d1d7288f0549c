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

package ipc

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	logger "github.com/containers/ramalloc/pkg/log"
	"github.com/containers/ramalloc/pkg/port"
)

const (
	// DefaultPollPeriod is the default pause between attempts to write to
	// a full port.
	DefaultPollPeriod = 100 * time.Millisecond
)

// Client sends messages to a service and collects its responses.
type Client struct {
	pid        int
	requests   port.Port
	responses  port.Port
	pollPeriod time.Duration
	log        logger.Logger
}

// ClientOption is an option for a Client.
type ClientOption func(*Client)

// WithPollPeriod sets the pause between attempts to write to a full port.
func WithPollPeriod(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.pollPeriod = d
		}
	}
}

// WithLogger sets the logger used by the client.
func WithLogger(l logger.Logger) ClientOption {
	return func(c *Client) {
		c.log = l
	}
}

// NewClient creates a client for process pid sending requests to the
// requests port and expecting responses on the responses port.
func NewClient(pid int, requests, responses port.Port, options ...ClientOption) *Client {
	c := &Client{
		pid:        pid,
		requests:   requests,
		responses:  responses,
		pollPeriod: DefaultPollPeriod,
		log:        logger.Get("ipc"),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// PID returns the ID of the process the client sends messages for.
func (c *Client) PID() int {
	return c.pid
}

// TrySendMessage makes a single attempt to send a message expecting no
// response. It returns false if the request port is full.
func (c *Client) TrySendMessage(payload Payload) bool {
	return c.requests.TryWrite(NewMessage("", payload))
}

// SendMessage sends a message expecting no response, waiting for the
// request port to have room as long as necessary.
func (c *Client) SendMessage(ctx context.Context, payload Payload) error {
	return c.send(ctx, NewMessage("", payload))
}

// SendMessageReceiveResponse sends a message and waits for its response.
// Responses to other requests are left in the response port.
func (c *Client) SendMessageReceiveResponse(ctx context.Context, payload Payload) (any, error) {
	msg := NewMessage(NewRequestID(c.pid), payload)

	if err := c.send(ctx, msg); err != nil {
		return nil, err
	}

	return c.receive(ctx, msg.RequestID)
}

func (c *Client) send(ctx context.Context, msg *Message) error {
	// Start with an empty bucket so every retry waits a poll period.
	limiter := rate.NewLimiter(rate.Every(c.pollPeriod), 1)
	limiter.Allow()

	for !c.requests.TryWrite(msg) {
		c.log.Debug("port %d full, retrying %s", c.requests.Number(), msg)
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("failed to send %s message: %w", msg.Type, err)
		}
	}

	return nil
}

func (c *Client) receive(ctx context.Context, requestID string) (any, error) {
	isOurs := func(msg any) bool {
		rpl, ok := msg.(*Response)
		return ok && rpl.RequestID == requestID
	}

	for {
		next := c.responses.NextWrite()

		if msg, ok := c.responses.Take(isOurs); ok {
			return msg.(*Response).Payload, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no response for request %s: %w", requestID, ctx.Err())
		case <-next:
		}
	}
}
