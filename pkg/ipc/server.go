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
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/containers/ramalloc/pkg/instrumentation/tracing"
	logger "github.com/containers/ramalloc/pkg/log"
	"github.com/containers/ramalloc/pkg/port"
)

const (
	// DefaultRespondTimeout is how long a server keeps trying to write a
	// response to a full response port before dropping it.
	DefaultRespondTimeout = 5 * time.Second
)

var (
	// ErrServerRunning is returned when a running server is started again.
	ErrServerRunning = errors.New("server already running")
)

// Handler handles messages received by a server. The returned reply is
// sent back to the sender if it expects a response. On error the sender
// receives an empty response.
type Handler interface {
	HandleMessage(ctx context.Context, msg *Message) (any, error)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, msg *Message) (any, error)

// HandleMessage implements Handler.
func (fn HandlerFunc) HandleMessage(ctx context.Context, msg *Message) (any, error) {
	return fn(ctx, msg)
}

// Server reads messages from a request port and handles them one at a time
// in the order they were read.
type Server struct {
	name           string
	requests       port.Port
	responses      port.Port
	handler        Handler
	pollPeriod     time.Duration
	respondTimeout time.Duration
	running        atomic.Bool
	handled        atomic.Uint64
	failed         atomic.Uint64
	log            logger.Logger
}

// ServerOption is an option for a Server.
type ServerOption func(*Server)

// WithRespondTimeout sets how long to retry writing to a full response port.
func WithRespondTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.respondTimeout = d
		}
	}
}

// WithServerPollPeriod sets the pause between attempts to write a response.
func WithServerPollPeriod(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.pollPeriod = d
		}
	}
}

// NewServer creates a new server.
func NewServer(name string, requests, responses port.Port, h Handler, options ...ServerOption) *Server {
	s := &Server{
		name:           name,
		requests:       requests,
		responses:      responses,
		handler:        h,
		pollPeriod:     DefaultPollPeriod,
		respondTimeout: DefaultRespondTimeout,
		log:            logger.Get(name),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Name returns the name of the server.
func (s *Server) Name() string {
	return s.name
}

// Running returns true if the server's read loop is running.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Handled returns the number of messages handled and the number of those
// which failed.
func (s *Server) Handled() (handled, failed uint64) {
	return s.handled.Load(), s.failed.Load()
}

// Serve runs the read loop until ctx is cancelled. It drains all pending
// messages, then sleeps until the next message is written to the port.
func (s *Server) Serve(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: %w", s.name, ErrServerRunning)
	}
	defer s.running.Store(false)

	s.log.Info("serving requests on port %d, responses on port %d",
		s.requests.Number(), s.responses.Number())

	for {
		next := s.requests.NextWrite()

		ForeachMessage(s.requests, func(msg any) {
			s.handle(ctx, msg)
		})

		select {
		case <-ctx.Done():
			s.log.Info("stopped serving requests")
			return nil
		case <-next:
		}
	}
}

// ForeachMessage reads and passes all pending messages from a port to fn.
func ForeachMessage(p port.Port, fn func(msg any)) {
	for msg := p.Read(); msg != port.Empty; msg = p.Read() {
		fn(msg)
	}
}

// Respond writes a response to the response port, retrying for a while if
// the port is full. It returns false if the response had to be dropped.
func (s *Server) Respond(ctx context.Context, requestID string, payload any) bool {
	rpl := &Response{
		RequestID: requestID,
		Payload:   payload,
	}

	if s.responses.TryWrite(rpl) {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, s.respondTimeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(s.pollPeriod), 1)
	limiter.Allow()
	for !s.responses.TryWrite(rpl) {
		if err := limiter.Wait(ctx); err != nil {
			s.log.Error("dropping response to request %s: port %d full",
				requestID, s.responses.Number())
			return false
		}
	}

	return true
}

func (s *Server) handle(ctx context.Context, raw any) {
	s.handled.Add(1)

	msg, ok := raw.(*Message)
	if !ok {
		s.failed.Add(1)
		s.log.Error("dropping unexpected port data %v (%T): %v",
			raw, raw, ErrMalformedMessage)
		return
	}

	ctx, span := tracing.StartSpan(ctx, s.name+"/"+string(msg.Type),
		tracing.WithAttributes(
			tracing.Attribute("request-id", msg.RequestID),
		),
	)

	reply, err := s.dispatch(ctx, msg)
	span.End(tracing.WithStatus(err))

	if err != nil {
		s.failed.Add(1)
		s.log.Error("failed to handle %s: %v", msg, err)
		reply = nil
	} else if s.log.DebugEnabled() {
		s.log.Debug("handled %s => %+v", msg, reply)
	}

	if msg.WantsResponse() {
		s.Respond(ctx, msg.RequestID, reply)
	}
}

func (s *Server) dispatch(ctx context.Context, msg *Message) (reply any, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply = nil
			err = fmt.Errorf("%w: %s handler panicked: %v", ErrMalformedMessage, msg.Type, r)
		}
	}()

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	return s.handler.HandleMessage(ctx, msg)
}
