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

const (
	// ServiceName is the name of the launch service.
	ServiceName = "launch-service"
)

// Service launches scripts for processes which send launch messages.
type Service struct {
	l      *Launcher
	server *ipc.Server
}

// NewService creates a launch service using l to launch scripts.
func NewService(l *Launcher, requests, responses port.Port, options ...ipc.ServerOption) *Service {
	s := &Service{l: l}
	s.server = ipc.NewServer(ServiceName, requests, responses, s, options...)
	return s
}

// Run serves launch requests until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	return s.server.Serve(ctx)
}

// Running returns true if the service is serving requests.
func (s *Service) Running() bool {
	return s.server.Running()
}

// HandleMessage implements ipc.Handler. A launch which started nothing
// still replies with its result, carrying the shortfall.
func (s *Service) HandleMessage(ctx context.Context, msg *ipc.Message) (any, error) {
	p, ok := msg.Payload.(*Launch)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected %s payload %T", ipc.ErrMalformedMessage,
			msg.Type, msg.Payload)
	}
	if p.Script == "" {
		return nil, fmt.Errorf("%w: launch without script", ipc.ErrMalformedMessage)
	}

	owner := p.Pid
	if owner <= 0 {
		owner = s.l.mem.PID()
	}

	res, err := s.l.launch(ctx, owner, p.Script, p.Options, p.Args)
	if res != nil {
		return res, nil
	}

	return nil, err
}
