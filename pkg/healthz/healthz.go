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

// Package healthz serves the health of registered components on /healthz.
package healthz

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi"

	logger "github.com/containers/ramalloc/pkg/log"
)

var (
	log = logger.NewLogger("health-check")
)

// CheckFn checks the health of a component.
type CheckFn func() (status Status, details error)

// Status describes the health of a component or the whole.
type Status int

const (
	Healthy Status = iota
	Degraded
	NonFunctional
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case NonFunctional:
		return "non-functional"
	}
	return fmt.Sprintf("<unknown status %d>", s)
}

// Checker is a set of named health checks.
type Checker struct {
	sync.Mutex
	checks map[string]CheckFn
}

// NewChecker creates a new, empty Checker.
func NewChecker() *Checker {
	return &Checker{
		checks: make(map[string]CheckFn),
	}
}

// Register registers a health check for the named component.
func (c *Checker) Register(name string, fn CheckFn) error {
	c.Lock()
	defer c.Unlock()

	if _, conflict := c.checks[name]; conflict {
		return fmt.Errorf("health checker %q already registered", name)
	}
	c.checks[name] = fn

	return nil
}

// Check runs all checks, returning the worst status and the details of
// every component which is not healthy.
func (c *Checker) Check() (Status, map[string]error) {
	c.Lock()
	defer c.Unlock()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := Healthy
	details := map[string]error{}
	for _, name := range names {
		s, err := c.checks[name]()
		if s == Healthy {
			continue
		}
		if s > status {
			status = s
		}
		if err == nil {
			err = fmt.Errorf("%s", s)
		}
		details[name] = err
		log.Errorf("component %s reported %s: %v", name, s, err)
	}

	return status, details
}

// Setup mounts the health check on the given router.
func (c *Checker) Setup(r chi.Router) {
	r.Get("/healthz", c.serve)
}

func (c *Checker) serve(w http.ResponseWriter, _ *http.Request) {
	status, details := c.Check()

	if status == Healthy {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			log.Errorf("failed to write response: %v", err)
		}
		return
	}

	names := make([]string, 0, len(details))
	for name := range details {
		names = append(names, name)
	}
	sort.Strings(names)

	msg := strings.Builder{}
	fmt.Fprintf(&msg, "%s\n", status)
	for _, name := range names {
		fmt.Fprintf(&msg, "%s: %v\n", name, details[name])
	}

	w.WriteHeader(http.StatusInternalServerError)
	if _, err := w.Write([]byte(msg.String())); err != nil {
		log.Errorf("failed to write response: %v", err)
	}
}
