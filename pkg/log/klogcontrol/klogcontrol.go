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

// Package klogcontrol exposes the klog command line flags as runtime
// configuration, with defaults taken from LOGGER_<FLAG> variables.
package klogcontrol

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"k8s.io/klog/v2"

	cfgapi "github.com/containers/ramalloc/pkg/apis/config/v1alpha1/log/klogcontrol"
)

// EnvPrefix prefixes the environment variables of klog flag defaults.
const EnvPrefix = "LOGGER_"

// Control sets klog flags at runtime.
type Control struct {
	flags *flag.FlagSet
}

var ctl = newControl()

// Get returns the klog control.
func Get() *Control {
	return ctl
}

func newControl() *Control {
	c := &Control{flags: flag.NewFlagSet("klog", flag.ContinueOnError)}
	c.flags.SetOutput(io.Discard)
	klog.InitFlags(c.flags)
	return c
}

// Configure sets the klog flags which have a value in cfg.
func (c *Control) Configure(cfg *cfgapi.Config) error {
	var errs *multierror.Error
	c.flags.VisitAll(func(f *flag.Flag) {
		value, ok := cfg.GetByFlag(f.Name)
		if !ok {
			return
		}
		if err := c.flags.Set(f.Name, value); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("klogcontrol: flag %s=%q: %w", f.Name, value, err))
		}
	})
	return errs.ErrorOrNil()
}

// Value returns the current value of a klog flag.
func (c *Control) Value(name string) (string, bool) {
	f := c.flags.Lookup(name)
	if f == nil {
		return "", false
	}
	return f.Value.String(), true
}

// EnvVar returns the environment variable for the default of a flag.
func EnvVar(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func (c *Control) seedFromEnv() {
	c.flags.VisitAll(func(f *flag.Flag) {
		name := EnvVar(f.Name)
		value, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		if err := c.flags.Set(f.Name, value); err != nil {
			klog.Errorf("klogcontrol: ignoring $%s=%q: %v", name, value, err)
		}
	})
}

func init() {
	ctl.seedFromEnv()
}
