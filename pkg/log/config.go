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

package log

import (
	"fmt"
	"os"
	"slices"
	"strings"

	cfgapi "github.com/containers/ramalloc/pkg/apis/config/v1alpha1/log"
	"github.com/containers/ramalloc/pkg/log/klogcontrol"
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo

	// LOGGER_DEBUG=on:libmem,ipc enables debugging for the given sources.
	debugEnvVar = "LOGGER_DEBUG"
	// LOGGER_LOG_SOURCE=1 prefixes messages with their source.
	logSourceEnvVar = "LOGGER_LOG_SOURCE"
)

// srcmap maps logger sources to their debug state, "*" for any source.
type srcmap map[string]bool

var (
	klogctl = klogcontrol.Get()
)

// parse merges a source map spec like "on:libmem,ipc,off:launch" into m.
// Sources without a state inherit the preceding one, "on" by default.
func (m srcmap) parse(spec string) error {
	state := true
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		src := entry
		if prefix, rest, ok := strings.Cut(entry, ":"); ok {
			if strings.Contains(rest, ":") {
				return loggerError("invalid entry %q in source map", entry)
			}
			enabled, err := parseEnabled(prefix)
			if err != nil {
				return loggerError("invalid entry %q in source map: %v", entry, err)
			}
			state, src = enabled, strings.TrimSpace(rest)
		}

		if src == "all" {
			src = "*"
		}
		m[src] = state
	}

	return nil
}

// String returns the map as a spec parse accepts, sources sorted.
func (m srcmap) String() string {
	var on, off []string
	for src, state := range m {
		if state {
			on = append(on, src)
		} else {
			off = append(off, src)
		}
	}
	slices.Sort(on)
	slices.Sort(off)

	var parts []string
	if len(on) > 0 {
		parts = append(parts, "on:"+strings.Join(on, ","))
	}
	if len(off) > 0 {
		parts = append(parts, "off:"+strings.Join(off, ","))
	}
	return strings.Join(parts, ",")
}

func parseEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "true", "enable", "enabled", "1":
		return true, nil
	case "off", "false", "disable", "disabled", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid debug state %q", value)
}

// Configure applies the logging part of the daemon configuration.
func Configure(cfg *cfgapi.Config) error {
	debug := make(srcmap)
	for _, spec := range cfg.Debug {
		if err := debug.parse(spec); err != nil {
			return fmt.Errorf("invalid debug configuration: %w", err)
		}
	}

	// klog headers carry no source, so prefix when they are skipped
	prefix := cfg.LogSource
	if isSet(cfg.Klog.Logtostderr) && isSet(cfg.Klog.Skip_headers) {
		prefix = true
	}

	log.Lock()
	log.setDbgMap(debug)
	log.setPrefix(prefix)
	log.Unlock()

	if len(debug) > 0 {
		deflog.Info("debugging %s", debug)
	}

	return klogctl.Configure(&cfg.Klog)
}

func isSet(b *bool) bool {
	return b != nil && *b
}

func init() {
	cfg := &cfgapi.Config{
		LogSource: os.Getenv(logSourceEnvVar) != "",
	}
	if spec, ok := os.LookupEnv(debugEnvVar); ok {
		cfg.Debug = []string{spec}
	}

	if err := Configure(cfg); err != nil {
		Default().Error("invalid $%s or $%s: %v", debugEnvVar, logSourceEnvVar, err)
	}
}
