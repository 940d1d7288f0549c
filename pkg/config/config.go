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

// Package config loads and prints RamAllocConfig YAML files.
package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/ramalloc/pkg/apis/config/v1alpha1"
	logger "github.com/containers/ramalloc/pkg/log"
)

var (
	log = logger.Get("config")
)

// Load reads the configuration from a file. An empty path gives the
// default configuration.
func Load(path string) (*cfgapi.RamAllocConfig, error) {
	if path == "" {
		log.Info("no configuration file given, using defaults")
		return cfgapi.NewConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}

	log.Info("loaded configuration from %s", path)

	return cfg, nil
}

// Parse parses YAML configuration, sets defaults, and validates it.
func Parse(data []byte) (*cfgapi.RamAllocConfig, error) {
	cfg := &cfgapi.RamAllocConfig{}

	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if cfg.Kind != "" && cfg.Kind != cfgapi.Kind {
		return nil, fmt.Errorf("unexpected configuration kind %q, expected %q",
			cfg.Kind, cfgapi.Kind)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Print returns the configuration as YAML.
func Print(cfg *cfgapi.RamAllocConfig) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal configuration: %w", err)
	}
	return data, nil
}
