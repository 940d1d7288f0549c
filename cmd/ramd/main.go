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

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	cfgapi "github.com/containers/ramalloc/pkg/apis/config/v1alpha1"
	"github.com/containers/ramalloc/pkg/daemon"
	"github.com/containers/ramalloc/pkg/version"
)

var (
	address string
	output  string
)

var rootCmd = &cobra.Command{
	Use:           "ramd",
	Short:         "RAM allocator for a fleet of servers",
	Long:          "ramd tracks the RAM of a set of servers, hands it out in chunks, and launches scripts in it.",
	Version:       version.Version + " (build " + version.Build + ")",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&address, "address", "a", cfgapi.DefaultHTTPEndpoint,
		"address of the daemon HTTP API")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text",
		"output format, text or json")
}

func apiClient() *daemon.Client {
	return daemon.NewClient(address)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
