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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/containers/ramalloc/pkg/launch"
	"github.com/containers/ramalloc/pkg/memory"
)

var (
	launchPid  int
	launchOpts launch.Options

	releaseOpts memory.Release
)

func init() {
	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(releaseCmd)

	f := launchCmd.Flags()
	f.IntVarP(&launchOpts.Threads, "threads", "t", 1, "number of threads, 0 for as many as fit")
	f.Float64Var(&launchOpts.RamOverride, "ram", 0, "RAM of a thread in GB instead of the script's")
	f.BoolVar(&launchOpts.Contiguous, "contiguous", false, "start all threads on a single server")
	f.BoolVar(&launchOpts.CoreDependent, "core-dependent", false, "prefer servers with more cores")
	f.BoolVar(&launchOpts.LongRunning, "long-running", false, "prefer the fullest servers")
	f.BoolVar(&launchOpts.Shrinkable, "shrinkable", false, "accept fewer threads")
	f.IntVar(&launchPid, "pid", 0, "process to allocate the RAM for, the daemon by default")

	f = releaseCmd.Flags()
	f.StringVar(&releaseOpts.Hostname, "hostname", "", "release only on this server")
	f.IntVar(&releaseOpts.Pid, "pid", 0, "release only the claims of this process")
	f.IntVar(&releaseOpts.NumChunks, "chunks", 0, "number of unclaimed chunks to release")
}

var launchCmd = &cobra.Command{
	Use:     "launch SCRIPT [ARGS...]",
	Short:   "launch a script in allocated RAM",
	Example: "ramd launch hack.js --threads 20 n00dles",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := apiClient().Launch(cmd.Context(), &launch.Launch{
			Pid:     launchPid,
			Script:  args[0],
			Options: launchOpts,
			Args:    args[1:],
		})
		if err != nil {
			return err
		}
		if output == "json" {
			return printJSON(res)
		}

		for _, s := range res.Spawned {
			fmt.Printf("started pid %d on %s with %d threads\n", s.Pid, s.Hostname, s.Threads)
		}
		fmt.Println(res)

		return nil
	},
}

var releaseCmd = &cobra.Command{
	Use:     "release ALLOCATION-ID",
	Short:   "release an allocation, or a part of it",
	Example: "ramd release 12 --hostname pserv-0 --chunks 4",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := fmt.Sscanf(args[0], "%d", &releaseOpts.AllocationID); err != nil {
			return fmt.Errorf("invalid allocation ID %q: %w", args[0], err)
		}

		released, err := apiClient().Release(cmd.Context(), &releaseOpts)
		if err != nil {
			return err
		}
		if output == "json" {
			return printJSON(released)
		}

		for _, h := range released.Released {
			fmt.Printf("released %d x %s on %s\n", h.NumChunks, size(h.ChunkSize), h.Hostname)
		}
		fmt.Printf("%d chunks remaining in allocation #%d\n", released.Remaining,
			released.AllocationID)

		return nil
	},
}
