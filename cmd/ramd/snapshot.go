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
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	libmem "github.com/containers/ramalloc/pkg/lib/memory"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func size(gb float64) string {
	return libmem.ToFixed(gb).String()
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "show the free RAM of the workers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		status, err := apiClient().Status(cmd.Context())
		if err != nil {
			return err
		}
		if output == "json" {
			return printJSON(status)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "HOSTNAME\tFREE")
		for _, c := range status.FreeChunks {
			fmt.Fprintf(w, "%s\t%s\n", c.Hostname, size(c.FreeRam))
		}
		fmt.Fprintf(w, "total\t%s\n", size(status.FreeRamTotal))
		return w.Flush()
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "show workers and allocations of the memory service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		snap, err := apiClient().Snapshot(cmd.Context())
		if err != nil {
			return err
		}
		if output == "json" {
			return printJSON(snap)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "HOSTNAME\tCORES\tTOTAL\tSET-ASIDE\tALLOCATED")
		for _, ws := range snap.Workers {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", ws.Hostname, ws.Cores, size(ws.TotalRam),
				size(ws.SetAsideRam), size(ws.AllocatedRam))
		}
		fmt.Fprintln(w)

		fmt.Fprintln(w, "ALLOCATION\tPID\tHOSTNAME\tCHUNKS\tCLAIMED BY")
		for _, a := range snap.Allocations {
			for _, h := range a.Hosts {
				claims := ""
				for _, c := range a.Claims {
					if c.Hostname == h.Hostname {
						claims += fmt.Sprintf("%d:%s(%d) ", c.Pid, c.Filename, c.NumChunks)
					}
				}
				fmt.Fprintf(w, "#%d\t%d\t%s\t%d x %s\t%s\n", a.AllocationID, a.Pid, h.Hostname,
					h.NumChunks, size(h.ChunkSize), claims)
			}
		}

		return w.Flush()
	},
}
