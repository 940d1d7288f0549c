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

	"github.com/containers/ramalloc/pkg/leak"
)

var (
	fixLeaks bool
)

func init() {
	rootCmd.AddCommand(checkLeaksCmd)
	checkLeaksCmd.Flags().BoolVar(&fixLeaks, "fix", false, "release orphaned allocations")
}

var checkLeaksCmd = &cobra.Command{
	Use:   "check-leaks",
	Short: "check the memory service bookkeeping against the host",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		report, err := apiClient().CheckLeaks(cmd.Context(), fixLeaks)
		if err != nil {
			return err
		}
		if output == "json" {
			return printJSON(report)
		}

		errors := 0
		for _, f := range report.Findings {
			fmt.Println(f)
			if f.Severity == leak.Error {
				errors++
			}
		}
		if report.Fixed && len(report.Orphans) > 0 {
			fmt.Printf("released orphaned allocations %v\n", report.Orphans)
			errors -= len(report.Orphans)
		}

		if errors > 0 {
			return fmt.Errorf("%w: %d errors", leak.ErrLeakDetected, errors)
		}
		if len(report.Findings) == 0 {
			fmt.Println("no leaks found")
		}

		return nil
	},
}
