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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/containers/ramalloc/pkg/config"
	"github.com/containers/ramalloc/pkg/daemon"
	logger "github.com/containers/ramalloc/pkg/log"
)

var (
	configFile string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(printConfigCmd)

	for _, cmd := range []*cobra.Command{serveCmd, printConfigCmd} {
		cmd.Flags().StringVarP(&configFile, "config", "c", "", "configuration file")
	}
}

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "run the memory and launch services on a simulated host",
	Example: "ramd serve --config ramd.yaml",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}

		if err := logger.Configure(&cfg.Spec.Log); err != nil {
			return err
		}
		logger.SetStdLogger("stdlog")
		logger.SetSlogLogger("slog")
		logger.SetupDebugToggleSignal(syscall.SIGUSR1)
		defer logger.Flush()

		d, err := daemon.NewSimulated(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return d.Run(ctx)
	},
}

var printConfigCmd = &cobra.Command{
	Use:   "print-config",
	Short: "print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}

		data, err := config.Print(cfg)
		if err != nil {
			return err
		}

		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}
