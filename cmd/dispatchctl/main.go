// Copyright 2025 Comfy Deploy
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

// dispatchctl is the admin CLI for a running dispatchd.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "dispatchctl",
		Short:         "Administer a running dispatch daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var addr string
	root.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:3011",
		"Base URL of the dispatch daemon")

	client := &apiClient{addr: &addr}
	root.AddCommand(newStatusCommand(client))
	root.AddCommand(newQueueCommand(client))
	root.AddCommand(newMachinesCommand(client))
	root.AddCommand(newReconcileCommand(client))
	root.AddCommand(newRunCommand(client))
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dispatchctl %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
