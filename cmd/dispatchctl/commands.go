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

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/comfydeploy/dispatch/internal/queue"
	"github.com/comfydeploy/dispatch/internal/supervisor"
)

func newStatusCommand(client *apiClient) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and queue status",
		Example: `  # Show queue tallies
  dispatchctl status

  # Machine-readable output
  dispatchctl status --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var status supervisor.Status
			if err := client.get(cmd.Context(), "/api/status", &status); err != nil {
				return err
			}
			if asJSON {
				return printJSON(status)
			}

			fmt.Printf("Running: %v\n\n", status.Running)
			w := newTabWriter()
			fmt.Fprintln(w, "QUEUE\tWAITING\tPRIORITIZED\tACTIVE\tDELAYED\tCOMPLETED\tFAILED")
			printCounts(w, "workflow", status.Runs)
			printCounts(w, "notification", status.Notifications)
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func printCounts(w *tabwriter.Writer, name string, c queue.Counts) {
	fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
		name, c.Waiting, c.Prioritized, c.Active, c.Delayed, c.Completed, c.Failed)
}

func newQueueCommand(client *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect job queues",
	}
	cmd.AddCommand(newQueueLsCommand(client))
	return cmd
}

func newQueueLsCommand(client *apiClient) *cobra.Command {
	var queueName string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "ls [state]",
		Short: "List jobs in a state",
		Long:  "List queue jobs, filtered by state (waiting, prioritized, active, delayed, completed, failed). Defaults to waiting.",
		Example: `  # Waiting run jobs
  dispatchctl queue ls

  # Failed notification deliveries
  dispatchctl queue ls failed --queue notification`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state := "waiting"
			if len(args) == 1 {
				state = args[0]
			}

			var resp struct {
				Jobs []*queue.Job `json:"jobs"`
			}
			path := fmt.Sprintf("/api/jobs?queue=%s&state=%s", queueName, state)
			if err := client.get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			if asJSON {
				return printJSON(resp)
			}

			w := newTabWriter()
			fmt.Fprintln(w, "ID\tSTATE\tPRIORITY\tATTEMPTS\tENQUEUED")
			for _, job := range resp.Jobs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
					job.ID, job.State, job.Priority, job.AttemptsMade,
					time.UnixMilli(job.Timestamp).Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&queueName, "queue", "workflow", "Queue name (workflow, notification)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

// machineRow mirrors the daemon's machine listing payload.
type machineRow struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Kind              string `json:"kind"`
	Status            string `json:"status"`
	OperationalStatus string `json:"operational_status"`
	CurrentQueue      int    `json:"current_queue"`
	Capacity          int    `json:"capacity"`
	Disabled          bool   `json:"disabled"`
	EligibilityReason string `json:"eligibility_reason"`
}

func newMachinesCommand(client *apiClient) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "machines",
		Short: "List machines and their load",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Machines []machineRow `json:"machines"`
			}
			if err := client.get(cmd.Context(), "/api/machines", &resp); err != nil {
				return err
			}
			if asJSON {
				return printJSON(resp)
			}

			w := newTabWriter()
			fmt.Fprintln(w, "ID\tNAME\tKIND\tSTATUS\tLOAD\tELIGIBLE")
			for _, m := range resp.Machines {
				eligible := "yes"
				if m.EligibilityReason != "" {
					eligible = m.EligibilityReason
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
					m.ID, m.Name, m.Kind, m.Status, m.CurrentQueue, m.Capacity, eligible)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newReconcileCommand(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <machine-id>",
		Short: "Re-sync a machine's tracked queue depth",
		Long:  "Probe a classic machine's live queue and overwrite the tracked admission count with the observed depth.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				MachineID    string `json:"machine_id"`
				CurrentQueue int    `json:"current_queue"`
			}
			path := "/api/machines/" + args[0] + "/reconcile"
			if err := client.post(cmd.Context(), path, nil, &resp); err != nil {
				return err
			}
			fmt.Printf("%s current_queue=%d\n", resp.MachineID, resp.CurrentQueue)
			return nil
		},
	}
}

func newRunCommand(client *apiClient) *cobra.Command {
	var inputsJSON string

	cmd := &cobra.Command{
		Use:   "run <deployment-id>",
		Short: "Enqueue a workflow run",
		Example: `  # Enqueue a run
  dispatchctl run dep-123

  # With workflow inputs
  dispatchctl run dep-123 --inputs '{"prompt": "a cat"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"deployment_id": args[0]}
			if inputsJSON != "" {
				var inputs map[string]any
				if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
					return fmt.Errorf("invalid --inputs JSON: %w", err)
				}
				body["inputs"] = inputs
			}

			var resp struct {
				JobID             string `json:"job_id"`
				Status            string `json:"status"`
				EstimatedWaitTime int    `json:"estimated_wait_time"`
			}
			if err := client.post(cmd.Context(), "/api/run", body, &resp); err != nil {
				return err
			}
			fmt.Printf("%s %s (estimated wait %ds)\n", resp.JobID, resp.Status, resp.EstimatedWaitTime)
			return nil
		},
	}

	cmd.Flags().StringVar(&inputsJSON, "inputs", "", "Workflow inputs as a JSON object")
	return cmd
}

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
