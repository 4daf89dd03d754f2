/*
Copyright 2024 Medtrace Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/spf13/cobra"
)

// reconcileCommands runs reconciliation from the command line, for operators and cron.
func reconcileCommands(m *medtraceInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "converge records stuck between the store and the ledger",
	}

	var purge bool
	runOnce := &cobra.Command{
		Use:   "run-once",
		Short: "run a single reconciliation sweep and print its report",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			defer m.medtrace.Close()

			report, err := m.medtrace.RunReconciliation(ctx)
			if err != nil {
				log.Fatalf("reconciliation failed: %v", err)
			}
			if purge {
				n, err := m.medtrace.Reconciler().Purge(ctx)
				if err != nil {
					log.Fatalf("purge failed: %v", err)
				}
				report.Purged = n
			}
			printJSON(report)
		},
	}
	runOnce.Flags().BoolVar(&purge, "purge", false, "also delete rolled back batches past the retention window")

	status := &cobra.Command{
		Use:   "status",
		Short: "print record counts per dual-storage status",
		Run: func(cmd *cobra.Command, args []string) {
			defer m.medtrace.Close()
			resp, err := m.medtrace.ReconcileStatus(context.Background())
			if err != nil {
				log.Fatalf("status failed: %v", err)
			}
			printJSON(resp)
		},
	}

	cmd.AddCommand(runOnce, status)
	return cmd
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		log.Fatalf("Error printing result: %v\n", err)
	}
	fmt.Println(string(data))
}
