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
	"log"

	"github.com/spf13/cobra"
)

// dedupCommands finds and merges batches that share a batch number, left behind by
// registrations that predate the uniqueness constraint.
func dedupCommands(m *medtraceInstance) *cobra.Command {
	var (
		apply bool
		limit int
	)

	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "report duplicate batch numbers, merging them with --apply",
		Run: func(cmd *cobra.Command, args []string) {
			defer m.medtrace.Close()

			groups, err := m.medtrace.RepairDuplicates(context.Background(), limit, apply)
			if err != nil {
				log.Fatalf("dedup failed: %v", err)
			}
			if !apply && len(groups) > 0 {
				log.Printf("found %d duplicate groups, rerun with --apply to merge them", len(groups))
			}
			printJSON(groups)
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "merge duplicates into the oldest batch")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of duplicate groups to process")

	return cmd
}
