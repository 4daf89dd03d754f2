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
	"fmt"
	"log"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"

	"github.com/medtrace/medtrace"
	"github.com/medtrace/medtrace/database"
)

func migrateCommands(m *medtraceInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "run medtrace database migrations",
	}

	cmd.AddCommand(migrateCommand(m, "up", migrate.Up))
	cmd.AddCommand(migrateCommand(m, "down", migrate.Down))

	return cmd
}

func migrateCommand(m *medtraceInstance, use string, direction migrate.MigrationDirection) *cobra.Command {
	return &cobra.Command{
		Use: use,
		Run: func(cmd *cobra.Command, args []string) {
			migrations := migrate.EmbedFileSystemMigrationSource{
				FileSystem: medtrace.SQLFiles,
				Root:       "sql",
			}

			db, err := database.ConnectDB(m.cnf.DataSource.Dns)
			if err != nil {
				log.Printf("Error connecting to database: %v", err)
				return
			}
			defer db.Close()

			migrate.SetSchema("medtrace")

			n, err := migrate.Exec(db, "postgres", migrations, direction)
			if err != nil {
				log.Printf("Error migrating %s: %v", use, err)
				return
			}
			fmt.Printf("Applied %d %s migrations!\n", n, use)
		},
	}
}
