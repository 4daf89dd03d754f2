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
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/medtrace/medtrace"
	"github.com/medtrace/medtrace/config"
	"github.com/medtrace/medtrace/database"
	"github.com/medtrace/medtrace/internal/notification"
)

// Medtrace is the CLI application.
type Medtrace struct {
	cmd *cobra.Command
}

// medtraceInstance carries the service and its configuration into every command.
type medtraceInstance struct {
	medtrace *medtrace.Medtrace
	cnf      *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the service before any command runs.
func preRun(app *medtraceInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		// migrations run before the schema the service relies on exists
		if cmd.Parent() != nil && cmd.Parent().Name() == "migrate" {
			app.cnf = cnf
			return nil
		}

		m, err := setupMedtrace(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.medtrace = m
		app.cnf = cnf
		return nil
	}
}

func setupMedtrace(cfg *config.Configuration) (*medtrace.Medtrace, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	m, err := medtrace.NewMedtrace(db, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating medtrace: %v", err)
	}
	return m, nil
}

func NewCLI() *Medtrace {
	var configFile string
	m := &medtraceInstance{}

	var rootCmd = &cobra.Command{
		Use:   "medtrace",
		Short: "Medicine batch tracking backed by a record store and a verification ledger",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./medtrace.json", "Configuration file for medtrace")
	rootCmd.PersistentPreRunE = preRun(m, &configFile)

	rootCmd.AddCommand(serverCommands(m))
	rootCmd.AddCommand(workerCommands(m))
	rootCmd.AddCommand(migrateCommands(m))
	rootCmd.AddCommand(reconcileCommands(m))
	rootCmd.AddCommand(dedupCommands(m))
	rootCmd.AddCommand(configCommands(m))

	return &Medtrace{cmd: rootCmd}
}

func (w Medtrace) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
