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
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/medtrace/medtrace/api"
	"github.com/medtrace/medtrace/config"
	trace "github.com/medtrace/medtrace/internal/traces"
)

/*
serveTLS starts an HTTPS server with certificates managed by CertMagic.
Without a configured domain it serves localhost.
*/
func serveTLS(r *gin.Engine, conf config.ServerConfig) error {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: filepath.Join(os.TempDir(), "medtrace", "certmagic")}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		log.Println("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}

	if err := cfg.ManageSync(context.Background(), domains); err != nil {
		return err
	}

	server := &http.Server{
		Addr:      ":" + conf.Port,
		Handler:   r,
		TLSConfig: cfg.TLSConfig(),
	}

	log.Printf("Starting HTTPS server on %s\n", conf.Port)
	if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func initializeTracing(ctx context.Context, cfg *config.Configuration) (func(context.Context) error, error) {
	if !cfg.EnableTelemetry {
		return func(context.Context) error { return nil }, nil
	}
	shutdown, err := trace.SetupOTelSDK(ctx, cfg.ProjectName)
	if err != nil {
		return nil, fmt.Errorf("error setting up OTel SDK: %v", err)
	}
	return shutdown, nil
}

func startServer(router *gin.Engine, cfg config.ServerConfig) error {
	if cfg.SSL {
		return serveTLS(router, cfg)
	}
	log.Printf("Starting server on http://localhost:%s", cfg.Port)
	return router.Run(":" + cfg.Port)
}

/*
serverCommands starts the HTTP API. Unless disabled in the configuration the
reconciliation worker runs in the same process.
*/
func serverCommands(m *medtraceInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start medtrace server",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdown, err := initializeTracing(ctx, m.cnf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			if m.cnf.Reconciliation.IsEnabled() {
				m.medtrace.Reconciler().Start(ctx)
			}
			defer func() {
				if err := m.medtrace.Close(); err != nil {
					logrus.WithError(err).Warn("error closing medtrace")
				}
			}()

			router := api.NewAPI(m.medtrace).Router()
			errCh := make(chan error, 1)
			go func() { errCh <- startServer(router, m.cnf.Server) }()

			select {
			case err := <-errCh:
				if err != nil {
					logrus.WithError(err).Error("server stopped")
				}
			case <-ctx.Done():
				logrus.Info("shutting down")
			}
		},
	}

	return cmd
}
