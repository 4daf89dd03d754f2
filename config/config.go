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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT            = "5005"
	DEFAULT_FOLLOW_UP_QUEUE = "reconcile_follow_up"
	DEFAULT_MONITORING_PORT = "5006"
	MEMORY_LEDGER_ENDPOINT  = "memory://"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"MEDTRACE_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"MEDTRACE_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"MEDTRACE_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"MEDTRACE_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"MEDTRACE_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"MEDTRACE_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"MEDTRACE_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"MEDTRACE_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"MEDTRACE_REDIS_SKIP_TLS_VERIFY"`
}

// LedgerConfig points at the append-only verification ledger.
type LedgerConfig struct {
	Endpoint              string `json:"endpoint" envconfig:"MEDTRACE_LEDGER_ENDPOINT"`
	ContractAddress       string `json:"contract_address" envconfig:"MEDTRACE_LEDGER_CONTRACT_ADDRESS"`
	FromAddress           string `json:"from_address" envconfig:"MEDTRACE_LEDGER_FROM_ADDRESS"`
	ConfirmationTimeoutMs int    `json:"confirmation_timeout_ms" envconfig:"MEDTRACE_LEDGER_CONFIRMATION_TIMEOUT_MS"`
	PollIntervalMs        int    `json:"poll_interval_ms" envconfig:"MEDTRACE_LEDGER_POLL_INTERVAL_MS"`
	MinConfirmations      int    `json:"min_confirmations" envconfig:"MEDTRACE_LEDGER_MIN_CONFIRMATIONS"`
}

// ReconciliationConfig drives the background worker that converges dual writes.
type ReconciliationConfig struct {
	Enabled          *bool `json:"enabled" envconfig:"MEDTRACE_RECONCILIATION_ENABLED"`
	IntervalSec      int   `json:"interval_sec" envconfig:"MEDTRACE_RECONCILIATION_INTERVAL_SEC"`
	BackoffSec       int   `json:"backoff_sec" envconfig:"MEDTRACE_RECONCILIATION_BACKOFF_SEC"`
	MaxAttempts      int   `json:"max_attempts" envconfig:"MEDTRACE_RECONCILIATION_MAX_ATTEMPTS"`
	BatchSize        int   `json:"batch_size" envconfig:"MEDTRACE_RECONCILIATION_BATCH_SIZE"`
	MaxWorkers       int   `json:"max_workers" envconfig:"MEDTRACE_RECONCILIATION_MAX_WORKERS"`
	PurgeIntervalSec int   `json:"purge_interval_sec" envconfig:"MEDTRACE_RECONCILIATION_PURGE_INTERVAL_SEC"`
	RetentionHours   int   `json:"retention_hours" envconfig:"MEDTRACE_RECONCILIATION_RETENTION_HOURS"`
}

type QueueConfig struct {
	FollowUpQueue  string `json:"follow_up_queue" envconfig:"MEDTRACE_QUEUE_FOLLOW_UP"`
	MonitoringPort string `json:"monitoring_port" envconfig:"MEDTRACE_QUEUE_MONITORING_PORT"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"MEDTRACE_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"MEDTRACE_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"MEDTRACE_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"MEDTRACE_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type Configuration struct {
	ProjectName     string               `json:"project_name" envconfig:"MEDTRACE_PROJECT_NAME"`
	EnableTelemetry bool                 `json:"enable_telemetry" envconfig:"MEDTRACE_ENABLE_TELEMETRY"`
	Server          ServerConfig         `json:"server"`
	DataSource      DataSourceConfig     `json:"data_source"`
	Redis           RedisConfig          `json:"redis"`
	Ledger          LedgerConfig         `json:"ledger"`
	Reconciliation  ReconciliationConfig `json:"reconciliation"`
	Queue           QueueConfig          `json:"queue"`
	Notification    Notification         `json:"notification"`
	RateLimit       RateLimitConfig      `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("medtrace", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called medtrace.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		cnf.ProjectName = "Medtrace"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Ledger.Endpoint == "" {
		log.Println("Error: Ledger endpoint is empty. It's a required field.")
		return errors.New("ledger endpoint is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Ledger.Endpoint = strings.TrimSpace(cnf.Ledger.Endpoint)

	if cnf.Ledger.Endpoint != MEMORY_LEDGER_ENDPOINT && cnf.Ledger.ContractAddress == "" {
		return errors.New("ledger contract address is required")
	}

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.Ledger.setDefaults()
	cnf.Reconciliation.setDefaults()

	if cnf.Queue.FollowUpQueue == "" {
		cnf.Queue.FollowUpQueue = DEFAULT_FOLLOW_UP_QUEUE
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = DEFAULT_MONITORING_PORT
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (l *LedgerConfig) setDefaults() {
	if l.ConfirmationTimeoutMs <= 0 {
		l.ConfirmationTimeoutMs = 15000
	}
	if l.PollIntervalMs <= 0 {
		l.PollIntervalMs = 1000
	}
	if l.MinConfirmations <= 0 {
		l.MinConfirmations = 1
	}
}

func (r *ReconciliationConfig) setDefaults() {
	if r.Enabled == nil {
		enabled := true
		r.Enabled = &enabled
	}
	if r.IntervalSec <= 0 {
		r.IntervalSec = 30
	}
	if r.BackoffSec <= 0 {
		r.BackoffSec = 30
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 5
	}
	if r.BatchSize <= 0 {
		r.BatchSize = 100
	}
	if r.MaxWorkers <= 0 {
		r.MaxWorkers = 10
	}
	if r.PurgeIntervalSec <= 0 {
		r.PurgeIntervalSec = 3600
	}
	if r.RetentionHours <= 0 {
		r.RetentionHours = 24
	}
}

// ConfirmationTimeout bounds how long a request waits for the ledger.
func (l LedgerConfig) ConfirmationTimeout() time.Duration {
	return millisOr(l.ConfirmationTimeoutMs, 15000)
}

func (l LedgerConfig) PollInterval() time.Duration {
	return millisOr(l.PollIntervalMs, 1000)
}

func (r ReconciliationConfig) Interval() time.Duration {
	return secondsOr(r.IntervalSec, 30)
}

func (r ReconciliationConfig) Backoff() time.Duration {
	return secondsOr(r.BackoffSec, 30)
}

func (r ReconciliationConfig) PurgeInterval() time.Duration {
	return secondsOr(r.PurgeIntervalSec, 3600)
}

func (r ReconciliationConfig) Retention() time.Duration {
	if r.RetentionHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(r.RetentionHours) * time.Hour
}

func (r ReconciliationConfig) Attempts() int {
	if r.MaxAttempts <= 0 {
		return 5
	}
	return r.MaxAttempts
}

func millisOr(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Millisecond
}

func secondsOr(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

func (r ReconciliationConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
