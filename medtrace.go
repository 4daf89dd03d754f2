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

package medtrace

import (
	"embed"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/medtrace/medtrace/config"
	"github.com/medtrace/medtrace/database"
	"github.com/medtrace/medtrace/internal/cache"
	"github.com/medtrace/medtrace/internal/metrics"
	redis_db "github.com/medtrace/medtrace/internal/redis-db"
	"github.com/medtrace/medtrace/ledger"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

// Medtrace keeps a batch record store and an append-only verification ledger consistent.
type Medtrace struct {
	datasource database.IDataSource
	ledger     ledger.Adapter
	config     *config.Configuration
	redis      redis.UniversalClient
	cache      cache.Cache
	queue      *Queue
	metrics    *metrics.Metrics
	reconciler *Reconciler
	instanceID string
}

// NewMedtrace wires the service from the loaded configuration. A nil adapter selects the
// ledger named by ledger.endpoint. Redis backed features stay off when redis.dns is empty.
func NewMedtrace(db database.IDataSource, adapter ledger.Adapter) (*Medtrace, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	if adapter == nil {
		adapter, err = ledger.New(configuration.Ledger)
		if err != nil {
			return nil, err
		}
	}

	m := &Medtrace{
		datasource: db,
		ledger:     adapter,
		config:     configuration,
		metrics:    metrics.New("medtrace", prometheus.NewRegistry()),
		instanceID: instanceID(),
	}

	if configuration.Redis.Dns != "" {
		redisClient, err := redis_db.NewRedisClient(strings.Split(configuration.Redis.Dns, ","), configuration.Redis.SkipTLSVerify)
		if err != nil {
			return nil, err
		}
		m.redis = redisClient.Client()
		m.cache = cache.NewCache(m.redis)
		m.queue, err = NewQueue(configuration)
		if err != nil {
			return nil, err
		}
	}

	m.reconciler = NewReconciler(m)
	return m, nil
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "medtrace"
	}
	return host + "-" + uuid.NewString()[:8]
}

func (m *Medtrace) Config() *config.Configuration {
	return m.config
}

func (m *Medtrace) Metrics() *metrics.Metrics {
	return m.metrics
}

func (m *Medtrace) Reconciler() *Reconciler {
	return m.reconciler
}

func (m *Medtrace) Queue() *Queue {
	return m.queue
}

// Close stops the worker and releases the Redis backed clients.
func (m *Medtrace) Close() error {
	m.reconciler.Stop()
	if m.queue != nil {
		_ = m.queue.Close()
	}
	if m.redis != nil {
		return m.redis.Close()
	}
	return nil
}
