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

package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersOnOwnRegistry(t *testing.T) {
	// Two instances must not collide.
	m1 := New("", prometheus.NewRegistry())
	m2 := New("", prometheus.NewRegistry())

	m1.Operations.WithLabelValues("register", "fully_synced").Inc()
	m2.Operations.WithLabelValues("register", "fully_synced").Add(2)

	assert.Equal(t, float64(1), testutil.ToFloat64(m1.Operations.WithLabelValues("register", "fully_synced")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m2.Operations.WithLabelValues("register", "fully_synced")))
}

func TestHandler(t *testing.T) {
	m := New("medtrace", nil)
	m.Exhausted.WithLabelValues("batch").Inc()
	m.RecordsByStatus.WithLabelValues("batch", "fully_synced").Set(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `medtrace_reconcile_exhausted_total{kind="batch"} 1`)
	assert.Contains(t, string(body), `medtrace_records_by_status{kind="batch",status="fully_synced"} 4`)
}
