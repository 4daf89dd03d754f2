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
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medtrace/medtrace/config"
	"github.com/medtrace/medtrace/internal/apierror"
	"github.com/medtrace/medtrace/ledger"
	"github.com/medtrace/medtrace/model"
)

func TestVerifyBatchAbsent(t *testing.T) {
	m := newTestMedtrace(t, newMemoryStore(), ledger.NewMemoryLedger())

	v, err := m.VerifyBatch(context.Background(), "B-none")
	require.NoError(t, err)
	assert.False(t, v.Exists)
	assert.False(t, v.Authentic)
	assert.Empty(t, v.Status)
	assert.False(t, v.CheckedAt.IsZero())

	_, err = m.VerifyBatch(context.Background(), "  ")
	assert.True(t, errors.Is(err, ErrInvalidBatch))
}

func TestVerifyBatchAuthenticOnlyWhenFullySynced(t *testing.T) {
	store := newMemoryStore()
	m := newTestMedtrace(t, store, ledger.NewMemoryLedger())
	ctx := context.Background()

	for _, status := range model.AllStatuses {
		number := "B-V-" + string(status)
		b := seedBatch(store, number, status, 1)
		if status.Flags().Ledger {
			store.mu.Lock()
			store.batchByID(b.BatchID).LedgerTxHash = "0xfeed"
			store.mu.Unlock()
		}

		v, err := m.VerifyBatch(ctx, number)
		require.NoError(t, err)
		assert.Equal(t, status == model.StatusFullySynced, v.Authentic, status)
		if status == model.StatusRolledBack {
			assert.False(t, v.Exists, status)
			continue
		}
		assert.True(t, v.Exists, status)
		assert.Equal(t, status, v.Status)
		assert.Equal(t, model.CustodyAtManufacturer, v.Custody)
		if status.Flags().Ledger {
			assert.Equal(t, "0xfeed", v.LedgerTxHash)
		} else {
			assert.Empty(t, v.LedgerTxHash)
		}
	}
}

func TestVerifyBatchStoreUnavailable(t *testing.T) {
	store := newMemoryStore()
	store.readErr = apierror.NewAPIError(apierror.ErrServiceUnavailable, "Failed to retrieve batch", errors.New("connection refused"))
	m := newTestMedtrace(t, store, ledger.NewMemoryLedger())

	_, err := m.VerifyBatch(context.Background(), "B-V1")
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
}

func TestVerifyBatchCachesAuthenticVerdicts(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newMemoryStore()
	m := newTestMedtrace(t, store, ledger.NewMemoryLedger(), func(c *config.Configuration) {
		c.Redis.Dns = mr.Addr()
	})
	ctx := context.Background()

	registerSynced(t, m, "B-V2")
	seedBatch(store, "B-V3", model.StatusStoreCommitted, 1)

	v, err := m.VerifyBatch(ctx, "B-V2")
	require.NoError(t, err)
	assert.True(t, v.Authentic)
	assert.True(t, mr.Exists("verify:B-V2"))

	_, err = m.VerifyBatch(ctx, "B-V3")
	require.NoError(t, err)
	assert.False(t, mr.Exists("verify:B-V3"))

	// A cached verdict is served without touching the store.
	store.mu.Lock()
	store.readErr = errors.New("store offline")
	store.mu.Unlock()

	cached, err := m.VerifyBatch(ctx, "B-V2")
	require.NoError(t, err)
	assert.True(t, cached.Authentic)
	assert.Equal(t, v.LedgerTxHash, cached.LedgerTxHash)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.Verifications.WithLabelValues("authentic", "cache")))

	m.invalidateVerdict(ctx, "B-V2")
	assert.False(t, mr.Exists("verify:B-V2"))
	_, err = m.VerifyBatch(ctx, "B-V2")
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
}
