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
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medtrace/medtrace/internal/cache"
	"github.com/medtrace/medtrace/model"
)

// verdictTTL bounds how long an authentic verdict is served from the cache.
const verdictTTL = 10 * time.Minute

func verdictKey(batchNumber string) string {
	return "verify:" + batchNumber
}

// VerifyBatch answers whether a batch is authentic. Only a fully_synced record is
// authentic; any other live record is reported as existing but unverified. Rolled back
// records are not visible. The read never mutates state.
func (m *Medtrace) VerifyBatch(ctx context.Context, batchNumber string) (*model.Verification, error) {
	ctx, span := tracer.Start(ctx, "VerifyBatch")
	defer span.End()

	batchNumber = strings.TrimSpace(batchNumber)
	if batchNumber == "" {
		return nil, fmt.Errorf("%w: batch number is required", ErrInvalidBatch)
	}

	if m.cache != nil {
		var cached model.Verification
		err := m.cache.Get(ctx, verdictKey(batchNumber), &cached)
		if err == nil {
			cached.CheckedAt = now()
			m.metrics.Verifications.WithLabelValues(verdictLabel(&cached), "cache").Inc()
			return &cached, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			logrus.WithError(err).Warn("verify cache read failed")
		}
	}

	v := &model.Verification{BatchNumber: batchNumber, CheckedAt: now()}
	batch, err := m.datasource.FindByBatchNumber(ctx, batchNumber)
	switch {
	case isNotFound(err):
	case err != nil:
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	default:
		v.Exists = true
		v.Authentic = batch.DualStorageStatus == model.StatusFullySynced
		v.Status = batch.DualStorageStatus
		v.Custody = batch.CustodyState
		v.CustodianID = batch.CustodianID
		v.MedicineName = batch.MedicineName
		v.Manufacturer = batch.Manufacturer
		expiry := batch.ExpiryDate
		v.ExpiryDate = &expiry
		if batch.DualStorageStatus.Flags().Ledger {
			v.LedgerTxHash = batch.LedgerTxHash
		}
	}
	m.metrics.Verifications.WithLabelValues(verdictLabel(v), "store").Inc()

	if v.Authentic && m.cache != nil {
		if err := m.cache.Set(ctx, verdictKey(batchNumber), v, verdictTTL); err != nil {
			logrus.WithError(err).Warn("verify cache write failed")
		}
	}
	return v, nil
}

// invalidateVerdict drops a cached verdict after the batch behind it changed.
func (m *Medtrace) invalidateVerdict(ctx context.Context, batchNumber string) {
	if m.cache == nil || batchNumber == "" {
		return
	}
	if err := m.cache.Delete(ctx, verdictKey(batchNumber)); err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		logrus.WithField("batch_number", batchNumber).WithError(err).Warn("failed to invalidate cached verdict")
	}
}

func verdictLabel(v *model.Verification) string {
	switch {
	case v.Authentic:
		return "authentic"
	case v.Exists:
		return "unverified"
	default:
		return "absent"
	}
}
