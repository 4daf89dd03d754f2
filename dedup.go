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
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/medtrace/medtrace/model"
)

// checkDuplicate is the online dedup check. The partial unique index on batch_number
// remains the authority when two registrations race past it.
func (m *Medtrace) checkDuplicate(ctx context.Context, batchNumber string) error {
	existing, err := m.datasource.FindByBatchNumber(ctx, batchNumber)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s is held by %s (%s)", ErrDuplicateBatch, batchNumber, existing.BatchID, existing.DualStorageStatus)
	case isNotFound(err):
		return nil
	default:
		return fmt.Errorf("%w: %v", ErrStoreWriteFailure, err)
	}
}

// FindDuplicates reports batch numbers held by more than one live record. The oldest
// record of each group is canonical.
func (m *Medtrace) FindDuplicates(ctx context.Context, limit int) ([]model.DuplicateGroup, error) {
	ctx, span := tracer.Start(ctx, "FindDuplicates")
	defer span.End()

	if limit <= 0 {
		limit = m.config.Reconciliation.BatchSize
	}
	numbers, err := m.datasource.FindDuplicateBatchNumbers(ctx, limit)
	if err != nil {
		return nil, err
	}

	groups := make([]model.DuplicateGroup, 0, len(numbers))
	for _, number := range numbers {
		batches, err := m.datasource.GetBatchesByNumber(ctx, number)
		if err != nil {
			return nil, err
		}
		if len(batches) < 2 {
			continue
		}
		group := model.DuplicateGroup{BatchNumber: number, CanonicalID: batches[0].BatchID}
		for _, b := range batches[1:] {
			group.DuplicateIDs = append(group.DuplicateIDs, b.BatchID)
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// RepairDuplicates merges every duplicate group into its canonical record when apply is
// set. Transfer events are re-pointed at the canonical record before the later
// duplicates are deleted, inside one transaction per group. Without apply it only reports.
func (m *Medtrace) RepairDuplicates(ctx context.Context, limit int, apply bool) ([]model.DuplicateGroup, error) {
	groups, err := m.FindDuplicates(ctx, limit)
	if err != nil || !apply {
		return groups, err
	}

	for i := range groups {
		g := &groups[i]
		deleted, err := m.datasource.MergeDuplicateBatches(ctx, g.CanonicalID, g.DuplicateIDs)
		if err != nil {
			return groups, fmt.Errorf("merging duplicates of %s: %w", g.BatchNumber, err)
		}
		g.Deleted = deleted
		m.invalidateVerdict(ctx, g.BatchNumber)
		logrus.WithFields(logrus.Fields{
			"batch_number": g.BatchNumber,
			"canonical_id": g.CanonicalID,
			"deleted":      deleted,
		}).Info("merged duplicate batches")
	}
	return groups, nil
}

// PurgeBatch deletes a rolled back batch on behalf of its owner. Admins may purge any
// rolled back batch; a manufacturer only the batches it registered.
func (m *Medtrace) PurgeBatch(ctx context.Context, principal model.Principal, batchID string) error {
	ctx, span := tracer.Start(ctx, "PurgeBatch")
	defer span.End()

	if !principal.Can(model.RoleManufacturer) {
		return fmt.Errorf("%w: %s cannot purge batches", ErrForbidden, principal.Role)
	}

	batch, err := m.datasource.GetBatchByID(ctx, batchID)
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if principal.Role != model.RoleAdmin && batch.RegisteredBy != principal.ID {
		return fmt.Errorf("%w: batch %s was registered by another principal", ErrForbidden, batchID)
	}
	if batch.DualStorageStatus != model.StatusRolledBack {
		return fmt.Errorf("%w: batch %s is %s", ErrNotPurgeable, batchID, batch.DualStorageStatus)
	}

	if err := m.datasource.DeleteRolledBackBatch(ctx, batchID); err != nil {
		if isConflict(err) {
			return fmt.Errorf("%w: %v", ErrNotPurgeable, err)
		}
		return fmt.Errorf("%w: %v", ErrStoreWriteFailure, err)
	}
	logrus.WithFields(logrus.Fields{"batch_id": batchID, "batch_number": batch.BatchNumber, "by": principal.ID}).Info("purged rolled back batch")
	return nil
}
