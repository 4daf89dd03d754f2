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
	"sort"
	"sync"
	"time"

	"github.com/medtrace/medtrace/database"
	"github.com/medtrace/medtrace/internal/apierror"
	"github.com/medtrace/medtrace/model"
)

// memoryStore is an in-process IDataSource with the same constraints as the PostgreSQL
// schema: one live batch per batch number, one live transfer per batch and kind, and
// guarded status transitions.
type memoryStore struct {
	mu        sync.Mutex
	seq       int64
	batches   []*model.Batch
	transfers []*model.TransferEvent

	createErr error
	statusErr error
	readErr   error

	// custodyErr fails the next custody move into the given state, once.
	custodyErr map[model.CustodyState]error
	// beforeBatchUpdate runs under the lock ahead of every batch status transition.
	beforeBatchUpdate func(b *model.Batch, update model.StatusUpdate)
}

func newMemoryStore() *memoryStore {
	return &memoryStore{}
}

func notFound(kind, id string) error {
	return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("%s '%s' not found", kind, id), nil)
}

func staleTransition(kind, id string) error {
	return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("%s '%s' cannot move", kind, id), database.ErrStaleTransition)
}

func allowed(current model.DualStorageStatus, update model.StatusUpdate) bool {
	from := update.From
	if len(from) == 0 {
		from = model.PredecessorsOf(update.To)
	}
	for _, s := range from {
		if s == current {
			return true
		}
	}
	return false
}

// applyStatus mirrors the SET clause of the guarded UPDATE.
func applyStatus(status *model.DualStorageStatus, txHash, lastError *string, attempts *int, lastAttempt *time.Time, u model.StatusUpdate) {
	*status = u.To
	if u.To == model.StatusLedgerCommitted || u.To == model.StatusFullySynced {
		if u.LedgerTxHash != nil {
			*txHash = *u.LedgerTxHash
		}
	} else {
		*txHash = ""
	}
	if u.LastError != nil {
		*lastError = *u.LastError
	}
	if u.AttemptCount != nil {
		*attempts = *u.AttemptCount
	}
	if u.LastAttemptAt != nil {
		*lastAttempt = *u.LastAttemptAt
	}
}

func copyBatch(b *model.Batch) *model.Batch {
	c := *b
	return &c
}

func copyTransfer(t *model.TransferEvent) *model.TransferEvent {
	c := *t
	return &c
}

func (s *memoryStore) batchByID(id string) *model.Batch {
	for _, b := range s.batches {
		if b.BatchID == id {
			return b
		}
	}
	return nil
}

func (s *memoryStore) CreateBatch(_ context.Context, b *model.Batch) (*model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	for _, existing := range s.batches {
		if existing.BatchNumber == b.BatchNumber && existing.DualStorageStatus != model.StatusRolledBack {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "batch number already exists", database.ErrDuplicateKey)
		}
	}
	s.seq++
	stored := copyBatch(b)
	stored.ID = s.seq
	b.ID = s.seq
	s.batches = append(s.batches, stored)
	return b, nil
}

// insertBatch bypasses the unique constraint, for data that predates it.
func (s *memoryStore) insertBatch(b *model.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	b.ID = s.seq
	s.batches = append(s.batches, copyBatch(b))
}

func (s *memoryStore) GetBatchByID(_ context.Context, id string) (*model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	if b := s.batchByID(id); b != nil {
		return copyBatch(b), nil
	}
	return nil, notFound("batch", id)
}

func (s *memoryStore) FindByBatchNumber(_ context.Context, batchNumber string) (*model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	live := s.liveByNumber(batchNumber)
	if len(live) == 0 {
		return nil, notFound("batch", batchNumber)
	}
	return copyBatch(live[0]), nil
}

func (s *memoryStore) liveByNumber(batchNumber string) []*model.Batch {
	var live []*model.Batch
	for _, b := range s.batches {
		if b.BatchNumber == batchNumber && b.DualStorageStatus != model.StatusRolledBack {
			live = append(live, b)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		if !live[i].CreatedAt.Equal(live[j].CreatedAt) {
			return live[i].CreatedAt.Before(live[j].CreatedAt)
		}
		return live[i].ID < live[j].ID
	})
	return live
}

func (s *memoryStore) UpdateBatchStatus(_ context.Context, id string, update model.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusErr != nil {
		return s.statusErr
	}
	b := s.batchByID(id)
	if b != nil && s.beforeBatchUpdate != nil {
		s.beforeBatchUpdate(b, update)
	}
	if b == nil || !allowed(b.DualStorageStatus, update) {
		return staleTransition("batch", id)
	}
	applyStatus(&b.DualStorageStatus, &b.LedgerTxHash, &b.LastError, &b.AttemptCount, &b.LastAttemptAt, update)
	return nil
}

func (s *memoryStore) UpdateBatchCustody(_ context.Context, id string, state model.CustodyState, custodianID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.custodyErr[state]; ok {
		delete(s.custodyErr, state)
		return err
	}
	b := s.batchByID(id)
	if b == nil {
		return notFound("batch", id)
	}
	b.CustodyState = state
	b.CustodianID = custodianID
	return nil
}

func inStatuses(status model.DualStorageStatus, statuses []model.DualStorageStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func (s *memoryStore) FindStaleBatches(_ context.Context, olderThan time.Time, statuses []model.DualStorageStatus, limit int) ([]*model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Batch
	for _, b := range s.batches {
		if inStatuses(b.DualStorageStatus, statuses) && b.LastAttemptAt.Before(olderThan) {
			out = append(out, copyBatch(b))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastAttemptAt.Before(out[j].LastAttemptAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func zeroCounts() map[model.DualStorageStatus]int64 {
	counts := make(map[model.DualStorageStatus]int64, len(model.AllStatuses))
	for _, st := range model.AllStatuses {
		counts[st] = 0
	}
	return counts
}

func (s *memoryStore) CountBatchesByStatus(_ context.Context) (map[model.DualStorageStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := zeroCounts()
	for _, b := range s.batches {
		counts[b.DualStorageStatus]++
	}
	return counts, nil
}

func (s *memoryStore) referenced(batchID string) bool {
	for _, t := range s.transfers {
		if t.BatchID == batchID {
			return true
		}
	}
	return false
}

func (s *memoryStore) PurgeRolledBackBatches(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*model.Batch
	var purged int64
	for _, b := range s.batches {
		if b.DualStorageStatus == model.StatusRolledBack && b.LastAttemptAt.Before(olderThan) && !s.referenced(b.BatchID) {
			purged++
			continue
		}
		kept = append(kept, b)
	}
	s.batches = kept
	return purged, nil
}

func (s *memoryStore) DeleteRolledBackBatch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range s.batches {
		if b.BatchID == id && b.DualStorageStatus == model.StatusRolledBack && !s.referenced(id) {
			s.batches = append(s.batches[:i], s.batches[i+1:]...)
			return nil
		}
	}
	return staleTransition("batch", id)
}

func (s *memoryStore) transferByID(id string) *model.TransferEvent {
	for _, t := range s.transfers {
		if t.TransferID == id {
			return t
		}
	}
	return nil
}

func (s *memoryStore) CreateTransfer(_ context.Context, t *model.TransferEvent) (*model.TransferEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	for _, existing := range s.transfers {
		if existing.BatchID == t.BatchID && existing.Kind == t.Kind && existing.DualStorageStatus != model.StatusRolledBack {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "batch already has a live transfer", database.ErrDuplicateKey)
		}
	}
	s.seq++
	t.ID = s.seq
	s.transfers = append(s.transfers, copyTransfer(t))
	return t, nil
}

func (s *memoryStore) GetTransfer(_ context.Context, id string) (*model.TransferEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.transferByID(id); t != nil {
		return copyTransfer(t), nil
	}
	return nil, notFound("transfer", id)
}

func (s *memoryStore) UpdateTransferStatus(_ context.Context, id string, update model.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusErr != nil {
		return s.statusErr
	}
	t := s.transferByID(id)
	if t == nil || !allowed(t.DualStorageStatus, update) {
		return staleTransition("transfer", id)
	}
	applyStatus(&t.DualStorageStatus, &t.LedgerTxHash, &t.LastError, &t.AttemptCount, &t.LastAttemptAt, update)
	return nil
}

func (s *memoryStore) FindStaleTransfers(_ context.Context, olderThan time.Time, statuses []model.DualStorageStatus, limit int) ([]*model.TransferEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.TransferEvent
	for _, t := range s.transfers {
		if inStatuses(t.DualStorageStatus, statuses) && t.LastAttemptAt.Before(olderThan) {
			out = append(out, copyTransfer(t))
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) FindCustodyDrift(_ context.Context, limit int) ([]*model.TransferEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.TransferEvent
	for _, t := range s.transfers {
		b := s.batchByID(t.BatchID)
		if b == nil {
			continue
		}
		switch t.DualStorageStatus {
		case model.StatusFullySynced:
			if b.CustodyState != model.CustodyAtPharmacy || b.CustodianID != t.CustodyTargetID {
				out = append(out, copyTransfer(t))
			}
		case model.StatusRolledBack:
			if b.CustodyState == model.CustodyInTransit && !s.liveTransfer(t.BatchID, t.Kind) {
				out = append(out, copyTransfer(t))
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) liveTransfer(batchID string, kind model.TransferKind) bool {
	for _, t := range s.transfers {
		if t.BatchID == batchID && t.Kind == kind && t.DualStorageStatus != model.StatusRolledBack {
			return true
		}
	}
	return false
}

func (s *memoryStore) CountTransfersByStatus(_ context.Context) (map[model.DualStorageStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := zeroCounts()
	for _, t := range s.transfers {
		counts[t.DualStorageStatus]++
	}
	return counts, nil
}

func (s *memoryStore) FindDuplicateBatchNumbers(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]int{}
	for _, b := range s.batches {
		if b.DualStorageStatus != model.StatusRolledBack {
			seen[b.BatchNumber]++
		}
	}
	var numbers []string
	for n, c := range seen {
		if c > 1 {
			numbers = append(numbers, n)
		}
	}
	sort.Strings(numbers)
	if len(numbers) > limit {
		numbers = numbers[:limit]
	}
	return numbers, nil
}

func (s *memoryStore) GetBatchesByNumber(_ context.Context, batchNumber string) ([]*model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Batch
	for _, b := range s.liveByNumber(batchNumber) {
		out = append(out, copyBatch(b))
	}
	return out, nil
}

func (s *memoryStore) MergeDuplicateBatches(_ context.Context, canonicalID string, duplicateIDs []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := map[string]bool{}
	for _, id := range duplicateIDs {
		dup[id] = true
	}

	// One live transfer per kind survives: the canonical batch's own, else the oldest.
	survivor := map[model.TransferKind]*model.TransferEvent{}
	for _, t := range s.transfers {
		if (t.BatchID != canonicalID && !dup[t.BatchID]) || t.DualStorageStatus == model.StatusRolledBack {
			continue
		}
		cur, ok := survivor[t.Kind]
		switch {
		case !ok:
			survivor[t.Kind] = t
		case cur.BatchID == canonicalID:
		case t.BatchID == canonicalID || t.CreatedAt.Before(cur.CreatedAt):
			survivor[t.Kind] = t
		}
	}
	for _, t := range s.transfers {
		if !dup[t.BatchID] && t.BatchID != canonicalID {
			continue
		}
		if t.DualStorageStatus != model.StatusRolledBack && survivor[t.Kind] != t {
			t.DualStorageStatus = model.StatusRolledBack
			t.LastError = "superseded during duplicate merge"
		}
		t.BatchID = canonicalID
	}

	var kept []*model.Batch
	var deleted int64
	for _, b := range s.batches {
		if dup[b.BatchID] && b.BatchID != canonicalID {
			deleted++
			continue
		}
		kept = append(kept, b)
	}
	s.batches = kept
	return deleted, nil
}

func (s *memoryStore) batch(id string) *model.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b := s.batchByID(id); b != nil {
		return copyBatch(b)
	}
	return nil
}

func (s *memoryStore) transfer(id string) *model.TransferEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.transferByID(id); t != nil {
		return copyTransfer(t)
	}
	return nil
}

func (s *memoryStore) age(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		b.LastAttemptAt = b.LastAttemptAt.Add(-d)
	}
	for _, t := range s.transfers {
		t.LastAttemptAt = t.LastAttemptAt.Add(-d)
	}
}

var _ database.IDataSource = (*memoryStore)(nil)
