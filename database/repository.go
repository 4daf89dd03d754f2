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

package database

import (
	"context"
	"time"

	"github.com/medtrace/medtrace/model"
)

// IDataSource is the record store contract used by the coordinator, the reconciliation
// worker and the verification service.
type IDataSource interface {
	batch    // Batch records and their dual-storage status
	transfer // Custody transfer events
	dedup    // Historical duplicate repair
}

type batch interface {
	CreateBatch(ctx context.Context, b *model.Batch) (*model.Batch, error)                                                            // Inserts a batch; the natural key is enforced by the store
	GetBatchByID(ctx context.Context, id string) (*model.Batch, error)                                                                // Retrieves a batch by id
	FindByBatchNumber(ctx context.Context, batchNumber string) (*model.Batch, error)                                                  // Retrieves the live (non rolled back) batch for a batch number
	UpdateBatchStatus(ctx context.Context, id string, update model.StatusUpdate) error                                                // Guarded status transition
	UpdateBatchCustody(ctx context.Context, id string, state model.CustodyState, custodianID string) error                            // Moves custody of a batch
	FindStaleBatches(ctx context.Context, olderThan time.Time, statuses []model.DualStorageStatus, limit int) ([]*model.Batch, error) // Batches awaiting reconciliation
	CountBatchesByStatus(ctx context.Context) (map[model.DualStorageStatus]int64, error)                                              // Per-status counts
	PurgeRolledBackBatches(ctx context.Context, olderThan time.Time) (int64, error)                                                   // Deletes rolled back batches past retention
	DeleteRolledBackBatch(ctx context.Context, id string) error                                                                       // Explicit purge by the owning actor
}

type transfer interface {
	CreateTransfer(ctx context.Context, t *model.TransferEvent) (*model.TransferEvent, error)                                                   // Inserts a transfer; one live transfer per batch and kind
	GetTransfer(ctx context.Context, id string) (*model.TransferEvent, error)                                                                   // Retrieves a transfer by id
	UpdateTransferStatus(ctx context.Context, id string, update model.StatusUpdate) error                                                       // Guarded status transition
	FindStaleTransfers(ctx context.Context, olderThan time.Time, statuses []model.DualStorageStatus, limit int) ([]*model.TransferEvent, error) // Transfers awaiting reconciliation
	CountTransfersByStatus(ctx context.Context) (map[model.DualStorageStatus]int64, error)                                                      // Per-status counts
	FindCustodyDrift(ctx context.Context, limit int) ([]*model.TransferEvent, error)                                                            // Settled transfers whose custody move is missing
}

type dedup interface {
	FindDuplicateBatchNumbers(ctx context.Context, limit int) ([]string, error)                          // Batch numbers held by more than one non rolled back record
	GetBatchesByNumber(ctx context.Context, batchNumber string) ([]*model.Batch, error)                  // Every record for a batch number, oldest first
	MergeDuplicateBatches(ctx context.Context, canonicalID string, duplicateIDs []string) (int64, error) // Re-points transfers to the canonical batch, then deletes duplicates
}
