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

package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/medtrace/medtrace/model"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Batch methods

func (m *MockDataSource) CreateBatch(ctx context.Context, b *model.Batch) (*model.Batch, error) {
	args := m.Called(ctx, b)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Batch), args.Error(1)
}

func (m *MockDataSource) GetBatchByID(ctx context.Context, id string) (*model.Batch, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Batch), args.Error(1)
}

func (m *MockDataSource) FindByBatchNumber(ctx context.Context, batchNumber string) (*model.Batch, error) {
	args := m.Called(ctx, batchNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Batch), args.Error(1)
}

func (m *MockDataSource) UpdateBatchStatus(ctx context.Context, id string, update model.StatusUpdate) error {
	args := m.Called(ctx, id, update)
	return args.Error(0)
}

func (m *MockDataSource) UpdateBatchCustody(ctx context.Context, id string, state model.CustodyState, custodianID string) error {
	args := m.Called(ctx, id, state, custodianID)
	return args.Error(0)
}

func (m *MockDataSource) FindStaleBatches(ctx context.Context, olderThan time.Time, statuses []model.DualStorageStatus, limit int) ([]*model.Batch, error) {
	args := m.Called(ctx, olderThan, statuses, limit)
	return args.Get(0).([]*model.Batch), args.Error(1)
}

func (m *MockDataSource) CountBatchesByStatus(ctx context.Context) (map[model.DualStorageStatus]int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(map[model.DualStorageStatus]int64), args.Error(1)
}

func (m *MockDataSource) PurgeRolledBackBatches(ctx context.Context, olderThan time.Time) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) DeleteRolledBackBatch(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// Transfer methods

func (m *MockDataSource) CreateTransfer(ctx context.Context, t *model.TransferEvent) (*model.TransferEvent, error) {
	args := m.Called(ctx, t)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TransferEvent), args.Error(1)
}

func (m *MockDataSource) GetTransfer(ctx context.Context, id string) (*model.TransferEvent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TransferEvent), args.Error(1)
}

func (m *MockDataSource) UpdateTransferStatus(ctx context.Context, id string, update model.StatusUpdate) error {
	args := m.Called(ctx, id, update)
	return args.Error(0)
}

func (m *MockDataSource) FindStaleTransfers(ctx context.Context, olderThan time.Time, statuses []model.DualStorageStatus, limit int) ([]*model.TransferEvent, error) {
	args := m.Called(ctx, olderThan, statuses, limit)
	return args.Get(0).([]*model.TransferEvent), args.Error(1)
}

func (m *MockDataSource) CountTransfersByStatus(ctx context.Context) (map[model.DualStorageStatus]int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(map[model.DualStorageStatus]int64), args.Error(1)
}

func (m *MockDataSource) FindCustodyDrift(ctx context.Context, limit int) ([]*model.TransferEvent, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.TransferEvent), args.Error(1)
}

// Dedup methods

func (m *MockDataSource) FindDuplicateBatchNumbers(ctx context.Context, limit int) ([]string, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockDataSource) GetBatchesByNumber(ctx context.Context, batchNumber string) ([]*model.Batch, error) {
	args := m.Called(ctx, batchNumber)
	return args.Get(0).([]*model.Batch), args.Error(1)
}

func (m *MockDataSource) MergeDuplicateBatches(ctx context.Context, canonicalID string, duplicateIDs []string) (int64, error) {
	args := m.Called(ctx, canonicalID, duplicateIDs)
	return args.Get(0).(int64), args.Error(1)
}
