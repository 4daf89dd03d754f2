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
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/medtrace/medtrace/internal/apierror"
	"github.com/medtrace/medtrace/model"
)

func sampleTransfer() *model.TransferEvent {
	now := time.Now().UTC()
	tr := &model.TransferEvent{
		TransferID:        "trf_1",
		BatchID:           "bat_123",
		BatchNumber:       "B-100",
		Kind:              model.TransferAccept,
		FromCustodian:     "mfr-1",
		CustodyTargetID:   "pharm-1",
		Quantity:          500,
		DualStorageStatus: model.StatusPending,
		CreatedAt:         now,
		LastAttemptAt:     now,
	}
	tr.ComputePayloadHash()
	return tr
}

func TestCreateTransfer_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	tr := sampleTransfer()

	mock.ExpectExec("INSERT INTO medtrace.transfer_events").
		WithArgs(tr.TransferID, tr.BatchID, tr.BatchNumber, tr.Kind, sqlmock.AnyArg(), tr.CustodyTargetID, tr.Quantity,
			tr.DualStorageStatus, tr.PayloadHash, tr.AttemptCount, tr.LastAttemptAt, tr.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	result, err := ds.CreateTransfer(context.Background(), tr)
	assert.NoError(t, err)
	assert.Equal(t, tr, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTransfer_SecondLiveAccept(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectExec("INSERT INTO medtrace.transfer_events").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_transfer_events_live_kind"})

	_, err = ds.CreateTransfer(context.Background(), sampleTransfer())
	assert.True(t, apierror.HasCode(err, apierror.ErrConflict))
	assert.True(t, errors.Is(err, ErrDuplicateKey))
}

func TestGetTransfer(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	tr := sampleTransfer()

	mock.ExpectQuery("FROM medtrace.transfer_events WHERE transfer_id = \\$1").
		WithArgs("trf_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "transfer_id", "batch_id", "batch_number", "kind", "from_custodian", "custody_target_id", "quantity",
			"dual_storage_status", "payload_hash", "ledger_tx_hash", "last_error", "attempt_count", "last_attempt_at", "created_at",
		}).AddRow(7, tr.TransferID, tr.BatchID, tr.BatchNumber, "accept", "mfr-1", tr.CustodyTargetID, tr.Quantity,
			"ledger_committed", tr.PayloadHash, "0xfeed", nil, 1, tr.LastAttemptAt, tr.CreatedAt))

	found, err := ds.GetTransfer(context.Background(), "trf_1")
	assert.NoError(t, err)
	assert.Equal(t, model.TransferAccept, found.Kind)
	assert.Equal(t, model.StatusLedgerCommitted, found.DualStorageStatus)
	assert.Equal(t, "0xfeed", found.LedgerTxHash)
	assert.Equal(t, "B-100/accept", found.LedgerKey())
}

func TestUpdateTransferStatus_StaleTransition(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE medtrace.transfer_events").
		WithArgs("trf_1", model.StatusLedgerCommitted, nil, nil, nil, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.UpdateTransferStatus(context.Background(), "trf_1", model.StatusUpdate{To: model.StatusLedgerCommitted})
	assert.True(t, errors.Is(err, ErrStaleTransition))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindCustodyDrift(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	tr := sampleTransfer()

	mock.ExpectQuery("JOIN medtrace.batches b ON b.batch_id = t.batch_id").
		WithArgs(model.StatusFullySynced, model.StatusRolledBack, model.CustodyAtPharmacy, model.CustodyInTransit, 50).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "transfer_id", "batch_id", "batch_number", "kind", "from_custodian", "custody_target_id", "quantity",
			"dual_storage_status", "payload_hash", "ledger_tx_hash", "last_error", "attempt_count", "last_attempt_at", "created_at",
		}).AddRow(7, tr.TransferID, tr.BatchID, tr.BatchNumber, "accept", "mfr-1", tr.CustodyTargetID, tr.Quantity,
			"fully_synced", tr.PayloadHash, "0xfeed", nil, 1, tr.LastAttemptAt, tr.CreatedAt))

	drifted, err := ds.FindCustodyDrift(context.Background(), 50)
	assert.NoError(t, err)
	assert.Len(t, drifted, 1)
	assert.Equal(t, model.StatusFullySynced, drifted[0].DualStorageStatus)
	assert.Equal(t, "mfr-1", drifted[0].FromCustodian)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindCustodyDrift_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("FROM medtrace.transfer_events t").WillReturnError(errors.New("connection reset"))

	_, err = ds.FindCustodyDrift(context.Background(), 50)
	assert.True(t, apierror.HasCode(err, apierror.ErrServiceUnavailable))
	assert.NoError(t, mock.ExpectationsWereMet())
}
