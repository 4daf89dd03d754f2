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
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/medtrace/medtrace/internal/apierror"
	"github.com/medtrace/medtrace/model"
)

const transferColumns = `id, transfer_id, batch_id, batch_number, kind, from_custodian, custody_target_id, quantity,
	dual_storage_status, payload_hash, ledger_tx_hash, last_error, attempt_count, last_attempt_at, created_at`

func scanTransfer(row rowScanner) (*model.TransferEvent, error) {
	t := &model.TransferEvent{}
	var fromCustodian, ledgerTxHash, lastError sql.NullString
	err := row.Scan(
		&t.ID, &t.TransferID, &t.BatchID, &t.BatchNumber, &t.Kind, &fromCustodian, &t.CustodyTargetID, &t.Quantity,
		&t.DualStorageStatus, &t.PayloadHash, &ledgerTxHash, &lastError, &t.AttemptCount, &t.LastAttemptAt, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.FromCustodian = fromCustodian.String
	t.LedgerTxHash = ledgerTxHash.String
	t.LastError = lastError.String
	return t, nil
}

// CreateTransfer inserts a custody change. At most one live transfer of a kind may exist per batch.
func (d Datasource) CreateTransfer(ctx context.Context, t *model.TransferEvent) (*model.TransferEvent, error) {
	ctx, span := tracer.Start(ctx, "Saving transfer event to db")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO medtrace.transfer_events (transfer_id, batch_id, batch_number, kind, from_custodian,
			custody_target_id, quantity, dual_storage_status, payload_hash, attempt_count, last_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.TransferID, t.BatchID, t.BatchNumber, t.Kind, nullString(t.FromCustodian), t.CustodyTargetID, t.Quantity,
		t.DualStorageStatus, t.PayloadHash, t.AttemptCount, t.LastAttemptAt, t.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		if isUniqueViolation(err) {
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Batch '%s' already has a live %s transfer", t.BatchNumber, t.Kind), fmt.Errorf("%w: %v", ErrDuplicateKey, err))
		}
		return nil, apierror.NewAPIError(apierror.ErrServiceUnavailable, "Failed to record transfer event", err)
	}
	return t, nil
}

func (d Datasource) GetTransfer(ctx context.Context, id string) (*model.TransferEvent, error) {
	ctx, span := tracer.Start(ctx, "Fetching transfer event")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM medtrace.transfer_events WHERE transfer_id = $1`, id)
	t, err := scanTransfer(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transfer with ID '%s' not found", id), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrServiceUnavailable, "Failed to retrieve transfer event", err)
	}
	return t, nil
}

func (d Datasource) UpdateTransferStatus(ctx context.Context, id string, update model.StatusUpdate) error {
	ctx, span := tracer.Start(ctx, "Updating transfer status")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE medtrace.transfer_events
		SET dual_storage_status = $2,
			ledger_tx_hash = CASE WHEN $2 IN ('ledger_committed', 'fully_synced') THEN COALESCE($3, ledger_tx_hash) END,
			last_error = COALESCE($4, last_error),
			attempt_count = COALESCE($5, attempt_count),
			last_attempt_at = COALESCE($6, last_attempt_at)
		WHERE transfer_id = $1 AND dual_storage_status = ANY($7)`,
		id, update.To, update.LedgerTxHash, update.LastError, update.AttemptCount, update.LastAttemptAt, pq.Array(fromStatuses(update)),
	)
	return checkGuardedUpdate(result, err, "transfer", id, update.To)
}

func (d Datasource) FindStaleTransfers(ctx context.Context, olderThan time.Time, statuses []model.DualStorageStatus, limit int) ([]*model.TransferEvent, error) {
	ctx, span := tracer.Start(ctx, "Fetching stale transfer events")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+transferColumns+`
		FROM medtrace.transfer_events
		WHERE dual_storage_status = ANY($1) AND last_attempt_at < $2
		ORDER BY last_attempt_at ASC
		LIMIT $3`, pq.Array(statusStrings(statuses)), olderThan, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrServiceUnavailable, "Failed to retrieve stale transfer events", err)
	}
	defer rows.Close()

	var transfers []*model.TransferEvent
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transfer event", err)
		}
		transfers = append(transfers, t)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over transfer events", err)
	}
	return transfers, nil
}

// FindCustodyDrift returns settled transfers whose batch custody does not match the
// outcome: a synced acceptance whose batch is not with the receiving pharmacy, or a
// rolled back acceptance whose batch is still in transit with no other live acceptance.
func (d Datasource) FindCustodyDrift(ctx context.Context, limit int) ([]*model.TransferEvent, error) {
	ctx, span := tracer.Start(ctx, "Fetching transfers with custody drift")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT t.id, t.transfer_id, t.batch_id, t.batch_number, t.kind, t.from_custodian, t.custody_target_id, t.quantity,
			t.dual_storage_status, t.payload_hash, t.ledger_tx_hash, t.last_error, t.attempt_count, t.last_attempt_at, t.created_at
		FROM medtrace.transfer_events t
		JOIN medtrace.batches b ON b.batch_id = t.batch_id
		WHERE (t.dual_storage_status = $1
				AND (b.custody_state <> $3 OR b.custodian_id IS DISTINCT FROM t.custody_target_id))
			OR (t.dual_storage_status = $2 AND b.custody_state = $4
				AND NOT EXISTS (
					SELECT 1 FROM medtrace.transfer_events o
					WHERE o.batch_id = t.batch_id AND o.kind = t.kind AND o.dual_storage_status <> $2))
		ORDER BY t.last_attempt_at ASC
		LIMIT $5`,
		model.StatusFullySynced, model.StatusRolledBack, model.CustodyAtPharmacy, model.CustodyInTransit, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrServiceUnavailable, "Failed to retrieve transfers with custody drift", err)
	}
	defer rows.Close()

	var transfers []*model.TransferEvent
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transfer event", err)
		}
		transfers = append(transfers, t)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over transfer events", err)
	}
	return transfers, nil
}

func (d Datasource) CountTransfersByStatus(ctx context.Context) (map[model.DualStorageStatus]int64, error) {
	return d.countByStatus(ctx, "medtrace.transfer_events")
}
