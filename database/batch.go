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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"github.com/medtrace/medtrace/internal/apierror"
	"github.com/medtrace/medtrace/model"
)

var (
	// ErrDuplicateKey is wrapped when the store rejects a natural-key collision.
	ErrDuplicateKey = errors.New("natural key already held by a live record")
	// ErrStaleTransition is wrapped when a guarded status update matched no row.
	ErrStaleTransition = errors.New("record is not in an expected status")
)

var tracer = otel.Tracer("medtrace.database")

const batchColumns = `id, batch_id, batch_number, medicine_name, manufacturer, quantity, manufacture_date, expiry_date,
	custody_state, custodian_id, registered_by, dual_storage_status, payload_hash, ledger_tx_hash, last_error,
	attempt_count, last_attempt_at, created_at, meta_data`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBatch(row rowScanner) (*model.Batch, error) {
	b := &model.Batch{}
	var custodianID, registeredBy, ledgerTxHash, lastError sql.NullString
	var metaDataJSON []byte
	err := row.Scan(
		&b.ID, &b.BatchID, &b.BatchNumber, &b.MedicineName, &b.Manufacturer, &b.Quantity, &b.ManufactureDate, &b.ExpiryDate,
		&b.CustodyState, &custodianID, &registeredBy, &b.DualStorageStatus, &b.PayloadHash, &ledgerTxHash, &lastError,
		&b.AttemptCount, &b.LastAttemptAt, &b.CreatedAt, &metaDataJSON,
	)
	if err != nil {
		return nil, err
	}
	b.CustodianID = custodianID.String
	b.RegisteredBy = registeredBy.String
	b.LedgerTxHash = ledgerTxHash.String
	b.LastError = lastError.String
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &b.MetaData); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// CreateBatch inserts a batch. The partial unique index on batch_number is the first line of
// defence against duplicates; a violation comes back as a CONFLICT APIError wrapping ErrDuplicateKey.
func (d Datasource) CreateBatch(ctx context.Context, b *model.Batch) (*model.Batch, error) {
	ctx, span := tracer.Start(ctx, "Saving batch to db")
	defer span.End()

	metaDataJSON, err := json.Marshal(b.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO medtrace.batches (batch_id, batch_number, medicine_name, manufacturer, quantity, manufacture_date,
			expiry_date, custody_state, custodian_id, registered_by, dual_storage_status, payload_hash, attempt_count,
			last_attempt_at, created_at, meta_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		b.BatchID, b.BatchNumber, b.MedicineName, b.Manufacturer, b.Quantity, b.ManufactureDate, b.ExpiryDate,
		b.CustodyState, nullString(b.CustodianID), nullString(b.RegisteredBy), b.DualStorageStatus, b.PayloadHash,
		b.AttemptCount, b.LastAttemptAt, b.CreatedAt, metaDataJSON,
	)
	if err != nil {
		span.RecordError(err)
		if isUniqueViolation(err) {
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Batch number '%s' is already registered", b.BatchNumber), fmt.Errorf("%w: %v", ErrDuplicateKey, err))
		}
		return nil, apierror.NewAPIError(apierror.ErrServiceUnavailable, "Failed to record batch", err)
	}

	return b, nil
}

func (d Datasource) GetBatchByID(ctx context.Context, id string) (*model.Batch, error) {
	ctx, span := tracer.Start(ctx, "Fetching batch by id")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM medtrace.batches WHERE batch_id = $1`, id)
	b, err := scanBatch(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Batch with ID '%s' not found", id), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrServiceUnavailable, "Failed to retrieve batch", err)
	}
	return b, nil
}

// FindByBatchNumber returns the live record for a batch number. Rolled back records are
// invisible to it, so a compensated registration reads as absent.
func (d Datasource) FindByBatchNumber(ctx context.Context, batchNumber string) (*model.Batch, error) {
	ctx, span := tracer.Start(ctx, "Fetching batch by number")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+batchColumns+`
		FROM medtrace.batches
		WHERE batch_number = $1 AND dual_storage_status <> 'rolled_back'
		ORDER BY created_at ASC, id ASC
		LIMIT 1`, batchNumber)
	b, err := scanBatch(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Batch number '%s' not found", batchNumber), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrServiceUnavailable, "Failed to retrieve batch", err)
	}
	return b, nil
}

// UpdateBatchStatus applies a guarded transition: the row only changes while its current
// status is one of update.From (every legal predecessor of update.To when From is empty).
func (d Datasource) UpdateBatchStatus(ctx context.Context, id string, update model.StatusUpdate) error {
	ctx, span := tracer.Start(ctx, "Updating batch status")
	defer span.End()

	from := fromStatuses(update)
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE medtrace.batches
		SET dual_storage_status = $2,
			ledger_tx_hash = CASE WHEN $2 IN ('ledger_committed', 'fully_synced') THEN COALESCE($3, ledger_tx_hash) END,
			last_error = COALESCE($4, last_error),
			attempt_count = COALESCE($5, attempt_count),
			last_attempt_at = COALESCE($6, last_attempt_at)
		WHERE batch_id = $1 AND dual_storage_status = ANY($7)`,
		id, update.To, update.LedgerTxHash, update.LastError, update.AttemptCount, update.LastAttemptAt, pq.Array(from),
	)
	return checkGuardedUpdate(result, err, "batch", id, update.To)
}

func (d Datasource) UpdateBatchCustody(ctx context.Context, id string, state model.CustodyState, custodianID string) error {
	ctx, span := tracer.Start(ctx, "Updating batch custody")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE medtrace.batches
		SET custody_state = $2, custodian_id = $3
		WHERE batch_id = $1`, id, state, nullString(custodianID))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrServiceUnavailable, "Failed to update batch custody", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Batch with ID '%s' not found", id), nil)
	}
	return nil
}

func (d Datasource) FindStaleBatches(ctx context.Context, olderThan time.Time, statuses []model.DualStorageStatus, limit int) ([]*model.Batch, error) {
	ctx, span := tracer.Start(ctx, "Fetching stale batches")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM medtrace.batches
		WHERE dual_storage_status = ANY($1) AND last_attempt_at < $2
		ORDER BY last_attempt_at ASC
		LIMIT $3`, pq.Array(statusStrings(statuses)), olderThan, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrServiceUnavailable, "Failed to retrieve stale batches", err)
	}
	defer rows.Close()

	var batches []*model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan batch data", err)
		}
		batches = append(batches, b)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over batches", err)
	}
	return batches, nil
}

func (d Datasource) CountBatchesByStatus(ctx context.Context) (map[model.DualStorageStatus]int64, error) {
	return d.countByStatus(ctx, "medtrace.batches")
}

// PurgeRolledBackBatches deletes rolled back batches whose last attempt is older than the cutoff.
func (d Datasource) PurgeRolledBackBatches(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "Purging rolled back batches")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		DELETE FROM medtrace.batches b
		WHERE b.dual_storage_status = 'rolled_back' AND b.last_attempt_at < $1
		AND NOT EXISTS (SELECT 1 FROM medtrace.transfer_events t WHERE t.batch_id = b.batch_id)`, olderThan)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrServiceUnavailable, "Failed to purge rolled back batches", err)
	}
	return result.RowsAffected()
}

func (d Datasource) DeleteRolledBackBatch(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "Deleting rolled back batch")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		DELETE FROM medtrace.batches b
		WHERE b.batch_id = $1 AND b.dual_storage_status = 'rolled_back'
		AND NOT EXISTS (SELECT 1 FROM medtrace.transfer_events t WHERE t.batch_id = b.batch_id)`, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrServiceUnavailable, "Failed to delete batch", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Batch with ID '%s' is not a purgeable rolled back record", id), ErrStaleTransition)
	}
	return nil
}

func (d Datasource) countByStatus(ctx context.Context, table string) (map[model.DualStorageStatus]int64, error) {
	ctx, span := tracer.Start(ctx, "Counting records by status")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `SELECT dual_storage_status, COUNT(*) FROM `+table+` GROUP BY dual_storage_status`)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrServiceUnavailable, "Failed to count records", err)
	}
	defer rows.Close()

	counts := make(map[model.DualStorageStatus]int64, len(model.AllStatuses))
	for _, s := range model.AllStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var status model.DualStorageStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan status count", err)
		}
		counts[status] = count
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while counting records", err)
	}
	return counts, nil
}

func fromStatuses(update model.StatusUpdate) []string {
	from := update.From
	if len(from) == 0 {
		from = model.PredecessorsOf(update.To)
	}
	return statusStrings(from)
}

func statusStrings(statuses []model.DualStorageStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func checkGuardedUpdate(result sql.Result, err error, kind, id string, to model.DualStorageStatus) error {
	if err != nil {
		return apierror.NewAPIError(apierror.ErrServiceUnavailable, fmt.Sprintf("Failed to update %s status", kind), err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("%s '%s' cannot move to %s from its current status", kind, id, to), ErrStaleTransition)
	}
	return nil
}
