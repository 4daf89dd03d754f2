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

	"github.com/lib/pq"

	"github.com/medtrace/medtrace/internal/apierror"
	"github.com/medtrace/medtrace/model"
)

// FindDuplicateBatchNumbers lists batch numbers held by more than one live record.
func (d Datasource) FindDuplicateBatchNumbers(ctx context.Context, limit int) ([]string, error) {
	ctx, span := tracer.Start(ctx, "Finding duplicate batch numbers")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT batch_number
		FROM medtrace.batches
		WHERE dual_storage_status <> 'rolled_back'
		GROUP BY batch_number
		HAVING COUNT(*) > 1
		ORDER BY batch_number
		LIMIT $1`, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrServiceUnavailable, "Failed to find duplicate batch numbers", err)
	}
	defer rows.Close()

	var numbers []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan batch number", err)
		}
		numbers = append(numbers, n)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over batch numbers", err)
	}
	return numbers, nil
}

// GetBatchesByNumber returns every live record sharing a batch number, oldest first.
func (d Datasource) GetBatchesByNumber(ctx context.Context, batchNumber string) ([]*model.Batch, error) {
	ctx, span := tracer.Start(ctx, "Fetching batches by number")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM medtrace.batches
		WHERE batch_number = $1 AND dual_storage_status <> 'rolled_back'
		ORDER BY created_at ASC, id ASC`, batchNumber)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrServiceUnavailable, "Failed to retrieve batches", err)
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

// MergeDuplicateBatches re-points transfer events of the duplicates at the canonical record and
// deletes the duplicates, in one transaction. It returns the number of deleted records.
func (d Datasource) MergeDuplicateBatches(ctx context.Context, canonicalID string, duplicateIDs []string) (int64, error) {
	ctx, span := tracer.Start(ctx, "Merging duplicate batches")
	defer span.End()

	if len(duplicateIDs) == 0 {
		return 0, nil
	}

	tx, err := d.Conn.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrServiceUnavailable, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	group := append([]string{canonicalID}, duplicateIDs...)

	// Only one live transfer per kind may survive the merge: the canonical record's own,
	// otherwise the oldest in the group.
	_, err = tx.ExecContext(ctx, `
		UPDATE medtrace.transfer_events t
		SET dual_storage_status = 'rolled_back', last_error = 'superseded during duplicate merge'
		WHERE t.batch_id = ANY($2) AND t.dual_storage_status <> 'rolled_back'
		AND EXISTS (
			SELECT 1 FROM medtrace.transfer_events o
			WHERE o.batch_id = ANY($3) AND o.kind = t.kind AND o.id <> t.id AND o.dual_storage_status <> 'rolled_back'
			AND (o.batch_id = $1 OR o.created_at < t.created_at OR (o.created_at = t.created_at AND o.id < t.id))
		)`, canonicalID, pq.Array(duplicateIDs), pq.Array(group))
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrServiceUnavailable, "Failed to retire superseded transfer events", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE medtrace.transfer_events SET batch_id = $1 WHERE batch_id = ANY($2)`,
		canonicalID, pq.Array(duplicateIDs))
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrServiceUnavailable, "Failed to re-point transfer events", err)
	}

	result, err := tx.ExecContext(ctx, `
		DELETE FROM medtrace.batches WHERE batch_id = ANY($1) AND batch_id <> $2`,
		pq.Array(duplicateIDs), canonicalID)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrServiceUnavailable, "Failed to delete duplicate batches", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, apierror.NewAPIError(apierror.ErrServiceUnavailable, "Failed to commit merge", err)
	}
	return deleted, nil
}
