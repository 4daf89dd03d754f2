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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medtrace/medtrace/model"
)

type recordKind string

const (
	kindBatch    recordKind = "batch"
	kindTransfer recordKind = "transfer"
)

// tracked is the view of a batch or a transfer event that the dual-write protocol and the
// reconciliation worker operate on.
type tracked struct {
	kind        recordKind
	id          string
	key         string
	batchNumber string
	payloadHash string
	status      model.DualStorageStatus
	txHash      string
	attempts    int

	// transfer events only
	batchID       string
	fromCustodian string
	target        string
}

func trackBatch(b *model.Batch) *tracked {
	return &tracked{
		kind:        kindBatch,
		id:          b.BatchID,
		key:         b.LedgerKey(),
		batchNumber: b.BatchNumber,
		payloadHash: b.PayloadHash,
		status:      b.DualStorageStatus,
		txHash:      b.LedgerTxHash,
		attempts:    b.AttemptCount,
	}
}

func trackTransfer(t *model.TransferEvent) *tracked {
	return &tracked{
		kind:          kindTransfer,
		id:            t.TransferID,
		key:           t.LedgerKey(),
		batchNumber:   t.BatchNumber,
		payloadHash:   t.PayloadHash,
		status:        t.DualStorageStatus,
		txHash:        t.LedgerTxHash,
		attempts:      t.AttemptCount,
		batchID:       t.BatchID,
		fromCustodian: t.FromCustodian,
		target:        t.CustodyTargetID,
	}
}

func (r *tracked) fields() logrus.Fields {
	return logrus.Fields{
		"kind":         r.kind,
		"id":           r.id,
		"batch_number": r.batchNumber,
		"status":       r.status,
		"attempt":      r.attempts,
	}
}

func (m *Medtrace) loadTracked(ctx context.Context, kind recordKind, id string) (*tracked, error) {
	if kind == kindTransfer {
		t, err := m.datasource.GetTransfer(ctx, id)
		if err != nil {
			return nil, err
		}
		return trackTransfer(t), nil
	}
	b, err := m.datasource.GetBatchByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return trackBatch(b), nil
}

// transition applies a guarded status update and mirrors it onto rec.
func (m *Medtrace) transition(ctx context.Context, rec *tracked, update model.StatusUpdate) error {
	var err error
	if rec.kind == kindTransfer {
		err = m.datasource.UpdateTransferStatus(ctx, rec.id, update)
	} else {
		err = m.datasource.UpdateBatchStatus(ctx, rec.id, update)
	}
	if err != nil {
		return err
	}

	rec.status = update.To
	switch {
	case update.To != model.StatusLedgerCommitted && update.To != model.StatusFullySynced:
		rec.txHash = ""
	case update.LedgerTxHash != nil:
		rec.txHash = *update.LedgerTxHash
	}
	if update.AttemptCount != nil {
		rec.attempts = *update.AttemptCount
	}

	m.afterTransition(ctx, rec)
	return nil
}

// afterTransition moves custody once a transfer reaches a terminal state. The transfer
// status is already settled, so a failure here is logged and the reconciler's custody
// pass re-applies the move.
func (m *Medtrace) afterTransition(ctx context.Context, rec *tracked) {
	if rec.kind != kindTransfer || !rec.status.IsTerminal() {
		return
	}
	if err := m.settleCustody(ctx, rec); err != nil {
		logrus.WithFields(rec.fields()).WithError(err).Error("failed to move custody after transfer settled")
	}
}

// settleCustody applies the custody state implied by a terminal transfer: the receiving
// pharmacy after a sync, the sending custodian after a rollback.
func (m *Medtrace) settleCustody(ctx context.Context, rec *tracked) error {
	var err error
	switch rec.status {
	case model.StatusFullySynced:
		err = m.datasource.UpdateBatchCustody(ctx, rec.batchID, model.CustodyAtPharmacy, rec.target)
	case model.StatusRolledBack:
		err = m.datasource.UpdateBatchCustody(ctx, rec.batchID, model.CustodyAtManufacturer, rec.fromCustodian)
	default:
		return nil
	}
	m.invalidateVerdict(ctx, rec.batchNumber)
	return err
}

func ptr[T any](v T) *T {
	return &v
}

func now() time.Time {
	return time.Now().UTC()
}
