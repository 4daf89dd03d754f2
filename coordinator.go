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

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/medtrace/medtrace/database"
	"github.com/medtrace/medtrace/internal/apierror"
	"github.com/medtrace/medtrace/ledger"
	"github.com/medtrace/medtrace/model"
)

var tracer = otel.Tracer("medtrace.coordinator")

const pendingConfirmationMessage = "pending blockchain confirmation"

// writeResult is where a dual write stands when control returns to the caller.
type writeResult struct {
	status      model.DualStorageStatus
	txHash      string
	provisional bool
	message     string
}

// RegisterBatch records a new batch in the store and registers it on the ledger.
//
// The store write with status pending is the durability anchor: once it succeeds the
// batch always reaches a terminal state, here or in the reconciliation worker. A ledger
// revert is compensated before returning; a ledger timeout returns a provisional result.
// The returned result is non-nil whenever the store write happened, including when the
// error is ErrLedgerReverted.
func (m *Medtrace) RegisterBatch(ctx context.Context, principal model.Principal, b *model.Batch) (*model.RegisterResult, error) {
	ctx, span := tracer.Start(ctx, "RegisterBatch")
	defer span.End()

	if !principal.Can(model.RoleManufacturer) {
		return nil, fmt.Errorf("%w: %s cannot register batches", ErrForbidden, principal.Role)
	}
	if err := validateBatch(b); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("batch.number", b.BatchNumber))

	if err := m.checkDuplicate(ctx, b.BatchNumber); err != nil {
		m.countOperation("register", err)
		return nil, err
	}

	registeredAt := now()
	b.BatchID = model.GenerateUUIDWithSuffix("batch")
	b.CustodyState = model.CustodyAtManufacturer
	b.CustodianID = principal.ID
	b.RegisteredBy = principal.ID
	b.DualStorageStatus = model.StatusPending
	b.LedgerTxHash = ""
	b.LastError = ""
	b.AttemptCount = 1
	b.CreatedAt = registeredAt
	b.LastAttemptAt = registeredAt
	b.ComputePayloadHash()

	if _, err := m.datasource.CreateBatch(ctx, b); err != nil {
		span.RecordError(err)
		err = storeError(err)
		m.countOperation("register", err)
		return nil, err
	}

	rec := trackBatch(b)
	res, err := m.commit(ctx, rec, "register")
	m.countOperation("register", err, res)

	return &model.RegisterResult{
		BatchID:      b.BatchID,
		BatchNumber:  b.BatchNumber,
		Status:       res.status,
		Provisional:  res.provisional,
		Message:      res.message,
		LedgerTxHash: res.txHash,
		Storage:      res.status.Flags(),
	}, err
}

// commit drives a stored record through the ledger write.
func (m *Medtrace) commit(ctx context.Context, rec *tracked, operation string) (writeResult, error) {
	ctx, span := tracer.Start(ctx, "Dual write ledger phase")
	defer span.End()

	started := time.Now()
	handle, err := m.ledger.Submit(ctx, rec.key, rec.payloadHash)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ledger.ErrReverted) {
			// The registry refuses keys it already holds. An identical payload under the
			// key is this write, confirmed by an earlier submission.
			if found, lookupErr := m.ledger.Lookup(ctx, rec.key); lookupErr == nil && found != nil &&
				(found.PayloadHash == "" || found.PayloadHash == rec.payloadHash) {
				return m.applyOutcome(ctx, rec, ledger.Outcome{State: ledger.StateConfirmed, TxHash: found.TxHash})
			}
			m.metrics.LedgerConfirmDuration.WithLabelValues(operation, string(ledger.StateReverted)).Observe(time.Since(started).Seconds())
			return m.applyOutcome(ctx, rec, ledger.Outcome{State: ledger.StateReverted, Reason: err.Error()})
		}
		// The node may or may not have received the transaction.
		logrus.WithFields(rec.fields()).WithError(err).Warn("ledger submission outcome unknown")
		m.scheduleFollowUp(ctx, rec)
		return writeResult{status: rec.status, provisional: true, message: pendingConfirmationMessage}, nil
	}

	if rec.status == model.StatusPending {
		if err := m.transition(ctx, rec, model.StatusUpdate{To: model.StatusStoreCommitted}); err != nil {
			// Later transitions accept pending as a predecessor, so the write can still settle.
			logrus.WithFields(rec.fields()).WithError(err).Warn("failed to mark record store_committed")
		}
	}

	outcome := m.ledger.AwaitConfirmation(ctx, handle, m.config.Ledger.ConfirmationTimeout())
	m.metrics.LedgerConfirmDuration.WithLabelValues(operation, string(outcome.State)).Observe(time.Since(started).Seconds())
	return m.applyOutcome(ctx, rec, outcome)
}

// applyOutcome records what the ledger said about a submission.
func (m *Medtrace) applyOutcome(ctx context.Context, rec *tracked, outcome ledger.Outcome) (writeResult, error) {
	switch outcome.State {
	case ledger.StateConfirmed:
		err := m.transition(ctx, rec, model.StatusUpdate{To: model.StatusFullySynced, LedgerTxHash: ptr(outcome.TxHash)})
		if isConflict(err) {
			// The sweep or a follow-up may have synced it first.
			if current, lerr := m.loadTracked(ctx, rec.kind, rec.id); lerr == nil {
				*rec = *current
				if rec.status == model.StatusFullySynced {
					return writeResult{status: rec.status, txHash: rec.txHash}, nil
				}
			}
		}
		if err != nil {
			// The ledger holds the write; the worker finds it by key.
			logrus.WithFields(rec.fields()).WithError(err).Error("ledger confirmed but the store could not be updated")
			m.scheduleFollowUp(ctx, rec)
			return writeResult{status: rec.status, txHash: outcome.TxHash, provisional: true, message: pendingConfirmationMessage}, nil
		}
		logrus.WithFields(rec.fields()).WithField("tx_hash", outcome.TxHash).Info("dual write fully synced")
		return writeResult{status: rec.status, txHash: rec.txHash}, nil

	case ledger.StateReverted:
		reason := outcome.Reason
		if reason == "" {
			reason = "ledger reverted the transaction"
		}
		if err := m.compensate(ctx, rec, reason); err != nil {
			logrus.WithFields(rec.fields()).WithError(err).Error("compensation incomplete, the worker will finish it")
		}
		return writeResult{status: rec.status, message: "registration did not complete: " + reason},
			fmt.Errorf("%w: %s", ErrLedgerReverted, reason)

	default:
		if outcome.Accepted && outcome.TxHash != "" {
			update := model.StatusUpdate{To: model.StatusLedgerCommitted, LedgerTxHash: ptr(outcome.TxHash)}
			if rec.status == model.StatusLedgerCommitted {
				update.From = []model.DualStorageStatus{model.StatusLedgerCommitted}
			}
			if err := m.transition(ctx, rec, update); err != nil {
				logrus.WithFields(rec.fields()).WithError(err).Warn("failed to mark record ledger_committed")
			}
		}
		logrus.WithFields(rec.fields()).WithField("reason", outcome.Reason).Info("ledger confirmation timed out, result is provisional")
		m.scheduleFollowUp(ctx, rec)
		return writeResult{status: rec.status, txHash: rec.txHash, provisional: true, message: pendingConfirmationMessage}, nil
	}
}

// compensate moves a record through failed to rolled_back. Rolled back records are
// invisible to verification and free the natural key for a new registration.
func (m *Medtrace) compensate(ctx context.Context, rec *tracked, reason string) error {
	if rec.status != model.StatusFailed {
		if err := m.transition(ctx, rec, model.StatusUpdate{To: model.StatusFailed, LastError: ptr(reason)}); err != nil {
			return err
		}
	}
	if err := m.transition(ctx, rec, model.StatusUpdate{To: model.StatusRolledBack}); err != nil {
		return err
	}
	logrus.WithFields(rec.fields()).WithField("reason", reason).Warn("dual write rolled back")
	return nil
}

func (m *Medtrace) scheduleFollowUp(ctx context.Context, rec *tracked) {
	if m.queue == nil {
		return
	}
	err := m.queue.EnqueueFollowUp(ctx, FollowUpPayload{Kind: string(rec.kind), ID: rec.id, Attempt: rec.attempts}, m.config.Reconciliation.Backoff())
	if err != nil {
		logrus.WithFields(rec.fields()).WithError(err).Warn("failed to enqueue reconciliation follow-up")
	}
}

// storeError translates a record store failure into the coordinator taxonomy.
func storeError(err error) error {
	if errors.Is(err, database.ErrDuplicateKey) {
		return fmt.Errorf("%w: %v", ErrDuplicateBatch, err)
	}
	return fmt.Errorf("%w: %v", ErrStoreWriteFailure, err)
}

func (m *Medtrace) countOperation(operation string, err error, res ...writeResult) {
	outcome := "fully_synced"
	switch {
	case errors.Is(err, ErrDuplicateBatch):
		outcome = "duplicate"
	case errors.Is(err, ErrStoreWriteFailure):
		outcome = "store_failure"
	case errors.Is(err, ErrLedgerReverted):
		outcome = "reverted"
	case err != nil:
		outcome = "error"
	case len(res) > 0 && res[0].provisional:
		outcome = "provisional"
	}
	m.metrics.Operations.WithLabelValues(operation, outcome).Inc()
}

func validateBatch(b *model.Batch) error {
	if b == nil {
		return fmt.Errorf("%w: batch is required", ErrInvalidBatch)
	}
	b.BatchNumber = strings.TrimSpace(b.BatchNumber)
	err := validation.ValidateStruct(b,
		validation.Field(&b.BatchNumber, validation.Required, validation.Length(1, 64)),
		validation.Field(&b.MedicineName, validation.Required, validation.Length(1, 255)),
		validation.Field(&b.Manufacturer, validation.Required, validation.Length(1, 255)),
		validation.Field(&b.Quantity, validation.Required, validation.Min(int64(1))),
		validation.Field(&b.ManufactureDate, validation.Required),
		validation.Field(&b.ExpiryDate, validation.Required, validation.By(func(interface{}) error {
			if !b.ExpiryDate.After(b.ManufactureDate) {
				return errors.New("must be after the manufacture date")
			}
			return nil
		})),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	return nil
}

// isNotFound reports whether the store answered that a record does not exist.
func isNotFound(err error) bool {
	return apierror.HasCode(err, apierror.ErrNotFound)
}

func isConflict(err error) bool {
	return apierror.HasCode(err, apierror.ErrConflict)
}
