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
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/medtrace/medtrace/model"
)

// AcceptBatch moves a registered batch into the custody of a pharmacy. The acceptance is a
// dual write of its own and follows the same protocol as RegisterBatch. At most one live
// acceptance exists per batch, so of two pharmacies racing for the same batch exactly one
// wins and the other gets ErrDuplicateBatch.
func (m *Medtrace) AcceptBatch(ctx context.Context, principal model.Principal, req model.AcceptRequest) (*model.AcceptResult, error) {
	ctx, span := tracer.Start(ctx, "AcceptBatch")
	defer span.End()

	if !principal.Can(model.RolePharmacy) {
		return nil, fmt.Errorf("%w: %s cannot accept batches", ErrForbidden, principal.Role)
	}
	req.BatchNumber = strings.TrimSpace(req.BatchNumber)
	if req.CustodyTargetID == "" {
		req.CustodyTargetID = principal.ID
	}
	err := validation.ValidateStruct(&req,
		validation.Field(&req.BatchNumber, validation.Required),
		validation.Field(&req.CustodyTargetID, validation.Required),
		validation.Field(&req.Quantity, validation.Required, validation.Min(int64(1))),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	span.SetAttributes(attribute.String("batch.number", req.BatchNumber))

	batch, err := m.datasource.FindByBatchNumber(ctx, req.BatchNumber)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, req.BatchNumber)
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if batch.DualStorageStatus != model.StatusFullySynced {
		return nil, fmt.Errorf("%w: batch %s is %s", ErrBatchNotTransferable, batch.BatchNumber, batch.DualStorageStatus)
	}
	if batch.CustodyState != model.CustodyAtManufacturer {
		return nil, fmt.Errorf("%w: batch %s has already been accepted (%s)", ErrDuplicateBatch, batch.BatchNumber, batch.CustodyState)
	}
	if req.Quantity > batch.Quantity {
		return nil, fmt.Errorf("%w: quantity %d exceeds batch quantity %d", ErrInvalidBatch, req.Quantity, batch.Quantity)
	}

	createdAt := now()
	transfer := &model.TransferEvent{
		TransferID:        model.GenerateUUIDWithSuffix("transfer"),
		BatchID:           batch.BatchID,
		BatchNumber:       batch.BatchNumber,
		Kind:              model.TransferAccept,
		FromCustodian:     batch.CustodianID,
		CustodyTargetID:   req.CustodyTargetID,
		Quantity:          req.Quantity,
		DualStorageStatus: model.StatusPending,
		AttemptCount:      1,
		CreatedAt:         createdAt,
		LastAttemptAt:     createdAt,
	}
	transfer.ComputePayloadHash()

	if _, err := m.datasource.CreateTransfer(ctx, transfer); err != nil {
		span.RecordError(err)
		err = storeError(err)
		m.countOperation("accept", err)
		return nil, err
	}

	if err := m.datasource.UpdateBatchCustody(ctx, batch.BatchID, model.CustodyInTransit, batch.CustodianID); err != nil {
		logrus.WithField("batch_number", batch.BatchNumber).WithError(err).Warn("failed to mark batch in transit")
	}
	m.invalidateVerdict(ctx, batch.BatchNumber)

	rec := trackTransfer(transfer)
	res, err := m.commit(ctx, rec, "accept")
	m.countOperation("accept", err, res)

	return &model.AcceptResult{
		TransferID:   transfer.TransferID,
		BatchNumber:  transfer.BatchNumber,
		Status:       res.status,
		Provisional:  res.provisional,
		Message:      res.message,
		LedgerTxHash: res.txHash,
		Storage:      res.status.Flags(),
	}, err
}
