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

package model

import "time"

// TransferKind names the custody change a transfer event records.
type TransferKind string

const (
	TransferAccept TransferKind = "accept"
)

// TransferEvent is a custody change. It references its batch by id only; the batch
// stays owned by the record store. Transfer events are never deleted.
type TransferEvent struct {
	ID                int64             `json:"-"`
	TransferID        string            `json:"transfer_id"`
	BatchID           string            `json:"batch_id"`
	BatchNumber       string            `json:"batch_number"`
	Kind              TransferKind      `json:"kind"`
	FromCustodian     string            `json:"from_custodian,omitempty"`
	CustodyTargetID   string            `json:"custody_target_id"`
	Quantity          int64             `json:"quantity"`
	DualStorageStatus DualStorageStatus `json:"dual_storage_status"`
	PayloadHash       string            `json:"payload_hash"`
	LedgerTxHash      string            `json:"ledger_tx_hash,omitempty"`
	LastError         string            `json:"last_error,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	LastAttemptAt     time.Time         `json:"last_attempt_at"`
	AttemptCount      int               `json:"attempt_count"`
}

// LedgerKey is the key the transfer is registered under on the ledger.
func (t *TransferEvent) LedgerKey() string {
	return TransferLedgerKey(t.BatchNumber, t.Kind)
}

// TransferLedgerKey derives the ledger key of a custody change for a batch.
func TransferLedgerKey(batchNumber string, kind TransferKind) string {
	return batchNumber + "/" + string(kind)
}

// ComputePayloadHash fills PayloadHash from the custody change attributes.
func (t *TransferEvent) ComputePayloadHash() string {
	t.PayloadHash = HashPayload(map[string]interface{}{
		"batch_number":      t.BatchNumber,
		"kind":              string(t.Kind),
		"custody_target_id": t.CustodyTargetID,
		"quantity":          t.Quantity,
	})
	return t.PayloadHash
}
