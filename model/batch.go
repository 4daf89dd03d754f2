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

import (
	"time"
)

// CustodyState records which party currently holds a batch.
type CustodyState string

const (
	CustodyAtManufacturer CustodyState = "at_manufacturer"
	CustodyInTransit      CustodyState = "in_transit"
	CustodyAtPharmacy     CustodyState = "at_pharmacy"
)

// Batch is the unit of tracking. It is owned by the record store and mirrored on the
// verification ledger under its batch number.
type Batch struct {
	ID                int64                  `json:"-"`
	BatchID           string                 `json:"batch_id"`
	BatchNumber       string                 `json:"batch_number"`
	MedicineName      string                 `json:"medicine_name"`
	Manufacturer      string                 `json:"manufacturer"`
	Quantity          int64                  `json:"quantity"`
	ManufactureDate   time.Time              `json:"manufacture_date"`
	ExpiryDate        time.Time              `json:"expiry_date"`
	CustodyState      CustodyState           `json:"custody_state"`
	CustodianID       string                 `json:"custodian_id,omitempty"`
	RegisteredBy      string                 `json:"registered_by,omitempty"`
	DualStorageStatus DualStorageStatus      `json:"dual_storage_status"`
	PayloadHash       string                 `json:"payload_hash"`
	LedgerTxHash      string                 `json:"ledger_tx_hash,omitempty"`
	LastError         string                 `json:"last_error,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	LastAttemptAt     time.Time              `json:"last_attempt_at"`
	AttemptCount      int                    `json:"attempt_count"`
	MetaData          map[string]interface{} `json:"meta_data,omitempty"`
}

// LedgerKey is the natural key the batch is registered under on the ledger.
func (b *Batch) LedgerKey() string {
	return b.BatchNumber
}

// ComputePayloadHash fills PayloadHash from the descriptive attributes.
func (b *Batch) ComputePayloadHash() string {
	b.PayloadHash = HashPayload(map[string]interface{}{
		"batch_number":     b.BatchNumber,
		"medicine_name":    b.MedicineName,
		"manufacturer":     b.Manufacturer,
		"quantity":         b.Quantity,
		"manufacture_date": b.ManufactureDate.UTC().Format(time.DateOnly),
		"expiry_date":      b.ExpiryDate.UTC().Format(time.DateOnly),
	})
	return b.PayloadHash
}

// StatusUpdate carries a dual-storage transition plus the bookkeeping fields that
// travel with it. Nil pointers leave the stored column untouched.
type StatusUpdate struct {
	From          []DualStorageStatus
	To            DualStorageStatus
	LedgerTxHash  *string
	LastError     *string
	AttemptCount  *int
	LastAttemptAt *time.Time
}

// BatchStatusCount is one row of the per-status summary.
type BatchStatusCount struct {
	Status DualStorageStatus `json:"status"`
	Count  int64             `json:"count"`
}
