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

// RegisterResult is returned for every batch registration, including provisional ones.
type RegisterResult struct {
	BatchID      string            `json:"batch_id"`
	BatchNumber  string            `json:"batch_number"`
	Status       DualStorageStatus `json:"status"`
	Provisional  bool              `json:"provisional"`
	Message      string            `json:"message,omitempty"`
	LedgerTxHash string            `json:"ledger_tx_hash,omitempty"`
	Storage      StorageFlags      `json:"storage"`
}

// AcceptRequest asks to move a batch into the custody of a pharmacy.
type AcceptRequest struct {
	BatchNumber     string `json:"batch_number"`
	CustodyTargetID string `json:"custody_target_id"`
	Quantity        int64  `json:"quantity"`
}

// AcceptResult mirrors RegisterResult for custody transfers.
type AcceptResult struct {
	TransferID   string            `json:"transfer_id"`
	BatchNumber  string            `json:"batch_number"`
	Status       DualStorageStatus `json:"status"`
	Provisional  bool              `json:"provisional"`
	Message      string            `json:"message,omitempty"`
	LedgerTxHash string            `json:"ledger_tx_hash,omitempty"`
	Storage      StorageFlags      `json:"storage"`
}

// Verification is the verdict of the read path.
type Verification struct {
	BatchNumber  string            `json:"batch_number"`
	Exists       bool              `json:"exists"`
	Authentic    bool              `json:"authentic"`
	Status       DualStorageStatus `json:"status,omitempty"`
	Custody      CustodyState      `json:"custody,omitempty"`
	CustodianID  string            `json:"custodian_id,omitempty"`
	LedgerTxHash string            `json:"ledger_tx_hash,omitempty"`
	MedicineName string            `json:"medicine_name,omitempty"`
	Manufacturer string            `json:"manufacturer,omitempty"`
	ExpiryDate   *time.Time        `json:"expiry_date,omitempty"`
	CheckedAt    time.Time         `json:"checked_at"`
}

// ReconcileReport summarises one reconciliation sweep.
type ReconcileReport struct {
	Scanned         int           `json:"scanned"`
	Synced          int           `json:"synced"`
	Resubmits       int           `json:"resubmitted"`
	RolledBack      int           `json:"rolled_back"`
	Skipped         int           `json:"skipped"`
	CustodyRepaired int           `json:"custody_repaired"`
	Errors          int           `json:"errors"`
	Purged          int64         `json:"purged"`
	Duration        time.Duration `json:"duration"`
}

// Add merges another report into r.
func (r *ReconcileReport) Add(o ReconcileReport) {
	r.Scanned += o.Scanned
	r.Synced += o.Synced
	r.Resubmits += o.Resubmits
	r.RolledBack += o.RolledBack
	r.Skipped += o.Skipped
	r.CustodyRepaired += o.CustodyRepaired
	r.Errors += o.Errors
	r.Purged += o.Purged
}

// ReconcileStatus reports record counts per dual-storage status.
type ReconcileStatus struct {
	Batches          map[DualStorageStatus]int64 `json:"batches"`
	Transfers        map[DualStorageStatus]int64 `json:"transfers"`
	Running          bool                        `json:"worker_running"`
	PendingFollowUps *int                        `json:"pending_follow_ups,omitempty"`
	LastRun          *time.Time                  `json:"last_run,omitempty"`
	LastRunReport    *ReconcileReport            `json:"last_run_report,omitempty"`
}

// DuplicateGroup is a set of batches sharing a batch number; the oldest is canonical.
type DuplicateGroup struct {
	BatchNumber  string   `json:"batch_number"`
	CanonicalID  string   `json:"canonical_id"`
	DuplicateIDs []string `json:"duplicate_ids"`
	Deleted      int64    `json:"deleted"`
}
