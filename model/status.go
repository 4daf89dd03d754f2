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

// DualStorageStatus is the consistency state of a dual-written record.
//
//	pending -> store_committed -> ledger_committed -> fully_synced
//	pending|store_committed|ledger_committed -> failed -> rolled_back
type DualStorageStatus string

const (
	StatusPending         DualStorageStatus = "pending"
	StatusStoreCommitted  DualStorageStatus = "store_committed"
	StatusLedgerCommitted DualStorageStatus = "ledger_committed"
	StatusFullySynced     DualStorageStatus = "fully_synced"
	StatusFailed          DualStorageStatus = "failed"
	StatusRolledBack      DualStorageStatus = "rolled_back"
)

// AllStatuses lists every status in state-machine order.
var AllStatuses = []DualStorageStatus{
	StatusPending,
	StatusStoreCommitted,
	StatusLedgerCommitted,
	StatusFullySynced,
	StatusFailed,
	StatusRolledBack,
}

// InFlightStatuses are the non-terminal statuses the reconciliation worker owns.
var InFlightStatuses = []DualStorageStatus{
	StatusPending,
	StatusStoreCommitted,
	StatusLedgerCommitted,
}

var transitions = map[DualStorageStatus][]DualStorageStatus{
	StatusPending:         {StatusStoreCommitted, StatusLedgerCommitted, StatusFullySynced, StatusFailed},
	StatusStoreCommitted:  {StatusLedgerCommitted, StatusFullySynced, StatusFailed},
	StatusLedgerCommitted: {StatusFullySynced, StatusFailed},
	StatusFailed:          {StatusRolledBack},
}

// CanTransition reports whether moving from one status to another is a forward edge.
// Skipping intermediate success states is allowed because the ledger may confirm before
// the store has recorded the submission.
func CanTransition(from, to DualStorageStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PredecessorsOf returns every status that may legally move to the given status.
func PredecessorsOf(to DualStorageStatus) []DualStorageStatus {
	var from []DualStorageStatus
	for _, s := range AllStatuses {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// IsTerminal reports whether the status no longer changes without operator action.
func (s DualStorageStatus) IsTerminal() bool {
	return s == StatusFullySynced || s == StatusRolledBack
}

// IsInFlight reports whether the reconciliation worker still owns the record.
func (s DualStorageStatus) IsInFlight() bool {
	for _, f := range InFlightStatuses {
		if s == f {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s DualStorageStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// StorageFlags reports which of the two stores currently hold the write.
type StorageFlags struct {
	Store  bool `json:"store"`
	Ledger bool `json:"ledger"`
}

// Flags derives the storage flags from a status.
func (s DualStorageStatus) Flags() StorageFlags {
	switch s {
	case StatusPending:
		return StorageFlags{Store: true}
	case StatusStoreCommitted:
		return StorageFlags{Store: true}
	case StatusLedgerCommitted, StatusFullySynced:
		return StorageFlags{Store: true, Ledger: true}
	default:
		return StorageFlags{}
	}
}
