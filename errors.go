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

import "errors"

var (
	// ErrDuplicateBatch is a natural-key collision. It is a user error and never retried.
	ErrDuplicateBatch = errors.New("batch number is already registered")
	// ErrStoreWriteFailure means the record store was unavailable. Nothing reached the ledger.
	ErrStoreWriteFailure = errors.New("record store write failed")
	// ErrStoreUnavailable is a failed record store read.
	ErrStoreUnavailable = errors.New("record store unavailable")
	// ErrLedgerReverted is a definite ledger failure. The write has been compensated.
	ErrLedgerReverted = errors.New("ledger rejected the write")
	// ErrReconciliationExhausted is reported when the worker gives up on a record.
	ErrReconciliationExhausted = errors.New("reconciliation attempts exhausted")

	ErrForbidden            = errors.New("principal is not allowed to perform this operation")
	ErrBatchNotFound        = errors.New("batch not found")
	ErrBatchNotTransferable = errors.New("batch cannot be accepted in its current state")
	ErrInvalidBatch         = errors.New("invalid batch")
	ErrNotPurgeable         = errors.New("only rolled back batches can be purged")
)
