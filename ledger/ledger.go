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

/*
Package ledger is the adapter to the append-only verification ledger. A submission is
accepted into a pending pool first and later either confirmed, which is irreversible, or
dropped. The adapter keeps "definitely failed" apart from "unknown": a revert is final,
a timeout may still confirm after the caller has moved on.
*/
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/medtrace/medtrace/config"
)

// ErrReverted marks a submission the ledger definitely rejected.
var ErrReverted = errors.New("ledger reverted the submission")

// State is the resolution of a confirmation wait.
type State string

const (
	StateConfirmed State = "confirmed"
	StateTimedOut  State = "timed_out"
	StateReverted  State = "reverted"
)

// Handle identifies a submission that has been handed to the ledger.
type Handle struct {
	Key         string
	PayloadHash string
	TxHash      string
	SubmittedAt time.Time
}

// Outcome is what AwaitConfirmation learned about a submission. Accepted is only
// meaningful for StateTimedOut and reports whether the ledger still holds the
// submission in its pending pool.
type Outcome struct {
	State    State
	TxHash   string
	Reason   string
	Accepted bool
}

// Record is a confirmed registration found on the ledger.
type Record struct {
	Key         string
	PayloadHash string
	TxHash      string
	BlockNumber uint64
}

// Adapter submits and reads verification transactions.
type Adapter interface {
	// Submit hands a registration to the ledger. A definite rejection wraps ErrReverted;
	// any other error leaves the outcome unknown.
	Submit(ctx context.Context, key, payloadHash string) (*Handle, error)
	// AwaitConfirmation blocks for at most timeout.
	AwaitConfirmation(ctx context.Context, h *Handle, timeout time.Duration) Outcome
	// Lookup returns the confirmed registration for key, or nil when there is none.
	Lookup(ctx context.Context, key string) (*Record, error)
}

// New builds the adapter selected by the ledger endpoint.
func New(cfg config.LedgerConfig) (Adapter, error) {
	if strings.HasPrefix(cfg.Endpoint, config.MEMORY_LEDGER_ENDPOINT) {
		return NewMemoryLedger(), nil
	}
	return NewClient(cfg)
}
