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

package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Behavior scripts how MemoryLedger treats submissions for a key.
type Behavior string

const (
	// BehaviorConfirm confirms every submission immediately.
	BehaviorConfirm Behavior = "confirm"
	// BehaviorTimeout keeps submissions pending until Confirm is called.
	BehaviorTimeout Behavior = "timeout"
	// BehaviorDrop loses submissions; the wait times out and nothing is pending.
	BehaviorDrop Behavior = "drop"
	// BehaviorRevert mines submissions with a failed status.
	BehaviorRevert Behavior = "revert"
	// BehaviorReject refuses submissions outright.
	BehaviorReject Behavior = "reject"
)

type memoryTx struct {
	handle    Handle
	confirmed bool
	reverted  bool
	dropped   bool
}

// MemoryLedger is an in-process append-only ledger. Confirmed entries are never removed.
type MemoryLedger struct {
	mu          sync.Mutex
	defaultMode Behavior
	behaviors   map[string]Behavior
	txs         map[string]*memoryTx
	byKey       map[string][]string
	submissions map[string]int
	seq         uint64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		defaultMode: BehaviorConfirm,
		behaviors:   make(map[string]Behavior),
		txs:         make(map[string]*memoryTx),
		byKey:       make(map[string][]string),
		submissions: make(map[string]int),
	}
}

// SetDefault changes the behavior for keys without their own script.
func (m *MemoryLedger) SetDefault(b Behavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultMode = b
}

// SetBehavior scripts the behavior for one key.
func (m *MemoryLedger) SetBehavior(key string, b Behavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.behaviors[key] = b
}

// Confirm mines the newest pending submission for key, out of band. When no submission is
// pending a confirmed entry is appended directly. A non-empty txHash replaces the
// generated hash. Later submissions for key confirm immediately.
func (m *MemoryLedger) Confirm(key, txHash string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.behaviors[key] = BehaviorConfirm

	hashes := m.byKey[key]
	for i := len(hashes) - 1; i >= 0; i-- {
		tx := m.txs[hashes[i]]
		if tx.confirmed || tx.reverted || tx.dropped {
			continue
		}
		if txHash != "" && txHash != tx.handle.TxHash {
			delete(m.txs, tx.handle.TxHash)
			tx.handle.TxHash = txHash
			m.txs[txHash] = tx
			hashes[i] = txHash
		}
		tx.confirmed = true
		return tx.handle.TxHash
	}

	if txHash == "" {
		txHash = m.nextHash(key)
	}
	m.txs[txHash] = &memoryTx{handle: Handle{Key: key, TxHash: txHash, SubmittedAt: time.Now()}, confirmed: true}
	m.byKey[key] = append(m.byKey[key], txHash)
	return txHash
}

// Submissions reports how many times key was submitted.
func (m *MemoryLedger) Submissions(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submissions[key]
}

func (m *MemoryLedger) behaviorFor(key string) Behavior {
	if b, ok := m.behaviors[key]; ok {
		return b
	}
	return m.defaultMode
}

func (m *MemoryLedger) nextHash(key string) string {
	m.seq++
	return hexEncode(keccak256([]byte(fmt.Sprintf("%s#%d", key, m.seq))))
}

func (m *MemoryLedger) confirmedFor(key string) *memoryTx {
	hashes := m.byKey[key]
	for i := len(hashes) - 1; i >= 0; i-- {
		if tx := m.txs[hashes[i]]; tx.confirmed {
			return tx
		}
	}
	return nil
}

func (m *MemoryLedger) Submit(ctx context.Context, key, payloadHash string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.submissions[key]++
	behavior := m.behaviorFor(key)
	if behavior == BehaviorReject {
		return nil, fmt.Errorf("%w: registry rejected %s", ErrReverted, key)
	}
	if m.confirmedFor(key) != nil {
		return nil, fmt.Errorf("%w: %s is already registered", ErrReverted, key)
	}

	tx := &memoryTx{handle: Handle{Key: key, PayloadHash: payloadHash, TxHash: m.nextHash(key), SubmittedAt: time.Now()}}
	switch behavior {
	case BehaviorConfirm:
		tx.confirmed = true
	case BehaviorRevert:
		tx.reverted = true
	case BehaviorDrop:
		tx.dropped = true
	}
	m.txs[tx.handle.TxHash] = tx
	m.byKey[key] = append(m.byKey[key], tx.handle.TxHash)

	h := tx.handle
	return &h, nil
}

// AwaitConfirmation resolves immediately; a pending submission reports as timed out.
func (m *MemoryLedger) AwaitConfirmation(_ context.Context, h *Handle, _ time.Duration) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[h.TxHash]
	switch {
	case !ok || tx.dropped:
		return Outcome{State: StateTimedOut, TxHash: h.TxHash, Reason: "transaction not found"}
	case tx.reverted:
		return Outcome{State: StateReverted, TxHash: h.TxHash, Reason: "transaction reverted"}
	case tx.confirmed:
		return Outcome{State: StateConfirmed, TxHash: h.TxHash}
	default:
		return Outcome{State: StateTimedOut, TxHash: h.TxHash, Reason: "confirmation timeout", Accepted: true}
	}
}

func (m *MemoryLedger) Lookup(ctx context.Context, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := m.confirmedFor(key)
	if tx == nil {
		return nil, nil
	}
	return &Record{Key: key, PayloadHash: tx.handle.PayloadHash, TxHash: tx.handle.TxHash}, nil
}
