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
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medtrace/medtrace/internal/apierror"
	redlock "github.com/medtrace/medtrace/internal/lock"
	"github.com/medtrace/medtrace/internal/notification"
	"github.com/medtrace/medtrace/ledger"
	"github.com/medtrace/medtrace/model"
)

const (
	actionSynced          = "synced"
	actionResubmitted     = "resubmitted"
	actionRolledBack      = "rolled_back"
	actionWaiting         = "waiting"
	actionSkipped         = "skipped"
	actionCustodyRepaired = "custody_repaired"
)

// Reconciler drives every dual write that did not reach a terminal state to fully_synced
// or rolled_back. It sweeps on a fixed interval whether or not requests arrive, and a
// slower purge deletes rolled back batches past the retention window.
type Reconciler struct {
	m             *Medtrace
	batchSize     int
	maxWorkers    int
	maxAttempts   int
	interval      time.Duration
	backoff       time.Duration
	purgeInterval time.Duration
	retention     time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex

	sweepMu    sync.Mutex
	lastRun    time.Time
	lastReport *model.ReconcileReport
}

func NewReconciler(m *Medtrace) *Reconciler {
	cfg := m.config.Reconciliation
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	return &Reconciler{
		m:             m,
		batchSize:     batchSize,
		maxWorkers:    maxWorkers,
		maxAttempts:   cfg.Attempts(),
		interval:      cfg.Interval(),
		backoff:       cfg.Backoff(),
		purgeInterval: cfg.PurgeInterval(),
		retention:     cfg.Retention(),
		stopCh:        make(chan struct{}),
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()

	logrus.WithFields(logrus.Fields{"interval": r.interval, "backoff": r.backoff, "max_attempts": r.maxAttempts}).Info("reconciliation worker started")
}

func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	logrus.Info("reconciliation worker stopped")
}

func (r *Reconciler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	purge := time.NewTicker(r.purgeInterval)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("reconciliation worker context cancelled")
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				logrus.WithError(err).Error("reconciliation sweep failed")
			}
		case <-purge.C:
			if _, err := r.Purge(ctx); err != nil {
				logrus.WithError(err).Error("rolled back purge failed")
			}
		}
	}
}

// RunOnce performs a single sweep over batches, then transfer events. With Redis
// configured only one instance sweeps at a time; the sweep is correct without the lock
// because the ledger is always looked up by key before anything is resubmitted.
func (r *Reconciler) RunOnce(ctx context.Context) (model.ReconcileReport, error) {
	ctx, span := tracer.Start(ctx, "Reconciliation sweep")
	defer span.End()

	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	var report model.ReconcileReport
	if r.m.redis != nil {
		locker := redlock.NewLocker(r.m.redis, redlock.SweepKey, r.m.instanceID)
		err := locker.Lock(ctx, r.interval)
		switch {
		case errors.Is(err, redlock.ErrLockHeld):
			logrus.Debug("another instance holds the sweep lock")
			return report, nil
		case err != nil:
			logrus.WithError(err).Warn("sweep lock unavailable, sweeping without it")
		default:
			defer func() {
				if err := locker.Unlock(context.WithoutCancel(ctx)); err != nil {
					logrus.WithError(err).Debug("sweep lock release")
				}
			}()
		}
	}

	started := time.Now()
	threshold := now().Add(-r.backoff)
	statuses := append(append([]model.DualStorageStatus{}, model.InFlightStatuses...), model.StatusFailed)

	batches, err := r.m.datasource.FindStaleBatches(ctx, threshold, statuses, r.batchSize)
	if err != nil {
		return report, fmt.Errorf("finding stale batches: %w", err)
	}
	records := make([]*tracked, 0, len(batches))
	for _, b := range batches {
		records = append(records, trackBatch(b))
	}
	report.Add(r.reconcileAll(ctx, records))

	transfers, err := r.m.datasource.FindStaleTransfers(ctx, threshold, statuses, r.batchSize)
	if err != nil {
		return report, fmt.Errorf("finding stale transfers: %w", err)
	}
	records = records[:0]
	for _, t := range transfers {
		records = append(records, trackTransfer(t))
	}
	report.Add(r.reconcileAll(ctx, records))

	repaired, err := r.repairCustody(ctx)
	if err != nil {
		return report, fmt.Errorf("finding custody drift: %w", err)
	}
	report.Add(repaired)

	report.Duration = time.Since(started)
	r.m.metrics.SweepDuration.Observe(report.Duration.Seconds())

	r.mu.Lock()
	r.lastRun = now()
	r.lastReport = &report
	r.mu.Unlock()

	if report.Scanned > 0 || report.CustodyRepaired > 0 {
		logrus.WithFields(logrus.Fields{
			"scanned":     report.Scanned,
			"synced":      report.Synced,
			"resubmitted": report.Resubmits,
			"rolled_back": report.RolledBack,
			"custody":     report.CustodyRepaired,
			"errors":      report.Errors,
		}).Info("reconciliation sweep finished")
	}
	return report, nil
}

// repairCustody re-applies the custody move of settled transfers whose batch was left
// behind, e.g. when the move failed right after the transfer reached its terminal state.
func (r *Reconciler) repairCustody(ctx context.Context) (model.ReconcileReport, error) {
	var report model.ReconcileReport
	drifted, err := r.m.datasource.FindCustodyDrift(ctx, r.batchSize)
	if err != nil {
		return report, err
	}
	for _, t := range drifted {
		rec := trackTransfer(t)
		if err := r.m.settleCustody(ctx, rec); err != nil {
			report.Errors++
			logrus.WithFields(rec.fields()).WithError(err).Error("failed to repair batch custody")
			continue
		}
		report.CustodyRepaired++
		r.m.metrics.ReconcileActions.WithLabelValues(string(kindTransfer), actionCustodyRepaired).Inc()
		logrus.WithFields(rec.fields()).Info("batch custody repaired")
	}
	return report, nil
}

func (r *Reconciler) reconcileAll(ctx context.Context, records []*tracked) model.ReconcileReport {
	var (
		report model.ReconcileReport
		mu     sync.Mutex
		wg     sync.WaitGroup
	)
	sem := make(chan struct{}, r.maxWorkers)

	for _, rec := range records {
		sem <- struct{}{}
		wg.Add(1)
		go func(rec *tracked) {
			defer wg.Done()
			defer func() { <-sem }()

			action, err := r.reconcileLocked(ctx, rec)
			mu.Lock()
			defer mu.Unlock()
			report.Scanned++
			if err != nil {
				report.Errors++
				logrus.WithFields(rec.fields()).WithError(err).Error("failed to reconcile record")
				return
			}
			switch action {
			case actionSynced:
				report.Synced++
			case actionResubmitted:
				report.Resubmits++
			case actionRolledBack:
				report.RolledBack++
			default:
				report.Skipped++
			}
		}(rec)
	}

	wg.Wait()
	return report
}

// reconcileLocked holds the per-record lock, when Redis is configured, around reconcileOne.
func (r *Reconciler) reconcileLocked(ctx context.Context, rec *tracked) (string, error) {
	if r.m.redis != nil {
		locker := redlock.NewLocker(r.m.redis, redlock.RecordKey(string(rec.kind), rec.id), r.m.instanceID)
		err := locker.Lock(ctx, r.m.config.Ledger.ConfirmationTimeout()+30*time.Second)
		if errors.Is(err, redlock.ErrLockHeld) {
			return actionSkipped, nil
		}
		if err == nil {
			defer func() {
				_ = locker.Unlock(context.WithoutCancel(ctx))
			}()
		}
	}

	action, err := r.reconcileOne(ctx, rec)
	if apierror.HasCode(err, apierror.ErrConflict) {
		// Another worker moved the record first.
		action, err = actionSkipped, nil
	}
	if err == nil {
		r.m.metrics.ReconcileActions.WithLabelValues(string(rec.kind), action).Inc()
	}
	return action, err
}

func (r *Reconciler) reconcileOne(ctx context.Context, rec *tracked) (string, error) {
	m := r.m
	log := logrus.WithFields(rec.fields())

	switch {
	case rec.status == model.StatusFailed:
		// A compensation that was interrupted half way.
		if err := m.compensate(ctx, rec, "compensation resumed by reconciliation"); err != nil {
			return "", err
		}
		return actionRolledBack, nil
	case rec.status.IsTerminal():
		return actionSkipped, nil
	}

	found, err := m.ledger.Lookup(ctx, rec.key)
	if err != nil {
		return "", fmt.Errorf("ledger lookup: %w", err)
	}
	if found != nil {
		if found.PayloadHash != "" && found.PayloadHash != rec.payloadHash {
			reason := fmt.Sprintf("ledger holds a different payload for %s", rec.key)
			log.WithField("ledger_payload", found.PayloadHash).Error(reason)
			if err := m.compensate(ctx, rec, reason); err != nil {
				return "", err
			}
			return actionRolledBack, nil
		}
		if err := m.transition(ctx, rec, model.StatusUpdate{To: model.StatusFullySynced, LedgerTxHash: ptr(found.TxHash)}); err != nil {
			return "", err
		}
		log.WithField("tx_hash", found.TxHash).Info("reconciled record from ledger lookup")
		return actionSynced, nil
	}

	if rec.status == model.StatusLedgerCommitted && rec.txHash != "" {
		outcome := m.ledger.AwaitConfirmation(ctx, &ledger.Handle{Key: rec.key, PayloadHash: rec.payloadHash, TxHash: rec.txHash}, m.config.Ledger.PollInterval())
		switch {
		case outcome.State == ledger.StateConfirmed:
			if _, err := m.applyOutcome(ctx, rec, outcome); err != nil {
				return "", err
			}
			return actionSynced, nil
		case outcome.State == ledger.StateReverted:
			_, _ = m.applyOutcome(ctx, rec, outcome)
			return actionRolledBack, nil
		case outcome.Accepted:
			// Still in the pending pool; resubmitting would race the original.
			if rec.attempts >= r.maxAttempts {
				return r.exhaust(ctx, rec)
			}
			if err := r.bumpAttempt(ctx, rec); err != nil {
				return "", err
			}
			return actionWaiting, nil
		}
		log.Info("ledger dropped the pending submission")
	}

	if rec.attempts >= r.maxAttempts {
		return r.exhaust(ctx, rec)
	}
	if err := r.bumpAttempt(ctx, rec); err != nil {
		return "", err
	}

	log.Info("resubmitting record to the ledger")
	res, err := m.commit(ctx, rec, "reconcile")
	switch {
	case errors.Is(err, ErrLedgerReverted):
		return actionRolledBack, nil
	case err != nil:
		return "", err
	case res.status == model.StatusFullySynced:
		return actionSynced, nil
	default:
		return actionResubmitted, nil
	}
}

func (r *Reconciler) bumpAttempt(ctx context.Context, rec *tracked) error {
	return r.m.transition(ctx, rec, model.StatusUpdate{
		From:          []model.DualStorageStatus{rec.status},
		To:            rec.status,
		AttemptCount:  ptr(rec.attempts + 1),
		LastAttemptAt: ptr(now()),
	})
}

func (r *Reconciler) exhaust(ctx context.Context, rec *tracked) (string, error) {
	reason := fmt.Sprintf("no ledger confirmation after %d attempts", rec.attempts)
	if err := r.m.compensate(ctx, rec, reason); err != nil {
		return "", err
	}
	logrus.WithFields(rec.fields()).Error("reconciliation exhausted, record rolled back")
	r.m.metrics.Exhausted.WithLabelValues(string(rec.kind)).Inc()
	notification.NotifyError(fmt.Errorf("%w: %s %s (batch %s): %s", ErrReconciliationExhausted, rec.kind, rec.id, rec.batchNumber, reason))
	return actionRolledBack, nil
}

// Purge deletes rolled back batches older than the retention window. Batches still
// referenced by transfer events are kept for audit.
func (r *Reconciler) Purge(ctx context.Context) (int64, error) {
	n, err := r.m.datasource.PurgeRolledBackBatches(ctx, now().Add(-r.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.m.metrics.Purged.Add(float64(n))
		logrus.WithField("purged", n).Info("purged rolled back batches")
	}
	return n, nil
}

// RunReconciliation runs one sweep immediately.
func (m *Medtrace) RunReconciliation(ctx context.Context) (model.ReconcileReport, error) {
	return m.reconciler.RunOnce(ctx)
}

// ReconcileRecord reconciles a single record regardless of its backoff. Records that are
// already terminal are left alone.
func (m *Medtrace) ReconcileRecord(ctx context.Context, kind, id string) error {
	k := recordKind(kind)
	if k != kindBatch && k != kindTransfer {
		return fmt.Errorf("unknown record kind %q", kind)
	}
	rec, err := m.loadTracked(ctx, k, id)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	if rec.status.IsTerminal() {
		return nil
	}
	_, err = m.reconciler.reconcileLocked(ctx, rec)
	return err
}

// ReconcileStatus reports record counts per status and refreshes the status gauges.
func (m *Medtrace) ReconcileStatus(ctx context.Context) (*model.ReconcileStatus, error) {
	batches, err := m.datasource.CountBatchesByStatus(ctx)
	if err != nil {
		return nil, err
	}
	transfers, err := m.datasource.CountTransfersByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for status, n := range batches {
		m.metrics.RecordsByStatus.WithLabelValues(string(kindBatch), string(status)).Set(float64(n))
	}
	for status, n := range transfers {
		m.metrics.RecordsByStatus.WithLabelValues(string(kindTransfer), string(status)).Set(float64(n))
	}

	status := &model.ReconcileStatus{Batches: batches, Transfers: transfers, Running: m.reconciler.IsRunning()}
	if m.queue != nil {
		if n, err := m.queue.PendingFollowUps(); err != nil {
			logrus.WithError(err).Warn("failed to count pending follow-ups")
		} else {
			status.PendingFollowUps = &n
		}
	}
	m.reconciler.mu.Lock()
	if !m.reconciler.lastRun.IsZero() {
		lastRun := m.reconciler.lastRun
		status.LastRun = &lastRun
		status.LastRunReport = m.reconciler.lastReport
	}
	m.reconciler.mu.Unlock()
	return status, nil
}
