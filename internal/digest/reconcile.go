package digest

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"tickettriage/internal/domain"
	"tickettriage/internal/notify"
)

const (
	DefaultMaxAttempts = 8
	sweepBatch         = 50
)

type ReconciliationStore interface {
	PendingReconciliations(ctx context.Context, limit int) ([]domain.Reconciliation, error)
	UpdateReconciliation(ctx context.Context, id int64, status domain.ReconciliationStatus, attempts int, lastErr string) error
}

type Reapplier interface {
	Reapply(ctx context.Context, rec domain.Reconciliation) error
}

// Reconciler re-applies field writes that failed on the ticket path. A row is
// abandoned once its attempts reach MaxAttempts.
type Reconciler struct {
	Store       ReconciliationStore
	Tagger      Reapplier
	Notifier    notify.Notifier
	MaxAttempts int
	Log         logrus.FieldLogger
}

type SweepResult struct {
	Checked   int
	Resolved  int
	Failed    int
	Abandoned []domain.Reconciliation
}

func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	log := r.Log
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}

	pending, err := r.Store.PendingReconciliations(ctx, sweepBatch)
	if err != nil {
		return res, fmt.Errorf("load pending reconciliations: %w", err)
	}
	for _, rec := range pending {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		entry := log.WithFields(logrus.Fields{"ticket_id": rec.TicketID, "field": rec.Field, "attempts": rec.Attempts})

		attempts := rec.Attempts + 1
		applyErr := r.Tagger.Reapply(ctx, rec)
		status := domain.ReconciliationPending
		lastErr := ""
		switch {
		case applyErr == nil:
			status = domain.ReconciliationResolved
			res.Resolved++
			entry.Info("Reconciled field write")
		case attempts >= maxAttempts:
			status = domain.ReconciliationAbandoned
			lastErr = applyErr.Error()
			rec.Attempts, rec.Error = attempts, lastErr
			res.Abandoned = append(res.Abandoned, rec)
			entry.WithError(applyErr).Warn("Abandoning field write after max attempts")
		default:
			lastErr = applyErr.Error()
			res.Failed++
			entry.WithError(applyErr).Debug("Field write still failing")
		}
		if err := r.Store.UpdateReconciliation(ctx, rec.ID, status, attempts, lastErr); err != nil {
			return res, fmt.Errorf("update reconciliation %d: %w", rec.ID, err)
		}
	}

	if len(res.Abandoned) > 0 && r.Notifier != nil {
		if err := r.Notifier.Notify(ctx, formatAbandoned(res.Abandoned)); err != nil {
			log.WithError(err).Warn("Failed to notify about abandoned field writes")
		}
	}
	return res, nil
}

func formatAbandoned(recs []domain.Reconciliation) string {
	msg := fmt.Sprintf("%d ticket field write(s) need manual attention:", len(recs))
	for _, rec := range recs {
		msg += fmt.Sprintf("\n• ticket %s field %s = %s (%s)", rec.TicketID, rec.Field, rec.Value, rec.Error)
	}
	return msg
}

// Run is the scheduled form of Sweep.
func (r *Reconciler) Run(ctx context.Context) error {
	res, err := r.Sweep(ctx)
	if err != nil {
		return err
	}
	if r.Log != nil && res.Checked > 0 {
		r.Log.WithFields(logrus.Fields{
			"checked":   res.Checked,
			"resolved":  res.Resolved,
			"failed":    res.Failed,
			"abandoned": len(res.Abandoned),
		}).Info("Reconciliation sweep complete")
	}
	return nil
}
