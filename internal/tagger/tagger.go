// Package tagger writes a classification back onto the desk ticket as
// custom fields plus an internal comment.
package tagger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"tickettriage/internal/domain"
	"tickettriage/internal/routing"
	"tickettriage/internal/ticketstore"
)

const DefaultMaxRetries = 3

// ErrPartialWrite means some, but not necessarily all, fields were rejected.
var ErrPartialWrite = errors.New("ticket field write incomplete")

type ReconciliationStore interface {
	InsertReconciliation(ctx context.Context, r domain.Reconciliation) (int64, error)
}

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

type Options struct {
	MaxRetries int
	// NewBackOff builds the retry schedule for one write. Defaults to
	// exponential backoff capped at 20s elapsed.
	NewBackOff func() backoff.BackOff
	Log        logrus.FieldLogger
	Now        func() time.Time
}

type Tagger struct {
	store      ticketstore.TicketStore
	recon      ReconciliationStore
	notifier   Notifier
	maxRetries int
	newBackOff func() backoff.BackOff
	log        logrus.FieldLogger
	now        func() time.Time
}

func New(store ticketstore.TicketStore, recon ReconciliationStore, notifier Notifier, opts Options) *Tagger {
	t := &Tagger{
		store:      store,
		recon:      recon,
		notifier:   notifier,
		maxRetries: opts.MaxRetries,
		newBackOff: opts.NewBackOff,
		log:        opts.Log,
		now:        opts.Now,
	}
	if t.maxRetries <= 0 {
		t.maxRetries = DefaultMaxRetries
	}
	if t.newBackOff == nil {
		t.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 20 * time.Second
			return b
		}
	}
	if t.log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		t.log = l
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// BuildFields flattens a classification into logical ticket fields. Entities
// that were not found are left out rather than blanked.
func BuildFields(r domain.ClassificationResult, queue string) map[string]any {
	fields := map[string]any{
		ticketstore.FieldIntent:              string(r.Intent),
		ticketstore.FieldComplexity:          string(r.Complexity),
		ticketstore.FieldLanguage:            string(r.Language),
		ticketstore.FieldUrgency:             string(r.Urgency),
		ticketstore.FieldConfidence:          r.Confidence,
		ticketstore.FieldRequiresRefund:      r.RequiresRefund,
		ticketstore.FieldRequiresHumanReview: r.RequiresHumanReview,
	}
	if r.Entities.LicensePlate != "" {
		fields[ticketstore.FieldLicensePlate] = r.Entities.LicensePlate
	}
	if r.Entities.MoveOutDate != "" {
		fields[ticketstore.FieldMoveOutDate] = r.Entities.MoveOutDate
	}
	if queue != "" {
		fields[ticketstore.FieldRoutingQueue] = queue
	}
	return fields
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// BuildComment renders the internal note added next to the field write.
func BuildComment(r domain.ClassificationResult, rec routing.Recommendation, at time.Time) string {
	lines := []string{
		"AI Classification Results",
		"Timestamp: " + at.Format("2006-01-02 15:04:05"),
		"",
		"Intent: " + string(r.Intent),
		"Complexity: " + string(r.Complexity),
		"Language: " + string(r.Language),
		"Urgency: " + string(r.Urgency),
		fmt.Sprintf("Confidence: %d%%", r.Confidence),
		"",
		"Requires Refund: " + yesNo(r.RequiresRefund),
		"Requires Human Review: " + yesNo(r.RequiresHumanReview),
		"",
		"Recommended Queue: " + rec.Queue,
		"Routing Reason: " + rec.Reason,
	}

	e := r.Entities
	if e.LicensePlate != "" || e.MoveOutDate != "" || e.PropertyName != "" || e.Amount != "" {
		lines = append(lines, "", "Extracted Information:")
		if e.LicensePlate != "" {
			lines = append(lines, "  - License Plate: "+e.LicensePlate)
		}
		if e.MoveOutDate != "" {
			lines = append(lines, "  - Move-Out Date: "+e.MoveOutDate)
		}
		if e.PropertyName != "" {
			lines = append(lines, "  - Property: "+e.PropertyName)
		}
		if e.Amount != "" {
			lines = append(lines, "  - Amount: $"+e.Amount)
		}
	}
	if r.Notes != "" {
		lines = append(lines, "", "Notes: "+r.Notes)
	}
	return strings.Join(lines, "\n")
}

type Outcome struct {
	Written      []string
	Failed       []*ticketstore.FieldWriteError
	CommentAdded bool
	CommentError error
}

// Success reports whether every field and the comment were written.
func (o Outcome) Success() bool {
	return len(o.Failed) == 0 && o.CommentAdded
}

// Apply writes the classification fields and comment. The batched write is
// retried with backoff; if it still fails each field is written on its own
// so one rejected field does not lose the rest. Fields that never land are
// queued for reconciliation and reported to operators. The comment is only
// added once at least one field was written.
func (t *Tagger) Apply(ctx context.Context, ticketID string, r domain.ClassificationResult, rec routing.Recommendation) (Outcome, error) {
	log := t.log.WithField("ticket_id", ticketID)
	fields := BuildFields(r, rec.Queue)
	names := sortedKeys(fields)

	var out Outcome
	_, err := t.retry(ctx, func() error { return t.store.SetFields(ctx, ticketID, fields) })
	if err == nil {
		out.Written = names
		log.WithField("fields", len(names)).Info("Custom fields updated")
	} else {
		log.WithError(err).Warn("Batched field write failed, falling back to per-field writes")
		for _, name := range names {
			single := map[string]any{name: fields[name]}
			attempts, ferr := t.retry(ctx, func() error { return t.store.SetFields(ctx, ticketID, single) })
			if ferr != nil {
				fwe := &ticketstore.FieldWriteError{TicketID: ticketID, Field: name, Err: ferr}
				log.WithError(ferr).WithField("field", name).Error("Field write failed")
				out.Failed = append(out.Failed, fwe)
				t.queueReconciliation(ctx, fwe, fields[name], attempts)
				continue
			}
			out.Written = append(out.Written, name)
		}
	}

	if len(out.Written) > 0 {
		comment := BuildComment(r, rec, t.now())
		if _, cerr := t.retry(ctx, func() error { return t.store.AddComment(ctx, ticketID, comment) }); cerr != nil {
			out.CommentError = cerr
			log.WithError(cerr).Warn("Failed to add classification comment")
		} else {
			out.CommentAdded = true
		}
	}

	if len(out.Failed) == 0 {
		return out, nil
	}
	t.notifyFailures(ctx, ticketID, out.Failed)
	errs := []error{fmt.Errorf("%w: %d of %d fields failed", ErrPartialWrite, len(out.Failed), len(names))}
	for _, f := range out.Failed {
		errs = append(errs, f)
	}
	return out, errors.Join(errs...)
}

// Reapply re-attempts a queued reconciliation write.
func (t *Tagger) Reapply(ctx context.Context, rec domain.Reconciliation) error {
	var value any
	if err := json.Unmarshal([]byte(rec.Value), &value); err != nil {
		return fmt.Errorf("decode reconciliation value for %s: %w", rec.Field, err)
	}
	// JSON numbers decode as float64; confidence is an integer field.
	if f, ok := value.(float64); ok && f == float64(int64(f)) {
		value = int64(f)
	}
	fields := map[string]any{rec.Field: value}
	if _, err := t.retry(ctx, func() error { return t.store.SetFields(ctx, rec.TicketID, fields) }); err != nil {
		return &ticketstore.FieldWriteError{TicketID: rec.TicketID, Field: rec.Field, Err: err}
	}
	return nil
}

// retry runs op under the write backoff and reports how many times op ran.
// Non-retryable errors stop after the first attempt.
func (t *Tagger) retry(ctx context.Context, op func() error) (int, error) {
	attempts := 0
	b := backoff.WithContext(backoff.WithMaxRetries(t.newBackOff(), uint64(t.maxRetries)), ctx)
	err := backoff.Retry(func() error {
		attempts++
		err := op()
		if err != nil && !ticketstore.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	return attempts, err
}

func (t *Tagger) queueReconciliation(ctx context.Context, fwe *ticketstore.FieldWriteError, value any, attempts int) {
	if t.recon == nil {
		return
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		t.log.WithError(err).WithField("field", fwe.Field).Error("Failed to encode value for reconciliation")
		return
	}
	row := domain.Reconciliation{
		TicketID: fwe.TicketID,
		Field:    fwe.Field,
		Value:    string(encoded),
		Error:    fwe.Err.Error(),
		Attempts: attempts,
		Status:   domain.ReconciliationPending,
	}
	if ms, ok := t.store.(interface{ Mapping() ticketstore.FieldMapping }); ok {
		row.BackendKey, _ = ms.Mapping().Key(fwe.Field)
	}
	if row.BackendKey == "" {
		row.BackendKey = fwe.Field
	}
	if _, err := t.recon.InsertReconciliation(context.WithoutCancel(ctx), row); err != nil {
		t.log.WithError(err).WithFields(logrus.Fields{
			"ticket_id": fwe.TicketID,
			"field":     fwe.Field,
			"value":     row.Value,
		}).Error("Failed to queue field reconciliation")
	}
}

func (t *Tagger) notifyFailures(ctx context.Context, ticketID string, failed []*ticketstore.FieldWriteError) {
	if t.notifier == nil {
		return
	}
	names := make([]string, 0, len(failed))
	for _, f := range failed {
		names = append(names, f.Field)
	}
	text := fmt.Sprintf("Ticket %s: %d field write(s) failed after retries (%s). Queued for reconciliation.",
		ticketID, len(failed), strings.Join(names, ", "))
	if err := t.notifier.Notify(context.WithoutCancel(ctx), text); err != nil {
		t.log.WithError(err).WithField("ticket_id", ticketID).Warn("Failed to notify operators of field write failure")
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
