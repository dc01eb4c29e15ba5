package tagger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"tickettriage/internal/domain"
	"tickettriage/internal/routing"
	"tickettriage/internal/ticketstore"
)

type fakeStore struct {
	mu          sync.Mutex
	fields      map[string]any
	comments    []string
	calls       int
	failAll     int // number of leading SetFields calls to fail with 503
	rejectField string
	commentErr  error
}

func (f *fakeStore) GetTicket(context.Context, string) (domain.Ticket, error) {
	return domain.Ticket{}, nil
}

func (f *fakeStore) SetFields(_ context.Context, _ string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAll > 0 {
		f.failAll--
		return &ticketstore.HTTPError{Op: "update_ticket", StatusCode: 503}
	}
	if _, bad := fields[f.rejectField]; bad && f.rejectField != "" {
		return &ticketstore.HTTPError{Op: "update_ticket", StatusCode: 422, Body: "invalid " + f.rejectField}
	}
	if f.fields == nil {
		f.fields = make(map[string]any)
	}
	for k, v := range fields {
		f.fields[k] = v
	}
	return nil
}

func (f *fakeStore) AddComment(_ context.Context, _ string, text string) error {
	if f.commentErr != nil {
		return f.commentErr
	}
	f.comments = append(f.comments, text)
	return nil
}

type fakeRecon struct{ rows []domain.Reconciliation }

func (f *fakeRecon) InsertReconciliation(_ context.Context, r domain.Reconciliation) (int64, error) {
	f.rows = append(f.rows, r)
	return int64(len(f.rows)), nil
}

type fakeNotifier struct{ messages []string }

func (f *fakeNotifier) Notify(_ context.Context, text string) error {
	f.messages = append(f.messages, text)
	return nil
}

func sampleResult() domain.ClassificationResult {
	return domain.ClassificationResult{
		Intent:         domain.IntentRefundRequest,
		Complexity:     domain.ComplexitySimple,
		Language:       domain.LanguageEnglish,
		Urgency:        domain.UrgencyMedium,
		Confidence:     88,
		RequiresRefund: true,
		Entities:       domain.Entities{LicensePlate: "ABC1234", MoveOutDate: "2026-01-15", Amount: "45.00"},
		Notes:          "Customer moved out and wants a refund.",
	}
}

func newTestTagger(store *fakeStore, recon ReconciliationStore, n Notifier) *Tagger {
	return New(store, recon, n, Options{
		MaxRetries: 2,
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		Now:        func() time.Time { return time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC) },
	})
}

func TestBuildFieldsOmitsMissingEntities(t *testing.T) {
	r := sampleResult()
	r.Entities.MoveOutDate = ""
	fields := BuildFields(r, routing.QueueAccounting)

	if fields[ticketstore.FieldConfidence] != 88 || fields[ticketstore.FieldIntent] != "refund_request" {
		t.Fatalf("unexpected fields: %v", fields)
	}
	if _, ok := fields[ticketstore.FieldMoveOutDate]; ok {
		t.Fatal("missing move_out_date must not be written")
	}
	if fields[ticketstore.FieldRoutingQueue] != routing.QueueAccounting {
		t.Fatalf("routing queue = %v", fields[ticketstore.FieldRoutingQueue])
	}
	if _, ok := fields[ticketstore.FieldAgentCorrectedIntent]; ok {
		t.Fatal("tagger must never write the agent correction field")
	}
}

func TestBuildComment(t *testing.T) {
	rec := routing.Recommendation{Queue: routing.QueueAccounting, Reason: "Refund required"}
	c := BuildComment(sampleResult(), rec, time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC))
	for _, want := range []string{
		"Timestamp: 2026-02-01 09:30:00",
		"Confidence: 88%",
		"Requires Refund: Yes",
		"Requires Human Review: No",
		"Recommended Queue: Accounting/Refunds",
		"License Plate: ABC1234",
		"Amount: $45.00",
		"Notes: Customer moved out",
	} {
		if !strings.Contains(c, want) {
			t.Fatalf("comment missing %q:\n%s", want, c)
		}
	}
	if strings.Contains(c, "Property:") {
		t.Fatal("absent property must not be listed")
	}
}

func TestApplyHappyPath(t *testing.T) {
	store := &fakeStore{}
	tg := newTestTagger(store, &fakeRecon{}, &fakeNotifier{})
	out, err := tg.Apply(context.Background(), "42", sampleResult(), routing.Recommend(sampleResult()))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !out.Success() || store.calls != 1 || len(store.comments) != 1 {
		t.Fatalf("unexpected outcome %+v calls=%d comments=%d", out, store.calls, len(store.comments))
	}
}

func TestApplyRetriesTransientFailures(t *testing.T) {
	store := &fakeStore{failAll: 2}
	tg := newTestTagger(store, &fakeRecon{}, &fakeNotifier{})
	out, err := tg.Apply(context.Background(), "42", sampleResult(), routing.Recommend(sampleResult()))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if store.calls != 3 || !out.Success() {
		t.Fatalf("expected success on third attempt, calls=%d outcome=%+v", store.calls, out)
	}
}

func TestApplyFallsBackToPerFieldWrites(t *testing.T) {
	store := &fakeStore{rejectField: ticketstore.FieldMoveOutDate}
	recon := &fakeRecon{}
	n := &fakeNotifier{}
	tg := newTestTagger(store, recon, n)

	out, err := tg.Apply(context.Background(), "42", sampleResult(), routing.Recommend(sampleResult()))
	if !errors.Is(err, ErrPartialWrite) {
		t.Fatalf("expected ErrPartialWrite, got %v", err)
	}
	var fwe *ticketstore.FieldWriteError
	if !errors.As(err, &fwe) || fwe.Field != ticketstore.FieldMoveOutDate || fwe.TicketID != "42" {
		t.Fatalf("expected FieldWriteError for move_out_date, got %v", err)
	}
	if len(out.Failed) != 1 || len(out.Written) != 9 {
		t.Fatalf("unexpected outcome: written=%v failed=%d", out.Written, len(out.Failed))
	}
	if store.fields[ticketstore.FieldLicensePlate] != "ABC1234" {
		t.Fatal("other fields must still be written")
	}
	if !out.CommentAdded {
		t.Fatal("comment should be added once any field landed")
	}
	if len(recon.rows) != 1 || recon.rows[0].Value != `"2026-01-15"` || recon.rows[0].Status != domain.ReconciliationPending {
		t.Fatalf("unexpected reconciliation rows: %+v", recon.rows)
	}
	// 422 is not retryable, so the field was tried once.
	if recon.rows[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", recon.rows[0].Attempts)
	}
	if len(n.messages) != 1 || !strings.Contains(n.messages[0], "move_out_date") {
		t.Fatalf("unexpected notifications: %v", n.messages)
	}
}

func TestApplyNoCommentWhenNothingWritten(t *testing.T) {
	store := &fakeStore{failAll: 1000}
	recon := &fakeRecon{}
	tg := newTestTagger(store, recon, nil)

	out, err := tg.Apply(context.Background(), "42", sampleResult(), routing.Recommend(sampleResult()))
	if err == nil {
		t.Fatal("expected error when every write fails")
	}
	if out.CommentAdded || len(store.comments) != 0 {
		t.Fatal("comment must not be added when no field was written")
	}
	if len(recon.rows) != len(out.Failed) || len(out.Failed) != 10 {
		t.Fatalf("expected every field queued, failed=%d rows=%d", len(out.Failed), len(recon.rows))
	}
	// 3 attempts for the batch plus 3 for each of the 10 fields.
	if store.calls != 33 {
		t.Fatalf("expected retries capped at MaxRetries, got %d calls", store.calls)
	}
	for _, row := range recon.rows {
		if row.Attempts != 3 {
			t.Fatalf("field %s attempts = %d, want 3", row.Field, row.Attempts)
		}
	}
}

func TestApplyCommentFailureIsNotFatal(t *testing.T) {
	store := &fakeStore{commentErr: &ticketstore.HTTPError{Op: "add_comment", StatusCode: 400}}
	tg := newTestTagger(store, &fakeRecon{}, nil)
	out, err := tg.Apply(context.Background(), "42", sampleResult(), routing.Recommend(sampleResult()))
	if err != nil {
		t.Fatalf("comment failure should not fail Apply: %v", err)
	}
	if out.Success() || out.CommentError == nil {
		t.Fatalf("expected comment error recorded, got %+v", out)
	}
}

func TestReapply(t *testing.T) {
	store := &fakeStore{}
	tg := newTestTagger(store, nil, nil)
	err := tg.Reapply(context.Background(), domain.Reconciliation{TicketID: "42", Field: ticketstore.FieldConfidence, Value: "82"})
	if err != nil {
		t.Fatalf("Reapply failed: %v", err)
	}
	if store.fields[ticketstore.FieldConfidence] != int64(82) {
		t.Fatalf("expected integer confidence, got %#v", store.fields[ticketstore.FieldConfidence])
	}

	store.rejectField = ticketstore.FieldIntent
	err = tg.Reapply(context.Background(), domain.Reconciliation{TicketID: "42", Field: ticketstore.FieldIntent, Value: `"move_out"`})
	var fwe *ticketstore.FieldWriteError
	if !errors.As(err, &fwe) {
		t.Fatalf("expected FieldWriteError, got %v", err)
	}
}
