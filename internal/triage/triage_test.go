package triage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tickettriage/internal/classifier"
	"tickettriage/internal/domain"
	"tickettriage/internal/feedback"
	"tickettriage/internal/routing"
	"tickettriage/internal/storage/sqlite"
	"tickettriage/internal/tagger"
	"tickettriage/internal/templates"
	"tickettriage/internal/ticketstore"
	"tickettriage/internal/wizard"
)

type fakeTickets struct {
	tickets map[string]domain.Ticket
	err     error
}

func (f *fakeTickets) GetTicket(_ context.Context, id string) (domain.Ticket, error) {
	if f.err != nil {
		return domain.Ticket{}, f.err
	}
	t, ok := f.tickets[id]
	if !ok {
		return domain.Ticket{}, &ticketstore.HTTPError{Op: "get_ticket", StatusCode: 404}
	}
	return t, nil
}

func (f *fakeTickets) SetFields(context.Context, string, map[string]any) error { return nil }
func (f *fakeTickets) AddComment(context.Context, string, string) error        { return nil }

type fakeClassifier struct {
	result domain.ClassificationResult
	err    error
	calls  int
}

func (f *fakeClassifier) Classify(context.Context, string, string, string) (domain.ClassificationResult, domain.LLMUsage, error) {
	f.calls++
	usage := domain.LLMUsage{Provider: "anthropic", Model: "claude-haiku-4-5", InputTokens: 900, OutputTokens: 120}
	return f.result, usage, f.err
}

type fakeTagger struct {
	applied []string
	err     error
}

func (f *fakeTagger) Apply(_ context.Context, ticketID string, _ domain.ClassificationResult, _ routing.Recommendation) (tagger.Outcome, error) {
	f.applied = append(f.applied, ticketID)
	if f.err != nil {
		return tagger.Outcome{}, f.err
	}
	return tagger.Outcome{Written: []string{"intent"}, CommentAdded: true}, nil
}

type env struct {
	svc        *Service
	store      *sqlite.Store
	tickets    *fakeTickets
	classifier *fakeClassifier
	tagger     *fakeTagger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "triage-test.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := sqlite.New(db)

	lib, err := templates.Default()
	if err != nil {
		t.Fatalf("templates.Default failed: %v", err)
	}
	catalog, err := wizard.DefaultCatalog(lib)
	if err != nil {
		t.Fatalf("DefaultCatalog failed: %v", err)
	}

	e := &env{
		store:      store,
		tickets:    &fakeTickets{tickets: map[string]domain.Ticket{}},
		classifier: &fakeClassifier{},
		tagger:     &fakeTagger{},
	}
	e.svc = New(Deps{
		Tickets:        e.tickets,
		Classifier:     e.classifier,
		Tagger:         e.tagger,
		Events:         store,
		Corrections:    feedback.New(store, nil),
		Catalog:        catalog,
		Templates:      lib,
		ProcessingTime: "5-7 business days",
	})
	return e
}

func refundResult() domain.ClassificationResult {
	return domain.ClassificationResult{
		Intent:         domain.IntentRefundRequest,
		Complexity:     domain.ComplexitySimple,
		Language:       domain.LanguageEnglish,
		Urgency:        domain.UrgencyMedium,
		Confidence:     95,
		RequiresRefund: true,
		Entities:       domain.Entities{LicensePlate: "ABC1234", MoveOutDate: "2026-01-15", Amount: "45.00"},
	}
}

func TestProcessTicketSuccess(t *testing.T) {
	e := newEnv(t)
	e.tickets.tickets["42"] = domain.Ticket{ID: "42", Subject: "Refund request", Body: "please refund"}
	e.classifier.result = refundResult()

	res, err := e.svc.ProcessTicket(context.Background(), "42")
	if err != nil {
		t.Fatalf("ProcessTicket failed: %v", err)
	}
	if res.Recommendation.Queue != routing.QueueAutoResolution || !res.TaggingSuccess {
		t.Fatalf("unexpected result: %+v", res)
	}

	events, _ := e.store.ClassificationEvents(context.Background(), time.Time{})
	if len(events) != 1 || events[0].Result == nil || events[0].RoutingQueue != routing.QueueAutoResolution || !events[0].TaggingSuccess {
		t.Fatalf("unexpected events: %+v", events)
	}
	usage, _ := e.store.APIUsage(context.Background(), time.Time{})
	if len(usage) != 1 || usage[0].Provider != "anthropic" || usage[0].InputTokens != 900 || !usage[0].Success {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestProcessTicketClassificationFailureWritesNothing(t *testing.T) {
	e := newEnv(t)
	e.tickets.tickets["42"] = domain.Ticket{ID: "42", Subject: "Help"}
	e.classifier.err = fmt.Errorf("%w: timed out after 8s", classifier.ErrClassificationUnavailable)

	_, err := e.svc.ProcessTicket(context.Background(), "42")
	if !IsUnavailable(err) {
		t.Fatalf("expected ClassificationUnavailable, got %v", err)
	}
	if len(e.tagger.applied) != 0 {
		t.Fatal("no fields may be written when classification fails")
	}
	events, _ := e.store.ClassificationEvents(context.Background(), time.Time{})
	if len(events) != 1 || events[0].Result != nil || !strings.Contains(events[0].Error, "timed out") {
		t.Fatalf("expected one error event, got %+v", events)
	}
}

func TestProcessTicketFetchFailure(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.ProcessTicket(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected fetch error")
	}
	if e.classifier.calls != 0 {
		t.Fatal("classifier must not run without a ticket")
	}
}

func TestProcessTicketTaggingFailureStillRecorded(t *testing.T) {
	e := newEnv(t)
	e.tickets.tickets["42"] = domain.Ticket{ID: "42", Subject: "Refund"}
	e.classifier.result = refundResult()
	e.tagger.err = tagger.ErrPartialWrite

	res, err := e.svc.ProcessTicket(context.Background(), "42")
	if !errors.Is(err, tagger.ErrPartialWrite) {
		t.Fatalf("expected tagging error, got %v", err)
	}
	if res.TaggingSuccess {
		t.Fatal("tagging success must be false")
	}
	events, _ := e.store.ClassificationEvents(context.Background(), time.Time{})
	if len(events) != 1 || events[0].Result == nil || events[0].TaggingSuccess {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestProcessUpdate(t *testing.T) {
	tests := []struct {
		name      string
		fields    map[string]any
		wantLog   bool
		corrected domain.Intent
	}{
		{
			name:      "override logged",
			fields:    map[string]any{ticketstore.FieldIntent: "move_out", ticketstore.FieldConfidence: 64, ticketstore.FieldAgentCorrectedIntent: "refund_request"},
			wantLog:   true,
			corrected: domain.IntentRefundRequest,
		},
		{
			name:   "confirmation ignored",
			fields: map[string]any{ticketstore.FieldIntent: "move_out", ticketstore.FieldAgentCorrectedIntent: "correct"},
		},
		{
			name:   "same intent ignored",
			fields: map[string]any{ticketstore.FieldIntent: "move_out", ticketstore.FieldAgentCorrectedIntent: "move_out"},
		},
		{
			name:   "empty ignored",
			fields: map[string]any{ticketstore.FieldIntent: "move_out"},
		},
		{
			name:   "unknown intent ignored",
			fields: map[string]any{ticketstore.FieldIntent: "move_out", ticketstore.FieldAgentCorrectedIntent: "tow_dispute"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.tickets.tickets["42"] = domain.Ticket{ID: "42", CustomFields: tt.fields}

			c, err := e.svc.ProcessUpdate(context.Background(), "42")
			if err != nil {
				t.Fatalf("ProcessUpdate failed: %v", err)
			}
			if (c != nil) != tt.wantLog {
				t.Fatalf("correction = %+v, wantLog=%v", c, tt.wantLog)
			}
			logged, _ := e.store.Corrections(context.Background(), time.Time{})
			if tt.wantLog && (len(logged) != 1 || logged[0].CorrectedIntent != tt.corrected || logged[0].Confidence == nil || *logged[0].Confidence != 64) {
				t.Fatalf("unexpected log: %+v", logged)
			}
			if !tt.wantLog && len(logged) != 0 {
				t.Fatalf("expected nothing logged, got %+v", logged)
			}
		})
	}
}

func TestProcessUpdateFallsBackToLocalIntent(t *testing.T) {
	e := newEnv(t)
	r := refundResult()
	r.Intent = domain.IntentGeneralQuestion
	_, _ = e.store.InsertClassificationEvent(context.Background(), domain.ClassificationEvent{TicketID: "42", Result: &r})
	e.tickets.tickets["42"] = domain.Ticket{ID: "42", CustomFields: map[string]any{
		ticketstore.FieldAgentCorrectedIntent: "permit_inquiry",
	}}

	c, err := e.svc.ProcessUpdate(context.Background(), "42")
	if err != nil || c == nil {
		t.Fatalf("expected correction, got %+v, %v", c, err)
	}
	if c.OriginalIntent != domain.IntentGeneralQuestion {
		t.Fatalf("original intent = %s", c.OriginalIntent)
	}
	if c.Confidence == nil || *c.Confidence != 95 {
		t.Fatalf("expected confidence from local classification, got %v", c.Confidence)
	}
}

func TestWizardUnclassifiedStates(t *testing.T) {
	e := newEnv(t)

	w, err := e.svc.Wizard(context.Background(), domain.IntentMoveOut, "")
	if err != nil {
		t.Fatalf("Wizard failed: %v", err)
	}
	if w.Classified || w.Header != nil {
		t.Fatal("expected no classification yet state without ticket")
	}

	e.tickets.err = errors.New("desk down")
	w, err = e.svc.Wizard(context.Background(), domain.IntentMoveOut, "42")
	if err != nil {
		t.Fatalf("Wizard must degrade when the desk fails: %v", err)
	}
	if w.Classified {
		t.Fatal("expected unclassified state when desk fails and nothing is stored")
	}
}

func TestWizardFromTicketFields(t *testing.T) {
	e := newEnv(t)
	e.tickets.tickets["42"] = domain.Ticket{ID: "42", CustomerName: "Jane Doe", CustomFields: map[string]any{
		ticketstore.FieldIntent:              "refund_request",
		ticketstore.FieldConfidence:          float64(88),
		ticketstore.FieldUrgency:             "high",
		ticketstore.FieldComplexity:          "simple",
		ticketstore.FieldRequiresHumanReview: "true",
		ticketstore.FieldLicensePlate:        "ABC1234",
	}}

	w, err := e.svc.Wizard(context.Background(), domain.IntentRefundRequest, "42")
	if err != nil {
		t.Fatalf("Wizard failed: %v", err)
	}
	if !w.Classified || w.Header.Confidence != 88 || w.Header.ConfidenceBadge != wizard.BadgeGood || !w.Header.RequiresHumanReview {
		t.Fatalf("unexpected header: %+v", w.Header)
	}
	var plate, moveOut *wizard.RenderedStep
	for i := range w.Steps {
		switch w.Steps[i].ID {
		case "verify_plate":
			plate = &w.Steps[i]
		case "confirm_move_out":
			moveOut = &w.Steps[i]
		}
	}
	if plate == nil || plate.EntityFound == nil || !*plate.EntityFound || plate.EntityValue != "ABC1234" {
		t.Fatalf("unexpected plate step: %+v", plate)
	}
	if moveOut == nil || moveOut.EntityFound == nil || *moveOut.EntityFound || moveOut.MissingAction == "" {
		t.Fatalf("unexpected move-out step: %+v", moveOut)
	}
	if strings.Contains(w.Intro, "{{") {
		t.Fatalf("raw placeholder leaked: %q", w.Intro)
	}
}

func TestWizardUnknownIntentIsConfigurationError(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Wizard(context.Background(), "tow_dispute", "")
	var ce *wizard.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestApplyTransitionRedirect(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	state := wizard.NewRunState(domain.IntentMoveOut)
	tr, err := e.svc.ApplyTransition(ctx, "", domain.IntentMoveOut, state, wizard.Event{Type: wizard.EventToggle, StepID: "confirm_date"})
	if err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	if !tr.State.CheckedSteps["confirm_date"] || tr.Progress.RequiredChecked != 1 {
		t.Fatalf("unexpected toggle result: %+v", tr)
	}

	tr, err = e.svc.ApplyTransition(ctx, "", domain.IntentMoveOut, tr.State, wizard.Event{Type: wizard.EventSelect, StepID: "refund_owed", Action: "refund_owed"})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if !tr.Rebuilt || tr.State.Intent != domain.IntentRefundRequest || len(tr.State.CheckedSteps) != 0 {
		t.Fatalf("expected full reset into refund wizard, got %+v", tr.State)
	}
	if tr.Wizard == nil || tr.Wizard.Intent != domain.IntentRefundRequest {
		t.Fatal("expected rebuilt refund wizard")
	}
	logged, _ := e.store.Corrections(ctx, time.Time{})
	if len(logged) != 0 {
		t.Fatal("redirects must not be logged as corrections")
	}
}

func TestApplyTransitionPreview(t *testing.T) {
	e := newEnv(t)
	r := refundResult()
	_, _ = e.store.InsertClassificationEvent(context.Background(), domain.ClassificationEvent{TicketID: "42", Result: &r})
	e.tickets.tickets["42"] = domain.Ticket{ID: "42", CustomerName: "Jane Doe"}

	tr, err := e.svc.ApplyTransition(context.Background(), "42", domain.IntentRefundRequest, wizard.RunState{},
		wizard.Event{Type: wizard.EventSelect, StepID: "refund_decision", Action: "approve"})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if tr.Preview == nil || tr.Preview.TemplateID != "refund_approved" {
		t.Fatalf("expected refund_approved preview, got %+v", tr.Preview)
	}
	if !strings.Contains(tr.Preview.HTML, "Jane Doe") || strings.Contains(tr.Preview.HTML, "{{") {
		t.Fatalf("unexpected preview html: %s", tr.Preview.HTML)
	}
}

func TestApplyTransitionCorrectLogsCorrection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tr, err := e.svc.ApplyTransition(ctx, "42", domain.IntentMoveOut, wizard.NewRunState(domain.IntentMoveOut),
		wizard.Event{Type: wizard.EventCorrect, Intent: domain.IntentRefundRequest})
	if err != nil {
		t.Fatalf("correct failed: %v", err)
	}
	if !tr.Rebuilt || tr.State.Intent != domain.IntentRefundRequest || tr.Wizard == nil {
		t.Fatalf("unexpected transition: %+v", tr)
	}
	// No stored classification: the wizard's intent is the original.
	logged, _ := e.store.Corrections(ctx, time.Time{})
	if len(logged) != 1 || logged[0].OriginalIntent != domain.IntentMoveOut || logged[0].Confidence != nil {
		t.Fatalf("expected one correction, got %+v", logged)
	}

	// Re-confirming the same intent resets but is not a correction.
	if _, err := e.svc.ApplyTransition(ctx, "42", domain.IntentRefundRequest, tr.State,
		wizard.Event{Type: wizard.EventCorrect, Intent: domain.IntentRefundRequest}); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	logged, _ = e.store.Corrections(ctx, time.Time{})
	if len(logged) != 1 {
		t.Fatalf("confirmation must not be logged, got %d entries", len(logged))
	}
}

func TestApplyTransitionCorrectUsesStoredClassification(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	r := refundResult()
	r.Intent = domain.IntentMoveOut
	r.Confidence = 71
	_, _ = e.store.InsertClassificationEvent(ctx, domain.ClassificationEvent{TicketID: "42", Result: &r})

	tr, err := e.svc.ApplyTransition(ctx, "42", domain.IntentMoveOut, wizard.RunState{},
		wizard.Event{Type: wizard.EventSelect, StepID: "refund_owed", Action: "refund_owed"})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if tr.State.Intent != domain.IntentRefundRequest {
		t.Fatalf("expected redirect to refund wizard, got %s", tr.State.Intent)
	}

	_, err = e.svc.ApplyTransition(ctx, "42", domain.IntentRefundRequest, tr.State,
		wizard.Event{Type: wizard.EventCorrect, Intent: domain.IntentPermitCancellation})
	if err != nil {
		t.Fatalf("correct failed: %v", err)
	}
	logged, _ := e.store.Corrections(ctx, time.Time{})
	if len(logged) != 1 {
		t.Fatalf("expected one correction, got %+v", logged)
	}
	c := logged[0]
	if c.OriginalIntent != domain.IntentMoveOut || c.CorrectedIntent != domain.IntentPermitCancellation {
		t.Fatalf("correction must override the AI intent, got %s -> %s", c.OriginalIntent, c.CorrectedIntent)
	}
	if c.Confidence == nil || *c.Confidence != 71 {
		t.Fatalf("expected AI confidence 71, got %v", c.Confidence)
	}
}

func TestApplyTransitionCorrectSameIntentDifferentSpelling(t *testing.T) {
	tests := []struct {
		name   string
		stored bool
	}{
		{name: "no stored classification", stored: false},
		{name: "stored classification", stored: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			ctx := context.Background()
			if tt.stored {
				r := refundResult()
				_, _ = e.store.InsertClassificationEvent(ctx, domain.ClassificationEvent{TicketID: "42", Result: &r})
			}
			tr, err := e.svc.ApplyTransition(ctx, "42", domain.IntentRefundRequest, wizard.NewRunState(domain.IntentRefundRequest),
				wizard.Event{Type: wizard.EventCorrect, Intent: "Refund_Request"})
			if err != nil {
				t.Fatalf("correct failed: %v", err)
			}
			if tr.State.Intent != domain.IntentRefundRequest {
				t.Fatalf("state intent = %q", tr.State.Intent)
			}
			logged, _ := e.store.Corrections(ctx, time.Time{})
			if len(logged) != 0 {
				t.Fatalf("re-confirmation logged as correction: %+v", logged)
			}
		})
	}
}

func TestRecordTemplateUsage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.svc.RecordTemplateUsage(ctx, "refund_approved", domain.IntentRefundRequest, "42"); err != nil {
		t.Fatalf("RecordTemplateUsage failed: %v", err)
	}
	if err := e.svc.RecordTemplateUsage(ctx, "nope", "", ""); !errors.Is(err, templates.ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
	rows, _ := e.store.TemplateUsage(ctx, time.Time{})
	if len(rows) != 1 {
		t.Fatalf("expected 1 usage row, got %d", len(rows))
	}
}

func TestResultFromFields(t *testing.T) {
	if _, ok := ResultFromFields(map[string]any{ticketstore.FieldIntent: "refund_request"}); ok {
		t.Fatal("confidence is required")
	}
	if _, ok := ResultFromFields(map[string]any{ticketstore.FieldConfidence: "80"}); ok {
		t.Fatal("intent is required")
	}
	r, ok := ResultFromFields(map[string]any{
		ticketstore.FieldIntent:         "payment_issue",
		ticketstore.FieldConfidence:     "72%",
		ticketstore.FieldRequiresRefund: true,
	})
	if !ok || r.Intent != domain.IntentPaymentIssue || r.Confidence != 72 || !r.RequiresRefund {
		t.Fatalf("unexpected result: %+v ok=%v", r, ok)
	}
}
