package feedback

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tickettriage/internal/domain"
	"tickettriage/internal/storage/sqlite"
)

func newTestLog(t *testing.T) (*Log, *sqlite.Store) {
	t.Helper()
	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "feedback-test.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := sqlite.New(db)
	return New(store, nil), store
}

func classify(t *testing.T, store *sqlite.Store, ticketID string, intent domain.Intent) {
	t.Helper()
	_, err := store.InsertClassificationEvent(context.Background(), domain.ClassificationEvent{
		TicketID: ticketID,
		Result:   &domain.ClassificationResult{Intent: intent, Confidence: 80},
	})
	if err != nil {
		t.Fatalf("InsertClassificationEvent failed: %v", err)
	}
}

func TestRecordRejectsSameIntent(t *testing.T) {
	l, store := newTestLog(t)
	_, err := l.Record(context.Background(), domain.Correction{TicketID: "T-1", OriginalIntent: domain.IntentMoveOut, CorrectedIntent: domain.IntentMoveOut})
	if !errors.Is(err, ErrNotACorrection) {
		t.Fatalf("expected ErrNotACorrection, got %v", err)
	}
	got, _ := store.Corrections(context.Background(), time.Time{})
	if len(got) != 0 {
		t.Fatalf("expected nothing recorded, got %d", len(got))
	}
}

func TestRecordRejectsUnknownIntent(t *testing.T) {
	l, _ := newTestLog(t)
	if _, err := l.Record(context.Background(), domain.Correction{TicketID: "T-1", OriginalIntent: domain.IntentMoveOut, CorrectedIntent: "tow_issue"}); err == nil {
		t.Fatal("expected error for unknown corrected intent")
	}
}

func TestRecordNormalizesIntents(t *testing.T) {
	l, store := newTestLog(t)
	ctx := context.Background()

	_, err := l.Record(ctx, domain.Correction{TicketID: "T-1", OriginalIntent: domain.IntentRefundRequest, CorrectedIntent: " Refund_Request "})
	if !errors.Is(err, ErrNotACorrection) {
		t.Fatalf("differently spelled re-confirmation: expected ErrNotACorrection, got %v", err)
	}

	conf := 62
	c, err := l.Record(ctx, domain.Correction{TicketID: "T-2", OriginalIntent: "Move_Out", CorrectedIntent: "REFUND_REQUEST", Confidence: &conf})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if c.OriginalIntent != domain.IntentMoveOut || c.CorrectedIntent != domain.IntentRefundRequest {
		t.Fatalf("intents not normalized: %+v", c)
	}

	got, err := store.Corrections(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Corrections failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one stored correction, got %d", len(got))
	}
	if got[0].OriginalIntent != domain.IntentMoveOut || got[0].CorrectedIntent != domain.IntentRefundRequest {
		t.Fatalf("stored intents not normalized: %+v", got[0])
	}
	if got[0].Confidence == nil || *got[0].Confidence != 62 {
		t.Fatalf("confidence not stored: %+v", got[0].Confidence)
	}
}

func TestRecordAssignsIDAndTimestamp(t *testing.T) {
	l, _ := newTestLog(t)
	fixed := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }
	l.newID = func() string { return "corr-1" }

	c, err := l.Record(context.Background(), domain.Correction{TicketID: "T-1", OriginalIntent: domain.IntentMoveOut, CorrectedIntent: domain.IntentRefundRequest})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if c.ID != "corr-1" || !c.Timestamp.Equal(fixed) || c.TicketID != "T-1" {
		t.Fatalf("unexpected correction: %+v", c)
	}
}

func TestAggregateEmptyLog(t *testing.T) {
	l, _ := newTestLog(t)
	s, err := l.Aggregate(context.Background(), domain.Window{})
	if err != nil {
		t.Fatalf("Aggregate failed on empty log: %v", err)
	}
	if s.AccuracyRate != 0 || s.TotalCorrections != 0 || s.TotalClassified != 0 {
		t.Fatalf("expected zeros, got %+v", s)
	}
	if s.ConfusionMatrix == nil || s.TopConfusionPairs == nil || s.Weekly == nil {
		t.Fatalf("expected empty non-nil collections, got %+v", s)
	}
}

func TestAggregateAccuracyAndMatrix(t *testing.T) {
	l, store := newTestLog(t)
	ctx := context.Background()
	for _, id := range []string{"T-1", "T-2", "T-3", "T-4"} {
		classify(t, store, id, domain.IntentMoveOut)
	}

	// T-1 corrected twice (retried delivery) still counts as one ticket.
	_, _ = l.Record(ctx, domain.Correction{TicketID: "T-1", OriginalIntent: domain.IntentMoveOut, CorrectedIntent: domain.IntentRefundRequest})
	_, _ = l.Record(ctx, domain.Correction{TicketID: "T-1", OriginalIntent: domain.IntentMoveOut, CorrectedIntent: domain.IntentRefundRequest})
	_, _ = l.Record(ctx, domain.Correction{TicketID: "T-2", OriginalIntent: domain.IntentMoveOut, CorrectedIntent: domain.IntentPermitCancellation})

	s, err := l.Aggregate(ctx, domain.Window{})
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if s.TotalCorrections != 3 || s.CorrectedTickets != 2 || s.TotalClassified != 4 {
		t.Fatalf("unexpected counts: %+v", s)
	}
	if s.AccuracyRate != 0.5 {
		t.Fatalf("expected accuracy 0.5, got %v", s.AccuracyRate)
	}
	if got := s.ConfusionMatrix[domain.IntentMoveOut][domain.IntentRefundRequest]; got != 2 {
		t.Fatalf("confusion_matrix[move_out][refund_request] = %d, want 2", got)
	}
	if len(s.TopConfusionPairs) != 2 || s.TopConfusionPairs[0].Count != 2 {
		t.Fatalf("unexpected top pairs: %+v", s.TopConfusionPairs)
	}
	if len(s.Weekly) != 1 || s.Weekly[0].Count != 3 {
		t.Fatalf("unexpected weekly buckets: %+v", s.Weekly)
	}
}

func TestSummarizeClampsAccuracy(t *testing.T) {
	corrections := []domain.Correction{
		{TicketID: "a", OriginalIntent: domain.IntentUnclear, CorrectedIntent: domain.IntentMoveOut},
		{TicketID: "b", OriginalIntent: domain.IntentUnclear, CorrectedIntent: domain.IntentMoveOut},
	}
	// More corrected tickets than classified ones, e.g. classified before the window.
	s := summarize(corrections, 1)
	if s.AccuracyRate != 0 {
		t.Fatalf("expected accuracy clamped to 0, got %v", s.AccuracyRate)
	}
}

func TestSummarizeCorrectedConfidence(t *testing.T) {
	low, high := 40, 75
	corrections := []domain.Correction{
		{TicketID: "a", OriginalIntent: domain.IntentUnclear, CorrectedIntent: domain.IntentMoveOut, Confidence: &low},
		{TicketID: "b", OriginalIntent: domain.IntentMoveOut, CorrectedIntent: domain.IntentRefundRequest, Confidence: &high},
		{TicketID: "c", OriginalIntent: domain.IntentMoveOut, CorrectedIntent: domain.IntentRefundRequest},
	}
	s := summarize(corrections, 10)
	if s.AvgCorrectedConfidence == nil || *s.AvgCorrectedConfidence != 57.5 {
		t.Fatalf("avg corrected confidence = %v, want 57.5", s.AvgCorrectedConfidence)
	}
	if empty := summarize(nil, 0); empty.AvgCorrectedConfidence != nil {
		t.Fatalf("expected nil average for empty log, got %v", *empty.AvgCorrectedConfidence)
	}
}

func TestSummarizeTopPairsOrderAndLimit(t *testing.T) {
	var corrections []domain.Correction
	for i, in := range domain.Intents {
		for j, out := range domain.Intents {
			if in == out {
				continue
			}
			n := 1
			if i == 0 && j == 1 {
				n = 3
			}
			for k := 0; k < n; k++ {
				corrections = append(corrections, domain.Correction{TicketID: "t", OriginalIntent: in, CorrectedIntent: out})
			}
		}
	}
	s := summarize(corrections, 100)
	if len(s.TopConfusionPairs) != topPairsLimit {
		t.Fatalf("expected %d pairs, got %d", topPairsLimit, len(s.TopConfusionPairs))
	}
	if s.TopConfusionPairs[0].Original != domain.Intents[0] || s.TopConfusionPairs[0].Count != 3 {
		t.Fatalf("expected most frequent pair first, got %+v", s.TopConfusionPairs[0])
	}
	for i := 2; i < len(s.TopConfusionPairs); i++ {
		a, b := s.TopConfusionPairs[i-1], s.TopConfusionPairs[i]
		if a.Count == b.Count && a.Original > b.Original {
			t.Fatalf("ties not sorted by name: %+v before %+v", a, b)
		}
	}
}

func TestConcurrentRecord(t *testing.T) {
	l, store := newTestLog(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Record(ctx, domain.Correction{TicketID: "T-1", OriginalIntent: domain.IntentUnclear, CorrectedIntent: domain.IntentPermitInquiry}); err != nil {
				t.Errorf("Record failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := store.Corrections(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Corrections failed: %v", err)
	}
	if len(got) != 20 {
		t.Fatalf("expected 20 corrections, got %d", len(got))
	}
}

func TestCorrectionHints(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	_, _ = l.Record(ctx, domain.Correction{TicketID: "T-1", OriginalIntent: domain.IntentMoveOut, CorrectedIntent: domain.IntentRefundRequest})

	hints, err := l.CorrectionHints(ctx, 5)
	if err != nil {
		t.Fatalf("CorrectionHints failed: %v", err)
	}
	if len(hints) != 1 || hints[0].Corrected != domain.IntentRefundRequest {
		t.Fatalf("unexpected hints: %+v", hints)
	}
	if hints, _ := l.CorrectionHints(ctx, 0); hints != nil {
		t.Fatalf("expected no hints for limit 0, got %+v", hints)
	}
}
