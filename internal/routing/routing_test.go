package routing

import (
	"testing"

	"tickettriage/internal/domain"
)

func TestRecommendQueue(t *testing.T) {
	tests := []struct {
		name string
		in   domain.ClassificationResult
		want string
	}{
		{
			name: "simple confident refund auto resolves",
			in:   domain.ClassificationResult{Intent: domain.IntentRefundRequest, Complexity: domain.ComplexitySimple, Confidence: 95, RequiresRefund: true},
			want: QueueAutoResolution,
		},
		{
			name: "refund at exactly 90 goes to accounting",
			in:   domain.ClassificationResult{Intent: domain.IntentRefundRequest, Complexity: domain.ComplexitySimple, Confidence: 90, RequiresRefund: true},
			want: QueueAccounting,
		},
		{
			name: "payment issue",
			in:   domain.ClassificationResult{Intent: domain.IntentPaymentIssue, Complexity: domain.ComplexityModerate, Confidence: 80},
			want: QueueAccounting,
		},
		{
			name: "requires refund beats complexity",
			in:   domain.ClassificationResult{Intent: domain.IntentMoveOut, Complexity: domain.ComplexityComplex, RequiresRefund: true},
			want: QueueAccounting,
		},
		{
			name: "simple cancellation",
			in:   domain.ClassificationResult{Intent: domain.IntentPermitCancellation, Complexity: domain.ComplexitySimple, Confidence: 88},
			want: QueueQuickUpdates,
		},
		{
			name: "simple account update even under review",
			in:   domain.ClassificationResult{Intent: domain.IntentAccountUpdate, Complexity: domain.ComplexitySimple, RequiresHumanReview: true},
			want: QueueQuickUpdates,
		},
		{
			name: "high urgency",
			in:   domain.ClassificationResult{Intent: domain.IntentGeneralQuestion, Complexity: domain.ComplexityModerate, Urgency: domain.UrgencyHigh, Confidence: 90},
			want: QueueEscalations,
		},
		{
			name: "human review",
			in:   domain.ClassificationResult{Intent: domain.IntentUnclear, Complexity: domain.ComplexitySimple, Confidence: 40, RequiresHumanReview: true},
			want: QueueEscalations,
		},
		{
			name: "fallthrough",
			in:   domain.ClassificationResult{Intent: domain.IntentPermitInquiry, Complexity: domain.ComplexitySimple, Urgency: domain.UrgencyLow, Confidence: 90},
			want: QueueGeneral,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RecommendQueue(tt.in); got != tt.want {
				t.Fatalf("RecommendQueue = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRecommendIsDeterministic(t *testing.T) {
	r := domain.ClassificationResult{Intent: domain.IntentMoveOut, Complexity: domain.ComplexityModerate, Confidence: 77}
	first := Recommend(r)
	for i := 0; i < 20; i++ {
		if got := Recommend(r); got != first {
			t.Fatalf("iteration %d: %+v != %+v", i, got, first)
		}
	}
	if first.Rule != 5 {
		t.Fatalf("rule = %d", first.Rule)
	}
}
