// Package routing suggests which team queue should pick up a classified
// ticket. The label is advisory and never moves a ticket by itself.
package routing

import (
	"fmt"

	"tickettriage/internal/domain"
)

const (
	QueueAutoResolution = "Auto-Resolution Queue"
	QueueAccounting     = "Accounting/Refunds"
	QueueQuickUpdates   = "Quick Updates"
	QueueEscalations    = "Escalations"
	QueueGeneral        = "General Support"
)

// Queues lists every label Recommend can return, in rule order.
var Queues = []string{QueueAutoResolution, QueueAccounting, QueueQuickUpdates, QueueEscalations, QueueGeneral}

type Recommendation struct {
	Queue  string `json:"queue"`
	Rule   int    `json:"rule"`
	Reason string `json:"reason"`
}

// Recommend evaluates the routing rules in priority order; the first match wins.
func Recommend(r domain.ClassificationResult) Recommendation {
	switch {
	case r.Intent == domain.IntentRefundRequest && r.Complexity == domain.ComplexitySimple && r.Confidence > 90:
		return Recommendation{QueueAutoResolution, 1, fmt.Sprintf("simple refund at %d%% confidence", r.Confidence)}
	case r.RequiresRefund || r.Intent == domain.IntentPaymentIssue:
		return Recommendation{QueueAccounting, 2, "refund or payment handling"}
	case r.Complexity == domain.ComplexitySimple &&
		(r.Intent == domain.IntentPermitCancellation || r.Intent == domain.IntentAccountUpdate):
		return Recommendation{QueueQuickUpdates, 3, "simple " + string(r.Intent)}
	case r.Complexity == domain.ComplexityComplex || r.Urgency == domain.UrgencyHigh || r.RequiresHumanReview:
		return Recommendation{QueueEscalations, 4, escalationReason(r)}
	}
	return Recommendation{QueueGeneral, 5, "no specialised queue applies"}
}

func RecommendQueue(r domain.ClassificationResult) string {
	return Recommend(r).Queue
}

func escalationReason(r domain.ClassificationResult) string {
	switch {
	case r.Complexity == domain.ComplexityComplex:
		return "complex ticket"
	case r.Urgency == domain.UrgencyHigh:
		return "high urgency"
	}
	return "human review required"
}
