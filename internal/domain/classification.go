package domain

import (
	"strings"
	"time"
)

type Intent string

const (
	IntentRefundRequest      Intent = "refund_request"
	IntentPermitCancellation Intent = "permit_cancellation"
	IntentAccountUpdate      Intent = "account_update"
	IntentPaymentIssue       Intent = "payment_issue"
	IntentPermitInquiry      Intent = "permit_inquiry"
	IntentMoveOut            Intent = "move_out"
	IntentTechnicalIssue     Intent = "technical_issue"
	IntentGeneralQuestion    Intent = "general_question"
	IntentUnclear            Intent = "unclear"
)

// Intents lists every supported intent in display order.
var Intents = []Intent{
	IntentRefundRequest,
	IntentPermitCancellation,
	IntentAccountUpdate,
	IntentPaymentIssue,
	IntentPermitInquiry,
	IntentMoveOut,
	IntentTechnicalIssue,
	IntentGeneralQuestion,
	IntentUnclear,
}

func ParseIntent(s string) (Intent, bool) {
	s = normalizeEnum(s)
	for _, in := range Intents {
		if string(in) == s {
			return in, true
		}
	}
	return "", false
}

type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

func ParseComplexity(s string) (Complexity, bool) {
	switch c := Complexity(normalizeEnum(s)); c {
	case ComplexitySimple, ComplexityModerate, ComplexityComplex:
		return c, true
	}
	return "", false
}

type Language string

const (
	LanguageEnglish Language = "english"
	LanguageSpanish Language = "spanish"
	LanguageMixed   Language = "mixed"
	LanguageOther   Language = "other"
)

// ParseLanguage accepts full names and ISO codes. Anything unrecognized is
// reported as LanguageOther.
func ParseLanguage(s string) Language {
	switch normalizeEnum(s) {
	case "english", "en":
		return LanguageEnglish
	case "spanish", "es", "espanol", "español":
		return LanguageSpanish
	case "mixed":
		return LanguageMixed
	}
	return LanguageOther
}

type Urgency string

const (
	UrgencyHigh   Urgency = "high"
	UrgencyMedium Urgency = "medium"
	UrgencyLow    Urgency = "low"
)

func ParseUrgency(s string) (Urgency, bool) {
	switch u := Urgency(normalizeEnum(s)); u {
	case UrgencyHigh, UrgencyMedium, UrgencyLow:
		return u, true
	case "normal":
		return UrgencyMedium, true
	}
	return "", false
}

func normalizeEnum(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.ReplaceAll(s, " ", "_")
}

// Entity field names, shared by wizard steps, ticket custom fields and
// template variables.
const (
	EntityLicensePlate = "license_plate"
	EntityMoveOutDate  = "move_out_date"
	EntityAmount       = "amount"
	EntityPropertyName = "property_name"
)

// Entities holds the structured values pulled out of a ticket. Empty string
// means not found.
type Entities struct {
	LicensePlate string `json:"license_plate,omitempty"`
	MoveOutDate  string `json:"move_out_date,omitempty"` // ISO 2006-01-02
	Amount       string `json:"amount,omitempty"`
	PropertyName string `json:"property_name,omitempty"`
}

func (e Entities) Get(field string) (string, bool) {
	var v string
	switch field {
	case EntityLicensePlate:
		v = e.LicensePlate
	case EntityMoveOutDate:
		v = e.MoveOutDate
	case EntityAmount:
		v = e.Amount
	case EntityPropertyName:
		v = e.PropertyName
	}
	return v, v != ""
}

// Map returns only the entities that were found.
func (e Entities) Map() map[string]string {
	out := make(map[string]string, 4)
	for _, f := range []string{EntityLicensePlate, EntityMoveOutDate, EntityAmount, EntityPropertyName} {
		if v, ok := e.Get(f); ok {
			out[f] = v
		}
	}
	return out
}

// ClassificationResult is the calibrated outcome of classifying one ticket.
// Confidence is always post-calibration, 0-100.
type ClassificationResult struct {
	Intent              Intent     `json:"intent"`
	Complexity          Complexity `json:"complexity"`
	Language            Language   `json:"language"`
	Urgency             Urgency    `json:"urgency"`
	Confidence          int        `json:"confidence"`
	RequiresRefund      bool       `json:"requires_refund"`
	RequiresHumanReview bool       `json:"requires_human_review"`
	Entities            Entities   `json:"entities"`
	Notes               string     `json:"notes"`
}

// LLMUsage is the token accounting for a single model call.
type LLMUsage struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

func (u LLMUsage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// Correction is an agent override of a prior AI intent. OriginalIntent and
// CorrectedIntent always differ. Confidence is the AI confidence of the
// overridden classification, nil when unknown.
type Correction struct {
	ID              string    `json:"id"`
	TicketID        string    `json:"ticket_id"`
	OriginalIntent  Intent    `json:"original_intent"`
	CorrectedIntent Intent    `json:"corrected_intent"`
	Confidence      *int      `json:"confidence,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// ClassificationEvent is one attempt to classify a ticket, successful or not.
type ClassificationEvent struct {
	ID                    int64
	TicketID              string
	Result                *ClassificationResult // nil when Error is set
	RoutingQueue          string
	ProcessingTimeSeconds float64
	TaggingSuccess        bool
	Error                 string
	Timestamp             time.Time
}

// Ticket is the subset of a desk ticket the triage engine reads.
// CustomFields is keyed by logical field name, not backend key.
type Ticket struct {
	ID           string
	Subject      string
	Body         string
	Sender       string
	CustomerName string
	CustomFields map[string]any
}

// ConfusionPair counts how often Original was corrected to Corrected.
type ConfusionPair struct {
	Original  Intent `json:"original"`
	Corrected Intent `json:"corrected"`
	Count     int    `json:"count"`
}
