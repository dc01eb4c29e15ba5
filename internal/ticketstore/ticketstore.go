// Package ticketstore reads tickets from and writes triage results to the
// support desk.
package ticketstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"

	"tickettriage/internal/domain"
)

type TicketStore interface {
	GetTicket(ctx context.Context, id string) (domain.Ticket, error)
	// SetFields writes custom fields keyed by logical field name.
	SetFields(ctx context.Context, id string, fields map[string]any) error
	// AddComment adds an internal (agent-only) comment.
	AddComment(ctx context.Context, id, text string) error
}

// Logical field names written by the tagger and read back by triage.
const (
	FieldIntent               = "intent"
	FieldComplexity           = "complexity"
	FieldLanguage             = "language"
	FieldUrgency              = "urgency"
	FieldConfidence           = "confidence"
	FieldRequiresRefund       = "requires_refund"
	FieldRequiresHumanReview  = "requires_human_review"
	FieldLicensePlate         = "license_plate"
	FieldMoveOutDate          = "move_out_date"
	FieldRoutingQueue         = "routing_queue"
	FieldAgentCorrectedIntent = "agent_corrected_intent"
)

var defaultKeys = map[string]string{
	FieldIntent:               "cf_ai_intent",
	FieldComplexity:           "cf_ai_complexity",
	FieldLanguage:             "cf_ai_language",
	FieldUrgency:              "cf_ai_urgency",
	FieldConfidence:           "cf_ai_confidence",
	FieldRequiresRefund:       "cf_requires_refund",
	FieldRequiresHumanReview:  "cf_requires_human_review",
	FieldLicensePlate:         "cf_license_plate",
	FieldMoveOutDate:          "cf_move_out_date",
	FieldRoutingQueue:         "cf_routing_queue",
	FieldAgentCorrectedIntent: "cf_agent_corrected_intent",
}

// FieldMapping translates logical field names to backend custom-field keys.
// The zero value is not usable; build one with DefaultFieldMapping.
type FieldMapping struct {
	keys    map[string]string
	reverse map[string]string
}

func DefaultFieldMapping() FieldMapping {
	m, _ := NewFieldMapping(nil)
	return m
}

// NewFieldMapping applies overrides on top of the defaults. Overrides for
// unknown logical names or empty keys are rejected, as are two logical
// names sharing one backend key.
func NewFieldMapping(overrides map[string]string) (FieldMapping, error) {
	keys := make(map[string]string, len(defaultKeys))
	for k, v := range defaultKeys {
		keys[k] = v
	}
	for name, key := range overrides {
		if _, ok := defaultKeys[name]; !ok {
			return FieldMapping{}, fmt.Errorf("field mapping: unknown field %q", name)
		}
		if key == "" {
			return FieldMapping{}, fmt.Errorf("field mapping: empty key for %q", name)
		}
		keys[name] = key
	}
	reverse := make(map[string]string, len(keys))
	for name, key := range keys {
		if other, dup := reverse[key]; dup {
			return FieldMapping{}, fmt.Errorf("field mapping: %q and %q both map to %q", other, name, key)
		}
		reverse[key] = name
	}
	return FieldMapping{keys: keys, reverse: reverse}, nil
}

// Key returns the backend key for a logical field name.
func (m FieldMapping) Key(field string) (string, bool) {
	k, ok := m.keys[field]
	return k, ok
}

// Field returns the logical name for a backend key.
func (m FieldMapping) Field(key string) (string, bool) {
	f, ok := m.reverse[key]
	return f, ok
}

// Fields lists the logical field names in a stable order.
func (m FieldMapping) Fields() []string {
	out := make([]string, 0, len(m.keys))
	for f := range m.keys {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// ToBackend rewrites a logical field set to backend keys.
func (m FieldMapping) ToBackend(fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for name, v := range fields {
		key, ok := m.keys[name]
		if !ok {
			return nil, fmt.Errorf("no backend key for field %q", name)
		}
		out[key] = v
	}
	return out, nil
}

// HTTPError is a non-2xx desk response.
type HTTPError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("desk %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// FieldWriteError is a rejected write of a single custom field.
type FieldWriteError struct {
	TicketID string
	Field    string
	Err      error
}

func (e *FieldWriteError) Error() string {
	return fmt.Sprintf("ticket %s: write field %s: %v", e.TicketID, e.Field, e.Err)
}

func (e *FieldWriteError) Unwrap() error { return e.Err }

// IsRetryable reports whether a desk failure may succeed on retry: rate
// limits, server errors and transport failures. Other 4xx responses and
// cancellations are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode == 429 || he.StatusCode >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
