package triage

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"tickettriage/internal/domain"
	"tickettriage/internal/ticketstore"
)

// ResultFromFields rebuilds the stored classification from a ticket's
// logical custom fields. It reports false unless intent and confidence are
// both present and valid.
func ResultFromFields(fields map[string]any) (domain.ClassificationResult, bool) {
	var r domain.ClassificationResult
	intent, ok := domain.ParseIntent(fieldString(fields[ticketstore.FieldIntent]))
	if !ok {
		return r, false
	}
	conf, ok := fieldInt(fields[ticketstore.FieldConfidence])
	if !ok || conf < 0 || conf > 100 {
		return r, false
	}
	r.Intent = intent
	r.Confidence = conf
	r.Complexity, _ = domain.ParseComplexity(fieldString(fields[ticketstore.FieldComplexity]))
	r.Urgency, _ = domain.ParseUrgency(fieldString(fields[ticketstore.FieldUrgency]))
	r.Language = domain.ParseLanguage(fieldString(fields[ticketstore.FieldLanguage]))
	r.RequiresRefund = fieldBool(fields[ticketstore.FieldRequiresRefund])
	r.RequiresHumanReview = fieldBool(fields[ticketstore.FieldRequiresHumanReview])
	r.Entities.LicensePlate = fieldString(fields[ticketstore.FieldLicensePlate])
	r.Entities.MoveOutDate = fieldString(fields[ticketstore.FieldMoveOutDate])
	return r, true
}

func fieldString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func fieldInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(math.Round(t)), true
	case int:
		return t, true
	case int64:
		return int(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(t), "%"), 64)
		if err != nil {
			return 0, false
		}
		return int(math.Round(f)), true
	}
	return 0, false
}

func fieldBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	case float64:
		return t != 0
	}
	return false
}
