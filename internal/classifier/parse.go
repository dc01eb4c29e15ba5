package classifier

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"tickettriage/internal/domain"
	"tickettriage/internal/entities"
)

type rawEntities struct {
	LicensePlate json.RawMessage `json:"license_plate"`
	MoveOutDate  json.RawMessage `json:"move_out_date"`
	PropertyName json.RawMessage `json:"property_name"`
	Amount       json.RawMessage `json:"amount"`
}

type rawResponse struct {
	Intent              string          `json:"intent"`
	AlternativeIntents  []string        `json:"alternative_intents"`
	Complexity          string          `json:"complexity"`
	Language            string          `json:"language"`
	Urgency             string          `json:"urgency"`
	Confidence          json.RawMessage `json:"confidence"`
	KeyEntities         *rawEntities    `json:"key_entities"`
	ExtractedEntities   *rawEntities    `json:"extracted_entities"`
	RequiresRefund      bool            `json:"requires_refund"`
	RequiresHumanReview bool            `json:"requires_human_review"`
	Notes               string          `json:"notes"`
}

// modelOutput is a validated model response, before calibration.
type modelOutput struct {
	Intent              domain.Intent
	Alternatives        []domain.Intent
	Complexity          domain.Complexity
	Language            domain.Language
	Urgency             domain.Urgency
	Confidence          int
	Entities            entities.Raw
	RequiresRefund      bool
	RequiresHumanReview bool
	Notes               string
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func parseModelOutput(text string) (modelOutput, error) {
	text = stripCodeFence(text)
	var raw rawResponse
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return modelOutput{}, fmt.Errorf("parsing model response: %w (response: %.200s)", err, text)
	}

	var out modelOutput
	var ok bool
	if out.Intent, ok = domain.ParseIntent(raw.Intent); !ok {
		return modelOutput{}, fmt.Errorf("model returned unknown intent %q", raw.Intent)
	}
	if out.Complexity, ok = domain.ParseComplexity(raw.Complexity); !ok {
		return modelOutput{}, fmt.Errorf("model returned unknown complexity %q", raw.Complexity)
	}
	if out.Urgency, ok = domain.ParseUrgency(raw.Urgency); !ok {
		return modelOutput{}, fmt.Errorf("model returned unknown urgency %q", raw.Urgency)
	}
	out.Language = domain.ParseLanguage(raw.Language)

	conf, err := parseConfidence(raw.Confidence)
	if err != nil {
		return modelOutput{}, err
	}
	out.Confidence = conf

	for _, s := range raw.AlternativeIntents {
		if in, ok := domain.ParseIntent(s); ok && in != out.Intent {
			out.Alternatives = append(out.Alternatives, in)
		}
	}

	ents := raw.KeyEntities
	if ents == nil {
		ents = raw.ExtractedEntities
	}
	if ents != nil {
		out.Entities = entities.Raw{
			LicensePlate: scalarString(ents.LicensePlate),
			MoveOutDate:  scalarString(ents.MoveOutDate),
			PropertyName: scalarString(ents.PropertyName),
			Amount:       scalarString(ents.Amount),
		}
	}
	out.RequiresRefund = raw.RequiresRefund
	out.RequiresHumanReview = raw.RequiresHumanReview
	out.Notes = raw.Notes
	return out, nil
}

// parseConfidence accepts a 0..1 fraction or a 0..100 score, as a number or
// a numeric string, and returns 0..100.
func parseConfidence(raw json.RawMessage) (int, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	s = strings.TrimSuffix(s, "%")
	if s == "" || s == "null" {
		return 0, fmt.Errorf("model response has no confidence")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || v < 0 || v > 100 {
		return 0, fmt.Errorf("model returned invalid confidence %s", raw)
	}
	if v <= 1 {
		v *= 100
	}
	return int(math.Round(v)), nil
}

// scalarString renders a JSON string or number as text; null, objects and
// arrays become "".
func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
