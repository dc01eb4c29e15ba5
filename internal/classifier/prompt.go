package classifier

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"tickettriage/internal/domain"
)

const maxBodyChars = 6000

// Glossary maps customer phrasing to the intent it usually signals. It only
// feeds the prompt; the model still decides.
type Glossary struct {
	Terms []GlossaryTerm `yaml:"terms"`
}

type GlossaryTerm struct {
	Phrase string        `yaml:"phrase"`
	Intent domain.Intent `yaml:"intent"`
	Note   string        `yaml:"note"`
}

func LoadGlossary(path string) (*Glossary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read glossary: %w", err)
	}
	var g Glossary
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse glossary yaml: %w", err)
	}
	kept := g.Terms[:0]
	for _, t := range g.Terms {
		t.Phrase = strings.ToLower(strings.TrimSpace(t.Phrase))
		in, ok := domain.ParseIntent(string(t.Intent))
		if t.Phrase == "" || !ok {
			continue
		}
		t.Intent = in
		kept = append(kept, t)
	}
	g.Terms = kept
	return &g, nil
}

// Matching returns the terms whose phrase occurs in text.
func (g *Glossary) Matching(text string) []GlossaryTerm {
	text = strings.ToLower(text)
	var out []GlossaryTerm
	for _, t := range g.Terms {
		if strings.Contains(text, t.Phrase) {
			out = append(out, t)
		}
	}
	return out
}

func buildSystemPrompt(withCorrections bool) string {
	var intents strings.Builder
	for _, in := range domain.Intents {
		intents.WriteString(fmt.Sprintf("   - %q: %s\n", in, intentDescriptions[in]))
	}

	correctionsNote := ""
	if withCorrections {
		correctionsNote = "\nA 'Past corrections' section lists intents agents frequently corrected. Avoid repeating them."
	}

	return fmt.Sprintf(`You classify customer support emails for a residential parking permit provider.
Classify each email with:

1. "intent" - the single most likely intent, one of:
%s2. "alternative_intents" - other intents that are also plausible; [] if none
3. "complexity" - "simple" (clear, one permit or vehicle), "moderate" (some ambiguity, may need follow-up), "complex" (multiple issues, conflicts, edge cases)
4. "language" - "english", "spanish", "mixed" or "other"
5. "urgency" - "high" (angry, immediate need, legal threat), "medium" (normal timing), "low" (general inquiry)
6. "confidence" - your certainty in the chosen intent, between 0 and 1
7. "key_entities" - {"license_plate", "move_out_date", "property_name", "amount"}, null when not stated
8. "requires_refund" - true if the customer wants money back
9. "requires_human_review" - true if a person should check before any automation
10. "notes" - one sentence explaining the classification

Rules when signals conflict:
- refund language together with moving-out language is "refund_request", not "move_out"
- cancellation language without refund language is "permit_cancellation"
- a billing dispute without a refund demand is "payment_issue", not "refund_request"
%s
Respond with JSON only (no markdown).`, intents.String(), correctionsNote)
}

var intentDescriptions = map[domain.Intent]string{
	domain.IntentRefundRequest:      "customer wants money back",
	domain.IntentPermitCancellation: "customer wants a permit cancelled",
	domain.IntentAccountUpdate:      "change vehicle, license plate or contact details",
	domain.IntentPaymentIssue:       "billing problems, failed payments, charge disputes",
	domain.IntentPermitInquiry:      "questions about permits, status or pricing",
	domain.IntentMoveOut:            "customer is moving out",
	domain.IntentTechnicalIssue:     "website or app problems",
	domain.IntentGeneralQuestion:    "anything else",
	domain.IntentUnclear:            "intent cannot be determined",
}

func buildUserPrompt(subject, body, sender string, hints []domain.ConfusionPair, terms []GlossaryTerm) string {
	var b strings.Builder
	if len(hints) > 0 {
		b.WriteString("Past corrections (learn from these, avoid repeating these mistakes):\n")
		for _, h := range hints {
			b.WriteString(fmt.Sprintf("- classified as %s, corrected to %s (%d times)\n", h.Original, h.Corrected, h.Count))
		}
		b.WriteString("\n")
	}
	if len(terms) > 0 {
		b.WriteString("Glossary hints:\n")
		for _, t := range terms {
			line := fmt.Sprintf("- %q usually means %s", t.Phrase, t.Intent)
			if t.Note != "" {
				line += " (" + t.Note + ")"
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}

	body = strings.TrimSpace(body)
	if len(body) > maxBodyChars {
		body = body[:maxBodyChars] + "\n...(truncated)"
	}
	if body == "" {
		body = "(empty)"
	}
	b.WriteString("EMAIL:\n")
	if sender != "" {
		b.WriteString("From: " + sender + "\n")
	}
	b.WriteString("Subject: " + strings.TrimSpace(subject) + "\n")
	b.WriteString("Body:\n" + body + "\n")
	return b.String()
}
