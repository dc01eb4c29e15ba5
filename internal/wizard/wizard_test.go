package wizard

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tickettriage/internal/domain"
	"tickettriage/internal/templates"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	lib, err := templates.Default()
	if err != nil {
		t.Fatalf("templates: %v", err)
	}
	c, err := DefaultCatalog(lib)
	if err != nil {
		t.Fatalf("DefaultCatalog: %v", err)
	}
	return c
}

func mustDef(t *testing.T, c *Catalog, intent domain.Intent) Definition {
	t.Helper()
	def, err := c.Definition(intent)
	if err != nil {
		t.Fatalf("Definition(%s): %v", intent, err)
	}
	return def
}

func TestDefaultCatalogCoversEveryIntent(t *testing.T) {
	c := newTestCatalog(t)
	got := c.Intents()
	if len(got) != len(domain.Intents) {
		t.Fatalf("got %d intents, want %d", len(got), len(domain.Intents))
	}
	for _, in := range domain.Intents {
		def := mustDef(t, c, in)
		if def.Label == "" || len(def.Steps) == 0 {
			t.Errorf("%s: incomplete definition %+v", in, def)
		}
	}
}

func TestExpectedEntities(t *testing.T) {
	c := newTestCatalog(t)
	tests := []struct {
		intent domain.Intent
		want   []string
	}{
		{domain.IntentRefundRequest, []string{domain.EntityLicensePlate, domain.EntityMoveOutDate}},
		{domain.IntentMoveOut, []string{domain.EntityMoveOutDate, domain.EntityLicensePlate}},
		{domain.IntentPermitCancellation, []string{domain.EntityLicensePlate}},
		{domain.IntentGeneralQuestion, nil},
	}
	for _, tt := range tests {
		got := c.ExpectedEntities(tt.intent)
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("ExpectedEntities(%s) = %v, want %v", tt.intent, got, tt.want)
		}
	}
}

const minimalDef = `"steps": [{"id": "a", "text": "A", "required": true}]`

func catalogJSON(override string) string {
	var b strings.Builder
	b.WriteString("{\n// comment\n")
	for _, in := range domain.Intents {
		body := minimalDef
		if in == domain.IntentMoveOut && override != "" {
			body = override
		}
		b.WriteString(`"` + string(in) + `": {"label": "x", ` + body + "},\n")
	}
	b.WriteString(`"_notes": {"anything": true},` + "\n}")
	return b.String()
}

func TestParseCatalogValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"minimal ok", catalogJSON(""), ""},
		{"missing intent", `{"refund_request": {` + minimalDef + `}}`, "no wizard definition"},
		{"unknown key", `{"tow_issue": {` + minimalDef + `}}`, "unknown intent key"},
		{"duplicate ids", catalogJSON(`"steps": [{"id": "a"}, {"id": "a"}]`), "duplicate step id"},
		{"decision without options", catalogJSON(`"steps": [{"id": "d", "decision_point": true}]`), "has no options"},
		{"redirect to self", catalogJSON(`"steps": [{"id": "d", "decision_point": true, "options": [{"label": "x", "action": "go", "redirect_wizard": "move_out"}]}]`), "invalid wizard"},
		{"redirect to unknown", catalogJSON(`"steps": [{"id": "d", "decision_point": true, "options": [{"label": "x", "action": "go", "redirect_wizard": "nowhere"}]}]`), "invalid wizard"},
		{"two redirect steps", catalogJSON(`"steps": [
			{"id": "d1", "decision_point": true, "options": [{"label": "x", "action": "go", "redirect_wizard": "refund_request"}]},
			{"id": "d2", "decision_point": true, "options": [{"label": "y", "action": "go", "redirect_wizard": "unclear"}]}]`), "at most one"},
		{"missing template", catalogJSON(`"steps": [{"id": "a", "entity_field": "license_plate", "missing_action": "no_such_template"}]`), "missing template"},
		{"not json", `{{`, "parsing wizard content"},
	}
	lib, err := templates.Default()
	if err != nil {
		t.Fatal(err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.content), lib)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("err = %v, want ConfigurationError", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadCatalogFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wizard.jsonc")
	if err := os.WriteFile(path, []byte(catalogJSON("")), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadCatalog(path, nil)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if def := mustDef(t, c, domain.IntentUnclear); def.Steps[0].ID != "a" {
		t.Fatalf("unexpected steps %+v", def.Steps)
	}
}

func TestConfidenceBadge(t *testing.T) {
	tests := []struct {
		in   int
		want Badge
	}{
		{100, BadgeGood}, {85, BadgeGood}, {84, BadgeCaution}, {65, BadgeCaution}, {64, BadgeRisk}, {0, BadgeRisk},
	}
	for _, tt := range tests {
		if got := ConfidenceBadge(tt.in); got != tt.want {
			t.Errorf("ConfidenceBadge(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildWithClassification(t *testing.T) {
	c := newTestCatalog(t)
	def := mustDef(t, c, domain.IntentRefundRequest)
	result := &domain.ClassificationResult{
		Intent:     domain.IntentRefundRequest,
		Complexity: domain.ComplexitySimple,
		Urgency:    domain.UrgencyHigh,
		Confidence: 72,
		Entities:   domain.Entities{LicensePlate: "ABC1234"},
	}
	w := Build(def, result, Context{CustomerName: "Dana"})

	if !w.Classified || w.Header == nil {
		t.Fatal("expected classified wizard with header")
	}
	if w.Header.ConfidenceBadge != BadgeCaution || w.Header.UrgencyBadge != BadgeRisk || w.Header.ComplexityBadge != BadgeGood {
		t.Errorf("header badges = %+v", w.Header)
	}
	if !strings.HasPrefix(w.Intro, "Dana is asking") {
		t.Errorf("intro = %q", w.Intro)
	}

	plate, date := w.Steps[0], w.Steps[1]
	if plate.EntityFound == nil || !*plate.EntityFound || plate.EntityValue != "ABC1234" {
		t.Errorf("plate step = %+v", plate)
	}
	if plate.MissingAction != "" {
		t.Errorf("found entity should not offer a missing action, got %q", plate.MissingAction)
	}
	if !strings.Contains(plate.Substep, "ABC1234") {
		t.Errorf("plate substep = %q", plate.Substep)
	}
	if date.EntityFound == nil || *date.EntityFound {
		t.Errorf("date step = %+v", date)
	}
	if date.MissingAction != "missing_move_out_date" {
		t.Errorf("date missing action = %q", date.MissingAction)
	}
	for _, s := range w.Steps {
		if strings.Contains(s.Text+s.Substep, "{{") {
			t.Errorf("raw placeholder in step %s: %q %q", s.ID, s.Text, s.Substep)
		}
	}
	if !strings.Contains(date.Substep, "not found in email") {
		t.Errorf("date substep = %q", date.Substep)
	}
}

func TestBuildUnclassified(t *testing.T) {
	c := newTestCatalog(t)
	w := Build(mustDef(t, c, domain.IntentMoveOut), nil, Context{})
	if w.Classified || w.Header != nil {
		t.Fatalf("expected unclassified wizard, got %+v", w)
	}
	if !strings.Contains(w.Intro, "Customer Name: not found in email") {
		t.Errorf("intro = %q", w.Intro)
	}
}

func TestBuildDoesNotShareDefinitionSlices(t *testing.T) {
	c := newTestCatalog(t)
	def := mustDef(t, c, domain.IntentRefundRequest)
	w := Build(def, nil, Context{})
	w.Steps[3].Options[0].Label = "MUTATED"
	w.QuickTemplates[0] = "MUTATED"
	again := mustDef(t, c, domain.IntentRefundRequest)
	if again.Steps[3].Options[0].Label == "MUTATED" || again.QuickTemplates[0] == "MUTATED" {
		t.Fatal("rendering mutated the catalog")
	}
}

func TestToggleStep(t *testing.T) {
	def := mustDef(t, newTestCatalog(t), domain.IntentRefundRequest)
	s := NewRunState(def.Intent)

	s1, err := ToggleStep(def, s, "verify_plate")
	if err != nil {
		t.Fatal(err)
	}
	if !s1.CheckedSteps["verify_plate"] || s.CheckedSteps["verify_plate"] {
		t.Fatal("toggle must return a new state and leave the input untouched")
	}
	s2, _ := ToggleStep(def, s1, "verify_plate")
	if s2.CheckedSteps["verify_plate"] {
		t.Fatal("second toggle should uncheck")
	}

	if _, err := ToggleStep(def, s, "refund_decision"); !errors.Is(err, ErrDecisionStep) {
		t.Errorf("toggle decision err = %v", err)
	}
	if _, err := ToggleStep(def, s, "nope"); !errors.Is(err, ErrUnknownStep) {
		t.Errorf("toggle unknown err = %v", err)
	}
	if _, err := ToggleStep(def, NewRunState(domain.IntentMoveOut), "verify_plate"); !errors.Is(err, ErrWrongWizard) {
		t.Errorf("wrong wizard err = %v", err)
	}
}

func TestSelectOption(t *testing.T) {
	def := mustDef(t, newTestCatalog(t), domain.IntentRefundRequest)
	s := NewRunState(def.Intent)

	s1, eff, err := SelectOption(def, s, "refund_decision", "approve")
	if err != nil {
		t.Fatal(err)
	}
	if s1.DecisionSelections["refund_decision"] != "approve" || !s1.CheckedSteps["refund_decision"] {
		t.Fatalf("state = %+v", s1)
	}
	if eff.PreviewTemplate != "refund_approved" {
		t.Errorf("preview = %q", eff.PreviewTemplate)
	}

	s2, eff, err := SelectOption(def, s1, "refund_decision", "deny")
	if err != nil {
		t.Fatal(err)
	}
	if s2.DecisionSelections["refund_decision"] != "deny" || eff.PreviewTemplate != "refund_denied_outside_window" {
		t.Fatalf("reselect state = %+v effect = %+v", s2, eff)
	}

	if _, _, err := SelectOption(def, s, "verify_plate", "approve"); !errors.Is(err, ErrNotDecision) {
		t.Errorf("select on plain step err = %v", err)
	}
	if _, _, err := SelectOption(def, s, "refund_decision", "maybe"); !errors.Is(err, ErrUnknownOption) {
		t.Errorf("unknown option err = %v", err)
	}
}

func TestRedirectResetsState(t *testing.T) {
	c := newTestCatalog(t)
	def := mustDef(t, c, domain.IntentMoveOut)
	s := NewRunState(def.Intent)
	s, _ = ToggleStep(def, s, "confirm_date")
	s, _ = ToggleStep(def, s, "locate_permit")
	s, _ = AnswerCloseValidation(def, s, 0, true)

	next, eff, err := SelectOption(def, s, "refund_owed", "refund_owed")
	if err != nil {
		t.Fatal(err)
	}
	if eff.RedirectIntent != domain.IntentRefundRequest || next.Intent != domain.IntentRefundRequest {
		t.Fatalf("redirect effect = %+v state = %+v", eff, next)
	}
	if len(next.CheckedSteps) != 0 || len(next.DecisionSelections) != 0 || len(next.CloseAnswers) != 0 {
		t.Fatalf("state not reset: %+v", next)
	}
	if _, err := ToggleStep(mustDef(t, c, domain.IntentRefundRequest), next, "verify_plate"); err != nil {
		t.Fatalf("new state should drive the refund wizard: %v", err)
	}
}

func TestAllRequiredComplete(t *testing.T) {
	def := Definition{
		Intent: domain.IntentGeneralQuestion,
		Steps: []Step{
			{ID: "r1", Required: true},
			{ID: "opt", Required: false},
			{ID: "d", Required: true, DecisionPoint: true, Options: []Option{{Action: "x"}}},
		},
		ValidationOnClose: []string{"Q1?", "Q2?"},
	}
	s := NewRunState(def.Intent)
	if AllRequiredComplete(def, s) {
		t.Fatal("empty state cannot be complete")
	}
	s, _ = ToggleStep(def, s, "opt")
	s, _ = ToggleStep(def, s, "r1")
	if AllRequiredComplete(def, s) {
		t.Fatal("decision step still unresolved")
	}
	s, _, _ = SelectOption(def, s, "d", "x")
	if !AllRequiredComplete(def, s) {
		t.Fatal("all required steps are checked")
	}
	s, _ = ToggleStep(def, s, "opt")
	if !AllRequiredComplete(def, s) {
		t.Fatal("optional steps must not affect the gate")
	}

	if CanConfirmClose(def, s) {
		t.Fatal("close prompts not yet answered")
	}
	s, _ = AnswerCloseValidation(def, s, 0, true)
	s, _ = AnswerCloseValidation(def, s, 1, false)
	if CanConfirmClose(def, s) {
		t.Fatal("a negative answer must block close")
	}
	s, _ = AnswerCloseValidation(def, s, 1, true)
	if !CanConfirmClose(def, s) {
		t.Fatal("expected close to be allowed")
	}
	if _, err := AnswerCloseValidation(def, s, 2, true); !errors.Is(err, ErrUnknownPrompt) {
		t.Errorf("out of range prompt err = %v", err)
	}

	p := ProgressOf(def, s)
	if p.RequiredTotal != 2 || p.RequiredChecked != 2 || !p.CanConfirmClose {
		t.Errorf("progress = %+v", p)
	}
}

func TestApply(t *testing.T) {
	def := mustDef(t, newTestCatalog(t), domain.IntentRefundRequest)
	s := NewRunState(def.Intent)

	tr, err := Apply(def, s, Event{Type: EventToggle, StepID: "verify_plate"})
	if err != nil || !tr.State.CheckedSteps["verify_plate"] || tr.Rebuilt {
		t.Fatalf("toggle = %+v, %v", tr, err)
	}
	tr, err = Apply(def, tr.State, Event{Type: EventCorrect, Intent: "payment_issue"})
	if err != nil || !tr.Rebuilt || tr.State.Intent != domain.IntentPaymentIssue || len(tr.State.CheckedSteps) != 0 {
		t.Fatalf("correct = %+v, %v", tr, err)
	}
	if _, err := Apply(def, s, Event{Type: EventCorrect, Intent: "bogus"}); !errors.Is(err, ErrInvalidCorrect) {
		t.Errorf("bad correct err = %v", err)
	}
	if _, err := Apply(def, s, Event{Type: "explode"}); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("unknown event err = %v", err)
	}
}
