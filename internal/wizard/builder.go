package wizard

import (
	"tickettriage/internal/domain"
	"tickettriage/internal/templates"
)

type Badge string

const (
	BadgeGood    Badge = "good"
	BadgeCaution Badge = "caution"
	BadgeRisk    Badge = "risk"
)

// ConfidenceBadge buckets a calibrated confidence score.
func ConfidenceBadge(confidence int) Badge {
	switch {
	case confidence >= 85:
		return BadgeGood
	case confidence >= 65:
		return BadgeCaution
	}
	return BadgeRisk
}

func urgencyBadge(u domain.Urgency) Badge {
	switch u {
	case domain.UrgencyHigh:
		return BadgeRisk
	case domain.UrgencyMedium:
		return BadgeCaution
	}
	return BadgeGood
}

func complexityBadge(c domain.Complexity) Badge {
	switch c {
	case domain.ComplexityComplex:
		return BadgeRisk
	case domain.ComplexityModerate:
		return BadgeCaution
	}
	return BadgeGood
}

// Header is the classification summary shown above the steps.
type Header struct {
	Intent              domain.Intent     `json:"intent"`
	Confidence          int               `json:"confidence"`
	ConfidenceBadge     Badge             `json:"confidence_badge"`
	Urgency             domain.Urgency    `json:"urgency"`
	UrgencyBadge        Badge             `json:"urgency_badge"`
	Complexity          domain.Complexity `json:"complexity"`
	ComplexityBadge     Badge             `json:"complexity_badge"`
	RequiresHumanReview bool              `json:"requires_human_review"`
	ReviewBadge         Badge             `json:"review_badge"`
}

type RenderedStep struct {
	Step
	EntityFound *bool  `json:"entity_found,omitempty"`
	EntityValue string `json:"entity_value,omitempty"`
}

type RenderedWizard struct {
	Intent            domain.Intent     `json:"intent"`
	Label             string            `json:"label"`
	Icon              string            `json:"icon"`
	Color             string            `json:"color,omitempty"`
	Intro             string            `json:"intro"`
	Classified        bool              `json:"classified"`
	Header            *Header           `json:"header,omitempty"`
	Entities          map[string]string `json:"entities,omitempty"`
	Steps             []RenderedStep    `json:"steps"`
	QuickTemplates    []string          `json:"quick_templates"`
	ValidationOnClose []string          `json:"validation_on_close"`
}

// Context carries the ticket-level values used for placeholders besides the
// extracted entities.
type Context struct {
	CustomerName   string
	ProcessingTime string
}

// Vars is the placeholder mapping for a ticket: extracted entities plus
// ticket-level fields. A nil result yields only the ticket-level values.
func Vars(result *domain.ClassificationResult, ctx Context) map[string]string {
	vars := map[string]string{
		"customer_name":   ctx.CustomerName,
		"processing_time": ctx.ProcessingTime,
	}
	if result != nil {
		for k, v := range result.Entities.Map() {
			vars[k] = v
		}
	}
	return vars
}

// Build instantiates def for one ticket. result may be nil, which renders the
// "no classification yet" state: no header and every entity step unresolved.
func Build(def Definition, result *domain.ClassificationResult, ctx Context) RenderedWizard {
	vars := Vars(result, ctx)
	w := RenderedWizard{
		Intent:            def.Intent,
		Label:             def.Label,
		Icon:              def.Icon,
		Color:             def.Color,
		Intro:             templates.FillPlaceholders(def.Intro, vars),
		Classified:        result != nil,
		QuickTemplates:    append([]string(nil), def.QuickTemplates...),
		ValidationOnClose: append([]string(nil), def.ValidationOnClose...),
	}
	if result != nil {
		w.Header = &Header{
			Intent:              result.Intent,
			Confidence:          result.Confidence,
			ConfidenceBadge:     ConfidenceBadge(result.Confidence),
			Urgency:             result.Urgency,
			UrgencyBadge:        urgencyBadge(result.Urgency),
			Complexity:          result.Complexity,
			ComplexityBadge:     complexityBadge(result.Complexity),
			RequiresHumanReview: result.RequiresHumanReview,
			ReviewBadge:         BadgeGood,
		}
		if result.RequiresHumanReview {
			w.Header.ReviewBadge = BadgeRisk
		}
		w.Entities = result.Entities.Map()
	}

	var entities domain.Entities
	if result != nil {
		entities = result.Entities
	}
	for _, s := range def.Steps {
		rs := RenderedStep{Step: s}
		rs.Text = templates.FillPlaceholders(s.Text, vars)
		rs.Substep = templates.FillPlaceholders(s.Substep, vars)
		rs.Options = append([]Option(nil), s.Options...)
		if s.EntityField != "" {
			v, found := entities.Get(s.EntityField)
			rs.EntityFound = &found
			rs.EntityValue = v
			if found {
				rs.MissingAction = ""
			}
		}
		w.Steps = append(w.Steps, rs)
	}
	return w
}
