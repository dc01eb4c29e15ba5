// Package wizard turns a ticket classification into a step-by-step resolution
// guide for the agent and tracks the agent's progress through it.
package wizard

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"tickettriage/internal/domain"
)

//go:embed wizard_content.jsonc
var embeddedContent []byte

// Option is one branch of a decision step. At most one of NextTemplate and
// RedirectWizard is normally set.
type Option struct {
	Label          string        `json:"label"`
	Action         string        `json:"action"`
	NextTemplate   string        `json:"next_template,omitempty"`
	RedirectWizard domain.Intent `json:"redirect_wizard,omitempty"`
}

type Step struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Required bool   `json:"required"`
	Substep  string `json:"substep,omitempty"`

	// Plain steps.
	EntityField   string `json:"entity_field,omitempty"`
	MissingAction string `json:"missing_action,omitempty"`

	// Decision steps.
	DecisionPoint bool     `json:"decision_point,omitempty"`
	Options       []Option `json:"options,omitempty"`
}

func (s Step) option(action string) (Option, bool) {
	for _, o := range s.Options {
		if o.Action == action {
			return o, true
		}
	}
	return Option{}, false
}

type Definition struct {
	Intent            domain.Intent `json:"intent"`
	Label             string        `json:"label"`
	Icon              string        `json:"icon"`
	Color             string        `json:"color,omitempty"`
	Intro             string        `json:"intro"`
	Steps             []Step        `json:"steps"`
	QuickTemplates    []string      `json:"quick_templates"`
	ValidationOnClose []string      `json:"validation_on_close"`
}

func (d Definition) step(id string) (Step, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// ConfigurationError reports wizard content that cannot be used: a missing
// definition or a reference to something that does not exist.
type ConfigurationError struct {
	Intent domain.Intent
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Intent == "" {
		return "wizard configuration: " + e.Reason
	}
	return fmt.Sprintf("wizard configuration for %s: %s", e.Intent, e.Reason)
}

// TemplateSet is the part of the template library the catalog validates
// references against.
type TemplateSet interface {
	Has(id string) bool
}

// Catalog is the validated set of wizard definitions, one per intent.
type Catalog struct {
	defs map[domain.Intent]Definition
}

// DefaultCatalog loads the wizard content compiled into the binary.
func DefaultCatalog(templates TemplateSet) (*Catalog, error) {
	return ParseCatalog(embeddedContent, templates)
}

// LoadCatalog reads wizard content from path, or the embedded content when
// path is empty.
func LoadCatalog(path string, templates TemplateSet) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(templates)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading wizard content: %w", err)
	}
	return ParseCatalog(data, templates)
}

// ParseCatalog decodes JSONC wizard content keyed by intent and validates
// it. Keys starting with "_" are ignored. A nil templates skips template
// reference checks.
func ParseCatalog(data []byte, templates TemplateSet) (*Catalog, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return nil, &ConfigurationError{Reason: "parsing wizard content: " + err.Error()}
	}
	c := &Catalog{defs: make(map[domain.Intent]Definition, len(raw))}
	for key, msg := range raw {
		if len(key) > 0 && key[0] == '_' {
			continue
		}
		intent, ok := domain.ParseIntent(key)
		if !ok {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("unknown intent key %q", key)}
		}
		var def Definition
		if err := json.Unmarshal(msg, &def); err != nil {
			return nil, &ConfigurationError{Intent: intent, Reason: err.Error()}
		}
		def.Intent = intent
		c.defs[intent] = def
	}
	if err := c.validate(templates); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) validate(templates TemplateSet) error {
	for _, intent := range domain.Intents {
		def, ok := c.defs[intent]
		if !ok {
			return &ConfigurationError{Intent: intent, Reason: "no wizard definition"}
		}
		if len(def.Steps) == 0 {
			return &ConfigurationError{Intent: intent, Reason: "wizard has no steps"}
		}
		if err := validateDefinition(def, templates); err != nil {
			return err
		}
	}
	return nil
}

func validateDefinition(def Definition, templates TemplateSet) error {
	fail := func(format string, args ...any) error {
		return &ConfigurationError{Intent: def.Intent, Reason: fmt.Sprintf(format, args...)}
	}
	checkTemplate := func(id, where string) error {
		if id == "" || templates == nil || templates.Has(id) {
			return nil
		}
		return fail("%s references missing template %q", where, id)
	}

	seen := map[string]bool{}
	redirectSteps := 0
	for _, s := range def.Steps {
		if s.ID == "" {
			return fail("step with empty id")
		}
		if seen[s.ID] {
			return fail("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true

		if !s.DecisionPoint {
			if len(s.Options) > 0 {
				return fail("step %q has options but is not a decision point", s.ID)
			}
			if err := checkTemplate(s.MissingAction, "step "+s.ID); err != nil {
				return err
			}
			continue
		}
		if len(s.Options) == 0 {
			return fail("decision step %q has no options", s.ID)
		}
		if s.EntityField != "" {
			return fail("decision step %q cannot depend on an entity", s.ID)
		}
		actions := map[string]bool{}
		hasRedirect := false
		for _, o := range s.Options {
			if o.Action == "" || actions[o.Action] {
				return fail("decision step %q has an empty or duplicate action %q", s.ID, o.Action)
			}
			actions[o.Action] = true
			if err := checkTemplate(o.NextTemplate, "option "+s.ID+"/"+o.Action); err != nil {
				return err
			}
			if o.RedirectWizard == "" {
				continue
			}
			target, ok := domain.ParseIntent(string(o.RedirectWizard))
			if !ok || target == def.Intent {
				return fail("option %s/%s redirects to invalid wizard %q", s.ID, o.Action, o.RedirectWizard)
			}
			hasRedirect = true
		}
		if hasRedirect {
			redirectSteps++
		}
	}
	if redirectSteps > 1 {
		return fail("%d decision steps carry redirects, at most one is allowed", redirectSteps)
	}
	for _, id := range def.QuickTemplates {
		if err := checkTemplate(id, "quick template"); err != nil {
			return err
		}
	}
	return nil
}

// Definition returns the wizard for intent. A missing definition is a
// ConfigurationError; there is no fallback wizard.
func (c *Catalog) Definition(intent domain.Intent) (Definition, error) {
	def, ok := c.defs[intent]
	if !ok {
		return Definition{}, &ConfigurationError{Intent: intent, Reason: "no wizard definition"}
	}
	return def, nil
}

// Intents lists the intents with a wizard, in canonical order.
func (c *Catalog) Intents() []domain.Intent {
	out := make([]domain.Intent, 0, len(c.defs))
	for _, in := range domain.Intents {
		if _, ok := c.defs[in]; ok {
			out = append(out, in)
		}
	}
	return out
}

// ExpectedEntities returns the entity fields the intent's wizard depends on,
// in step order. The classifier uses this to decide which missing entities
// cost confidence.
func (c *Catalog) ExpectedEntities(intent domain.Intent) []string {
	def, ok := c.defs[intent]
	if !ok {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	for _, s := range def.Steps {
		if s.EntityField != "" && !seen[s.EntityField] {
			seen[s.EntityField] = true
			out = append(out, s.EntityField)
		}
	}
	return out
}
