package wizard

import (
	"errors"
	"fmt"

	"tickettriage/internal/domain"
)

var (
	ErrUnknownStep    = errors.New("unknown step")
	ErrUnknownOption  = errors.New("unknown option")
	ErrDecisionStep   = errors.New("decision steps are resolved by selecting an option")
	ErrNotDecision    = errors.New("step is not a decision point")
	ErrWrongWizard    = errors.New("state belongs to a different wizard")
	ErrUnknownPrompt  = errors.New("unknown close validation prompt")
	ErrUnknownEvent   = errors.New("unknown wizard event")
	ErrInvalidCorrect = errors.New("corrected intent is not a known intent")
)

// RunState is one agent's progress through one wizard. It is never stored
// server side; every transition takes a state and returns a new one.
type RunState struct {
	Intent             domain.Intent     `json:"intent"`
	CheckedSteps       map[string]bool   `json:"checked_steps"`
	DecisionSelections map[string]string `json:"decision_selections"`
	CloseAnswers       map[int]bool      `json:"close_answers"`
}

// NewRunState is the empty state for a freshly opened wizard.
func NewRunState(intent domain.Intent) RunState {
	return RunState{
		Intent:             intent,
		CheckedSteps:       map[string]bool{},
		DecisionSelections: map[string]string{},
		CloseAnswers:       map[int]bool{},
	}
}

func (s RunState) clone() RunState {
	out := NewRunState(s.Intent)
	for k, v := range s.CheckedSteps {
		out.CheckedSteps[k] = v
	}
	for k, v := range s.DecisionSelections {
		out.DecisionSelections[k] = v
	}
	for k, v := range s.CloseAnswers {
		out.CloseAnswers[k] = v
	}
	return out
}

// Effect describes what the UI should do after a transition besides showing
// the new state.
type Effect struct {
	PreviewTemplate string        `json:"preview_template,omitempty"`
	RedirectIntent  domain.Intent `json:"redirect_intent,omitempty"`
}

func checkIntent(def Definition, s RunState) error {
	if s.Intent != "" && s.Intent != def.Intent {
		return fmt.Errorf("%w: state is for %s, wizard is %s", ErrWrongWizard, s.Intent, def.Intent)
	}
	return nil
}

// ToggleStep flips a plain step's checkbox.
func ToggleStep(def Definition, s RunState, stepID string) (RunState, error) {
	if err := checkIntent(def, s); err != nil {
		return s, err
	}
	step, ok := def.step(stepID)
	if !ok {
		return s, fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
	}
	if step.DecisionPoint {
		return s, fmt.Errorf("%w: %s", ErrDecisionStep, stepID)
	}
	next := s.clone()
	next.Intent = def.Intent
	next.CheckedSteps[stepID] = !s.CheckedSteps[stepID]
	return next, nil
}

// SelectOption resolves a decision step. Reselecting overwrites the previous
// choice. An option with a redirect discards all progress and returns the
// empty state of the target wizard.
func SelectOption(def Definition, s RunState, stepID, action string) (RunState, Effect, error) {
	if err := checkIntent(def, s); err != nil {
		return s, Effect{}, err
	}
	step, ok := def.step(stepID)
	if !ok {
		return s, Effect{}, fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
	}
	if !step.DecisionPoint {
		return s, Effect{}, fmt.Errorf("%w: %s", ErrNotDecision, stepID)
	}
	opt, ok := step.option(action)
	if !ok {
		return s, Effect{}, fmt.Errorf("%w: %s/%s", ErrUnknownOption, stepID, action)
	}
	if opt.RedirectWizard != "" {
		return NewRunState(opt.RedirectWizard), Effect{RedirectIntent: opt.RedirectWizard, PreviewTemplate: opt.NextTemplate}, nil
	}
	next := s.clone()
	next.Intent = def.Intent
	next.DecisionSelections[stepID] = action
	next.CheckedSteps[stepID] = true
	return next, Effect{PreviewTemplate: opt.NextTemplate}, nil
}

// Correct switches the wizard to a different intent chosen by the agent.
// The state is always reset, even when the intent is unchanged.
func Correct(intent domain.Intent) (RunState, error) {
	parsed, ok := domain.ParseIntent(string(intent))
	if !ok {
		return RunState{}, fmt.Errorf("%w: %q", ErrInvalidCorrect, intent)
	}
	return NewRunState(parsed), nil
}

// AllRequiredComplete reports whether every required step is checked.
// Optional steps never affect the result.
func AllRequiredComplete(def Definition, s RunState) bool {
	for _, step := range def.Steps {
		if !step.Required {
			continue
		}
		if step.DecisionPoint {
			if _, ok := s.DecisionSelections[step.ID]; ok {
				continue
			}
		}
		if !s.CheckedSteps[step.ID] {
			return false
		}
	}
	return true
}

// AnswerCloseValidation records the yes/no answer to the index-th close
// prompt.
func AnswerCloseValidation(def Definition, s RunState, index int, yes bool) (RunState, error) {
	if err := checkIntent(def, s); err != nil {
		return s, err
	}
	if index < 0 || index >= len(def.ValidationOnClose) {
		return s, fmt.Errorf("%w: %d", ErrUnknownPrompt, index)
	}
	next := s.clone()
	next.Intent = def.Intent
	next.CloseAnswers[index] = yes
	return next, nil
}

// CanConfirmClose gates the close confirmation: all required steps checked
// and every close prompt affirmed. It is advisory; the ticket can still be
// closed elsewhere.
func CanConfirmClose(def Definition, s RunState) bool {
	if !AllRequiredComplete(def, s) {
		return false
	}
	for i := range def.ValidationOnClose {
		if !s.CloseAnswers[i] {
			return false
		}
	}
	return true
}

// Progress is the derived completion view of a state.
type Progress struct {
	RequiredTotal   int  `json:"required_total"`
	RequiredChecked int  `json:"required_checked"`
	AllRequired     bool `json:"all_required_complete"`
	CanConfirmClose bool `json:"can_confirm_close"`
}

func ProgressOf(def Definition, s RunState) Progress {
	p := Progress{
		AllRequired:     AllRequiredComplete(def, s),
		CanConfirmClose: CanConfirmClose(def, s),
	}
	for _, step := range def.Steps {
		if !step.Required {
			continue
		}
		p.RequiredTotal++
		if s.CheckedSteps[step.ID] {
			p.RequiredChecked++
		}
	}
	return p
}

// Event is a UI action against a wizard.
type Event struct {
	Type   string        `json:"type"` // toggle, select, answer_close, correct
	StepID string        `json:"step_id,omitempty"`
	Action string        `json:"action,omitempty"`
	Index  int           `json:"index,omitempty"`
	Answer bool          `json:"answer,omitempty"`
	Intent domain.Intent `json:"intent,omitempty"`
}

const (
	EventToggle      = "toggle"
	EventSelect      = "select"
	EventAnswerClose = "answer_close"
	EventCorrect     = "correct"
)

// Transition is the result of applying an Event.
type Transition struct {
	State   RunState `json:"state"`
	Effect  Effect   `json:"effect"`
	Rebuilt bool     `json:"rebuilt"`
}

// Apply dispatches ev to the matching transition. A correct event only
// resets state; recording the correction is the caller's job.
func Apply(def Definition, s RunState, ev Event) (Transition, error) {
	switch ev.Type {
	case EventToggle:
		next, err := ToggleStep(def, s, ev.StepID)
		return Transition{State: next}, err
	case EventSelect:
		next, eff, err := SelectOption(def, s, ev.StepID, ev.Action)
		return Transition{State: next, Effect: eff, Rebuilt: eff.RedirectIntent != ""}, err
	case EventAnswerClose:
		next, err := AnswerCloseValidation(def, s, ev.Index, ev.Answer)
		return Transition{State: next}, err
	case EventCorrect:
		next, err := Correct(ev.Intent)
		if err != nil {
			return Transition{State: s}, err
		}
		return Transition{State: next, Effect: Effect{RedirectIntent: next.Intent}, Rebuilt: true}, nil
	}
	return Transition{State: s}, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
}
