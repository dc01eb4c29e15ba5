package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"tickettriage/internal/domain"
	"tickettriage/internal/templates"
	"tickettriage/internal/triage"
	"tickettriage/internal/wizard"
)

type classifyRequest struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Sender  string `json:"sender"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Subject) == "" && strings.TrimSpace(req.Body) == "" {
		writeError(w, http.StatusBadRequest, "subject or body is required")
		return
	}
	res, err := s.svc.Classify(r.Context(), req.Subject, req.Body, req.Sender)
	if err != nil {
		if triage.IsUnavailable(err) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleWizardIntents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"intents": s.svc.Catalog().Intents()})
}

func pathIntent(w http.ResponseWriter, r *http.Request) (domain.Intent, bool) {
	intent, ok := domain.ParseIntent(r.PathValue("intent"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown intent")
		return "", false
	}
	return intent, true
}

// wizardError maps wizard failures. Configuration errors are server faults;
// bad steps, options and states are the caller's.
func wizardError(w http.ResponseWriter, err error) {
	var cfgErr *wizard.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		writeError(w, http.StatusInternalServerError, err.Error())
	case errors.Is(err, wizard.ErrUnknownStep), errors.Is(err, wizard.ErrUnknownOption),
		errors.Is(err, wizard.ErrDecisionStep), errors.Is(err, wizard.ErrNotDecision),
		errors.Is(err, wizard.ErrWrongWizard), errors.Is(err, wizard.ErrUnknownPrompt),
		errors.Is(err, wizard.ErrUnknownEvent), errors.Is(err, wizard.ErrInvalidCorrect):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleWizard(w http.ResponseWriter, r *http.Request) {
	intent, ok := pathIntent(w, r)
	if !ok {
		return
	}
	rw, err := s.svc.Wizard(r.Context(), intent, strings.TrimSpace(r.URL.Query().Get("ticket_id")))
	if err != nil {
		wizardError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rw)
}

type transitionRequest struct {
	TicketID string          `json:"ticket_id"`
	State    wizard.RunState `json:"state"`
	Event    wizard.Event    `json:"event"`
}

func (s *Server) handleWizardTransition(w http.ResponseWriter, r *http.Request) {
	intent, ok := pathIntent(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	tr, err := s.svc.ApplyTransition(r.Context(), req.TicketID, intent, req.State, req.Event)
	if err != nil {
		wizardError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

type templateInfo struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Placeholders []string `json:"placeholders"`
}

func (s *Server) handleListTemplates(w http.ResponseWriter, _ *http.Request) {
	list := s.svc.Templates().List()
	out := make([]templateInfo, 0, len(list))
	for _, t := range list {
		out = append(out, templateInfo{ID: t.ID, Title: t.Title, Placeholders: t.Placeholders()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": out})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Templates().Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "template not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           t.ID,
		"title":        t.Title,
		"markdown":     t.Markdown,
		"placeholders": t.Placeholders(),
	})
}

type renderRequest struct {
	TicketID  string            `json:"ticket_id"`
	Variables map[string]string `json:"variables"`
}

func (s *Server) handleRenderTemplate(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id := r.PathValue("id")
	html, err := s.svc.RenderTemplate(r.Context(), id, req.TicketID, req.Variables)
	if err != nil {
		if errors.Is(err, templates.ErrTemplateNotFound) {
			writeError(w, http.StatusNotFound, "template not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"template_id": id, "html": html})
}
