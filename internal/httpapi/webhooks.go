package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"tickettriage/internal/triage"
)

const maxWebhookBody = 1 << 20

var errNoTicketID = errors.New("no ticket id in webhook payload")

// ticketIDs extracts ticket ids from a desk webhook body. The desk sends
// either one event object or an array of them, with the ticket either at the
// top level or under "payload", keyed "id" or "ticketId".
func ticketIDs(body []byte) ([]string, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	var events []any
	switch v := raw.(type) {
	case []any:
		events = v
	case map[string]any:
		events = []any{v}
	default:
		return nil, errNoTicketID
	}

	seen := map[string]bool{}
	var ids []string
	for _, ev := range events {
		obj, ok := ev.(map[string]any)
		if !ok {
			continue
		}
		if p, ok := obj["payload"].(map[string]any); ok {
			obj = p
		}
		id := idString(obj["id"])
		if id == "" {
			id = idString(obj["ticketId"])
		}
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, errNoTicketID
	}
	return ids, nil
}

func idString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

func (s *Server) handleWebhookValidation(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readWebhook(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return nil, false
	}
	// The desk validates a webhook URL with an empty POST.
	if len(strings.TrimSpace(string(body))) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return nil, false
	}
	ids, err := ticketIDs(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	s.received.Add(int64(len(ids)))
	return ids, true
}

func (s *Server) handleTicketCreated(w http.ResponseWriter, r *http.Request) {
	ids, ok := s.readWebhook(w, r)
	if !ok {
		return
	}
	for _, id := range ids {
		s.background(id, "ticket-created", s.processCreated)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "ticket_ids": ids})
}

func (s *Server) handleTicketUpdated(w http.ResponseWriter, r *http.Request) {
	ids, ok := s.readWebhook(w, r)
	if !ok {
		return
	}
	for _, id := range ids {
		s.background(id, "ticket-updated", s.processUpdated)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "ticket_ids": ids})
}

func (s *Server) background(ticketID, kind string, fn func(context.Context, string, logrus.FieldLogger)) {
	s.jobs.Add(1)
	s.inFlight.Add(1)
	log := s.log.WithFields(logrus.Fields{"ticket_id": ticketID, "webhook": kind})
	go func() {
		defer s.jobs.Done()
		defer s.inFlight.Add(-1)
		defer func() {
			if p := recover(); p != nil {
				log.WithField("panic", p).Error("Webhook job panicked")
			}
		}()
		fn(s.baseCtx, ticketID, log)
	}()
}

// processCreated retries while the classifier is unavailable. Other failures
// are final; the ticket stays unclassified.
func (s *Server) processCreated(ctx context.Context, ticketID string, log logrus.FieldLogger) {
	attempt := 0
	op := func() error {
		attempt++
		_, err := s.svc.ProcessTicket(ctx, ticketID)
		if err == nil || !triage.IsUnavailable(err) {
			return backoff.Permanent(err)
		}
		log.WithError(err).WithField("attempt", attempt).Warn("Classifier unavailable, will retry")
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(s.cfg.NewBackOff(), uint64(s.cfg.ProcessAttempts-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		log.WithError(err).WithField("attempts", attempt).Error("Ticket processing failed")
	}
}

func (s *Server) processUpdated(ctx context.Context, ticketID string, log logrus.FieldLogger) {
	c, err := s.svc.ProcessUpdate(ctx, ticketID)
	if err != nil {
		log.WithError(err).Error("Ticket update processing failed")
		return
	}
	if c != nil {
		log.WithFields(logrus.Fields{"original": c.OriginalIntent, "corrected": c.CorrectedIntent}).Info("Agent correction captured")
	}
}
