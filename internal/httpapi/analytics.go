package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tickettriage/internal/analytics"
	"tickettriage/internal/domain"
	"tickettriage/internal/templates"
)

const maxDays = 3650

// session opens a dashboard session for ?days=. Missing or 0 means all time.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*analytics.DashboardSession, bool) {
	days := 0
	if v := strings.TrimSpace(r.URL.Query().Get("days")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > maxDays {
			writeError(w, http.StatusBadRequest, "days must be an integer between 0 and 3650")
			return nil, false
		}
		days = n
	}
	return s.dashboard.Session(days), true
}

func analyticsHandler[T any](s *Server, section func(*analytics.DashboardSession, context.Context) (T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.session(w, r)
		if !ok {
			return
		}
		out, err := section(sess, r.Context())
		if err != nil {
			s.log.WithError(err).Error("Analytics query failed")
			writeError(w, http.StatusInternalServerError, "analytics query failed")
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	analyticsHandler(s, (*analytics.DashboardSession).Summary)(w, r)
}

func (s *Server) handleAnalyticsClassifications(w http.ResponseWriter, r *http.Request) {
	analyticsHandler(s, (*analytics.DashboardSession).Classifications)(w, r)
}

func (s *Server) handleAnalyticsCorrections(w http.ResponseWriter, r *http.Request) {
	analyticsHandler(s, (*analytics.DashboardSession).Corrections)(w, r)
}

func (s *Server) handleAnalyticsEntities(w http.ResponseWriter, r *http.Request) {
	analyticsHandler(s, (*analytics.DashboardSession).Entities)(w, r)
}

func (s *Server) handleAnalyticsTemplates(w http.ResponseWriter, r *http.Request) {
	analyticsHandler(s, (*analytics.DashboardSession).Templates)(w, r)
}

func (s *Server) handleAnalyticsPerformance(w http.ResponseWriter, r *http.Request) {
	analyticsHandler(s, (*analytics.DashboardSession).Performance)(w, r)
}

func (s *Server) handleAnalyticsAPIUsage(w http.ResponseWriter, r *http.Request) {
	analyticsHandler(s, (*analytics.DashboardSession).APIUsage)(w, r)
}

func (s *Server) handleAnalyticsExport(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := sess.WriteXLSX(r.Context(), &buf); err != nil {
		s.log.WithError(err).Error("Analytics export failed")
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	name := fmt.Sprintf("triage-analytics-%s.xlsx", time.Now().UTC().Format("20060102"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

type templateUsedRequest struct {
	TemplateID string `json:"template_id"`
	Intent     string `json:"intent"`
	TicketID   string `json:"ticket_id"`
}

func (s *Server) handleTemplateUsed(w http.ResponseWriter, r *http.Request) {
	var req templateUsedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.TemplateID == "" {
		writeError(w, http.StatusBadRequest, "template_id is required")
		return
	}
	var intent domain.Intent
	if req.Intent != "" {
		in, ok := domain.ParseIntent(req.Intent)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown intent")
			return
		}
		intent = in
	}
	if err := s.svc.RecordTemplateUsage(r.Context(), req.TemplateID, intent, req.TicketID); err != nil {
		if errors.Is(err, templates.ErrTemplateNotFound) {
			writeError(w, http.StatusNotFound, "template not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

type stats struct {
	UptimeSeconds          int64   `json:"uptime_seconds"`
	WebhookTicketsReceived int64   `json:"webhook_tickets_received"`
	JobsInFlight           int64   `json:"jobs_in_flight"`
	TotalClassifications   int     `json:"total_classifications"`
	AccuracyRate           float64 `json:"accuracy_rate"`
	TotalCorrections       int     `json:"total_corrections"`
	PendingReconciliations int     `json:"pending_reconciliations"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := stats{
		UptimeSeconds:          int64(time.Since(s.started).Seconds()),
		WebhookTicketsReceived: s.received.Load(),
		JobsInFlight:           s.inFlight.Load(),
	}
	sum, err := s.dashboard.Session(0).Summary(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Stats query failed")
		writeError(w, http.StatusInternalServerError, "stats query failed")
		return
	}
	out.TotalClassifications = sum.TotalClassifications
	out.AccuracyRate = sum.AccuracyRate
	out.TotalCorrections = sum.TotalCorrections
	if s.recon != nil {
		n, err := s.recon.CountReconciliations(r.Context(), domain.ReconciliationPending)
		if err != nil {
			s.log.WithError(err).Warn("Count reconciliations failed")
		}
		out.PendingReconciliations = n
	}
	writeJSON(w, http.StatusOK, out)
}
