// Package httpapi is the REST surface: desk webhooks, manual classification,
// wizard rendering and transitions, templates, and the analytics dashboard.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"tickettriage/internal/analytics"
	"tickettriage/internal/domain"
	"tickettriage/internal/logger"
	"tickettriage/internal/templates"
	"tickettriage/internal/triage"
	"tickettriage/internal/wizard"
)

// TriageService is what the API needs from the triage engine.
type TriageService interface {
	ProcessTicket(ctx context.Context, ticketID string) (triage.ProcessResult, error)
	ProcessUpdate(ctx context.Context, ticketID string) (*domain.Correction, error)
	Classify(ctx context.Context, subject, body, sender string) (triage.ClassifyResult, error)
	Wizard(ctx context.Context, intent domain.Intent, ticketID string) (wizard.RenderedWizard, error)
	ApplyTransition(ctx context.Context, ticketID string, intent domain.Intent, state wizard.RunState, ev wizard.Event) (triage.TransitionResult, error)
	RenderTemplate(ctx context.Context, templateID, ticketID string, extra map[string]string) (string, error)
	RecordTemplateUsage(ctx context.Context, templateID string, intent domain.Intent, ticketID string) error
	Catalog() *wizard.Catalog
	Templates() *templates.Library
}

type Dashboard interface {
	Session(days int) *analytics.DashboardSession
}

type ReconciliationCounter interface {
	CountReconciliations(ctx context.Context, status domain.ReconciliationStatus) (int, error)
}

// Config holds API server configuration.
type Config struct {
	Host          string
	Port          int
	Key           string // API key for Bearer auth
	WebhookSecret string
	CORSOrigins   []string
	// ProcessAttempts bounds ProcessTicket retries on classification
	// unavailability. Zero means 3.
	ProcessAttempts int
	NewBackOff      func() backoff.BackOff
}

type Server struct {
	svc       TriageService
	dashboard Dashboard
	recon     ReconciliationCounter
	cfg       Config
	log       *logger.Logger
	srv       *http.Server

	baseCtx  context.Context
	jobs     sync.WaitGroup
	inFlight atomic.Int64
	received atomic.Int64
	started  time.Time
}

// NewServer wires the routes. recon may be nil.
func NewServer(svc TriageService, dashboard Dashboard, recon ReconciliationCounter, cfg Config, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	if cfg.ProcessAttempts <= 0 {
		cfg.ProcessAttempts = 3
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 2 * time.Second
			b.MaxElapsedTime = time.Minute
			return b
		}
	}
	s := &Server{
		svc:       svc,
		dashboard: dashboard,
		recon:     recon,
		cfg:       cfg,
		log:       log,
		baseCtx:   context.Background(),
		started:   time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /webhooks/desk/ticket-created", s.handleWebhookValidation)
	mux.HandleFunc("POST /webhooks/desk/ticket-created", s.requireWebhookSecret(s.handleTicketCreated))
	mux.HandleFunc("GET /webhooks/desk/ticket-updated", s.handleWebhookValidation)
	mux.HandleFunc("POST /webhooks/desk/ticket-updated", s.requireWebhookSecret(s.handleTicketUpdated))

	mux.HandleFunc("POST /classify", s.requireAuth(s.handleClassify))
	mux.HandleFunc("GET /wizard-intents", s.requireAuth(s.handleWizardIntents))
	mux.HandleFunc("GET /wizard/{intent}", s.requireAuth(s.handleWizard))
	mux.HandleFunc("POST /wizard/{intent}/transition", s.requireAuth(s.handleWizardTransition))

	mux.HandleFunc("GET /templates", s.requireAuth(s.handleListTemplates))
	mux.HandleFunc("GET /templates/{id}", s.requireAuth(s.handleGetTemplate))
	mux.HandleFunc("POST /templates/{id}/render", s.requireAuth(s.handleRenderTemplate))

	mux.HandleFunc("GET /analytics/summary", s.requireAuth(s.handleAnalyticsSummary))
	mux.HandleFunc("GET /analytics/classifications", s.requireAuth(s.handleAnalyticsClassifications))
	mux.HandleFunc("GET /analytics/corrections", s.requireAuth(s.handleAnalyticsCorrections))
	mux.HandleFunc("GET /analytics/entities", s.requireAuth(s.handleAnalyticsEntities))
	mux.HandleFunc("GET /analytics/templates", s.requireAuth(s.handleAnalyticsTemplates))
	mux.HandleFunc("GET /analytics/performance", s.requireAuth(s.handleAnalyticsPerformance))
	mux.HandleFunc("GET /analytics/api-usage", s.requireAuth(s.handleAnalyticsAPIUsage))
	mux.HandleFunc("GET /analytics/export.xlsx", s.requireAuth(s.handleAnalyticsExport))
	mux.HandleFunc("POST /analytics/template-used", s.requireAuth(s.handleTemplateUsed))
	mux.HandleFunc("GET /stats", s.requireAuth(s.handleStats))

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.requestLogger(s.corsMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled, then waits for
// background ticket jobs.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutCtx)
	}()

	s.log.WithField("addr", s.srv.Addr).Info("API server starting")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	s.jobs.Wait()
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Wait blocks until background webhook jobs finish.
func (s *Server) Wait() {
	s.jobs.Wait()
}

// --- Middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := logger.RequestID(r)
		w.Header().Set(logger.RequestIDHeader, reqID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		entry := s.log.WithRequest(r, reqID).WithField("status", rec.status).WithField("duration_ms", time.Since(start).Milliseconds())
		if r.URL.Path == "/health" {
			entry.Debug("request")
			return
		}
		entry.Info("request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.cfg.CORSOrigins))
	for _, o := range s.cfg.CORSOrigins {
		allowed[strings.TrimRight(o, "/")] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowed["*"] || allowed[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || !secretEqual(strings.TrimPrefix(auth, "Bearer "), s.cfg.Key) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) requireWebhookSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.WebhookSecret == "" {
			next(w, r)
			return
		}
		got := r.Header.Get("X-Webhook-Secret")
		if got == "" {
			got = r.URL.Query().Get("secret")
		}
		if !secretEqual(got, s.cfg.WebhookSecret) {
			writeError(w, http.StatusUnauthorized, "invalid webhook secret")
			return
		}
		next(w, r)
	}
}

func secretEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
