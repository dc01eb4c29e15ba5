// Package triage runs the ticket pipeline: fetch, classify, route, tag and
// record. It also serves wizards for agents and turns agent overrides into
// correction log entries.
package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"tickettriage/internal/classifier"
	"tickettriage/internal/domain"
	"tickettriage/internal/feedback"
	"tickettriage/internal/routing"
	"tickettriage/internal/tagger"
	"tickettriage/internal/templates"
	"tickettriage/internal/ticketstore"
	"tickettriage/internal/wizard"
)

type Classifier interface {
	Classify(ctx context.Context, subject, body, sender string) (domain.ClassificationResult, domain.LLMUsage, error)
}

type Tagger interface {
	Apply(ctx context.Context, ticketID string, r domain.ClassificationResult, rec routing.Recommendation) (tagger.Outcome, error)
}

type EventStore interface {
	InsertClassificationEvent(ctx context.Context, ev domain.ClassificationEvent) (int64, error)
	LatestClassification(ctx context.Context, ticketID string) (domain.ClassificationResult, error)
	InsertAPIUsage(ctx context.Context, u domain.APIUsage) error
	InsertTemplateUsage(ctx context.Context, u domain.TemplateUsage) error
}

type CorrectionLog interface {
	Record(ctx context.Context, c domain.Correction) (domain.Correction, error)
}

type Deps struct {
	Tickets        ticketstore.TicketStore
	Classifier     Classifier
	Tagger         Tagger
	Events         EventStore
	Corrections    CorrectionLog
	Catalog        *wizard.Catalog
	Templates      *templates.Library
	ProcessingTime string
	Log            logrus.FieldLogger
	Now            func() time.Time
}

type Service struct {
	tickets        ticketstore.TicketStore
	classifier     Classifier
	tagger         Tagger
	events         EventStore
	corrections    CorrectionLog
	catalog        *wizard.Catalog
	templates      *templates.Library
	processingTime string
	log            logrus.FieldLogger
	now            func() time.Time
}

func New(d Deps) *Service {
	s := &Service{
		tickets:        d.Tickets,
		classifier:     d.Classifier,
		tagger:         d.Tagger,
		events:         d.Events,
		corrections:    d.Corrections,
		catalog:        d.Catalog,
		templates:      d.Templates,
		processingTime: d.ProcessingTime,
		log:            d.Log,
		now:            d.Now,
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) Catalog() *wizard.Catalog { return s.catalog }

func (s *Service) Templates() *templates.Library { return s.templates }

type ProcessResult struct {
	TicketID       string                      `json:"ticket_id"`
	Result         domain.ClassificationResult `json:"classification"`
	Recommendation routing.Recommendation      `json:"routing"`
	TaggingSuccess bool                        `json:"tagging_success"`
	ProcessingTime float64                     `json:"processing_time_seconds"`
}

// ProcessTicket classifies a newly created ticket and writes the result back.
// A classification failure writes nothing to the ticket; the failure is
// recorded as an error event and returned.
func (s *Service) ProcessTicket(ctx context.Context, ticketID string) (ProcessResult, error) {
	start := s.now()
	log := s.log.WithField("ticket_id", ticketID)
	res := ProcessResult{TicketID: ticketID}

	ticket, err := s.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		err = fmt.Errorf("fetch ticket %s: %w", ticketID, err)
		s.recordEvent(ctx, domain.ClassificationEvent{TicketID: ticketID, Error: err.Error()}, start)
		log.WithError(err).Error("Failed to fetch ticket")
		return res, err
	}
	log.WithField("sender", ticket.Sender).Info("Classifying ticket")

	result, err := s.classify(ctx, ticket.Subject, ticket.Body, ticket.Sender)
	if err != nil {
		s.recordEvent(ctx, domain.ClassificationEvent{TicketID: ticketID, Error: err.Error()}, start)
		log.WithError(err).Error("Classification failed, ticket left unclassified")
		return res, err
	}
	res.Result = result
	res.Recommendation = routing.Recommend(result)
	log.WithFields(logrus.Fields{
		"intent":     result.Intent,
		"confidence": result.Confidence,
		"queue":      res.Recommendation.Queue,
		"review":     result.RequiresHumanReview,
	}).Info("Ticket classified")

	outcome, tagErr := s.tagger.Apply(ctx, ticketID, result, res.Recommendation)
	res.TaggingSuccess = tagErr == nil && outcome.Success()
	if tagErr != nil {
		log.WithError(tagErr).Error("Tagging incomplete")
	}

	res.ProcessingTime = s.now().Sub(start).Seconds()
	s.recordEvent(ctx, domain.ClassificationEvent{
		TicketID:       ticketID,
		Result:         &result,
		RoutingQueue:   res.Recommendation.Queue,
		TaggingSuccess: res.TaggingSuccess,
	}, start)
	log.WithField("seconds", fmt.Sprintf("%.2f", res.ProcessingTime)).Info("Processing complete")
	return res, tagErr
}

type ClassifyResult struct {
	Result         domain.ClassificationResult `json:"classification"`
	Recommendation routing.Recommendation      `json:"routing"`
}

// Classify runs a manual classification with no ticket side effects.
func (s *Service) Classify(ctx context.Context, subject, body, sender string) (ClassifyResult, error) {
	result, err := s.classify(ctx, subject, body, sender)
	if err != nil {
		return ClassifyResult{}, err
	}
	return ClassifyResult{Result: result, Recommendation: routing.Recommend(result)}, nil
}

func (s *Service) classify(ctx context.Context, subject, body, sender string) (domain.ClassificationResult, error) {
	start := s.now()
	result, usage, err := s.classifier.Classify(ctx, subject, body, sender)

	provider := usage.Provider
	if provider == "" {
		provider = "llm"
	}
	u := domain.APIUsage{
		Provider:     provider,
		Model:        usage.Model,
		Operation:    "classify",
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		DurationMS:   s.now().Sub(start).Milliseconds(),
		Success:      err == nil,
		CalledAt:     start,
	}
	if err != nil {
		u.Error = err.Error()
	}
	if ierr := s.events.InsertAPIUsage(context.WithoutCancel(ctx), u); ierr != nil {
		s.log.WithError(ierr).Warn("Failed to record llm usage")
	}
	return result, err
}

func (s *Service) recordEvent(ctx context.Context, ev domain.ClassificationEvent, start time.Time) {
	ev.Timestamp = start
	if ev.ProcessingTimeSeconds == 0 {
		ev.ProcessingTimeSeconds = s.now().Sub(start).Seconds()
	}
	if _, err := s.events.InsertClassificationEvent(context.WithoutCancel(ctx), ev); err != nil {
		s.log.WithError(err).WithField("ticket_id", ev.TicketID).Error("Failed to record classification event")
	}
}

// ProcessUpdate inspects an updated ticket for an agent override of the AI
// intent and logs it. Empty values and "correct" are confirmations. The
// returned correction is nil when nothing was logged. A log write failure is
// returned for reporting but must not block the caller.
func (s *Service) ProcessUpdate(ctx context.Context, ticketID string) (*domain.Correction, error) {
	log := s.log.WithField("ticket_id", ticketID)
	ticket, err := s.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("fetch ticket %s: %w", ticketID, err)
	}

	raw := fieldString(ticket.CustomFields[ticketstore.FieldAgentCorrectedIntent])
	switch raw {
	case "", "correct", "Correct", "none", "None":
		return nil, nil
	}
	corrected, ok := domain.ParseIntent(raw)
	if !ok {
		log.WithField("value", raw).Warn("Ignoring unknown corrected intent")
		return nil, nil
	}

	original, conf, ok := s.classifiedIntent(ctx, ticketID, ticket.CustomFields)
	if !ok {
		log.Warn("Correction without a known AI intent, skipping")
		return nil, nil
	}

	c, err := s.corrections.Record(ctx, domain.Correction{
		TicketID:        ticketID,
		OriginalIntent:  original,
		CorrectedIntent: corrected,
		Confidence:      conf,
	})
	if errors.Is(err, feedback.ErrNotACorrection) {
		return nil, nil
	}
	if err != nil {
		log.WithError(err).Warn("Failed to log correction")
		return nil, err
	}
	return &c, nil
}

// classifiedIntent resolves the AI intent a correction overrides, with its
// confidence when known: the ticket's intent field first, then the latest
// local classification.
func (s *Service) classifiedIntent(ctx context.Context, ticketID string, fields map[string]any) (domain.Intent, *int, bool) {
	latest, lerr := s.events.LatestClassification(ctx, ticketID)
	if intent, ok := domain.ParseIntent(fieldString(fields[ticketstore.FieldIntent])); ok {
		if c, ok := fieldInt(fields[ticketstore.FieldConfidence]); ok && c >= 0 && c <= 100 {
			return intent, &c, true
		}
		if lerr == nil && latest.Intent == intent {
			c := latest.Confidence
			return intent, &c, true
		}
		return intent, nil, true
	}
	if lerr != nil {
		return "", nil, false
	}
	c := latest.Confidence
	return latest.Intent, &c, true
}

// Wizard renders the wizard for intent. Without a ticket, or when the ticket
// has no stored classification or cannot be read, it renders the "no
// classification yet" state. A missing definition is a ConfigurationError.
func (s *Service) Wizard(ctx context.Context, intent domain.Intent, ticketID string) (wizard.RenderedWizard, error) {
	def, err := s.catalog.Definition(intent)
	if err != nil {
		return wizard.RenderedWizard{}, err
	}
	result, wctx := s.ticketContext(ctx, ticketID)
	return wizard.Build(def, result, wctx), nil
}

// ticketContext loads the stored classification and placeholder context for
// a ticket. Lookups degrade to nil so the unclassified state is rendered.
func (s *Service) ticketContext(ctx context.Context, ticketID string) (*domain.ClassificationResult, wizard.Context) {
	wctx := wizard.Context{ProcessingTime: s.processingTime}
	if ticketID == "" {
		return nil, wctx
	}
	log := s.log.WithField("ticket_id", ticketID)

	var latest *domain.ClassificationResult
	if r, err := s.events.LatestClassification(ctx, ticketID); err == nil {
		latest = &r
	}

	ticket, err := s.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		log.WithError(err).Warn("Could not load ticket for wizard, using local classification")
		return latest, wctx
	}
	wctx.CustomerName = ticket.CustomerName

	result, ok := ResultFromFields(ticket.CustomFields)
	if !ok {
		return latest, wctx
	}
	if latest != nil {
		if result.Entities.Amount == "" {
			result.Entities.Amount = latest.Entities.Amount
		}
		if result.Entities.PropertyName == "" {
			result.Entities.PropertyName = latest.Entities.PropertyName
		}
	}
	return &result, wctx
}

type Preview struct {
	TemplateID string `json:"template_id"`
	HTML       string `json:"html"`
}

type TransitionResult struct {
	wizard.Transition
	Progress wizard.Progress        `json:"progress"`
	CanClose bool                   `json:"can_close"`
	Preview  *Preview               `json:"preview,omitempty"`
	Wizard   *wizard.RenderedWizard `json:"wizard,omitempty"`
}

// ApplyTransition advances a wizard run. A rebuild (redirect or correction)
// returns the freshly rendered target wizard. A correct event is logged as a
// correction of the ticket's AI intent on a best-effort basis.
func (s *Service) ApplyTransition(ctx context.Context, ticketID string, intent domain.Intent, state wizard.RunState, ev wizard.Event) (TransitionResult, error) {
	def, err := s.catalog.Definition(intent)
	if err != nil {
		return TransitionResult{}, err
	}
	if state.Intent == "" {
		state = wizard.NewRunState(intent)
	}

	tr, err := wizard.Apply(def, state, ev)
	if err != nil {
		return TransitionResult{}, err
	}
	out := TransitionResult{Transition: tr}

	if ev.Type == wizard.EventCorrect && ticketID != "" {
		s.logWizardCorrection(ctx, ticketID, state.Intent, tr.State.Intent)
	}

	active := def
	if tr.Rebuilt {
		if active, err = s.catalog.Definition(tr.State.Intent); err != nil {
			return TransitionResult{}, err
		}
		w, err := s.Wizard(ctx, tr.State.Intent, ticketID)
		if err != nil {
			return TransitionResult{}, err
		}
		out.Wizard = &w
	}
	out.Progress = wizard.ProgressOf(active, tr.State)
	out.CanClose = wizard.CanConfirmClose(active, tr.State)

	if id := tr.Effect.PreviewTemplate; id != "" {
		html, err := s.RenderTemplate(ctx, id, ticketID, nil)
		if err != nil {
			s.log.WithError(err).WithField("template", id).Warn("Template preview failed")
		} else {
			out.Preview = &Preview{TemplateID: id, HTML: html}
		}
	}
	return out, nil
}

// logWizardCorrection records a wizard correction against the ticket's AI
// classification. The wizard's intent stands in only when the ticket has no
// stored classification; after a redirect it is not what the AI said.
func (s *Service) logWizardCorrection(ctx context.Context, ticketID string, wizardIntent, corrected domain.Intent) {
	log := s.log.WithField("ticket_id", ticketID)
	var fields map[string]any
	if ticket, err := s.tickets.GetTicket(ctx, ticketID); err == nil {
		fields = ticket.CustomFields
	} else {
		log.WithError(err).Warn("Could not load ticket for correction, using local classification")
	}
	original, conf, ok := s.classifiedIntent(ctx, ticketID, fields)
	if !ok {
		original, conf = wizardIntent, nil
	}
	_, err := s.corrections.Record(ctx, domain.Correction{
		TicketID:        ticketID,
		OriginalIntent:  original,
		CorrectedIntent: corrected,
		Confidence:      conf,
	})
	if err != nil && !errors.Is(err, feedback.ErrNotACorrection) {
		log.WithError(err).Warn("Correction not logged")
	}
}

// RenderTemplate renders a response template with the ticket's values.
// extra overrides individual placeholders.
func (s *Service) RenderTemplate(ctx context.Context, templateID, ticketID string, extra map[string]string) (string, error) {
	result, wctx := s.ticketContext(ctx, ticketID)
	vars := wizard.Vars(result, wctx)
	for k, v := range extra {
		vars[k] = v
	}
	return s.templates.Render(templateID, vars)
}

// RecordTemplateUsage notes that an agent inserted a template.
func (s *Service) RecordTemplateUsage(ctx context.Context, templateID string, intent domain.Intent, ticketID string) error {
	if !s.templates.Has(templateID) {
		return fmt.Errorf("%w: %s", templates.ErrTemplateNotFound, templateID)
	}
	return s.events.InsertTemplateUsage(ctx, domain.TemplateUsage{
		TemplateID: templateID,
		Intent:     intent,
		TicketID:   ticketID,
		UsedAt:     s.now(),
	})
}

// IsUnavailable reports whether err is a retryable classification failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, classifier.ErrClassificationUnavailable)
}
