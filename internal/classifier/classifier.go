// Package classifier turns a single language-model call into a calibrated
// ClassificationResult. The model is treated as an oracle; every confidence
// adjustment and tie-break happens here.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tickettriage/internal/domain"
	"tickettriage/internal/entities"
)

// ErrClassificationUnavailable means no usable classification was produced.
// It is retryable; callers must not substitute a default.
var ErrClassificationUnavailable = errors.New("classification unavailable")

const DefaultTimeout = 8 * time.Second

type Prompt struct {
	System string
	User   string
}

type RawOutput struct {
	Text  string
	Usage domain.LLMUsage
}

// RawClassifier is the model provider.
type RawClassifier interface {
	ClassifyRaw(ctx context.Context, p Prompt) (RawOutput, error)
}

// EntityExpectations reports which entities an intent's resolution depends on.
type EntityExpectations interface {
	ExpectedEntities(intent domain.Intent) []string
}

// HintSource supplies the most common past corrections for the prompt.
type HintSource interface {
	CorrectionHints(ctx context.Context, limit int) ([]domain.ConfusionPair, error)
}

type Options struct {
	Timeout      time.Duration
	Expectations EntityExpectations
	Hints        HintSource
	HintLimit    int
	Glossary     *Glossary
	Now          func() time.Time
	Log          logrus.FieldLogger
}

type Adapter struct {
	raw       RawClassifier
	timeout   time.Duration
	expect    EntityExpectations
	hints     HintSource
	hintLimit int
	glossary  *Glossary
	extractor *entities.Extractor
	log       logrus.FieldLogger
}

func New(raw RawClassifier, opts Options) *Adapter {
	a := &Adapter{
		raw:       raw,
		timeout:   opts.Timeout,
		expect:    opts.Expectations,
		hints:     opts.Hints,
		hintLimit: opts.HintLimit,
		glossary:  opts.Glossary,
		extractor: entities.NewExtractor(opts.Now),
		log:       opts.Log,
	}
	if a.timeout <= 0 {
		a.timeout = DefaultTimeout
	}
	if a.log == nil {
		a.log = logrus.StandardLogger()
	}
	return a
}

// Classify makes one model call for the ticket and calibrates the answer.
// The returned usage is populated whenever the model responded, even if the
// response was unusable.
func (a *Adapter) Classify(ctx context.Context, subject, body, sender string) (domain.ClassificationResult, domain.LLMUsage, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	prompt := a.buildPrompt(ctx, subject, body, sender)
	out, err := a.raw.ClassifyRaw(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("timed out after %s: %w", a.timeout, err)
		}
		return domain.ClassificationResult{}, out.Usage, fmt.Errorf("%w: %v", ErrClassificationUnavailable, err)
	}

	parsed, err := parseModelOutput(out.Text)
	if err != nil {
		a.log.WithError(err).Warn("unusable model response")
		return domain.ClassificationResult{}, out.Usage, fmt.Errorf("%w: %v", ErrClassificationUnavailable, err)
	}

	return a.calibrate(parsed, subject, body), out.Usage, nil
}

func (a *Adapter) buildPrompt(ctx context.Context, subject, body, sender string) Prompt {
	var hints []domain.ConfusionPair
	if a.hints != nil && a.hintLimit > 0 {
		h, err := a.hints.CorrectionHints(ctx, a.hintLimit)
		if err != nil {
			a.log.WithError(err).Warn("skipping correction hints")
		} else {
			hints = h
		}
	}
	var terms []GlossaryTerm
	if a.glossary != nil {
		terms = a.glossary.Matching(subject + "\n" + body)
	}
	return Prompt{
		System: buildSystemPrompt(len(hints) > 0),
		User:   buildUserPrompt(subject, body, sender, hints, terms),
	}
}

func (a *Adapter) calibrate(m modelOutput, subject, body string) domain.ClassificationResult {
	sig := detectSignals(subject, body)
	intent, tieNote := disambiguate(m.Intent, sig)

	ents, entityNotes := a.extractor.Extract(m.Entities, subject, body)

	var expected []string
	if a.expect != nil {
		expected = a.expect.ExpectedEntities(intent)
	}
	score := Score(ScoreInput{
		Base:           m.Confidence,
		EmptyBody:      strings.TrimSpace(body) == "",
		ReplyNoise:     hasReplyNoise(body),
		Ambiguous:      isAmbiguous(sig, intent, m.Alternatives),
		MissingPlate:   contains(expected, domain.EntityLicensePlate) && ents.LicensePlate == "",
		MissingMoveOut: contains(expected, domain.EntityMoveOutDate) && ents.MoveOutDate == "",
	})

	r := domain.ClassificationResult{
		Intent:         intent,
		Complexity:     m.Complexity,
		Language:       m.Language,
		Urgency:        m.Urgency,
		Confidence:     score.Final,
		RequiresRefund: m.RequiresRefund || sig.refund || intent == domain.IntentRefundRequest,
		Entities:       ents,
	}
	r.RequiresHumanReview = m.RequiresHumanReview ||
		r.Confidence < ReviewThreshold ||
		r.Complexity == domain.ComplexityComplex ||
		sig.legal

	var notes []string
	if n := strings.TrimSpace(m.Notes); n != "" {
		notes = append(notes, n)
	}
	if tieNote != "" {
		notes = append(notes, tieNote)
	}
	if len(score.Adjustments) > 0 {
		notes = append(notes, fmt.Sprintf("confidence %d -> %d (%s)", score.Base, score.Final, strings.Join(score.Adjustments, ", ")))
	}
	if sig.legal {
		notes = append(notes, "urgent or legal language detected")
	}
	notes = append(notes, entityNotes...)
	r.Notes = strings.Join(notes, "; ")
	return r
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
