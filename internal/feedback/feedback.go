// Package feedback is the append-only log of agent intent corrections and
// the accuracy figures derived from it.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tickettriage/internal/domain"
)

// ErrNotACorrection is returned when the corrected intent equals the
// original one. Confirming the AI intent is not a correction.
var ErrNotACorrection = errors.New("corrected intent equals original intent")

const topPairsLimit = 10

type Store interface {
	InsertCorrection(ctx context.Context, c domain.Correction) error
	Corrections(ctx context.Context, since time.Time) ([]domain.Correction, error)
	CountClassifiedTickets(ctx context.Context, since time.Time) (int, error)
	TopCorrectionPairs(ctx context.Context, since time.Time, limit int) ([]domain.ConfusionPair, error)
}

type Log struct {
	store Store
	log   logrus.FieldLogger
	now   func() time.Time
	newID func() string
}

func New(store Store, log logrus.FieldLogger) *Log {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	return &Log{
		store: store,
		log:   log,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Record appends a correction. Both intents are normalized before they are
// compared, so a re-confirmation spelled differently is not a correction. A
// zero Timestamp means now. Entries are never deduplicated; retried webhook
// deliveries may append the same correction twice.
func (l *Log) Record(ctx context.Context, c domain.Correction) (domain.Correction, error) {
	original, ok := domain.ParseIntent(string(c.OriginalIntent))
	if !ok {
		return domain.Correction{}, fmt.Errorf("unknown original intent %q", c.OriginalIntent)
	}
	corrected, ok := domain.ParseIntent(string(c.CorrectedIntent))
	if !ok {
		return domain.Correction{}, fmt.Errorf("unknown corrected intent %q", c.CorrectedIntent)
	}
	if original == corrected {
		return domain.Correction{}, ErrNotACorrection
	}
	c.OriginalIntent, c.CorrectedIntent = original, corrected
	if c.Timestamp.IsZero() {
		c.Timestamp = l.now()
	}
	c.Timestamp = c.Timestamp.UTC()
	c.ID = l.newID()
	if err := l.store.InsertCorrection(ctx, c); err != nil {
		return domain.Correction{}, fmt.Errorf("record correction for ticket %s: %w", c.TicketID, err)
	}
	l.log.WithFields(logrus.Fields{
		"ticket_id": c.TicketID,
		"original":  original,
		"corrected": corrected,
	}).Info("Correction recorded")
	return c, nil
}

type WeeklyCorrections struct {
	WeekStart string `json:"week_start"`
	Count     int    `json:"count"`
}

// Summary aggregates the correction log. AvgCorrectedConfidence is the mean
// AI confidence of overridden classifications, nil when none is known.
type Summary struct {
	AccuracyRate           float64                                 `json:"accuracy_rate"`
	TotalClassified        int                                     `json:"total_classified"`
	TotalCorrections       int                                     `json:"total_corrections"`
	CorrectedTickets       int                                     `json:"corrected_tickets"`
	AvgCorrectedConfidence *float64                                `json:"avg_corrected_confidence"`
	ConfusionMatrix        map[domain.Intent]map[domain.Intent]int `json:"confusion_matrix"`
	TopConfusionPairs      []domain.ConfusionPair                  `json:"top_confusion_pairs"`
	Weekly                 []WeeklyCorrections                     `json:"weekly"`
}

// Aggregate summarizes the corrections in the window. An empty log yields a
// zero Summary with non-nil collections.
func (l *Log) Aggregate(ctx context.Context, w domain.Window) (Summary, error) {
	corrections, err := l.store.Corrections(ctx, w.Since)
	if err != nil {
		return Summary{}, fmt.Errorf("load corrections: %w", err)
	}
	total, err := l.store.CountClassifiedTickets(ctx, w.Since)
	if err != nil {
		return Summary{}, fmt.Errorf("count classified tickets: %w", err)
	}
	return summarize(corrections, total), nil
}

func summarize(corrections []domain.Correction, totalClassified int) Summary {
	s := Summary{
		TotalClassified:   totalClassified,
		TotalCorrections:  len(corrections),
		ConfusionMatrix:   make(map[domain.Intent]map[domain.Intent]int),
		TopConfusionPairs: []domain.ConfusionPair{},
		Weekly:            []WeeklyCorrections{},
	}

	tickets := make(map[string]struct{})
	pairs := make(map[[2]domain.Intent]int)
	weeks := make(map[string]int)
	confSum, confN := 0, 0
	for _, c := range corrections {
		tickets[c.TicketID] = struct{}{}
		if c.Confidence != nil {
			confSum += *c.Confidence
			confN++
		}
		row := s.ConfusionMatrix[c.OriginalIntent]
		if row == nil {
			row = make(map[domain.Intent]int)
			s.ConfusionMatrix[c.OriginalIntent] = row
		}
		row[c.CorrectedIntent]++
		pairs[[2]domain.Intent{c.OriginalIntent, c.CorrectedIntent}]++
		weeks[domain.WeekStart(c.Timestamp.UTC()).Format("2006-01-02")]++
	}
	s.CorrectedTickets = len(tickets)
	if confN > 0 {
		avg := math.Round(float64(confSum)/float64(confN)*10) / 10
		s.AvgCorrectedConfidence = &avg
	}

	if totalClassified > 0 {
		rate := 1 - float64(s.CorrectedTickets)/float64(totalClassified)
		if rate < 0 {
			rate = 0
		}
		s.AccuracyRate = rate
	}

	for k, n := range pairs {
		s.TopConfusionPairs = append(s.TopConfusionPairs, domain.ConfusionPair{Original: k[0], Corrected: k[1], Count: n})
	}
	sort.Slice(s.TopConfusionPairs, func(i, j int) bool {
		a, b := s.TopConfusionPairs[i], s.TopConfusionPairs[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.Original != b.Original {
			return a.Original < b.Original
		}
		return a.Corrected < b.Corrected
	})
	if len(s.TopConfusionPairs) > topPairsLimit {
		s.TopConfusionPairs = s.TopConfusionPairs[:topPairsLimit]
	}

	for week, n := range weeks {
		s.Weekly = append(s.Weekly, WeeklyCorrections{WeekStart: week, Count: n})
	}
	sort.Slice(s.Weekly, func(i, j int) bool { return s.Weekly[i].WeekStart < s.Weekly[j].WeekStart })
	return s
}

// CorrectionHints returns the most frequent confusions over all time, for
// the classifier prompt.
func (l *Log) CorrectionHints(ctx context.Context, limit int) ([]domain.ConfusionPair, error) {
	if limit <= 0 {
		return nil, nil
	}
	return l.store.TopCorrectionPairs(ctx, time.Time{}, limit)
}
