// Package analytics aggregates the classification, correction, template and
// API usage logs into the dashboard sections.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"tickettriage/internal/domain"
	"tickettriage/internal/feedback"
)

type Store interface {
	ClassificationEvents(ctx context.Context, since time.Time) ([]domain.ClassificationEvent, error)
	APIUsage(ctx context.Context, since time.Time) ([]domain.APIUsage, error)
	TemplateUsage(ctx context.Context, since time.Time) ([]domain.TemplateUsage, error)
}

type CorrectionSource interface {
	Aggregate(ctx context.Context, w domain.Window) (feedback.Summary, error)
}

type Service struct {
	store       Store
	corrections CorrectionSource
	prices      PriceTable
	now         func() time.Time
}

func New(store Store, corrections CorrectionSource, prices PriceTable) *Service {
	if prices == nil {
		prices = DefaultPrices()
	}
	return &Service{store: store, corrections: corrections, prices: prices, now: time.Now}
}

// Session starts a dashboard session over the trailing days. days <= 0 means
// all time.
func (s *Service) Session(days int) *DashboardSession {
	return &DashboardSession{
		svc:    s,
		Days:   days,
		Window: domain.LastDays(days, s.now()),
	}
}

// DashboardSession caches the raw logs for one request so several sections
// can be built from a single read. It is not safe for concurrent use.
type DashboardSession struct {
	svc    *Service
	Days   int
	Window domain.Window

	events      []domain.ClassificationEvent
	eventsOK    bool
	usage       []domain.APIUsage
	usageOK     bool
	templates   []domain.TemplateUsage
	templatesOK bool
	fb          *feedback.Summary
}

func (d *DashboardSession) loadEvents(ctx context.Context) ([]domain.ClassificationEvent, error) {
	if !d.eventsOK {
		ev, err := d.svc.store.ClassificationEvents(ctx, d.Window.Since)
		if err != nil {
			return nil, fmt.Errorf("load classification events: %w", err)
		}
		d.events, d.eventsOK = ev, true
	}
	return d.events, nil
}

func (d *DashboardSession) loadUsage(ctx context.Context) ([]domain.APIUsage, error) {
	if !d.usageOK {
		u, err := d.svc.store.APIUsage(ctx, d.Window.Since)
		if err != nil {
			return nil, fmt.Errorf("load api usage: %w", err)
		}
		d.usage, d.usageOK = u, true
	}
	return d.usage, nil
}

func (d *DashboardSession) loadTemplates(ctx context.Context) ([]domain.TemplateUsage, error) {
	if !d.templatesOK {
		t, err := d.svc.store.TemplateUsage(ctx, d.Window.Since)
		if err != nil {
			return nil, fmt.Errorf("load template usage: %w", err)
		}
		d.templates, d.templatesOK = t, true
	}
	return d.templates, nil
}

func (d *DashboardSession) loadFeedback(ctx context.Context) (feedback.Summary, error) {
	if d.fb == nil {
		s, err := d.svc.corrections.Aggregate(ctx, d.Window)
		if err != nil {
			return feedback.Summary{}, err
		}
		d.fb = &s
	}
	return *d.fb, nil
}

type Summary struct {
	TotalClassifications      int      `json:"total_classifications"`
	SuccessfulClassifications int      `json:"successful_classifications"`
	ErrorRate                 float64  `json:"error_rate"`
	AvgConfidence             *float64 `json:"avg_confidence"`
	AvgProcessingTimeSeconds  *float64 `json:"avg_processing_time_seconds"`
	AccuracyRate              float64  `json:"accuracy_rate"`
	TotalCorrections          int      `json:"total_corrections"`
	TemplatesUsed             int      `json:"templates_used"`
}

func (d *DashboardSession) Summary(ctx context.Context) (Summary, error) {
	events, err := d.loadEvents(ctx)
	if err != nil {
		return Summary{}, err
	}
	fb, err := d.loadFeedback(ctx)
	if err != nil {
		return Summary{}, err
	}
	tpl, err := d.loadTemplates(ctx)
	if err != nil {
		return Summary{}, err
	}

	out := Summary{
		TotalClassifications: len(events),
		AccuracyRate:         round(fb.AccuracyRate, 3),
		TotalCorrections:     fb.TotalCorrections,
		TemplatesUsed:        len(tpl),
	}
	var confidences, times []float64
	errs := 0
	for _, ev := range events {
		if ev.Error != "" {
			errs++
		} else if ev.Result != nil {
			out.SuccessfulClassifications++
			confidences = append(confidences, float64(ev.Result.Confidence))
		}
		if ev.ProcessingTimeSeconds > 0 {
			times = append(times, ev.ProcessingTimeSeconds)
		}
	}
	out.ErrorRate = percent(errs, len(events))
	out.AvgConfidence = mean(confidences, 1)
	out.AvgProcessingTimeSeconds = mean(times, 2)
	return out, nil
}

type IntentCount struct {
	Intent     domain.Intent `json:"intent"`
	Count      int           `json:"count"`
	Percentage float64       `json:"percentage"`
}

type ConfidenceStats struct {
	Intent        domain.Intent `json:"intent"`
	AvgConfidence float64       `json:"avg_confidence"`
	Min           int           `json:"min"`
	Max           int           `json:"max"`
	Count         int           `json:"count"`
}

type DailyCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type Classifications struct {
	IntentDistribution     []IntentCount     `json:"intent_distribution"`
	ConfidenceByIntent     []ConfidenceStats `json:"confidence_by_intent"`
	VolumeOverTime         []DailyCount      `json:"volume_over_time"`
	ComplexityDistribution map[string]int    `json:"complexity_distribution"`
	UrgencyDistribution    map[string]int    `json:"urgency_distribution"`
	LanguageDistribution   map[string]int    `json:"language_distribution"`
}

func (d *DashboardSession) Classifications(ctx context.Context) (Classifications, error) {
	events, err := d.loadEvents(ctx)
	if err != nil {
		return Classifications{}, err
	}
	out := Classifications{
		IntentDistribution:     []IntentCount{},
		ConfidenceByIntent:     []ConfidenceStats{},
		ComplexityDistribution: map[string]int{},
		UrgencyDistribution:    map[string]int{},
		LanguageDistribution:   map[string]int{},
	}

	intents := map[domain.Intent]int{}
	conf := map[domain.Intent][]int{}
	daily := map[string]int{}
	total := 0
	for _, ev := range events {
		daily[day(ev.Timestamp)]++
		if ev.Error != "" || ev.Result == nil {
			continue
		}
		r := ev.Result
		total++
		intents[r.Intent]++
		conf[r.Intent] = append(conf[r.Intent], r.Confidence)
		out.ComplexityDistribution[orUnknown(string(r.Complexity))]++
		out.UrgencyDistribution[orUnknown(string(r.Urgency))]++
		out.LanguageDistribution[orUnknown(string(r.Language))]++
	}

	for in, n := range intents {
		out.IntentDistribution = append(out.IntentDistribution, IntentCount{Intent: in, Count: n, Percentage: percent(n, total)})
	}
	sort.Slice(out.IntentDistribution, func(i, j int) bool {
		a, b := out.IntentDistribution[i], out.IntentDistribution[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Intent < b.Intent
	})

	for in, cs := range conf {
		st := ConfidenceStats{Intent: in, Min: cs[0], Max: cs[0], Count: len(cs)}
		sum := 0
		for _, c := range cs {
			sum += c
			st.Min = min(st.Min, c)
			st.Max = max(st.Max, c)
		}
		st.AvgConfidence = round(float64(sum)/float64(len(cs)), 1)
		out.ConfidenceByIntent = append(out.ConfidenceByIntent, st)
	}
	sort.Slice(out.ConfidenceByIntent, func(i, j int) bool {
		return out.ConfidenceByIntent[i].Intent < out.ConfidenceByIntent[j].Intent
	})

	out.VolumeOverTime = dailySeries(daily)
	return out, nil
}

// Corrections is the correction section. It is the feedback log summary for
// the session window.
func (d *DashboardSession) Corrections(ctx context.Context) (feedback.Summary, error) {
	return d.loadFeedback(ctx)
}

type ExtractionRate struct {
	Found   int     `json:"found"`
	Missing int     `json:"missing"`
	Rate    float64 `json:"rate"`
}

type Entities struct {
	ExtractionRates map[string]ExtractionRate                   `json:"extraction_rates"`
	ByIntent        map[domain.Intent]map[string]ExtractionRate `json:"by_intent"`
}

var entityFields = []string{
	domain.EntityLicensePlate,
	domain.EntityMoveOutDate,
	domain.EntityPropertyName,
	domain.EntityAmount,
}

func (d *DashboardSession) Entities(ctx context.Context) (Entities, error) {
	events, err := d.loadEvents(ctx)
	if err != nil {
		return Entities{}, err
	}
	type tally struct{ found, total int }
	overall := map[string]*tally{}
	byIntent := map[domain.Intent]map[string]*tally{}
	for _, f := range entityFields {
		overall[f] = &tally{}
	}

	for _, ev := range events {
		if ev.Error != "" || ev.Result == nil {
			continue
		}
		r := ev.Result
		row := byIntent[r.Intent]
		if row == nil {
			row = map[string]*tally{}
			for _, f := range entityFields {
				row[f] = &tally{}
			}
			byIntent[r.Intent] = row
		}
		for _, f := range entityFields {
			_, ok := r.Entities.Get(f)
			overall[f].total++
			row[f].total++
			if ok {
				overall[f].found++
				row[f].found++
			}
		}
	}

	rate := func(t *tally) ExtractionRate {
		return ExtractionRate{Found: t.found, Missing: t.total - t.found, Rate: percent(t.found, t.total)}
	}
	out := Entities{
		ExtractionRates: make(map[string]ExtractionRate, len(overall)),
		ByIntent:        make(map[domain.Intent]map[string]ExtractionRate, len(byIntent)),
	}
	for f, t := range overall {
		out.ExtractionRates[f] = rate(t)
	}
	for in, row := range byIntent {
		m := make(map[string]ExtractionRate, len(row))
		for f, t := range row {
			m[f] = rate(t)
		}
		out.ByIntent[in] = m
	}
	return out, nil
}

type TemplateCount struct {
	Template   string  `json:"template"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

type IntentTemplates struct {
	Intent    domain.Intent   `json:"intent"`
	Templates []TemplateCount `json:"templates"`
}

type Templates struct {
	TotalUses     int               `json:"total_uses"`
	ByTemplate    []TemplateCount   `json:"by_template"`
	ByIntent      []IntentTemplates `json:"by_intent"`
	UsageOverTime []DailyCount      `json:"usage_over_time"`
}

func (d *DashboardSession) Templates(ctx context.Context) (Templates, error) {
	uses, err := d.loadTemplates(ctx)
	if err != nil {
		return Templates{}, err
	}
	byTemplate := map[string]int{}
	byIntent := map[domain.Intent]map[string]int{}
	daily := map[string]int{}
	for _, u := range uses {
		byTemplate[u.TemplateID]++
		daily[day(u.UsedAt)]++
		in := u.Intent
		if in == "" {
			in = domain.IntentUnclear
		}
		if byIntent[in] == nil {
			byIntent[in] = map[string]int{}
		}
		byIntent[in][u.TemplateID]++
	}

	out := Templates{
		TotalUses:     len(uses),
		ByTemplate:    templateCounts(byTemplate, len(uses)),
		ByIntent:      []IntentTemplates{},
		UsageOverTime: dailySeries(daily),
	}
	for in, m := range byIntent {
		n := 0
		for _, c := range m {
			n += c
		}
		out.ByIntent = append(out.ByIntent, IntentTemplates{Intent: in, Templates: templateCounts(m, n)})
	}
	sort.Slice(out.ByIntent, func(i, j int) bool { return out.ByIntent[i].Intent < out.ByIntent[j].Intent })
	return out, nil
}

func templateCounts(m map[string]int, total int) []TemplateCount {
	out := make([]TemplateCount, 0, len(m))
	for id, n := range m {
		out = append(out, TemplateCount{Template: id, Count: n, Percentage: percent(n, total)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Template < out[j].Template
	})
	return out
}

type ProcessingTime struct {
	AvgSeconds *float64 `json:"avg_seconds"`
	P50Seconds *float64 `json:"p50_seconds"`
	P95Seconds *float64 `json:"p95_seconds"`
	P99Seconds *float64 `json:"p99_seconds"`
	MaxSeconds *float64 `json:"max_seconds"`
}

type ErrorCount struct {
	Error string `json:"error"`
	Count int    `json:"count"`
}

type Performance struct {
	ProcessingTime     ProcessingTime `json:"processing_time"`
	TotalProcessed     int            `json:"total_processed"`
	TotalErrors        int            `json:"total_errors"`
	ErrorRate          float64        `json:"error_rate"`
	TaggingSuccessRate float64        `json:"tagging_success_rate"`
	ErrorsByType       []ErrorCount   `json:"errors_by_type"`
}

func (d *DashboardSession) Performance(ctx context.Context) (Performance, error) {
	events, err := d.loadEvents(ctx)
	if err != nil {
		return Performance{}, err
	}
	var times []float64
	errs, tagged := 0, 0
	categories := map[string]int{}
	for _, ev := range events {
		if ev.ProcessingTimeSeconds > 0 {
			times = append(times, ev.ProcessingTimeSeconds)
		}
		if ev.TaggingSuccess {
			tagged++
		}
		if ev.Error != "" {
			errs++
			categories[ErrorCategory(ev.Error)]++
		}
	}
	sort.Float64s(times)

	out := Performance{
		ProcessingTime: ProcessingTime{
			AvgSeconds: mean(times, 2),
			P50Seconds: percentile(times, 50),
			P95Seconds: percentile(times, 95),
			P99Seconds: percentile(times, 99),
		},
		TotalProcessed:     len(events),
		TotalErrors:        errs,
		ErrorRate:          percent(errs, len(events)),
		TaggingSuccessRate: percent(tagged, len(events)),
		ErrorsByType:       []ErrorCount{},
	}
	if len(times) > 0 {
		m := round(times[len(times)-1], 2)
		out.ProcessingTime.MaxSeconds = &m
	}
	for k, n := range categories {
		out.ErrorsByType = append(out.ErrorsByType, ErrorCount{Error: k, Count: n})
	}
	sort.Slice(out.ErrorsByType, func(i, j int) bool {
		if out.ErrorsByType[i].Count != out.ErrorsByType[j].Count {
			return out.ErrorsByType[i].Count > out.ErrorsByType[j].Count
		}
		return out.ErrorsByType[i].Error < out.ErrorsByType[j].Error
	})
	return out, nil
}

// ErrorCategory buckets a recorded error message for the performance view.
func ErrorCategory(msg string) string {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "rate limit") || strings.Contains(m, "429"):
		return "Rate limit (429)"
	case strings.Contains(m, "timeout") || strings.Contains(m, "deadline exceeded"):
		return "Timeout"
	case strings.Contains(m, "desk"):
		return "Desk API error"
	}
	return "Other"
}

// percentile uses the nearest-rank index len*p/100 over sorted values.
func percentile(sorted []float64, p int) *float64 {
	if len(sorted) == 0 {
		return nil
	}
	idx := len(sorted) * p / 100
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	v := round(sorted[idx], 2)
	return &v
}

func mean(vals []float64, places int) *float64 {
	if len(vals) == 0 {
		return nil
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	m := round(sum/float64(len(vals)), places)
	return &m
}

// percent returns n/total as a percentage with one decimal, 0 when total is 0.
func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return round(float64(n)/float64(total)*100, 1)
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

func day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func dailySeries(m map[string]int) []DailyCount {
	out := make([]DailyCount, 0, len(m))
	for d, n := range m {
		out = append(out, DailyCount{Date: d, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
