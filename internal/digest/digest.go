// Package digest runs the scheduled jobs: the daily analytics digest posted
// to Slack and the sweep that re-applies failed ticket field writes.
package digest

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"tickettriage/internal/analytics"
	"tickettriage/internal/domain"
	"tickettriage/internal/notify"
)

const digestDays = 1

type Sessions interface {
	Session(days int) *analytics.DashboardSession
}

type Digest struct {
	Days        int
	Summary     analytics.Summary
	Performance analytics.Performance
	Usage       analytics.APIUsage
	TopPairs    []domain.ConfusionPair
	Pending     int
}

type PendingCounter interface {
	CountReconciliations(ctx context.Context, status domain.ReconciliationStatus) (int, error)
}

// Build collects the digest figures for the trailing days.
func Build(ctx context.Context, sessions Sessions, pending PendingCounter, days int) (Digest, error) {
	sess := sessions.Session(days)
	d := Digest{Days: days}
	var err error
	if d.Summary, err = sess.Summary(ctx); err != nil {
		return Digest{}, err
	}
	if d.Performance, err = sess.Performance(ctx); err != nil {
		return Digest{}, err
	}
	if d.Usage, err = sess.APIUsage(ctx); err != nil {
		return Digest{}, err
	}
	fb, err := sess.Corrections(ctx)
	if err != nil {
		return Digest{}, err
	}
	d.TopPairs = fb.TopConfusionPairs
	if len(d.TopPairs) > 3 {
		d.TopPairs = d.TopPairs[:3]
	}
	if pending != nil {
		if d.Pending, err = pending.CountReconciliations(ctx, domain.ReconciliationPending); err != nil {
			return Digest{}, fmt.Errorf("count pending reconciliations: %w", err)
		}
	}
	return d, nil
}

// FormatDigest renders the digest as a Slack message.
func FormatDigest(d Digest) string {
	var b strings.Builder
	period := "all time"
	if d.Days == 1 {
		period = "last 24 hours"
	} else if d.Days > 1 {
		period = fmt.Sprintf("last %d days", d.Days)
	}
	fmt.Fprintf(&b, "*Ticket triage digest* (%s)\n", period)
	fmt.Fprintf(&b, "• Classified: %d (%d ok, error rate %.1f%%)\n",
		d.Summary.TotalClassifications, d.Summary.SuccessfulClassifications, d.Summary.ErrorRate)
	fmt.Fprintf(&b, "• Accuracy: %.1f%% (%d corrections)\n", d.Summary.AccuracyRate*100, d.Summary.TotalCorrections)
	if d.Summary.AvgConfidence != nil {
		fmt.Fprintf(&b, "• Avg confidence: %.1f\n", *d.Summary.AvgConfidence)
	}
	if p := d.Performance.ProcessingTime.P95Seconds; p != nil {
		fmt.Fprintf(&b, "• Processing time p95: %.2fs\n", *p)
	}
	fmt.Fprintf(&b, "• Tagging success: %.1f%%\n", d.Performance.TaggingSuccessRate)
	fmt.Fprintf(&b, "• API calls: %d (cost $%.4f)\n", d.Usage.TotalAPICalls, d.Usage.TotalCostUSD)
	fmt.Fprintf(&b, "• Templates used: %d\n", d.Summary.TemplatesUsed)
	if len(d.TopPairs) > 0 {
		b.WriteString("Top corrections:\n")
		for _, p := range d.TopPairs {
			fmt.Fprintf(&b, "  %s → %s (%d)\n", p.Original, p.Corrected, p.Count)
		}
	}
	if d.Pending > 0 {
		fmt.Fprintf(&b, ":warning: %d field write(s) awaiting reconciliation\n", d.Pending)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Job posts the digest. It is what the scheduler runs.
type Job struct {
	Sessions Sessions
	Pending  PendingCounter
	Notifier notify.Notifier
	Days     int
	Log      logrus.FieldLogger
}

func (j *Job) Run(ctx context.Context) error {
	days := j.Days
	if days == 0 {
		days = digestDays
	}
	d, err := Build(ctx, j.Sessions, j.Pending, days)
	if err != nil {
		return fmt.Errorf("build digest: %w", err)
	}
	if err := j.Notifier.Notify(ctx, FormatDigest(d)); err != nil {
		return fmt.Errorf("post digest: %w", err)
	}
	if j.Log != nil {
		j.Log.WithField("classified", d.Summary.TotalClassifications).Info("Digest posted")
	}
	return nil
}
