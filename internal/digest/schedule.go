package digest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ParseSchedule parses a standard 5-field cron expression (minute hour
// day-of-month month day-of-week), e.g. "0 9 * * 1-5" for weekdays 9am.
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Start runs job on schedule in a goroutine until ctx is done. An empty
// schedule disables the job. The returned channel is closed when the loop
// exits.
func Start(ctx context.Context, name, schedule string, loc *time.Location, job func(context.Context) error, log logrus.FieldLogger) (<-chan struct{}, error) {
	done := make(chan struct{})
	if strings.TrimSpace(schedule) == "" {
		log.Infof("%s disabled (no schedule set)", name)
		close(done)
		return done, nil
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		close(done)
		return done, err
	}
	if loc == nil {
		loc = time.Local
	}
	log.Infof("%s scheduled (cron: %s)", name, schedule)

	go func() {
		defer close(done)
		for {
			now := time.Now().In(loc)
			next := sched.Next(now)
			wait := next.Sub(now)
			log.Debugf("Next %s at %s (in %s)", name, next.Format("Mon Jan 2 15:04"), wait.Round(time.Minute))

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if err := job(ctx); err != nil {
				log.WithError(err).Errorf("%s failed", name)
			}
		}
	}()
	return done, nil
}
