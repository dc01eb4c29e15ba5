// Package notify posts operator notifications (field write failures, daily
// digests) to Slack.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"
)

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Nop drops every message. Used when Slack is not configured.
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

type Slack struct {
	api       slackPoster
	channelID string
	log       logrus.FieldLogger
}

func NewSlack(api *slack.Client, channelID string, log logrus.FieldLogger) *Slack {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	return &Slack{api: api, channelID: channelID, log: log}
}

func (s *Slack) Notify(ctx context.Context, text string) error {
	if s.channelID == "" {
		return errors.New("slack notifier: no channel configured")
	}
	_, ts, err := s.api.PostMessageContext(ctx, s.channelID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		return fmt.Errorf("post slack message to %s: %w", s.channelID, err)
	}
	s.log.WithFields(logrus.Fields{"channel": s.channelID, "ts": ts}).Debug("Slack notification sent")
	return nil
}

// New returns a Slack notifier when a token and channel are configured and
// Nop otherwise.
func New(token, channelID string, opts []slack.Option, log logrus.FieldLogger) Notifier {
	if token == "" || channelID == "" {
		return Nop{}
	}
	return NewSlack(slack.New(token, opts...), channelID, log)
}
