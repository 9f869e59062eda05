// Package notify posts task outcomes to Slack.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/p-blackswan/leadgen-agent/internal/retry"
	"github.com/p-blackswan/leadgen-agent/internal/task"
)

// Poster abstracts the Slack API client for testing.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts completed and failed tasks to one channel.
type SlackNotifier struct {
	api     Poster
	channel string
	retry   retry.Config
	logger  zerolog.Logger
}

// NewSlackNotifier creates a notifier backed by a real Slack client.
func NewSlackNotifier(botToken, channel string, logger zerolog.Logger) *SlackNotifier {
	return NewSlackNotifierWithPoster(slack.New(botToken), channel, logger)
}

// NewSlackNotifierWithPoster creates a notifier with a custom poster.
func NewSlackNotifierWithPoster(api Poster, channel string, logger zerolog.Logger) *SlackNotifier {
	cfg := retry.DefaultConfig()
	cfg.BaseDelay = 500 * time.Millisecond
	cfg.MaxDelay = 5 * time.Second
	cfg.ShouldRetry = isTransient
	return &SlackNotifier{
		api:     api,
		channel: channel,
		retry:   cfg,
		logger:  logger.With().Str("component", "slack_notifier").Logger(),
	}
}

// NotifyTask posts a summary of a completed or failed task. Other statuses
// are ignored.
func (n *SlackNotifier) NotifyTask(ctx context.Context, t task.Task) error {
	msg, ok := FormatMessage(t)
	if !ok {
		return nil
	}

	err := retry.Do(ctx, n.retry, func(ctx context.Context) error {
		_, _, err := n.api.PostMessageContext(ctx, n.channel,
			slack.MsgOptionText(msg, false),
			slack.MsgOptionBlocks(TaskBlocks(t, msg)...),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("posting task %s to slack: %w", t.ID, err)
	}

	n.logger.Info().
		Str("task_id", t.ID).
		Str("channel", n.channel).
		Str("status", string(t.Status)).
		Msg("task outcome notified to Slack")
	return nil
}

// FormatMessage renders the Slack text for a task.
func FormatMessage(t task.Task) (string, bool) {
	name := t.BusinessName
	if name == "" {
		name = t.BusinessID
	}

	switch t.Status {
	case task.StatusCompleted:
		var b strings.Builder
		fmt.Fprintf(&b, "✅ *%s generation completed*\n", t.AgentType)
		fmt.Fprintf(&b, "*Business:* %s\n", name)
		if t.StartedAt != nil && t.CompletedAt != nil {
			fmt.Fprintf(&b, "*Duration:* %s\n", t.CompletedAt.Sub(*t.StartedAt).Round(time.Second))
		}
		fmt.Fprintf(&b, "*Artifact:* `%s`", t.ResultArtifactID)
		return b.String(), true
	case task.StatusFailed:
		var b strings.Builder
		fmt.Fprintf(&b, "❌ *%s generation failed*\n", t.AgentType)
		fmt.Fprintf(&b, "*Business:* %s\n", name)
		fmt.Fprintf(&b, "*Attempt:* %d", t.Attempts)
		if t.Error != nil {
			fmt.Fprintf(&b, "\n*Error (%s):* %s", t.Error.Kind, t.Error.Message)
			switch {
			case t.Error.Exhausted:
				b.WriteString("\n_Max retries reached._")
			case t.Error.Retryable:
				b.WriteString("\n_Retry available._")
			}
		}
		return b.String(), true
	}
	return "", false
}

func isTransient(err error) bool {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr slack.StatusCodeError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500
	}
	return false
}
