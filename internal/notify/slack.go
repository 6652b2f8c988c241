package notify

import (
	"context"
	"fmt"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/batch"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Slack posts summaries to one channel with a bot token.
type Slack struct {
	client   *slack.Client
	channel  string
	username string
	logger   *zap.Logger
}

// SlackOption customizes the Slack client.
type SlackOption = slack.Option

func NewSlack(botToken, channel string, logger *zap.Logger, opts ...SlackOption) *Slack {
	return &Slack{
		client:   slack.New(botToken, opts...),
		channel:  channel,
		username: "analyzer",
		logger:   logger,
	}
}

func (s *Slack) Notify(ctx context.Context, sum *batch.Summary) error {
	_, ts, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(Text(sum), false),
		slack.MsgOptionUsername(s.username),
	)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	s.logger.Debug("slack summary posted", zap.String("channel", s.channel), zap.String("ts", ts))
	return nil
}
