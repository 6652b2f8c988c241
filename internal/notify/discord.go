package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/batch"
	"go.uber.org/zap"
)

// discordLimit is Discord's maximum message length.
const discordLimit = 2000

// Discord posts summaries to one channel through the REST API. No gateway
// connection is opened.
type Discord struct {
	session *discordgo.Session
	channel string
	logger  *zap.Logger
}

func NewDiscord(token, channel string, logger *zap.Logger) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &Discord{session: session, channel: channel, logger: logger}, nil
}

func (d *Discord) Notify(ctx context.Context, sum *batch.Summary) error {
	content := Text(sum)
	if r := []rune(content); len(r) > discordLimit {
		content = string(r[:discordLimit-3]) + "..."
	}
	msg, err := d.session.ChannelMessageSend(d.channel, content, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	d.logger.Debug("discord summary posted", zap.String("channel", d.channel), zap.String("message", msg.ID))
	return nil
}
