package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// Slack posts events to a channel.
type Slack struct {
	api     *slack.Client
	channel string
}

// NewSlack creates a Slack notifier. Options are passed to the Slack client.
func NewSlack(botToken, channel string, opts ...slack.Option) *Slack {
	return &Slack{api: slack.New(botToken, opts...), channel: channel}
}

// Notify implements Notifier.
func (s *Slack) Notify(ctx context.Context, ev Event) error {
	headline := Headline(ev)
	header := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("%s *%s*", statusEmoji(ev), headline), false, false),
		nil, nil,
	)
	blocks := []slack.Block{header}
	if details := Details(ev); details != "" {
		blocks = append(blocks, slack.NewDividerBlock(), slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, details, false, false),
		))
	}

	_, _, err := s.api.PostMessageContext(ctx, s.channel,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(headline, false),
	)
	if err != nil {
		return fmt.Errorf("slack: posting to %s: %w", s.channel, err)
	}
	return nil
}

func statusEmoji(ev Event) string {
	switch {
	case ev.PRURL != "":
		return ":white_check_mark:"
	case ev.Exhausted:
		return ":no_entry:"
	case ev.Reason != "":
		return ":x:"
	}
	return ":information_source:"
}
