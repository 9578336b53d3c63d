package notify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"scanhub/internal/domain"
)

// ChatConfig holds the process-wide Slack fallback used for users without
// chat settings of their own.
type ChatConfig struct {
	Token        string
	ChannelID    string
	APIURL       string
	RateLimit    float64
	DashboardURL string
}

// ChatChannel posts terminal scan events to Slack. When the report artifact
// exists it is uploaded with the message as its comment.
type ChatChannel struct {
	cfg     ChatConfig
	limiter *rate.Limiter
}

func NewChatChannel(cfg ChatConfig) *ChatChannel {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &ChatChannel{cfg: cfg, limiter: rate.NewLimiter(limit, 1)}
}

func (c *ChatChannel) Name() string { return "chat" }

func (c *ChatChannel) client(token string) *slack.Client {
	var opts []slack.Option
	if c.cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(c.cfg.APIURL))
	}
	return slack.New(token, opts...)
}

func (c *ChatChannel) Deliver(ctx context.Context, ev domain.NotificationEvent, prefs domain.DeliveryPreferences) error {
	if !ev.Terminal {
		return ErrSkipped
	}
	token, channel := prefs.SlackToken, prefs.SlackChannelID
	if token == "" || channel == "" {
		token, channel = c.cfg.Token, c.cfg.ChannelID
	}
	if token == "" || channel == "" {
		return fmt.Errorf("%w: no slack token or channel", ErrSkipped)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	api := c.client(token)

	if artifact, size, ok := artifactOf(ev); ok {
		_, err := api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
			File:           artifact,
			FileSize:       int(size),
			Filename:       domain.ResultFileName,
			Title:          "Scan report " + ev.URL,
			Channel:        channel,
			InitialComment: ev.Message,
		})
		if err != nil {
			return fmt.Errorf("slack upload: %w", err)
		}
		return nil
	}

	opt := slack.MsgOptionText(ev.Message, false)
	if c.cfg.DashboardURL != "" {
		section := slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, ev.Message, false, false), nil, nil)
		button := slack.NewButtonBlockElement("button-details", ev.ReportID,
			slack.NewTextBlockObject(slack.PlainTextType, "Details", false, false))
		button.URL = c.cfg.DashboardURL
		opt = slack.MsgOptionBlocks(section, slack.NewActionBlock("", button))
	}
	if _, _, err := api.PostMessageContext(ctx, channel, opt); err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}

// artifactOf returns the report file of a terminal event when it exists.
func artifactOf(ev domain.NotificationEvent) (string, int64, bool) {
	if ev.ResultsDir == "" {
		return "", 0, false
	}
	path := filepath.Join(ev.ResultsDir, domain.ResultFileName)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", 0, false
	}
	return path, info.Size(), true
}
