// Package notifications posts a summary of each submission cycle to Slack.
package notifications

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Harvey-AU/sitemap-submitter/internal/retry"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// ProviderSummary is one search engine's line in a Summary
type ProviderSummary struct {
	Name           string
	Status         string
	Submitted      int
	Failed         int
	QuotaRemaining int
	QuotaLimit     int
}

// Summary describes one finished submission cycle
type Summary struct {
	SitemapURL string
	Success    bool
	TotalURLs  int
	Submitted  int
	Failed     int
	Providers  []ProviderSummary
	TopErrors  []retry.KindCount
	Duration   time.Duration
}

// SlackNotifier delivers summaries to an incoming webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewSlackNotifier creates a notifier for webhookURL. A nil client uses http.DefaultClient.
func NewSlackNotifier(webhookURL string, client *http.Client) *SlackNotifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &SlackNotifier{webhookURL: webhookURL, client: client}
}

// Notify posts s to the webhook
func (n *SlackNotifier) Notify(ctx context.Context, s Summary) error {
	msg := &slack.WebhookMessage{
		Text:   fallbackText(s),
		Blocks: &slack.Blocks{BlockSet: buildMessageBlocks(s)},
	}

	if err := slack.PostWebhookCustomHTTPContext(ctx, n.webhookURL, n.client, msg); err != nil {
		return fmt.Errorf("failed to post Slack webhook: %w", err)
	}

	log.Info().
		Int("submitted", s.Submitted).
		Int("failed", s.Failed).
		Msg("Slack submission summary sent")
	return nil
}

func title(s Summary) string {
	if s.Success {
		return "Search engine submission complete"
	}
	return "Search engine submission failed"
}

func fallbackText(s Summary) string {
	return fmt.Sprintf("%s: %d of %d URLs submitted", title(s), s.Submitted, s.TotalURLs)
}

func buildMessageBlocks(s Summary) []slack.Block {
	emoji := ":white_check_mark:"
	if !s.Success {
		emoji = ":x:"
	}

	header := fmt.Sprintf("%s *%s*", emoji, title(s))
	if s.SitemapURL != "" {
		header += fmt.Sprintf("\n<%s|Sitemap>", s.SitemapURL)
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", header, false, false),
			nil,
			nil,
		),
		slack.NewSectionBlock(
			nil,
			[]*slack.TextBlockObject{
				slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*URLs*\n%d", s.TotalURLs), false, false),
				slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Submitted*\n%d", s.Submitted), false, false),
				slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Failed*\n%d", s.Failed), false, false),
				slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Duration*\n%s", s.Duration.Round(time.Second)), false, false),
			},
			nil,
		),
	}

	if len(s.Providers) > 0 {
		lines := make([]string, 0, len(s.Providers))
		for _, p := range s.Providers {
			lines = append(lines, fmt.Sprintf("• *%s* %s: %d submitted, %d failed, quota %d/%d left",
				p.Name, strings.ToLower(p.Status), p.Submitted, p.Failed, p.QuotaRemaining, p.QuotaLimit))
		}
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", strings.Join(lines, "\n"), false, false),
			nil,
			nil,
		))
	}

	if len(s.TopErrors) > 0 {
		parts := make([]string, 0, 3)
		for _, kc := range s.TopErrors[:min(3, len(s.TopErrors))] {
			parts = append(parts, fmt.Sprintf("%s × %d", kc.Kind, kc.Count))
		}
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject("mrkdwn", "Top errors: "+strings.Join(parts, ", "), false, false),
		))
	}

	return blocks
}
