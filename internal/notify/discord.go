package notify

import (
	"context"
	"fmt"
	"net/http"
)

// DiscordSender delivers alerts through a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     newHTTPClient(),
	}
}

type discordMessage struct {
	Content         string                `json:"content"`
	AllowedMentions discordAllowedMentions `json:"allowed_mentions"`
}

type discordAllowedMentions struct {
	Parse []string `json:"parse"`
}

// Send posts the alert with a bold title. Mentions are disabled so item or
// bidder names cannot ping the channel.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	msg := discordMessage{
		Content:         fmt.Sprintf("**%s**\n%s", title, message),
		AllowedMentions: discordAllowedMentions{Parse: []string{}},
	}
	if err := postJSON(ctx, d.client, d.webhookURL, msg); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
