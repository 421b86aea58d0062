package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/jensholdgaard/dkp-auction-engine/internal/store"
)

// DiscordNotifier announces settlement results through a Discord webhook.
type DiscordNotifier struct {
	session   *discordgo.Session
	webhookID string
	token     string
}

// NewDiscordNotifier builds a notifier from a full Discord webhook URL of the
// form https://discord.com/api/webhooks/{id}/{token}.
func NewDiscordNotifier(webhookURL string) (*DiscordNotifier, error) {
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}

	// Webhook execution is unauthenticated; the session only provides the
	// HTTP client and rate limiting.
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}

	return &DiscordNotifier{session: session, webhookID: id, token: token}, nil
}

func (n *DiscordNotifier) PublishSettlement(ctx context.Context, event store.SettlementEvent) error {
	_, err := n.session.WebhookExecute(n.webhookID, n.token, false,
		&discordgo.WebhookParams{Content: formatSettlement(event)},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("executing discord webhook: %w", err)
	}
	return nil
}

func formatSettlement(event store.SettlementEvent) string {
	if event.Outcome == store.OutcomeCompleted && event.WinnerID != nil && event.WinningBid != nil {
		return fmt.Sprintf("Auction `%s` won by <@%s> for **%d** points.",
			event.AuctionID, *event.WinnerID, *event.WinningBid)
	}
	return fmt.Sprintf("Auction `%s` closed with no winner.", event.AuctionID)
}

func parseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parsing webhook url: %w", err)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	// Expect .../api/webhooks/{id}/{token}.
	if len(parts) < 4 || parts[len(parts)-3] != "webhooks" {
		return "", "", fmt.Errorf("webhook url %q does not look like a discord webhook", raw)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}
