package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Discord embed limits.
const (
	discordMaxTitle       = 256
	discordMaxDescription = 4096
)

// Embed colors per event, as 0xRRGGBB.
var discordColors = map[string]int{
	EventRefreshFailed:    0xd64541,
	EventRefreshRecovered: 0x3fa34d,
}

const discordDefaultColor = 0x8a8f98

type discordEmbed struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Color       int           `json:"color"`
	Timestamp   string        `json:"timestamp,omitempty"`
	Footer      discordFooter `json:"footer"`
}

type discordFooter struct {
	Text string `json:"text"`
}

type discordPayload struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

// DiscordSender delivers alerts to a Discord webhook as one embed per alert,
// colored by event and stamped with the time the alert was raised.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL with a
// 10-second HTTP timeout.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordSender) Send(ctx context.Context, alert Alert) error {
	color, ok := discordColors[alert.Event]
	if !ok {
		color = discordDefaultColor
	}
	embed := discordEmbed{
		Title:       truncate(alert.Title, discordMaxTitle),
		Description: truncate(alert.Message, discordMaxDescription),
		Color:       color,
		Footer:      discordFooter{Text: "poolsight · " + alert.Event},
	}
	if !alert.At.IsZero() {
		embed.Timestamp = alert.At.UTC().Format(time.RFC3339)
	}

	body, err := json.Marshal(discordPayload{Username: "poolsight", Embeds: []discordEmbed{embed}})
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: post %s alert: %w", alert.Event, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func (d *DiscordSender) Name() string {
	return "discord"
}
