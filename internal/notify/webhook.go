// Package notify pushes pool events to operator webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cryptonote-labs/cn-pool/internal/bus"
	"github.com/cryptonote-labs/cn-pool/internal/util"
)

// WebhookConfig holds webhook configuration
type WebhookConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	PoolName     string
}

// Retry configuration
const (
	maxRetries     = 3
	retryBaseDelay = 2 * time.Second
)

// Notifier consumes block events from the bus and posts them to the
// configured webhooks
type Notifier struct {
	cfg    *WebhookConfig
	client *http.Client
}

// NewNotifier creates a notifier
func NewNotifier(cfg *WebhookConfig) *Notifier {
	return &Notifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Run consumes events until the context is cancelled
func (n *Notifier) Run(ctx context.Context, events <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Kind != bus.KindNewBlock {
				continue
			}
			block, ok := ev.Payload.(bus.NewBlock)
			if !ok {
				continue
			}
			n.notifyBlockFound(block)
		}
	}
}

// notifyBlockFound fans the announcement out to every configured target
func (n *Notifier) notifyBlockFound(block bus.NewBlock) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscord(block)
	}
	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegram(block)
	}
}

func (n *Notifier) sendDiscord(block bus.NewBlock) {
	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{{
			"title":       "Block Found!",
			"description": fmt.Sprintf("%s mined block %d", n.cfg.PoolName, block.Height),
			"color":       3066993,
			"fields": []map[string]interface{}{
				{"name": "Height", "value": fmt.Sprintf("%d", block.Height), "inline": true},
				{"name": "Hash", "value": block.BlockHash, "inline": false},
			},
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}},
	}

	n.postJSON(n.cfg.DiscordURL, payload)
}

func (n *Notifier) sendTelegram(block bus.NewBlock) {
	text := fmt.Sprintf("*Block Found!*\n%s mined block %d\nHash: `%s`",
		n.cfg.PoolName, block.Height, block.BlockHash)

	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.cfg.TelegramBot)
	payload := map[string]interface{}{
		"chat_id":    n.cfg.TelegramChat,
		"text":       text,
		"parse_mode": "Markdown",
	}

	n.postJSON(endpoint, payload)
}

// postJSON posts a JSON payload with bounded retry
func (n *Notifier) postJSON(target string, payload interface{}) {
	if _, err := url.Parse(target); err != nil {
		util.Warnf("Invalid webhook URL: %v", err)
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		util.Warnf("Webhook payload marshal failed: %v", err)
		return
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		resp, err := n.client.Post(target, "application/json", bytes.NewReader(body))
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				return
			}
			err = fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}

		util.Warnf("Webhook post attempt %d/%d failed: %v", attempt, maxRetries, err)
		if attempt < maxRetries {
			time.Sleep(retryBaseDelay * time.Duration(attempt))
		}
	}
}
