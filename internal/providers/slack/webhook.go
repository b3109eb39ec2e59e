package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	slackapi "github.com/slack-go/slack"
)

// WebhookProvider posts to an incoming-webhook URL.
type WebhookProvider struct {
	url    string
	client *http.Client
}

func NewWebhook(url string) *WebhookProvider {
	return &WebhookProvider{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *WebhookProvider) PostMessage(ctx context.Context, channelID string, message string) error {
	err := slackapi.PostWebhookCustomHTTPContext(ctx, p.url, p.client, &slackapi.WebhookMessage{
		Channel: channelID,
		Text:    message,
	})
	var statusErr slackapi.StatusCodeError
	if errors.As(err, &statusErr) {
		return fmt.Errorf("slack_webhook_failed_status_%d", statusErr.Code)
	}
	return err
}
