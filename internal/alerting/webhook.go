package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookNotifier POSTs announcements as {"message": "..."} to a URL, e.g. a
// speech service driving the display devices.
type WebhookNotifier struct {
	client *resty.Client
	url    string
}

const retryWait = 200 * time.Millisecond

func NewWebhookNotifier(url string) *WebhookNotifier {
	client := resty.New().
		SetTimeout(defaultNotifyTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(retryWait).
		SetHeader("Content-Type", "application/json")
	return &WebhookNotifier{client: client, url: url}
}

func (n *WebhookNotifier) Name() string { return "webhook" }

func (n *WebhookNotifier) Notify(ctx context.Context, message string) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"message": message}).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned %s", resp.Status())
	}
	return nil
}
