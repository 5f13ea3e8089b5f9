package notify

import (
	"github.com/use-agent/scrapeflow/models"
	"github.com/use-agent/scrapeflow/webhook"
)

// WebhookSink posts each event to a signed webhook endpoint.
type WebhookSink struct {
	client *webhook.Client
}

// NewWebhookSink creates a sink for url signed with secret.
func NewWebhookSink(url, secret string, opts ...webhook.Option) *WebhookSink {
	return &WebhookSink{client: webhook.NewClient(url, secret, opts...)}
}

func (s *WebhookSink) Send(ev models.StatusEvent) {
	s.client.Go(&webhook.Event{
		Type:      "job." + string(ev.Status),
		JobID:     ev.JobID,
		Timestamp: ev.Timestamp.Unix(),
		Data:      ev,
	})
}

func (s *WebhookSink) Close() error { return s.client.Close() }
