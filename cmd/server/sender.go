package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// webhookSender forwards payloads to an external push gateway that
// talks to APNs.
type webhookSender struct {
	http *resty.Client
	url  string
}

func newWebhookSender(url string) webhookSender {
	client := resty.New()
	client.SetTimeout(time.Second * 15)
	return webhookSender{http: client, url: url}
}

func (s webhookSender) Send(ctx context.Context, deviceToken, payload string) error {
	res, err := s.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"device_token": deviceToken,
			"payload":      json.RawMessage(payload),
		}).
		Post(s.url)
	if err != nil {
		return err
	}
	if res.StatusCode() != 200 {
		return fmt.Errorf("push gateway: status %d", res.StatusCode())
	}
	return nil
}

// logSender stands in when no gateway is configured.
type logSender struct{}

func (logSender) Send(ctx context.Context, deviceToken, payload string) error {
	slog.InfoContext(ctx, "push delivery (no gateway configured)",
		"device_token", deviceToken,
		"payload", payload,
	)
	return nil
}
