// Package notify enqueues rider-facing push messages. Delivery is
// fire-and-forget: a failed send never fails the operation that caused it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type Dispatcher interface {
	Send(ctx context.Context, studentID, title, body string) error
}

// PushDispatcher posts JSON to the campus push-gateway endpoint.
type PushDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushDispatcher(endpoint, key string) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushDispatcher) Send(ctx context.Context, studentID, title, body string) error {
	payload := map[string]any{
		"to":    "student:" + studentID,
		"title": title,
		"body":  body,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// Nop drops every message; used when no push gateway is configured.
type Nop struct{}

func (Nop) Send(ctx context.Context, studentID, title, body string) error { return nil }
