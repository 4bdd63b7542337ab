package outreach

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message is what goes to the mail provider.
type Message struct {
	From           string
	To             string
	ReplyTo        string
	Subject        string
	HTML           string
	Text           string
	Headers        map[string]string
	IdempotencyKey string
}

// Mailer dispatches a message and returns the provider's message id.
type Mailer interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// ErrProviderRejected wraps non-2xx provider responses.
var ErrProviderRejected = errors.New("outreach: provider rejected message")

// HTTPMailer talks to a Resend-compatible JSON API.
type HTTPMailer struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPMailer(baseURL, apiKey string, timeout time.Duration) *HTTPMailer {
	return &HTTPMailer{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type sendPayload struct {
	From    string            `json:"from"`
	To      []string          `json:"to"`
	ReplyTo string            `json:"reply_to,omitempty"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html,omitempty"`
	Text    string            `json:"text,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (m *HTTPMailer) Send(ctx context.Context, msg Message) (string, error) {
	body, err := json.Marshal(sendPayload{
		From:    msg.From,
		To:      []string{msg.To},
		ReplyTo: msg.ReplyTo,
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
		Headers: msg.Headers,
	})
	if err != nil {
		return "", fmt.Errorf("outreach: marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("outreach: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	if msg.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("outreach: dispatch: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d: %s", ErrProviderRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("outreach: decode provider response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("outreach: provider response without id")
	}
	return out.ID, nil
}
