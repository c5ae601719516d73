package extraction

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

// WebhookNotifier POSTs requests as JSON to the workflow's webhook trigger.
type WebhookNotifier struct {
	url        string
	secret     string
	httpClient *http.Client
}

func NewWebhookNotifier(url, secret string, client *http.Client) (*WebhookNotifier, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("extraction webhook url required")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebhookNotifier{url: url, secret: secret, httpClient: client}, nil
}

func (n *WebhookNotifier) Notify(ctx context.Context, req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode extraction request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create extraction request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(EventHeader, EventFileUploaded)
	if n.secret != "" {
		httpReq.Header.Set(SignatureHeader, Sign(payload, n.secret))
	}
	resp, err := n.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("deliver extraction request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
		return fmt.Errorf("extraction webhook status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
