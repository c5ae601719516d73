package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"invoicedesk/internal/servicetoken"
)

// DispatchClient hands a stored file to the extraction dispatcher.
type DispatchClient interface {
	Enqueue(ctx context.Context, fileID string) error
}

// DispatcherAudience is the service token audience of the dispatcher API.
const DispatcherAudience = "dispatcher"

type httpDispatchClient struct {
	baseURL    string
	signer     *servicetoken.Signer
	httpClient *http.Client
}

// NewDispatchClient builds a client for the dispatcher's /dispatch/jobs API.
func NewDispatchClient(baseURL string, signer *servicetoken.Signer) (DispatchClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("dispatcher url is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("internal signer is required")
	}
	return &httpDispatchClient{
		baseURL:    baseURL,
		signer:     signer,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *httpDispatchClient) Enqueue(ctx context.Context, fileID string) error {
	payload, err := json.Marshal(map[string]string{"fileId": fileID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/dispatch/jobs", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if err := c.signer.Authorize(req, DispatcherAudience); err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("dispatcher error: %s", msg)
	}
	return nil
}
