package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"invoicedesk/internal/servicetoken"
	"invoicedesk/pkg/extraction"
)

const (
	// DispatcherAudience is the audience callers must sign for.
	DispatcherAudience = "dispatcher"
	invoiceAudience    = "invoice"
)

type invoiceClient struct {
	baseURL    string
	signer     *servicetoken.Signer
	httpClient *http.Client
}

func newInvoiceClient(baseURL string, signer *servicetoken.Signer, httpClient *http.Client) *invoiceClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &invoiceClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		signer:     signer,
		httpClient: httpClient,
	}
}

// ExtractionRequest fetches the outbound request the invoice service built
// for a stored file.
func (c *invoiceClient) ExtractionRequest(ctx context.Context, fileID string) (extraction.Request, error) {
	endpoint := fmt.Sprintf("%s/internal/files/%s/extraction-request", c.baseURL, url.PathEscape(fileID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return extraction.Request{}, err
	}
	if err := c.signer.Authorize(req, invoiceAudience); err != nil {
		return extraction.Request{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return extraction.Request{}, err
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
		return extraction.Request{}, fmt.Errorf("invoice service error: %s", msg)
	}
	var out extraction.Request
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return extraction.Request{}, fmt.Errorf("decode extraction request: %w", err)
	}
	return out, nil
}
