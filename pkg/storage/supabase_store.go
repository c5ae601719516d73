package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SupabaseStore talks to the Supabase Storage REST API with a service-role key.
type SupabaseStore struct {
	baseURL    string
	serviceKey string
	bucket     string
	httpClient *http.Client
}

// SupabaseConfig configures a Supabase Storage backend.
type SupabaseConfig struct {
	URL        string
	ServiceKey string
	Bucket     string
	HTTPClient *http.Client
}

// NewSupabaseStore builds a Supabase Storage client. The bucket must exist.
func NewSupabaseStore(cfg SupabaseConfig) (*SupabaseStore, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, errors.New("supabase url required")
	}
	if strings.TrimSpace(cfg.ServiceKey) == "" {
		return nil, errors.New("supabase service key required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("supabase bucket required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &SupabaseStore{
		baseURL:    base + "/storage/v1",
		serviceKey: cfg.ServiceKey,
		bucket:     cfg.Bucket,
		httpClient: client,
	}, nil
}

// Bucket returns the bucket name.
func (s *SupabaseStore) Bucket() string {
	return s.bucket
}

// Put uploads an object. Existing keys are not overwritten.
func (s *SupabaseStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.objectURL(key), r)
	if err != nil {
		return fmt.Errorf("create upload request: %w", err)
	}
	if size >= 0 {
		req.ContentLength = size
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "false")
	resp, err := s.do(req)
	if err != nil {
		return fmt.Errorf("upload object: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Get streams an object through the authenticated endpoint.
func (s *SupabaseStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(key), nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	resp, err := s.do(req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Delete removes an object.
func (s *SupabaseStore) Delete(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.objectURL(key), nil)
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}
	resp, err := s.do(req)
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	resp.Body.Close()
	return nil
}

// URL returns the public object URL. The bucket must be public.
func (s *SupabaseStore) URL(_ context.Context, key string) (string, error) {
	return fmt.Sprintf("%s/object/public/%s/%s", s.baseURL, s.bucket, escapeKey(key)), nil
}

func (s *SupabaseStore) objectURL(key string) string {
	return fmt.Sprintf("%s/object/%s/%s", s.baseURL, s.bucket, escapeKey(key))
}

func (s *SupabaseStore) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("apikey", s.serviceKey)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrObjectNotFound
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("storage error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}
