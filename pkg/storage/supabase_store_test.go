package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func newFakeSupabase(t *testing.T) (*httptest.Server, map[string][]byte) {
	t.Helper()
	var mu sync.Mutex
	objects := make(map[string][]byte)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer service-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		key := strings.TrimPrefix(r.URL.Path, "/storage/v1/object/")
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			objects[key] = body
			_, _ = w.Write([]byte(`{"Key":"` + key + `"}`))
		case http.MethodGet:
			data, ok := objects[key]
			if !ok {
				http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
				return
			}
			_, _ = w.Write(data)
		case http.MethodDelete:
			delete(objects, key)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, objects
}

func TestSupabaseStorePutGetDelete(t *testing.T) {
	srv, objects := newFakeSupabase(t)
	s, err := NewSupabaseStore(SupabaseConfig{URL: srv.URL, ServiceKey: "service-key", Bucket: "invoices"})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	payload := "%PDF-1.4 test"
	if err := s.Put(ctx, "uploads/1700000000000-a.pdf", strings.NewReader(payload), int64(len(payload)), "application/pdf"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok := objects["invoices/uploads/1700000000000-a.pdf"]; !ok {
		t.Fatalf("object not stored under bucket path, got keys %v", objects)
	}

	rc, err := s.Get(ctx, "uploads/1700000000000-a.pdf")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != payload {
		t.Fatalf("unexpected content: got %q want %q", data, payload)
	}

	if err := s.Delete(ctx, "uploads/1700000000000-a.pdf"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "uploads/1700000000000-a.pdf"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound after delete, got %v", err)
	}
}

func TestSupabaseStorePublicURL(t *testing.T) {
	s, err := NewSupabaseStore(SupabaseConfig{URL: "https://proj.supabase.co/", ServiceKey: "k", Bucket: "invoices"})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	got, err := s.URL(context.Background(), "uploads/1-my invoice.pdf")
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	want := "https://proj.supabase.co/storage/v1/object/public/invoices/uploads/1-my%20invoice.pdf"
	if got != want {
		t.Fatalf("unexpected url: got %q want %q", got, want)
	}
}

func TestSupabaseStoreSurfacesServerErrors(t *testing.T) {
	srv, _ := newFakeSupabase(t)
	s, err := NewSupabaseStore(SupabaseConfig{URL: srv.URL, ServiceKey: "wrong", Bucket: "invoices"})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	err = s.Put(context.Background(), "uploads/a.pdf", strings.NewReader("x"), 1, "application/pdf")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 error, got %v", err)
	}
}

func TestNewSupabaseStoreValidatesConfig(t *testing.T) {
	if _, err := NewSupabaseStore(SupabaseConfig{ServiceKey: "k", Bucket: "b"}); err == nil {
		t.Fatalf("expected missing url to fail")
	}
	if _, err := NewSupabaseStore(SupabaseConfig{URL: "http://x", Bucket: "b"}); err == nil {
		t.Fatalf("expected missing service key to fail")
	}
}
