package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"invoicedesk/internal/servicetoken"
	"invoicedesk/internal/usertoken"
	"invoicedesk/internal/util"
	"invoicedesk/pkg/domain"
	"invoicedesk/services/invoice/internal/app"
)

// Limiter throttles requests per key.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier *usertoken.Verifier
	// InternalVerifier guards /internal/ routes used by the dispatcher.
	InternalVerifier *servicetoken.Verifier
	RequireAuth      bool
	WebhookSecret    string
	UploadLimiter    Limiter
	WebhookLimiter   Limiter
	TrustedProxies   *util.TrustedProxies
	CORSOrigins      []string
	MaxUploadBytes   int64
}

// Server exposes HTTP endpoints for the invoice service.
type Server struct {
	app            *app.App
	tokenVerifier  *usertoken.Verifier
	internalVerify *servicetoken.Verifier
	requireAuth    bool
	webhookSecret  string
	uploadLimiter  Limiter
	webhookLimiter Limiter
	trusted        *util.TrustedProxies
	corsOrigins    []string
	mux            *http.ServeMux
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	if cfg.RequireAuth && cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier is required when auth is required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 50 * 1024 * 1024
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		internalVerify: cfg.InternalVerifier,
		requireAuth:    cfg.RequireAuth,
		webhookSecret:  strings.TrimSpace(cfg.WebhookSecret),
		uploadLimiter:  cfg.UploadLimiter,
		webhookLimiter: cfg.WebhookLimiter,
		trusted:        cfg.TrustedProxies,
		corsOrigins:    cfg.CORSOrigins,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/upload", s.withRateLimit("upload", s.uploadLimiter, http.HandlerFunc(s.handleUpload)))
	s.mux.Handle("/webhooks/invoice-link", s.withRateLimit("webhook", s.webhookLimiter, http.HandlerFunc(s.handleInvoiceLink)))
	s.mux.Handle("/internal/files/", s.withInternal(s.handleInternalFile))

	// invoices
	s.mux.Handle("/invoices", s.withUser(s.handleInvoices))
	s.mux.Handle("/invoices/pages", s.withUser(s.handlePageCount))
	s.mux.Handle("/invoices/link-pdf", s.withUser(s.handleLinkPDF))
	s.mux.Handle("/invoices/", s.withUser(s.handleInvoiceByDocNum))

	// files
	s.mux.Handle("/files", s.withUser(s.handleFiles))
	s.mux.Handle("/files/", s.withUser(s.handleFileByID))

	s.mux.Handle("/dashboard/summary", s.withUser(s.handleDashboard))
	s.mux.Handle("/customers", s.withUser(s.handleCustomers))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withUser enforces a valid user token when auth is required.
func (s *Server) withUser(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAuth {
			next(w, r)
			return
		}
		if _, err := s.tokenVerifier.VerifyRequest(r); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

// uploader resolves the caller. Missing tokens are anonymous unless auth is
// required; invalid tokens are always rejected.
func (s *Server) uploader(r *http.Request) (domain.Uploader, error) {
	if s.tokenVerifier == nil {
		return domain.AnonymousUploader(), nil
	}
	u, err := s.tokenVerifier.VerifyRequest(r)
	if errors.Is(err, usertoken.ErrMissingToken) && !s.requireAuth {
		return domain.AnonymousUploader(), nil
	}
	return u, err
}

func (s *Server) withInternal(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.internalVerify == nil {
			writeError(w, http.StatusInternalServerError, "internal auth not configured")
			return
		}
		if _, err := s.internalVerify.VerifyRequest(r); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

func (s *Server) withRateLimit(scope string, limiter Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		key := scope + ":" + util.ClientIP(r, s.trusted)
		if !limiter.Allow(r.Context(), key) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	summary, err := s.app.Dashboard(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCustomers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	customers, err := s.app.Customers(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": customers,
		"count": len(customers),
	})
}

// detached returns a context for work that must finish even if the client
// goes away mid-request.
func detached(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), d)
}
