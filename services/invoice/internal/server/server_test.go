package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"

	"invoicedesk/internal/ratelimit"
	"invoicedesk/internal/servicetoken"
	"invoicedesk/internal/usertoken"
	"invoicedesk/pkg/domain"
	"invoicedesk/pkg/extraction"
	"invoicedesk/pkg/storage"
	"invoicedesk/pkg/store"
	"invoicedesk/services/invoice/internal/app"
)

const (
	userSecret     = "user-jwt-secret-with-at-least-32-characters"
	internalSecret = "internal-secret-with-at-least-32-chars"
	webhookSecret  = "n8n-shared-secret"
)

type testServer struct {
	handler http.Handler
	store   *store.GormStore
	app     *app.App
}

func newTestServer(t *testing.T, mutate func(*Config)) testServer {
	t.Helper()
	s, err := store.OpenGormStore(sqlite.Open(filepath.Join(t.TempDir(), "invoices.db")))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	sqlDB, _ := s.DB().DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	a, err := app.New(app.Config{Store: s, Objects: storage.NewMemoryStore("invoices", "http://files.local")})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	verifier, err := usertoken.NewVerifier(usertoken.Config{Secret: userSecret})
	if err != nil {
		t.Fatalf("new user verifier: %v", err)
	}
	internal, err := servicetoken.NewVerifier(servicetoken.VerifierOptions{
		Secrets:        map[string]string{servicetoken.DefaultKeyID: internalSecret},
		Audience:       "invoice",
		AllowedIssuers: []string{"dispatcher-service"},
	})
	if err != nil {
		t.Fatalf("new internal verifier: %v", err)
	}
	cfg := Config{
		App:              a,
		TokenVerifier:    verifier,
		InternalVerifier: internal,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(a.Wait)
	return testServer{handler: srv.Router(), store: s, app: a}
}

func (ts testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func userToken(t *testing.T, sub, name string) string {
	t.Helper()
	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":           sub,
		"aud":           "authenticated",
		"exp":           now.Add(time.Minute).Unix(),
		"iat":           now.Unix(),
		"user_metadata": map[string]any{"full_name": name},
	}).SignedString([]byte(userSecret))
	if err != nil {
		t.Fatalf("sign user token: %v", err)
	}
	return token
}

type part struct {
	name, contentType, body string
}

func multipartRequest(t *testing.T, parts ...part) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="files"; filename="`+p.name+`"`)
		h.Set("Content-Type", p.contentType)
		w, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		_, _ = io.WriteString(w, p.body)
	}
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func seed(t *testing.T, s store.Store, docNum, total string, status domain.InvoiceStatus) {
	t.Helper()
	err := s.CreateInvoice(context.Background(), domain.InvoiceHeader{
		DocNum:       docNum,
		UUID:         uuid.NewString(),
		CustomerName: "Customer " + docNum,
		DocDate:      time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		TotalWithTax: decimal.NewNullDecimal(decimal.RequireFromString(total)),
		Status:       status,
	}, nil)
	if err != nil {
		t.Fatalf("seed %s: %v", docNum, err)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusOK)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestUploadPartialBatchReturns200(t *testing.T) {
	ts := newTestServer(t, nil)
	req := multipartRequest(t,
		part{"123456.pdf", "application/pdf", "%PDF-1.4 body"},
		part{"notes.txt", "text/plain", "hello"},
	)
	req.Header.Set("Authorization", "Bearer "+userToken(t, "u-7", "Robin"))
	rec := ts.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
	res := decode[app.BatchResult](t, rec)
	if res.SuccessCount != 1 || res.FailureCount != 1 {
		t.Fatalf("unexpected counts: %+v", res)
	}
	f, err := ts.app.GetFile(context.Background(), res.Results[0].FileRecordID)
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	if f.UploaderID != "u-7" || f.UploaderName != "Robin" {
		t.Fatalf("unexpected uploader: %q %q", f.UploaderID, f.UploaderName)
	}
}

func TestUploadErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, multipartRequest(t, part{"a.txt", "text/plain", "x"}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("all invalid: got %d want %d", rec.Code, http.StatusBadRequest)
	}
	if got := decode[errorResponse](t, rec).Code; got != "UPLOAD_INVALID_FILE_TYPE" {
		t.Fatalf("unexpected code: got %q want %q", got, "UPLOAD_INVALID_FILE_TYPE")
	}

	rec = ts.do(t, multipartRequest(t, part{"a.pdf", "application/pdf", ""}, part{"b.pdf", "application/pdf", ""}))
	if got := decode[errorResponse](t, rec).Code; rec.Code != http.StatusBadRequest || got != "UPLOAD_INVALID_FILE" {
		t.Fatalf("all empty: got %d %q want %d %q", rec.Code, got, http.StatusBadRequest, "UPLOAD_INVALID_FILE")
	}

	rec = ts.do(t, multipartRequest(t))
	if got := decode[errorResponse](t, rec).Code; rec.Code != http.StatusBadRequest || got != "UPLOAD_NO_FILES" {
		t.Fatalf("no files: got %d %q", rec.Code, got)
	}

	req := multipartRequest(t, part{"a.pdf", "application/pdf", "%PDF"})
	req.Header.Set("Authorization", "Bearer not-a-token")
	if rec := ts.do(t, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("invalid token: got %d want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestRequireAuthGatesQueriesButNotWebhook(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.RequireAuth = true })

	if rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/invoices", nil)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous list: got %d want %d", rec.Code, http.StatusUnauthorized)
	}
	req := httptest.NewRequest(http.MethodGet, "/invoices", nil)
	req.Header.Set("Authorization", "Bearer "+userToken(t, "u-1", "Ada"))
	if rec := ts.do(t, req); rec.Code != http.StatusOK {
		t.Fatalf("authorized list: got %d want %d", rec.Code, http.StatusOK)
	}
	if rec := ts.do(t, multipartRequest(t, part{"a.pdf", "application/pdf", "%PDF"})); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous upload with auth required: got %d want %d", rec.Code, http.StatusUnauthorized)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhooks/invoice-link", strings.NewReader(`{}`))
	if rec := ts.do(t, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("webhook should skip user auth: got %d want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestWebhookLinksFileAndVerifiesSignature(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.WebhookSecret = webhookSecret })
	rec := ts.do(t, multipartRequest(t, part{"777001.pdf", "application/pdf", "%PDF-1.4"}))
	fileID := decode[app.BatchResult](t, rec).Results[0].FileRecordID

	body := []byte(`{"fileIdentifier":"` + fileID + `","documentNumber":"777001","extractedFields":{"customerName":"Umbrella","totalAmount":"99.90"}}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/invoice-link", bytes.NewReader(body))
	req.Header.Set(extraction.SignatureHeader, "sha256=deadbeef")
	if rec := ts.do(t, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: got %d want %d", rec.Code, http.StatusUnauthorized)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhooks/invoice-link", bytes.NewReader(body))
	req.Header.Set(extraction.SignatureHeader, extraction.Sign(body, webhookSecret))
	rec = ts.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("signed webhook: got %d body=%s", rec.Code, rec.Body.String())
	}
	res := decode[map[string]any](t, rec)
	if res["invoiceKey"] != "777001" || res["success"] != true {
		t.Fatalf("unexpected response: %v", res)
	}
	pdfData, _ := res["pdfData"].(map[string]any)
	if pdfData["invoiceDocNum"] != "777001" {
		t.Fatalf("file not linked in response: %v", pdfData)
	}
}

func TestWebhookErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	cases := []struct {
		body string
		code int
		want string
	}{
		{`{"documentNumber":"1"}`, http.StatusBadRequest, "INVOICE_INVALID_REQUEST"},
		{`{"fileIdentifier":"nope","documentNumber":"1"}`, http.StatusNotFound, "FILE_NOT_FOUND"},
		{`not json`, http.StatusBadRequest, "INVOICE_INVALID_REQUEST"},
	}
	for _, tc := range cases {
		rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/webhooks/invoice-link", strings.NewReader(tc.body)))
		if rec.Code != tc.code {
			t.Fatalf("%s: got %d want %d", tc.body, rec.Code, tc.code)
		}
		if got := decode[errorResponse](t, rec); got.Code != tc.want || got.RequestID == "" {
			t.Fatalf("%s: unexpected error body %+v", tc.body, got)
		}
	}
}

func TestInvoiceCRUD(t *testing.T) {
	ts := newTestServer(t, nil)
	seed(t, ts.store, "100", "50", domain.StatusPending)
	seed(t, ts.store, "200", "150", domain.StatusDone)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/invoices?status=paid&amountMin=100", nil))
	page := decode[domain.InvoicePage](t, rec)
	if len(page.Items) != 1 || page.Items[0].DocNum != "200" {
		t.Fatalf("unexpected filter result: %+v", page.Items)
	}

	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/invoices/pages", nil))
	if got := decode[map[string]int](t, rec)["totalPages"]; got != 1 {
		t.Fatalf("unexpected page count: %d", got)
	}

	req := httptest.NewRequest(http.MethodPut, "/invoices/100", strings.NewReader(
		`{"header":{"customerName":"Wayne Corp","docDate":"2026-02-03"},"lineItems":[{"description":"Cape","quantity":"2","unitPrice":"12.5"}]}`))
	rec = ts.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: got %d body=%s", rec.Code, rec.Body.String())
	}
	detail := decode[domain.InvoiceDetail](t, ts.do(t, httptest.NewRequest(http.MethodGet, "/invoices/100", nil)))
	if detail.Invoice.CustomerName != "Wayne Corp" || len(detail.Items) != 1 || detail.Items[0].Amount.StringFixed(2) != "25.00" {
		t.Fatalf("unexpected detail: %+v", detail)
	}

	req = httptest.NewRequest(http.MethodPatch, "/invoices/100/status", strings.NewReader(`{"status":"paid"}`))
	if rec := ts.do(t, req); rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	req = httptest.NewRequest(http.MethodPatch, "/invoices/100/status", strings.NewReader(`{"status":"void"}`))
	if rec := ts.do(t, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid status: got %d want %d", rec.Code, http.StatusBadRequest)
	}

	if rec := ts.do(t, httptest.NewRequest(http.MethodDelete, "/invoices/100", nil)); rec.Code != http.StatusOK {
		t.Fatalf("delete: got %d", rec.Code)
	}
	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/invoices/100", nil))
	if rec.Code != http.StatusNotFound || decode[errorResponse](t, rec).Code != "INVOICE_NOT_FOUND" {
		t.Fatalf("expected 404 after delete, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestInvoicePDFRedirect(t *testing.T) {
	ts := newTestServer(t, nil)
	seed(t, ts.store, "300", "10", domain.StatusPending)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/invoices/300/pdf", nil))
	if rec.Code != http.StatusNotFound || !strings.Contains(decode[errorResponse](t, rec).Error, "no PDF is linked") {
		t.Fatalf("expected readable 404, got %d %s", rec.Code, rec.Body.String())
	}

	up := ts.do(t, multipartRequest(t, part{"300.pdf", "application/pdf", "%PDF"}))
	fileID := decode[app.BatchResult](t, up).Results[0].FileRecordID
	link := httptest.NewRequest(http.MethodPost, "/invoices/link-pdf", strings.NewReader(`{"fileId":"`+fileID+`","documentNumber":"300"}`))
	if rec := ts.do(t, link); rec.Code != http.StatusOK {
		t.Fatalf("link: got %d body=%s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/invoices/300/pdf", nil))
	if rec.Code != http.StatusFound || !strings.HasPrefix(rec.Header().Get("Location"), "http://files.local/invoices/uploads/") {
		t.Fatalf("unexpected redirect: %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestFileRoutes(t *testing.T) {
	ts := newTestServer(t, nil)
	up := ts.do(t, multipartRequest(t, part{"scan.pdf", "application/pdf", "%PDF-1.4 content"}))
	fileID := decode[app.BatchResult](t, up).Results[0].FileRecordID

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/files?linked=false", nil))
	list := decode[map[string]any](t, rec)
	if list["count"] != float64(1) {
		t.Fatalf("unexpected unlinked listing: %v", list)
	}

	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/files/"+fileID+"/content", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "%PDF-1.4 content" {
		t.Fatalf("unexpected content: %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "application/pdf" {
		t.Fatalf("unexpected content type: %q", rec.Header().Get("Content-Type"))
	}

	if rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/files/"+fileID+"/extract", nil)); rec.Code != http.StatusAccepted {
		t.Fatalf("retrigger: got %d", rec.Code)
	}
	if rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/files/missing", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("missing file: got %d", rec.Code)
	}
	if rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/files?linked=maybe", nil)); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad linked filter: got %d", rec.Code)
	}
}

func TestInternalExtractionRequestRequiresServiceToken(t *testing.T) {
	ts := newTestServer(t, nil)
	up := ts.do(t, multipartRequest(t, part{"654321.pdf", "application/pdf", "%PDF"}))
	fileID := decode[app.BatchResult](t, up).Results[0].FileRecordID
	path := "/internal/files/" + fileID + "/extraction-request"

	if rec := ts.do(t, httptest.NewRequest(http.MethodGet, path, nil)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: got %d want %d", rec.Code, http.StatusUnauthorized)
	}

	signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{Secret: internalSecret, Issuer: "dispatcher-service"})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if err := signer.Authorize(req, "invoice"); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	rec := ts.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("signed: got %d body=%s", rec.Code, rec.Body.String())
	}
	got := decode[extraction.Request](t, rec)
	if got.FileID != fileID || got.DocNumHint != "654321" || got.ProcessType != extraction.ProcessTypeInvoiceOCR {
		t.Fatalf("unexpected request: %+v", got)
	}
}

func TestUploadRateLimited(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	limiter, err := ratelimit.NewFixedWindowLimiter(ratelimit.Config{Addr: redisSrv.Addr(), Limit: 1, Window: time.Minute})
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	t.Cleanup(func() { _ = limiter.Close() })
	ts := newTestServer(t, func(c *Config) { c.UploadLimiter = limiter })

	if rec := ts.do(t, multipartRequest(t, part{"a.pdf", "application/pdf", "%PDF"})); rec.Code != http.StatusOK {
		t.Fatalf("first upload: got %d", rec.Code)
	}
	rec := ts.do(t, multipartRequest(t, part{"b.pdf", "application/pdf", "%PDF"}))
	if rec.Code != http.StatusTooManyRequests || decode[errorResponse](t, rec).Code != "SYSTEM_RATE_LIMITED" {
		t.Fatalf("second upload: got %d %s", rec.Code, rec.Body.String())
	}
}

func TestDashboardAndCustomers(t *testing.T) {
	ts := newTestServer(t, nil)
	seed(t, ts.store, "1", "1000", domain.StatusPending)
	seed(t, ts.store, "2", "234.50", domain.StatusDone)

	sum := decode[domain.DashboardSummary](t, ts.do(t, httptest.NewRequest(http.MethodGet, "/dashboard/summary", nil)))
	if sum.TotalRevenue != "$1,234.50" || sum.Stats.InvoiceCount != 2 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	customers := decode[map[string]any](t, ts.do(t, httptest.NewRequest(http.MethodGet, "/customers", nil)))
	if customers["count"] != float64(2) {
		t.Fatalf("unexpected customers: %v", customers)
	}
	if rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/customers", nil)); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("unexpected method status: %d", rec.Code)
	}
}
