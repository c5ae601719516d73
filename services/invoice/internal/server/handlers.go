package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"invoicedesk/internal/util"
	"invoicedesk/pkg/extraction"
	"invoicedesk/services/invoice/internal/app"
)

const (
	maxJSONBody     = 1 << 20
	maxCallbackBody = 8 << 20
	webhookTimeout  = 30 * time.Second
)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	uploader, err := s.uploader(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	defer r.MultipartForm.RemoveAll()

	var headers []*multipart.FileHeader
	for _, field := range []string{"files", "file"} {
		headers = append(headers, r.MultipartForm.File[field]...)
	}
	uploads := make([]app.Upload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid form data")
			return
		}
		defer f.Close()
		uploads = append(uploads, app.Upload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Body:        f,
		})
	}

	res, err := s.app.Submit(r.Context(), uploader, uploads)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleInvoiceLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if s.webhookSecret != "" && !extraction.VerifySignature(body, s.webhookSecret, r.Header.Get(extraction.SignatureHeader)) {
		writeError(w, http.StatusUnauthorized, "invalid webhook signature")
		return
	}
	cb, err := extraction.ParseCallback(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// The workflow does not retry on disconnect, so finish the write anyway.
	ctx, cancel := detached(r, webhookTimeout)
	defer cancel()
	res, err := s.app.Reconcile(ctx, cb)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	util.LoggerFromContext(r.Context()).Info("invoice link processed",
		"file_id", res.File.ID, "doc_num", res.InvoiceKey, "created", res.Created)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleInvoices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	page, err := s.app.List(r.Context(), listQuery(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handlePageCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	pages, err := s.app.PageCount(r.Context(), listQuery(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"totalPages": pages})
}

func listQuery(r *http.Request) app.ListQuery {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	return app.ListQuery{
		Query:     q.Get("query"),
		Page:      page,
		Status:    q.Get("status"),
		DateFrom:  q.Get("dateFrom"),
		DateTo:    q.Get("dateTo"),
		AmountMin: q.Get("amountMin"),
		AmountMax: q.Get("amountMax"),
	}
}

type linkRequest struct {
	FileID         string `json:"fileId"`
	PDFID          string `json:"pdfId"`
	DocumentNumber string `json:"documentNumber"`
	InvoiceID      string `json:"invoiceId"`
}

func (s *Server) handleLinkPDF(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req linkRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	fileID := firstNonEmpty(req.FileID, req.PDFID)
	docNum := firstNonEmpty(req.DocumentNumber, req.InvoiceID)
	file, err := s.app.ManualLink(r.Context(), fileID, docNum)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "pdfData": file})
}

// /invoices/{docNum}, /invoices/{docNum}/pdf, /invoices/{docNum}/status,
// /invoices/{docNum}/files
func (s *Server) handleInvoiceByDocNum(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/invoices/")
	parts := strings.SplitN(path, "/", 2)
	docNum := strings.TrimSpace(parts[0])
	if docNum == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "pdf":
			s.handleInvoicePDF(w, r, docNum)
		case "status":
			s.handleInvoiceStatus(w, r, docNum)
		case "files":
			s.handleInvoiceFiles(w, r, docNum)
		default:
			notFound(w, "not found")
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		detail, err := s.app.GetInvoice(r.Context(), docNum)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	case http.MethodPut:
		var req app.UpdateInvoiceRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		detail, err := s.app.UpdateInvoice(r.Context(), docNum, req)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	case http.MethodDelete:
		if err := s.app.DeleteInvoice(r.Context(), docNum); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleInvoicePDF(w http.ResponseWriter, r *http.Request, docNum string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	url, err := s.app.RepresentativePDF(r.Context(), docNum)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleInvoiceStatus(w http.ResponseWriter, r *http.Request, docNum string) {
	if r.Method != http.MethodPatch {
		methodNotAllowed(w)
		return
	}
	var req statusRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	status, err := s.app.SetStatus(r.Context(), docNum, req.Status)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"docNum": docNum, "status": string(status)})
}

func (s *Server) handleInvoiceFiles(w http.ResponseWriter, r *http.Request, docNum string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	files, err := s.app.ListInvoiceFiles(r.Context(), docNum)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": files, "count": len(files)})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	var linked *bool
	if raw := r.URL.Query().Get("linked"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "linked must be true or false")
			return
		}
		linked = &b
	}
	files, err := s.app.ListFiles(r.Context(), linked)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": files, "count": len(files)})
}

// /files/{id}, /files/{id}/content, /files/{id}/extract
func (s *Server) handleFileByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/files/")
	parts := strings.SplitN(path, "/", 2)
	id := strings.TrimSpace(parts[0])
	if id == "" {
		notFound(w, "not found")
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		f, err := s.app.GetFile(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, f)
	case "content":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleFileContent(w, r, id)
	case "extract":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		f, err := s.app.Retrigger(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "fileId": f.ID})
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request, id string) {
	rc, f, err := s.app.OpenFile(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	defer rc.Close()
	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `inline; filename="`+strings.ReplaceAll(f.FileName, `"`, "")+`"`)
	w.Header().Set("Content-Security-Policy", "default-src 'none'; sandbox")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if f.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(f.SizeBytes, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		util.LoggerFromContext(r.Context()).Warn("stream file failed", "file_id", id, "err", err)
	}
}

// /internal/files/{id}/extraction-request
func (s *Server) handleInternalFile(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/internal/files/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "extraction-request" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	req, err := s.app.ExtractionRequest(r.Context(), parts[0])
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
