package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"invoicedesk/internal/util"
	"invoicedesk/services/invoice/internal/app"
)

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorCode(w, status, errorCodeForInvoice(status, msg), msg)
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

// writeAppError maps app errors onto status codes. Store failures keep
// their message so operators can diagnose them from the client.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *app.ValidationError
	switch {
	case errors.As(err, &verr):
		writeErrorCode(w, http.StatusBadRequest, verr.Code, verr.Message)
	case errors.Is(err, app.ErrFileNotFound):
		writeErrorCode(w, http.StatusNotFound, "FILE_NOT_FOUND", err.Error())
	case errors.Is(err, app.ErrInvoiceNotFound):
		writeErrorCode(w, http.StatusNotFound, "INVOICE_NOT_FOUND", err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeErrorCode(w, http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR", err.Error())
	}
}

func errorCodeForInvoice(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "internal auth not configured":
		return "SYSTEM_INTERNAL_ERROR"
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "invalid webhook signature":
		return "WEBHOOK_INVALID_SIGNATURE"
	case message == "too many requests":
		return "SYSTEM_RATE_LIMITED"
	case message == "file too large":
		return "UPLOAD_FILE_TOO_LARGE"
	case message == "invalid form data":
		return "UPLOAD_INVALID_FORM"
	case message == "invalid json body":
		return "INVOICE_INVALID_REQUEST"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "INVOICE_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusRequestEntityTooLarge:
		return "UPLOAD_FILE_TOO_LARGE"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
