package app

import (
	"errors"
	"fmt"
)

// ValidationError reports bad input. Code is the API error code.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalidRequest(format string, args ...any) error {
	return &ValidationError{Code: "INVOICE_INVALID_REQUEST", Message: fmt.Sprintf(format, args...)}
}

var (
	ErrNoFiles                = &ValidationError{Code: "UPLOAD_NO_FILES", Message: "no files submitted"}
	ErrInvalidFileType        = &ValidationError{Code: "UPLOAD_INVALID_FILE_TYPE", Message: "invalid file type: only PDF and image files are allowed"}
	ErrInvalidUpload          = &ValidationError{Code: "UPLOAD_INVALID_FILE", Message: "no valid files: every file was rejected"}
	ErrFileIdentifierRequired = &ValidationError{Code: "INVOICE_INVALID_REQUEST", Message: "fileIdentifier is required"}

	ErrFileNotFound    = errors.New("file not found")
	ErrInvoiceNotFound = errors.New("invoice not found")

	ErrInvoiceCreateFailed = errors.New("failed to create invoice")
	ErrLinkUpdateFailed    = errors.New("failed to link file to invoice")
	ErrDataFetchFailed     = errors.New("failed to fetch invoice data")
	ErrStorageFailed       = errors.New("storage error")
)
