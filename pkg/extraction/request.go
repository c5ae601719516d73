// Package extraction carries invoice files to the external OCR workflow and
// parses what it sends back.
package extraction

import (
	"context"
	"time"
)

const (
	ProcessTypeInvoiceOCR = "invoice_ocr"
	EventFileUploaded     = "invoice.file_uploaded"
)

// StorageRef locates the uploaded blob.
type StorageRef struct {
	Bucket    string `json:"bucket"`
	Path      string `json:"path"`
	PublicURL string `json:"publicUrl"`
}

// Request is the payload delivered to the workflow for one uploaded file.
type Request struct {
	FileID           string     `json:"fileId"`
	Filename         string     `json:"filename"`
	OriginalFilename string     `json:"originalFilename"`
	FileURL          string     `json:"fileUrl"`
	FileType         string     `json:"fileType"`
	FileSize         int64      `json:"fileSize"`
	PageCount        int        `json:"pageCount"`
	DocNumHint       string     `json:"docNumHint,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
	FileContent      string     `json:"fileContent,omitempty"`
	FileContentType  string     `json:"fileContentType,omitempty"`
	Storage          StorageRef `json:"storage"`
	ProcessType      string     `json:"processType"`
	Source           string     `json:"source"`
	CallbackURL      string     `json:"callbackUrl,omitempty"`
}

// Notifier delivers a request to the workflow.
type Notifier interface {
	Notify(ctx context.Context, req Request) error
}

// NopNotifier drops every request. It is used when no workflow is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Request) error { return nil }
