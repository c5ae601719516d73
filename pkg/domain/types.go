package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus is the stored two-state invoice status.
type InvoiceStatus string

const (
	StatusPending InvoiceStatus = "Pending"
	StatusDone    InvoiceStatus = "Done"
)

// DisplayStatus is the status vocabulary used by the dashboard.
type DisplayStatus string

const (
	DisplayPending DisplayStatus = "pending"
	DisplayPaid    DisplayStatus = "paid"
)

const (
	// UnknownCustomer is the placeholder used for invoices created from
	// extraction results that carry no customer name.
	UnknownCustomer = "Unknown Customer"
	// AnonymousUploaderID marks files uploaded without an identity.
	AnonymousUploaderID   = "anonymous"
	AnonymousUploaderName = "Anonymous"
)

// Uploader identifies the user that submitted a file.
type Uploader struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// AnonymousUploader is recorded when an upload carries no identity.
func AnonymousUploader() Uploader {
	return Uploader{ID: AnonymousUploaderID, Name: AnonymousUploaderName}
}

// FileRecord is one uploaded document. InvoiceDocNum stays nil until the
// file is reconciled with an invoice.
type FileRecord struct {
	ID            string    `json:"id"`
	StoragePath   string    `json:"storagePath"`
	FileName      string    `json:"fileName"`
	OriginalName  string    `json:"originalName"`
	PublicURL     string    `json:"publicUrl"`
	ContentType   string    `json:"contentType"`
	SizeBytes     int64     `json:"sizeBytes"`
	PageCount     int       `json:"pageCount"`
	UploaderID    string    `json:"uploaderId,omitempty"`
	UploaderName  string    `json:"uploaderName,omitempty"`
	InvoiceDocNum *string   `json:"invoiceDocNum"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Linked reports whether the file references an invoice.
func (f FileRecord) Linked() bool {
	return f.InvoiceDocNum != nil && *f.InvoiceDocNum != ""
}

// LinkedTo reports whether the file references the given invoice.
func (f FileRecord) LinkedTo(docNum string) bool {
	return f.Linked() && *f.InvoiceDocNum == docNum
}

// InvoiceHeader is the parsed top-level record of one invoice.
type InvoiceHeader struct {
	DocNum          string              `json:"docNum"`
	UUID            string              `json:"uuid"`
	CustomerName    string              `json:"customerName"`
	CustomerAddress string              `json:"customerAddress,omitempty"`
	CustomerCode    string              `json:"customerCode,omitempty"`
	VendorName      string              `json:"vendorName,omitempty"`
	VendorAddress   string              `json:"vendorAddress,omitempty"`
	VendorCode      string              `json:"vendorCode,omitempty"`
	DocDate         time.Time           `json:"docDate"`
	DueDate         *time.Time          `json:"dueDate,omitempty"`
	DeliveryDate    *time.Time          `json:"deliveryDate,omitempty"`
	TotalBeforeTax  decimal.NullDecimal `json:"totalBeforeTax"`
	TotalWithTax    decimal.NullDecimal `json:"totalWithTax"`
	Status          InvoiceStatus       `json:"status"`
	PDFURL          string              `json:"pdfUrl,omitempty"`
	PDFFilename     string              `json:"pdfFilename,omitempty"`
	ExtractionData  json.RawMessage     `json:"extractionData,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

// DisplayAmount is the tax-inclusive total, falling back to the pre-tax
// total when the former is absent.
func (h InvoiceHeader) DisplayAmount() decimal.Decimal {
	if h.TotalWithTax.Valid {
		return h.TotalWithTax.Decimal
	}
	if h.TotalBeforeTax.Valid {
		return h.TotalBeforeTax.Decimal
	}
	return decimal.Zero
}

// LineItem is one itemized row of an invoice.
type LineItem struct {
	DocNum      string          `json:"docNum"`
	LineNo      int             `json:"lineNo"`
	ItemCode    string          `json:"itemCode,omitempty"`
	Description string          `json:"description"`
	Category    string          `json:"category,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Tax         string          `json:"tax,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
}

// InvoiceDetail is a header together with its line items.
type InvoiceDetail struct {
	Invoice InvoiceHeader `json:"invoice"`
	Items   []LineItem    `json:"items"`
}

// InvoiceRow is one row of the paginated invoice view.
type InvoiceRow struct {
	DocNum       string        `json:"docNum"`
	CustomerName string        `json:"customerName"`
	VendorName   string        `json:"vendorName,omitempty"`
	Date         string        `json:"date"`
	Amount       string        `json:"amount"`
	Status       DisplayStatus `json:"status"`
	FileURL      *string       `json:"fileUrl"`
	FileID       *string       `json:"fileId"`
	UploaderName *string       `json:"uploaderName"`
	DeliveryDate *string       `json:"deliveryDate"`
}

// InvoicePage is one page of invoice rows.
type InvoicePage struct {
	Items      []InvoiceRow `json:"items"`
	Page       int          `json:"page"`
	PageSize   int          `json:"pageSize"`
	TotalCount int          `json:"totalCount"`
	TotalPages int          `json:"totalPages"`
}

// CategoryTotal aggregates line item amounts per category.
type CategoryTotal struct {
	Category string          `json:"category"`
	Total    decimal.Decimal `json:"total"`
}

// Customer is a distinct customer seen on invoices.
type Customer struct {
	Code    string `json:"code,omitempty"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}

// InvoiceStats holds the dashboard card figures.
type InvoiceStats struct {
	InvoiceCount  int             `json:"invoiceCount"`
	PendingCount  int             `json:"pendingCount"`
	PaidCount     int             `json:"paidCount"`
	CustomerCount int             `json:"customerCount"`
	TotalRevenue  decimal.Decimal `json:"totalRevenue"`
}

// DashboardSummary bundles everything the dashboard landing page shows.
type DashboardSummary struct {
	Stats          InvoiceStats    `json:"stats"`
	TotalRevenue   string          `json:"totalRevenue"`
	LatestInvoices []InvoiceRow    `json:"latestInvoices"`
	Categories     []CategoryTotal `json:"categories"`
}

// NormalizeStatus folds the stored spellings ("Done", "paid", "", ...) into
// the two display states.
func NormalizeStatus(stored string) DisplayStatus {
	stored = strings.ToLower(strings.TrimSpace(stored))
	for _, paid := range PaidSpellings() {
		if stored == paid {
			return DisplayPaid
		}
	}
	return DisplayPending
}

// ParseDisplayStatus parses a dashboard status value.
func ParseDisplayStatus(raw string) (DisplayStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(DisplayPending):
		return DisplayPending, true
	case string(DisplayPaid):
		return DisplayPaid, true
	default:
		return "", false
	}
}

// StoredStatus maps a display status onto the stored status.
func (s DisplayStatus) StoredStatus() InvoiceStatus {
	if s == DisplayPaid {
		return StatusDone
	}
	return StatusPending
}

// PaidSpellings lists the lower-cased stored values that display as paid.
// Every other stored value, including NULL and unknown spellings, displays
// as pending.
func PaidSpellings() []string {
	return []string{"done", "paid"}
}
