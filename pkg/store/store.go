package store

import (
	"context"
	"errors"

	"invoicedesk/pkg/domain"
)

var (
	// ErrNotFound is returned by targeted writes that matched no row.
	ErrNotFound = errors.New("store: record not found")
	// ErrConflict is returned when an insert violates a uniqueness constraint.
	ErrConflict = errors.New("store: duplicate key")
)

// FileFilter narrows ListFiles. A nil Linked means "any".
type FileFilter struct {
	Linked *bool
	DocNum string
	Limit  int
}

// InvoiceSearch is the predicate pushed down to the store by the invoice
// query engine. An empty Status matches every invoice.
type InvoiceSearch struct {
	Query  string
	Status domain.DisplayStatus
}

// Store defines persistence for invoices, line items and file records.
type Store interface {
	// files
	CreateFile(ctx context.Context, f domain.FileRecord) (domain.FileRecord, error)
	GetFile(ctx context.Context, id string) (domain.FileRecord, bool, error)
	LinkFile(ctx context.Context, id, docNum string) error
	ListFiles(ctx context.Context, filter FileFilter) ([]domain.FileRecord, error)

	// invoices
	GetInvoice(ctx context.Context, docNum string) (domain.InvoiceHeader, bool, error)
	CreateInvoice(ctx context.Context, h domain.InvoiceHeader, items []domain.LineItem) error
	UpdateInvoiceHeader(ctx context.Context, h domain.InvoiceHeader) error
	ReplaceInvoice(ctx context.Context, h domain.InvoiceHeader, items []domain.LineItem) error
	DeleteInvoice(ctx context.Context, docNum string) error
	SetInvoiceStatus(ctx context.Context, docNum string, status domain.InvoiceStatus) error
	ListInvoiceItems(ctx context.Context, docNum string) ([]domain.LineItem, error)

	// queries
	SearchInvoices(ctx context.Context, search InvoiceSearch) ([]domain.InvoiceHeader, error)
	LatestInvoices(ctx context.Context, limit int) ([]domain.InvoiceHeader, error)
	InvoiceStats(ctx context.Context) (domain.InvoiceStats, error)
	CategoryTotals(ctx context.Context) ([]domain.CategoryTotal, error)
	ListCustomers(ctx context.Context) ([]domain.Customer, error)
}
