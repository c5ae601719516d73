package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"invoicedesk/pkg/domain"
	"invoicedesk/pkg/store"
)

const (
	displayDateLayout = "Jan 2, 2006"
	filterDateLayout  = "2006-01-02"
	latestLimit       = 5
)

var currencyPrinter = message.NewPrinter(language.AmericanEnglish)

// ListQuery holds the raw list filters as received from the client.
type ListQuery struct {
	Query     string
	Page      int
	Status    string
	DateFrom  string
	DateTo    string
	AmountMin string
	AmountMax string
}

type listFilter struct {
	search   store.InvoiceSearch
	from, to *time.Time
	min, max *decimal.Decimal
}

// List returns one page of invoice rows. Search and status are pushed to
// the store; date and amount ranges are applied in memory.
func (a *App) List(ctx context.Context, q ListQuery) (domain.InvoicePage, error) {
	rows, err := a.filteredRows(ctx, q)
	if err != nil {
		return domain.InvoicePage{}, err
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	total := len(rows)
	start := (page - 1) * a.pageSize
	items := []domain.InvoiceRow{}
	if start < total {
		end := min(start+a.pageSize, total)
		items = rows[start:end]
	}
	return domain.InvoicePage{
		Items:      items,
		Page:       page,
		PageSize:   a.pageSize,
		TotalCount: total,
		TotalPages: pageCount(total, a.pageSize),
	}, nil
}

// PageCount returns ceil(matches / pageSize) for the same filters as List.
func (a *App) PageCount(ctx context.Context, q ListQuery) (int, error) {
	rows, err := a.filteredRows(ctx, q)
	if err != nil {
		return 0, err
	}
	return pageCount(len(rows), a.pageSize), nil
}

func (a *App) filteredRows(ctx context.Context, q ListQuery) ([]domain.InvoiceRow, error) {
	f, err := parseListQuery(q)
	if err != nil {
		return nil, err
	}

	var headers []domain.InvoiceHeader
	var files []domain.FileRecord
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		headers, err = a.store.SearchInvoices(gctx, f.search)
		return err
	})
	g.Go(func() error {
		linked := true
		var err error
		files, err = a.store.ListFiles(gctx, store.FileFilter{Linked: &linked})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataFetchFailed, err)
	}

	representative := representativeFiles(files)
	rows := make([]domain.InvoiceRow, 0, len(headers))
	for _, h := range headers {
		if !f.matches(h) {
			continue
		}
		var file *domain.FileRecord
		if rf, ok := representative[h.DocNum]; ok {
			file = &rf
		}
		rows = append(rows, toRow(h, file))
	}
	return rows, nil
}

func parseListQuery(q ListQuery) (listFilter, error) {
	f := listFilter{search: store.InvoiceSearch{Query: strings.TrimSpace(q.Query)}}
	if raw := strings.TrimSpace(q.Status); raw != "" && !strings.EqualFold(raw, "all") {
		st, ok := domain.ParseDisplayStatus(raw)
		if !ok {
			return f, invalidRequest("invalid status %q: want pending or paid", raw)
		}
		f.search.Status = st
	}
	var err error
	if f.from, err = parseFilterDate("dateFrom", q.DateFrom); err != nil {
		return f, err
	}
	if f.to, err = parseFilterDate("dateTo", q.DateTo); err != nil {
		return f, err
	}
	if f.min, err = parseFilterAmount("amountMin", q.AmountMin); err != nil {
		return f, err
	}
	if f.max, err = parseFilterAmount("amountMax", q.AmountMax); err != nil {
		return f, err
	}
	return f, nil
}

// matches applies the in-memory filters. Both date bounds are inclusive
// whole days.
func (f listFilter) matches(h domain.InvoiceHeader) bool {
	day := truncateDay(h.DocDate)
	if f.from != nil && day.Before(*f.from) {
		return false
	}
	if f.to != nil && day.After(*f.to) {
		return false
	}
	amount := h.DisplayAmount()
	if f.min != nil && amount.LessThan(*f.min) {
		return false
	}
	if f.max != nil && amount.GreaterThan(*f.max) {
		return false
	}
	return true
}

func parseFilterDate(name, raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(filterDateLayout, raw)
	if err != nil {
		return nil, invalidRequest("invalid %s %q: want YYYY-MM-DD", name, raw)
	}
	return &t, nil
}

func parseFilterAmount(name, raw string) (*decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, invalidRequest("invalid %s %q", name, raw)
	}
	return &d, nil
}

// representativeFiles picks the newest linked file per invoice. files must
// be ordered newest first.
func representativeFiles(files []domain.FileRecord) map[string]domain.FileRecord {
	out := make(map[string]domain.FileRecord, len(files))
	for _, f := range files {
		if !f.Linked() {
			continue
		}
		if _, seen := out[*f.InvoiceDocNum]; !seen {
			out[*f.InvoiceDocNum] = f
		}
	}
	return out
}

func toRow(h domain.InvoiceHeader, file *domain.FileRecord) domain.InvoiceRow {
	row := domain.InvoiceRow{
		DocNum:       h.DocNum,
		CustomerName: h.CustomerName,
		VendorName:   h.VendorName,
		Date:         formatDate(h.DocDate),
		Amount:       FormatCurrency(h.DisplayAmount()),
		Status:       domain.NormalizeStatus(string(h.Status)),
	}
	if row.CustomerName == "" {
		row.CustomerName = domain.UnknownCustomer
	}
	if h.DeliveryDate != nil {
		d := formatDate(*h.DeliveryDate)
		row.DeliveryDate = &d
	}
	if file != nil {
		url, id := file.PublicURL, file.ID
		row.FileURL = &url
		row.FileID = &id
		if file.UploaderName != "" {
			name := file.UploaderName
			row.UploaderName = &name
		}
	}
	return row
}

// FormatCurrency renders an amount as US dollars, e.g. "$1,234.50".
func FormatCurrency(d decimal.Decimal) string {
	f, _ := d.Round(2).Float64()
	sign := ""
	if f < 0 {
		sign = "-"
		f = -f
	}
	return sign + "$" + currencyPrinter.Sprint(number.Decimal(f, number.Scale(2)))
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(displayDateLayout)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func pageCount(total, size int) int {
	if total == 0 || size <= 0 {
		return 0
	}
	return (total + size - 1) / size
}

// Dashboard gathers the landing page figures concurrently.
func (a *App) Dashboard(ctx context.Context) (domain.DashboardSummary, error) {
	var (
		stats      domain.InvoiceStats
		latest     []domain.InvoiceHeader
		categories []domain.CategoryTotal
		files      []domain.FileRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		stats, err = a.store.InvoiceStats(gctx)
		return err
	})
	g.Go(func() (err error) {
		latest, err = a.store.LatestInvoices(gctx, latestLimit)
		return err
	})
	g.Go(func() (err error) {
		categories, err = a.store.CategoryTotals(gctx)
		return err
	})
	g.Go(func() (err error) {
		linked := true
		files, err = a.store.ListFiles(gctx, store.FileFilter{Linked: &linked})
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.DashboardSummary{}, fmt.Errorf("%w: %v", ErrDataFetchFailed, err)
	}

	representative := representativeFiles(files)
	rows := make([]domain.InvoiceRow, 0, len(latest))
	for _, h := range latest {
		var file *domain.FileRecord
		if rf, ok := representative[h.DocNum]; ok {
			file = &rf
		}
		rows = append(rows, toRow(h, file))
	}
	if categories == nil {
		categories = []domain.CategoryTotal{}
	}
	return domain.DashboardSummary{
		Stats:          stats,
		TotalRevenue:   FormatCurrency(stats.TotalRevenue),
		LatestInvoices: rows,
		Categories:     categories,
	}, nil
}

// Customers lists distinct customers.
func (a *App) Customers(ctx context.Context) ([]domain.Customer, error) {
	customers, err := a.store.ListCustomers(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataFetchFailed, err)
	}
	if customers == nil {
		customers = []domain.Customer{}
	}
	return customers, nil
}
