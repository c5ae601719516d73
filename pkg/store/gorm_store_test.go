package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"

	"invoicedesk/pkg/domain"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := OpenGormStore(sqlite.Open(filepath.Join(t.TempDir(), "invoices.db")))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	sqlDB, err := s.DB().DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return s
}

func testInvoice(docNum, customer string, total string, date time.Time, status domain.InvoiceStatus) domain.InvoiceHeader {
	return domain.InvoiceHeader{
		DocNum:       docNum,
		UUID:         uuid.NewString(),
		CustomerName: customer,
		VendorName:   "Acme Supplies",
		DocDate:      date,
		TotalWithTax: decimal.NewNullDecimal(decimal.RequireFromString(total)),
		Status:       status,
	}
}

func testFile(t *testing.T, s *GormStore, name string) domain.FileRecord {
	t.Helper()
	f, err := s.CreateFile(context.Background(), domain.FileRecord{
		ID:           uuid.NewString(),
		StoragePath:  "uploads/" + name,
		FileName:     name,
		OriginalName: name,
		PublicURL:    "https://blob.example/" + name,
		ContentType:  "application/pdf",
		UploaderID:   "user-1",
		UploaderName: "Ada",
	})
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	return f
}

func TestCreateInvoiceDuplicateReturnsConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h := testInvoice("100", "Globex", "50", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), domain.StatusPending)
	if err := s.CreateInvoice(ctx, h, nil); err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	h.UUID = uuid.NewString()
	err := s.CreateInvoice(ctx, h, nil)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestLinkFileAndListByInvoice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h := testInvoice("100", "Globex", "50", time.Now().UTC(), domain.StatusPending)
	if err := s.CreateInvoice(ctx, h, nil); err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	first := testFile(t, s, "a.pdf")
	second := testFile(t, s, "b.pdf")
	if err := s.LinkFile(ctx, first.ID, "100"); err != nil {
		t.Fatalf("link first: %v", err)
	}
	if err := s.LinkFile(ctx, "missing", "100"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown file, got %v", err)
	}

	linked := true
	files, err := s.ListFiles(ctx, FileFilter{Linked: &linked})
	if err != nil {
		t.Fatalf("list linked: %v", err)
	}
	if len(files) != 1 || files[0].ID != first.ID {
		t.Fatalf("unexpected linked files: %+v", files)
	}
	unlinked := false
	files, err = s.ListFiles(ctx, FileFilter{Linked: &unlinked})
	if err != nil {
		t.Fatalf("list unlinked: %v", err)
	}
	if len(files) != 1 || files[0].ID != second.ID {
		t.Fatalf("unexpected unlinked files: %+v", files)
	}
}

func TestReplaceInvoiceWithEmptyItemsRemovesAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h := testInvoice("100", "Globex", "50", time.Now().UTC(), domain.StatusPending)
	items := []domain.LineItem{
		{LineNo: 1, Description: "Paper", Quantity: decimal.NewFromInt(2), UnitPrice: decimal.NewFromInt(10), Amount: decimal.NewFromInt(20)},
		{LineNo: 2, Description: "Ink", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(30), Amount: decimal.NewFromInt(30)},
	}
	if err := s.CreateInvoice(ctx, h, items); err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	h.CustomerName = "Globex Corp"
	if err := s.ReplaceInvoice(ctx, h, nil); err != nil {
		t.Fatalf("replace invoice: %v", err)
	}
	got, err := s.ListInvoiceItems(ctx, "100")
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no items, got %d", len(got))
	}
	header, ok, err := s.GetInvoice(ctx, "100")
	if err != nil || !ok {
		t.Fatalf("get invoice: ok=%v err=%v", ok, err)
	}
	if header.CustomerName != "Globex Corp" {
		t.Fatalf("customer = %q, want %q", header.CustomerName, "Globex Corp")
	}
}

func TestReplaceInvoiceMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	h := testInvoice("404", "Nobody", "1", time.Now().UTC(), domain.StatusPending)
	if err := s.ReplaceInvoice(context.Background(), h, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteInvoiceUnlinksFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h := testInvoice("100", "Globex", "50", time.Now().UTC(), domain.StatusPending)
	items := []domain.LineItem{{LineNo: 1, Description: "Paper", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(50), Amount: decimal.NewFromInt(50)}}
	if err := s.CreateInvoice(ctx, h, items); err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	a := testFile(t, s, "a.pdf")
	b := testFile(t, s, "b.pdf")
	for _, f := range []domain.FileRecord{a, b} {
		if err := s.LinkFile(ctx, f.ID, "100"); err != nil {
			t.Fatalf("link %s: %v", f.ID, err)
		}
	}

	if err := s.DeleteInvoice(ctx, "100"); err != nil {
		t.Fatalf("delete invoice: %v", err)
	}
	for _, f := range []domain.FileRecord{a, b} {
		got, ok, err := s.GetFile(ctx, f.ID)
		if err != nil || !ok {
			t.Fatalf("file %s should persist: ok=%v err=%v", f.ID, ok, err)
		}
		if got.Linked() {
			t.Fatalf("file %s still linked to %q", f.ID, *got.InvoiceDocNum)
		}
	}
	remaining, err := s.ListInvoiceItems(ctx, "100")
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no items after delete, got %d", len(remaining))
	}
	if err := s.DeleteInvoice(ctx, "100"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestSearchInvoicesMatchesQueryAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seed := []domain.InvoiceHeader{
		testInvoice("100", "Globex", "50", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), domain.StatusPending),
		testInvoice("200", "Initech", "150", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), domain.StatusDone),
		testInvoice("300", "Globex Asia", "75", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), "paid"),
	}
	for _, h := range seed {
		if err := s.CreateInvoice(ctx, h, nil); err != nil {
			t.Fatalf("create %s: %v", h.DocNum, err)
		}
	}

	got, err := s.SearchInvoices(ctx, InvoiceSearch{Query: "GLOBEX"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 || got[0].DocNum != "300" || got[1].DocNum != "100" {
		t.Fatalf("unexpected search result: %+v", docNums(got))
	}

	got, err = s.SearchInvoices(ctx, InvoiceSearch{Status: domain.DisplayPaid})
	if err != nil {
		t.Fatalf("search paid: %v", err)
	}
	if want := []string{"200", "300"}; !equalStrings(docNums(got), want) {
		t.Fatalf("paid invoices = %v, want %v", docNums(got), want)
	}
}

func TestSearchInvoicesMatchesWildcardsLiterally(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, h := range []domain.InvoiceHeader{
		testInvoice("100", "Globex", "50", date, domain.StatusPending),
		testInvoice("200", "Initech", "150", date, domain.StatusPending),
		testInvoice("INV_300", "Hooli", "75", date, domain.StatusPending),
		testInvoice("400", "100% Paper", "20", date, domain.StatusPending),
	} {
		if err := s.CreateInvoice(ctx, h, nil); err != nil {
			t.Fatalf("create %s: %v", h.DocNum, err)
		}
	}

	cases := []struct {
		query string
		want  []string
	}{
		{"_", []string{"INV_300"}},
		{"%", []string{"400"}},
		{`\`, nil},
		{"inv_3", []string{"INV_300"}},
		{"0%", []string{"400"}},
	}
	for _, tc := range cases {
		got, err := s.SearchInvoices(ctx, InvoiceSearch{Query: tc.query})
		if err != nil {
			t.Fatalf("search %q: %v", tc.query, err)
		}
		if !equalStrings(docNums(got), tc.want) {
			t.Fatalf("search %q = %v, want %v", tc.query, docNums(got), tc.want)
		}
	}
}

func TestSearchInvoicesPendingIncludesUnknownSpellings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, h := range []domain.InvoiceHeader{
		testInvoice("100", "Globex", "50", date, "Open"),
		testInvoice("200", "Initech", "150", date, domain.StatusDone),
		testInvoice("300", "Hooli", "75", date, ""),
		testInvoice("400", "Umbrella", "20", date, "PAID"),
	} {
		if err := s.CreateInvoice(ctx, h, nil); err != nil {
			t.Fatalf("create %s: %v", h.DocNum, err)
		}
	}

	pending, err := s.SearchInvoices(ctx, InvoiceSearch{Status: domain.DisplayPending})
	if err != nil {
		t.Fatalf("search pending: %v", err)
	}
	if want := []string{"300", "100"}; !equalStrings(docNums(pending), want) {
		t.Fatalf("pending invoices = %v, want %v", docNums(pending), want)
	}
	for _, h := range pending {
		if got := domain.NormalizeStatus(string(h.Status)); got != domain.DisplayPending {
			t.Fatalf("invoice %s displays as %q, want pending", h.DocNum, got)
		}
	}
	paid, err := s.SearchInvoices(ctx, InvoiceSearch{Status: domain.DisplayPaid})
	if err != nil {
		t.Fatalf("search paid: %v", err)
	}
	if want := []string{"400", "200"}; !equalStrings(docNums(paid), want) {
		t.Fatalf("paid invoices = %v, want %v", docNums(paid), want)
	}
}

func TestInvoiceStatsAndCategoryTotals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := testInvoice("100", "Globex", "50", time.Now().UTC(), domain.StatusPending)
	b := testInvoice("200", "globex", "150", time.Now().UTC(), domain.StatusDone)
	c := testInvoice("300", "Initech", "0", time.Now().UTC(), domain.StatusPending)
	c.TotalWithTax = decimal.NullDecimal{}
	c.TotalBeforeTax = decimal.NewNullDecimal(decimal.NewFromInt(25))
	items := []domain.LineItem{
		{LineNo: 1, Description: "Paper", Category: "Office", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(20), Amount: decimal.NewFromInt(20)},
		{LineNo: 2, Description: "Chair", Category: "Furniture", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(90), Amount: decimal.NewFromInt(90)},
		{LineNo: 3, Description: "Pens", Category: "Office", Quantity: decimal.NewFromInt(2), UnitPrice: decimal.NewFromInt(5), Amount: decimal.NewFromInt(10)},
	}
	if err := s.CreateInvoice(ctx, a, items); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := s.CreateInvoice(ctx, b, nil); err != nil {
		t.Fatalf("create b: %v", err)
	}
	if err := s.CreateInvoice(ctx, c, nil); err != nil {
		t.Fatalf("create c: %v", err)
	}

	stats, err := s.InvoiceStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.InvoiceCount != 3 || stats.PaidCount != 1 || stats.PendingCount != 2 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.CustomerCount != 2 {
		t.Fatalf("customer count = %d, want 2", stats.CustomerCount)
	}
	if !stats.TotalRevenue.Equal(decimal.NewFromInt(225)) {
		t.Fatalf("revenue = %s, want 225", stats.TotalRevenue)
	}

	totals, err := s.CategoryTotals(ctx)
	if err != nil {
		t.Fatalf("category totals: %v", err)
	}
	if len(totals) != 2 || totals[0].Category != "Furniture" || !totals[1].Total.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("unexpected totals: %+v", totals)
	}
}

func TestSetInvoiceStatusOnlyTouchesStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h := testInvoice("100", "Globex", "50", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), domain.StatusPending)
	if err := s.CreateInvoice(ctx, h, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.SetInvoiceStatus(ctx, "100", domain.StatusDone); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, _, err := s.GetInvoice(ctx, "100")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusDone || got.CustomerName != "Globex" || !got.TotalWithTax.Decimal.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("unexpected invoice after status change: %+v", got)
	}
	if err := s.SetInvoiceStatus(ctx, "missing", domain.StatusDone); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func docNums(hs []domain.InvoiceHeader) []string {
	out := make([]string, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.DocNum)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
