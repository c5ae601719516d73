package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]DisplayStatus{
		"Done":    DisplayPaid,
		"paid":    DisplayPaid,
		" PAID ":  DisplayPaid,
		"Pending": DisplayPending,
		"":        DisplayPending,
		"draft":   DisplayPending,
	}
	for stored, want := range tests {
		if got := NormalizeStatus(stored); got != want {
			t.Fatalf("NormalizeStatus(%q) = %q, want %q", stored, got, want)
		}
	}
}

func TestDisplayStatusStoredStatus(t *testing.T) {
	if got := DisplayPaid.StoredStatus(); got != StatusDone {
		t.Fatalf("paid maps to %q, want %q", got, StatusDone)
	}
	if got := DisplayPending.StoredStatus(); got != StatusPending {
		t.Fatalf("pending maps to %q, want %q", got, StatusPending)
	}
	if _, ok := ParseDisplayStatus("archived"); ok {
		t.Fatalf("expected archived to be rejected")
	}
}

func TestDisplayAmountFallsBackToPreTaxTotal(t *testing.T) {
	h := InvoiceHeader{
		TotalBeforeTax: decimal.NewNullDecimal(decimal.RequireFromString("90.50")),
	}
	if got := h.DisplayAmount(); !got.Equal(decimal.RequireFromString("90.50")) {
		t.Fatalf("display amount = %s, want 90.50", got)
	}
	h.TotalWithTax = decimal.NewNullDecimal(decimal.RequireFromString("99.55"))
	if got := h.DisplayAmount(); !got.Equal(decimal.RequireFromString("99.55")) {
		t.Fatalf("display amount = %s, want 99.55", got)
	}
}
