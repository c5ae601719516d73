package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Callback is the body the workflow posts back once a file is processed.
// Several field names are accepted for the same value.
type Callback struct {
	FileIdentifier  any              `json:"fileIdentifier"`
	PDFUUID         any              `json:"pdfUuid"`
	PDFID           any              `json:"pdfId"`
	DocumentNumber  any              `json:"documentNumber"`
	DocNum          any              `json:"docNum"`
	InvoiceData     map[string]any   `json:"invoiceData"`
	ExtractedFields map[string]any   `json:"extractedFields"`
	LineItems       []map[string]any `json:"lineItems"`
	OCRData         json.RawMessage  `json:"ocrData"`

	raw json.RawMessage
}

// Fields are the header values and line items extracted from a document.
type Fields struct {
	CustomerName    string
	CustomerAddress string
	CustomerCode    string
	VendorName      string
	VendorAddress   string
	VendorCode      string
	DocDate         *time.Time
	DueDate         *time.Time
	DeliveryDate    *time.Time
	TotalBeforeTax  decimal.NullDecimal
	TotalWithTax    decimal.NullDecimal
	Items           []Item
}

// Item is one extracted line.
type Item struct {
	ItemCode    string
	Description string
	Category    string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Tax         string
	Amount      decimal.Decimal
}

// ParseCallback decodes a callback body, keeping the raw bytes.
func ParseCallback(body []byte) (Callback, error) {
	var cb Callback
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&cb); err != nil {
		return Callback{}, fmt.Errorf("decode callback: %w", err)
	}
	cb.raw = append(json.RawMessage(nil), body...)
	return cb, nil
}

// FileID returns the referenced file id from whichever alias was sent.
func (c Callback) FileID() string {
	for _, v := range []any{c.FileIdentifier, c.PDFUUID, c.PDFID} {
		if s := String(v); s != "" {
			return s
		}
	}
	return ""
}

// DocumentNo returns the target document number, or "".
func (c Callback) DocumentNo() string {
	if s := String(c.DocumentNumber); s != "" {
		return s
	}
	return String(c.DocNum)
}

// Raw returns the callback body as received.
func (c Callback) Raw() json.RawMessage {
	return c.raw
}

// Fields merges invoiceData and extractedFields; values in invoiceData win.
func (c Callback) Fields() Fields {
	src := make(map[string]any, len(c.InvoiceData)+len(c.ExtractedFields))
	for k, v := range c.ExtractedFields {
		src[k] = v
	}
	for k, v := range c.InvoiceData {
		if String(v) != "" || src[k] == nil {
			src[k] = v
		}
	}

	f := Fields{
		CustomerName:    String(lookup(src, "customerName", "custName")),
		CustomerAddress: String(lookup(src, "customerAddress", "custAddress")),
		CustomerCode:    String(lookup(src, "customerCode", "custCode", "cardCode")),
		VendorName:      String(lookup(src, "vendorName", "supplierName")),
		VendorAddress:   String(lookup(src, "vendorAddress", "vendorAddresss", "supplierAddress")),
		VendorCode:      String(lookup(src, "vendorCode", "supplierCode")),
		DocDate:         optionalDate(lookup(src, "invoiceDate", "docDate", "date")),
		DueDate:         optionalDate(lookup(src, "dueDate", "docDueDate")),
		DeliveryDate:    optionalDate(lookup(src, "deliveryDate")),
		TotalBeforeTax:  optionalDecimal(lookup(src, "totalBeforeTax", "totalBeforeGST", "totalb4GST", "subtotal")),
		TotalWithTax:    optionalDecimal(lookup(src, "totalWithTax", "totalWithGST", "totalAmount", "total")),
	}

	lines := c.LineItems
	if len(lines) == 0 {
		if list, ok := lookup(src, "lineItems", "items").([]any); ok {
			for _, v := range list {
				if m, ok := v.(map[string]any); ok {
					lines = append(lines, m)
				}
			}
		}
	}
	for _, m := range lines {
		f.Items = append(f.Items, parseItem(m))
	}
	return f
}

func parseItem(m map[string]any) Item {
	it := Item{
		ItemCode:    String(lookup(m, "itemCode", "code", "sku")),
		Description: String(lookup(m, "description", "dscription", "itemDescription", "name")),
		Category:    String(lookup(m, "category")),
		Tax:         String(lookup(m, "tax", "taxCode", "gst")),
	}
	it.Quantity, _ = Decimal(lookup(m, "quantity", "qty"))
	it.UnitPrice, _ = Decimal(lookup(m, "unitPrice", "price"))
	if amt, ok := Decimal(lookup(m, "amount", "lineTotal", "total")); ok {
		it.Amount = amt
	} else {
		it.Amount = it.Quantity.Mul(it.UnitPrice)
	}
	return it
}

func optionalDate(v any) *time.Time {
	t, ok := Date(v)
	if !ok {
		return nil
	}
	return &t
}

func optionalDecimal(v any) decimal.NullDecimal {
	d, ok := Decimal(v)
	return decimal.NullDecimal{Decimal: d, Valid: ok}
}
