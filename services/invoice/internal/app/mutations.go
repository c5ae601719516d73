package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"invoicedesk/pkg/domain"
	"invoicedesk/pkg/store"
)

// UpdateInvoiceRequest replaces an invoice's header fields and all of its
// line items.
type UpdateInvoiceRequest struct {
	Header    HeaderInput     `json:"header" validate:"required"`
	LineItems []LineItemInput `json:"lineItems" validate:"dive"`
}

type HeaderInput struct {
	CustomerName    string           `json:"customerName" validate:"required,max=255"`
	CustomerAddress string           `json:"customerAddress" validate:"max=1000"`
	CustomerCode    string           `json:"customerCode" validate:"max=64"`
	VendorName      string           `json:"vendorName" validate:"max=255"`
	VendorAddress   string           `json:"vendorAddress" validate:"max=1000"`
	VendorCode      string           `json:"vendorCode" validate:"max=64"`
	DocDate         string           `json:"docDate" validate:"omitempty,datetime=2006-01-02"`
	DueDate         string           `json:"dueDate" validate:"omitempty,datetime=2006-01-02"`
	DeliveryDate    string           `json:"deliveryDate" validate:"omitempty,datetime=2006-01-02"`
	TotalBeforeTax  *decimal.Decimal `json:"totalBeforeTax" validate:"omitempty,gte=0"`
	TotalWithTax    *decimal.Decimal `json:"totalWithTax" validate:"omitempty,gte=0"`
}

type LineItemInput struct {
	ItemCode    string          `json:"itemCode" validate:"max=64"`
	Description string          `json:"description" validate:"required"`
	Category    string          `json:"category" validate:"max=128"`
	Quantity    decimal.Decimal `json:"quantity" validate:"gte=0"`
	UnitPrice   decimal.Decimal `json:"unitPrice" validate:"gte=0"`
	Tax         string          `json:"tax" validate:"max=32"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// Decimals validate as float64 so gte/lte apply.
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return invalidRequest("invalid request: %v", err)
	}
	e := verrs[0]
	field := strings.TrimPrefix(e.Namespace(), "UpdateInvoiceRequest.")
	switch e.Tag() {
	case "required":
		return invalidRequest("%s is required", field)
	case "gte":
		return invalidRequest("%s must not be negative", field)
	case "datetime":
		return invalidRequest("%s must be a YYYY-MM-DD date", field)
	case "max":
		return invalidRequest("%s must be at most %s characters", field, e.Param())
	default:
		return invalidRequest("%s is invalid", field)
	}
}

func (a *App) requireInvoice(ctx context.Context, docNum string) (domain.InvoiceHeader, error) {
	docNum = strings.TrimSpace(docNum)
	if docNum == "" {
		return domain.InvoiceHeader{}, invalidRequest("document number is required")
	}
	h, ok, err := a.store.GetInvoice(ctx, docNum)
	if err != nil {
		return domain.InvoiceHeader{}, fmt.Errorf("%w: %v", ErrDataFetchFailed, err)
	}
	if !ok {
		return domain.InvoiceHeader{}, ErrInvoiceNotFound
	}
	return h, nil
}

// GetInvoice returns a header with its line items.
func (a *App) GetInvoice(ctx context.Context, docNum string) (domain.InvoiceDetail, error) {
	h, err := a.requireInvoice(ctx, docNum)
	if err != nil {
		return domain.InvoiceDetail{}, err
	}
	items, err := a.store.ListInvoiceItems(ctx, h.DocNum)
	if err != nil {
		return domain.InvoiceDetail{}, fmt.Errorf("%w: %v", ErrDataFetchFailed, err)
	}
	if items == nil {
		items = []domain.LineItem{}
	}
	return domain.InvoiceDetail{Invoice: h, Items: items}, nil
}

// UpdateInvoice overwrites the header and replaces every line item in one
// transaction. Line amounts are recomputed as quantity times unit price.
func (a *App) UpdateInvoice(ctx context.Context, docNum string, req UpdateInvoiceRequest) (domain.InvoiceDetail, error) {
	if err := validate.Struct(req); err != nil {
		return domain.InvoiceDetail{}, validationError(err)
	}
	current, err := a.requireInvoice(ctx, docNum)
	if err != nil {
		return domain.InvoiceDetail{}, err
	}

	h := applyHeaderInput(current, req.Header)
	h.UpdatedAt = a.now()
	items := make([]domain.LineItem, 0, len(req.LineItems))
	for i, in := range req.LineItems {
		items = append(items, domain.LineItem{
			DocNum:      h.DocNum,
			LineNo:      i + 1,
			ItemCode:    strings.TrimSpace(in.ItemCode),
			Description: strings.TrimSpace(in.Description),
			Category:    strings.TrimSpace(in.Category),
			Quantity:    in.Quantity,
			UnitPrice:   in.UnitPrice,
			Tax:         strings.TrimSpace(in.Tax),
			Amount:      in.Quantity.Mul(in.UnitPrice).Round(2),
		})
	}

	if err := a.store.ReplaceInvoice(ctx, h, items); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.InvoiceDetail{}, ErrInvoiceNotFound
		}
		return domain.InvoiceDetail{}, fmt.Errorf("update invoice: %w", err)
	}
	a.logger.Info("invoice updated", "doc_num", h.DocNum, "items", len(items))
	return domain.InvoiceDetail{Invoice: h, Items: items}, nil
}

func applyHeaderInput(h domain.InvoiceHeader, in HeaderInput) domain.InvoiceHeader {
	h.CustomerName = strings.TrimSpace(in.CustomerName)
	h.CustomerAddress = strings.TrimSpace(in.CustomerAddress)
	h.CustomerCode = strings.TrimSpace(in.CustomerCode)
	h.VendorName = strings.TrimSpace(in.VendorName)
	h.VendorAddress = strings.TrimSpace(in.VendorAddress)
	h.VendorCode = strings.TrimSpace(in.VendorCode)
	if d := parseInputDate(in.DocDate); d != nil {
		h.DocDate = *d
	}
	h.DueDate = parseInputDate(in.DueDate)
	h.DeliveryDate = parseInputDate(in.DeliveryDate)
	h.TotalBeforeTax = nullDecimal(in.TotalBeforeTax)
	h.TotalWithTax = nullDecimal(in.TotalWithTax)
	return h
}

func parseInputDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(filterDateLayout, raw)
	if err != nil {
		return nil
	}
	return &t
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

// DeleteInvoice removes an invoice and its items. Linked files are kept
// and unlinked.
func (a *App) DeleteInvoice(ctx context.Context, docNum string) error {
	docNum = strings.TrimSpace(docNum)
	if docNum == "" {
		return invalidRequest("document number is required")
	}
	if err := a.store.DeleteInvoice(ctx, docNum); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvoiceNotFound
		}
		return fmt.Errorf("delete invoice: %w", err)
	}
	a.logger.Info("invoice deleted", "doc_num", docNum)
	return nil
}

// SetStatus maps pending/paid onto the stored status and writes it.
func (a *App) SetStatus(ctx context.Context, docNum, raw string) (domain.DisplayStatus, error) {
	st, ok := domain.ParseDisplayStatus(raw)
	if !ok {
		return "", invalidRequest("invalid status %q: want pending or paid", raw)
	}
	docNum = strings.TrimSpace(docNum)
	if docNum == "" {
		return "", invalidRequest("document number is required")
	}
	if err := a.store.SetInvoiceStatus(ctx, docNum, st.StoredStatus()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrInvoiceNotFound
		}
		return "", fmt.Errorf("set status: %w", err)
	}
	return st, nil
}
