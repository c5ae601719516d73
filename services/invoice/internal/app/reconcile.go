package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/google/uuid"

	"invoicedesk/pkg/domain"
	"invoicedesk/pkg/extraction"
	"invoicedesk/pkg/store"
)

// ReconcileResult is the state after a callback has been applied.
type ReconcileResult struct {
	File       domain.FileRecord     `json:"pdfData"`
	Invoice    *domain.InvoiceHeader `json:"invoice,omitempty"`
	InvoiceKey string                `json:"invoiceKey,omitempty"`
	Created    bool                  `json:"created"`
	Success    bool                  `json:"success"`
}

// Reconcile links the callback's file to the invoice named by its document
// number, creating the invoice on first sight. Without a document number the
// file is left unlinked. Replaying a callback does not write anything.
func (a *App) Reconcile(ctx context.Context, cb extraction.Callback) (ReconcileResult, error) {
	fileID := cb.FileID()
	if fileID == "" {
		return ReconcileResult{}, ErrFileIdentifierRequired
	}
	file, err := a.requireFile(ctx, fileID)
	if err != nil {
		return ReconcileResult{}, err
	}
	docNum := cb.DocumentNo()
	if docNum == "" {
		a.logger.Info("callback without document number", "file_id", fileID)
		return ReconcileResult{File: file, Success: true}, nil
	}

	header, created, err := a.resolveHeader(ctx, docNum, cb.Fields(), cb.Raw())
	if err != nil {
		return ReconcileResult{}, err
	}
	if !file.LinkedTo(docNum) {
		if file.Linked() {
			a.logger.Warn("relinking file", "file_id", fileID, "from", *file.InvoiceDocNum, "to", docNum)
		}
		if err := a.store.LinkFile(ctx, file.ID, docNum); err != nil {
			return ReconcileResult{}, fmt.Errorf("%w: %v", ErrLinkUpdateFailed, err)
		}
		file.InvoiceDocNum = &docNum
	}
	return ReconcileResult{
		File:       file,
		Invoice:    &header,
		InvoiceKey: header.DocNum,
		Created:    created,
		Success:    true,
	}, nil
}

// ManualLink attaches a file to an existing invoice.
func (a *App) ManualLink(ctx context.Context, fileID, docNum string) (domain.FileRecord, error) {
	fileID, docNum = strings.TrimSpace(fileID), strings.TrimSpace(docNum)
	if fileID == "" {
		return domain.FileRecord{}, ErrFileIdentifierRequired
	}
	if docNum == "" {
		return domain.FileRecord{}, invalidRequest("documentNumber is required")
	}
	if _, err := a.requireInvoice(ctx, docNum); err != nil {
		return domain.FileRecord{}, err
	}
	file, err := a.requireFile(ctx, fileID)
	if err != nil {
		return domain.FileRecord{}, err
	}
	if file.LinkedTo(docNum) {
		return file, nil
	}
	if err := a.store.LinkFile(ctx, file.ID, docNum); err != nil {
		return domain.FileRecord{}, fmt.Errorf("%w: %v", ErrLinkUpdateFailed, err)
	}
	file.InvoiceDocNum = &docNum
	return file, nil
}

// resolveHeader returns the invoice for docNum, creating it from the
// extracted fields when absent. Losing a creation race is not an error.
func (a *App) resolveHeader(ctx context.Context, docNum string, fields extraction.Fields, raw json.RawMessage) (domain.InvoiceHeader, bool, error) {
	existing, ok, err := a.store.GetInvoice(ctx, docNum)
	if err != nil {
		return domain.InvoiceHeader{}, false, fmt.Errorf("%w: %v", ErrDataFetchFailed, err)
	}
	if !ok {
		h := a.headerFromFields(docNum, fields, raw)
		err := a.store.CreateInvoice(ctx, h, itemsFromFields(docNum, fields.Items))
		if err == nil {
			return h, true, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return domain.InvoiceHeader{}, false, fmt.Errorf("%w: %v", ErrInvoiceCreateFailed, err)
		}
		a.logger.Info("invoice created concurrently, linking to existing", "doc_num", docNum)
		existing, ok, err = a.store.GetInvoice(ctx, docNum)
		if err != nil || !ok {
			return domain.InvoiceHeader{}, false, ErrInvoiceCreateFailed
		}
	}

	merged, changed := mergeExtracted(existing, fields, raw)
	if !changed {
		return existing, false, nil
	}
	merged.UpdatedAt = a.now()
	if err := a.store.UpdateInvoiceHeader(ctx, merged); err != nil {
		return domain.InvoiceHeader{}, false, fmt.Errorf("merge extracted fields: %w", err)
	}
	return merged, false, nil
}

func (a *App) headerFromFields(docNum string, f extraction.Fields, raw json.RawMessage) domain.InvoiceHeader {
	now := a.now()
	h := domain.InvoiceHeader{
		DocNum:          docNum,
		UUID:            uuid.NewString(),
		CustomerName:    f.CustomerName,
		CustomerAddress: f.CustomerAddress,
		CustomerCode:    f.CustomerCode,
		VendorName:      f.VendorName,
		VendorAddress:   f.VendorAddress,
		VendorCode:      f.VendorCode,
		DocDate:         now,
		DueDate:         f.DueDate,
		DeliveryDate:    f.DeliveryDate,
		TotalBeforeTax:  f.TotalBeforeTax,
		TotalWithTax:    f.TotalWithTax,
		Status:          domain.StatusPending,
		ExtractionData:  raw,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if h.CustomerName == "" {
		h.CustomerName = domain.UnknownCustomer
	}
	if f.DocDate != nil {
		h.DocDate = *f.DocDate
	}
	return h
}

func itemsFromFields(docNum string, extracted []extraction.Item) []domain.LineItem {
	items := make([]domain.LineItem, 0, len(extracted))
	for i, it := range extracted {
		items = append(items, domain.LineItem{
			DocNum:      docNum,
			LineNo:      i + 1,
			ItemCode:    it.ItemCode,
			Description: it.Description,
			Category:    it.Category,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			Tax:         it.Tax,
			Amount:      it.Amount,
		})
	}
	return items
}

// mergeExtracted fills only blank or placeholder fields of h so that values
// edited by a user are never overwritten. A stored total of zero counts as
// a value; only NULL totals are filled.
func mergeExtracted(h domain.InvoiceHeader, f extraction.Fields, raw json.RawMessage) (domain.InvoiceHeader, bool) {
	changed := false
	fill := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
			changed = true
		}
	}
	if h.CustomerName == domain.UnknownCustomer && f.CustomerName != "" {
		h.CustomerName = f.CustomerName
		changed = true
	}
	fill(&h.CustomerName, f.CustomerName)
	fill(&h.CustomerAddress, f.CustomerAddress)
	fill(&h.CustomerCode, f.CustomerCode)
	fill(&h.VendorName, f.VendorName)
	fill(&h.VendorAddress, f.VendorAddress)
	fill(&h.VendorCode, f.VendorCode)
	if h.DueDate == nil && f.DueDate != nil {
		h.DueDate = f.DueDate
		changed = true
	}
	if h.DeliveryDate == nil && f.DeliveryDate != nil {
		h.DeliveryDate = f.DeliveryDate
		changed = true
	}
	if !h.TotalBeforeTax.Valid && f.TotalBeforeTax.Valid {
		h.TotalBeforeTax = f.TotalBeforeTax
		changed = true
	}
	if !h.TotalWithTax.Valid && f.TotalWithTax.Valid {
		h.TotalWithTax = f.TotalWithTax
		changed = true
	}
	if len(raw) > 0 && !sameJSON(h.ExtractionData, raw) {
		h.ExtractionData = raw
		changed = true
	}
	return h, changed
}

// sameJSON compares two documents by value, ignoring formatting and key order.
func sameJSON(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return string(a) == string(b)
	}
	return reflect.DeepEqual(va, vb)
}
