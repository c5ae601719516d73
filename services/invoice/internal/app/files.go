package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"invoicedesk/pkg/domain"
	"invoicedesk/pkg/extraction"
	"invoicedesk/pkg/storage"
	"invoicedesk/pkg/store"
)

func (a *App) requireFile(ctx context.Context, id string) (domain.FileRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.FileRecord{}, ErrFileIdentifierRequired
	}
	f, ok, err := a.store.GetFile(ctx, id)
	if err != nil {
		return domain.FileRecord{}, fmt.Errorf("%w: %v", ErrDataFetchFailed, err)
	}
	if !ok {
		return domain.FileRecord{}, ErrFileNotFound
	}
	return f, nil
}

// GetFile returns one FileRecord.
func (a *App) GetFile(ctx context.Context, id string) (domain.FileRecord, error) {
	return a.requireFile(ctx, id)
}

// ListFiles lists uploaded files, newest first. A nil linked lists all.
func (a *App) ListFiles(ctx context.Context, linked *bool) ([]domain.FileRecord, error) {
	files, err := a.store.ListFiles(ctx, store.FileFilter{Linked: linked})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataFetchFailed, err)
	}
	if files == nil {
		files = []domain.FileRecord{}
	}
	return files, nil
}

// ListInvoiceFiles returns every file linked to an invoice, newest first.
func (a *App) ListInvoiceFiles(ctx context.Context, docNum string) ([]domain.FileRecord, error) {
	if _, err := a.requireInvoice(ctx, docNum); err != nil {
		return nil, err
	}
	files, err := a.store.ListFiles(ctx, store.FileFilter{DocNum: strings.TrimSpace(docNum)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataFetchFailed, err)
	}
	if files == nil {
		files = []domain.FileRecord{}
	}
	return files, nil
}

// OpenFile streams the stored blob. The caller closes the reader.
func (a *App) OpenFile(ctx context.Context, id string) (io.ReadCloser, domain.FileRecord, error) {
	f, err := a.requireFile(ctx, id)
	if err != nil {
		return nil, domain.FileRecord{}, err
	}
	rc, err := a.objects.Get(ctx, f.StoragePath)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, domain.FileRecord{}, ErrFileNotFound
	}
	if err != nil {
		return nil, domain.FileRecord{}, fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	return rc, f, nil
}

// Retrigger schedules extraction again for a stored file.
func (a *App) Retrigger(ctx context.Context, id string) (domain.FileRecord, error) {
	f, err := a.requireFile(ctx, id)
	if err != nil {
		return domain.FileRecord{}, err
	}
	var data []byte
	if a.dispatcher == nil && a.includeContent && f.SizeBytes <= a.maxContentBytes {
		data, err = a.readBlob(ctx, f)
		if err != nil {
			return domain.FileRecord{}, err
		}
	}
	a.logger.Info("extraction retriggered", "file_id", f.ID)
	a.scheduleExtraction(f, data)
	return f, nil
}

// ExtractionRequest builds the outbound request for a stored file without
// file content. The dispatcher attaches content itself.
func (a *App) ExtractionRequest(ctx context.Context, id string) (extraction.Request, error) {
	f, err := a.requireFile(ctx, id)
	if err != nil {
		return extraction.Request{}, err
	}
	return a.buildRequest(f), nil
}

// RepresentativePDF returns the URL the invoice's PDF link redirects to:
// the newest linked file, else the URL stored on the header.
func (a *App) RepresentativePDF(ctx context.Context, docNum string) (string, error) {
	h, err := a.requireInvoice(ctx, docNum)
	if err != nil {
		return "", err
	}
	files, err := a.store.ListFiles(ctx, store.FileFilter{DocNum: h.DocNum, Limit: 1})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDataFetchFailed, err)
	}
	if len(files) > 0 && files[0].PublicURL != "" {
		return files[0].PublicURL, nil
	}
	if h.PDFURL != "" {
		return h.PDFURL, nil
	}
	return "", fmt.Errorf("%w: no PDF is linked to invoice %s", ErrFileNotFound, h.DocNum)
}

func (a *App) readBlob(ctx context.Context, f domain.FileRecord) ([]byte, error) {
	rc, err := a.objects.Get(ctx, f.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, a.maxContentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	if int64(len(data)) > a.maxContentBytes {
		return nil, nil
	}
	return data, nil
}
