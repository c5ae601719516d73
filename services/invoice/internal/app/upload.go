package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"

	"invoicedesk/pkg/domain"
	"invoicedesk/pkg/extraction"
)

// Upload is one file of a submitted batch.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// FileResult is the outcome for one file of a batch.
type FileResult struct {
	Filename     string `json:"filename"`
	Success      bool   `json:"success"`
	URL          string `json:"url,omitempty"`
	FileRecordID string `json:"fileRecordId,omitempty"`
	PageCount    int    `json:"pageCount,omitempty"`
	DocNumHint   string `json:"docNumHint,omitempty"`
	Error        string `json:"error,omitempty"`
}

// BatchResult aggregates a batch upload.
type BatchResult struct {
	Results      []FileResult `json:"results"`
	SuccessCount int          `json:"successCount"`
	FailureCount int          `json:"failureCount"`
}

var docNumPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(\d{6})$`),
	regexp.MustCompile(`^(\d{6})\.`),
	regexp.MustCompile(`(\d{6})`),
	regexp.MustCompile(`(\d{5,7})`),
}

// Submit stores each accepted file, records it unlinked, and schedules an
// extraction notification. A rejected file does not stop the rest of the
// batch. The returned error is set only when nothing was submitted or every
// file was structurally invalid; storage failures stay per-file.
func (a *App) Submit(ctx context.Context, uploader domain.Uploader, uploads []Upload) (BatchResult, error) {
	if len(uploads) == 0 {
		return BatchResult{}, ErrNoFiles
	}
	if strings.TrimSpace(uploader.ID) == "" {
		uploader = domain.AnonymousUploader()
	}
	res := BatchResult{Results: make([]FileResult, 0, len(uploads))}
	invalid, wrongType := 0, 0
	for _, up := range uploads {
		fr, err := a.submitOne(ctx, uploader, up)
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				invalid++
			}
			if errors.Is(err, ErrInvalidFileType) {
				wrongType++
			}
			fr.Success = false
			fr.Error = err.Error()
			res.FailureCount++
			a.logger.Warn("upload rejected", "filename", up.Filename, "err", err)
		} else {
			res.SuccessCount++
		}
		res.Results = append(res.Results, fr)
	}
	switch len(uploads) {
	case wrongType:
		return res, ErrInvalidFileType
	case invalid:
		return res, ErrInvalidUpload
	}
	return res, nil
}

func (a *App) submitOne(ctx context.Context, uploader domain.Uploader, up Upload) (FileResult, error) {
	original := strings.TrimSpace(up.Filename)
	fr := FileResult{Filename: original}
	contentType := resolveContentType(up.ContentType, original)
	if !acceptedMediaType(contentType) {
		return fr, ErrInvalidFileType
	}
	if up.Body == nil {
		return fr, invalidRequest("file %q has no content", original)
	}
	data, err := io.ReadAll(up.Body)
	if err != nil {
		return fr, invalidRequest("read %q: %v", original, err)
	}
	if len(data) == 0 {
		return fr, invalidRequest("file %q is empty", original)
	}

	name := normalizeFilename(original)
	key := a.prefix + strconv.FormatInt(a.nextStamp(), 10) + "-" + name
	if err := a.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return fr, fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	url, err := a.objects.URL(ctx, key)
	if err != nil {
		_ = a.objects.Delete(ctx, key)
		return fr, fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}

	pages := 0
	if strings.Contains(contentType, "pdf") {
		pages = pdfPageCount(data)
	}
	rec, err := a.store.CreateFile(ctx, domain.FileRecord{
		ID:           uuid.NewString(),
		StoragePath:  key,
		FileName:     path.Base(key),
		OriginalName: original,
		PublicURL:    url,
		ContentType:  contentType,
		SizeBytes:    int64(len(data)),
		PageCount:    pages,
		UploaderID:   uploader.ID,
		UploaderName: uploader.Name,
		CreatedAt:    a.now(),
	})
	if err != nil {
		_ = a.objects.Delete(ctx, key)
		return fr, fmt.Errorf("save file record: %w", err)
	}

	fr.Success = true
	fr.URL = url
	fr.FileRecordID = rec.ID
	fr.PageCount = pages
	fr.DocNumHint = DocNumHint(original)
	a.scheduleExtraction(rec, data)
	return fr, nil
}

// scheduleExtraction hands the file to the dispatcher when one is
// configured, else notifies the workflow directly.
func (a *App) scheduleExtraction(rec domain.FileRecord, data []byte) {
	if a.dispatcher != nil {
		a.goNotify(rec.ID, func(ctx context.Context) error {
			return a.dispatcher.Enqueue(ctx, rec.ID)
		})
		return
	}
	req := a.buildRequest(rec)
	if a.includeContent && data != nil && int64(len(data)) <= a.maxContentBytes {
		req.FileContent = base64.StdEncoding.EncodeToString(data)
		req.FileContentType = rec.ContentType
	}
	a.goNotify(rec.ID, func(ctx context.Context) error {
		return a.notifier.Notify(ctx, req)
	})
}

func (a *App) buildRequest(rec domain.FileRecord) extraction.Request {
	return extraction.Request{
		FileID:           rec.ID,
		Filename:         rec.FileName,
		OriginalFilename: rec.OriginalName,
		FileURL:          rec.PublicURL,
		FileType:         rec.ContentType,
		FileSize:         rec.SizeBytes,
		PageCount:        rec.PageCount,
		DocNumHint:       DocNumHint(rec.OriginalName),
		Timestamp:        a.now(),
		Storage: extraction.StorageRef{
			Bucket:    a.objects.Bucket(),
			Path:      rec.StoragePath,
			PublicURL: rec.PublicURL,
		},
		ProcessType: extraction.ProcessTypeInvoiceOCR,
		Source:      a.source,
		CallbackURL: a.callbackURL,
	}
}

// nextStamp returns a millisecond timestamp strictly greater than any
// previously returned one.
func (a *App) nextStamp() int64 {
	for {
		last := a.lastStamp.Load()
		next := a.now().UnixMilli()
		if next <= last {
			next = last + 1
		}
		if a.lastStamp.CompareAndSwap(last, next) {
			return next
		}
	}
}

// DocNumHint guesses a document number from a filename such as
// "123456.pdf" or "INV-123456 scan.pdf".
func DocNumHint(filename string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), `\`, "/"))
	for _, re := range docNumPatterns {
		if m := re.FindStringSubmatch(base); len(m) > 1 {
			return m[1]
		}
	}
	return ""
}

func normalizeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(strings.TrimSpace(name))
	if name == "." || name == "/" {
		name = ""
	}
	name = strings.Join(strings.Fields(name), "_")
	if name == "" {
		return "file"
	}
	return name
}

func resolveContentType(declared, filename string) string {
	ct := strings.ToLower(strings.TrimSpace(declared))
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	if ct == "" || ct == "application/octet-stream" {
		if byExt := mime.TypeByExtension(strings.ToLower(path.Ext(filename))); byExt != "" {
			if mt, _, err := mime.ParseMediaType(byExt); err == nil {
				return mt
			}
			return byExt
		}
	}
	return ct
}

func acceptedMediaType(ct string) bool {
	return strings.Contains(ct, "pdf") || strings.HasPrefix(ct, "image/")
}

func pdfPageCount(data []byte) (pages int) {
	defer func() {
		if recover() != nil {
			pages = 0
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0
	}
	return reader.NumPage()
}
