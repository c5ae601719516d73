package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"invoicedesk/internal/servicetoken"
	"invoicedesk/internal/util"
	"invoicedesk/pkg/extraction"
	"invoicedesk/pkg/queue"
)

const (
	defaultQueueName       = "invoicedesk:dispatch"
	defaultQueueGroup      = "dispatcher"
	defaultMaxContentBytes = 20 << 20
)

// ErrFileIDRequired rejects jobs without a file id.
var ErrFileIDRequired = errors.New("fileId required")

// Config holds runtime configuration.
type Config struct {
	InvoiceServiceURL string
	Signer            *servicetoken.Signer
	Notifier          extraction.Notifier

	// Queue overrides the Redis queue built from the fields below.
	Queue                  *queue.RedisJobQueue
	RedisAddr              string
	RedisPassword          string
	QueueName              string
	QueueGroup             string
	QueueConcurrency       int
	QueueMaxRetries        int
	QueueRetryDelaySeconds int

	IncludeFileContent bool
	MaxContentBytes    int64
	HTTPClient         *http.Client
	Logger             *slog.Logger
}

// App delivers extraction requests for uploaded files, retrying through the
// Redis stream until the workflow accepts them.
type App struct {
	queue           *queue.RedisJobQueue
	invoices        *invoiceClient
	notifier        extraction.Notifier
	httpClient      *http.Client
	includeContent  bool
	maxContentBytes int64
	concurrency     int
	logger          *slog.Logger
}

func New(cfg Config) (*App, error) {
	if strings.TrimSpace(cfg.InvoiceServiceURL) == "" {
		return nil, fmt.Errorf("invoice service URL required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("internal signer required")
	}
	if cfg.Notifier == nil {
		return nil, fmt.Errorf("extraction notifier required")
	}
	q := cfg.Queue
	if q == nil {
		var err error
		q, err = queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			Stream:     orString(cfg.QueueName, defaultQueueName),
			Group:      orString(cfg.QueueGroup, defaultQueueGroup),
			Consumer:   util.NewID(),
			MaxRetries: cfg.QueueMaxRetries,
			RetryDelay: time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	maxContent := cfg.MaxContentBytes
	if maxContent <= 0 {
		maxContent = defaultMaxContentBytes
	}
	concurrency := cfg.QueueConcurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		queue:           q,
		invoices:        newInvoiceClient(cfg.InvoiceServiceURL, cfg.Signer, nil),
		notifier:        cfg.Notifier,
		httpClient:      httpClient,
		includeContent:  cfg.IncludeFileContent,
		maxContentBytes: maxContent,
		concurrency:     concurrency,
		logger:          logger,
	}, nil
}

// Start launches the queue workers. They stop when ctx is cancelled.
func (a *App) Start(ctx context.Context) {
	a.queue.Start(ctx, a.concurrency, a.process)
}

// Close waits for in-flight jobs and releases the queue connection.
func (a *App) Close() error {
	a.queue.Wait()
	return a.queue.Close()
}

// Enqueue registers a dispatch job for a stored file.
func (a *App) Enqueue(ctx context.Context, fileID string) (queue.JobStatus, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return queue.JobStatus{}, ErrFileIDRequired
	}
	job, err := a.queue.Enqueue(ctx, fileID)
	if err != nil {
		return queue.JobStatus{}, err
	}
	a.logger.Info("dispatch job queued", "job_id", job.ID, "file_id", fileID)
	return job, nil
}

// GetJob returns a job by ID.
func (a *App) GetJob(ctx context.Context, id string) (queue.JobStatus, bool, error) {
	return a.queue.GetJob(ctx, id)
}

func (a *App) process(ctx context.Context, job queue.JobStatus) error {
	logger := a.logger.With("job_id", job.ID, "file_id", job.FileID, "attempt", job.Attempts)
	req, err := a.invoices.ExtractionRequest(ctx, job.FileID)
	if err != nil {
		logger.Warn("fetch extraction request failed", "err", err)
		return err
	}
	if a.includeContent {
		a.attachContent(ctx, logger, &req)
	}
	if err := a.notifier.Notify(ctx, req); err != nil {
		logger.Warn("deliver extraction request failed", "err", err)
		return err
	}
	logger.Info("extraction request delivered")
	return nil
}

// attachContent inlines the file as base64. Files that cannot be fetched or
// exceed the limit are sent by URL only.
func (a *App) attachContent(ctx context.Context, logger *slog.Logger, req *extraction.Request) {
	if req.FileURL == "" || (req.FileSize > 0 && req.FileSize > a.maxContentBytes) {
		return
	}
	data, err := a.download(ctx, req.FileURL)
	if err != nil {
		logger.Warn("download file content failed", "err", err)
		return
	}
	if data == nil {
		logger.Info("file content over limit, sending url only", "limit", a.maxContentBytes)
		return
	}
	req.FileContent = base64.StdEncoding.EncodeToString(data)
	req.FileContentType = req.FileType
}

func (a *App) download(ctx context.Context, fileURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("download status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, a.maxContentBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > a.maxContentBytes {
		return nil, nil
	}
	return data, nil
}

func orString(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
