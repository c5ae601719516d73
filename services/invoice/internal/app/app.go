package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"invoicedesk/pkg/extraction"
	"invoicedesk/pkg/storage"
	"invoicedesk/pkg/store"
)

const (
	defaultStoragePrefix   = "uploads/"
	defaultPageSize        = 6
	defaultMaxContentBytes = 20 << 20
	notifyTimeout          = 60 * time.Second
)

// Config is injected by main. Every client the app talks to is passed in
// explicitly.
type Config struct {
	Store   store.Store
	Objects storage.ObjectStore
	// Notifier receives extraction requests directly when Dispatcher is nil.
	Notifier extraction.Notifier
	// Dispatcher, when set, hands files to the dispatcher service instead.
	Dispatcher DispatchClient

	StoragePrefix      string
	PageSize           int
	IncludeFileContent bool
	MaxContentBytes    int64
	CallbackURL        string
	Source             string
	Logger             *slog.Logger
}

// App implements upload reconciliation, invoice queries and mutations.
type App struct {
	store      store.Store
	objects    storage.ObjectStore
	notifier   extraction.Notifier
	dispatcher DispatchClient
	logger     *slog.Logger

	prefix          string
	pageSize        int
	includeContent  bool
	maxContentBytes int64
	callbackURL     string
	source          string

	now       func() time.Time
	lastStamp atomic.Int64
	pending   sync.WaitGroup
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = extraction.NopNotifier{}
	}
	prefix := strings.TrimLeft(strings.TrimSpace(cfg.StoragePrefix), "/")
	if prefix == "" {
		prefix = defaultStoragePrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	maxContent := cfg.MaxContentBytes
	if maxContent <= 0 {
		maxContent = defaultMaxContentBytes
	}
	source := strings.TrimSpace(cfg.Source)
	if source == "" {
		source = "invoicedesk"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		store:           cfg.Store,
		objects:         cfg.Objects,
		notifier:        notifier,
		dispatcher:      cfg.Dispatcher,
		logger:          logger,
		prefix:          prefix,
		pageSize:        pageSize,
		includeContent:  cfg.IncludeFileContent,
		maxContentBytes: maxContent,
		callbackURL:     strings.TrimSpace(cfg.CallbackURL),
		source:          source,
		now:             func() time.Time { return time.Now().UTC() },
	}, nil
}

// Wait blocks until every in-flight extraction notification has finished.
func (a *App) Wait() {
	a.pending.Wait()
}

// PageSize is the number of rows per invoice page.
func (a *App) PageSize() int {
	return a.pageSize
}

// goNotify runs fn detached from the request context. Failures are logged
// and never reach the caller.
func (a *App) goNotify(fileID string, fn func(context.Context) error) {
	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			a.logger.Warn("extraction notify failed", "file_id", fileID, "err", err)
			return
		}
		a.logger.Info("extraction notified", "file_id", fileID)
	}()
}
