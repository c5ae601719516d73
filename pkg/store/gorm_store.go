package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"invoicedesk/pkg/domain"
)

const migrateLockID int64 = 58310442

// GormStore implements Store using GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens Postgres and runs auto-migrations under an advisory lock.
func NewGormStore(dsn string) (*GormStore, error) {
	return OpenGormStore(postgres.Open(dsn))
}

// OpenGormStore opens a store on any GORM dialector. Postgres gets the
// migration lock and foreign keys; other dialects only get AutoMigrate.
func OpenGormStore(dialector gorm.Dialector) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if db.Dialector.Name() != "postgres" {
		if err := db.AutoMigrate(&InvoiceModel{}, &LineItemModel{}, &FileModel{}); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
		return &GormStore{db: db}, nil
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&InvoiceModel{}, &LineItemModel{}, &FileModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				UPDATE file_models f SET invoice_doc_num = NULL
				WHERE f.invoice_doc_num IS NOT NULL
				  AND NOT EXISTS (SELECT 1 FROM invoice_models i WHERE i.doc_num = f.invoice_doc_num);
				DELETE FROM line_item_models l
				WHERE NOT EXISTS (SELECT 1 FROM invoice_models i WHERE i.doc_num = l.doc_num);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'line_item_models'
					AND constraint_name = 'line_item_models_doc_num_fkey'
				) THEN
					ALTER TABLE line_item_models
					ADD CONSTRAINT line_item_models_doc_num_fkey
					FOREIGN KEY (doc_num) REFERENCES invoice_models(doc_num) ON DELETE CASCADE ON UPDATE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'file_models'
					AND constraint_name = 'file_models_invoice_doc_num_fkey'
				) THEN
					ALTER TABLE file_models
					ADD CONSTRAINT file_models_invoice_doc_num_fkey
					FOREIGN KEY (invoice_doc_num) REFERENCES invoice_models(doc_num) ON DELETE SET NULL ON UPDATE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure invoice foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// DB exposes the underlying handle for pool tuning.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// CreateFile inserts a new, normally unlinked, file record.
func (s *GormStore) CreateFile(ctx context.Context, f domain.FileRecord) (domain.FileRecord, error) {
	model := fileToModel(f)
	if model.UUID == "" {
		model.UUID = uuid.NewString()
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.FileRecord{}, translate(err)
	}
	return fileFromModel(model), nil
}

// GetFile looks up a file record by its UUID.
func (s *GormStore) GetFile(ctx context.Context, id string) (domain.FileRecord, bool, error) {
	var model FileModel
	if err := s.db.WithContext(ctx).First(&model, "uuid = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.FileRecord{}, false, nil
		}
		return domain.FileRecord{}, false, err
	}
	return fileFromModel(model), true, nil
}

// LinkFile points a file record at an invoice.
func (s *GormStore) LinkFile(ctx context.Context, id, docNum string) error {
	res := s.db.WithContext(ctx).Model(&FileModel{}).
		Where("uuid = ?", id).
		Update("invoice_doc_num", docNum)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFiles returns file records, newest first.
func (s *GormStore) ListFiles(ctx context.Context, filter FileFilter) ([]domain.FileRecord, error) {
	tx := s.db.WithContext(ctx).Model(&FileModel{})
	if filter.DocNum != "" {
		tx = tx.Where("invoice_doc_num = ?", filter.DocNum)
	}
	if filter.Linked != nil {
		if *filter.Linked {
			tx = tx.Where("invoice_doc_num IS NOT NULL AND invoice_doc_num <> ''")
		} else {
			tx = tx.Where("invoice_doc_num IS NULL OR invoice_doc_num = ''")
		}
	}
	if filter.Limit > 0 {
		tx = tx.Limit(filter.Limit)
	}
	var models []FileModel
	if err := tx.Order("created_at DESC").Order("id DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.FileRecord, 0, len(models))
	for _, m := range models {
		res = append(res, fileFromModel(m))
	}
	return res, nil
}

// GetInvoice returns one invoice header by document number.
func (s *GormStore) GetInvoice(ctx context.Context, docNum string) (domain.InvoiceHeader, bool, error) {
	var model InvoiceModel
	if err := s.db.WithContext(ctx).First(&model, "doc_num = ?", docNum).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.InvoiceHeader{}, false, nil
		}
		return domain.InvoiceHeader{}, false, err
	}
	return invoiceFromModel(model), true, nil
}

// CreateInvoice inserts a header and its items atomically. A duplicate
// document number yields ErrConflict.
func (s *GormStore) CreateInvoice(ctx context.Context, h domain.InvoiceHeader, items []domain.LineItem) error {
	model := invoiceToModel(h)
	if model.UUID == "" {
		model.UUID = uuid.NewString()
	}
	now := time.Now().UTC()
	if model.CreatedAt.IsZero() {
		model.CreatedAt = now
	}
	if model.UpdatedAt.IsZero() {
		model.UpdatedAt = now
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		return insertItems(tx, h.DocNum, items)
	})
	return translate(err)
}

// UpdateInvoiceHeader overwrites every header column except the keys.
func (s *GormStore) UpdateInvoiceHeader(ctx context.Context, h domain.InvoiceHeader) error {
	return updateHeader(s.db.WithContext(ctx), h)
}

// ReplaceInvoice overwrites the header and fully replaces its line items in
// one transaction.
func (s *GormStore) ReplaceInvoice(ctx context.Context, h domain.InvoiceHeader, items []domain.LineItem) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := updateHeader(tx, h); err != nil {
			return err
		}
		if err := tx.Delete(&LineItemModel{}, "doc_num = ?", h.DocNum).Error; err != nil {
			return err
		}
		return insertItems(tx, h.DocNum, items)
	})
}

// DeleteInvoice removes items and header, clearing the link on every file
// that referenced the invoice. Files themselves are kept.
func (s *GormStore) DeleteInvoice(ctx context.Context, docNum string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&LineItemModel{}, "doc_num = ?", docNum).Error; err != nil {
			return err
		}
		if err := tx.Model(&FileModel{}).
			Where("invoice_doc_num = ?", docNum).
			Update("invoice_doc_num", nil).Error; err != nil {
			return err
		}
		res := tx.Delete(&InvoiceModel{}, "doc_num = ?", docNum)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetInvoiceStatus writes only the status column.
func (s *GormStore) SetInvoiceStatus(ctx context.Context, docNum string, status domain.InvoiceStatus) error {
	res := s.db.WithContext(ctx).Model(&InvoiceModel{}).
		Where("doc_num = ?", docNum).
		Updates(map[string]any{
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListInvoiceItems returns the items of one invoice in line order.
func (s *GormStore) ListInvoiceItems(ctx context.Context, docNum string) ([]domain.LineItem, error) {
	var models []LineItemModel
	if err := s.db.WithContext(ctx).
		Where("doc_num = ?", docNum).
		Order("line_no ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.LineItem, 0, len(models))
	for _, m := range models {
		items = append(items, lineItemFromModel(m))
	}
	return items, nil
}

// SearchInvoices matches the query case-insensitively against customer
// name, document number and vendor name, newest document date first.
func (s *GormStore) SearchInvoices(ctx context.Context, search InvoiceSearch) ([]domain.InvoiceHeader, error) {
	tx := s.db.WithContext(ctx).Model(&InvoiceModel{})
	if q := strings.ToLower(strings.TrimSpace(search.Query)); q != "" {
		like := "%" + escapeLike(q) + "%"
		tx = tx.Where(`(LOWER(customer_name) LIKE ? ESCAPE '\' OR LOWER(doc_num) LIKE ? ESCAPE '\' OR LOWER(vendor_name) LIKE ? ESCAPE '\')`, like, like, like)
	}
	switch search.Status {
	case domain.DisplayPaid:
		tx = tx.Where("LOWER(COALESCE(status, '')) IN ?", domain.PaidSpellings())
	case domain.DisplayPending:
		tx = tx.Where("LOWER(COALESCE(status, '')) NOT IN ?", domain.PaidSpellings())
	}
	var models []InvoiceModel
	if err := tx.Order("doc_date DESC").Order("doc_num DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	return invoicesFromModels(models), nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes q match literally inside a LIKE pattern with ESCAPE '\'.
func escapeLike(q string) string {
	return likeEscaper.Replace(q)
}

// LatestInvoices returns the most recent invoices by document date.
func (s *GormStore) LatestInvoices(ctx context.Context, limit int) ([]domain.InvoiceHeader, error) {
	if limit <= 0 {
		limit = 5
	}
	var models []InvoiceModel
	if err := s.db.WithContext(ctx).
		Order("doc_date DESC").
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	return invoicesFromModels(models), nil
}

// InvoiceStats computes the dashboard card figures in one query.
func (s *GormStore) InvoiceStats(ctx context.Context) (domain.InvoiceStats, error) {
	var row struct {
		InvoiceCount  int64
		PaidCount     int64
		CustomerCount int64
		Revenue       decimal.NullDecimal
	}
	if err := s.db.WithContext(ctx).Model(&InvoiceModel{}).Select(`
		COUNT(*) AS invoice_count,
		COALESCE(SUM(CASE WHEN LOWER(COALESCE(status, '')) IN ('done', 'paid') THEN 1 ELSE 0 END), 0) AS paid_count,
		COUNT(DISTINCT LOWER(customer_name)) AS customer_count,
		SUM(COALESCE(total_with_tax, total_before_tax, 0)) AS revenue
	`).Scan(&row).Error; err != nil {
		return domain.InvoiceStats{}, err
	}
	stats := domain.InvoiceStats{
		InvoiceCount:  int(row.InvoiceCount),
		PaidCount:     int(row.PaidCount),
		PendingCount:  int(row.InvoiceCount - row.PaidCount),
		CustomerCount: int(row.CustomerCount),
		TotalRevenue:  decimal.Zero,
	}
	if row.Revenue.Valid {
		stats.TotalRevenue = row.Revenue.Decimal
	}
	return stats, nil
}

// CategoryTotals sums line item amounts per category.
func (s *GormStore) CategoryTotals(ctx context.Context) ([]domain.CategoryTotal, error) {
	const categoryExpr = "COALESCE(NULLIF(category, ''), 'Uncategorized')"
	var rows []struct {
		Category string
		Total    decimal.Decimal
	}
	if err := s.db.WithContext(ctx).Model(&LineItemModel{}).
		Select(categoryExpr + " AS category, SUM(amount) AS total").
		Group(categoryExpr).
		Order("total DESC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	totals := make([]domain.CategoryTotal, 0, len(rows))
	for _, r := range rows {
		totals = append(totals, domain.CategoryTotal{Category: r.Category, Total: r.Total})
	}
	return totals, nil
}

// ListCustomers returns distinct customers ordered by name.
func (s *GormStore) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	var rows []struct {
		CustomerCode    string
		CustomerName    string
		CustomerAddress string
	}
	if err := s.db.WithContext(ctx).Model(&InvoiceModel{}).
		Select("customer_code, customer_name, MAX(customer_address) AS customer_address").
		Group("customer_code, customer_name").
		Order("customer_name ASC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	customers := make([]domain.Customer, 0, len(rows))
	for _, r := range rows {
		customers = append(customers, domain.Customer{
			Code:    r.CustomerCode,
			Name:    r.CustomerName,
			Address: r.CustomerAddress,
		})
	}
	return customers, nil
}

func updateHeader(tx *gorm.DB, h domain.InvoiceHeader) error {
	model := invoiceToModel(h)
	if model.UpdatedAt.IsZero() {
		model.UpdatedAt = time.Now().UTC()
	}
	res := tx.Model(&InvoiceModel{}).
		Where("doc_num = ?", h.DocNum).
		Select("*").
		Omit("doc_num", "uuid", "created_at").
		Updates(&model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func insertItems(tx *gorm.DB, docNum string, items []domain.LineItem) error {
	if len(items) == 0 {
		return nil
	}
	models := make([]LineItemModel, 0, len(items))
	for _, it := range items {
		models = append(models, lineItemToModel(docNum, it))
	}
	return tx.CreateInBatches(&models, 200).Error
}

func invoicesFromModels(models []InvoiceModel) []domain.InvoiceHeader {
	res := make([]domain.InvoiceHeader, 0, len(models))
	for _, m := range models {
		res = append(res, invoiceFromModel(m))
	}
	return res
}
