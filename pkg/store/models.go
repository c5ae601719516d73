package store

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"invoicedesk/pkg/domain"
)

type InvoiceModel struct {
	DocNum          string `gorm:"primaryKey"`
	UUID            string `gorm:"uniqueIndex;not null"`
	CustomerName    string `gorm:"not null;index"`
	CustomerAddress string
	CustomerCode    string `gorm:"index"`
	VendorName      string `gorm:"index"`
	VendorAddress   string
	VendorCode      string
	DocDate         time.Time `gorm:"not null;index"`
	DueDate         *time.Time
	DeliveryDate    *time.Time
	TotalBeforeTax  decimal.NullDecimal `gorm:"type:numeric(14,2)"`
	TotalWithTax    decimal.NullDecimal `gorm:"type:numeric(14,2)"`
	Status          string              `gorm:"not null"`
	PDFURL          string
	PDFFilename     string
	ExtractionData  datatypes.JSON
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

type LineItemModel struct {
	ID          uint   `gorm:"primaryKey"`
	DocNum      string `gorm:"not null;uniqueIndex:idx_line_item_doc_line"`
	LineNo      int    `gorm:"not null;uniqueIndex:idx_line_item_doc_line"`
	ItemCode    string
	Description string          `gorm:"not null"`
	Category    string          `gorm:"index"`
	Quantity    decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	UnitPrice   decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	Tax         string
	Amount      decimal.Decimal `gorm:"type:numeric(14,2);not null"`
}

type FileModel struct {
	ID            uint   `gorm:"primaryKey"`
	UUID          string `gorm:"uniqueIndex;not null"`
	StoragePath   string `gorm:"not null"`
	FileName      string `gorm:"not null"`
	OriginalName  string `gorm:"not null"`
	PublicURL     string `gorm:"not null"`
	ContentType   string
	SizeBytes     int64
	PageCount     int
	UploaderID    string `gorm:"index"`
	UploaderName  string
	InvoiceDocNum *string   `gorm:"index"`
	CreatedAt     time.Time `gorm:"not null;index"`
}

func invoiceToModel(h domain.InvoiceHeader) InvoiceModel {
	return InvoiceModel{
		DocNum:          h.DocNum,
		UUID:            h.UUID,
		CustomerName:    h.CustomerName,
		CustomerAddress: h.CustomerAddress,
		CustomerCode:    h.CustomerCode,
		VendorName:      h.VendorName,
		VendorAddress:   h.VendorAddress,
		VendorCode:      h.VendorCode,
		DocDate:         h.DocDate,
		DueDate:         h.DueDate,
		DeliveryDate:    h.DeliveryDate,
		TotalBeforeTax:  h.TotalBeforeTax,
		TotalWithTax:    h.TotalWithTax,
		Status:          string(h.Status),
		PDFURL:          h.PDFURL,
		PDFFilename:     h.PDFFilename,
		ExtractionData:  datatypes.JSON(h.ExtractionData),
		CreatedAt:       h.CreatedAt,
		UpdatedAt:       h.UpdatedAt,
	}
}

func invoiceFromModel(m InvoiceModel) domain.InvoiceHeader {
	var extraction []byte
	if len(m.ExtractionData) > 0 {
		extraction = []byte(m.ExtractionData)
	}
	return domain.InvoiceHeader{
		DocNum:          m.DocNum,
		UUID:            m.UUID,
		CustomerName:    m.CustomerName,
		CustomerAddress: m.CustomerAddress,
		CustomerCode:    m.CustomerCode,
		VendorName:      m.VendorName,
		VendorAddress:   m.VendorAddress,
		VendorCode:      m.VendorCode,
		DocDate:         m.DocDate,
		DueDate:         m.DueDate,
		DeliveryDate:    m.DeliveryDate,
		TotalBeforeTax:  m.TotalBeforeTax,
		TotalWithTax:    m.TotalWithTax,
		Status:          domain.InvoiceStatus(m.Status),
		PDFURL:          m.PDFURL,
		PDFFilename:     m.PDFFilename,
		ExtractionData:  extraction,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func lineItemToModel(docNum string, it domain.LineItem) LineItemModel {
	return LineItemModel{
		DocNum:      docNum,
		LineNo:      it.LineNo,
		ItemCode:    it.ItemCode,
		Description: it.Description,
		Category:    it.Category,
		Quantity:    it.Quantity,
		UnitPrice:   it.UnitPrice,
		Tax:         it.Tax,
		Amount:      it.Amount,
	}
}

func lineItemFromModel(m LineItemModel) domain.LineItem {
	return domain.LineItem{
		DocNum:      m.DocNum,
		LineNo:      m.LineNo,
		ItemCode:    m.ItemCode,
		Description: m.Description,
		Category:    m.Category,
		Quantity:    m.Quantity,
		UnitPrice:   m.UnitPrice,
		Tax:         m.Tax,
		Amount:      m.Amount,
	}
}

func fileToModel(f domain.FileRecord) FileModel {
	return FileModel{
		UUID:          f.ID,
		StoragePath:   f.StoragePath,
		FileName:      f.FileName,
		OriginalName:  f.OriginalName,
		PublicURL:     f.PublicURL,
		ContentType:   f.ContentType,
		SizeBytes:     f.SizeBytes,
		PageCount:     f.PageCount,
		UploaderID:    f.UploaderID,
		UploaderName:  f.UploaderName,
		InvoiceDocNum: f.InvoiceDocNum,
		CreatedAt:     f.CreatedAt,
	}
}

func fileFromModel(m FileModel) domain.FileRecord {
	return domain.FileRecord{
		ID:            m.UUID,
		StoragePath:   m.StoragePath,
		FileName:      m.FileName,
		OriginalName:  m.OriginalName,
		PublicURL:     m.PublicURL,
		ContentType:   m.ContentType,
		SizeBytes:     m.SizeBytes,
		PageCount:     m.PageCount,
		UploaderID:    m.UploaderID,
		UploaderName:  m.UploaderName,
		InvoiceDocNum: m.InvoiceDocNum,
		CreatedAt:     m.CreatedAt,
	}
}
