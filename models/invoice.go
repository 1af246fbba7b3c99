package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/retailpos_backend/config"
	"github.com/mmdatafocus/retailpos_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Invoice is created exactly once per fulfilled order, in the same atomic
// step that consumes stock. Number is sequential within a fiscal-year prefix
// and enforced unique by the store.
type Invoice struct {
	ID            int             `gorm:"primary_key" json:"id"`
	OrderId       int             `gorm:"uniqueIndex;not null" json:"order_id"`
	Number        string          `gorm:"size:30;uniqueIndex;not null" json:"number"`
	SequenceNo    int64           `gorm:"not null" json:"sequence_no"`
	Subtotal      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"subtotal"`
	Tax           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"tax"`
	RoundOff      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"round_off"`
	Grand         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"grand"`
	DocumentBytes []byte          `gorm:"type:mediumblob" json:"-"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

const (
	// Fiscal year runs April through March.
	fiscalYearStartMonth = time.April

	invoiceNumberPad = 5

	allocateRetryBudget = 5
)

// FiscalYearPrefix returns the invoice prefix for the fiscal year containing
// t, e.g. "INV-202526" for any date from 2025-04-01 through 2026-03-31.
func FiscalYearPrefix(t time.Time) string {
	startYear := t.Year()
	if t.Month() < fiscalYearStartMonth {
		startYear--
	}
	return fmt.Sprintf("INV-%d%02d", startYear, (startYear+1)%100)
}

// NextInvoiceNumber formats the successor of seq under prefix. The sequence
// is zero-padded for readability; past the pad width the number simply grows
// a digit.
func NextInvoiceNumber(prefix string, seq int64) string {
	return fmt.Sprintf("%s-%0*d", prefix, invoiceNumberPad, seq+1)
}

// maxSequenceForPrefix finds the highest allocated sequence in the fiscal
// year. Compared on the numeric sequence column: a lexical MAX over the
// number string would go wrong once sequences outgrow the pad width
// ("-99999" sorts above "-100000").
func maxSequenceForPrefix(tx *gorm.DB, prefix string) (int64, error) {
	var seq int64
	err := tx.Model(&Invoice{}).
		Where("number LIKE ?", prefix+"-%").
		Select("COALESCE(MAX(sequence_no), 0)").
		Scan(&seq).Error
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func isDuplicateKeyError(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// CreateInvoiceWithNumber allocates the next invoice number and inserts the
// row on the given transaction. On a duplicate-key collision (a concurrent
// fulfillment grabbed the same candidate) it recomputes and retries, bounded
// by a small budget, before surfacing a ConcurrencyConflict.
func CreateInvoiceWithNumber(tx *gorm.DB, inv *Invoice, at time.Time) error {
	prefix := FiscalYearPrefix(at)

	for attempt := 1; attempt <= allocateRetryBudget; attempt++ {
		seq, err := maxSequenceForPrefix(tx, prefix)
		if err != nil {
			return err
		}
		inv.ID = 0
		inv.SequenceNo = seq + 1
		inv.Number = NextInvoiceNumber(prefix, seq)

		err = tx.Create(inv).Error
		if err == nil {
			return nil
		}
		if !isDuplicateKeyError(err) {
			return err
		}
	}
	return &utils.ConcurrencyConflict{Op: "allocate invoice number", Attempts: allocateRetryBudget}
}

// AllocateInvoiceNumber previews the next number in the current fiscal year.
// Fulfillment allocates through CreateInvoiceWithNumber; this exists for
// operational visibility only.
func AllocateInvoiceNumber(ctx context.Context) (string, error) {
	db := config.GetDB()
	prefix := FiscalYearPrefix(time.Now())
	seq, err := maxSequenceForPrefix(db.WithContext(ctx), prefix)
	if err != nil {
		return "", err
	}
	return NextInvoiceNumber(prefix, seq), nil
}

func GetInvoice(ctx context.Context, id int) (*Invoice, error) {
	inv, err := utils.FetchModel[Invoice](ctx, id)
	if err != nil {
		return nil, &utils.NotFoundError{Resource: "invoice", Id: id}
	}
	return inv, nil
}

func GetInvoiceByOrderId(ctx context.Context, orderId int) (*Invoice, error) {
	db := config.GetDB()
	var inv Invoice
	err := db.WithContext(ctx).Where("order_id = ?", orderId).First(&inv).Error
	if err != nil {
		return nil, &utils.NotFoundError{Resource: "invoice for order", Id: orderId}
	}
	return &inv, nil
}

// SaveInvoiceDocument persists rendered document bytes after commit. A
// failure here never rolls back the sale; the document can be regenerated.
func SaveInvoiceDocument(ctx context.Context, invoiceId int, doc []byte) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&Invoice{}).
		Where("id = ?", invoiceId).
		Update("DocumentBytes", doc).Error
}
