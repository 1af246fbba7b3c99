package models

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/retailpos_backend/config"
	"github.com/mmdatafocus/retailpos_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StockLedgerEntry is one immutable, signed stock movement. The ledger is the
// only durable source of truth for stock: current stock for a product is
// always SUM(delta_pieces) over its entries. Corrections are appended as
// "adjust" entries, never edited in place.
type StockLedgerEntry struct {
	ID            int             `gorm:"primary_key" json:"id"`
	ProductId     int             `gorm:"index;not null" json:"product_id"`
	DeltaPieces   int64           `gorm:"not null" json:"delta_pieces"`
	UnitCostPiece decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_cost_piece"`
	SourceType    StockSourceType `gorm:"type:enum('purchase','sale','adjust');not null;index" json:"source_type"`
	SourceId      string          `gorm:"size:100;index" json:"source_id"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

// BeforeSave enforces ledger sign invariants.
//
// FIFO layer queries classify rows by source_type and sign. A purchase row
// with a non-positive delta, or a sale row with a non-negative delta, would
// make the layer walk misattribute cost.
func (e *StockLedgerEntry) BeforeSave(tx *gorm.DB) error {
	_ = tx // signature required by gorm; tx may be nil in tests
	if e == nil {
		return nil
	}
	switch e.SourceType {
	case StockSourcePurchase:
		if e.DeltaPieces <= 0 {
			return fmt.Errorf("purchase entry must have positive delta, got %d", e.DeltaPieces)
		}
	case StockSourceSale:
		if e.DeltaPieces >= 0 {
			return fmt.Errorf("sale entry must have negative delta, got %d", e.DeltaPieces)
		}
	case StockSourceAdjust:
		// adjustments may carry either sign
	default:
		return fmt.Errorf("unknown source type %q", e.SourceType)
	}
	return nil
}

// CurrentStockPieces derives the live stock level for one product from the
// ledger. Runs on the given tx so fulfillment can re-check inside its
// transaction.
func CurrentStockPieces(tx *gorm.DB, productId int) (int64, error) {
	var total int64
	err := tx.Model(&StockLedgerEntry{}).
		Where("product_id = ?", productId).
		Select("COALESCE(SUM(delta_pieces), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

// AggregateStockPieces batches the ledger sum for many products in one
// GROUP BY query. Products with no entries are returned as 0.
func AggregateStockPieces(tx *gorm.DB, productIds []int) (map[int]int64, error) {
	totals := make(map[int]int64, len(productIds))
	for _, id := range productIds {
		totals[id] = 0
	}
	if len(productIds) == 0 {
		return totals, nil
	}

	type row struct {
		ProductId int
		Total     int64
	}
	var rows []row
	err := tx.Model(&StockLedgerEntry{}).
		Where("product_id IN ?", productIds).
		Select("product_id, COALESCE(SUM(delta_pieces), 0) AS total").
		Group("product_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		totals[r.ProductId] = r.Total
	}
	return totals, nil
}

// GetPurchaseLayers loads the purchase history for a product oldest-first.
// Each row is one FIFO cost layer.
func GetPurchaseLayers(tx *gorm.DB, productId int) ([]*StockLedgerEntry, error) {
	var layers []*StockLedgerEntry
	err := tx.Model(&StockLedgerEntry{}).
		Where("product_id = ? AND source_type = ? AND delta_pieces > 0", productId, StockSourcePurchase).
		Order("created_at, id").
		Find(&layers).Error
	if err != nil {
		return nil, err
	}
	return layers, nil
}

// defaultSourceId fills a caller-omitted source reference so every ledger
// entry stays traceable to something.
func defaultSourceId(s string) string {
	if strings.TrimSpace(s) != "" {
		return s
	}
	return uuid.NewString()
}

type NewPurchase struct {
	ProductId int             `json:"product_id" binding:"required"`
	Pieces    int64           `json:"pieces" binding:"required,gt=0"`
	UnitCost  decimal.Decimal `json:"unit_cost" binding:"required"`
	SourceId  string          `json:"source_id"`
}

// PostPurchase appends one positive purchase layer to the ledger and
// invalidates derived read views. The inventory cache is force-refreshed by
// the caller after commit.
func PostPurchase(ctx context.Context, input *NewPurchase) (*StockLedgerEntry, error) {

	if input.Pieces <= 0 {
		return nil, utils.NewValidationError("pieces", "must be positive")
	}
	if input.UnitCost.IsNegative() {
		return nil, utils.NewValidationError("unit_cost", "must not be negative")
	}
	if _, err := utils.FetchModel[Product](ctx, input.ProductId); err != nil {
		return nil, &utils.NotFoundError{Resource: "product", Id: input.ProductId}
	}

	entry := StockLedgerEntry{
		ProductId:     input.ProductId,
		DeltaPieces:   input.Pieces,
		UnitCostPiece: input.UnitCost,
		SourceType:    StockSourcePurchase,
		SourceId:      defaultSourceId(input.SourceId),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, err
	}

	_ = utils.InvalidateProductViews(ctx, []int{input.ProductId})

	return &entry, nil
}

type NewAdjustment struct {
	ProductId   int    `json:"product_id" binding:"required"`
	DeltaPieces int64  `json:"delta_pieces" binding:"required"`
	SourceId    string `json:"source_id"`
	Reason      string `json:"reason"`
}

// PostAdjustment appends a signed correction entry. A negative adjustment may
// not drive the product's ledger sum below zero.
func PostAdjustment(ctx context.Context, input *NewAdjustment) (*StockLedgerEntry, error) {

	if input.DeltaPieces == 0 {
		return nil, utils.NewValidationError("delta_pieces", "must not be zero")
	}
	if _, err := utils.FetchModel[Product](ctx, input.ProductId); err != nil {
		return nil, &utils.NotFoundError{Resource: "product", Id: input.ProductId}
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}

	if input.DeltaPieces < 0 {
		current, err := CurrentStockPieces(tx, input.ProductId)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if current+input.DeltaPieces < 0 {
			tx.Rollback()
			return nil, utils.NewValidationError("delta_pieces", "adjustment would drive stock negative")
		}
	}

	entry := StockLedgerEntry{
		ProductId:   input.ProductId,
		DeltaPieces: input.DeltaPieces,
		SourceType:  StockSourceAdjust,
		SourceId:    defaultSourceId(input.SourceId),
	}
	if err := tx.Create(&entry).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	_ = utils.InvalidateProductViews(ctx, []int{input.ProductId})

	return &entry, nil
}

// GetLedgerEntries returns the full movement history for one product,
// oldest-first, for audit views.
func GetLedgerEntries(ctx context.Context, productId int) ([]*StockLedgerEntry, error) {
	db := config.GetDB()
	var entries []*StockLedgerEntry
	err := db.WithContext(ctx).
		Where("product_id = ?", productId).
		Order("created_at, id").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
