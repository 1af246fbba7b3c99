package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/retailpos_backend/config"
	"github.com/mmdatafocus/retailpos_backend/utils"
	"github.com/shopspring/decimal"
)

// Product defines the conversion table between sale units and pieces.
// PiecesPerPack and PacksPerBox are assumed stable for the life of
// outstanding stock; changing them retroactively changes the meaning of
// historical ledger entries.
type Product struct {
	ID             int             `gorm:"primary_key" json:"id"`
	Name           string          `gorm:"size:100;not null" json:"name" binding:"required"`
	Sku            string          `gorm:"size:100;uniqueIndex;not null" json:"sku" binding:"required"`
	PiecesPerPack  int64           `gorm:"not null" json:"pieces_per_pack" binding:"required,gt=0"`
	PacksPerBox    int64           `gorm:"not null" json:"packs_per_box" binding:"required,gt=0"`
	AllowSellBox   *bool           `gorm:"not null;default:true" json:"allow_sell_box"`
	AllowSellPack  *bool           `gorm:"not null;default:true" json:"allow_sell_pack"`
	AllowSellPiece *bool           `gorm:"not null;default:true" json:"allow_sell_piece"`
	PriceBox       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price_box"`
	PricePack      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price_pack"`
	PricePiece     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price_piece"`
	IsActive       *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Name           string          `json:"name" binding:"required"`
	Sku            string          `json:"sku" binding:"required"`
	PiecesPerPack  int64           `json:"pieces_per_pack" binding:"required,gt=0"`
	PacksPerBox    int64           `json:"packs_per_box" binding:"required,gt=0"`
	AllowSellBox   *bool           `json:"allow_sell_box"`
	AllowSellPack  *bool           `json:"allow_sell_pack"`
	AllowSellPiece *bool           `json:"allow_sell_piece"`
	PriceBox       decimal.Decimal `json:"price_box"`
	PricePack      decimal.Decimal `json:"price_pack"`
	PricePiece     decimal.Decimal `json:"price_piece"`
}

// PricePerUnit returns the catalog price for one sale unit.
func (p *Product) PricePerUnit(unit SaleUnit) decimal.Decimal {
	switch unit {
	case SaleUnitBox:
		return p.PriceBox
	case SaleUnitPack:
		return p.PricePack
	default:
		return p.PricePiece
	}
}

// AllowsUnit reports whether the product may be sold in the given unit.
func (p *Product) AllowsUnit(unit SaleUnit) bool {
	switch unit {
	case SaleUnitBox:
		return p.AllowSellBox == nil || *p.AllowSellBox
	case SaleUnitPack:
		return p.AllowSellPack == nil || *p.AllowSellPack
	case SaleUnitPiece:
		return p.AllowSellPiece == nil || *p.AllowSellPiece
	default:
		return false
	}
}

// validate input for both create & update. (id = 0 for create)
func (input *NewProduct) validate(ctx context.Context, id int) error {
	if err := utils.ValidateUnique[Product](ctx, "sku", input.Sku, id); err != nil {
		return err
	}
	if input.PiecesPerPack <= 0 {
		return utils.NewValidationError("pieces_per_pack", "must be positive")
	}
	if input.PacksPerBox <= 0 {
		return utils.NewValidationError("packs_per_box", "must be positive")
	}
	return nil
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {

	if err := input.validate(ctx, 0); err != nil {
		return nil, err
	}

	product := Product{
		Name:           input.Name,
		Sku:            input.Sku,
		PiecesPerPack:  input.PiecesPerPack,
		PacksPerBox:    input.PacksPerBox,
		AllowSellBox:   input.AllowSellBox,
		AllowSellPack:  input.AllowSellPack,
		AllowSellPiece: input.AllowSellPiece,
		PriceBox:       input.PriceBox,
		PricePack:      input.PricePack,
		PricePiece:     input.PricePiece,
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Create(&product).Error
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// updateColumns builds the column set for UpdateProduct. The allow_sell
// columns are NOT NULL; an omitted flag means "keep the stored value", so nil
// pointers are left out of the set instead of being written as NULL.
func (input *NewProduct) updateColumns() map[string]interface{} {
	columns := map[string]interface{}{
		"Name":          input.Name,
		"Sku":           input.Sku,
		"PiecesPerPack": input.PiecesPerPack,
		"PacksPerBox":   input.PacksPerBox,
		"PriceBox":      input.PriceBox,
		"PricePack":     input.PricePack,
		"PricePiece":    input.PricePiece,
	}
	if input.AllowSellBox != nil {
		columns["AllowSellBox"] = input.AllowSellBox
	}
	if input.AllowSellPack != nil {
		columns["AllowSellPack"] = input.AllowSellPack
	}
	if input.AllowSellPiece != nil {
		columns["AllowSellPiece"] = input.AllowSellPiece
	}
	return columns
}

func UpdateProduct(ctx context.Context, id int, input *NewProduct) (*Product, error) {

	if err := input.validate(ctx, id); err != nil {
		return nil, err
	}

	product, err := utils.FetchModel[Product](ctx, id)
	if err != nil {
		return nil, &utils.NotFoundError{Resource: "product", Id: id}
	}

	// Conversion factors are frozen while ledger history exists for the
	// product; a retroactive change would re-price historical entries.
	if input.PiecesPerPack != product.PiecesPerPack || input.PacksPerBox != product.PacksPerBox {
		count, err := utils.ResourceCountWhere[StockLedgerEntry](ctx, "product_id = ?", id)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, utils.NewValidationError("pieces_per_pack", "cannot change unit factors once stock history exists")
		}
	}

	db := config.GetDB()
	if err = db.WithContext(ctx).Model(&product).
		Updates(input.updateColumns()).Error; err != nil {
		return nil, err
	}

	_ = utils.InvalidateProductViews(ctx, []int{id})

	return product, nil
}

func GetProduct(ctx context.Context, id int) (*Product, error) {
	product, err := utils.FetchModel[Product](ctx, id)
	if err != nil {
		return nil, &utils.NotFoundError{Resource: "product", Id: id}
	}
	return product, nil
}

func GetProductsAll(ctx context.Context) ([]*Product, error) {
	return utils.FetchAllModels[Product](ctx)
}

// DeactivateProduct hides a product from the catalog and the inventory
// cache. Rows are never deleted while ledger history references them.
func DeactivateProduct(ctx context.Context, id int) (*Product, error) {
	product, err := utils.FetchModel[Product](ctx, id)
	if err != nil {
		return nil, &utils.NotFoundError{Resource: "product", Id: id}
	}

	db := config.GetDB()
	inactive := false
	if err := db.WithContext(ctx).Model(&product).Update("IsActive", &inactive).Error; err != nil {
		return nil, err
	}

	_ = utils.InvalidateProductViews(ctx, []int{id})

	return product, nil
}
