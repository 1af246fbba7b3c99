package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/retailpos_backend/config"
	"github.com/mmdatafocus/retailpos_backend/utils"
	"github.com/shopspring/decimal"
)

// Order status state machine:
// pending_review -> confirmed -> fulfilled (terminal success)
// cancelled is reachable from any non-terminal state (terminal failure).
type Order struct {
	ID            int             `gorm:"primary_key" json:"id"`
	CustomerName  string          `gorm:"size:100" json:"customer_name"`
	CurrentStatus OrderStatus     `gorm:"type:enum('pending_review','confirmed','fulfilled','cancelled');default:pending_review;index" json:"current_status"`
	TaxPercent    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"tax_percent"`
	Lines         []OrderLine     `gorm:"foreignKey:OrderId" json:"lines"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// OrderLine captures PricePerUnit at order-creation time; it stays
// authoritative for invoicing regardless of later catalog price changes.
type OrderLine struct {
	ID           int             `gorm:"primary_key" json:"id"`
	OrderId      int             `gorm:"index;not null" json:"order_id"`
	ProductId    int             `gorm:"index;not null" json:"product_id"`
	Unit         SaleUnit        `gorm:"type:enum('box','pack','piece');not null" json:"unit"`
	Qty          int64           `gorm:"not null" json:"qty"`
	PricePerUnit decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price_per_unit"`
}

type NewOrder struct {
	CustomerName string          `json:"customer_name"`
	TaxPercent   decimal.Decimal `json:"tax_percent"`
	Lines        []NewOrderLine  `json:"lines" binding:"required,min=1,dive"`
}

type NewOrderLine struct {
	ProductId int    `json:"product_id" binding:"required"`
	Unit      string `json:"unit" binding:"required"`
	Qty       int64  `json:"qty" binding:"required,gt=0"`
}

func (input *NewOrder) validate(ctx context.Context) ([]OrderLine, error) {
	if len(input.Lines) == 0 {
		return nil, utils.NewValidationError("lines", "order must have at least one line")
	}
	if input.TaxPercent.IsNegative() {
		return nil, utils.NewValidationError("tax_percent", "must not be negative")
	}

	lines := make([]OrderLine, 0, len(input.Lines))
	for _, l := range input.Lines {
		unit, err := ParseSaleUnit(l.Unit)
		if err != nil {
			return nil, utils.NewValidationError("unit", "invalid sale unit "+l.Unit)
		}
		if l.Qty <= 0 {
			return nil, utils.NewValidationError("qty", "must be positive")
		}
		product, err := utils.FetchModel[Product](ctx, l.ProductId)
		if err != nil {
			return nil, &utils.NotFoundError{Resource: "product", Id: l.ProductId}
		}
		if !product.AllowsUnit(unit) {
			return nil, utils.NewValidationError("unit", "product "+product.Sku+" is not sold by "+l.Unit)
		}
		lines = append(lines, OrderLine{
			ProductId:    l.ProductId,
			Unit:         unit,
			Qty:          l.Qty,
			PricePerUnit: product.PricePerUnit(unit),
		})
	}
	return lines, nil
}

// CreateOrder stores a new order in pending_review with prices captured from
// the catalog. Stock is not reserved here; availability is checked at
// fulfillment time against the ledger.
func CreateOrder(ctx context.Context, input *NewOrder) (*Order, error) {

	lines, err := input.validate(ctx)
	if err != nil {
		return nil, err
	}

	order := Order{
		CustomerName:  input.CustomerName,
		CurrentStatus: OrderStatusPendingReview,
		TaxPercent:    input.TaxPercent,
		Lines:         lines,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func GetOrder(ctx context.Context, id int) (*Order, error) {
	order, err := utils.FetchModel[Order](ctx, id, "Lines")
	if err != nil {
		return nil, &utils.NotFoundError{Resource: "order", Id: id}
	}
	return order, nil
}

// ConfirmOrder moves pending_review -> confirmed.
func ConfirmOrder(ctx context.Context, id int) (*Order, error) {
	order, err := GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.CurrentStatus != OrderStatusPendingReview {
		return nil, utils.NewValidationError("status", "only pending_review orders can be confirmed")
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&order).Update("CurrentStatus", OrderStatusConfirmed).Error; err != nil {
		return nil, err
	}
	order.CurrentStatus = OrderStatusConfirmed
	return order, nil
}

// CancelOrder moves any non-terminal order to cancelled.
func CancelOrder(ctx context.Context, id int) (*Order, error) {
	order, err := GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.CurrentStatus.IsTerminal() {
		return nil, utils.NewValidationError("status", "cannot cancel a "+string(order.CurrentStatus)+" order")
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&order).Update("CurrentStatus", OrderStatusCancelled).Error; err != nil {
		return nil, err
	}
	order.CurrentStatus = OrderStatusCancelled
	return order, nil
}

// DistinctProductIds returns each referenced product once, in line order.
// Fulfillment aggregates stock per product, not per line.
func (o *Order) DistinctProductIds() []int {
	seen := make(map[int]bool, len(o.Lines))
	ids := make([]int, 0, len(o.Lines))
	for _, l := range o.Lines {
		if !seen[l.ProductId] {
			seen[l.ProductId] = true
			ids = append(ids, l.ProductId)
		}
	}
	return ids
}
