package models

import "errors"

// SaleUnit is the closed set of units a product can be sold in.
// "piece" is the base unit; pack and box are fixed multiples of it.
type SaleUnit string

const (
	SaleUnitBox   SaleUnit = "box"
	SaleUnitPack  SaleUnit = "pack"
	SaleUnitPiece SaleUnit = "piece"
)

func ParseSaleUnit(s string) (SaleUnit, error) {
	switch s {
	case "box":
		return SaleUnitBox, nil
	case "pack":
		return SaleUnitPack, nil
	case "piece":
		return SaleUnitPiece, nil
	default:
		return "", errors.New("invalid sale unit")
	}
}

type StockSourceType string

const (
	StockSourcePurchase StockSourceType = "purchase"
	StockSourceSale     StockSourceType = "sale"
	StockSourceAdjust   StockSourceType = "adjust"
)

type OrderStatus string

const (
	OrderStatusPendingReview OrderStatus = "pending_review"
	OrderStatusConfirmed     OrderStatus = "confirmed"
	OrderStatusFulfilled     OrderStatus = "fulfilled"
	OrderStatusCancelled     OrderStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFulfilled || s == OrderStatusCancelled
}

// CanFulfill reports whether fulfillment may be attempted from this status.
func (s OrderStatus) CanFulfill() bool {
	return s == OrderStatusPendingReview || s == OrderStatusConfirmed
}
