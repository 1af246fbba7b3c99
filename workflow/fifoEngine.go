package workflow

import (
	"github.com/mmdatafocus/retailpos_backend/config"
	"github.com/mmdatafocus/retailpos_backend/models"
	"github.com/mmdatafocus/retailpos_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// costLayer is one historical purchase entry treated as a FIFO cost batch.
type costLayer struct {
	Pieces        int64
	UnitCostPiece decimal.Decimal
}

// weightedLayerCost walks purchase layers oldest-first, taking
// min(remaining, layer) from each, and returns the quantity-weighted average
// cost per piece for needed pieces.
//
// Layers are not depleted by earlier sales here: availability is checked
// against the ledger aggregate sum, not per-layer remainders, so the cost
// weighting can re-spend an already-consumed early layer. Adequate for
// margin estimates; not a textbook FIFO cost basis.
func weightedLayerCost(layers []costLayer, needed int64) (decimal.Decimal, bool) {
	if needed <= 0 {
		return decimal.Zero, false
	}

	remaining := needed
	accumulated := decimal.Zero
	for _, layer := range layers {
		if remaining <= 0 {
			break
		}
		take := layer.Pieces
		if take > remaining {
			take = remaining
		}
		accumulated = accumulated.Add(layer.UnitCostPiece.Mul(decimal.NewFromInt(take)))
		remaining -= take
	}
	if remaining > 0 {
		return decimal.Zero, false
	}
	return accumulated.Div(decimal.NewFromInt(needed)), true
}

// ConsumeStock deducts neededPieces for a product inside tx: it checks the
// ledger aggregate, walks the purchase layers for a weighted cost, and
// appends one consolidated sale entry. On insufficient aggregate stock it
// writes nothing.
func ConsumeStock(tx *gorm.DB, logger *logrus.Logger, productId int, neededPieces int64, sourceId string) (decimal.Decimal, error) {
	if neededPieces <= 0 {
		return decimal.Zero, utils.NewValidationError("pieces", "must be positive")
	}

	available, err := models.CurrentStockPieces(tx, productId)
	if err != nil {
		config.LogError(logger, "fifoEngine.go", "ConsumeStock", "CurrentStockPieces", productId, err)
		return decimal.Zero, err
	}
	if available < neededPieces {
		return decimal.Zero, &utils.InsufficientStockError{Shortfalls: []utils.Shortfall{{
			Needed:    neededPieces,
			Available: available,
			Unit:      string(models.SaleUnitPiece),
		}}}
	}

	purchases, err := models.GetPurchaseLayers(tx, productId)
	if err != nil {
		config.LogError(logger, "fifoEngine.go", "ConsumeStock", "GetPurchaseLayers", productId, err)
		return decimal.Zero, err
	}
	layers := make([]costLayer, 0, len(purchases))
	for _, p := range purchases {
		layers = append(layers, costLayer{Pieces: p.DeltaPieces, UnitCostPiece: p.UnitCostPiece})
	}

	avgCost, ok := weightedLayerCost(layers, neededPieces)
	if !ok {
		// Aggregate says enough but purchase layers do not cover it: the
		// surplus came from positive adjustments. Cost those at the newest
		// known layer cost, or zero when no purchase history exists.
		avgCost = decimal.Zero
		if len(layers) > 0 {
			avgCost = layers[len(layers)-1].UnitCostPiece
		}
	}

	entry := models.StockLedgerEntry{
		ProductId:     productId,
		DeltaPieces:   -neededPieces,
		UnitCostPiece: avgCost,
		SourceType:    models.StockSourceSale,
		SourceId:      sourceId,
	}
	if err := tx.Create(&entry).Error; err != nil {
		config.LogError(logger, "fifoEngine.go", "ConsumeStock", "CreateSaleEntry", entry, err)
		return decimal.Zero, err
	}

	return avgCost, nil
}
