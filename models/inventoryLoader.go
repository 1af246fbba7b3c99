package models

import (
	"context"

	"github.com/mmdatafocus/retailpos_backend/cache"
	"github.com/mmdatafocus/retailpos_backend/config"
)

// InventoryLoader rebuilds cache snapshots from the ledger: one pass over all
// active products, one aggregate query for their ledger sums.
type InventoryLoader struct{}

func NewInventoryLoader() *InventoryLoader {
	return &InventoryLoader{}
}

func (l *InventoryLoader) LoadSnapshots(ctx context.Context) ([]cache.Snapshot, error) {
	db := config.GetDB()

	var products []*Product
	if err := db.WithContext(ctx).Where("is_active = ?", true).Find(&products).Error; err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(products))
	for _, p := range products {
		ids = append(ids, p.ID)
	}

	totals, err := AggregateStockPieces(db.WithContext(ctx), ids)
	if err != nil {
		return nil, err
	}

	snapshots := make([]cache.Snapshot, 0, len(products))
	for _, p := range products {
		total := totals[p.ID]
		boxes, packs, pieces := DecomposePieces(total, p.PiecesPerPack, p.PacksPerBox)
		snapshots = append(snapshots, cache.Snapshot{
			ProductId:       p.ID,
			ProductName:     p.Name,
			Sku:             p.Sku,
			TotalPieces:     total,
			AvailableBoxes:  boxes,
			AvailablePacks:  packs,
			AvailablePieces: pieces,
			PiecesPerPack:   p.PiecesPerPack,
			PacksPerBox:     p.PacksPerBox,
		})
	}
	return snapshots, nil
}
