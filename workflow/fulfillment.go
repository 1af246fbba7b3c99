package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/retailpos_backend/cache"
	"github.com/mmdatafocus/retailpos_backend/config"
	"github.com/mmdatafocus/retailpos_backend/documents"
	"github.com/mmdatafocus/retailpos_backend/models"
	"github.com/mmdatafocus/retailpos_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// FulfillmentResult is the outcome of one fulfillment attempt. A shortfall is
// an expected business outcome: Success is false, Shortfalls carries the
// per-line report, and no error is returned.
type FulfillmentResult struct {
	Success       bool              `json:"success"`
	InvoiceId     int               `json:"invoice_id,omitempty"`
	InvoiceNumber string            `json:"invoice_number,omitempty"`
	Shortfalls    []utils.Shortfall `json:"shortfalls,omitempty"`
}

// validateOrderLines checks every line against a working copy of the
// per-product ledger aggregate, so multiple lines for the same product are
// validated cumulatively. Shortfalls are reported in the unit the line was
// ordered in.
func validateOrderLines(order *models.Order, products map[int]*models.Product, aggregates map[int]int64) ([]utils.Shortfall, error) {
	remaining := make(map[int]int64, len(aggregates))
	for id, total := range aggregates {
		remaining[id] = total
	}

	var shortfalls []utils.Shortfall
	for _, line := range order.Lines {
		product, ok := products[line.ProductId]
		if !ok {
			return nil, &utils.NotFoundError{Resource: "product", Id: line.ProductId}
		}
		needed, err := models.ToPieces(line.Qty, line.Unit, product.PiecesPerPack, product.PacksPerBox)
		if err != nil {
			return nil, err
		}
		if needed > remaining[line.ProductId] {
			availableInUnit, err := models.FromPieces(remaining[line.ProductId], line.Unit, product.PiecesPerPack, product.PacksPerBox)
			if err != nil {
				return nil, err
			}
			shortfalls = append(shortfalls, utils.Shortfall{
				ProductName: product.Name,
				Sku:         product.Sku,
				Needed:      line.Qty,
				Available:   availableInUnit,
				Unit:        string(line.Unit),
			})
			continue
		}
		remaining[line.ProductId] -= needed
	}
	return shortfalls, nil
}

func loadOrderProducts(tx *gorm.DB, productIds []int) (map[int]*models.Product, error) {
	var products []*models.Product
	if err := tx.Where("id IN ?", productIds).Find(&products).Error; err != nil {
		return nil, err
	}
	byId := make(map[int]*models.Product, len(products))
	for _, p := range products {
		byId[p.ID] = p
	}
	return byId, nil
}

func abortFulfillment(tx *gorm.DB) {
	ReleaseStockPostingLock(tx)
	tx.Rollback()
}

// FulfillOrder turns an order into a consistent stock deduction plus a
// numbered invoice:
//  1. load the order and its products; fulfilled orders return the existing
//     invoice (idempotent re-entry)
//  2. batch-aggregate current stock per distinct product from the ledger
//  3. validate every line cumulatively; a non-empty shortfall report aborts
//     before any write
//  4. in one transaction, holding row locks on the ordered products: re-check
//     stock, consume FIFO per line, allocate the invoice number, write the
//     invoice, mark the order fulfilled
//  5. after commit: render the invoice document, force-refresh the inventory
//     cache, invalidate cached read views (failures logged, never rolled
//     back)
func FulfillOrder(ctx context.Context, orderId int) (*FulfillmentResult, error) {
	logger := config.GetLogger()
	db := config.GetDB()

	order, err := models.GetOrder(ctx, orderId)
	if err != nil {
		return nil, err
	}

	// Re-entry on a fulfilled order returns the committed invoice.
	if order.CurrentStatus == models.OrderStatusFulfilled {
		inv, err := models.GetInvoiceByOrderId(ctx, orderId)
		if err != nil {
			return nil, err
		}
		return &FulfillmentResult{Success: true, InvoiceId: inv.ID, InvoiceNumber: inv.Number}, nil
	}
	if !order.CurrentStatus.CanFulfill() {
		return nil, utils.NewValidationError("status", "cannot fulfill a "+string(order.CurrentStatus)+" order")
	}

	productIds := order.DistinctProductIds()
	products, err := loadOrderProducts(db.WithContext(ctx), productIds)
	if err != nil {
		return nil, err
	}

	// Pre-check against the ledger, not the cache.
	aggregates, err := models.AggregateStockPieces(db.WithContext(ctx), productIds)
	if err != nil {
		return nil, err
	}
	shortfalls, err := validateOrderLines(order, products, aggregates)
	if err != nil {
		return nil, err
	}
	if len(shortfalls) > 0 {
		return &FulfillmentResult{Success: false, Shortfalls: shortfalls}, nil
	}

	// Best-effort Redis lock; correctness is carried by the product row
	// locks and the in-transaction re-check below.
	release, err := utils.StockLock(ctx, "fulfillment", "fulfillment.go", "FulfillOrder")
	if err != nil {
		return nil, err
	}
	defer release()

	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}

	if err := AcquireStockPostingLock(tx); err != nil {
		tx.Rollback()
		return nil, err
	}

	// Row locks must come before the transaction's first ledger read: they
	// block until a competing fulfillment of the same products commits, so
	// the re-check and consumption below read a snapshot that includes its
	// sale entries.
	if err := LockProductRows(tx, productIds); err != nil {
		abortFulfillment(tx)
		return nil, err
	}

	// The pre-check above raced against concurrent fulfillments; repeat it
	// on the transaction while the product rows are locked.
	if config.StrictStockRecheck() {
		aggregates, err = models.AggregateStockPieces(tx, productIds)
		if err != nil {
			abortFulfillment(tx)
			return nil, err
		}
		shortfalls, err = validateOrderLines(order, products, aggregates)
		if err != nil {
			abortFulfillment(tx)
			return nil, err
		}
		if len(shortfalls) > 0 {
			abortFulfillment(tx)
			return &FulfillmentResult{Success: false, Shortfalls: shortfalls}, nil
		}
	}

	sourceId := fmt.Sprintf("order-%d", order.ID)
	subtotal := decimal.Zero
	for _, line := range order.Lines {
		product := products[line.ProductId]
		needed, err := models.ToPieces(line.Qty, line.Unit, product.PiecesPerPack, product.PacksPerBox)
		if err != nil {
			abortFulfillment(tx)
			return nil, err
		}
		if _, err := ConsumeStock(tx, logger, line.ProductId, needed, sourceId); err != nil {
			abortFulfillment(tx)
			var insufficient *utils.InsufficientStockError
			if errors.As(err, &insufficient) {
				// Lost a race to another fulfillment after the pre-check.
				for i := range insufficient.Shortfalls {
					insufficient.Shortfalls[i].ProductName = product.Name
					insufficient.Shortfalls[i].Sku = product.Sku
				}
				return &FulfillmentResult{Success: false, Shortfalls: insufficient.Shortfalls}, nil
			}
			return nil, &utils.TransactionAbortError{Err: err}
		}
		subtotal = subtotal.Add(line.PricePerUnit.Mul(decimal.NewFromInt(line.Qty)))
	}

	tax := subtotal.Mul(order.TaxPercent).Div(decimal.NewFromInt(100))
	exact := subtotal.Add(tax)
	grand := exact.Round(0)
	roundOff := grand.Sub(exact)

	invoice := models.Invoice{
		OrderId:  order.ID,
		Subtotal: subtotal,
		Tax:      tax,
		RoundOff: roundOff,
		Grand:    grand,
	}
	if err := models.CreateInvoiceWithNumber(tx, &invoice, time.Now()); err != nil {
		abortFulfillment(tx)
		var conflict *utils.ConcurrencyConflict
		if errors.As(err, &conflict) {
			return nil, err
		}
		return nil, &utils.TransactionAbortError{Err: err}
	}

	if err := tx.Model(&models.Order{}).Where("id = ?", order.ID).
		Update("CurrentStatus", models.OrderStatusFulfilled).Error; err != nil {
		abortFulfillment(tx)
		return nil, &utils.TransactionAbortError{Err: err}
	}

	ReleaseStockPostingLock(tx)
	if err := tx.Commit().Error; err != nil {
		return nil, &utils.TransactionAbortError{Err: err}
	}
	order.CurrentStatus = models.OrderStatusFulfilled

	// Post-commit side effects. The sale is final; presentation failures are
	// logged and the document can be regenerated on demand.
	if doc, err := documents.RenderInvoice(&invoice, order, products); err != nil {
		perr := &utils.PresentationError{Stage: "render invoice document", Err: err}
		config.LogError(logger, "fulfillment.go", "FulfillOrder", "RenderInvoice", invoice.Number, perr)
	} else if err := models.SaveInvoiceDocument(ctx, invoice.ID, doc); err != nil {
		perr := &utils.PresentationError{Stage: "save invoice document", Err: err}
		config.LogError(logger, "fulfillment.go", "FulfillOrder", "SaveInvoiceDocument", invoice.Number, perr)
	}

	if c := cache.Default(); c != nil {
		if err := c.ForceRefresh(ctx); err != nil {
			perr := &utils.PresentationError{Stage: "refresh inventory cache", Err: err}
			config.LogError(logger, "fulfillment.go", "FulfillOrder", "ForceRefresh", order.ID, perr)
		}
	}
	if err := utils.InvalidateProductViews(ctx, productIds); err != nil {
		perr := &utils.PresentationError{Stage: "invalidate product views", Err: err}
		config.LogError(logger, "fulfillment.go", "FulfillOrder", "InvalidateProductViews", productIds, perr)
	}

	return &FulfillmentResult{Success: true, InvoiceId: invoice.ID, InvoiceNumber: invoice.Number}, nil
}
