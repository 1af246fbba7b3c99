package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/retailpos_backend/cache"
	"github.com/mmdatafocus/retailpos_backend/config"
	"github.com/mmdatafocus/retailpos_backend/models"
	"github.com/mmdatafocus/retailpos_backend/workflow"
	"github.com/shopspring/decimal"
)

// setupIntegrationEnv starts throwaway MySQL and Redis containers, wires the
// config.Connect* env vars at them and migrates a fresh schema.
func setupIntegrationEnv(t *testing.T) {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "retailpos_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	cache.Init(models.NewInventoryLoader(), time.Hour)
}

func mustCreateProduct(t *testing.T, ctx context.Context, sku string, piecesPerPack, packsPerBox int64, priceBox string) *models.Product {
	t.Helper()
	product, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:          "Product " + sku,
		Sku:           sku,
		PiecesPerPack: piecesPerPack,
		PacksPerBox:   packsPerBox,
		PriceBox:      decimal.RequireFromString(priceBox),
	})
	if err != nil {
		t.Fatalf("CreateProduct %s: %v", sku, err)
	}
	return product
}

func mustConfirmedOrder(t *testing.T, ctx context.Context, productId int, unit string, qty int64, taxPercent string) *models.Order {
	t.Helper()
	order, err := models.CreateOrder(ctx, &models.NewOrder{
		CustomerName: "Walk-in",
		TaxPercent:   decimal.RequireFromString(taxPercent),
		Lines: []models.NewOrderLine{
			{ProductId: productId, Unit: unit, Qty: qty},
		},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := models.ConfirmOrder(ctx, order.ID); err != nil {
		t.Fatalf("ConfirmOrder: %v", err)
	}
	return order
}

func TestFulfillOrderDeductsStockAndAttributesFIFOCost(t *testing.T) {
	setupIntegrationEnv(t)
	ctx := context.Background()

	// 120 pieces on hand (2 boxes at 6 pieces/pack, 10 packs/box), all
	// purchased at 20.00 per piece.
	product := mustCreateProduct(t, ctx, "COLA-001", 6, 10, "1500.00")
	if _, err := models.PostPurchase(ctx, &models.NewPurchase{
		ProductId: product.ID,
		Pieces:    120,
		UnitCost:  decimal.RequireFromString("20.00"),
		SourceId:  "grn-1",
	}); err != nil {
		t.Fatalf("PostPurchase: %v", err)
	}

	order := mustConfirmedOrder(t, ctx, product.ID, "box", 1, "5")

	result, err := workflow.FulfillOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("FulfillOrder: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got shortfalls %+v", result.Shortfalls)
	}
	wantPrefix := models.FiscalYearPrefix(time.Now())
	if !strings.HasPrefix(result.InvoiceNumber, wantPrefix+"-") {
		t.Fatalf("invoice number %q, want prefix %q", result.InvoiceNumber, wantPrefix)
	}

	// One negative sale entry, costed from the single purchase layer.
	db := config.GetDB()
	var sales []models.StockLedgerEntry
	if err := db.Where("product_id = ? AND source_type = ?", product.ID, models.StockSourceSale).Find(&sales).Error; err != nil {
		t.Fatalf("load sale entries: %v", err)
	}
	if len(sales) != 1 {
		t.Fatalf("sale entries = %d, want 1", len(sales))
	}
	if sales[0].DeltaPieces != -60 {
		t.Fatalf("sale delta = %d, want -60", sales[0].DeltaPieces)
	}
	if !sales[0].UnitCostPiece.Equal(decimal.RequireFromString("20.00")) {
		t.Fatalf("sale unit cost = %s, want 20.00", sales[0].UnitCostPiece)
	}

	total, err := models.CurrentStockPieces(db, product.ID)
	if err != nil {
		t.Fatalf("CurrentStockPieces: %v", err)
	}
	if total != 60 {
		t.Fatalf("remaining pieces = %d, want 60", total)
	}

	// The materialized view was force-refreshed post-commit.
	snap, ok, err := cache.Default().Get(ctx, product.ID)
	if err != nil || !ok {
		t.Fatalf("cache Get: ok=%v err=%v", ok, err)
	}
	if snap.AvailableBoxes != 1 || snap.AvailablePacks != 0 || snap.AvailablePieces != 0 {
		t.Fatalf("snapshot = %d/%d/%d, want 1/0/0", snap.AvailableBoxes, snap.AvailablePacks, snap.AvailablePieces)
	}

	// 1 box at 1500.00 plus 5% tax lands on a whole amount.
	invoice, err := models.GetInvoiceByOrderId(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetInvoiceByOrderId: %v", err)
	}
	if !invoice.Subtotal.Equal(decimal.RequireFromString("1500.00")) {
		t.Fatalf("subtotal = %s, want 1500.00", invoice.Subtotal)
	}
	if !invoice.Grand.Equal(decimal.RequireFromString("1575")) {
		t.Fatalf("grand = %s, want 1575", invoice.Grand)
	}
	if !invoice.RoundOff.IsZero() {
		t.Fatalf("round off = %s, want 0", invoice.RoundOff)
	}
	if invoice.SequenceNo != 1 {
		t.Fatalf("sequence = %d, want 1", invoice.SequenceNo)
	}

	// Re-entry on a fulfilled order returns the same invoice without another
	// deduction.
	again, err := workflow.FulfillOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("FulfillOrder re-entry: %v", err)
	}
	if !again.Success || again.InvoiceNumber != result.InvoiceNumber {
		t.Fatalf("re-entry result %+v, want invoice %s", again, result.InvoiceNumber)
	}
	total, err = models.CurrentStockPieces(db, product.ID)
	if err != nil {
		t.Fatalf("CurrentStockPieces: %v", err)
	}
	if total != 60 {
		t.Fatalf("pieces after re-entry = %d, want 60", total)
	}
}

func TestFulfillOrderShortfallWritesNothing(t *testing.T) {
	setupIntegrationEnv(t)
	ctx := context.Background()

	// 70 pieces on hand, order asks for 2 boxes (120 pieces).
	product := mustCreateProduct(t, ctx, "SOAP-001", 6, 10, "900.00")
	if _, err := models.PostPurchase(ctx, &models.NewPurchase{
		ProductId: product.ID,
		Pieces:    70,
		UnitCost:  decimal.RequireFromString("10.00"),
	}); err != nil {
		t.Fatalf("PostPurchase: %v", err)
	}

	order := mustConfirmedOrder(t, ctx, product.ID, "box", 2, "0")

	result, err := workflow.FulfillOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("FulfillOrder: %v", err)
	}
	if result.Success {
		t.Fatal("expected shortfall result")
	}
	if len(result.Shortfalls) != 1 {
		t.Fatalf("shortfalls = %d, want 1", len(result.Shortfalls))
	}
	s := result.Shortfalls[0]
	if s.Needed != 2 || s.Available != 1 || s.Unit != "box" {
		t.Fatalf("shortfall = %+v, want needed 2 available 1 box", s)
	}

	// Nothing moved: no sale entries, no invoice, status unchanged.
	db := config.GetDB()
	var saleCount int64
	if err := db.Model(&models.StockLedgerEntry{}).
		Where("product_id = ? AND source_type = ?", product.ID, models.StockSourceSale).
		Count(&saleCount).Error; err != nil {
		t.Fatalf("count sale entries: %v", err)
	}
	if saleCount != 0 {
		t.Fatalf("sale entries = %d, want 0", saleCount)
	}
	if _, err := models.GetInvoiceByOrderId(ctx, order.ID); err == nil {
		t.Fatal("expected no invoice for shorted order")
	}
	reloaded, err := models.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if reloaded.CurrentStatus != models.OrderStatusConfirmed {
		t.Fatalf("status = %s, want confirmed", reloaded.CurrentStatus)
	}
}

func TestConcurrentFulfillmentsNeverOversellAndNumberUniquely(t *testing.T) {
	setupIntegrationEnv(t)
	ctx := context.Background()

	// 3 boxes on hand, 5 confirmed orders of 1 box each race: exactly 3 must
	// win, the rest report shortfalls, and the ledger never goes negative.
	product := mustCreateProduct(t, ctx, "RICE-001", 6, 10, "2000.00")
	if _, err := models.PostPurchase(ctx, &models.NewPurchase{
		ProductId: product.ID,
		Pieces:    180,
		UnitCost:  decimal.RequireFromString("25.00"),
	}); err != nil {
		t.Fatalf("PostPurchase: %v", err)
	}

	const attempts = 5
	orders := make([]*models.Order, attempts)
	for i := range orders {
		orders[i] = mustConfirmedOrder(t, ctx, product.ID, "box", 1, "0")
	}

	results := make([]*workflow.FulfillmentResult, attempts)
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := range orders {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = workflow.FulfillOrder(ctx, orders[i].ID)
		}(i)
	}
	wg.Wait()

	numbers := make(map[string]bool)
	wins, shorts := 0, 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("FulfillOrder[%d]: %v", i, errs[i])
		}
		if results[i].Success {
			wins++
			if numbers[results[i].InvoiceNumber] {
				t.Fatalf("duplicate invoice number %s", results[i].InvoiceNumber)
			}
			numbers[results[i].InvoiceNumber] = true
		} else {
			shorts++
		}
	}
	if wins != 3 || shorts != 2 {
		t.Fatalf("wins=%d shorts=%d, want 3/2", wins, shorts)
	}

	db := config.GetDB()
	total, err := models.CurrentStockPieces(db, product.ID)
	if err != nil {
		t.Fatalf("CurrentStockPieces: %v", err)
	}
	if total != 0 {
		t.Fatalf("remaining pieces = %d, want 0", total)
	}

	// Winners took a contiguous run of sequence numbers.
	var invoices []models.Invoice
	if err := db.Order("sequence_no").Find(&invoices).Error; err != nil {
		t.Fatalf("load invoices: %v", err)
	}
	if len(invoices) != 3 {
		t.Fatalf("invoices = %d, want 3", len(invoices))
	}
	for i, inv := range invoices {
		if inv.SequenceNo != int64(i+1) {
			t.Fatalf("sequence gap: invoice %d has sequence %d", inv.ID, inv.SequenceNo)
		}
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("retailpos-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("retailpos-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=retailpos_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
