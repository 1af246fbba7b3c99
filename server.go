package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/retailpos_backend/cache"
	"github.com/mmdatafocus/retailpos_backend/config"
	"github.com/mmdatafocus/retailpos_backend/models"
	"github.com/mmdatafocus/retailpos_backend/utils"
	"github.com/mmdatafocus/retailpos_backend/workflow"
)

const defaultPort = "8080"

const catalogViewTTL = 10 * time.Minute

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// respondError maps the error taxonomy onto HTTP statuses. Shortfalls are
// not routed here; they are expected outcomes carried in the result body.
func respondError(c *gin.Context, err error) {
	var validation *utils.ValidationError
	var notFound *utils.NotFoundError
	var conflict *utils.ConcurrencyConflict

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": notFound.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": conflict.Error(), "retryable": true})
	default:
		logger := config.GetLogger()
		config.LogError(logger, "server.go", "respondError", c.FullPath(), nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// inventoryCache gates handlers on the cache being initialized; it comes up
// after DB connect during startup.
func inventoryCache(c *gin.Context) (*cache.InventoryCache, bool) {
	cc := cache.Default()
	if cc == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "inventory cache not ready"})
		return nil, false
	}
	return cc, true
}

func pathId(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func registerRoutes(r *gin.Engine) {

	// products
	r.POST("/products", func(c *gin.Context) {
		var input models.NewProduct
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
			return
		}
		product, err := models.CreateProduct(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, product)
	})
	r.GET("/products", func(c *gin.Context) {
		// Catalog is an externally cached read view; stock-affecting commits
		// invalidate it.
		var cached []*models.Product
		if ok, err := utils.GetCatalogView(&cached); err == nil && ok {
			c.JSON(http.StatusOK, cached)
			return
		}
		products, err := models.GetProductsAll(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		_ = utils.StoreCatalogView(products, catalogViewTTL)
		c.JSON(http.StatusOK, products)
	})
	r.GET("/products/:id", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		product, err := models.GetProduct(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, product)
	})
	r.PUT("/products/:id", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input models.NewProduct
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
			return
		}
		product, err := models.UpdateProduct(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, product)
	})
	r.DELETE("/products/:id", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		product, err := models.DeactivateProduct(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, product)
	})

	// stock ledger
	r.POST("/purchases", func(c *gin.Context) {
		var input models.NewPurchase
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
			return
		}
		entry, err := models.PostPurchase(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		if cc := cache.Default(); cc != nil {
			_ = cc.ForceRefresh(c.Request.Context())
		}
		c.JSON(http.StatusCreated, entry)
	})
	r.POST("/adjustments", func(c *gin.Context) {
		var input models.NewAdjustment
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
			return
		}
		entry, err := models.PostAdjustment(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		if cc := cache.Default(); cc != nil {
			_ = cc.ForceRefresh(c.Request.Context())
		}
		c.JSON(http.StatusCreated, entry)
	})
	r.GET("/products/:id/ledger", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		entries, err := models.GetLedgerEntries(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, entries)
	})

	// inventory read path (served from the materialized cache)
	r.GET("/inventory", func(c *gin.Context) {
		cc, ok := inventoryCache(c)
		if !ok {
			return
		}
		if idsParam := strings.TrimSpace(c.Query("ids")); idsParam != "" {
			ids := make([]int, 0)
			for _, raw := range splitAndTrim(idsParam) {
				id, err := strconv.Atoi(raw)
				if err != nil {
					c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ids"})
					return
				}
				ids = append(ids, id)
			}
			snapshots, err := cc.GetMany(c.Request.Context(), ids)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, snapshots)
			return
		}
		snapshots, err := cc.GetAll(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, snapshots)
	})
	r.GET("/inventory/:id", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		cc, ok := inventoryCache(c)
		if !ok {
			return
		}
		snapshot, found, err := cc.Get(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot for product"})
			return
		}
		c.JSON(http.StatusOK, snapshot)
	})
	r.POST("/cache/refresh", func(c *gin.Context) {
		cc, ok := inventoryCache(c)
		if !ok {
			return
		}
		if err := cc.ForceRefresh(c.Request.Context()); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, cc.Stats())
	})
	r.DELETE("/cache", func(c *gin.Context) {
		cc, ok := inventoryCache(c)
		if !ok {
			return
		}
		cc.Clear()
		c.Status(http.StatusNoContent)
	})
	r.GET("/cache/stats", func(c *gin.Context) {
		cc, ok := inventoryCache(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, cc.Stats())
	})

	// orders & fulfillment
	r.POST("/orders", func(c *gin.Context) {
		var input models.NewOrder
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
			return
		}
		order, err := models.CreateOrder(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, order)
	})
	r.GET("/orders/:id", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		order, err := models.GetOrder(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	})
	r.POST("/orders/:id/confirm", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		order, err := models.ConfirmOrder(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	})
	r.POST("/orders/:id/cancel", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		order, err := models.CancelOrder(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	})
	r.POST("/orders/:id/fulfill", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		result, err := workflow.FulfillOrder(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		if !result.Success {
			// Recoverable, user-facing outcome: the caller messages the
			// customer and may retry later.
			c.JSON(http.StatusConflict, result)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	// invoices
	r.GET("/invoices/:id", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		inv, err := models.GetInvoice(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, inv)
	})
	r.GET("/invoices/:id/document", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		inv, err := models.GetInvoice(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		if len(inv.DocumentBytes) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no document rendered for invoice"})
			return
		}
		c.Header("Content-Disposition", "attachment; filename="+inv.Number+".xlsx")
		c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", inv.DocumentBytes)
	})
	r.GET("/invoices/next-number", func(c *gin.Context) {
		number, err := models.AllocateInvoiceNumber(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"number": number})
	})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination: SIGTERM on revision shutdown, graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP; until DB/Redis are ready, app endpoints
	// return 503.
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production requires an explicit allowlist via CORS_ALLOWED_ORIGINS
	// (comma-separated); non-production allows all.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
	r.Use(cors.New(corsConfig))

	registerRoutes(r)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	go func() {
		logger.Infof("listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	// Connect dependencies after the listener is up.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()
	cache.Init(models.NewInventoryLoader(), config.InventoryCacheTTL())

	<-sigCtx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		config.LogError(logger, "server.go", "main", "Shutdown", nil, err)
	}
}
