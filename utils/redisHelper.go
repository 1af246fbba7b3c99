package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/retailpos_backend/config"
)

const (
	productViewKeyPrefix = "productView:"
	catalogViewKey       = "catalogView"
)

func ProductViewKey(productId int) string {
	return fmt.Sprintf("%s%d", productViewKeyPrefix, productId)
}

// GetCatalogView reads the cached storefront catalog, if present.
func GetCatalogView(dest interface{}) (bool, error) {
	return config.GetRedisObject(catalogViewKey, dest)
}

func StoreCatalogView(view interface{}, exp time.Duration) error {
	return config.SetRedisObject(catalogViewKey, view, exp)
}

// InvalidateProductViews drops externally cached read views keyed by the
// affected products. Called after every stock-affecting commit.
func InvalidateProductViews(ctx context.Context, productIds []int) error {
	keys := make([]string, 0, len(productIds)+1)
	for _, id := range productIds {
		keys = append(keys, ProductViewKey(id))
	}
	keys = append(keys, catalogViewKey)
	return config.RemoveRedisKey(keys...)
}

// StockLock obtains a short best-effort Redis lock around stock posting.
// Reliability must not depend on Redis: posting is also serialized via MySQL
// advisory locks inside the fulfillment transaction.
func StockLock(ctx context.Context, scope string, moduleName string, functionName string) (func(), error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		// Redis is optional for correctness; skip when not initialized.
		return func() {}, nil
	}
	lockKey := fmt.Sprintf("stockLock:%s", scope)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 10),
	})
	if err == redislock.ErrNotObtained {
		// Proceed without the Redis lock; the advisory lock still serializes.
		config.LogError(logger, moduleName, functionName, "Could not obtain stock lock", scope, err)
		return func() {}, nil
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining stock lock", scope, err)
		return nil, err
	}
	return func() {
		_ = lock.Release(ctx)
	}, nil
}
