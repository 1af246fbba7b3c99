package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// StrictStockRecheck re-runs the per-line shortfall check inside the
// fulfillment transaction, after the posting lock is held. Two concurrent
// fulfillments of the same scarce product can otherwise both pass their
// pre-check against the same aggregate and oversell.
//
// Set via env (defaults to enabled):
// - STRICT_STOCK_RECHECK=false to disable
func StrictStockRecheck() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STRICT_STOCK_RECHECK")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// InventoryCacheTTL controls how long a materialized inventory snapshot set
// is served before a read triggers a rebuild.
//
// Set via env:
// - INVENTORY_CACHE_TTL_HOURS (default 24)
func InventoryCacheTTL() time.Duration {
	raw := strings.TrimSpace(os.Getenv("INVENTORY_CACHE_TTL_HOURS"))
	if raw == "" {
		return 24 * time.Hour
	}
	hours, err := strconv.Atoi(raw)
	if err != nil || hours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(hours) * time.Hour
}
