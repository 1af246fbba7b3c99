package workflow

import (
	"fmt"
	"sort"

	"github.com/mmdatafocus/retailpos_backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AcquireStockPostingLock serializes stock posting across instances using
// MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB transaction that will do the posting.
func AcquireStockPostingLock(tx *gorm.DB) error {
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", stockPostingLockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire stock posting lock")
	}
	return nil
}

func ReleaseStockPostingLock(tx *gorm.DB) {
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", stockPostingLockName).Scan(&_ok).Error
}

// LockProductRows takes FOR UPDATE row locks on the products being posted
// against, in ascending id order so concurrent fulfillments cannot deadlock.
// The rows stay locked until commit, which makes check-and-consume atomic:
// a competing transaction blocks here until this one commits, and since the
// locking read runs before the transaction's first consistent read, the
// competitor's ledger aggregates are taken from a snapshot that includes the
// committed sale entries. The advisory lock above is released before commit,
// so the row locks, not the advisory lock, carry this guarantee.
func LockProductRows(tx *gorm.DB, productIds []int) error {
	if len(productIds) == 0 {
		return nil
	}
	ids := make([]int, len(productIds))
	copy(ids, productIds)
	sort.Ints(ids)

	var locked []int
	return tx.Model(&models.Product{}).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", ids).
		Order("id").
		Pluck("id", &locked).Error
}

const stockPostingLockName = "posting:stock"
