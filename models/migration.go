package models

import (
	"log"

	"github.com/mmdatafocus/retailpos_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Product{},
		&StockLedgerEntry{},
		&Order{}, &OrderLine{},
		&Invoice{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
