package models

import (
	"log"

	"github.com/mmdatafocus/onboard_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Organization{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
