package models

import (
	"log"

	"bitbucket.org/mmdatafocus/newsletter_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&User{},
		&Subscriber{},
		&NewsletterIssue{},
		&IdempotencyKey{},
		&IssueDeliveryQueue{},
		&DeliveryDeadLetter{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
