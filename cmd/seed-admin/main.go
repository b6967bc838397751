// seed-admin creates or updates the editor account used to publish issues.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	ADMIN_USERNAME=editor ADMIN_PASSWORD=... go run ./cmd/seed-admin
package main

import (
	"context"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/newsletter_backend/config"
	"bitbucket.org/mmdatafocus/newsletter_backend/models"
	"bitbucket.org/mmdatafocus/newsletter_backend/utils"
	"gorm.io/gorm"
)

func main() {
	ctx := context.Background()

	username := os.Getenv("ADMIN_USERNAME")
	password := os.Getenv("ADMIN_PASSWORD")
	if username == "" || password == "" {
		fmt.Fprintln(os.Stderr, "ADMIN_USERNAME and ADMIN_PASSWORD are required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	var existing models.User
	err := db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).First(&existing).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			fmt.Fprintf(os.Stderr, "failed to lookup user: %v\n", err)
			os.Exit(1)
		}
		u, err := models.CreateUser(ctx, &models.NewUser{
			Username: username,
			Name:     username,
			Password: password,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("created editor user %q (id=%d)\n", username, u.ID)
		return
	}

	hashed, err := utils.HashPassword(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}
	active := true
	if err := db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"password":  string(hashed),
			"is_active": &active,
		}).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to update user: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("updated editor user %q (id=%d)\n", username, existing.ID)
}
