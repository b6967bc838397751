package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/newsletter_backend/config"
	"bitbucket.org/mmdatafocus/newsletter_backend/utils"
)

// User is an editor account allowed to publish newsletter issues.
type User struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Username  string    `gorm:"size:100;not null;unique" json:"username" binding:"required"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	Password  string    `gorm:"size:255;not null" json:"-"`
	IsActive  *bool     `gorm:"not null" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewUser struct {
	Username string `json:"username" binding:"required"`
	Name     string `json:"name"`
	Password string `json:"password" binding:"required"`
}

/*
caches:
	User:$username
	Token:$token
*/

var ErrInvalidCredentials = errors.New("invalid username or password")

func CreateUser(ctx context.Context, input *NewUser) (*User, error) {
	username := strings.TrimSpace(input.Username)
	if username == "" {
		return nil, errors.New("username is required")
	}
	if input.Password == "" {
		return nil, errors.New("password is required")
	}

	hashed, err := utils.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	active := true
	user := User{
		Username: username,
		Name:     input.Name,
		Password: string(hashed),
		IsActive: &active,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// Authenticate verifies the credential pair and returns the user.
// A bcrypt comparison runs even for unknown usernames so response timing
// does not reveal which usernames exist.
func Authenticate(ctx context.Context, username string, password string) (*User, error) {
	db := config.GetDB()

	var user User
	err := db.WithContext(ctx).Where("username = ?", username).Take(&user).Error
	if err != nil {
		_ = utils.ComparePassword(
			"$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy",
			password,
		)
		return nil, ErrInvalidCredentials
	}
	if user.IsActive == nil || !*user.IsActive {
		return nil, ErrInvalidCredentials
	}
	if err := utils.ComparePassword(user.Password, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// GetUser fetches by username, preferring the Redis cache.
func GetUser(ctx context.Context, username string) (*User, error) {
	var user User
	exists, err := config.GetRedisObject("User:"+username, &user)
	if err == nil && exists {
		return &user, nil
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Where("username = ?", username).Take(&user).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	_ = config.SetRedisObject("User:"+username, &user, 30*time.Minute)
	return &user, nil
}
