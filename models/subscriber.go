package models

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"bitbucket.org/mmdatafocus/newsletter_backend/config"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SubscriberStatus string

const (
	SubscriberStatusPending   SubscriberStatus = "PENDING_CONFIRMATION"
	SubscriberStatusConfirmed SubscriberStatus = "CONFIRMED"
)

// Subscriber is one mailing-list member. Only CONFIRMED subscribers are
// fanned out to when an issue is published.
type Subscriber struct {
	ID                uuid.UUID        `gorm:"type:char(36);primary_key" json:"id"`
	Email             string           `gorm:"size:320;not null;unique" json:"email"`
	Name              string           `gorm:"size:256;not null" json:"name"`
	Status            SubscriberStatus `gorm:"type:enum('PENDING_CONFIRMATION','CONFIRMED');not null;index" json:"status"`
	ConfirmationToken string           `gorm:"size:64;not null;unique" json:"-"`
	CreatedAt         time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewSubscriber struct {
	Name  string `form:"name" json:"name" binding:"required"`
	Email string `form:"email" json:"email" binding:"required"`
}

var (
	ErrInvalidSubscriberName    = errors.New("subscriber name is missing or invalid")
	ErrInvalidSubscriberEmail   = errors.New("subscriber email is missing or invalid")
	ErrUnknownConfirmationToken = errors.New("unknown confirmation token")
)

// forbidden in names to keep them safe for templating into emails
const forbiddenNameCharacters = "/()\"<>\\{}"

func validateSubscriberName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || utf8.RuneCountInString(trimmed) > 256 {
		return ErrInvalidSubscriberName
	}
	if strings.ContainsAny(trimmed, forbiddenNameCharacters) {
		return ErrInvalidSubscriberName
	}
	return nil
}

func validateSubscriberEmail(email string) error {
	trimmed := strings.TrimSpace(email)
	// 320 is the RFC octet cap, so this one is a byte limit on purpose.
	if trimmed == "" || len(trimmed) > 320 {
		return ErrInvalidSubscriberEmail
	}
	addr, err := mail.ParseAddress(trimmed)
	if err != nil || addr.Address != trimmed {
		return ErrInvalidSubscriberEmail
	}
	return nil
}

// CreateSubscriber registers a pending subscriber and sends the confirmation
// email. Re-subscribing with an email that is already pending re-sends the
// confirmation; an already-confirmed email is a no-op.
func CreateSubscriber(ctx context.Context, input *NewSubscriber) (*Subscriber, error) {
	if err := validateSubscriberName(input.Name); err != nil {
		return nil, err
	}
	if err := validateSubscriberEmail(input.Email); err != nil {
		return nil, err
	}

	email := strings.TrimSpace(input.Email)
	name := strings.TrimSpace(input.Name)

	db := config.GetDB()

	var sub Subscriber
	err := db.WithContext(ctx).Where("email = ?", email).Take(&sub).Error
	switch {
	case err == nil:
		if sub.Status == SubscriberStatusConfirmed {
			return &sub, nil
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		sub = Subscriber{
			ID:                uuid.New(),
			Email:             email,
			Name:              name,
			Status:            SubscriberStatusPending,
			ConfirmationToken: uuid.NewString(),
		}
		res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&sub)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			// Lost a race against a concurrent registration; the winner's row
			// carries the authoritative token and status.
			if err := db.WithContext(ctx).Where("email = ?", email).Take(&sub).Error; err != nil {
				return nil, err
			}
			if sub.Status == SubscriberStatusConfirmed {
				return &sub, nil
			}
		}
	default:
		return nil, err
	}

	sendConfirmationEmail(ctx, &sub)
	return &sub, nil
}

// sendConfirmationEmail is best-effort: registration succeeds even if the
// transport is down, the subscriber can re-submit the form to retry.
func sendConfirmationEmail(ctx context.Context, sub *Subscriber) {
	base := envBaseURL()
	link := fmt.Sprintf("%s/subscriptions/confirm?subscription_token=%s", base, sub.ConfirmationToken)
	htmlBody := fmt.Sprintf(
		"Welcome to our newsletter!<br />Click <a href=\"%s\">here</a> to confirm your subscription.",
		link,
	)
	textBody := fmt.Sprintf(
		"Welcome to our newsletter!\nVisit %s to confirm your subscription.",
		link,
	)
	if err := config.GetMailer().Send(ctx, sub.Email, "Please confirm your subscription", htmlBody, textBody); err != nil {
		config.LogError(config.GetLogger(), "subscriber.go", "sendConfirmationEmail", "Send", sub.Email, err)
	}
}

func envBaseURL() string {
	// APP_BASE_URL is the externally visible origin used in email links.
	if v := strings.TrimSpace(os.Getenv("APP_BASE_URL")); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://localhost:8080"
}

// ConfirmSubscriber flips a pending subscriber to CONFIRMED.
func ConfirmSubscriber(ctx context.Context, token string) (*Subscriber, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrUnknownConfirmationToken
	}
	db := config.GetDB()

	var sub Subscriber
	if err := db.WithContext(ctx).Where("confirmation_token = ?", token).Take(&sub).Error; err != nil {
		return nil, ErrUnknownConfirmationToken
	}
	if sub.Status == SubscriberStatusConfirmed {
		return &sub, nil
	}
	if err := db.WithContext(ctx).Model(&Subscriber{}).
		Where("id = ?", sub.ID).
		Update("status", SubscriberStatusConfirmed).Error; err != nil {
		return nil, err
	}
	sub.Status = SubscriberStatusConfirmed
	return &sub, nil
}

// listConfirmedEmails returns the current confirmed mailing list. It runs on
// the caller's transaction so fan-out sees a consistent snapshot.
func listConfirmedEmails(tx *gorm.DB) ([]string, error) {
	var emails []string
	err := tx.Model(&Subscriber{}).
		Where("status = ?", SubscriberStatusConfirmed).
		Order("email ASC").
		Pluck("email", &emails).Error
	if err != nil {
		return nil, err
	}
	return emails, nil
}

// IsConfirmedSubscriber reports whether email is currently confirmed.
func IsConfirmedSubscriber(ctx context.Context, email string) (bool, error) {
	db := config.GetDB()
	var count int64
	err := db.WithContext(ctx).Model(&Subscriber{}).
		Where("email = ? AND status = ?", email, SubscriberStatusConfirmed).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
