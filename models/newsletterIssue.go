package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/newsletter_backend/config"
	"bitbucket.org/mmdatafocus/newsletter_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NewsletterIssue is an immutable record of one published issue. Rows are
// created exactly once inside the publish transaction and never updated or
// deleted afterwards.
type NewsletterIssue struct {
	ID          uuid.UUID `gorm:"type:char(36);primary_key" json:"id"`
	Title       string    `gorm:"size:512;not null" json:"title"`
	HtmlContent string    `gorm:"type:mediumtext;not null" json:"html_content"`
	TextContent string    `gorm:"type:mediumtext;not null" json:"text_content"`
	PublishedAt time.Time `gorm:"not null" json:"published_at"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type NewNewsletterIssue struct {
	Title       string `form:"title" json:"title" binding:"required"`
	TextContent string `form:"text_content" json:"text_content" binding:"required"`
	HtmlContent string `form:"html_content" json:"html_content" binding:"required"`
}

var ErrInvalidIssueContent = errors.New("issue title and both content bodies are required")

func (input *NewNewsletterIssue) validate() error {
	if strings.TrimSpace(input.Title) == "" ||
		strings.TrimSpace(input.TextContent) == "" ||
		strings.TrimSpace(input.HtmlContent) == "" {
		return ErrInvalidIssueContent
	}
	return nil
}

// insertIssue writes the issue row on the publish transaction. Only
// PublishNewsletterIssue may call it.
func insertIssue(tx *gorm.DB, input *NewNewsletterIssue, now time.Time) (*NewsletterIssue, error) {
	issue := NewsletterIssue{
		ID:          uuid.New(),
		Title:       input.Title,
		HtmlContent: input.HtmlContent,
		TextContent: input.TextContent,
		PublishedAt: now,
	}
	if err := tx.Create(&issue).Error; err != nil {
		return nil, err
	}
	return &issue, nil
}

// GetNewsletterIssue loads an issue for delivery.
func GetNewsletterIssue(ctx context.Context, id uuid.UUID) (*NewsletterIssue, error) {
	db := config.GetDB()
	var issue NewsletterIssue
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&issue).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &issue, nil
}
