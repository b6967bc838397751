package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/newsletter_backend/config"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IssueDeliveryQueue is the durable per-subscriber delivery task. A row's
// presence IS the pending state: rows are deleted on confirmed send and
// moved to DeliveryDeadLetter on permanent failure. The (issue, email)
// unique index makes re-running the fan-out a no-op.
//
// Claimed is not a stored status; it is represented by locked_at/locked_by
// plus the row lock of the claiming transaction, so a crashed worker leaves
// nothing behind but a stale lock that is reclaimed after LockTimeout.
type IssueDeliveryQueue struct {
	ID                int        `gorm:"primary_key" json:"id"`
	NewsletterIssueId uuid.UUID  `gorm:"type:char(36);not null;index:uniq_delivery,unique" json:"newsletter_issue_id"`
	SubscriberEmail   string     `gorm:"size:320;not null;index:uniq_delivery,unique" json:"subscriber_email"`
	Attempts          int        `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt     *time.Time `gorm:"index" json:"next_attempt_at"`
	LastError         *string    `gorm:"type:text" json:"last_error"`
	LockedAt          *time.Time `json:"locked_at"`
	LockedBy          *string    `gorm:"size:100" json:"locked_by"`
	EnqueuedAt        time.Time  `gorm:"autoCreateTime" json:"enqueued_at"`
}

// DeliveryDeadLetter records deliveries abandoned after a permanent
// transport failure or attempt exhaustion. Kept for visibility and manual
// replay; never blocks other subscribers or future issues.
type DeliveryDeadLetter struct {
	ID                int       `gorm:"primary_key" json:"id"`
	NewsletterIssueId uuid.UUID `gorm:"type:char(36);not null;index" json:"newsletter_issue_id"`
	SubscriberEmail   string    `gorm:"size:320;not null" json:"subscriber_email"`
	Attempts          int       `gorm:"not null" json:"attempts"`
	Reason            string    `gorm:"type:text" json:"reason"`
	DeadAt            time.Time `gorm:"autoCreateTime" json:"dead_at"`
}

// enqueueIssueDeliveries fans the issue out to every currently confirmed
// subscriber, on the publish transaction. Duplicate (issue, email) rows are
// skipped so a retried enqueue cannot double-book a subscriber.
func enqueueIssueDeliveries(tx *gorm.DB, issueID uuid.UUID) (int, error) {
	emails, err := listConfirmedEmails(tx)
	if err != nil {
		return 0, err
	}
	if len(emails) == 0 {
		return 0, nil
	}

	entries := make([]IssueDeliveryQueue, 0, len(emails))
	for _, email := range emails {
		entries = append(entries, IssueDeliveryQueue{
			NewsletterIssueId: issueID,
			SubscriberEmail:   email,
		})
	}
	err = tx.Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(entries, 500).Error
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// ClaimDueDeliveries locks and stamps a batch of due queue entries for
// workerID. Eligible rows are unlocked rows whose next_attempt_at has
// passed (or is unset), plus rows whose lock went stale because a worker
// died mid-batch. SKIP LOCKED lets N workers claim disjoint batches.
//
// The attempt counter is charged here, at claim time, not when a decision
// commits. An entry that keeps killing its worker mid-send never commits a
// decision, so charging on claim is the only way such an entry converges
// on the max-attempts cutoff instead of being stale-reclaimed forever.
func ClaimDueDeliveries(ctx context.Context, workerID string, batchSize int, lockTimeout time.Duration) ([]IssueDeliveryQueue, error) {
	db := config.GetDB()
	now := time.Now().UTC()
	staleBefore := now.Add(-lockTimeout)

	var claimed []IssueDeliveryQueue
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where(`
				(
					locked_at IS NULL AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					locked_at IS NOT NULL AND locked_at <= ?
				)
			`, now, staleBefore).
			Order("id ASC").
			Limit(batchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		for i := range claimed {
			claimed[i].Attempts++
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &workerID
			if err := tx.Model(&IssueDeliveryQueue{}).
				Where("id = ?", claimed[i].ID).
				Updates(map[string]interface{}{
					"attempts":  gorm.Expr("attempts + 1"),
					"locked_at": claimed[i].LockedAt,
					"locked_by": claimed[i].LockedBy,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteDelivery removes the queue entry after a confirmed send. The
// row's absence is the permanent record of completion.
func CompleteDelivery(ctx context.Context, id int) error {
	db := config.GetDB()
	return db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&IssueDeliveryQueue{}).Error
}

// RescheduleDelivery releases the entry for a later attempt with the given
// backoff delay and records the failure.
func RescheduleDelivery(ctx context.Context, rec *IssueDeliveryQueue, attempts int, delay time.Duration, sendErr error) error {
	db := config.GetDB()
	next := time.Now().UTC().Add(delay)
	errMsg := ""
	if sendErr != nil {
		errMsg = sendErr.Error()
	}
	return db.WithContext(ctx).Model(&IssueDeliveryQueue{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"attempts":        attempts,
			"next_attempt_at": &next,
			"last_error":      &errMsg,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
}

// DeadLetterDelivery atomically records the abandonment and removes the
// queue entry.
func DeadLetterDelivery(ctx context.Context, rec *IssueDeliveryQueue, attempts int, reason string) error {
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		letter := DeliveryDeadLetter{
			NewsletterIssueId: rec.NewsletterIssueId,
			SubscriberEmail:   rec.SubscriberEmail,
			Attempts:          attempts,
			Reason:            reason,
		}
		if err := tx.Create(&letter).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", rec.ID).Delete(&IssueDeliveryQueue{}).Error
	})
}

// ReplayDeadLetter puts a dead-lettered delivery back on the active queue
// with a reset attempt count. Used by the ops replay endpoint.
func ReplayDeadLetter(ctx context.Context, deadLetterID int) (*IssueDeliveryQueue, error) {
	db := config.GetDB()

	var entry IssueDeliveryQueue
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var letter DeliveryDeadLetter
		if err := tx.Where("id = ?", deadLetterID).Take(&letter).Error; err != nil {
			return err
		}
		entry = IssueDeliveryQueue{
			NewsletterIssueId: letter.NewsletterIssueId,
			SubscriberEmail:   letter.SubscriberEmail,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", deadLetterID).Delete(&DeliveryDeadLetter{}).Error
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// CountPendingDeliveries reports remaining queue entries for an issue.
func CountPendingDeliveries(ctx context.Context, issueID uuid.UUID) (int64, error) {
	db := config.GetDB()
	var count int64
	err := db.WithContext(ctx).Model(&IssueDeliveryQueue{}).
		Where("newsletter_issue_id = ?", issueID).
		Count(&count).Error
	return count, err
}
