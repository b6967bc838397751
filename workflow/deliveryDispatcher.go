package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/newsletter_backend/config"
	"bitbucket.org/mmdatafocus/newsletter_backend/models"
	"bitbucket.org/mmdatafocus/newsletter_backend/utils"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DeliveryDispatcher drains the issue delivery queue: claim a batch of due
// entries, hand each to the email transport, and commit a per-entry
// decision (done / retry later / dead-letter). Multiple dispatchers may run
// across processes; SKIP LOCKED claims plus stale-lock reclaim make that
// safe without any in-process coordination.
type DeliveryDispatcher struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Mailer   config.Mailer
	WorkerID string

	BatchSize    int
	PollInterval time.Duration
	LockTimeout  time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

func NewDeliveryDispatcher(db *gorm.DB, logger *logrus.Logger) *DeliveryDispatcher {
	cfg := getDeliveryRetryConfig()
	return &DeliveryDispatcher{
		DB:           db,
		Logger:       logger,
		Mailer:       config.GetMailer(),
		WorkerID:     uuid.NewString(),
		BatchSize:    50,
		PollInterval: 2 * time.Second,
		LockTimeout:  30 * time.Second,
		MaxAttempts:  cfg.maxAttempts,
		BaseBackoff:  cfg.baseBackoff,
		MaxBackoff:   cfg.maxBackoff,
	}
}

func (d *DeliveryDispatcher) Run(ctx context.Context) {
	if d == nil || d.DB == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.dispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

func (d *DeliveryDispatcher) dispatchOnce(ctx context.Context) {
	// Redis lock is a best-effort optimization to keep replicas from
	// scanning the queue at the same moment. Reliability must not depend on
	// Redis: claims are serialized by MySQL row locks either way.
	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, "delivery:dispatch", d.PollInterval, nil)
		if err == nil {
			defer lock.Release(context.WithoutCancel(ctx))
		} else if errors.Is(err, redislock.ErrNotObtained) {
			return
		}
	}

	claimed, err := models.ClaimDueDeliveries(ctx, d.WorkerID, d.BatchSize, d.LockTimeout)
	if err != nil {
		config.LogError(d.Logger, "deliveryDispatcher.go", "dispatchOnce", "ClaimDueDeliveries", nil, err)
		return
	}

	for i := range claimed {
		d.process(ctx, &claimed[i])
	}
}

func (d *DeliveryDispatcher) process(ctx context.Context, rec *models.IssueDeliveryQueue) {
	// Attempts was already charged by the claim. An entry past the cutoff
	// got there by crashing its workers before any decision could commit;
	// dead-letter it before handing it to the transport again.
	attempts := rec.Attempts
	if attempts > d.MaxAttempts {
		d.deadLetter(ctx, rec, attempts, "max delivery attempts exceeded")
		return
	}

	issue, err := models.GetNewsletterIssue(ctx, rec.NewsletterIssueId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			d.deadLetter(ctx, rec, attempts, "newsletter issue row missing")
			return
		}
		d.reschedule(ctx, rec, attempts, err)
		return
	}

	// The subscriber was confirmed at enqueue time; skip anyone who has
	// since dropped off the list instead of emailing them.
	confirmed, err := models.IsConfirmedSubscriber(ctx, rec.SubscriberEmail)
	if err != nil {
		d.reschedule(ctx, rec, attempts, err)
		return
	}
	if !confirmed {
		d.deadLetter(ctx, rec, attempts, "subscriber no longer confirmed")
		return
	}

	sendErr := d.Mailer.Send(ctx, rec.SubscriberEmail, issue.Title, issue.HtmlContent, issue.TextContent)
	if sendErr == nil {
		if err := models.CompleteDelivery(ctx, rec.ID); err != nil {
			// The email went out but the delete failed; the stale lock will
			// expire and another worker may re-send. Accepted at-least-once
			// behavior at the transport boundary.
			config.LogError(d.Logger, "deliveryDispatcher.go", "process", "CompleteDelivery", rec.ID, err)
			return
		}
		d.Logger.WithFields(logrus.Fields{
			"module":    "deliveryDispatcher",
			"issue_id":  rec.NewsletterIssueId,
			"recipient": rec.SubscriberEmail,
			"attempts":  attempts,
		}).Info("newsletter issue delivered")
		return
	}

	if config.IsPermanentDeliveryError(sendErr) {
		d.deadLetter(ctx, rec, attempts, sendErr.Error())
		return
	}
	d.reschedule(ctx, rec, attempts, sendErr)
}

func (d *DeliveryDispatcher) reschedule(ctx context.Context, rec *models.IssueDeliveryQueue, attempts int, cause error) {
	if attempts >= d.MaxAttempts {
		d.deadLetter(ctx, rec, attempts, "max delivery attempts exceeded: "+cause.Error())
		return
	}

	cfg := deliveryRetryConfig{maxAttempts: d.MaxAttempts, baseBackoff: d.BaseBackoff, maxBackoff: d.MaxBackoff}
	delay := deliveryBackoff(attempts, cfg)
	if err := models.RescheduleDelivery(ctx, rec, attempts, delay, cause); err != nil {
		config.LogError(d.Logger, "deliveryDispatcher.go", "reschedule", "RescheduleDelivery", rec.ID, err)
		return
	}
	d.Logger.WithFields(logrus.Fields{
		"module":    "deliveryDispatcher",
		"issue_id":  rec.NewsletterIssueId,
		"recipient": rec.SubscriberEmail,
		"attempts":  attempts,
		"retry_in":  delay.String(),
	}).Warn("delivery failed, rescheduled: " + cause.Error())
}

func (d *DeliveryDispatcher) deadLetter(ctx context.Context, rec *models.IssueDeliveryQueue, attempts int, reason string) {
	if err := models.DeadLetterDelivery(ctx, rec, attempts, reason); err != nil {
		config.LogError(d.Logger, "deliveryDispatcher.go", "deadLetter", "DeadLetterDelivery", rec.ID, err)
		return
	}
	d.Logger.WithFields(logrus.Fields{
		"module":    "deliveryDispatcher",
		"issue_id":  rec.NewsletterIssueId,
		"recipient": rec.SubscriberEmail,
		"attempts":  attempts,
	}).Error("delivery dead-lettered: " + reason)
}
