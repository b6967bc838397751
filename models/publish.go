package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/newsletter_backend/config"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// How long a racing request waits for the first holder of its idempotency
// token to commit before giving up. Normally unreached: the racing INSERT
// blocks on the winner's index lock inside MySQL, so by the time we see the
// duplicate error the winner's response is already committed.
const publishReplayWait = 10 * time.Second

var ErrPublishReplayTimeout = errors.New("concurrent publish with the same idempotency token did not complete in time")

// PublishNewsletterIssue is the idempotent publish path. One database
// transaction claims the idempotency token, inserts the issue, fans out one
// queue entry per confirmed subscriber, and stores the success response.
// Commit makes all four effects visible as a single indivisible fact; any
// failure rolls back all of them so a retry with the same token starts over
// cleanly.
//
// Returns the response to write: the freshly stored one, or the byte-exact
// replay when the token was already used. replayed distinguishes the two.
func PublishNewsletterIssue(ctx context.Context, username string, token string, input *NewNewsletterIssue, success *SavedResponse) (resp *SavedResponse, replayed bool, err error) {
	// Validation failures must leave no trace: no ledger record, no issue.
	if err := input.validate(); err != nil {
		return nil, false, err
	}

	db := config.GetDB()
	logger := config.GetLogger()
	deadline := time.Now().Add(publishReplayWait)

	for {
		var issueID string
		var enqueued int
		txErr := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := TryBeginIdempotency(tx, username, token); err != nil {
				return err
			}
			issue, err := insertIssue(tx, input, time.Now().UTC())
			if err != nil {
				return err
			}
			issueID = issue.ID.String()
			n, err := enqueueIssueDeliveries(tx, issue.ID)
			if err != nil {
				return err
			}
			enqueued = n
			return CompleteIdempotency(tx, username, token, success)
		})
		if txErr == nil {
			logger.WithFields(logrus.Fields{
				"module":   "publish",
				"username": username,
				"issue_id": issueID,
				"enqueued": enqueued,
			}).Info("newsletter issue published")
			return success, false, nil
		}
		if !errors.Is(txErr, ErrIdempotencyDuplicate) {
			return nil, false, txErr
		}

		// Someone else holds the token. Replay their committed response,
		// or wait briefly if they are still in flight.
		saved, ok, err := GetSavedIdempotencyResponse(ctx, username, token)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return saved, true, nil
		}
		if time.Now().After(deadline) {
			return nil, false, ErrPublishReplayTimeout
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
