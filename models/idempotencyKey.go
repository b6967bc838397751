package models

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/newsletter_backend/config"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
)

// IdempotencyKey provides durable, DB-backed request idempotency for the
// publish endpoint. Unique constraint: (username, idempotency_token). The
// token is scoped per authenticated identity so two editors using equal
// tokens do not collide.
//
// A SUCCEEDED row stores the first response verbatim (status, headers, body)
// so every replay is byte-identical to what the first caller received.
type IdempotencyKey struct {
	ID                 int               `gorm:"primary_key" json:"id"`
	Username           string            `gorm:"size:100;not null;index:uniq_idem,unique" json:"username"`
	IdempotencyToken   string            `gorm:"size:255;not null;index:uniq_idem,unique" json:"idempotency_token"`
	Status             IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`
	ResponseStatusCode *int              `json:"response_status_code"`
	ResponseHeaders    []byte            `gorm:"type:text" json:"response_headers"`
	ResponseBody       []byte            `gorm:"type:mediumblob" json:"response_body"`
	CreatedAt          time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// SavedResponse is the replayable HTTP response held by a SUCCEEDED row.
type SavedResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// ErrIdempotencyDuplicate means another request holds (or held) this token.
// The caller must roll back its transaction and take the replay path.
var ErrIdempotencyDuplicate = errors.New("idempotency token already claimed")

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// TryBeginIdempotency claims (username, token) by inserting a STARTED row on
// the caller's transaction. Exactly one concurrent caller succeeds; the rest
// get ErrIdempotencyDuplicate. Under InnoDB a racing insert waits on the
// winner's index lock, so the duplicate error is typically observed only
// after the winner committed and its response is already readable.
func TryBeginIdempotency(tx *gorm.DB, username string, token string) error {
	key := IdempotencyKey{
		Username:         username,
		IdempotencyToken: token,
		Status:           IdempotencyStatusStarted,
	}
	if err := tx.Create(&key).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return ErrIdempotencyDuplicate
		}
		return err
	}
	return nil
}

// CompleteIdempotency finalizes the claimed row with the response to be
// replayed. Must run on the same transaction that performed the side
// effects: a rollback removes the claim together with the issue and its
// queue entries, so a retry with the same token starts over cleanly.
func CompleteIdempotency(tx *gorm.DB, username string, token string, resp *SavedResponse) error {
	headers, err := json.Marshal(resp.Headers)
	if err != nil {
		return err
	}
	status := resp.StatusCode
	return tx.Model(&IdempotencyKey{}).
		Where("username = ? AND idempotency_token = ?", username, token).
		Updates(map[string]interface{}{
			"status":               IdempotencyStatusSucceeded,
			"response_status_code": &status,
			"response_headers":     headers,
			"response_body":        resp.Body,
		}).Error
}

// GetSavedIdempotencyResponse reads the committed response for (username,
// token). ok is false while the first request is still in flight (row
// STARTED or not yet visible).
func GetSavedIdempotencyResponse(ctx context.Context, username string, token string) (*SavedResponse, bool, error) {
	db := config.GetDB()

	var key IdempotencyKey
	err := db.WithContext(ctx).
		Where("username = ? AND idempotency_token = ?", username, token).
		Take(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if key.Status != IdempotencyStatusSucceeded || key.ResponseStatusCode == nil {
		return nil, false, nil
	}

	headers := http.Header{}
	if len(key.ResponseHeaders) > 0 {
		if err := json.Unmarshal(key.ResponseHeaders, &headers); err != nil {
			return nil, false, err
		}
	}
	return &SavedResponse{
		StatusCode: *key.ResponseStatusCode,
		Headers:    headers,
		Body:       key.ResponseBody,
	}, true, nil
}
