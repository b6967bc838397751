package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Mailer is the outbound email transport boundary. Implementations must
// return a *DeliveryError so callers can distinguish transient failures
// (retry) from permanent ones (dead-letter).
type Mailer interface {
	Send(ctx context.Context, recipient, subject, htmlBody, textBody string) error
}

// DeliveryError classifies a failed send.
type DeliveryError struct {
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Permanent {
		return "permanent delivery failure: " + e.Err.Error()
	}
	return "transient delivery failure: " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsPermanentDeliveryError reports whether err is a send failure that will
// never succeed on retry (e.g. rejected recipient address).
func IsPermanentDeliveryError(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

var (
	mailer   Mailer
	mailerMu sync.Mutex
)

// GetMailer returns the configured transport, initializing the SendGrid
// client on first use. Tests replace it via SetMailer.
func GetMailer() Mailer {
	mailerMu.Lock()
	defer mailerMu.Unlock()
	if mailer == nil {
		mailer = &sendGridMailer{
			apiKey:      os.Getenv("SENDGRID_API_KEY"),
			senderName:  envOr("EMAIL_SENDER_NAME", "Newsletter"),
			senderEmail: envOr("EMAIL_SENDER_ADDRESS", "newsletter@localhost"),
		}
	}
	return mailer
}

// SetMailer overrides the transport. Pass nil to fall back to SendGrid.
func SetMailer(m Mailer) {
	mailerMu.Lock()
	mailer = m
	mailerMu.Unlock()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type sendGridMailer struct {
	apiKey      string
	senderName  string
	senderEmail string
}

func (s *sendGridMailer) Send(ctx context.Context, recipient, subject, htmlBody, textBody string) error {
	if s.apiKey == "" {
		return &DeliveryError{Permanent: false, Err: errors.New("SENDGRID_API_KEY not set")}
	}

	from := mail.NewEmail(s.senderName, s.senderEmail)
	to := mail.NewEmail("", recipient)
	message := mail.NewSingleEmail(from, subject, to, textBody, htmlBody)

	client := sendgrid.NewSendClient(s.apiKey)
	response, err := client.SendWithContext(ctx, message)
	if err != nil {
		// Network/timeout errors: the request may not have reached SendGrid.
		return &DeliveryError{Permanent: false, Err: err}
	}
	return ClassifySendStatus(response.StatusCode, response.Body)
}

// ClassifySendStatus maps a transport HTTP status to the delivery error
// taxonomy. 2xx is success; 429 and 5xx are retryable; remaining 4xx are
// rejected requests that will never succeed on retry.
func ClassifySendStatus(statusCode int, body string) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == 429 || statusCode >= 500:
		return &DeliveryError{Permanent: false, Err: fmt.Errorf("transport returned %d: %s", statusCode, body)}
	default:
		return &DeliveryError{Permanent: true, Err: fmt.Errorf("transport returned %d: %s", statusCode, body)}
	}
}
