// Package mailer serializes a Table to CSV and delivers it by email, or
// sends a failure notice, with a bounded retry policy.
package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	gomail "gopkg.in/gomail.v2"

	"github.com/datajob/engine/internal/table"
)

// ErrKind distinguishes retryable from terminal delivery failures.
type ErrKind int

const (
	Transient ErrKind = iota
	Permanent
	Cancelled
)

// MailError carries a human-readable cause and whether delivery is worth
// retrying.
type MailError struct {
	Kind ErrKind
	Cause error
}

func (e *MailError) Error() string { return e.Cause.Error() }
func (e *MailError) Unwrap() error { return e.Cause }

const (
	maxAttempts = 2
	retryPause = 5 * time.Second
)

// Dialer abstracts gomail.Dialer so tests can substitute a recording
// fake instead of a real SMTP connection.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// Config carries the SMTP settings read from the environment.
type Config struct {
	Host string
	Port int
	User string
	Password string
	FromEmail string
	UseTLS bool
}

// Mailer delivers success and failure notices over SMTP.
type Mailer struct {
	dialer Dialer
	from string
}

// New builds a Mailer from Config. gomail negotiates STARTTLS
// opportunistically when the server advertises it; setting UseTLS false
// additionally disables certificate verification for the rare deployment
// that insists on a plain, unauthenticated relay.
func New(cfg Config) *Mailer {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	if !cfg.UseTLS {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Mailer{dialer: d, from: cfg.FromEmail}
}

// NewWithDialer builds a Mailer over an arbitrary Dialer, for tests.
func NewWithDialer(d Dialer, from string) *Mailer {
	return &Mailer{dialer: d, from: from}
}

// DeliverSuccess sends the job's result table as a CSV attachment.
func (m *Mailer) DeliverSuccess(ctx context.Context, jobName string, recipients []string, result *table.Table, runTime time.Time) error {
	csvBytes, err := result.CSVBytes()
	if err != nil {
		return &MailError{Permanent, fmt.Errorf("mailer: serialize result: %w", err)}
	}

	stamp := runTime.UTC().Format("2006-01-02T15-04-05Z")
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", recipients...)
	msg.SetHeader("Subject", fmt.Sprintf("Job Results: %s - %s", jobName, runTime.UTC().Format(time.RFC3339)))
	msg.SetBody("text/plain", fmt.Sprintf("Job %q completed successfully at %s. Results are attached.", jobName, runTime.UTC().Format(time.RFC3339)))
	msg.Attach(fmt.Sprintf("%s_%s.csv", jobName, stamp), gomail.SetCopyFunc(func(w io.Writer) error {
		_, err := w.Write(csvBytes)
		return err
	}))

	return m.sendWithRetry(ctx, msg)
}

// DeliverFailure sends a failure notice with errorSummary in the body.
func (m *Mailer) DeliverFailure(ctx context.Context, jobName string, recipients []string, errorSummary string, runTime time.Time) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", recipients...)
	msg.SetHeader("Subject", fmt.Sprintf("Job Failed: %s - %s", jobName, runTime.UTC().Format(time.RFC3339)))
	msg.SetBody("text/plain", errorSummary)

	return m.sendWithRetry(ctx, msg)
}

func (m *Mailer) sendWithRetry(ctx context.Context, msg *gomail.Message) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &MailError{Cancelled, err}
		}
		err := m.dialer.DialAndSend(msg)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return &MailError{Permanent, err}
		}
		lastErr = err
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return &MailError{Cancelled, ctx.Err()}
			case <-time.After(retryPause):
			}
		}
	}
	return &MailError{Transient, lastErr}
}

// isTransient treats SMTP 5xx replies (authentication failures, invalid
// recipients) as permanent and everything else (connection refused,
// timeouts, 4xx) as transient.
func isTransient(err error) bool {
	msg := err.Error()
	for _, code := range []string{"550", "551", "552", "553", "554", "535"} {
		if strings.Contains(msg, code) {
			return false
		}
	}
	return true
}
