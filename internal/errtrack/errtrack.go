// Package errtrack forwards errors to an external tracking service.
package errtrack

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter captures errors for out-of-band inspection. A nil-safe noop
// implementation exists for tests and for deployments without a DSN.
type Reporter interface {
	CaptureException(err error)
	Flush(timeout time.Duration)
}

// Noop discards all reports.
type Noop struct{}

// CaptureException does nothing.
func (Noop) CaptureException(error) {}

// Flush does nothing.
func (Noop) Flush(time.Duration) {}

// Sentry reports errors to Sentry via the official SDK.
type Sentry struct {
	hub *sentry.Hub
}

// NewSentry initializes the Sentry SDK. An empty dsn yields a Noop
// reporter so callers never need to branch.
func NewSentry(dsn, environment string) (Reporter, error) {
	if dsn == "" {
		return Noop{}, nil
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	hub := sentry.NewHub(client, sentry.NewScope())
	return &Sentry{hub: hub}, nil
}

// CaptureException forwards err to Sentry.
func (s *Sentry) CaptureException(err error) {
	if err == nil {
		return
	}
	s.hub.CaptureException(err)
}

// Flush blocks until buffered events are sent or the timeout elapses.
func (s *Sentry) Flush(timeout time.Duration) {
	s.hub.Flush(timeout)
}
