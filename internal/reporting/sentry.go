package reporting

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

// Sentry is the receipt.ErrorReporter that forwards locally handled errors
// to Sentry. With an empty DSN the client is disabled and Report only logs.
type Sentry struct {
	component string
}

// NewSentry initializes the global Sentry client
func NewSentry(dsn, environment, release string) (*Sentry, error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing sentry: %w", err)
	}
	return &Sentry{component: "receipts"}, nil
}

// Report sends err to Sentry
func (s *Sentry) Report(err error) {
	if err == nil {
		return
	}
	slog.Debug("Reporting error", "component", s.component, "error", err)
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", s.component)
		sentry.CaptureException(err)
	})
}

// Flush waits for queued events to be sent
func (s *Sentry) Flush(timeout time.Duration) bool {
	return sentry.Flush(timeout)
}
