package observability

import (
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
)

var sentryEnabled atomic.Bool

// InitSentry enables error reporting when dsn is set. The returned func
// flushes buffered events and is safe to call when reporting is disabled.
func InitSentry(dsn, environment string) (func(), error) {
	if dsn == "" {
		return func() {}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     serviceName + "@" + Version,
	})
	if err != nil {
		return func() {}, err
	}
	sentryEnabled.Store(true)
	return func() { sentry.Flush(2 * time.Second) }, nil
}

// CaptureError counts a non-fatal error and forwards it to Sentry if enabled.
func CaptureError(err error, errorType, component string) {
	if err == nil {
		return
	}
	RecordError(errorType, component)
	if !sentryEnabled.Load() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		scope.SetTag("error_type", errorType)
		sentry.CaptureException(err)
	})
}
