package endpoint

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
)

// JobContext describes one dispatch performed by an endpoint worker.
type JobContext struct {
	// Endpoint is the activator name.
	Endpoint string
	// Channel is the input channel name. Empty for scheduled endpoints.
	Channel string
	// Method is the invoked method. It is empty in OnJobStart for reactive
	// endpoints because the method is resolved during dispatch.
	Method        string
	EnvelopeID    string
	CorrelationID string
	Context       context.Context
	StartedAt     time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
}

// JobHooks are the side channel through which background workers report
// their iterations. Nil hooks are skipped.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	// OnJobError receives errors that the worker loop swallows.
	OnJobError func(ctx JobContext, err error)
}

// Merge returns hooks that call h first and then other.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chain(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chain(h.OnJobDone, other.OnJobDone),
		OnJobError: chainError(h.OnJobError, other.OnJobError),
	}
}

func chain(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainError(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h JobHooks) start(ctx JobContext) {
	if h.OnJobStart != nil {
		h.OnJobStart(ctx)
	}
}

func (h JobHooks) done(ctx JobContext) {
	if h.OnJobDone != nil {
		h.OnJobDone(ctx)
	}
}

func (h JobHooks) failed(ctx JobContext, err error) {
	if h.OnJobError != nil {
		h.OnJobError(ctx, err)
	}
}

func jobFields(ctx JobContext) loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"endpoint":       ctx.Endpoint,
		"channel":        ctx.Channel,
		"method":         ctx.Method,
		"envelope_id":    ctx.EnvelopeID,
		"correlation_id": ctx.CorrelationID,
	}
}

// LoggingHooks logs job lifecycle events. Starts and completions go to
// debug to keep busy endpoints quiet.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", jobFields(ctx))
		},
		OnJobDone: func(ctx JobContext) {
			fields := jobFields(ctx)
			fields["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Debug("Job completed", fields)
		},
		OnJobError: func(ctx JobContext, err error) {
			fields := jobFields(ctx)
			fields["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Job failed", err, fields)
		},
	}
}

// AlertingHooks calls alertFunc for every failed job.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{OnJobError: alertFunc}
}
