package accounts

import (
	"context"
	"time"
)

// ActivityEventType enumerates lifecycle audit events
type ActivityEventType string

const (
	ActivityEventSignup            ActivityEventType = "account.signup"
	ActivityEventActivated         ActivityEventType = "account.activated"
	ActivityEventLoginSuccess      ActivityEventType = "account.login.success"
	ActivityEventLoginFailure      ActivityEventType = "account.login.failure"
	ActivityEventResetRequested    ActivityEventType = "account.password.reset_requested"
	ActivityEventPasswordReset     ActivityEventType = "account.password.reset"
	ActivityEventActivationResent  ActivityEventType = "account.activation.resent"
	ActivityEventLogoutEverywhere  ActivityEventType = "account.logout.everywhere"
	ActivityEventDeleted           ActivityEventType = "account.deleted"
	ActivityEventTokenRejected     ActivityEventType = "account.token.rejected"
	ActivityEventInactiveAccPurged ActivityEventType = "account.inactive.purged"
	ActivityEventDailyBonusAwarded ActivityEventType = "account.points.daily_bonus"
)

// ActivityEvent describes something that happened to an account. It never
// carries passwords, hashes or token values.
type ActivityEvent struct {
	EventType  ActivityEventType
	Actor      string
	Pseudo     string
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink consumes activity events for auditing
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}

// LoggerActivitySink writes events to a Logger at info level
func LoggerActivitySink(logger Logger) ActivitySink {
	logger = normalizeLogger(logger)
	return ActivitySinkFunc(func(_ context.Context, event ActivityEvent) error {
		args := []any{
			"event", event.EventType,
			"pseudo", event.Pseudo,
			"occurred_at", event.OccurredAt,
		}
		if event.Actor != "" {
			args = append(args, "actor", event.Actor)
		}
		for k, v := range event.Metadata {
			args = append(args, k, v)
		}
		logger.Info("account activity", args...)
		return nil
	})
}
