package accounts

import (
	"context"
	"time"
)

// Logger is the logging contract used across the package. Args are
// key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config holds session and token options
type Config interface {
	GetSigningKey() string
	GetIssuer() string
	GetSessionTTL() time.Duration
	GetTokenTTL() time.Duration
	GetCookieName() string
	IsProduction() bool
	GetInvalidatePriorTokens() bool
}

// Clock returns the current time. Tests inject fixed clocks.
type Clock func() time.Time

// Session is the validated session credential
type Session struct {
	Pseudo    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	ID        string
}

// PasswordHasher hashes and verifies passwords
type PasswordHasher interface {
	HashPassword(password string) (string, error)
	ComparePasswordAndHash(password, hash string) error
}

// TokenGenerator mints high entropy token values
type TokenGenerator interface {
	Generate() (string, error)
}

// Mailer sends the activation and reset messages
type Mailer interface {
	Send(ctx context.Context, msg MailMessage) error
}

// PointsAwarder grants the first login of the day bonus
type PointsAwarder interface {
	AwardDailyLogin(ctx context.Context, pseudo string, at time.Time) (bool, error)
}

// RevocationList records logout everywhere marks
type RevocationList interface {
	Revoke(ctx context.Context, pseudo string, at time.Time) error
	RevokedSince(ctx context.Context, pseudo string) (time.Time, bool, error)
}
