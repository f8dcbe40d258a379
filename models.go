package accounts

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	// DefaultLevel is the level assigned to new accounts
	DefaultLevel = 1
	// DefaultRole is the role assigned to new accounts
	DefaultRole = RoleMember
)

// Account is the credential record for a registered pseudo
type Account struct {
	bun.BaseModel `bun:"table:accounts,alias:acc"`
	Pseudo        string     `bun:"pseudo,pk" json:"pseudo"`
	ID            uuid.UUID  `bun:"id,notnull,unique" json:"id"`
	Email         string     `bun:"email,notnull" json:"email"`
	PasswordHash  string     `bun:"password_hash,notnull" json:"-"`
	IsActive      bool       `bun:"is_active,notnull,default:false" json:"is_active"`
	Role          UserRole   `bun:"role,notnull" json:"role"`
	Level         int        `bun:"level,notnull,default:1" json:"level"`
	Points        int        `bun:"points,notnull,default:0" json:"points"`
	Name          string     `bun:"name" json:"name,omitempty"`
	LastName      string     `bun:"last_name" json:"last_name,omitempty"`
	Gender        string     `bun:"gender" json:"gender,omitempty"`
	Address       string     `bun:"address" json:"address,omitempty"`
	Birthdate     string     `bun:"birthdate" json:"birthdate,omitempty"`
	Phone         string     `bun:"phone" json:"phone,omitempty"`
	LastLogin     *time.Time `bun:"last_login,nullzero" json:"last_login,omitempty"`
	DateOnline    *time.Time `bun:"date_online,nullzero" json:"date_online,omitempty"`
	LastBonusOn   string     `bun:"last_bonus_on,nullzero" json:"-"`
	CreatedAt     time.Time  `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull" json:"updated_at"`
}

// NormalizeIdentifier lowercases and trims a pseudo or email so
// lookups are case-insensitive.
func NormalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// TokenPurpose is what a single-use token authorizes
type TokenPurpose string

const (
	// PurposeActivation proves control of the signup email
	PurposeActivation TokenPurpose = "activation"
	// PurposeReset authorizes a password change
	PurposeReset TokenPurpose = "reset"
)

// IsValid reports whether the purpose is known
func (p TokenPurpose) IsValid() bool {
	switch p {
	case PurposeActivation, PurposeReset:
		return true
	default:
		return false
	}
}

// Token is a short-lived single-use credential
type Token struct {
	bun.BaseModel `bun:"table:account_tokens,alias:tok"`
	Value         string       `bun:"value,pk" json:"-"`
	Owner         string       `bun:"owner,notnull" json:"owner"`
	Purpose       TokenPurpose `bun:"purpose,notnull" json:"purpose"`
	ExpiresAt     time.Time    `bun:"expires_at,notnull" json:"expires_at"`
	Consumed      bool         `bun:"consumed,notnull,default:false" json:"consumed"`
	ConsumedAt    *time.Time   `bun:"consumed_at,nullzero" json:"consumed_at,omitempty"`
	CreatedAt     time.Time    `bun:"created_at,notnull" json:"created_at"`
}

// IsExpired reports whether the token expired at the given instant
func (t *Token) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Fingerprint returns a short, log safe prefix of the token value
func (t *Token) Fingerprint() string {
	return fingerprint(t.Value)
}

func fingerprint(value string) string {
	if len(value) <= 6 {
		return "***"
	}
	return value[:6] + "..."
}
