package accounts

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeValidation        = "VALIDATION_FAILED"
	TextCodePseudoTaken       = "PSEUDO_TAKEN"
	TextCodeEmailTaken        = "EMAIL_TAKEN"
	TextCodeAccountConflict   = "ACCOUNT_CONFLICT"
	TextCodeInvalidCredential = "INVALID_CREDENTIALS"
	TextCodeInvalidToken      = "INVALID_OR_EXPIRED_TOKEN"
	TextCodeDependency        = "DEPENDENCY_UNAVAILABLE"
	TextCodeForbidden         = "FORBIDDEN"
	TextCodeAccountNotFound   = "ACCOUNT_NOT_FOUND"
	TextCodeSessionAbsent     = "SESSION_ABSENT"
	TextCodeSessionExpired    = "SESSION_EXPIRED"
	TextCodeSessionMalformed  = "SESSION_MALFORMED"
	TextCodeSessionRevoked    = "SESSION_REVOKED"
)

// ErrPseudoTaken is returned when an active account already holds the pseudo
var ErrPseudoTaken = goerrors.New("pseudo taken", goerrors.CategoryConflict).
	WithCode(goerrors.CodeConflict).
	WithTextCode(TextCodePseudoTaken).
	WithMetadata(map[string]any{"field": "pseudo"})

// ErrEmailTaken is returned when an active account already holds the email
var ErrEmailTaken = goerrors.New("email taken", goerrors.CategoryConflict).
	WithCode(goerrors.CodeConflict).
	WithTextCode(TextCodeEmailTaken).
	WithMetadata(map[string]any{"field": "email"})

// ErrAccountConflict is returned when a concurrent signup won the race for
// the same pseudo or email
var ErrAccountConflict = goerrors.New("account already exists", goerrors.CategoryConflict).
	WithCode(goerrors.CodeConflict).
	WithTextCode(TextCodeAccountConflict)

// ErrUnauthorized is the single error returned for every failed login
var ErrUnauthorized = goerrors.New("invalid credentials", goerrors.CategoryAuth).
	WithCode(goerrors.CodeUnauthorized).
	WithTextCode(TextCodeInvalidCredential)

// ErrInvalidOrExpiredToken covers unknown, expired and consumed tokens
var ErrInvalidOrExpiredToken = goerrors.New("invalid or expired token", goerrors.CategoryValidation).
	WithCode(goerrors.CodeBadRequest).
	WithTextCode(TextCodeInvalidToken)

// ErrForbidden is returned when an actor may not act on another account
var ErrForbidden = goerrors.New("operation not allowed", goerrors.CategoryAuthz).
	WithCode(goerrors.CodeForbidden).
	WithTextCode(TextCodeForbidden)

// ErrAccountNotFound is returned by operations that target an explicit pseudo
var ErrAccountNotFound = goerrors.New("account not found", goerrors.CategoryNotFound).
	WithCode(goerrors.CodeNotFound).
	WithTextCode(TextCodeAccountNotFound)

// ErrSessionAbsent the request carried no session cookie
var ErrSessionAbsent = goerrors.New("no session", goerrors.CategoryAuth).
	WithCode(goerrors.CodeUnauthorized).
	WithTextCode(TextCodeSessionAbsent)

// ErrSessionExpired the session cookie is past its embedded expiry
var ErrSessionExpired = goerrors.New("session expired", goerrors.CategoryAuth).
	WithCode(goerrors.CodeUnauthorized).
	WithTextCode(TextCodeSessionExpired)

// ErrSessionMalformed the session cookie could not be decoded or verified
var ErrSessionMalformed = goerrors.New("malformed session", goerrors.CategoryAuth).
	WithCode(goerrors.CodeUnauthorized).
	WithTextCode(TextCodeSessionMalformed)

// ErrSessionRevoked the session was issued before a logout everywhere
var ErrSessionRevoked = goerrors.New("session revoked", goerrors.CategoryAuth).
	WithCode(goerrors.CodeUnauthorized).
	WithTextCode(TextCodeSessionRevoked)

// ErrNoEmptyString password must not be empty
var ErrNoEmptyString = errors.New("password must not be empty")

// ErrMismatchedHashAndPassword the password does not match the stored hash
var ErrMismatchedHashAndPassword = errors.New("mismatched hash and password")

// ErrRevocationUnavailable logout everywhere needs a revocation list
var ErrRevocationUnavailable = goerrors.New("session revocation is not configured", goerrors.CategoryInternal).
	WithCode(goerrors.CodeInternal).
	WithTextCode(TextCodeDependency)

// NewValidationError wraps ozzo-validation errors, exposing the per
// field messages as metadata
func NewValidationError(err error) *goerrors.Error {
	return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid input").
		WithCode(goerrors.CodeBadRequest).
		WithTextCode(TextCodeValidation).
		WithMetadata(map[string]any{"fields": FormatValidationErrorToMap(err)})
}

// NewDependencyError wraps a store or mail failure
func NewDependencyError(err error, message string) *goerrors.Error {
	return goerrors.Wrap(err, goerrors.CategoryInternal, message).
		WithCode(goerrors.CodeInternal).
		WithTextCode(TextCodeDependency)
}

// FormatValidationErrorToMap flattens ozzo-validation errors
func FormatValidationErrorToMap(err error) map[string]string {
	out := map[string]string{}
	var verrs validation.Errors
	if errors.As(err, &verrs) {
		for field, ferr := range verrs {
			if ferr != nil {
				out[field] = ferr.Error()
			}
		}
		return out
	}
	if err != nil {
		out["_"] = err.Error()
	}
	return out
}

func hasTextCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.TextCode == code
	}
	return false
}

// IsConflict reports signup collisions
func IsConflict(err error) bool {
	return hasTextCode(err, TextCodePseudoTaken) ||
		hasTextCode(err, TextCodeEmailTaken) ||
		hasTextCode(err, TextCodeAccountConflict)
}

// IsValidationError reports malformed input
func IsValidationError(err error) bool {
	return hasTextCode(err, TextCodeValidation)
}

// IsUnauthorized reports failed logins
func IsUnauthorized(err error) bool {
	return hasTextCode(err, TextCodeInvalidCredential)
}

// IsInvalidOrExpiredToken reports rejected activation or reset tokens
func IsInvalidOrExpiredToken(err error) bool {
	return hasTextCode(err, TextCodeInvalidToken)
}

// IsDependencyError reports store or mail outages
func IsDependencyError(err error) bool {
	return hasTextCode(err, TextCodeDependency)
}

// IsSessionError reports any session validation failure
func IsSessionError(err error) bool {
	return hasTextCode(err, TextCodeSessionAbsent) ||
		hasTextCode(err, TextCodeSessionExpired) ||
		hasTextCode(err, TextCodeSessionMalformed) ||
		hasTextCode(err, TextCodeSessionRevoked)
}

// IsSessionExpiredError will check for expired sessions
func IsSessionExpiredError(err error) bool {
	return hasTextCode(err, TextCodeSessionExpired)
}

// IsSessionMalformedError will check for undecodable sessions
func IsSessionMalformedError(err error) bool {
	return hasTextCode(err, TextCodeSessionMalformed)
}

// isUniqueViolation matches unique constraint failures from sqlite and postgres
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}
