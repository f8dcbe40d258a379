package accounts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

const (
	// DefaultCookieName is the session cookie name
	DefaultCookieName = "TOKEN"
	// DefaultSessionTTL is the lifetime of a session credential
	DefaultSessionTTL = time.Hour
)

// SessionClaims is the signed claim set carried by the session cookie
type SessionClaims struct {
	jwt.RegisteredClaims
	Pseudo string `json:"pseudo"`
}

// SessionIssuer mints and validates session credentials
type SessionIssuer struct {
	signingKey  []byte
	issuer      string
	ttl         time.Duration
	cookieName  string
	secure      bool
	now         Clock
	revocations RevocationList
	logger      Logger
}

// NewSessionIssuer builds an issuer from cfg
func NewSessionIssuer(cfg Config) *SessionIssuer {
	ttl := cfg.GetSessionTTL()
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	name := cfg.GetCookieName()
	if name == "" {
		name = DefaultCookieName
	}

	return &SessionIssuer{
		signingKey: []byte(cfg.GetSigningKey()),
		issuer:     cfg.GetIssuer(),
		ttl:        ttl,
		cookieName: name,
		secure:     cfg.IsProduction(),
		now:        time.Now,
		logger:     defLogger(),
	}
}

// WithClock overrides the time source
func (s *SessionIssuer) WithClock(clock Clock) *SessionIssuer {
	if clock != nil {
		s.now = clock
	}
	return s
}

// WithRevocationList enables logout everywhere checks
func (s *SessionIssuer) WithRevocationList(list RevocationList) *SessionIssuer {
	s.revocations = list
	return s
}

// WithLogger sets the logger
func (s *SessionIssuer) WithLogger(logger Logger) *SessionIssuer {
	s.logger = normalizeLogger(logger)
	return s
}

// CookieName returns the configured cookie name
func (s *SessionIssuer) CookieName() string {
	return s.cookieName
}

// TTL returns the session lifetime
func (s *SessionIssuer) TTL() time.Duration {
	return s.ttl
}

// Issue signs a session for pseudo valid until now + TTL
func (s *SessionIssuer) Issue(pseudo string) (string, time.Time, error) {
	if strings.TrimSpace(pseudo) == "" {
		return "", time.Time{}, goerrors.New("session needs a pseudo", goerrors.CategoryBadInput)
	}

	now := s.now()
	expiresAt := now.Add(s.ttl)

	claims := &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   pseudo,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		Pseudo: pseudo,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to sign session")
	}

	return signed, claims.ExpiresAt.Time, nil
}

// Validate verifies the signature and expiry of raw and returns the
// session. Every failure is one of the session errors.
func (s *SessionIssuer) Validate(ctx context.Context, raw string) (*Session, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrSessionAbsent
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	}, opts...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrSessionExpired
		}
		s.logger.Debug("session rejected", "error", err)
		return nil, ErrSessionMalformed
	}

	if !token.Valid || claims.Pseudo == "" || claims.IssuedAt == nil {
		return nil, ErrSessionMalformed
	}

	session := &Session{
		Pseudo:    claims.Pseudo,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
		ID:        claims.ID,
	}

	if s.revocations != nil {
		mark, ok, err := s.revocations.RevokedSince(ctx, session.Pseudo)
		if err != nil {
			return nil, NewDependencyError(err, "failed to check session revocation")
		}
		// iat has second precision, so a session minted in the same second
		// as the revocation is rejected as well
		if ok && !session.IssuedAt.After(mark) {
			return nil, ErrSessionRevoked
		}
	}

	return session, nil
}

// Revoke invalidates every session of pseudo issued up to now
func (s *SessionIssuer) Revoke(ctx context.Context, pseudo string) error {
	if s.revocations == nil {
		return ErrRevocationUnavailable
	}
	if err := s.revocations.Revoke(ctx, pseudo, s.now()); err != nil {
		return NewDependencyError(err, "failed to record session revocation")
	}
	return nil
}

// Cookie renders a session token as the session cookie. HttpOnly and
// Secure are only set in production.
func (s *SessionIssuer) Cookie(token string, expiresAt time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     s.cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.ttl / time.Second),
		Expires:  expiresAt,
		HttpOnly: s.secure,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// ClearCookie returns a cookie that makes the client drop its session
func (s *SessionIssuer) ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     s.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: s.secure,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
	}
}
