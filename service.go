package accounts

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

// DefaultTokenTTL is the lifetime of activation and reset tokens
const DefaultTokenTTL = time.Hour

// Options wires the collaborators of the Service. Repo and Config are
// required, everything else has a default.
type Options struct {
	Config      Config
	Repo        RepositoryManager
	Logger      Logger
	Hasher      PasswordHasher
	Generator   TokenGenerator
	Mailer      Mailer
	Points      PointsAwarder
	Revocations RevocationList
	Activity    ActivitySink
	Metrics     *Metrics
	Clock       Clock

	// MinPasswordLength applies to signup and reset. Zero only requires
	// a non empty password.
	MinPasswordLength int
}

// Service is the account lifecycle: signup, activation, login, password
// reset, logout and deletion.
type Service struct {
	repo            RepositoryManager
	sessions        *SessionIssuer
	hasher          PasswordHasher
	generator       TokenGenerator
	mailer          Mailer
	points          PointsAwarder
	activity        ActivitySink
	metrics         *Metrics
	logger          Logger
	clock           Clock
	tokenTTL        time.Duration
	invalidatePrior bool
	minPassword     int

	dummyOnce sync.Once
	dummyHash string
}

func NewService(opts Options) (*Service, error) {
	if opts.Repo == nil {
		return nil, errors.New("accounts service needs a repository manager")
	}

	if opts.Config == nil {
		return nil, errors.New("accounts service needs a config")
	}

	if opts.Config.GetSigningKey() == "" {
		return nil, errors.New("accounts service needs a session signing key")
	}

	if err := opts.Repo.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		repo:            opts.Repo,
		hasher:          opts.Hasher,
		generator:       opts.Generator,
		mailer:          opts.Mailer,
		points:          opts.Points,
		activity:        normalizeActivitySink(opts.Activity),
		metrics:         opts.Metrics,
		logger:          normalizeLogger(opts.Logger),
		clock:           opts.Clock,
		tokenTTL:        opts.Config.GetTokenTTL(),
		invalidatePrior: opts.Config.GetInvalidatePriorTokens(),
		minPassword:     opts.MinPasswordLength,
	}

	if s.hasher == nil {
		s.hasher = BcryptHasher{}
	}

	if s.generator == nil {
		s.generator = NanoIDGenerator{}
	}

	if s.mailer == nil {
		s.mailer = LogMailer{Logger: s.logger}
	}

	if s.points == nil {
		s.points = NewStorePointsAwarder(opts.Repo)
	}

	if s.clock == nil {
		s.clock = time.Now
	}

	if s.tokenTTL <= 0 {
		s.tokenTTL = DefaultTokenTTL
	}

	s.sessions = NewSessionIssuer(opts.Config).
		WithClock(s.clock).
		WithRevocationList(opts.Revocations).
		WithLogger(s.logger)

	return s, nil
}

// Sessions exposes the session issuer, mostly for middleware
func (s *Service) Sessions() *SessionIssuer {
	return s.sessions
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

// Signup registers an inactive account, sends the activation mail and
// opens a session for it
func (s *Service) Signup(ctx context.Context, msg SignupMessage) (*SignupResult, error) {
	var res *SignupResult
	msg.OnResponse = func(r *SignupResult) { res = r }

	err := NewSignupHandler(s).Execute(ctx, msg)
	s.metrics.Observe("signup", err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Activate consumes an activation token and returns the activated pseudo
func (s *Service) Activate(ctx context.Context, token string) (string, error) {
	var pseudo string
	msg := ActivateAccountMessage{
		Token:      token,
		OnResponse: func(p string) { pseudo = p },
	}

	err := NewActivateAccountHandler(s).Execute(ctx, msg)
	s.metrics.Observe("activate", err)
	if err != nil {
		return "", err
	}
	return pseudo, nil
}

// Login checks credentials and opens a session
func (s *Service) Login(ctx context.Context, msg LoginMessage) (*LoginResult, error) {
	var res *LoginResult
	msg.OnResponse = func(r *LoginResult) { res = r }

	err := NewLoginHandler(s).Execute(ctx, msg)
	s.metrics.Observe("login", err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RequestReset mails a reset token when email belongs to an account. The
// result does not reveal whether it does.
func (s *Service) RequestReset(ctx context.Context, email string) error {
	err := NewRequestPasswordResetHandler(s).Execute(ctx, RequestPasswordResetMessage{Email: email})
	s.metrics.Observe("request_reset", err)
	return err
}

// CompleteReset consumes a reset token and replaces the password
func (s *Service) CompleteReset(ctx context.Context, token, password string) error {
	err := NewCompletePasswordResetHandler(s).Execute(ctx, CompletePasswordResetMessage{
		Token:    token,
		Password: password,
	})
	s.metrics.Observe("complete_reset", err)
	return err
}

// ResendActivation mails a fresh activation token to an inactive account.
// The result does not reveal whether one exists.
func (s *Service) ResendActivation(ctx context.Context, email string) error {
	err := NewResendActivationHandler(s).Execute(ctx, ResendActivationMessage{Email: email})
	s.metrics.Observe("resend_activation", err)
	return err
}

// DeleteAccount hard deletes target on behalf of actor
func (s *Service) DeleteAccount(ctx context.Context, actor, target string) error {
	err := NewDeleteAccountHandler(s).Execute(ctx, DeleteAccountMessage{
		Actor:  actor,
		Target: target,
	})
	s.metrics.Observe("delete_account", err)
	return err
}

// Logout returns the cookie that clears the session on the client. Nothing
// changes server side.
func (s *Service) Logout() *http.Cookie {
	s.metrics.Observe("logout", nil)
	return s.sessions.ClearCookie()
}

// LogoutEverywhere revokes every session of pseudo issued so far
func (s *Service) LogoutEverywhere(ctx context.Context, pseudo string) error {
	err := s.sessions.Revoke(ctx, pseudo)
	s.metrics.Observe("logout_everywhere", err)
	if err != nil {
		return err
	}

	s.record(ctx, ActivityEvent{
		EventType: ActivityEventLogoutEverywhere,
		Actor:     pseudo,
		Pseudo:    pseudo,
	})
	return nil
}

// ValidateSession decodes a raw session cookie
func (s *Service) ValidateSession(ctx context.Context, raw string) (*Session, error) {
	session, err := s.sessions.Validate(ctx, raw)
	if err != nil {
		s.logger.Debug("session validation failed", "error", err)
		return nil, err
	}
	return session, nil
}

// Account returns the account behind a session pseudo
func (s *Service) Account(ctx context.Context, pseudo string) (*Account, error) {
	account, err := s.repo.Accounts().GetByPseudo(ctx, pseudo)
	if err != nil {
		return nil, NewDependencyError(err, "failed to load account")
	}
	if account == nil {
		return nil, ErrAccountNotFound
	}
	return account, nil
}

// mintTokenTx creates a token for owner. With invalidatePrior set, earlier
// unconsumed tokens of the same purpose stop working.
func (s *Service) mintTokenTx(ctx context.Context, tx bun.IDB, owner string, purpose TokenPurpose, now time.Time) (*Token, error) {
	value, err := s.generator.Generate()
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to generate token")
	}

	if s.invalidatePrior {
		if _, err := s.repo.Tokens().InvalidateTx(ctx, tx, owner, purpose, now); err != nil {
			return nil, NewDependencyError(err, "failed to invalidate prior tokens")
		}
	}

	token := &Token{
		Value:     value,
		Owner:     owner,
		Purpose:   purpose,
		ExpiresAt: now.Add(s.tokenTTL),
		CreatedAt: now,
	}

	if err := s.repo.Tokens().CreateTx(ctx, tx, token); err != nil {
		return nil, NewDependencyError(err, "failed to store token")
	}

	return token, nil
}

// consumeTx runs the compare and set consume and coarsens every rejection
// into ErrInvalidOrExpiredToken
func (s *Service) consumeTx(ctx context.Context, tx bun.IDB, value string, purpose TokenPurpose, now time.Time) (*Token, error) {
	if value == "" {
		s.logger.Info("token rejected", "purpose", purpose, "reason", TokenRejectedNotFound)
		return nil, ErrInvalidOrExpiredToken
	}

	token, reason, err := s.repo.Tokens().ConsumeTx(ctx, tx, value, purpose, now)
	if err != nil {
		return nil, NewDependencyError(err, "failed to consume token")
	}

	if reason != TokenRejectedNone {
		s.logger.Info("token rejected",
			"purpose", purpose,
			"reason", reason,
			"token", fingerprint(value),
		)
		s.record(ctx, ActivityEvent{
			EventType: ActivityEventTokenRejected,
			Metadata: map[string]any{
				"purpose": string(purpose),
				"reason":  string(reason),
			},
		})
		return nil, ErrInvalidOrExpiredToken
	}

	return token, nil
}

func (s *Service) compareDummy(password string) {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.HashPassword("dummy-password-for-timing")
		if err != nil {
			s.logger.Warn("failed to build dummy hash", "error", err)
			return
		}
		s.dummyHash = hash
	})

	if s.dummyHash != "" {
		_ = s.hasher.ComparePasswordAndHash(password, s.dummyHash)
	}
}

func (s *Service) sendMail(ctx context.Context, purpose TokenPurpose, account *Account, token *Token) error {
	return s.mailer.Send(ctx, MailMessage{
		Purpose:   purpose,
		Pseudo:    account.Pseudo,
		To:        account.Email,
		Token:     token.Value,
		ExpiresAt: token.ExpiresAt,
	})
}

func (s *Service) record(ctx context.Context, event ActivityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}
	if err := s.activity.Record(ctx, event); err != nil {
		s.logger.Warn("activity sink error", "event", event.EventType, "error", err)
	}
}

// richOr returns err unchanged when it already is a rich error, otherwise it
// wraps it as a dependency failure
func richOr(err error, message string) error {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr
	}
	return NewDependencyError(err, message)
}

func cancelled(ctx context.Context, operation string) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled during "+operation)
	default:
		return nil
	}
}
