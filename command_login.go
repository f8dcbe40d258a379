package accounts

import (
	"context"
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
)

// LoginMessage holds the credentials of a login attempt
type LoginMessage struct {
	Pseudo     string `json:"pseudo" form:"pseudo"`
	Password   string `json:"password" form:"password"`
	OnResponse func(*LoginResult) `json:"-" form:"-"`
}

func (m LoginMessage) Type() string { return "account.login" }

func (m LoginMessage) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Pseudo, validation.Required),
		validation.Field(&m.Password, validation.Required),
	)
}

// LoginResult is the authenticated account with its session
type LoginResult struct {
	Account      *Account
	Session      string
	ExpiresAt    time.Time
	BonusAwarded bool
}

type LoginHandler struct {
	svc *Service
}

func NewLoginHandler(svc *Service) *LoginHandler {
	return &LoginHandler{svc: svc}
}

func (h *LoginHandler) Execute(ctx context.Context, event LoginMessage) error {
	if err := cancelled(ctx, "login"); err != nil {
		return err
	}
	return h.execute(ctx, event)
}

func (h *LoginHandler) execute(ctx context.Context, event LoginMessage) error {
	if err := event.Validate(); err != nil {
		return NewValidationError(err)
	}

	now := h.svc.now()
	db := h.svc.repo.DB()

	account, err := h.svc.repo.Accounts().FindByPseudoTx(ctx, db, event.Pseudo)
	if err != nil {
		return NewDependencyError(err, "failed to look up account")
	}

	if account == nil {
		h.svc.compareDummy(event.Password)
		h.fail(ctx, event.Pseudo, "unknown_pseudo")
		return ErrUnauthorized
	}

	if err := h.svc.hasher.ComparePasswordAndHash(event.Password, account.PasswordHash); err != nil {
		if !errors.Is(err, ErrMismatchedHashAndPassword) {
			h.svc.logger.Warn("password check failed", "pseudo", account.Pseudo, "error", err)
		}
		h.fail(ctx, account.Pseudo, "wrong_password")
		return ErrUnauthorized
	}

	if err := h.svc.repo.Accounts().TrackLoginTx(ctx, db, account.Pseudo, now); err != nil {
		return NewDependencyError(err, "failed to track login")
	}
	account.LastLogin = &now
	account.DateOnline = &now

	awarded, err := h.svc.points.AwardDailyLogin(ctx, account.Pseudo, now)
	if err != nil {
		h.svc.logger.Warn("daily bonus failed", "pseudo", account.Pseudo, "error", err)
	}
	if awarded {
		h.svc.record(ctx, ActivityEvent{
			EventType: ActivityEventDailyBonusAwarded,
			Pseudo:    account.Pseudo,
		})
	}

	session, expiresAt, err := h.svc.sessions.Issue(account.Pseudo)
	if err != nil {
		return err
	}

	h.svc.logger.Info("login", "pseudo", account.Pseudo, "active", account.IsActive)
	h.svc.record(ctx, ActivityEvent{
		EventType: ActivityEventLoginSuccess,
		Actor:     account.Pseudo,
		Pseudo:    account.Pseudo,
	})

	if event.OnResponse != nil {
		event.OnResponse(&LoginResult{
			Account:      account,
			Session:      session,
			ExpiresAt:    expiresAt,
			BonusAwarded: awarded,
		})
	}

	return nil
}

// fail records the precise reason internally. Callers only ever see
// ErrUnauthorized.
func (h *LoginHandler) fail(ctx context.Context, pseudo, reason string) {
	h.svc.logger.Info("login rejected", "pseudo", pseudo, "reason", reason)
	h.svc.record(ctx, ActivityEvent{
		EventType: ActivityEventLoginFailure,
		Pseudo:    pseudo,
		Metadata:  map[string]any{"reason": reason},
	})
}
