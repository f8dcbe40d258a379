package accounts

import (
	"context"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

// SignupMessage carries the registration form
type SignupMessage struct {
	Name       string `json:"name" form:"name"`
	LastName   string `json:"last_name" form:"last_name"`
	Pseudo     string `json:"pseudo" form:"pseudo"`
	Email      string `json:"email" form:"email"`
	Password   string `json:"password" form:"password"`
	Gender     string `json:"gender" form:"gender"`
	Address    string `json:"address" form:"address"`
	Birthdate  string `json:"birthdate" form:"birthdate"`
	Phone      string `json:"phone" form:"phone"`
	OnResponse func(*SignupResult) `json:"-" form:"-"`
}

func (m SignupMessage) Type() string { return "account.signup" }

// Validate runs the input rules with no minimum password length
func (m SignupMessage) Validate() error {
	return m.validate(0)
}

func (m SignupMessage) validate(minPassword int) error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Pseudo, pseudoRules()...),
		validation.Field(&m.Email, emailRules()...),
		validation.Field(&m.Password, passwordRules(minPassword)...),
		validation.Field(&m.Name, validation.Length(0, 100)),
		validation.Field(&m.LastName, validation.Length(0, 100)),
		validation.Field(&m.Gender, validation.Length(0, 32)),
		validation.Field(&m.Address, validation.Length(0, 255)),
		validation.Field(&m.Birthdate, validation.Date(time.DateOnly)),
		validation.Field(&m.Phone, validation.By(validPhone)),
	)
}

// SignupResult is the new account with its first session
type SignupResult struct {
	Account   *Account
	Session   string
	ExpiresAt time.Time
}

type SignupHandler struct {
	svc *Service
}

func NewSignupHandler(svc *Service) *SignupHandler {
	return &SignupHandler{svc: svc}
}

func (h *SignupHandler) Execute(ctx context.Context, event SignupMessage) error {
	if err := cancelled(ctx, "signup"); err != nil {
		return err
	}
	return h.execute(ctx, event)
}

func (h *SignupHandler) execute(ctx context.Context, event SignupMessage) error {
	if err := event.validate(h.svc.minPassword); err != nil {
		return NewValidationError(err)
	}

	phone, _ := NormalizePhone(event.Phone)

	// hashed up front so the write transaction stays short
	hash, err := h.svc.hasher.HashPassword(event.Password)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to hash password")
	}

	now := h.svc.now()
	account := &Account{
		Pseudo:       strings.TrimSpace(event.Pseudo),
		Email:        NormalizeIdentifier(event.Email),
		PasswordHash: hash,
		IsActive:     false,
		Role:         DefaultRole,
		Level:        DefaultLevel,
		Name:         strings.TrimSpace(event.Name),
		LastName:     strings.TrimSpace(event.LastName),
		Gender:       strings.TrimSpace(event.Gender),
		Address:      strings.TrimSpace(event.Address),
		Birthdate:    strings.TrimSpace(event.Birthdate),
		Phone:        phone,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var token *Token
	var purged []string

	err = h.svc.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, err := h.svc.repo.Accounts().FindActiveByPseudoTx(ctx, tx, account.Pseudo)
		if err != nil {
			return NewDependencyError(err, "failed to look up pseudo")
		}
		if existing != nil {
			return ErrPseudoTaken
		}

		existing, err = h.svc.repo.Accounts().FindActiveByEmailTx(ctx, tx, account.Email)
		if err != nil {
			return NewDependencyError(err, "failed to look up email")
		}
		if existing != nil {
			return ErrEmailTaken
		}

		if purged, err = h.svc.repo.Accounts().PurgeInactiveTx(ctx, tx, account.Pseudo, account.Email); err != nil {
			return NewDependencyError(err, "failed to purge inactive accounts")
		}

		if _, err := h.svc.repo.Accounts().RegisterTx(ctx, tx, account); err != nil {
			if isUniqueViolation(err) {
				return ErrAccountConflict
			}
			return NewDependencyError(err, "failed to create account")
		}

		token, err = h.svc.mintTokenTx(ctx, tx, account.Pseudo, PurposeActivation, now)
		return err
	})

	if err != nil {
		// the unique index can also fire at commit time
		if isUniqueViolation(err) {
			return ErrAccountConflict
		}
		return richOr(err, "signup transaction failed")
	}

	if len(purged) > 0 {
		h.svc.logger.Info("purged inactive accounts on signup", "pseudo", account.Pseudo, "purged", purged)
		h.svc.record(ctx, ActivityEvent{
			EventType: ActivityEventInactiveAccPurged,
			Pseudo:    account.Pseudo,
			Metadata:  map[string]any{"purged": purged},
		})
	}

	if err := h.svc.sendMail(ctx, PurposeActivation, account, token); err != nil {
		h.svc.logger.Error("activation mail failed", "pseudo", account.Pseudo, "error", err)
		return NewDependencyError(err, "failed to send activation mail")
	}

	session, expiresAt, err := h.svc.sessions.Issue(account.Pseudo)
	if err != nil {
		return err
	}

	h.svc.logger.Info("account registered", "pseudo", account.Pseudo, "token", token.Fingerprint())
	h.svc.record(ctx, ActivityEvent{
		EventType: ActivityEventSignup,
		Actor:     account.Pseudo,
		Pseudo:    account.Pseudo,
	})

	if event.OnResponse != nil {
		event.OnResponse(&SignupResult{
			Account:   account,
			Session:   session,
			ExpiresAt: expiresAt,
		})
	}

	return nil
}
