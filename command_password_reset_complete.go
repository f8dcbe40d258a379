package accounts

import (
	"context"
	"database/sql"
	"errors"

	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

type CompletePasswordResetMessage struct {
	Token    string `json:"token" form:"token"`
	Password string `json:"password" form:"password"`
}

func (m CompletePasswordResetMessage) Type() string { return "account.password.reset" }

func (m CompletePasswordResetMessage) validate(minPassword int) error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Password, passwordRules(minPassword)...),
	)
}

type CompletePasswordResetHandler struct {
	svc *Service
}

func NewCompletePasswordResetHandler(svc *Service) *CompletePasswordResetHandler {
	return &CompletePasswordResetHandler{svc: svc}
}

func (h *CompletePasswordResetHandler) Execute(ctx context.Context, event CompletePasswordResetMessage) error {
	if err := cancelled(ctx, "password reset"); err != nil {
		return err
	}
	return h.execute(ctx, event)
}

func (h *CompletePasswordResetHandler) execute(ctx context.Context, event CompletePasswordResetMessage) error {
	if err := event.validate(h.svc.minPassword); err != nil {
		return NewValidationError(err)
	}

	// a failed consume rolls back, so hashing early never burns the token
	hash, err := h.svc.hasher.HashPassword(event.Password)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to hash password")
	}

	now := h.svc.now()
	var token *Token

	err = h.svc.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		if token, err = h.svc.consumeTx(ctx, tx, event.Token, PurposeReset, now); err != nil {
			return err
		}

		if err := h.svc.repo.Accounts().ResetPasswordTx(ctx, tx, token.Owner, hash, now); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				h.svc.logger.Warn("reset token without account", "owner", token.Owner)
				return ErrInvalidOrExpiredToken
			}
			return NewDependencyError(err, "failed to update password")
		}

		return nil
	})

	if err != nil {
		return richOr(err, "password reset transaction failed")
	}

	h.svc.logger.Info("password reset", "pseudo", token.Owner)
	h.svc.record(ctx, ActivityEvent{
		EventType: ActivityEventPasswordReset,
		Actor:     token.Owner,
		Pseudo:    token.Owner,
	})

	return nil
}
