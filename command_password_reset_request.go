package accounts

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/uptrace/bun"
)

type RequestPasswordResetMessage struct {
	Email string `json:"email" form:"email"`
}

func (m RequestPasswordResetMessage) Type() string { return "account.password.reset_request" }

func (m RequestPasswordResetMessage) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Email, emailRules()...),
	)
}

// RequestPasswordResetHandler mints a reset token for the account owning an
// email. Unknown addresses and mail failures look exactly like success.
type RequestPasswordResetHandler struct {
	svc *Service
}

func NewRequestPasswordResetHandler(svc *Service) *RequestPasswordResetHandler {
	return &RequestPasswordResetHandler{svc: svc}
}

func (h *RequestPasswordResetHandler) Execute(ctx context.Context, event RequestPasswordResetMessage) error {
	if err := cancelled(ctx, "password reset request"); err != nil {
		return err
	}
	return h.execute(ctx, event)
}

func (h *RequestPasswordResetHandler) execute(ctx context.Context, event RequestPasswordResetMessage) error {
	if err := event.Validate(); err != nil {
		return NewValidationError(err)
	}

	now := h.svc.now()
	var account *Account
	var token *Token

	err := h.svc.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		if account, err = h.svc.repo.Accounts().FindByEmailTx(ctx, tx, event.Email); err != nil {
			return NewDependencyError(err, "failed to look up email")
		}

		if account == nil {
			return nil
		}

		token, err = h.svc.mintTokenTx(ctx, tx, account.Pseudo, PurposeReset, now)
		return err
	})

	if err != nil {
		return richOr(err, "password reset request failed")
	}

	if account == nil {
		h.svc.logger.Info("password reset for unknown email")
		return nil
	}

	if err := h.svc.sendMail(ctx, PurposeReset, account, token); err != nil {
		h.svc.logger.Error("reset mail failed", "pseudo", account.Pseudo, "error", err)
	}

	h.svc.record(ctx, ActivityEvent{
		EventType: ActivityEventResetRequested,
		Pseudo:    account.Pseudo,
	})

	return nil
}
