package accounts

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/uptrace/bun"
)

type ResendActivationMessage struct {
	Email string `json:"email" form:"email"`
}

func (m ResendActivationMessage) Type() string { return "account.activation.resend" }

func (m ResendActivationMessage) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Email, emailRules()...),
	)
}

// ResendActivationHandler mails a new activation token to an inactive
// account. Like the reset request it answers the same way whether or not
// the address is known.
type ResendActivationHandler struct {
	svc *Service
}

func NewResendActivationHandler(svc *Service) *ResendActivationHandler {
	return &ResendActivationHandler{svc: svc}
}

func (h *ResendActivationHandler) Execute(ctx context.Context, event ResendActivationMessage) error {
	if err := cancelled(ctx, "activation resend"); err != nil {
		return err
	}
	return h.execute(ctx, event)
}

func (h *ResendActivationHandler) execute(ctx context.Context, event ResendActivationMessage) error {
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

		if account == nil || account.IsActive {
			account = nil
			return nil
		}

		token, err = h.svc.mintTokenTx(ctx, tx, account.Pseudo, PurposeActivation, now)
		return err
	})

	if err != nil {
		return richOr(err, "activation resend failed")
	}

	if account == nil {
		h.svc.logger.Info("activation resend without inactive account")
		return nil
	}

	if err := h.svc.sendMail(ctx, PurposeActivation, account, token); err != nil {
		h.svc.logger.Error("activation mail failed", "pseudo", account.Pseudo, "error", err)
	}

	h.svc.record(ctx, ActivityEvent{
		EventType: ActivityEventActivationResent,
		Pseudo:    account.Pseudo,
	})

	return nil
}
