package accounts

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/uptrace/bun"
)

type DeleteAccountMessage struct {
	Actor  string `json:"actor"`
	Target string `json:"target"`
}

func (m DeleteAccountMessage) Type() string { return "account.delete" }

func (m DeleteAccountMessage) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Actor, validation.Required),
		validation.Field(&m.Target, validation.Required),
	)
}

// DeleteAccountHandler hard deletes an account and its tokens. Accounts may
// delete themselves, admins may delete accounts they can manage.
type DeleteAccountHandler struct {
	svc *Service
}

func NewDeleteAccountHandler(svc *Service) *DeleteAccountHandler {
	return &DeleteAccountHandler{svc: svc}
}

func (h *DeleteAccountHandler) Execute(ctx context.Context, event DeleteAccountMessage) error {
	if err := cancelled(ctx, "account deletion"); err != nil {
		return err
	}
	return h.execute(ctx, event)
}

func (h *DeleteAccountHandler) execute(ctx context.Context, event DeleteAccountMessage) error {
	if err := event.Validate(); err != nil {
		return NewValidationError(err)
	}

	var target *Account

	err := h.svc.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		accounts := h.svc.repo.Accounts()

		actor, err := accounts.FindByPseudoTx(ctx, tx, event.Actor)
		if err != nil {
			return NewDependencyError(err, "failed to look up actor")
		}
		if actor == nil {
			return ErrForbidden
		}

		if target, err = accounts.FindByPseudoTx(ctx, tx, event.Target); err != nil {
			return NewDependencyError(err, "failed to look up account")
		}

		self := target != nil && target.Pseudo == actor.Pseudo
		if !self && !actor.Role.IsAtLeast(RoleAdmin) {
			return ErrForbidden
		}

		if target == nil {
			return ErrAccountNotFound
		}

		if !self && !actor.Role.CanManage(target.Role) {
			return ErrForbidden
		}

		removed, err := accounts.RemoveTx(ctx, tx, target.Pseudo)
		if err != nil {
			return NewDependencyError(err, "failed to delete account")
		}
		if !removed {
			return ErrAccountNotFound
		}

		return nil
	})

	if err != nil {
		return richOr(err, "account deletion failed")
	}

	h.svc.logger.Info("account deleted", "pseudo", target.Pseudo, "actor", event.Actor)
	h.svc.record(ctx, ActivityEvent{
		EventType: ActivityEventDeleted,
		Actor:     event.Actor,
		Pseudo:    target.Pseudo,
	})

	return nil
}
