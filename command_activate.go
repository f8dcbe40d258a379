package accounts

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
)

type ActivateAccountMessage struct {
	Token      string `json:"token" query:"token"`
	OnResponse func(pseudo string) `json:"-"`
}

func (m ActivateAccountMessage) Type() string { return "account.activate" }

type ActivateAccountHandler struct {
	svc *Service
}

func NewActivateAccountHandler(svc *Service) *ActivateAccountHandler {
	return &ActivateAccountHandler{svc: svc}
}

func (h *ActivateAccountHandler) Execute(ctx context.Context, event ActivateAccountMessage) error {
	if err := cancelled(ctx, "account activation"); err != nil {
		return err
	}
	return h.execute(ctx, event)
}

func (h *ActivateAccountHandler) execute(ctx context.Context, event ActivateAccountMessage) error {
	now := h.svc.now()
	var token *Token

	err := h.svc.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		if token, err = h.svc.consumeTx(ctx, tx, event.Token, PurposeActivation, now); err != nil {
			return err
		}

		if err := h.svc.repo.Accounts().ActivateTx(ctx, tx, token.Owner, now); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// the owner was purged while the token was still live
				h.svc.logger.Warn("activation token without account", "owner", token.Owner)
				return ErrInvalidOrExpiredToken
			}
			return NewDependencyError(err, "failed to activate account")
		}

		return nil
	})

	if err != nil {
		return richOr(err, "activation transaction failed")
	}

	h.svc.logger.Info("account activated", "pseudo", token.Owner)
	h.svc.record(ctx, ActivityEvent{
		EventType: ActivityEventActivated,
		Actor:     token.Owner,
		Pseudo:    token.Owner,
	})

	if event.OnResponse != nil {
		event.OnResponse(token.Owner)
	}

	return nil
}
