package accounts

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
)

// TokenRejection explains why a token could not be consumed. It only
// ever reaches logs, callers get ErrInvalidOrExpiredToken.
type TokenRejection string

const (
	TokenRejectedNone     TokenRejection = ""
	TokenRejectedNotFound TokenRejection = "not_found"
	TokenRejectedExpired  TokenRejection = "expired"
	TokenRejectedConsumed TokenRejection = "consumed"
	TokenRejectedPurpose  TokenRejection = "purpose_mismatch"
)

// Tokens is the single use token store
type Tokens interface {
	CreateTx(ctx context.Context, tx bun.IDB, token *Token) error
	GetTx(ctx context.Context, tx bun.IDB, value string) (*Token, error)
	ConsumeTx(ctx context.Context, tx bun.IDB, value string, purpose TokenPurpose, now time.Time) (*Token, TokenRejection, error)
	InvalidateTx(ctx context.Context, tx bun.IDB, owner string, purpose TokenPurpose, now time.Time) (int64, error)
	ListOutstandingTx(ctx context.Context, tx bun.IDB, owner string, purpose TokenPurpose, now time.Time) ([]*Token, error)
	DeleteStaleTx(ctx context.Context, tx bun.IDB, now time.Time, retention time.Duration) (int64, error)
}

type tokens struct {
	db *bun.DB
}

var _ Tokens = (*tokens)(nil)

// NewTokensRepository returns the bun backed token store
func NewTokensRepository(db *bun.DB) Tokens {
	return &tokens{db: db}
}

func (t *tokens) CreateTx(ctx context.Context, tx bun.IDB, token *Token) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	_, err := tx.NewInsert().Model(token).Exec(ctx)
	return err
}

// GetTx returns nil, nil for unknown values
func (t *tokens) GetTx(ctx context.Context, tx bun.IDB, value string) (*Token, error) {
	record := &Token{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.value = ?", value).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// ConsumeTx flips consumed with a single conditional update. Only one of
// several concurrent callers can match consumed = false, the others get
// a rejection. The row is read back afterwards, either to return it or
// to classify the rejection.
func (t *tokens) ConsumeTx(ctx context.Context, tx bun.IDB, value string, purpose TokenPurpose, now time.Time) (*Token, TokenRejection, error) {
	now = now.UTC()

	res, err := tx.NewUpdate().
		Model((*Token)(nil)).
		Set("consumed = ?", true).
		Set("consumed_at = ?", now).
		Where("value = ?", value).
		Where("purpose = ?", purpose).
		Where("consumed = ?", false).
		Where("expires_at > ?", now).
		Exec(ctx)
	if err != nil {
		return nil, TokenRejectedNone, err
	}

	won, err := res.RowsAffected()
	if err != nil {
		return nil, TokenRejectedNone, err
	}

	record, err := t.GetTx(ctx, tx, value)
	if err != nil {
		return nil, TokenRejectedNone, err
	}

	if won == 1 && record != nil {
		return record, TokenRejectedNone, nil
	}

	return nil, classifyRejection(record, purpose, now), nil
}

func classifyRejection(token *Token, purpose TokenPurpose, now time.Time) TokenRejection {
	switch {
	case token == nil:
		return TokenRejectedNotFound
	case token.Purpose != purpose:
		return TokenRejectedPurpose
	case token.Consumed:
		return TokenRejectedConsumed
	case token.IsExpired(now):
		return TokenRejectedExpired
	default:
		// lost a race with a concurrent consumer between the update and the read
		return TokenRejectedConsumed
	}
}

// InvalidateTx marks every outstanding token of the owner and purpose consumed
func (t *tokens) InvalidateTx(ctx context.Context, tx bun.IDB, owner string, purpose TokenPurpose, now time.Time) (int64, error) {
	now = now.UTC()
	res, err := tx.NewUpdate().
		Model((*Token)(nil)).
		Set("consumed = ?", true).
		Set("consumed_at = ?", now).
		Where("owner = ?", owner).
		Where("purpose = ?", purpose).
		Where("consumed = ?", false).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *tokens) ListOutstandingTx(ctx context.Context, tx bun.IDB, owner string, purpose TokenPurpose, now time.Time) ([]*Token, error) {
	var records []*Token
	err := tx.NewSelect().
		Model(&records).
		Where("?TableAlias.owner = ?", owner).
		Where("?TableAlias.purpose = ?", purpose).
		Where("?TableAlias.consumed = ?", false).
		Where("?TableAlias.expires_at > ?", now.UTC()).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteStaleTx removes tokens that expired, or were consumed, before
// now minus retention
func (t *tokens) DeleteStaleTx(ctx context.Context, tx bun.IDB, now time.Time, retention time.Duration) (int64, error) {
	cutoff := now.UTC().Add(-retention)
	res, err := tx.NewDelete().
		Model((*Token)(nil)).
		WhereGroup(" AND ", func(q *bun.DeleteQuery) *bun.DeleteQuery {
			return q.
				Where("expires_at < ?", cutoff).
				WhereOr("(consumed = ? AND consumed_at < ?)", true, cutoff)
		}).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
