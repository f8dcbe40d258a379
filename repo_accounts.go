package accounts

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Accounts is the credential store
type Accounts interface {
	repository.Repository[*Account]

	FindByPseudoTx(ctx context.Context, tx bun.IDB, pseudo string) (*Account, error)
	FindByEmailTx(ctx context.Context, tx bun.IDB, email string) (*Account, error)
	FindActiveByPseudoTx(ctx context.Context, tx bun.IDB, pseudo string) (*Account, error)
	FindActiveByEmailTx(ctx context.Context, tx bun.IDB, email string) (*Account, error)

	GetByPseudo(ctx context.Context, pseudo string) (*Account, error)

	RegisterTx(ctx context.Context, tx bun.IDB, account *Account) (*Account, error)
	PurgeInactiveTx(ctx context.Context, tx bun.IDB, pseudo, email string) ([]string, error)
	PurgeAbandonedTx(ctx context.Context, tx bun.IDB, createdBefore time.Time) ([]string, error)
	ActivateTx(ctx context.Context, tx bun.IDB, pseudo string, at time.Time) error
	ResetPasswordTx(ctx context.Context, tx bun.IDB, pseudo, passwordHash string, at time.Time) error
	TrackLoginTx(ctx context.Context, tx bun.IDB, pseudo string, at time.Time) error
	AwardDailyBonusTx(ctx context.Context, tx bun.IDB, pseudo string, points int, day string) (bool, error)
	RemoveTx(ctx context.Context, tx bun.IDB, pseudo string) (bool, error)
}

type accounts struct {
	repository.Repository[*Account]
	db *bun.DB
}

var _ Accounts = (*accounts)(nil)

// NewAccountsRepository returns the bun backed credential store
func NewAccountsRepository(db *bun.DB) Accounts {
	repo := repository.NewRepository[*Account](db, repository.ModelHandlers[*Account]{
		NewRecord: func() *Account { return &Account{} },
		GetID: func(a *Account) uuid.UUID {
			if a == nil {
				return uuid.Nil
			}
			return a.ID
		},
		SetID: func(a *Account, id uuid.UUID) {
			if a != nil {
				a.ID = id
			}
		},
		GetIdentifier: func() string {
			return "pseudo"
		},
	})

	return &accounts{
		Repository: repo,
		db:         db,
	}
}

// AccountID derives the stable account ID from the pseudo, so two rows
// for the same pseudo can never coexist
func AccountID(pseudo string) uuid.UUID {
	id, err := hashid.NewUUID(NormalizeIdentifier(pseudo))
	if err != nil {
		return uuid.NewSHA1(uuid.NameSpaceOID, []byte(NormalizeIdentifier(pseudo)))
	}
	return id
}

func (a *accounts) findOne(ctx context.Context, tx bun.IDB, column, value string, activeOnly bool) (*Account, error) {
	record := &Account{}
	q := tx.NewSelect().
		Model(record).
		Where("lower(?TableAlias.?) = ?", bun.Ident(column), NormalizeIdentifier(value))

	if activeOnly {
		q = q.Where("?TableAlias.is_active = ?", true)
	}

	if err := q.Limit(1).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return record, nil
}

// FindByPseudoTx returns nil, nil when no account matches
func (a *accounts) FindByPseudoTx(ctx context.Context, tx bun.IDB, pseudo string) (*Account, error) {
	return a.findOne(ctx, tx, "pseudo", pseudo, false)
}

// FindByEmailTx returns nil, nil when no account matches
func (a *accounts) FindByEmailTx(ctx context.Context, tx bun.IDB, email string) (*Account, error) {
	return a.findOne(ctx, tx, "email", email, false)
}

func (a *accounts) FindActiveByPseudoTx(ctx context.Context, tx bun.IDB, pseudo string) (*Account, error) {
	return a.findOne(ctx, tx, "pseudo", pseudo, true)
}

func (a *accounts) FindActiveByEmailTx(ctx context.Context, tx bun.IDB, email string) (*Account, error) {
	return a.findOne(ctx, tx, "email", email, true)
}

// RegisterTx inserts a new account. Driver errors are returned unwrapped so
// callers can detect unique violations.
func (a *accounts) RegisterTx(ctx context.Context, tx bun.IDB, account *Account) (*Account, error) {
	prepareAccountDefaults(account)
	if _, err := tx.NewInsert().Model(account).Exec(ctx); err != nil {
		return nil, err
	}
	return account, nil
}

// GetByPseudo loads an account by its exact pseudo
func (a *accounts) GetByPseudo(ctx context.Context, pseudo string) (*Account, error) {
	record, err := a.Repository.GetByIdentifier(ctx, pseudo)
	if err != nil {
		if repository.IsRecordNotFound(err) || errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// PurgeInactiveTx removes the inactive accounts matching the pseudo, and
// separately the email, together with their tokens. It returns the purged
// pseudos.
func (a *accounts) PurgeInactiveTx(ctx context.Context, tx bun.IDB, pseudo, email string) ([]string, error) {
	var pseudos []string
	err := tx.NewSelect().
		Model((*Account)(nil)).
		Column("pseudo").
		Where("is_active = ?", false).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("lower(pseudo) = ?", NormalizeIdentifier(pseudo)).
				WhereOr("lower(email) = ?", NormalizeIdentifier(email))
		}).
		Scan(ctx, &pseudos)
	if err != nil {
		return nil, err
	}

	return pseudos, a.removeAll(ctx, tx, pseudos)
}

// PurgeAbandonedTx removes inactive accounts created before the cutoff
func (a *accounts) PurgeAbandonedTx(ctx context.Context, tx bun.IDB, createdBefore time.Time) ([]string, error) {
	var pseudos []string
	err := tx.NewSelect().
		Model((*Account)(nil)).
		Column("pseudo").
		Where("is_active = ?", false).
		Where("created_at < ?", createdBefore.UTC()).
		Scan(ctx, &pseudos)
	if err != nil {
		return nil, err
	}

	return pseudos, a.removeAll(ctx, tx, pseudos)
}

func (a *accounts) removeAll(ctx context.Context, tx bun.IDB, pseudos []string) error {
	if len(pseudos) == 0 {
		return nil
	}

	if _, err := tx.NewDelete().
		Model((*Token)(nil)).
		Where("owner IN (?)", bun.In(pseudos)).
		Exec(ctx); err != nil {
		return err
	}

	_, err := tx.NewDelete().
		Model((*Account)(nil)).
		Where("pseudo IN (?)", bun.In(pseudos)).
		Exec(ctx)

	return err
}

func (a *accounts) ActivateTx(ctx context.Context, tx bun.IDB, pseudo string, at time.Time) error {
	res, err := tx.NewUpdate().
		Model((*Account)(nil)).
		Set("is_active = ?", true).
		Set("updated_at = ?", at.UTC()).
		Where("pseudo = ?", pseudo).
		Exec(ctx)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (a *accounts) ResetPasswordTx(ctx context.Context, tx bun.IDB, pseudo, passwordHash string, at time.Time) error {
	res, err := tx.NewUpdate().
		Model((*Account)(nil)).
		Set("password_hash = ?", passwordHash).
		Set("updated_at = ?", at.UTC()).
		Where("pseudo = ?", pseudo).
		Exec(ctx)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (a *accounts) TrackLoginTx(ctx context.Context, tx bun.IDB, pseudo string, at time.Time) error {
	at = at.UTC()
	_, err := tx.NewUpdate().
		Model((*Account)(nil)).
		Set("last_login = ?", at).
		Set("date_online = ?", at).
		Set("updated_at = ?", at).
		Where("pseudo = ?", pseudo).
		Exec(ctx)
	return err
}

// AwardDailyBonusTx adds points unless the bonus was already granted on day.
// The check and the increment are one statement.
func (a *accounts) AwardDailyBonusTx(ctx context.Context, tx bun.IDB, pseudo string, points int, day string) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*Account)(nil)).
		Set("points = points + ?", points).
		Set("last_bonus_on = ?", day).
		Where("pseudo = ?", pseudo).
		Where("(last_bonus_on IS NULL OR last_bonus_on <> ?)", day).
		Exec(ctx)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RemoveTx hard deletes the account and every token it owns
func (a *accounts) RemoveTx(ctx context.Context, tx bun.IDB, pseudo string) (bool, error) {
	if _, err := tx.NewDelete().
		Model((*Token)(nil)).
		Where("owner = ?", pseudo).
		Exec(ctx); err != nil {
		return false, err
	}

	res, err := tx.NewDelete().
		Model((*Account)(nil)).
		Where("pseudo = ?", pseudo).
		Exec(ctx)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func prepareAccountDefaults(record *Account) {
	if record == nil {
		return
	}

	if record.Role == "" {
		record.Role = DefaultRole
	}

	if record.Level == 0 {
		record.Level = DefaultLevel
	}

	if record.ID == uuid.Nil {
		record.ID = AccountID(record.Pseudo)
	}

	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
}
