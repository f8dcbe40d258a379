package accounts

import (
	"context"
	"errors"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestNewService_Requirements(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepositoryManager(db)

	_, err := NewService(Options{Config: newTestConfig()})
	assert.Error(t, err)

	_, err = NewService(Options{Repo: repo})
	assert.Error(t, err)

	cfg := newTestConfig()
	cfg.signingKey = ""
	_, err = NewService(Options{Repo: repo, Config: cfg})
	assert.Error(t, err)

	svc, err := NewService(Options{Repo: repo, Config: newTestConfig()})
	require.NoError(t, err)
	assert.NotNil(t, svc.Sessions())
}

func TestSignup_CreatesInactiveAccountAndOneToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.Signup(ctx, SignupMessage{
		Pseudo:    "ada",
		Email:     "A@X.com",
		Password:  "p1",
		Name:      "Ada",
		LastName:  "Lovelace",
		Birthdate: "1815-12-10",
		Phone:     "+1 650-253-0000",
	})
	require.NoError(t, err)

	require.NotNil(t, res.Account)
	assert.False(t, res.Account.IsActive)
	assert.Equal(t, "a@x.com", res.Account.Email)
	assert.Equal(t, RoleMember, res.Account.Role)
	assert.Equal(t, DefaultLevel, res.Account.Level)
	assert.Equal(t, "+16502530000", res.Account.Phone)
	assert.NotEqual(t, "p1", res.Account.PasswordHash)

	assert.Equal(t, 1, env.countAccounts(t))
	assert.Equal(t, 1, env.countTokens(t, "ada", PurposeActivation))

	outstanding, err := env.repo.Tokens().ListOutstandingTx(ctx, env.db, "ada", PurposeActivation, env.clock.Now())
	require.NoError(t, err)
	require.Len(t, outstanding, 1)
	assert.Equal(t, env.clock.Now().Add(time.Hour), outstanding[0].ExpiresAt.UTC())

	msg, ok := env.mailer.Last()
	require.True(t, ok)
	assert.Equal(t, PurposeActivation, msg.Purpose)
	assert.Equal(t, "a@x.com", msg.To)
	assert.Equal(t, outstanding[0].Value, msg.Token)

	session, err := env.svc.ValidateSession(ctx, res.Session)
	require.NoError(t, err)
	assert.Equal(t, "ada", session.Pseudo)
	assert.Equal(t, env.clock.Now().Add(time.Hour), res.ExpiresAt.UTC())

	assert.Contains(t, env.events.Types(), ActivityEventSignup)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Operations.WithLabelValues("signup", OutcomeSuccess)))
}

func TestSignup_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		msg   SignupMessage
		field string
	}{
		{"missing pseudo", SignupMessage{Email: "a@x.com", Password: "p1"}, "pseudo"},
		{"short pseudo", SignupMessage{Pseudo: "ab", Email: "a@x.com", Password: "p1"}, "pseudo"},
		{"pseudo charset", SignupMessage{Pseudo: "ada lovelace", Email: "a@x.com", Password: "p1"}, "pseudo"},
		{"bad email", SignupMessage{Pseudo: "ada", Email: "not-an-email", Password: "p1"}, "email"},
		{"empty password", SignupMessage{Pseudo: "ada", Email: "a@x.com"}, "password"},
		{"long password", SignupMessage{Pseudo: "ada", Email: "a@x.com", Password: string(make([]byte, 73))}, "password"},
		{"bad birthdate", SignupMessage{Pseudo: "ada", Email: "a@x.com", Password: "p1", Birthdate: "10/12/1815"}, "birthdate"},
		{"bad phone", SignupMessage{Pseudo: "ada", Email: "a@x.com", Password: "p1", Phone: "12"}, "phone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Signup(ctx, tt.msg)
			require.Error(t, err)
			assert.True(t, IsValidationError(err))

			var richErr *goerrors.Error
			require.True(t, goerrors.As(err, &richErr))
			fields, ok := richErr.Metadata["fields"].(map[string]string)
			require.True(t, ok)
			assert.Contains(t, fields, tt.field)
		})
	}

	assert.Equal(t, 0, env.countAccounts(t))
	assert.Empty(t, env.mailer.Messages())
}

func TestSignup_MinPasswordLength(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.MinPasswordLength = 8 })

	_, err := env.svc.Signup(context.Background(), SignupMessage{Pseudo: "ada", Email: "a@x.com", Password: "p1"})
	assert.True(t, IsValidationError(err))

	_, err = env.svc.Signup(context.Background(), SignupMessage{Pseudo: "ada", Email: "a@x.com", Password: "long-enough"})
	assert.NoError(t, err)
}

func TestSignup_PurgeAndRecreateInactive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.signup(t, "ada", "a@x.com", "p1")
	first, _ := env.mailer.Last()

	res := env.signup(t, "Ada", "other@x.com", "p2")
	assert.Equal(t, "Ada", res.Account.Pseudo)
	assert.Equal(t, 1, env.countAccounts(t))
	assert.Equal(t, 0, env.countTokens(t, "ada", PurposeActivation))

	_, err := env.svc.Activate(ctx, first.Token)
	assert.True(t, IsInvalidOrExpiredToken(err))

	// an inactive account holding the email is purged too
	env.signup(t, "grace", "other@x.com", "p3")
	assert.Equal(t, 1, env.countAccounts(t))
	assert.Nil(t, env.account(t, "Ada"))
	assert.NotNil(t, env.account(t, "grace"))

	event, ok := env.events.Last(ActivityEventInactiveAccPurged)
	require.True(t, ok)
	assert.Equal(t, []string{"Ada"}, event.Metadata["purged"])
}

func TestSignup_ConflictsWithActiveAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.activeAccount(t, "ada", "a@x.com", "p1")

	_, err := env.svc.Signup(ctx, SignupMessage{Pseudo: "ADA", Email: "new@x.com", Password: "p1"})
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.ErrorIs(t, err, ErrPseudoTaken)

	_, err = env.svc.Signup(ctx, SignupMessage{Pseudo: "grace", Email: "A@x.com", Password: "p1"})
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.ErrorIs(t, err, ErrEmailTaken)

	acc := env.account(t, "ada")
	require.NotNil(t, acc)
	assert.True(t, acc.IsActive)
	assert.Equal(t, 1, env.countAccounts(t))
}

func TestSignup_MailFailure(t *testing.T) {
	env := newTestEnv(t)
	env.mailer.SetErr(errors.New("smtp down"))

	_, err := env.svc.Signup(context.Background(), SignupMessage{Pseudo: "ada", Email: "a@x.com", Password: "p1"})
	require.Error(t, err)
	assert.True(t, IsDependencyError(err))

	// the account is committed and can be completed with a resend
	acc := env.account(t, "ada")
	require.NotNil(t, acc)
	assert.False(t, acc.IsActive)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Operations.WithLabelValues("signup", OutcomeFailure)))
}

func TestActivate_Scenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.signup(t, "ada", "a@x.com", "p1")
	assert.False(t, res.Account.IsActive)

	_, err := env.svc.Activate(ctx, "wrong-token")
	require.Error(t, err)
	assert.True(t, IsInvalidOrExpiredToken(err))

	msg, _ := env.mailer.Last()
	pseudo, err := env.svc.Activate(ctx, msg.Token)
	require.NoError(t, err)
	assert.Equal(t, "ada", pseudo)
	assert.True(t, env.account(t, "ada").IsActive)

	_, err = env.svc.Activate(ctx, msg.Token)
	require.Error(t, err)
	assert.True(t, IsInvalidOrExpiredToken(err))

	_, err = env.svc.Activate(ctx, "")
	assert.True(t, IsInvalidOrExpiredToken(err))

	assert.Contains(t, env.events.Types(), ActivityEventActivated)
	assert.Contains(t, env.events.Types(), ActivityEventTokenRejected)
}

func TestActivate_ExpiredToken(t *testing.T) {
	env := newTestEnv(t)

	env.signup(t, "ada", "a@x.com", "p1")
	msg, _ := env.mailer.Last()

	env.clock.Advance(time.Hour)

	_, err := env.svc.Activate(context.Background(), msg.Token)
	require.Error(t, err)
	assert.True(t, IsInvalidOrExpiredToken(err))
	assert.False(t, env.account(t, "ada").IsActive)

	token, err := env.repo.Tokens().GetTx(context.Background(), env.db, msg.Token)
	require.NoError(t, err)
	assert.False(t, token.Consumed)
}

func TestActivate_ResetTokenIsRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.signup(t, "ada", "a@x.com", "p1")
	require.NoError(t, env.svc.RequestReset(ctx, "a@x.com"))
	reset, _ := env.mailer.Last()
	require.Equal(t, PurposeReset, reset.Purpose)

	_, err := env.svc.Activate(ctx, reset.Token)
	assert.True(t, IsInvalidOrExpiredToken(err))
	assert.False(t, env.account(t, "ada").IsActive)
}

func TestLogin_Scenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.signup(t, "ada", "a@x.com", "p1")
	assert.Nil(t, env.account(t, "ada").LastLogin)

	_, err := env.svc.Login(ctx, LoginMessage{Pseudo: "ada", Password: "wrong"})
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))

	env.clock.Advance(time.Minute)
	res, err := env.svc.Login(ctx, LoginMessage{Pseudo: "ada", Password: "p1"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Session)

	acc := env.account(t, "ada")
	require.NotNil(t, acc.LastLogin)
	assert.True(t, acc.LastLogin.Equal(env.clock.Now()))
	require.NotNil(t, acc.DateOnline)

	session, err := env.svc.ValidateSession(ctx, res.Session)
	require.NoError(t, err)
	assert.Equal(t, "ada", session.Pseudo)

	event, ok := env.events.Last(ActivityEventLoginFailure)
	require.True(t, ok)
	assert.Equal(t, "wrong_password", event.Metadata["reason"])
}

func TestLogin_UniformFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.activeAccount(t, "ada", "a@x.com", "p1")

	_, unknownErr := env.svc.Login(ctx, LoginMessage{Pseudo: "nobody", Password: "p1"})
	_, wrongErr := env.svc.Login(ctx, LoginMessage{Pseudo: "ada", Password: "p2"})

	require.Error(t, unknownErr)
	require.Error(t, wrongErr)
	assert.Equal(t, unknownErr.Error(), wrongErr.Error())

	var a, b *goerrors.Error
	require.True(t, goerrors.As(unknownErr, &a))
	require.True(t, goerrors.As(wrongErr, &b))
	assert.Equal(t, a.Category, b.Category)
	assert.Equal(t, a.Code, b.Code)
	assert.Equal(t, a.TextCode, b.TextCode)

	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.Operations.WithLabelValues("login", OutcomeRejected)))
}

func TestLogin_CaseInsensitivePseudo(t *testing.T) {
	env := newTestEnv(t)
	env.activeAccount(t, "Ada", "a@x.com", "p1")

	res, err := env.svc.Login(context.Background(), LoginMessage{Pseudo: "ada", Password: "p1"})
	require.NoError(t, err)
	assert.Equal(t, "Ada", res.Account.Pseudo)
}

func TestLogin_DailyBonusOncePerDay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.activeAccount(t, "ada", "a@x.com", "p1")

	res, err := env.svc.Login(ctx, LoginMessage{Pseudo: "ada", Password: "p1"})
	require.NoError(t, err)
	assert.True(t, res.BonusAwarded)

	env.clock.Advance(time.Hour)
	res, err = env.svc.Login(ctx, LoginMessage{Pseudo: "ada", Password: "p1"})
	require.NoError(t, err)
	assert.False(t, res.BonusAwarded)
	assert.Equal(t, DailyLoginBonus, env.account(t, "ada").Points)

	env.clock.Advance(24 * time.Hour)
	res, err = env.svc.Login(ctx, LoginMessage{Pseudo: "ada", Password: "p1"})
	require.NoError(t, err)
	assert.True(t, res.BonusAwarded)
	assert.Equal(t, 2*DailyLoginBonus, env.account(t, "ada").Points)
}

func TestLogin_PointsFailureDoesNotBlock(t *testing.T) {
	points := new(MockPointsAwarder)
	points.On("AwardDailyLogin", mock.Anything, "ada", mock.AnythingOfType("time.Time")).
		Return(false, errors.New("points store down")).Once()

	env := newTestEnv(t, func(o *Options) { o.Points = points })
	env.activeAccount(t, "ada", "a@x.com", "p1")

	res, err := env.svc.Login(context.Background(), LoginMessage{Pseudo: "ada", Password: "p1"})
	require.NoError(t, err)
	assert.False(t, res.BonusAwarded)
	assert.NotEmpty(t, res.Session)

	points.AssertExpectations(t)
}

func TestLogin_Validation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Login(context.Background(), LoginMessage{Pseudo: "ada"})
	assert.True(t, IsValidationError(err))
}

func TestRequestReset_UnknownEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.svc.RequestReset(ctx, "notregistered@x.com")
	require.NoError(t, err)

	n, err := env.db.NewSelect().Model((*Token)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, env.mailer.Messages())
}

func TestPasswordReset_Flow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.activeAccount(t, "ada", "a@x.com", "p1")

	require.NoError(t, env.svc.RequestReset(ctx, "A@X.COM"))
	msg, ok := env.mailer.Last()
	require.True(t, ok)
	assert.Equal(t, PurposeReset, msg.Purpose)
	assert.Equal(t, "ada", msg.Pseudo)

	require.NoError(t, env.svc.CompleteReset(ctx, msg.Token, "new-secret"))

	_, err := env.svc.Login(ctx, LoginMessage{Pseudo: "ada", Password: "p1"})
	assert.True(t, IsUnauthorized(err))

	_, err = env.svc.Login(ctx, LoginMessage{Pseudo: "ada", Password: "new-secret"})
	assert.NoError(t, err)

	err = env.svc.CompleteReset(ctx, msg.Token, "another")
	assert.True(t, IsInvalidOrExpiredToken(err))

	_, err = env.svc.Login(ctx, LoginMessage{Pseudo: "ada", Password: "new-secret"})
	assert.NoError(t, err)

	assert.Contains(t, env.events.Types(), ActivityEventPasswordReset)
}

func TestPasswordReset_InvalidatesPriorTokens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.activeAccount(t, "ada", "a@x.com", "p1")

	require.NoError(t, env.svc.RequestReset(ctx, "a@x.com"))
	first, _ := env.mailer.Last()
	require.NoError(t, env.svc.RequestReset(ctx, "a@x.com"))
	second, _ := env.mailer.Last()
	require.NotEqual(t, first.Token, second.Token)

	err := env.svc.CompleteReset(ctx, first.Token, "new-secret")
	assert.True(t, IsInvalidOrExpiredToken(err))

	require.NoError(t, env.svc.CompleteReset(ctx, second.Token, "new-secret"))
}

func TestPasswordReset_KeepsPriorTokensWhenConfigured(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		cfg := newTestConfig()
		cfg.invalidatePrior = false
		o.Config = cfg
	})
	ctx := context.Background()

	env.activeAccount(t, "ada", "a@x.com", "p1")

	require.NoError(t, env.svc.RequestReset(ctx, "a@x.com"))
	first, _ := env.mailer.Last()
	require.NoError(t, env.svc.RequestReset(ctx, "a@x.com"))

	assert.NoError(t, env.svc.CompleteReset(ctx, first.Token, "new-secret"))
}

func TestPasswordReset_ExpiredAndWrongPurpose(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.signup(t, "ada", "a@x.com", "p1")
	activation, _ := env.mailer.Last()

	err := env.svc.CompleteReset(ctx, activation.Token, "new-secret")
	assert.True(t, IsInvalidOrExpiredToken(err))

	require.NoError(t, env.svc.RequestReset(ctx, "a@x.com"))
	reset, _ := env.mailer.Last()

	env.clock.Advance(2 * time.Hour)
	err = env.svc.CompleteReset(ctx, reset.Token, "new-secret")
	assert.True(t, IsInvalidOrExpiredToken(err))

	err = env.svc.CompleteReset(ctx, "whatever", "")
	assert.True(t, IsValidationError(err))
}

func TestRequestReset_MailFailureLooksLikeSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.activeAccount(t, "ada", "a@x.com", "p1")
	env.mailer.SetErr(errors.New("smtp down"))

	assert.NoError(t, env.svc.RequestReset(context.Background(), "a@x.com"))
	assert.Equal(t, 1, env.countTokens(t, "ada", PurposeReset))
}

func TestResendActivation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.signup(t, "ada", "a@x.com", "p1")
	first, _ := env.mailer.Last()

	require.NoError(t, env.svc.ResendActivation(ctx, "a@x.com"))
	second, _ := env.mailer.Last()
	require.NotEqual(t, first.Token, second.Token)

	_, err := env.svc.Activate(ctx, first.Token)
	assert.True(t, IsInvalidOrExpiredToken(err))

	_, err = env.svc.Activate(ctx, second.Token)
	require.NoError(t, err)

	sent := len(env.mailer.Messages())
	require.NoError(t, env.svc.ResendActivation(ctx, "a@x.com"))
	require.NoError(t, env.svc.ResendActivation(ctx, "unknown@x.com"))
	assert.Len(t, env.mailer.Messages(), sent)
}

func TestDeleteAccount_Authorization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.activeAccount(t, "ada", "ada@x.com", "p1")
	env.activeAccount(t, "grace", "grace@x.com", "p1")
	env.activeAccount(t, "root", "root@x.com", "p1")
	env.activeAccount(t, "boss", "boss@x.com", "p1")
	env.setRole(t, "root", RoleAdmin)
	env.setRole(t, "boss", RoleOwner)

	err := env.svc.DeleteAccount(ctx, "ada", "grace")
	assert.ErrorIs(t, err, ErrForbidden)

	err = env.svc.DeleteAccount(ctx, "ghost", "grace")
	assert.ErrorIs(t, err, ErrForbidden)

	err = env.svc.DeleteAccount(ctx, "ada", "nobody")
	assert.ErrorIs(t, err, ErrForbidden)

	err = env.svc.DeleteAccount(ctx, "root", "nobody")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	err = env.svc.DeleteAccount(ctx, "root", "boss")
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, env.svc.DeleteAccount(ctx, "root", "grace"))
	assert.Nil(t, env.account(t, "grace"))

	require.NoError(t, env.svc.RequestReset(ctx, "ada@x.com"))
	require.Equal(t, 1, env.countTokens(t, "ada", PurposeReset))

	require.NoError(t, env.svc.DeleteAccount(ctx, "ada", "ada"))
	assert.Nil(t, env.account(t, "ada"))
	assert.Zero(t, env.countTokens(t, "ada", PurposeReset))
	assert.Zero(t, env.countTokens(t, "ada", PurposeActivation))

	require.NoError(t, env.svc.DeleteAccount(ctx, "boss", "root"))
	assert.Equal(t, 1, env.countAccounts(t))

	event, ok := env.events.Last(ActivityEventDeleted)
	require.True(t, ok)
	assert.Equal(t, "boss", event.Actor)
	assert.Equal(t, "root", event.Pseudo)
}

func TestLogoutEverywhere(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.activeAccount(t, "ada", "a@x.com", "p1")

	first, err := env.svc.Login(ctx, LoginMessage{Pseudo: "ada", Password: "p1"})
	require.NoError(t, err)

	env.clock.Advance(time.Second)
	require.NoError(t, env.svc.LogoutEverywhere(ctx, "ada"))

	_, err = env.svc.ValidateSession(ctx, first.Session)
	assert.ErrorIs(t, err, ErrSessionRevoked)

	env.clock.Advance(time.Second)
	second, err := env.svc.Login(ctx, LoginMessage{Pseudo: "ada", Password: "p1"})
	require.NoError(t, err)

	_, err = env.svc.ValidateSession(ctx, second.Session)
	assert.NoError(t, err)

	cookie := env.svc.Logout()
	assert.Equal(t, -1, cookie.MaxAge)
	assert.Empty(t, cookie.Value)
}

func TestLogoutEverywhere_NotConfigured(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Revocations = nil })

	err := env.svc.LogoutEverywhere(context.Background(), "ada")
	assert.ErrorIs(t, err, ErrRevocationUnavailable)
}

func TestAccount(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "ada", "a@x.com", "p1")

	acc, err := env.svc.Account(context.Background(), "ada")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", acc.Email)

	_, err = env.svc.Account(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestService_CancelledContext(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.svc.Signup(ctx, SignupMessage{Pseudo: "ada", Email: "a@x.com", Password: "p1"})
	require.Error(t, err)

	var richErr *goerrors.Error
	require.True(t, goerrors.As(err, &richErr))
	assert.Equal(t, goerrors.CategoryOperation, richErr.Category)
	assert.Zero(t, env.countAccounts(t))
}

func TestService_GeneratorFailure(t *testing.T) {
	gen := new(MockTokenGenerator)
	gen.On("Generate").Return("", errors.New("entropy exhausted"))

	env := newTestEnv(t, func(o *Options) { o.Generator = gen })

	_, err := env.svc.Signup(context.Background(), SignupMessage{Pseudo: "ada", Email: "a@x.com", Password: "p1"})
	require.Error(t, err)
	assert.Zero(t, env.countAccounts(t))
	assert.Empty(t, env.mailer.Messages())

	gen.AssertCalled(t, "Generate")
}
