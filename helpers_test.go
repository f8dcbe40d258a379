package accounts

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"golang.org/x/crypto/bcrypt"
)

const testSigningKey = "test-signing-key-0123456789abcdef"

type testConfig struct {
	signingKey      string
	issuer          string
	sessionTTL      time.Duration
	tokenTTL        time.Duration
	cookieName      string
	production      bool
	invalidatePrior bool
}

func newTestConfig() *testConfig {
	return &testConfig{
		signingKey:      testSigningKey,
		issuer:          "accounts-test",
		sessionTTL:      time.Hour,
		tokenTTL:        time.Hour,
		cookieName:      DefaultCookieName,
		invalidatePrior: true,
	}
}

func (c *testConfig) GetSigningKey() string          { return c.signingKey }
func (c *testConfig) GetIssuer() string              { return c.issuer }
func (c *testConfig) GetSessionTTL() time.Duration   { return c.sessionTTL }
func (c *testConfig) GetTokenTTL() time.Duration     { return c.tokenTTL }
func (c *testConfig) GetCookieName() string          { return c.cookieName }
func (c *testConfig) IsProduction() bool             { return c.production }
func (c *testConfig) GetInvalidatePriorTokens() bool { return c.invalidatePrior }

// testClock is a settable clock shared by the service and the tests
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, "file::memory:")
	require.NoError(t, err)
	// a single connection keeps the in memory database alive and shared
	sqldb.SetMaxOpenConns(1)
	sqldb.SetConnMaxLifetime(0)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { db.Close() })

	_, err = Migrate(context.Background(), db)
	require.NoError(t, err)

	return db
}

type testEnv struct {
	db      *bun.DB
	repo    RepositoryManager
	svc     *Service
	cfg     *testConfig
	clock   *testClock
	mailer  *CaptureMailer
	revoked *MemoryRevocationList
	events  *eventRecorder
	metrics *Metrics
}

type eventRecorder struct {
	mu     sync.Mutex
	events []ActivityEvent
}

func (r *eventRecorder) Record(_ context.Context, event ActivityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) Types() []ActivityEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ActivityEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

func (r *eventRecorder) Last(eventType ActivityEventType) (ActivityEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].EventType == eventType {
			return r.events[i], true
		}
	}
	return ActivityEvent{}, false
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()

	db := newTestDB(t)
	env := &testEnv{
		db:      db,
		repo:    NewRepositoryManager(db),
		cfg:     newTestConfig(),
		clock:   newTestClock(),
		mailer:  &CaptureMailer{},
		revoked: NewMemoryRevocationList(),
		events:  &eventRecorder{},
		metrics: NewMetrics(nil),
	}

	opts := Options{
		Config:      env.cfg,
		Repo:        env.repo,
		Hasher:      BcryptHasher{Cost: bcrypt.MinCost},
		Mailer:      env.mailer,
		Revocations: env.revoked,
		Activity:    env.events,
		Metrics:     env.metrics,
		Clock:       env.clock.Now,
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	svc, err := NewService(opts)
	require.NoError(t, err)
	env.svc = svc

	return env
}

func (e *testEnv) signup(t *testing.T, pseudo, email, password string) *SignupResult {
	t.Helper()
	res, err := e.svc.Signup(context.Background(), SignupMessage{
		Pseudo:   pseudo,
		Email:    email,
		Password: password,
	})
	require.NoError(t, err)
	return res
}

// activeAccount signs up and activates pseudo using the mailed token
func (e *testEnv) activeAccount(t *testing.T, pseudo, email, password string) {
	t.Helper()
	e.signup(t, pseudo, email, password)
	msg, ok := e.mailer.Last()
	require.True(t, ok)
	_, err := e.svc.Activate(context.Background(), msg.Token)
	require.NoError(t, err)
}

func (e *testEnv) account(t *testing.T, pseudo string) *Account {
	t.Helper()
	acc, err := e.repo.Accounts().GetByPseudo(context.Background(), pseudo)
	require.NoError(t, err)
	return acc
}

func (e *testEnv) setRole(t *testing.T, pseudo string, role UserRole) {
	t.Helper()
	_, err := e.db.NewUpdate().
		Model((*Account)(nil)).
		Set("role = ?", role).
		Where("pseudo = ?", pseudo).
		Exec(context.Background())
	require.NoError(t, err)
}

func (e *testEnv) countTokens(t *testing.T, owner string, purpose TokenPurpose) int {
	t.Helper()
	n, err := e.db.NewSelect().
		Model((*Token)(nil)).
		Where("owner = ?", owner).
		Where("purpose = ?", purpose).
		Count(context.Background())
	require.NoError(t, err)
	return n
}

func (e *testEnv) countAccounts(t *testing.T) int {
	t.Helper()
	n, err := e.db.NewSelect().Model((*Account)(nil)).Count(context.Background())
	require.NoError(t, err)
	return n
}
