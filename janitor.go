package accounts

import (
	"context"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/robfig/cron/v3"
	"github.com/uptrace/bun"
)

const (
	DefaultJanitorSchedule = "@every 15m"
	// DefaultInactiveAfter is how long an unactivated account is kept
	DefaultInactiveAfter = 72 * time.Hour
	// DefaultTokenRetention keeps dead tokens around for audits
	DefaultTokenRetention = 24 * time.Hour
)

// JanitorConfig configures the maintenance job
type JanitorConfig struct {
	Schedule       string
	InactiveAfter  time.Duration
	TokenRetention time.Duration
}

// JanitorReport is the outcome of one run
type JanitorReport struct {
	TokensRemoved   int
	AccountsRemoved []string
}

// Janitor removes dead tokens and abandoned inactive accounts on a schedule
type Janitor struct {
	repo    RepositoryManager
	cfg     JanitorConfig
	metrics *Metrics
	logger  Logger
	clock   Clock

	mu   sync.Mutex
	cron *cron.Cron
	stop chan struct{}
	// watcher is closed once the goroutine started by Start returns
	watcher chan struct{}
}

func NewJanitor(repo RepositoryManager, cfg JanitorConfig) *Janitor {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultJanitorSchedule
	}
	if cfg.InactiveAfter <= 0 {
		cfg.InactiveAfter = DefaultInactiveAfter
	}
	if cfg.TokenRetention <= 0 {
		cfg.TokenRetention = DefaultTokenRetention
	}

	return &Janitor{
		repo:   repo,
		cfg:    cfg,
		logger: defLogger(),
		clock:  time.Now,
	}
}

func (j *Janitor) WithLogger(logger Logger) *Janitor {
	j.logger = normalizeLogger(logger)
	return j
}

func (j *Janitor) WithMetrics(m *Metrics) *Janitor {
	j.metrics = m
	return j
}

func (j *Janitor) WithClock(clock Clock) *Janitor {
	if clock != nil {
		j.clock = clock
	}
	return j
}

// RunOnce performs a single cleanup pass in one transaction
func (j *Janitor) RunOnce(ctx context.Context) (JanitorReport, error) {
	now := j.clock().UTC()
	report := JanitorReport{}

	err := j.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		n, err := j.repo.Tokens().DeleteStaleTx(ctx, tx, now, j.cfg.TokenRetention)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to delete stale tokens")
		}
		report.TokensRemoved = int(n)

		pseudos, err := j.repo.Accounts().PurgeAbandonedTx(ctx, tx, now.Add(-j.cfg.InactiveAfter))
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to purge abandoned accounts")
		}
		report.AccountsRemoved = pseudos

		return nil
	})

	if err != nil {
		j.logger.Error("janitor run failed", "error", err)
		return JanitorReport{}, NewDependencyError(err, "janitor run failed")
	}

	j.metrics.removed("tokens", report.TokensRemoved)
	j.metrics.removed("accounts", len(report.AccountsRemoved))

	j.logger.Info("janitor run",
		"tokens_removed", report.TokensRemoved,
		"accounts_removed", len(report.AccountsRemoved),
	)

	return report, nil
}

// Start schedules RunOnce. It stops when ctx is done or Stop is called.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cron != nil {
		return goerrors.New("janitor already started", goerrors.CategoryConflict).
			WithTextCode("JANITOR_RUNNING")
	}

	c := cron.New()
	if _, err := c.AddFunc(j.cfg.Schedule, func() {
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.Warn("scheduled janitor run failed", "error", err)
		}
	}); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryBadInput, "invalid janitor schedule").
			WithMetadata(map[string]any{"schedule": j.cfg.Schedule})
	}

	c.Start()
	j.cron = c

	stop, watcher := make(chan struct{}), make(chan struct{})
	j.stop, j.watcher = stop, watcher

	go func() {
		defer close(watcher)
		select {
		case <-ctx.Done():
			j.Stop()
		case <-stop:
		}
	}()

	j.logger.Info("janitor started", "schedule", j.cfg.Schedule)
	return nil
}

// Stop halts the schedule and waits for a running pass to finish
func (j *Janitor) Stop() {
	j.mu.Lock()
	c, stop := j.cron, j.stop
	j.cron, j.stop = nil, nil
	j.mu.Unlock()

	if c == nil {
		return
	}
	close(stop)
	<-c.Stop().Done()
}
