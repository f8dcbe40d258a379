package accounts

import (
	"context"
	"time"
)

// DailyLoginBonus is the number of points granted on the first login of a day
const DailyLoginBonus = 10

// StorePointsAwarder grants the daily login bonus through the credential
// store. The day boundary is the UTC calendar day.
type StorePointsAwarder struct {
	repo   RepositoryManager
	points int
}

var _ PointsAwarder = (*StorePointsAwarder)(nil)

func NewStorePointsAwarder(repo RepositoryManager) *StorePointsAwarder {
	return &StorePointsAwarder{repo: repo, points: DailyLoginBonus}
}

// WithPoints overrides the bonus size
func (p *StorePointsAwarder) WithPoints(points int) *StorePointsAwarder {
	p.points = points
	return p
}

// AwardDailyLogin reports whether a bonus was granted. Repeated calls on
// the same day are no-ops.
func (p *StorePointsAwarder) AwardDailyLogin(ctx context.Context, pseudo string, at time.Time) (bool, error) {
	day := at.UTC().Format(time.DateOnly)
	return p.repo.Accounts().AwardDailyBonusTx(ctx, p.repo.DB(), pseudo, p.points, day)
}
