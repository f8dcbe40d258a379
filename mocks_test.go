package accounts

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockPointsAwarder implements PointsAwarder
type MockPointsAwarder struct {
	mock.Mock
}

func (m *MockPointsAwarder) AwardDailyLogin(ctx context.Context, pseudo string, at time.Time) (bool, error) {
	args := m.Called(ctx, pseudo, at)
	return args.Bool(0), args.Error(1)
}

// MockRevocationList implements RevocationList
type MockRevocationList struct {
	mock.Mock
}

func (m *MockRevocationList) Revoke(ctx context.Context, pseudo string, at time.Time) error {
	args := m.Called(ctx, pseudo, at)
	return args.Error(0)
}

func (m *MockRevocationList) RevokedSince(ctx context.Context, pseudo string) (time.Time, bool, error) {
	args := m.Called(ctx, pseudo)
	return args.Get(0).(time.Time), args.Bool(1), args.Error(2)
}

// MockTokenGenerator implements TokenGenerator
type MockTokenGenerator struct {
	mock.Mock
}

func (m *MockTokenGenerator) Generate() (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}
