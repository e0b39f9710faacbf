package membership

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestResolve(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	store := NewMemory()
	store.Set("pro-user", TierPro, &future)
	store.Set("lapsed", TierPlatinum, &past)
	store.Set("lifetime", TierStarter, nil)
	store.Set("weird", Tier("diamond"), nil)

	r := NewResolver(zap.NewNop(), store, nil)
	r.now = func() time.Time { return now }

	tests := []struct {
		user string
		want Tier
		paid bool
	}{
		{"nobody", TierFree, false},
		{"pro-user", TierPro, true},
		{"lapsed", TierFree, false},
		{"lifetime", TierStarter, true},
		{"weird", TierFree, false},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			caps, err := r.Resolve(context.Background(), tt.user)
			require.NoError(t, err)
			assert.Equal(t, tt.want, caps.Tier)
			assert.Equal(t, tt.paid, caps.Paid)
		})
	}
}

func TestPostgresSubscription(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	exp := time.Now().Add(24 * time.Hour)
	mock.ExpectQuery(`SELECT tier, expires_at FROM subscriptions WHERE user_id=\$1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"tier", "expires_at"}).AddRow("pro", exp))
	mock.ExpectQuery(`SELECT tier, expires_at FROM subscriptions`).
		WithArgs("u2").
		WillReturnRows(sqlmock.NewRows([]string{"tier", "expires_at"}))

	p := NewPostgres(mockDB)
	s, found, err := p.Subscription(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, TierPro, s.Tier)
	require.NotNil(t, s.ExpiresAt)

	_, found, err = p.Subscription(context.Background(), "u2")
	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}
