package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smallbiznis/creatorledger/internal/clock"
	"github.com/smallbiznis/creatorledger/internal/dbtest"
	ratingdomain "github.com/smallbiznis/creatorledger/internal/rating/domain"
	"github.com/smallbiznis/creatorledger/pkg/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) ratingdomain.Service {
	t.Helper()
	return NewService(ServiceParam{
		DB:    dbtest.Open(t),
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
}

func card(version int64, fee string, from time.Time) ratingdomain.RateCard {
	return ratingdomain.RateCard{
		Version:        version,
		BaseCPM:        "1.00",
		LikeBonus:      "0.001",
		PlatformFeePct: fee,
		EffectiveFrom:  from,
	}
}

func TestSnapshotAtPicksVersionInForce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := svc.Publish(ctx, card(1, "0.20", jan))
	require.NoError(t, err)
	_, err = svc.Publish(ctx, card(2, "0.25", mar))
	require.NoError(t, err)

	snap, err := svc.SnapshotAt(ctx, mar.Add(-time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, "0.2", snap.PlatformFeePct.String())
	assert.Equal(t, money.MustParse("1.00"), snap.BaseCPM)

	snap, err = svc.SnapshotAt(ctx, mar)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Version)

	_, err = svc.SnapshotAt(ctx, jan.Add(-time.Hour))
	assert.ErrorIs(t, err, ratingdomain.ErrNoRateConfig)
}

func TestSnapshotAtHonorsEffectiveUntil(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	c := card(1, "0.20", jan)
	c.EffectiveUntil = &feb
	_, err := svc.Publish(ctx, c)
	require.NoError(t, err)

	_, err = svc.SnapshotAt(ctx, feb)
	assert.ErrorIs(t, err, ratingdomain.ErrNoRateConfig)
}

func TestPublishIsWriteOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := svc.Publish(ctx, card(1, "0.20", jan))
	require.NoError(t, err)
	_, err = svc.Publish(ctx, card(1, "0.10", jan))
	assert.ErrorIs(t, err, ratingdomain.ErrVersionExists)

	_, err = svc.Publish(ctx, card(2, "1.5", jan))
	assert.ErrorIs(t, err, ratingdomain.ErrInvalidFeePct)

	require.NoError(t, svc.Seed(ctx, []ratingdomain.RateCard{card(1, "0.20", jan), card(3, "0.30", jan)}))
	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "0.2", list[0].PlatformFeePct.String())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.yml")
	content := `rates:
  - version: 2
    base_cpm: "1.25"
    platform_fee_pct: "0.25"
    effective_from: 2024-03-01T00:00:00Z
  - version: 1
    base_cpm: "1.00"
    like_bonus: "0.001"
    comment_bonus: "0.002"
    share_bonus: "0.005"
    platform_fee_pct: "0.20"
    effective_from: 2024-01-01T00:00:00Z
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cards, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, cards, 2)
	assert.Equal(t, int64(1), cards[0].Version)
	assert.Equal(t, "0.005", cards[0].ShareBonus)
	assert.True(t, cards[1].EffectiveFrom.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
}
