package rating

import (
	"context"
	"strings"

	"github.com/smallbiznis/creatorledger/internal/config"
	ratingdomain "github.com/smallbiznis/creatorledger/internal/rating/domain"
	"github.com/smallbiznis/creatorledger/internal/rating/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rating.service",
	fx.Provide(service.NewService),
	fx.Invoke(seedRateCards),
)

func seedRateCards(lc fx.Lifecycle, cfg config.Config, svc ratingdomain.Service, log *zap.Logger) {
	path := strings.TrimSpace(cfg.RateCardFile)
	if path == "" {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			cards, err := service.LoadFile(path)
			if err != nil {
				return err
			}
			if err := svc.Seed(ctx, cards); err != nil {
				return err
			}
			log.Info("rate cards seeded", zap.String("file", path), zap.Int("count", len(cards)))
			return nil
		},
	})
}
