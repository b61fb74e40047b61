package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creatorledger/internal/clock"
	ratingdomain "github.com/smallbiznis/creatorledger/internal/rating/domain"
	"github.com/smallbiznis/creatorledger/pkg/db"
	"github.com/smallbiznis/creatorledger/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	validate *validator.Validate
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

func NewService(p ServiceParam) ratingdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("rating.service"),
		clock:    p.Clock,
		validate: validator.New(),
	}
}

// SnapshotAt returns the rate version in force at the given instant. When two versions
// overlap the later effective_from wins, then the higher version.
func (s *Service) SnapshotAt(ctx context.Context, at time.Time) (ratingdomain.RateSnapshot, error) {
	return SnapshotAtTx(ctx, s.db, at)
}

// SnapshotAtTx is SnapshotAt on a caller's transaction.
func SnapshotAtTx(ctx context.Context, tx *gorm.DB, at time.Time) (ratingdomain.RateSnapshot, error) {
	at = at.UTC()
	var row ratingdomain.RateConfig
	err := tx.WithContext(ctx).
		Where("effective_from <= ?", at).
		Where("(effective_until IS NULL OR effective_until > ?)", at).
		Order("effective_from DESC").
		Order("version DESC").
		Take(&row).Error
	if err != nil {
		if db.IsNotFound(err) {
			return ratingdomain.RateSnapshot{}, ratingdomain.ErrNoRateConfig
		}
		return ratingdomain.RateSnapshot{}, err
	}
	return toSnapshot(row)
}

func (s *Service) Publish(ctx context.Context, card ratingdomain.RateCard) (ratingdomain.RateSnapshot, error) {
	row, err := s.rowFromCard(card)
	if err != nil {
		return ratingdomain.RateSnapshot{}, err
	}

	result := s.db.WithContext(ctx).Exec(
		`INSERT INTO rate_configs (
			version, base_cpm, like_bonus, comment_bonus, share_bonus, platform_fee_pct,
			effective_from, effective_until, note, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (version) DO NOTHING`,
		row.Version,
		row.BaseCPM,
		row.LikeBonus,
		row.CommentBonus,
		row.ShareBonus,
		row.PlatformFeePct,
		row.EffectiveFrom,
		row.EffectiveUntil,
		row.Note,
		row.CreatedAt,
	)
	if result.Error != nil {
		return ratingdomain.RateSnapshot{}, result.Error
	}
	if result.RowsAffected == 0 {
		return ratingdomain.RateSnapshot{}, ratingdomain.ErrVersionExists
	}

	s.log.Info("rate version published",
		zap.Int64("version", row.Version),
		zap.Time("effective_from", row.EffectiveFrom),
		zap.String("platform_fee_pct", row.PlatformFeePct),
	)
	return toSnapshot(row)
}

func (s *Service) List(ctx context.Context) ([]ratingdomain.RateSnapshot, error) {
	var rows []ratingdomain.RateConfig
	if err := s.db.WithContext(ctx).Order("version ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ratingdomain.RateSnapshot, 0, len(rows))
	for _, row := range rows {
		snap, err := toSnapshot(row)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// Seed publishes each card, treating already-present versions as done.
func (s *Service) Seed(ctx context.Context, cards []ratingdomain.RateCard) error {
	for _, card := range cards {
		if _, err := s.Publish(ctx, card); err != nil {
			if errors.Is(err, ratingdomain.ErrVersionExists) {
				continue
			}
			return err
		}
	}
	return nil
}

func (s *Service) rowFromCard(card ratingdomain.RateCard) (ratingdomain.RateConfig, error) {
	if err := s.validate.Struct(card); err != nil {
		return ratingdomain.RateConfig{}, ratingdomain.ErrInvalidRateCard
	}
	if card.EffectiveUntil != nil && !card.EffectiveUntil.After(card.EffectiveFrom) {
		return ratingdomain.RateConfig{}, ratingdomain.ErrInvalidRateCard
	}

	baseCPM, err := parseRate(card.BaseCPM)
	if err != nil {
		return ratingdomain.RateConfig{}, err
	}
	like, err := parseRate(card.LikeBonus)
	if err != nil {
		return ratingdomain.RateConfig{}, err
	}
	comment, err := parseRate(card.CommentBonus)
	if err != nil {
		return ratingdomain.RateConfig{}, err
	}
	share, err := parseRate(card.ShareBonus)
	if err != nil {
		return ratingdomain.RateConfig{}, err
	}
	fee, err := decimal.NewFromString(strings.TrimSpace(card.PlatformFeePct))
	if err != nil || fee.IsNegative() || fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return ratingdomain.RateConfig{}, ratingdomain.ErrInvalidFeePct
	}

	var until *time.Time
	if card.EffectiveUntil != nil {
		u := card.EffectiveUntil.UTC()
		until = &u
	}
	return ratingdomain.RateConfig{
		Version:        card.Version,
		BaseCPM:        baseCPM,
		LikeBonus:      like,
		CommentBonus:   comment,
		ShareBonus:     share,
		PlatformFeePct: fee.String(),
		EffectiveFrom:  card.EffectiveFrom.UTC(),
		EffectiveUntil: until,
		Note:           strings.TrimSpace(card.Note),
		CreatedAt:      s.clock.Now(),
	}, nil
}

func parseRate(raw string) (money.Amount, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	amount, err := money.Parse(raw)
	if err != nil || amount.IsNegative() {
		return 0, ratingdomain.ErrInvalidRateCard
	}
	return amount, nil
}

func toSnapshot(row ratingdomain.RateConfig) (ratingdomain.RateSnapshot, error) {
	fee, err := decimal.NewFromString(row.PlatformFeePct)
	if err != nil {
		return ratingdomain.RateSnapshot{}, ratingdomain.ErrInvalidFeePct
	}
	return ratingdomain.RateSnapshot{
		Version:        row.Version,
		BaseCPM:        row.BaseCPM,
		LikeBonus:      row.LikeBonus,
		CommentBonus:   row.CommentBonus,
		ShareBonus:     row.ShareBonus,
		PlatformFeePct: fee,
		EffectiveFrom:  row.EffectiveFrom.UTC(),
		EffectiveUntil: row.EffectiveUntil,
		Note:           row.Note,
	}, nil
}
