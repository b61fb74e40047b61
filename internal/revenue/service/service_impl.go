package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creatorledger/internal/clock"
	"github.com/smallbiznis/creatorledger/internal/events"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creatorledger/internal/observability/metrics"
	ratingdomain "github.com/smallbiznis/creatorledger/internal/rating/domain"
	revenuedomain "github.com/smallbiznis/creatorledger/internal/revenue/domain"
	"github.com/smallbiznis/creatorledger/pkg/db"
	"github.com/smallbiznis/creatorledger/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Rating     ratingdomain.Service
	Ledger     ledgerdomain.Service
	Publisher  events.Publisher   `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	rating     ratingdomain.Service
	ledger     ledgerdomain.Service
	publisher  events.Publisher
	obsMetrics *obsmetrics.Metrics
	validate   *validator.Validate
}

func NewService(p ServiceParam) revenuedomain.Service {
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("revenue.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		rating:     p.Rating,
		ledger:     p.Ledger,
		publisher:  publisher,
		obsMetrics: p.ObsMetrics,
		validate:   validator.New(),
	}
}

// Ingest stores the event and its accrual and fee entries in one transaction.
// Re-ingesting the same physical action returns *DuplicateError and changes nothing.
func (s *Service) Ingest(ctx context.Context, raw revenuedomain.RawEvent) (*revenuedomain.RevenueEvent, error) {
	raw, multiplier, err := s.normalize(raw)
	if err != nil {
		s.obsMetrics.RecordRevenueEvent(ctx, string(raw.SourceType), "rejected")
		return nil, err
	}
	dedupKey, err := revenuedomain.DedupKey(raw)
	if err != nil {
		s.obsMetrics.RecordRevenueEvent(ctx, string(raw.SourceType), "rejected")
		return nil, err
	}

	snap, err := s.rating.SnapshotAt(ctx, raw.OccurredAt)
	if err != nil {
		return nil, err
	}
	accrual, err := ratingdomain.Compute(ratingdomain.CalcInput{
		SourceType:           raw.SourceType,
		Action:               ratingdomain.EngagementAction(raw.Action),
		Quantity:             raw.Quantity,
		GrossAmount:          raw.GrossAmount,
		EngagementMultiplier: multiplier,
	}, snap)
	if err != nil {
		s.obsMetrics.RecordRevenueEvent(ctx, string(raw.SourceType), "rejected")
		return nil, err
	}

	now := s.clock.Now()
	record := &revenuedomain.RevenueEvent{
		ID:                   s.genID.Generate(),
		CreatorID:            raw.CreatorID,
		SourceType:           raw.SourceType,
		Action:               raw.Action,
		Quantity:             raw.Quantity,
		GrossAmount:          accrual.Gross,
		EngagementMultiplier: multiplier.String(),
		OccurredAt:           raw.OccurredAt,
		DedupKey:             dedupKey,
		RateVersion:          accrual.RateVersion,
		AccrualAmount:        accrual.Net,
		FeeAmount:            accrual.Fee,
		Metadata:             datatypes.JSONMap(raw.Metadata),
		CreatedAt:            now,
	}
	if record.Metadata == nil {
		record.Metadata = datatypes.JSONMap{}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.insertEvent(ctx, tx, record)
		if err != nil {
			return err
		}
		if !inserted {
			var existing revenuedomain.RevenueEvent
			if err := tx.WithContext(ctx).Where("dedup_key = ?", dedupKey).Take(&existing).Error; err != nil {
				return err
			}
			return &revenuedomain.DuplicateError{EventID: existing.ID, DedupKey: dedupKey}
		}
		return s.postEntries(ctx, tx, record)
	})
	if err != nil {
		if errors.Is(err, revenuedomain.ErrDuplicateEvent) {
			s.obsMetrics.RecordRevenueEvent(ctx, string(raw.SourceType), "duplicate")
			s.log.Debug("duplicate revenue event",
				zap.String("creator_id", raw.CreatorID),
				zap.String("dedup_key", dedupKey),
			)
			return nil, err
		}
		s.obsMetrics.RecordRevenueEvent(ctx, string(raw.SourceType), "rejected")
		return nil, s.ledger.Escalate(ctx, err)
	}

	s.obsMetrics.RecordRevenueEvent(ctx, string(record.SourceType), "accepted")
	events.PublishQuietly(ctx, s.publisher, s.log, events.New(
		events.TypeRevenueAccrued,
		record.CreatorID,
		now,
		map[string]any{
			"event_id":     record.ID.String(),
			"source_type":  record.SourceType,
			"gross":        record.GrossAmount,
			"accrued":      record.AccrualAmount,
			"fee":          record.FeeAmount,
			"rate_version": record.RateVersion,
		},
	))
	return record, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*revenuedomain.RevenueEvent, error) {
	var record revenuedomain.RevenueEvent
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&record).Error; err != nil {
		if db.IsNotFound(err) {
			return nil, revenuedomain.ErrEventNotFound
		}
		return nil, err
	}
	return &record, nil
}

// Summary groups a creator's events in [from, to) by source type.
func (s *Service) Summary(ctx context.Context, creatorID string, from, to time.Time) (*revenuedomain.Summary, error) {
	creatorID = strings.TrimSpace(creatorID)
	if creatorID == "" {
		return nil, ledgerdomain.ErrInvalidCreator
	}
	from, to = from.UTC(), to.UTC()
	if from.IsZero() || to.IsZero() || !from.Before(to) {
		return nil, revenuedomain.ErrInvalidRange
	}

	var rows []struct {
		SourceType string
		Events     int64
		Gross      int64
		Accrued    int64
		Fees       int64
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT source_type,
			COUNT(*) AS events,
			CAST(COALESCE(SUM(gross_amount), 0) AS BIGINT) AS gross,
			CAST(COALESCE(SUM(accrual_amount), 0) AS BIGINT) AS accrued,
			CAST(COALESCE(SUM(fee_amount), 0) AS BIGINT) AS fees
		FROM revenue_events
		WHERE creator_id = ? AND occurred_at >= ? AND occurred_at < ?
		GROUP BY source_type
		ORDER BY source_type`,
		creatorID, from, to,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	summary := &revenuedomain.Summary{
		CreatorID: creatorID,
		From:      from,
		To:        to,
		Sources:   make([]revenuedomain.SourceSummary, 0, len(rows)),
	}
	for _, row := range rows {
		item := revenuedomain.SourceSummary{
			SourceType: ratingdomain.SourceType(row.SourceType),
			Events:     row.Events,
			Gross:      money.Amount(row.Gross),
			Accrued:    money.Amount(row.Accrued),
			Fees:       money.Amount(row.Fees),
		}
		summary.Sources = append(summary.Sources, item)
		summary.Gross += item.Gross
		summary.Accrued += item.Accrued
		summary.Fees += item.Fees
	}
	return summary, nil
}

func (s *Service) normalize(raw revenuedomain.RawEvent) (revenuedomain.RawEvent, decimal.Decimal, error) {
	raw.CreatorID = strings.TrimSpace(raw.CreatorID)
	raw.SourceType = ratingdomain.SourceType(strings.ToLower(strings.TrimSpace(string(raw.SourceType))))
	raw.Action = strings.ToLower(strings.TrimSpace(raw.Action))
	raw.OccurredAt = raw.OccurredAt.UTC()

	if err := s.validate.Struct(raw); err != nil {
		return raw, decimal.Decimal{}, revenuedomain.ErrInvalidEvent
	}
	if !raw.SourceType.Valid() {
		return raw, decimal.Decimal{}, ratingdomain.ErrUnknownSourceType
	}
	if raw.OccurredAt.After(s.clock.Now().Add(5 * time.Minute)) {
		return raw, decimal.Decimal{}, revenuedomain.ErrInvalidEvent
	}
	if raw.Quantity == 0 {
		raw.Quantity = 1
	}
	if raw.Quantity > ratingdomain.MaxQuantity {
		return raw, decimal.Decimal{}, ratingdomain.ErrInvalidQuantity
	}
	if raw.GrossAmount > money.Max || raw.GrossAmount < -money.Max {
		return raw, decimal.Decimal{}, ratingdomain.ErrInvalidGrossAmount
	}

	multiplier := decimal.NewFromInt(1)
	if value := strings.TrimSpace(raw.EngagementMultiplier); value != "" {
		parsed, err := decimal.NewFromString(value)
		if err != nil || !parsed.IsPositive() {
			return raw, decimal.Decimal{}, ratingdomain.ErrInvalidMultiplier
		}
		multiplier = parsed
	}
	return raw, multiplier, nil
}

func (s *Service) insertEvent(ctx context.Context, tx *gorm.DB, record *revenuedomain.RevenueEvent) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO revenue_events (
			id, creator_id, source_type, action, quantity, gross_amount, engagement_multiplier,
			occurred_at, dedup_key, rate_version, accrual_amount, fee_amount, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dedup_key) DO NOTHING`,
		record.ID,
		record.CreatorID,
		record.SourceType,
		record.Action,
		record.Quantity,
		record.GrossAmount,
		record.EngagementMultiplier,
		record.OccurredAt,
		record.DedupKey,
		record.RateVersion,
		record.AccrualAmount,
		record.FeeAmount,
		record.Metadata,
		record.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// postEntries writes the accrual and platform fee. Either side may round to zero on
// tiny events; a zero entry is skipped, the other still reconstructs the gross.
func (s *Service) postEntries(ctx context.Context, tx *gorm.DB, record *revenuedomain.RevenueEvent) error {
	eventID := record.ID
	version := record.RateVersion
	if record.AccrualAmount.IsPositive() {
		if _, err := s.ledger.CreditTx(ctx, tx, ledgerdomain.CreditRequest{
			CreatorID:        record.CreatorID,
			Amount:           record.AccrualAmount,
			Kind:             ledgerdomain.KindAccrual,
			ReferenceEventID: &eventID,
			RateVersion:      &version,
			OccurredAt:       record.OccurredAt,
		}); err != nil {
			return err
		}
	}
	if record.FeeAmount.IsPositive() {
		if _, err := s.ledger.CreditTx(ctx, tx, ledgerdomain.CreditRequest{
			CreatorID:        record.CreatorID,
			Amount:           record.FeeAmount,
			Kind:             ledgerdomain.KindPlatformFee,
			ReferenceEventID: &eventID,
			RateVersion:      &version,
			OccurredAt:       record.OccurredAt,
		}); err != nil {
			return err
		}
	}
	return nil
}
