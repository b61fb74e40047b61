package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/callback/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, provider, dedupKey string) (*domain.Record, error) {
	var item domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, external_reference, dedup_key, outcome, reason, payload,
			received_at, processed, processed_at, last_error
		 FROM provider_callbacks
		 WHERE provider = ? AND dedup_key = ?
		 LIMIT 1`,
		provider,
		dedupKey,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.Record) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO provider_callbacks (
			id, provider, external_reference, dedup_key, outcome, reason, payload,
			received_at, processed, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, dedup_key) DO NOTHING`,
		record.ID,
		record.Provider,
		record.ExternalReference,
		record.DedupKey,
		record.Outcome,
		record.Reason,
		record.Payload,
		record.ReceivedAt,
		false,
		"",
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkProcessed flips the processed flag once; false means another delivery got there first.
func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time, lastError string) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE provider_callbacks
		 SET processed = ?, processed_at = ?, last_error = ?
		 WHERE id = ? AND processed = ?`,
		true,
		processedAt,
		lastError,
		id,
		false,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkError(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE provider_callbacks SET last_error = ? WHERE id = ?`,
		lastError,
		id,
	).Error
}

func (r *repo) ListPending(ctx context.Context, db *gorm.DB, limit int) ([]domain.Record, error) {
	var items []domain.Record
	err := db.WithContext(ctx).
		Where("processed = ?", false).
		Order("received_at ASC, id ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}
