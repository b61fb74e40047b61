package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	providerdomain "github.com/smallbiznis/creatorledger/internal/provider/domain"
	"gorm.io/gorm"
)

type Service interface {
	// IngestWebhook verifies and normalizes a raw provider webhook, then records it.
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (Result, error)
	// Record applies a normalized callback unless its dedup key was already processed.
	Record(ctx context.Context, cb providerdomain.Callback) (Result, error)
	// ReplayPending re-applies stored callbacks that could not be matched to a payout yet.
	ReplayPending(ctx context.Context, limit int) (int, error)
}

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, provider, dedupKey string) (*Record, error)
	Insert(ctx context.Context, db *gorm.DB, record *Record) (bool, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time, lastError string) (bool, error)
	MarkError(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string) error
	ListPending(ctx context.Context, db *gorm.DB, limit int) ([]Record, error)
}

var (
	ErrCallbackAlreadyProcessed = errors.New("callback_already_processed")
	ErrInvalidProvider          = errors.New("invalid_provider")
	ErrInvalidCallback          = errors.New("invalid_callback")
)
