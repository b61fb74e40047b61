package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	Ingest(ctx context.Context, raw RawEvent) (*RevenueEvent, error)
	Get(ctx context.Context, id snowflake.ID) (*RevenueEvent, error)
	Summary(ctx context.Context, creatorID string, from, to time.Time) (*Summary, error)
}

var (
	ErrDuplicateEvent     = errors.New("duplicate_event")
	ErrEventNotFound      = errors.New("revenue_event_not_found")
	ErrInvalidEvent       = errors.New("invalid_revenue_event")
	ErrMissingDedupSource = errors.New("missing_dedup_source")
	ErrInvalidRange       = errors.New("invalid_time_range")
)

// DuplicateError reports that the event was already ingested. It is a no-op signal,
// not a failure; EventID names the stored original.
type DuplicateError struct {
	EventID  snowflake.ID
	DedupKey string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate revenue event %s", e.EventID)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicateEvent }
