package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	TypePayoutStateChanged       = "payout.state_changed"
	TypeLedgerIntegrityViolation = "ledger.integrity_violation"
	TypeRevenueAccrued           = "revenue.accrued"
)

// Event is the envelope written to the bus. Data is the type-specific body.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	CreatorID  string    `json:"creator_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

func New(eventType, creatorID string, at time.Time, data any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		CreatorID:  creatorID,
		OccurredAt: at.UTC(),
		Data:       data,
	}
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events after the state they describe is committed.
// Delivery is at-least-once; consumers dedupe on Event.ID.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Topic maps an event type onto the configured prefix.
func Topic(prefix, eventType string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }

func (NoopPublisher) Close() error { return nil }
