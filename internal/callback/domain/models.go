package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	providerdomain "github.com/smallbiznis/creatorledger/internal/provider/domain"
	"gorm.io/datatypes"
)

// Record is one stored provider callback. A (provider, dedup_key) pair is applied to
// the payout state machine at most once.
type Record struct {
	ID                snowflake.ID           `gorm:"primaryKey" json:"id"`
	Provider          string                 `gorm:"type:text;not null" json:"provider"`
	ExternalReference string                 `gorm:"type:text;not null" json:"external_reference"`
	DedupKey          string                 `gorm:"type:text;not null" json:"dedup_key"`
	Outcome           providerdomain.Outcome `gorm:"type:text;not null" json:"outcome"`
	Reason            string                 `gorm:"type:text;not null" json:"reason,omitempty"`
	Payload           datatypes.JSON         `gorm:"type:text;not null" json:"payload"`
	ReceivedAt        time.Time              `gorm:"not null" json:"received_at"`
	Processed         bool                   `gorm:"not null" json:"processed"`
	ProcessedAt       *time.Time             `json:"processed_at,omitempty"`
	LastError         string                 `gorm:"type:text;not null" json:"last_error,omitempty"`
}

func (Record) TableName() string { return "provider_callbacks" }

// Result labels what happened to a callback; it is also the metrics outcome label.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultDeferred  Result = "deferred"
	ResultConflict  Result = "conflict"
	ResultIgnored   Result = "ignored"
	ResultError     Result = "error"
)
