package service

import (
	"context"
	"fmt"

	"github.com/smallbiznis/creatorledger/internal/events"
	payoutdomain "github.com/smallbiznis/creatorledger/internal/payout/domain"
	"github.com/smallbiznis/creatorledger/pkg/money"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxReasonLen = 512

type stateChange struct {
	payout payoutdomain.Payout
	from   payoutdomain.State
	to     payoutdomain.State
	reason string
}

// changeLog collects the edges taken inside a transaction; they are published only
// after it commits.
type changeLog []stateChange

type stateChangedData struct {
	PayoutID  string             `json:"payout_id"`
	From      payoutdomain.State `json:"from"`
	To        payoutdomain.State `json:"to"`
	Provider  string             `json:"provider"`
	Amount    money.Amount       `json:"amount"`
	Currency  string             `json:"currency"`
	Reason    string             `json:"reason,omitempty"`
	Reference string             `json:"external_reference,omitempty"`
}

// move takes one edge of the state machine and appends it to payout_transitions.
// The payout row itself is written by the caller.
func (s *Service) move(ctx context.Context, tx *gorm.DB, changes *changeLog, p *payoutdomain.Payout, to payoutdomain.State, reason string) error {
	from := p.State
	if !payoutdomain.TransitionAllowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", payoutdomain.ErrInvalidTransition, from, to)
	}
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen]
	}

	now := s.clock.Now()
	transition := payoutdomain.Transition{
		ID:        s.genID.Generate(),
		PayoutID:  p.ID,
		FromState: from,
		ToState:   to,
		Reason:    reason,
		CreatedAt: now,
	}
	if err := tx.WithContext(ctx).Create(&transition).Error; err != nil {
		return err
	}
	p.State = to
	p.UpdatedAt = now
	*changes = append(*changes, stateChange{payout: *p, from: from, to: to, reason: reason})
	return nil
}

func (s *Service) publish(ctx context.Context, changes changeLog) {
	for _, change := range changes {
		p := change.payout
		s.obsMetrics.RecordPayoutTransition(ctx, p.Provider, string(change.from), string(change.to))

		fields := []zap.Field{
			zap.String("payout_id", p.ID.String()),
			zap.String("creator_id", p.CreatorID),
			zap.String("provider", p.Provider),
			zap.String("from", string(change.from)),
			zap.String("to", string(change.to)),
			zap.String("reason", change.reason),
		}
		if change.to == payoutdomain.StateDead {
			s.alerts.IncDeadPayout(p.Provider)
			s.log.Error("payout dead, manual intervention required", append(fields, zap.Bool("alert", true))...)
		} else {
			s.log.Info("payout transitioned", fields...)
		}

		data := stateChangedData{
			PayoutID: p.ID.String(),
			From:     change.from,
			To:       change.to,
			Provider: p.Provider,
			Amount:   p.Amount,
			Currency: p.Currency,
			Reason:   change.reason,
		}
		if p.ExternalReference != nil {
			data.Reference = *p.ExternalReference
		}
		events.PublishQuietly(ctx, s.publisher, s.log, events.New(events.TypePayoutStateChanged, p.CreatorID, p.UpdatedAt, data))
	}
}
