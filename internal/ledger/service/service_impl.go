package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/creatorledger/internal/clock"
	"github.com/smallbiznis/creatorledger/internal/config"
	"github.com/smallbiznis/creatorledger/internal/events"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creatorledger/internal/observability/metrics"
	"github.com/smallbiznis/creatorledger/pkg/db"
	"github.com/smallbiznis/creatorledger/pkg/db/pagination"
	"github.com/smallbiznis/creatorledger/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Publisher  events.Publisher            `optional:"true"`
	ObsMetrics *obsmetrics.Metrics          `optional:"true"`
	Alerts     *obsmetrics.AlertMetrics     `optional:"true"`
	Scheduler  *obsmetrics.SchedulerMetrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	currency   string
	publisher  events.Publisher
	obsMetrics *obsmetrics.Metrics
	alerts     *obsmetrics.AlertMetrics
	lockWait   *obsmetrics.SchedulerMetrics
}

func NewService(p Params) ledgerdomain.Service {
	currency := strings.ToUpper(strings.TrimSpace(p.Config.LedgerCurrency))
	if currency == "" {
		currency = "USD"
	}
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		currency:   currency,
		publisher:  publisher,
		obsMetrics: p.ObsMetrics,
		alerts:     p.Alerts,
		lockWait:   p.Scheduler,
	}
}

func (s *Service) Credit(ctx context.Context, req ledgerdomain.CreditRequest) (ledgerdomain.Entry, error) {
	var entry ledgerdomain.Entry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = s.CreditTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return ledgerdomain.Entry{}, s.Escalate(ctx, err)
	}
	return entry, nil
}

// CreditTx posts an accrual or platform fee. A second entry of the same kind for the
// same event is refused with ErrDuplicateEntry.
func (s *Service) CreditTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.CreditRequest) (ledgerdomain.Entry, error) {
	if req.Kind != ledgerdomain.KindAccrual && req.Kind != ledgerdomain.KindPlatformFee {
		return ledgerdomain.Entry{}, ledgerdomain.ErrInvalidKind
	}
	if !req.Amount.IsPositive() {
		return ledgerdomain.Entry{}, ledgerdomain.ErrInvalidAmount
	}
	if _, err := s.mutableAccount(ctx, tx, req.CreatorID); err != nil {
		return ledgerdomain.Entry{}, err
	}

	entry := ledgerdomain.Entry{
		ID:               s.genID.Generate(),
		CreatorID:        strings.TrimSpace(req.CreatorID),
		Account:          ledgerdomain.AccountFor(req.Kind),
		Amount:           req.Amount,
		Kind:             req.Kind,
		ReferenceEventID: req.ReferenceEventID,
		RateVersion:      req.RateVersion,
		Currency:         s.currency,
		Memo:             strings.TrimSpace(req.Memo),
		CreatedAt:        s.clock.Now(),
	}
	inserted, err := s.insertEntry(ctx, tx, entry)
	if err != nil {
		return ledgerdomain.Entry{}, err
	}
	if !inserted {
		return ledgerdomain.Entry{}, ledgerdomain.ErrDuplicateEntry
	}
	if err := s.verifyTx(ctx, tx, entry.CreatorID); err != nil {
		return ledgerdomain.Entry{}, err
	}
	s.obsMetrics.RecordLedgerEntry(ctx, string(entry.Kind))
	return entry, nil
}

func (s *Service) Hold(ctx context.Context, creatorID string, amount money.Amount) (ledgerdomain.Hold, error) {
	var hold ledgerdomain.Hold
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		hold, err = s.HoldTx(ctx, tx, creatorID, amount, nil)
		return err
	})
	if err != nil {
		return ledgerdomain.Hold{}, s.Escalate(ctx, err)
	}
	return hold, nil
}

// HoldTx reserves amount against the available balance. The account row lock makes the
// check and the reservation one step, so concurrent holds cannot overdraw.
func (s *Service) HoldTx(ctx context.Context, tx *gorm.DB, creatorID string, amount money.Amount, payoutID *snowflake.ID) (ledgerdomain.Hold, error) {
	if !amount.IsPositive() {
		return ledgerdomain.Hold{}, ledgerdomain.ErrInvalidAmount
	}
	account, err := s.mutableAccount(ctx, tx, creatorID)
	if err != nil {
		return ledgerdomain.Hold{}, err
	}
	if account.PayoutsFrozen {
		return ledgerdomain.Hold{}, ledgerdomain.ErrAccountFrozen
	}

	committed, held, err := s.sumsTx(ctx, tx, account.CreatorID, nil)
	if err != nil {
		return ledgerdomain.Hold{}, err
	}
	if amount > committed-held {
		return ledgerdomain.Hold{}, ledgerdomain.ErrInsufficientBalance
	}

	hold := ledgerdomain.Hold{
		ID:        ulid.Make().String(),
		CreatorID: account.CreatorID,
		Amount:    amount,
		Status:    ledgerdomain.HoldStatusActive,
		PayoutID:  payoutID,
		CreatedAt: s.clock.Now(),
	}
	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO ledger_holds (id, creator_id, amount, status, payout_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		hold.ID,
		hold.CreatorID,
		hold.Amount,
		hold.Status,
		hold.PayoutID,
		hold.CreatedAt,
	).Error; err != nil {
		return ledgerdomain.Hold{}, err
	}
	if err := s.verifyTx(ctx, tx, hold.CreatorID); err != nil {
		return ledgerdomain.Hold{}, err
	}

	s.log.Debug("hold placed",
		zap.String("creator_id", hold.CreatorID),
		zap.String("hold_id", hold.ID),
		zap.String("amount", hold.Amount.String()),
	)
	return hold, nil
}

func (s *Service) ReleaseHold(ctx context.Context, token string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.ReleaseHoldTx(ctx, tx, token)
	})
	return s.Escalate(ctx, err)
}

// ReleaseHoldTx discards an active hold with no ledger effect. Releasing twice is a no-op.
func (s *Service) ReleaseHoldTx(ctx context.Context, tx *gorm.DB, token string) error {
	hold, err := s.lockedHold(ctx, tx, token)
	if err != nil {
		return err
	}
	switch hold.Status {
	case ledgerdomain.HoldStatusReleased:
		return nil
	case ledgerdomain.HoldStatusCommitted:
		return ledgerdomain.ErrHoldCommitted
	}

	now := s.clock.Now()
	if err := tx.WithContext(ctx).Exec(
		`UPDATE ledger_holds SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		ledgerdomain.HoldStatusReleased,
		now,
		hold.ID,
		ledgerdomain.HoldStatusActive,
	).Error; err != nil {
		return err
	}
	return s.verifyTx(ctx, tx, hold.CreatorID)
}

func (s *Service) CommitDebit(ctx context.Context, token string) (ledgerdomain.Entry, error) {
	var entry ledgerdomain.Entry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = s.CommitDebitTx(ctx, tx, token)
		return err
	})
	if err != nil {
		return ledgerdomain.Entry{}, s.Escalate(ctx, err)
	}
	return entry, nil
}

// CommitDebitTx turns a hold into a payout_debit entry. Committing an already committed
// hold returns the original entry.
func (s *Service) CommitDebitTx(ctx context.Context, tx *gorm.DB, token string) (ledgerdomain.Entry, error) {
	hold, err := s.lockedHold(ctx, tx, token)
	if err != nil {
		return ledgerdomain.Entry{}, err
	}
	switch hold.Status {
	case ledgerdomain.HoldStatusCommitted:
		return s.debitForHold(ctx, tx, hold)
	case ledgerdomain.HoldStatusReleased:
		return ledgerdomain.Entry{}, ledgerdomain.ErrHoldNotActive
	}

	now := s.clock.Now()
	holdID := hold.ID
	entry := ledgerdomain.Entry{
		ID:        s.genID.Generate(),
		CreatorID: hold.CreatorID,
		Account:   ledgerdomain.AccountCreator,
		Amount:    hold.Amount.Neg(),
		Kind:      ledgerdomain.KindPayoutDebit,
		PayoutID:  hold.PayoutID,
		HoldID:    &holdID,
		Currency:  s.currency,
		CreatedAt: now,
	}
	inserted, err := s.insertEntry(ctx, tx, entry)
	if err != nil {
		return ledgerdomain.Entry{}, err
	}
	if !inserted {
		return ledgerdomain.Entry{}, &ledgerdomain.IntegrityViolationError{
			CreatorID: hold.CreatorID,
			Check:     ledgerdomain.CheckCommittedHoldDebited,
			Detail:    fmt.Sprintf("payout already debited while hold %s is active", hold.ID),
		}
	}
	if err := tx.WithContext(ctx).Exec(
		`UPDATE ledger_holds SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		ledgerdomain.HoldStatusCommitted,
		now,
		hold.ID,
		ledgerdomain.HoldStatusActive,
	).Error; err != nil {
		return ledgerdomain.Entry{}, err
	}
	if err := s.verifyTx(ctx, tx, hold.CreatorID); err != nil {
		return ledgerdomain.Entry{}, err
	}
	s.obsMetrics.RecordLedgerEntry(ctx, string(entry.Kind))
	return entry, nil
}

func (s *Service) Reverse(ctx context.Context, payoutID snowflake.ID, memo string) (ledgerdomain.Entry, error) {
	var entry ledgerdomain.Entry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = s.ReverseTx(ctx, tx, payoutID, memo)
		return err
	})
	if err != nil {
		return ledgerdomain.Entry{}, s.Escalate(ctx, err)
	}
	return entry, nil
}

// ReverseTx undoes a committed payout debit with a payout_reversal entry. At most one
// reversal exists per payout; repeating the call returns it.
func (s *Service) ReverseTx(ctx context.Context, tx *gorm.DB, payoutID snowflake.ID, memo string) (ledgerdomain.Entry, error) {
	debit, err := s.entryForPayout(ctx, tx, payoutID, ledgerdomain.KindPayoutDebit)
	if err != nil {
		if db.IsNotFound(err) {
			return ledgerdomain.Entry{}, ledgerdomain.ErrDebitNotFound
		}
		return ledgerdomain.Entry{}, err
	}
	if _, err := s.mutableAccount(ctx, tx, debit.CreatorID); err != nil {
		return ledgerdomain.Entry{}, err
	}

	existing, err := s.entryForPayout(ctx, tx, payoutID, ledgerdomain.KindPayoutReversal)
	if err == nil {
		return existing, nil
	}
	if !db.IsNotFound(err) {
		return ledgerdomain.Entry{}, err
	}

	pid := payoutID
	entry := ledgerdomain.Entry{
		ID:        s.genID.Generate(),
		CreatorID: debit.CreatorID,
		Account:   ledgerdomain.AccountCreator,
		Amount:    debit.Amount.Neg(),
		Kind:      ledgerdomain.KindPayoutReversal,
		PayoutID:  &pid,
		HoldID:    debit.HoldID,
		Currency:  s.currency,
		Memo:      strings.TrimSpace(memo),
		CreatedAt: s.clock.Now(),
	}
	inserted, err := s.insertEntry(ctx, tx, entry)
	if err != nil {
		return ledgerdomain.Entry{}, err
	}
	if !inserted {
		return s.entryForPayout(ctx, tx, payoutID, ledgerdomain.KindPayoutReversal)
	}
	if err := s.verifyTx(ctx, tx, entry.CreatorID); err != nil {
		return ledgerdomain.Entry{}, err
	}
	s.obsMetrics.RecordLedgerEntry(ctx, string(entry.Kind))
	s.log.Info("payout reversed",
		zap.String("creator_id", entry.CreatorID),
		zap.String("payout_id", payoutID.String()),
		zap.String("amount", entry.Amount.String()),
	)
	return entry, nil
}

// Adjust posts an operator correction. Negative adjustments draw on the available
// balance exactly like a hold would.
func (s *Service) Adjust(ctx context.Context, req ledgerdomain.AdjustRequest) (ledgerdomain.Entry, error) {
	if req.Amount == 0 {
		return ledgerdomain.Entry{}, ledgerdomain.ErrInvalidAmount
	}

	var entry ledgerdomain.Entry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.mutableAccount(ctx, tx, req.CreatorID)
		if err != nil {
			return err
		}
		if req.Amount.IsNegative() {
			committed, held, err := s.sumsTx(ctx, tx, account.CreatorID, nil)
			if err != nil {
				return err
			}
			if req.Amount.Neg() > committed-held {
				return ledgerdomain.ErrInsufficientBalance
			}
		}

		entry = ledgerdomain.Entry{
			ID:        s.genID.Generate(),
			CreatorID: account.CreatorID,
			Account:   ledgerdomain.AccountCreator,
			Amount:    req.Amount,
			Kind:      ledgerdomain.KindAdjustment,
			Currency:  s.currency,
			Memo:      strings.TrimSpace(req.Memo),
			CreatedAt: s.clock.Now(),
		}
		if _, err := s.insertEntry(ctx, tx, entry); err != nil {
			return err
		}
		return s.verifyTx(ctx, tx, account.CreatorID)
	})
	if err != nil {
		return ledgerdomain.Entry{}, s.Escalate(ctx, err)
	}

	s.obsMetrics.RecordLedgerEntry(ctx, string(entry.Kind))
	s.log.Info("ledger adjusted",
		zap.String("creator_id", entry.CreatorID),
		zap.String("amount", entry.Amount.String()),
		zap.String("memo", entry.Memo),
	)
	return entry, nil
}

func (s *Service) Balance(ctx context.Context, creatorID string, asOf *time.Time) (ledgerdomain.Balance, error) {
	return s.BalanceTx(ctx, s.db, creatorID, asOf)
}

// BalanceTx reads committed rows only. With asOf set, holds are counted if they were
// active at that instant.
func (s *Service) BalanceTx(ctx context.Context, tx *gorm.DB, creatorID string, asOf *time.Time) (ledgerdomain.Balance, error) {
	creatorID = strings.TrimSpace(creatorID)
	if creatorID == "" {
		return ledgerdomain.Balance{}, ledgerdomain.ErrInvalidCreator
	}
	committed, held, err := s.sumsTx(ctx, tx, creatorID, asOf)
	if err != nil {
		return ledgerdomain.Balance{}, err
	}
	balance := ledgerdomain.Balance{
		CreatorID: creatorID,
		Currency:  s.currency,
		Committed: committed,
		Held:      held,
		Available: committed - held,
	}
	if asOf != nil {
		at := asOf.UTC()
		balance.AsOf = &at
	}
	return balance, nil
}

// ListEntries pages newest first. Snowflake ids are time ordered, so the id alone is the cursor.
func (s *Service) ListEntries(ctx context.Context, req ledgerdomain.ListEntriesRequest) (ledgerdomain.ListEntriesResponse, error) {
	creatorID := strings.TrimSpace(req.CreatorID)
	if creatorID == "" {
		return ledgerdomain.ListEntriesResponse{}, ledgerdomain.ErrInvalidCreator
	}
	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return ledgerdomain.ListEntriesResponse{}, err
	}
	limit := pagination.Pagination{PageSize: req.PageSize}.Limit()

	query := s.db.WithContext(ctx).Where("creator_id = ?", creatorID)
	if cursor != nil {
		id, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return ledgerdomain.ListEntriesResponse{}, pagination.ErrInvalidPageToken
		}
		query = query.Where("id < ?", id)
	}
	var rows []*ledgerdomain.Entry
	if err := query.Order("id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return ledgerdomain.ListEntriesResponse{}, err
	}

	page, info, err := pagination.BuildCursorPageInfo(rows, limit, func(e *ledgerdomain.Entry) pagination.Cursor {
		return pagination.Cursor{ID: e.ID.String()}
	})
	if err != nil {
		return ledgerdomain.ListEntriesResponse{}, err
	}
	entries := make([]ledgerdomain.Entry, 0, len(page))
	for _, e := range page {
		entries = append(entries, *e)
	}
	return ledgerdomain.ListEntriesResponse{PageInfo: *info, Entries: entries}, nil
}

func (s *Service) GetHold(ctx context.Context, token string) (ledgerdomain.Hold, error) {
	var hold ledgerdomain.Hold
	err := s.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(token)).Take(&hold).Error
	if err != nil {
		if db.IsNotFound(err) {
			return ledgerdomain.Hold{}, ledgerdomain.ErrHoldNotFound
		}
		return ledgerdomain.Hold{}, err
	}
	return hold, nil
}

func (s *Service) Account(ctx context.Context, creatorID string) (ledgerdomain.CreatorAccount, error) {
	var account ledgerdomain.CreatorAccount
	err := s.db.WithContext(ctx).Where("creator_id = ?", strings.TrimSpace(creatorID)).Take(&account).Error
	if err != nil {
		if db.IsNotFound(err) {
			return ledgerdomain.CreatorAccount{}, ledgerdomain.ErrAccountNotFound
		}
		return ledgerdomain.CreatorAccount{}, err
	}
	return account, nil
}

func (s *Service) EnsureAccount(ctx context.Context, creatorID string) (ledgerdomain.CreatorAccount, error) {
	var account ledgerdomain.CreatorAccount
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		account, err = s.LockAccountTx(ctx, tx, creatorID)
		return err
	})
	return account, err
}

// LockAccountTx creates the account row on first use and locks it for the rest of tx.
func (s *Service) LockAccountTx(ctx context.Context, tx *gorm.DB, creatorID string) (ledgerdomain.CreatorAccount, error) {
	creatorID = strings.TrimSpace(creatorID)
	if creatorID == "" {
		return ledgerdomain.CreatorAccount{}, ledgerdomain.ErrInvalidCreator
	}

	now := s.clock.Now()
	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO creator_accounts (creator_id, payouts_frozen, frozen_reason, halt_reason, created_at, updated_at)
		VALUES (?, ?, '', '', ?, ?)
		ON CONFLICT (creator_id) DO NOTHING`,
		creatorID,
		false,
		now,
		now,
	).Error; err != nil {
		return ledgerdomain.CreatorAccount{}, err
	}

	start := time.Now()
	var account ledgerdomain.CreatorAccount
	err := tx.WithContext(ctx).Raw(
		`SELECT creator_id, payouts_frozen, frozen_reason, halted_at, halt_reason, created_at, updated_at
		FROM creator_accounts
		WHERE creator_id = ?`+db.ForUpdate(tx),
		creatorID,
	).Scan(&account).Error
	s.lockWait.ObserveDBLockWait(obsmetrics.LockResourceCreatorAccount, time.Since(start))
	if err != nil {
		return ledgerdomain.CreatorAccount{}, err
	}
	if account.CreatorID == "" {
		return ledgerdomain.CreatorAccount{}, ledgerdomain.ErrAccountNotFound
	}
	return account, nil
}

func (s *Service) SetPayoutsFrozen(ctx context.Context, creatorID string, frozen bool, reason string) (ledgerdomain.CreatorAccount, error) {
	var account ledgerdomain.CreatorAccount
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		account, err = s.LockAccountTx(ctx, tx, creatorID)
		if err != nil {
			return err
		}
		if !frozen {
			reason = ""
		}
		now := s.clock.Now()
		if err := tx.WithContext(ctx).Exec(
			`UPDATE creator_accounts SET payouts_frozen = ?, frozen_reason = ?, updated_at = ? WHERE creator_id = ?`,
			frozen,
			strings.TrimSpace(reason),
			now,
			account.CreatorID,
		).Error; err != nil {
			return err
		}
		account.PayoutsFrozen = frozen
		account.FrozenReason = strings.TrimSpace(reason)
		account.UpdatedAt = now
		return nil
	})
	if err != nil {
		return ledgerdomain.CreatorAccount{}, err
	}
	s.log.Info("creator payouts freeze updated",
		zap.String("creator_id", account.CreatorID),
		zap.Bool("frozen", frozen),
		zap.String("reason", account.FrozenReason),
	)
	return account, nil
}

// Resume clears a halt after an operator has audited the creator's ledger.
func (s *Service) Resume(ctx context.Context, creatorID string) (ledgerdomain.CreatorAccount, error) {
	var account ledgerdomain.CreatorAccount
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		account, err = s.LockAccountTx(ctx, tx, creatorID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if err := tx.WithContext(ctx).Exec(
			`UPDATE creator_accounts SET halted_at = NULL, halt_reason = '', updated_at = ? WHERE creator_id = ?`,
			now,
			account.CreatorID,
		).Error; err != nil {
			return err
		}
		account.HaltedAt = nil
		account.HaltReason = ""
		account.UpdatedAt = now
		return nil
	})
	if err != nil {
		return ledgerdomain.CreatorAccount{}, err
	}
	s.log.Warn("creator ledger resumed", zap.String("creator_id", account.CreatorID))
	return account, nil
}

// Candidates lists creators whose available balance reaches minimum and whose payouts
// are neither frozen nor halted.
func (s *Service) Candidates(ctx context.Context, minimum money.Amount, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	err := s.db.WithContext(ctx).Raw(
		`SELECT e.creator_id
		FROM ledger_entries e
		LEFT JOIN creator_accounts a ON a.creator_id = e.creator_id
		WHERE e.account = ?
		  AND (a.creator_id IS NULL OR (a.payouts_frozen = ? AND a.halted_at IS NULL))
		GROUP BY e.creator_id
		HAVING SUM(e.amount) - COALESCE((
			SELECT SUM(h.amount) FROM ledger_holds h
			WHERE h.creator_id = e.creator_id AND h.status = ?
		), 0) >= ?
		ORDER BY e.creator_id
		LIMIT ?`,
		ledgerdomain.AccountCreator,
		false,
		ledgerdomain.HoldStatusActive,
		minimum,
		limit,
	).Scan(&ids).Error
	return ids, err
}

// CheckIntegrity re-derives the creator's invariants from storage and escalates on failure.
func (s *Service) CheckIntegrity(ctx context.Context, creatorID string) error {
	creatorID = strings.TrimSpace(creatorID)
	if creatorID == "" {
		return ledgerdomain.ErrInvalidCreator
	}
	err := s.verifyTx(ctx, s.db, creatorID)
	if err == nil {
		var orphaned int64
		err = s.db.WithContext(ctx).Raw(
			`SELECT COUNT(*) FROM ledger_holds h
			WHERE h.creator_id = ? AND h.status = ?
			  AND NOT EXISTS (
				SELECT 1 FROM ledger_entries e WHERE e.hold_id = h.id AND e.kind = ?
			  )`,
			creatorID,
			ledgerdomain.HoldStatusCommitted,
			ledgerdomain.KindPayoutDebit,
		).Scan(&orphaned).Error
		if err == nil && orphaned > 0 {
			err = &ledgerdomain.IntegrityViolationError{
				CreatorID: creatorID,
				Check:     ledgerdomain.CheckCommittedHoldDebited,
				Detail:    fmt.Sprintf("%d committed holds without a payout_debit entry", orphaned),
			}
		}
	}
	return s.Escalate(ctx, err)
}

// Escalate records, halts and alerts on an IntegrityViolationError and returns err
// unchanged. Any other error passes through untouched.
func (s *Service) Escalate(ctx context.Context, err error) error {
	var violation *ledgerdomain.IntegrityViolationError
	if err == nil || !errors.As(err, &violation) {
		return err
	}

	now := s.clock.Now()
	recordErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO ledger_integrity_violations (id, creator_id, check_name, detail, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			s.genID.Generate(),
			violation.CreatorID,
			violation.Check,
			violation.Detail,
			now,
		).Error; err != nil {
			return err
		}
		account, err := s.LockAccountTx(ctx, tx, violation.CreatorID)
		if err != nil {
			return err
		}
		if account.Halted() {
			return nil
		}
		return tx.WithContext(ctx).Exec(
			`UPDATE creator_accounts SET halted_at = ?, halt_reason = ?, updated_at = ? WHERE creator_id = ?`,
			now,
			violation.Check,
			now,
			violation.CreatorID,
		).Error
	})

	s.log.Error("ledger integrity violation",
		zap.Bool("alert", true),
		zap.String("creator_id", violation.CreatorID),
		zap.String("check", violation.Check),
		zap.String("detail", violation.Detail),
		zap.NamedError("record_error", recordErr),
	)
	s.alerts.IncIntegrityViolation(violation.Check)
	events.PublishQuietly(ctx, s.publisher, s.log, events.New(
		events.TypeLedgerIntegrityViolation,
		violation.CreatorID,
		now,
		map[string]string{"check": violation.Check, "detail": violation.Detail},
	))
	return err
}

func (s *Service) mutableAccount(ctx context.Context, tx *gorm.DB, creatorID string) (ledgerdomain.CreatorAccount, error) {
	account, err := s.LockAccountTx(ctx, tx, creatorID)
	if err != nil {
		return ledgerdomain.CreatorAccount{}, err
	}
	if account.Halted() {
		return ledgerdomain.CreatorAccount{}, ledgerdomain.ErrLedgerHalted
	}
	return account, nil
}

// lockedHold locks the owning creator before re-reading the hold, so status checks
// see the serialized state.
func (s *Service) lockedHold(ctx context.Context, tx *gorm.DB, token string) (ledgerdomain.Hold, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return ledgerdomain.Hold{}, ledgerdomain.ErrHoldNotFound
	}
	var hold ledgerdomain.Hold
	if err := tx.WithContext(ctx).Where("id = ?", token).Take(&hold).Error; err != nil {
		if db.IsNotFound(err) {
			return ledgerdomain.Hold{}, ledgerdomain.ErrHoldNotFound
		}
		return ledgerdomain.Hold{}, err
	}
	if _, err := s.mutableAccount(ctx, tx, hold.CreatorID); err != nil {
		return ledgerdomain.Hold{}, err
	}
	if err := tx.WithContext(ctx).Where("id = ?", token).Take(&hold).Error; err != nil {
		return ledgerdomain.Hold{}, err
	}
	return hold, nil
}

func (s *Service) debitForHold(ctx context.Context, tx *gorm.DB, hold ledgerdomain.Hold) (ledgerdomain.Entry, error) {
	var entry ledgerdomain.Entry
	err := tx.WithContext(ctx).
		Where("hold_id = ? AND kind = ?", hold.ID, ledgerdomain.KindPayoutDebit).
		Take(&entry).Error
	if err != nil {
		if db.IsNotFound(err) {
			return ledgerdomain.Entry{}, &ledgerdomain.IntegrityViolationError{
				CreatorID: hold.CreatorID,
				Check:     ledgerdomain.CheckCommittedHoldDebited,
				Detail:    fmt.Sprintf("hold %s committed without a payout_debit entry", hold.ID),
			}
		}
		return ledgerdomain.Entry{}, err
	}
	return entry, nil
}

func (s *Service) entryForPayout(ctx context.Context, tx *gorm.DB, payoutID snowflake.ID, kind ledgerdomain.Kind) (ledgerdomain.Entry, error) {
	var entry ledgerdomain.Entry
	err := tx.WithContext(ctx).
		Where("payout_id = ? AND kind = ?", payoutID, kind).
		Take(&entry).Error
	return entry, err
}

func (s *Service) insertEntry(ctx context.Context, tx *gorm.DB, e ledgerdomain.Entry) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO ledger_entries (
			id, creator_id, account, amount, kind, reference_event_id, payout_id, hold_id,
			rate_version, currency, memo, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		e.ID,
		e.CreatorID,
		e.Account,
		e.Amount,
		e.Kind,
		e.ReferenceEventID,
		e.PayoutID,
		e.HoldID,
		e.RateVersion,
		e.Currency,
		e.Memo,
		e.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) sumsTx(ctx context.Context, tx *gorm.DB, creatorID string, asOf *time.Time) (money.Amount, money.Amount, error) {
	var committed, held int64

	entries := tx.WithContext(ctx)
	holds := tx.WithContext(ctx)
	if asOf == nil {
		if err := entries.Raw(
			`SELECT CAST(COALESCE(SUM(amount), 0) AS BIGINT) FROM ledger_entries WHERE creator_id = ? AND account = ?`,
			creatorID, ledgerdomain.AccountCreator,
		).Scan(&committed).Error; err != nil {
			return 0, 0, err
		}
		if err := holds.Raw(
			`SELECT CAST(COALESCE(SUM(amount), 0) AS BIGINT) FROM ledger_holds WHERE creator_id = ? AND status = ?`,
			creatorID, ledgerdomain.HoldStatusActive,
		).Scan(&held).Error; err != nil {
			return 0, 0, err
		}
		return money.Amount(committed), money.Amount(held), nil
	}

	at := asOf.UTC()
	if err := entries.Raw(
		`SELECT CAST(COALESCE(SUM(amount), 0) AS BIGINT) FROM ledger_entries
		WHERE creator_id = ? AND account = ? AND created_at <= ?`,
		creatorID, ledgerdomain.AccountCreator, at,
	).Scan(&committed).Error; err != nil {
		return 0, 0, err
	}
	if err := holds.Raw(
		`SELECT CAST(COALESCE(SUM(amount), 0) AS BIGINT) FROM ledger_holds
		WHERE creator_id = ? AND created_at <= ? AND (resolved_at IS NULL OR resolved_at > ?)`,
		creatorID, at, at,
	).Scan(&held).Error; err != nil {
		return 0, 0, err
	}
	return money.Amount(committed), money.Amount(held), nil
}

// verifyTx checks the balance invariants inside the mutating transaction, before commit.
func (s *Service) verifyTx(ctx context.Context, tx *gorm.DB, creatorID string) error {
	committed, held, err := s.sumsTx(ctx, tx, creatorID, nil)
	if err != nil {
		return err
	}
	if committed.IsNegative() {
		return &ledgerdomain.IntegrityViolationError{
			CreatorID: creatorID,
			Check:     ledgerdomain.CheckNonNegativeCommitted,
			Detail:    fmt.Sprintf("committed balance %s is negative", committed),
		}
	}
	if held > committed {
		return &ledgerdomain.IntegrityViolationError{
			CreatorID: creatorID,
			Check:     ledgerdomain.CheckHeldWithinCommitted,
			Detail:    fmt.Sprintf("held %s exceeds committed %s", held, committed),
		}
	}
	return nil
}
