package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/clock"
	"github.com/smallbiznis/creatorledger/internal/config"
	"github.com/smallbiznis/creatorledger/internal/dbtest"
	"github.com/smallbiznis/creatorledger/internal/events"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	"github.com/smallbiznis/creatorledger/pkg/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testLedger struct {
	svc      ledgerdomain.Service
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock.FakeClock
	recorder *events.Recorder
}

func newTestLedger(t *testing.T) *testLedger {
	t.Helper()
	conn := dbtest.Open(t)
	node := dbtest.Node(t)
	clk := clock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	recorder := &events.Recorder{}
	svc := NewService(Params{
		DB:        conn,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clk,
		Config:    config.Config{LedgerCurrency: "usd"},
		Publisher: recorder,
	})
	return &testLedger{svc: svc, db: conn, node: node, clock: clk, recorder: recorder}
}

func (l *testLedger) accrue(t *testing.T, creatorID, amount string) ledgerdomain.Entry {
	t.Helper()
	ref := l.node.Generate()
	entry, err := l.svc.Credit(context.Background(), ledgerdomain.CreditRequest{
		CreatorID:        creatorID,
		Amount:           money.MustParse(amount),
		Kind:             ledgerdomain.KindAccrual,
		ReferenceEventID: &ref,
	})
	require.NoError(t, err)
	return entry
}

func TestCreditPostsToCreatorAndPlatformAccounts(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	ref := l.node.Generate()
	version := int64(3)

	accrual, err := l.svc.Credit(ctx, ledgerdomain.CreditRequest{
		CreatorID:        "creator-1",
		Amount:           money.MustParse("0.80"),
		Kind:             ledgerdomain.KindAccrual,
		ReferenceEventID: &ref,
		RateVersion:      &version,
	})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.AccountCreator, accrual.Account)
	assert.Equal(t, "USD", accrual.Currency)

	fee, err := l.svc.Credit(ctx, ledgerdomain.CreditRequest{
		CreatorID:        "creator-1",
		Amount:           money.MustParse("0.20"),
		Kind:             ledgerdomain.KindPlatformFee,
		ReferenceEventID: &ref,
		RateVersion:      &version,
	})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.AccountPlatform, fee.Account)

	balance, err := l.svc.Balance(ctx, "creator-1", nil)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("0.80"), balance.Committed)
	assert.Equal(t, money.MustParse("0.80"), balance.Available)
}

func TestCreditRejectsSecondAccrualForSameEvent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	ref := l.node.Generate()
	req := ledgerdomain.CreditRequest{
		CreatorID:        "creator-1",
		Amount:           money.MustParse("1.00"),
		Kind:             ledgerdomain.KindAccrual,
		ReferenceEventID: &ref,
	}

	_, err := l.svc.Credit(ctx, req)
	require.NoError(t, err)
	_, err = l.svc.Credit(ctx, req)
	assert.ErrorIs(t, err, ledgerdomain.ErrDuplicateEntry)

	balance, err := l.svc.Balance(ctx, "creator-1", nil)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("1.00"), balance.Committed)
}

func TestCreditValidation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.svc.Credit(ctx, ledgerdomain.CreditRequest{CreatorID: "c", Amount: 0, Kind: ledgerdomain.KindAccrual})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)

	_, err = l.svc.Credit(ctx, ledgerdomain.CreditRequest{CreatorID: "c", Amount: 1, Kind: ledgerdomain.KindPayoutDebit})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidKind)

	_, err = l.svc.Credit(ctx, ledgerdomain.CreditRequest{CreatorID: " ", Amount: 1, Kind: ledgerdomain.KindAccrual})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidCreator)
}

func TestHoldRejectsMoreThanAvailable(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	l.accrue(t, "creator-1", "10.00")

	_, err := l.svc.Hold(ctx, "creator-1", money.MustParse("10.0001"))
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientBalance)

	var holds int64
	require.NoError(t, l.db.Model(&ledgerdomain.Hold{}).Count(&holds).Error)
	assert.Zero(t, holds)

	hold, err := l.svc.Hold(ctx, "creator-1", money.MustParse("6.00"))
	require.NoError(t, err)
	assert.NotEmpty(t, hold.ID)

	_, err = l.svc.Hold(ctx, "creator-1", money.MustParse("4.01"))
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientBalance)

	balance, err := l.svc.Balance(ctx, "creator-1", nil)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("10.00"), balance.Committed)
	assert.Equal(t, money.MustParse("6.00"), balance.Held)
	assert.Equal(t, money.MustParse("4.00"), balance.Available)
}

func TestConcurrentHoldsNeverExceedBalance(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	l.accrue(t, "creator-1", "50.00")

	const workers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.svc.Hold(ctx, "creator-1", money.MustParse("10.00"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ledgerdomain.ErrInsufficientBalance):
				rejected++
			default:
				t.Errorf("unexpected hold error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 5 || rejected != 5 {
		t.Fatalf("expected 5 holds and 5 rejections, got %d and %d", succeeded, rejected)
	}
	balance, err := l.svc.Balance(ctx, "creator-1", nil)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("50.00"), balance.Held)
	assert.Equal(t, money.Zero, balance.Available)
}

func TestTwoFullBalanceHoldsOnlyOneWins(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	l.accrue(t, "creator-1", "50.00")

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := l.svc.Hold(ctx, "creator-1", money.MustParse("50.00"))
			errs <- err
		}()
	}
	first, second := <-errs, <-errs
	if (first == nil) == (second == nil) {
		t.Fatalf("expected exactly one hold to succeed, got %v and %v", first, second)
	}
	if first != nil {
		assert.ErrorIs(t, first, ledgerdomain.ErrInsufficientBalance)
	} else {
		assert.ErrorIs(t, second, ledgerdomain.ErrInsufficientBalance)
	}
}

func TestReleaseHoldRestoresAvailability(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	l.accrue(t, "creator-1", "20.00")

	hold, err := l.svc.Hold(ctx, "creator-1", money.MustParse("20.00"))
	require.NoError(t, err)
	require.NoError(t, l.svc.ReleaseHold(ctx, hold.ID))
	require.NoError(t, l.svc.ReleaseHold(ctx, hold.ID))

	balance, err := l.svc.Balance(ctx, "creator-1", nil)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("20.00"), balance.Available)
	assert.Equal(t, money.Zero, balance.Held)

	stored, err := l.svc.GetHold(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.HoldStatusReleased, stored.Status)
	assert.NotNil(t, stored.ResolvedAt)

	_, err = l.svc.CommitDebit(ctx, hold.ID)
	assert.ErrorIs(t, err, ledgerdomain.ErrHoldNotActive)

	assert.ErrorIs(t, l.svc.ReleaseHold(ctx, "missing"), ledgerdomain.ErrHoldNotFound)
	_, err = l.svc.GetHold(ctx, "missing")
	assert.ErrorIs(t, err, ledgerdomain.ErrHoldNotFound)
}

func TestCommitDebitIsIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	l.accrue(t, "creator-1", "30.00")
	payoutID := l.node.Generate()

	var hold ledgerdomain.Hold
	err := l.db.Transaction(func(tx *gorm.DB) error {
		var err error
		hold, err = l.svc.HoldTx(ctx, tx, "creator-1", money.MustParse("25.00"), &payoutID)
		return err
	})
	require.NoError(t, err)

	first, err := l.svc.CommitDebit(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("-25.00"), first.Amount)
	assert.Equal(t, ledgerdomain.KindPayoutDebit, first.Kind)
	require.NotNil(t, first.PayoutID)
	assert.Equal(t, payoutID, *first.PayoutID)

	second, err := l.svc.CommitDebit(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var debits int64
	require.NoError(t, l.db.Model(&ledgerdomain.Entry{}).Where("kind = ?", ledgerdomain.KindPayoutDebit).Count(&debits).Error)
	assert.Equal(t, int64(1), debits)

	balance, err := l.svc.Balance(ctx, "creator-1", nil)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("5.00"), balance.Committed)
	assert.Equal(t, money.Zero, balance.Held)

	assert.ErrorIs(t, l.svc.ReleaseHold(ctx, hold.ID), ledgerdomain.ErrHoldCommitted)
}

func TestReversePostsOneReversal(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	l.accrue(t, "creator-1", "30.00")
	payoutID := l.node.Generate()

	err := l.db.Transaction(func(tx *gorm.DB) error {
		hold, err := l.svc.HoldTx(ctx, tx, "creator-1", money.MustParse("30.00"), &payoutID)
		if err != nil {
			return err
		}
		_, err = l.svc.CommitDebitTx(ctx, tx, hold.ID)
		return err
	})
	require.NoError(t, err)

	reversal, err := l.svc.Reverse(ctx, payoutID, "bank return")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("30.00"), reversal.Amount)
	assert.Equal(t, ledgerdomain.KindPayoutReversal, reversal.Kind)

	again, err := l.svc.Reverse(ctx, payoutID, "bank return")
	require.NoError(t, err)
	assert.Equal(t, reversal.ID, again.ID)

	balance, err := l.svc.Balance(ctx, "creator-1", nil)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("30.00"), balance.Committed)

	_, err = l.svc.Reverse(ctx, l.node.Generate(), "")
	assert.ErrorIs(t, err, ledgerdomain.ErrDebitNotFound)
}

func TestBalanceAsOf(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	start := l.clock.Now()

	l.accrue(t, "creator-1", "10.00")
	l.clock.Advance(time.Hour)
	l.accrue(t, "creator-1", "5.00")
	l.clock.Advance(time.Hour)
	hold, err := l.svc.Hold(ctx, "creator-1", money.MustParse("12.00"))
	require.NoError(t, err)
	l.clock.Advance(time.Hour)
	require.NoError(t, l.svc.ReleaseHold(ctx, hold.ID))

	at := start.Add(30 * time.Minute)
	balance, err := l.svc.Balance(ctx, "creator-1", &at)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("10.00"), balance.Committed)
	assert.Equal(t, money.Zero, balance.Held)
	require.NotNil(t, balance.AsOf)

	at = start.Add(150 * time.Minute)
	balance, err = l.svc.Balance(ctx, "creator-1", &at)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("15.00"), balance.Committed)
	assert.Equal(t, money.MustParse("12.00"), balance.Held)
	assert.Equal(t, money.MustParse("3.00"), balance.Available)

	balance, err = l.svc.Balance(ctx, "creator-1", nil)
	require.NoError(t, err)
	assert.Equal(t, money.Zero, balance.Held)
}

func TestAdjustNegativeObeysAvailableBalance(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	l.accrue(t, "creator-1", "10.00")
	_, err := l.svc.Hold(ctx, "creator-1", money.MustParse("8.00"))
	require.NoError(t, err)

	_, err = l.svc.Adjust(ctx, ledgerdomain.AdjustRequest{CreatorID: "creator-1", Amount: money.MustParse("-2.01"), Memo: "chargeback"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientBalance)

	entry, err := l.svc.Adjust(ctx, ledgerdomain.AdjustRequest{CreatorID: "creator-1", Amount: money.MustParse("-2.00"), Memo: "chargeback"})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.KindAdjustment, entry.Kind)

	_, err = l.svc.Adjust(ctx, ledgerdomain.AdjustRequest{CreatorID: "creator-1", Amount: 0, Memo: "noop"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)

	balance, err := l.svc.Balance(ctx, "creator-1", nil)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("8.00"), balance.Committed)
	assert.Equal(t, money.Zero, balance.Available)
}

func TestFrozenAccountBlocksHoldsButNotCredits(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	l.accrue(t, "creator-1", "10.00")

	account, err := l.svc.SetPayoutsFrozen(ctx, "creator-1", true, "fraud review")
	require.NoError(t, err)
	assert.True(t, account.PayoutsFrozen)

	_, err = l.svc.Hold(ctx, "creator-1", money.MustParse("1.00"))
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountFrozen)
	l.accrue(t, "creator-1", "1.00")

	candidates, err := l.svc.Candidates(ctx, money.MustParse("5.00"), 10)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	account, err = l.svc.SetPayoutsFrozen(ctx, "creator-1", false, "cleared")
	require.NoError(t, err)
	assert.False(t, account.PayoutsFrozen)
	assert.Empty(t, account.FrozenReason)

	_, err = l.svc.Hold(ctx, "creator-1", money.MustParse("1.00"))
	assert.NoError(t, err)
}

func TestCandidatesExcludeHeldBalances(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	l.accrue(t, "creator-a", "60.00")
	l.accrue(t, "creator-b", "49.99")
	l.accrue(t, "creator-c", "80.00")
	_, err := l.svc.Hold(ctx, "creator-c", money.MustParse("40.00"))
	require.NoError(t, err)

	candidates, err := l.svc.Candidates(ctx, money.MustParse("50.00"), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"creator-a"}, candidates)
}

func TestEscalateHaltsCreator(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	l.accrue(t, "creator-1", "10.00")

	violation := &ledgerdomain.IntegrityViolationError{
		CreatorID: "creator-1",
		Check:     ledgerdomain.CheckNonNegativeCommitted,
		Detail:    "synthetic",
	}
	err := l.svc.Escalate(ctx, violation)
	require.ErrorIs(t, err, ledgerdomain.ErrIntegrityViolation)

	account, err := l.svc.Account(ctx, "creator-1")
	require.NoError(t, err)
	assert.True(t, account.Halted())
	assert.Equal(t, ledgerdomain.CheckNonNegativeCommitted, account.HaltReason)

	var rows []ledgerdomain.IntegrityViolation
	require.NoError(t, l.db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "synthetic", rows[0].Detail)
	assert.Len(t, l.recorder.OfType(events.TypeLedgerIntegrityViolation), 1)

	ref := l.node.Generate()
	_, err = l.svc.Credit(ctx, ledgerdomain.CreditRequest{
		CreatorID:        "creator-1",
		Amount:           money.MustParse("1.00"),
		Kind:             ledgerdomain.KindAccrual,
		ReferenceEventID: &ref,
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrLedgerHalted)

	_, err = l.svc.Resume(ctx, "creator-1")
	require.NoError(t, err)
	l.accrue(t, "creator-1", "1.00")

	assert.Equal(t, errors.New("plain").Error(), l.svc.Escalate(ctx, errors.New("plain")).Error())
	assert.NoError(t, l.svc.Escalate(ctx, nil))
}

func TestCheckIntegrityFindsCommittedHoldWithoutDebit(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	l.accrue(t, "creator-1", "10.00")
	hold, err := l.svc.Hold(ctx, "creator-1", money.MustParse("5.00"))
	require.NoError(t, err)

	require.NoError(t, l.svc.CheckIntegrity(ctx, "creator-1"))

	require.NoError(t, l.db.Exec(`UPDATE ledger_holds SET status = ? WHERE id = ?`, ledgerdomain.HoldStatusCommitted, hold.ID).Error)
	err = l.svc.CheckIntegrity(ctx, "creator-1")
	var violation *ledgerdomain.IntegrityViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, ledgerdomain.CheckCommittedHoldDebited, violation.Check)

	account, err := l.svc.Account(ctx, "creator-1")
	require.NoError(t, err)
	assert.True(t, account.Halted())
}

func TestListEntriesPagesNewestFirst(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		l.accrue(t, "creator-1", "1.00")
		l.clock.Advance(time.Minute)
	}
	l.accrue(t, "creator-2", "1.00")

	page, err := l.svc.ListEntries(ctx, ledgerdomain.ListEntriesRequest{CreatorID: "creator-1", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.True(t, page.HasMore)
	assert.Greater(t, page.Entries[0].ID, page.Entries[1].ID)

	seen := len(page.Entries)
	token := page.NextPageToken
	for token != "" {
		next, err := l.svc.ListEntries(ctx, ledgerdomain.ListEntriesRequest{CreatorID: "creator-1", PageSize: 2, PageToken: token})
		require.NoError(t, err)
		seen += len(next.Entries)
		token = next.NextPageToken
	}
	assert.Equal(t, 5, seen)

	_, err = l.svc.ListEntries(ctx, ledgerdomain.ListEntriesRequest{CreatorID: "creator-1", PageToken: "%%%"})
	assert.Error(t, err)
}
