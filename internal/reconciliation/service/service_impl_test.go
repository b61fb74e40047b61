package service

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	callbackdomain "github.com/smallbiznis/creatorledger/internal/callback/domain"
	"github.com/smallbiznis/creatorledger/internal/clock"
	"github.com/smallbiznis/creatorledger/internal/config"
	"github.com/smallbiznis/creatorledger/internal/dbtest"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/creatorledger/internal/ledger/service"
	payoutdomain "github.com/smallbiznis/creatorledger/internal/payout/domain"
	payoutservice "github.com/smallbiznis/creatorledger/internal/payout/service"
	"github.com/smallbiznis/creatorledger/internal/provider/adapters"
	providerdomain "github.com/smallbiznis/creatorledger/internal/provider/domain"
	reconciliationdomain "github.com/smallbiznis/creatorledger/internal/reconciliation/domain"
	"github.com/smallbiznis/creatorledger/pkg/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type statusAdapter struct {
	mock.Mock
}

func (a *statusAdapter) Provider() string { return providerdomain.ProviderMpesa }

func (a *statusAdapter) AmountPlaces() int32 { return 0 }

func (a *statusAdapter) ValidateDestination(d providerdomain.Destination) (providerdomain.Destination, error) {
	return d, nil
}

func (a *statusAdapter) Submit(ctx context.Context, req providerdomain.SubmitRequest) (providerdomain.SubmitResult, error) {
	args := a.Called(ctx, req)
	return args.Get(0).(providerdomain.SubmitResult), args.Error(1)
}

func (a *statusAdapter) Status(ctx context.Context, ref string) (providerdomain.StatusResult, error) {
	args := a.Called(ctx, ref)
	return args.Get(0).(providerdomain.StatusResult), args.Error(1)
}

func (a *statusAdapter) Verify(context.Context, []byte, http.Header) error { return nil }

func (a *statusAdapter) Parse(context.Context, []byte) (*providerdomain.Callback, error) {
	return nil, providerdomain.ErrEventIgnored
}

type callbacksMock struct {
	mock.Mock
	callbackdomain.Service
}

func (m *callbacksMock) ReplayPending(ctx context.Context, limit int) (int, error) {
	args := m.Called(ctx, limit)
	return args.Int(0), args.Error(1)
}

type testReconciler struct {
	svc       reconciliationdomain.Service
	payouts   payoutdomain.Service
	ledger    ledgerdomain.Service
	db        *gorm.DB
	node      *snowflake.Node
	clock     *clock.FakeClock
	adapter   *statusAdapter
	callbacks *callbacksMock
}

func newTestReconciler(t *testing.T) *testReconciler {
	t.Helper()
	conn := dbtest.Open(t)
	node := dbtest.Node(t)
	clk := clock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.Config{LedgerCurrency: "USD", DestinationEncryptionKey: "k"}
	holder, err := config.NewStaticPolicyHolder(config.DefaultPayoutPolicy())
	require.NoError(t, err)

	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB: conn, Log: zap.NewNop(), GenID: node, Clock: clk, Config: cfg,
	})
	adapter := &statusAdapter{}
	registry := adapters.NewRegistry(adapter)
	payouts := payoutservice.NewService(payoutservice.Params{
		DB: conn, Log: zap.NewNop(), GenID: node, Clock: clk, Config: cfg,
		Policies: holder, Ledger: ledger, Adapters: registry,
	})
	callbacks := &callbacksMock{}
	svc := NewService(Params{
		DB:        conn,
		Log:       zap.NewNop(),
		Policies:  holder,
		Payouts:   payouts,
		Callbacks: callbacks,
		Ledger:    ledger,
		Adapters:  registry,
	})
	return &testReconciler{
		svc: svc, payouts: payouts, ledger: ledger, db: conn, node: node,
		clock: clk, adapter: adapter, callbacks: callbacks,
	}
}

func (r *testReconciler) submitted(t *testing.T, creatorID, ref string) *payoutdomain.Payout {
	t.Helper()
	ctx := context.Background()
	_, err := r.ledger.Credit(ctx, ledgerdomain.CreditRequest{
		CreatorID: creatorID, Amount: money.MustParse("50.00"), Kind: ledgerdomain.KindAccrual,
	})
	require.NoError(t, err)
	_, err = r.payouts.UpsertDestination(ctx, payoutdomain.UpsertDestinationRequest{
		CreatorID:   creatorID,
		Destination: providerdomain.Destination{Provider: "mpesa", PhoneNumber: "254700000001"},
	})
	require.NoError(t, err)
	payout, err := r.payouts.RequestPayout(ctx, payoutdomain.RequestPayoutInput{CreatorID: creatorID})
	require.NoError(t, err)

	r.adapter.On("Submit", mock.Anything, mock.Anything).
		Return(providerdomain.SubmitResult{ExternalReference: ref}, nil).Once()
	_, err = r.payouts.Submit(ctx, payout.ID)
	require.NoError(t, err)
	return payout
}

func (r *testReconciler) state(t *testing.T, id snowflake.ID) payoutdomain.State {
	t.Helper()
	detail, err := r.payouts.Get(context.Background(), id)
	require.NoError(t, err)
	return detail.State
}

func TestReconcileStaleAppliesProviderStatus(t *testing.T) {
	r := newTestReconciler(t)
	ctx := context.Background()
	payout := r.submitted(t, "creator-1", "conv-1")

	report, err := r.svc.ReconcileStale(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, report.Checked)

	r.clock.Advance(31 * time.Minute)
	r.adapter.On("Status", mock.Anything, "conv-1").
		Return(providerdomain.StatusResult{ExternalReference: "conv-1", Outcome: providerdomain.OutcomeConfirmed}, nil).Once()
	report, err = r.svc.ReconcileStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Settled)
	assert.Equal(t, payoutdomain.StateConfirmed, r.state(t, payout.ID))
}

func TestReconcileStaleToleratesProviderOutage(t *testing.T) {
	r := newTestReconciler(t)
	ctx := context.Background()
	payout := r.submitted(t, "creator-1", "conv-1")
	r.clock.Advance(31 * time.Minute)

	r.adapter.On("Status", mock.Anything, "conv-1").
		Return(providerdomain.StatusResult{}, providerdomain.Transient("mpesa", "http_503", errors.New("unavailable"))).Once()
	report, err := r.svc.ReconcileStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, payoutdomain.StateSubmitted, r.state(t, payout.ID))

	report, err = r.svc.ReconcileStale(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
}

func TestReconcilePayoutDetectsReturn(t *testing.T) {
	r := newTestReconciler(t)
	ctx := context.Background()
	payout := r.submitted(t, "creator-1", "conv-1")

	r.adapter.On("Status", mock.Anything, "conv-1").
		Return(providerdomain.StatusResult{Outcome: providerdomain.OutcomeConfirmed}, nil).Once()
	detail, err := r.svc.ReconcilePayout(ctx, payout.ID)
	require.NoError(t, err)
	assert.Equal(t, payoutdomain.StateConfirmed, detail.State)

	r.adapter.On("Status", mock.Anything, "conv-1").
		Return(providerdomain.StatusResult{Outcome: providerdomain.OutcomeFailed, Reason: "returned"}, nil).Once()
	detail, err = r.svc.ReconcilePayout(ctx, payout.ID)
	require.NoError(t, err)
	assert.Equal(t, payoutdomain.StateConfirmed, detail.State)
	assert.NotNil(t, detail.ReversedAt)

	balance, err := r.ledger.Balance(ctx, "creator-1", nil)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("50.00"), balance.Available)
}

func TestRunExpiresAndReplays(t *testing.T) {
	r := newTestReconciler(t)
	ctx := context.Background()
	payout := r.submitted(t, "creator-1", "conv-1")
	r.clock.Advance(25 * time.Hour)

	r.adapter.On("Status", mock.Anything, "conv-1").
		Return(providerdomain.StatusResult{Outcome: providerdomain.OutcomePending}, nil).Once()
	r.callbacks.On("ReplayPending", mock.Anything, 10).Return(2, nil).Once()

	report, err := r.svc.Run(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pending)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 2, report.Replayed)
	assert.Equal(t, payoutdomain.StateFailed, r.state(t, payout.ID))
}

func TestAuditLedgerHaltsOnDebitWithoutConfirmation(t *testing.T) {
	r := newTestReconciler(t)
	ctx := context.Background()
	payout := r.submitted(t, "creator-1", "conv-1")
	_, err := r.ledger.Credit(ctx, ledgerdomain.CreditRequest{
		CreatorID: "creator-2", Amount: money.MustParse("5.00"), Kind: ledgerdomain.KindAccrual,
	})
	require.NoError(t, err)

	report, err := r.svc.AuditLedger(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Creators)
	assert.Zero(t, report.Violations)

	_, err = r.ledger.Credit(ctx, ledgerdomain.CreditRequest{
		CreatorID: "creator-1", Amount: money.MustParse("10.00"), Kind: ledgerdomain.KindAccrual,
	})
	require.NoError(t, err)
	pid := payout.ID
	require.NoError(t, r.db.Create(&ledgerdomain.Entry{
		ID:        r.node.Generate(),
		CreatorID: "creator-1",
		Account:   ledgerdomain.AccountCreator,
		Amount:    money.MustParse("-1.00"),
		Kind:      ledgerdomain.KindPayoutDebit,
		PayoutID:  &pid,
		Currency:  "USD",
		CreatedAt: r.clock.Now(),
	}).Error)

	report, err = r.svc.AuditLedger(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Violations)

	account, err := r.ledger.Account(ctx, "creator-1")
	require.NoError(t, err)
	assert.True(t, account.Halted())
	assert.Equal(t, ledgerdomain.CheckDebitHasPayout, account.HaltReason)

	report, err = r.svc.AuditLedger(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Creators)
	assert.Zero(t, report.Violations)
}
