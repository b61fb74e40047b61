package service

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	callbackdomain "github.com/smallbiznis/creatorledger/internal/callback/domain"
	"github.com/smallbiznis/creatorledger/internal/callback/repository"
	"github.com/smallbiznis/creatorledger/internal/clock"
	"github.com/smallbiznis/creatorledger/internal/config"
	"github.com/smallbiznis/creatorledger/internal/dbtest"
	payoutdomain "github.com/smallbiznis/creatorledger/internal/payout/domain"
	"github.com/smallbiznis/creatorledger/internal/provider/adapters"
	providerdomain "github.com/smallbiznis/creatorledger/internal/provider/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// payoutsMock implements only what callbacks drive; other methods panic via the nil
// embedded interface.
type payoutsMock struct {
	mock.Mock
	payoutdomain.Service
}

func (m *payoutsMock) ApplyOutcome(ctx context.Context, outcome payoutdomain.Outcome) (*payoutdomain.Payout, error) {
	args := m.Called(ctx, outcome)
	p, _ := args.Get(0).(*payoutdomain.Payout)
	return p, args.Error(1)
}

type webhookAdapter struct {
	mock.Mock
}

func (a *webhookAdapter) Provider() string { return providerdomain.ProviderBank }

func (a *webhookAdapter) AmountPlaces() int32 { return 2 }

func (a *webhookAdapter) ValidateDestination(d providerdomain.Destination) (providerdomain.Destination, error) {
	return d, nil
}

func (a *webhookAdapter) Submit(context.Context, providerdomain.SubmitRequest) (providerdomain.SubmitResult, error) {
	return providerdomain.SubmitResult{}, errors.New("not used")
}

func (a *webhookAdapter) Status(context.Context, string) (providerdomain.StatusResult, error) {
	return providerdomain.StatusResult{}, errors.New("not used")
}

func (a *webhookAdapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	return a.Called(ctx, payload, headers).Error(0)
}

func (a *webhookAdapter) Parse(ctx context.Context, payload []byte) (*providerdomain.Callback, error) {
	args := a.Called(ctx, payload)
	cb, _ := args.Get(0).(*providerdomain.Callback)
	return cb, args.Error(1)
}

type testCallbacks struct {
	svc     callbackdomain.Service
	db      *gorm.DB
	clock   *clock.FakeClock
	payouts *payoutsMock
	adapter *webhookAdapter
}

func newTestCallbacks(t *testing.T) *testCallbacks {
	t.Helper()
	conn := dbtest.Open(t)
	clk := clock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	holder, err := config.NewStaticPolicyHolder(config.DefaultPayoutPolicy())
	require.NoError(t, err)

	payouts := &payoutsMock{}
	adapter := &webhookAdapter{}
	svc := NewService(Params{
		DB:       conn,
		Log:      zap.NewNop(),
		GenID:    dbtest.Node(t),
		Clock:    clk,
		Policies: holder,
		Repo:     repository.Provide(),
		Payouts:  payouts,
		Adapters: adapters.NewRegistry(adapter),
	})
	return &testCallbacks{svc: svc, db: conn, clock: clk, payouts: payouts, adapter: adapter}
}

func (c *testCallbacks) stored(t *testing.T, dedupKey string) callbackdomain.Record {
	t.Helper()
	var record callbackdomain.Record
	require.NoError(t, c.db.Where("dedup_key = ?", dedupKey).Take(&record).Error)
	return record
}

func confirmed(dedupKey string) providerdomain.Callback {
	return providerdomain.Callback{
		Provider:          "bank",
		ExternalReference: "tr_1",
		Outcome:           providerdomain.OutcomeConfirmed,
		DedupKey:          dedupKey,
		Payload:           []byte(`{"event_id":"` + dedupKey + `"}`),
	}
}

func TestRecordAppliesOnceAndAcknowledgesDuplicates(t *testing.T) {
	c := newTestCallbacks(t)
	ctx := context.Background()
	c.payouts.On("ApplyOutcome", mock.Anything, mock.MatchedBy(func(o payoutdomain.Outcome) bool {
		return o.ExternalReference == "tr_1" && o.Outcome == providerdomain.OutcomeConfirmed && o.Source == "callback"
	})).Return(&payoutdomain.Payout{State: payoutdomain.StateConfirmed}, nil).Once()

	result, err := c.svc.Record(ctx, confirmed("evt_1"))
	require.NoError(t, err)
	assert.Equal(t, callbackdomain.ResultApplied, result)
	assert.True(t, c.stored(t, "evt_1").Processed)

	result, err = c.svc.Record(ctx, confirmed("evt_1"))
	assert.ErrorIs(t, err, callbackdomain.ErrCallbackAlreadyProcessed)
	assert.Equal(t, callbackdomain.ResultDuplicate, result)
	c.payouts.AssertNumberOfCalls(t, "ApplyOutcome", 1)
}

func TestRecordRejectsIncompleteCallbacks(t *testing.T) {
	c := newTestCallbacks(t)
	cb := confirmed("")
	_, err := c.svc.Record(context.Background(), cb)
	assert.ErrorIs(t, err, callbackdomain.ErrInvalidCallback)

	cb = confirmed("evt_2")
	cb.Outcome = providerdomain.OutcomePending
	_, err = c.svc.Record(context.Background(), cb)
	assert.ErrorIs(t, err, callbackdomain.ErrInvalidCallback)
}

func TestEarlyCallbackIsReplayed(t *testing.T) {
	c := newTestCallbacks(t)
	ctx := context.Background()
	c.payouts.On("ApplyOutcome", mock.Anything, mock.Anything).
		Return(nil, payoutdomain.ErrPayoutNotFound).Once()

	result, err := c.svc.Record(ctx, confirmed("evt_1"))
	require.NoError(t, err)
	assert.Equal(t, callbackdomain.ResultDeferred, result)
	record := c.stored(t, "evt_1")
	assert.False(t, record.Processed)
	assert.Equal(t, payoutdomain.ErrPayoutNotFound.Error(), record.LastError)

	c.payouts.On("ApplyOutcome", mock.Anything, mock.Anything).
		Return(&payoutdomain.Payout{State: payoutdomain.StateConfirmed}, nil).Once()
	c.clock.Advance(time.Minute)
	n, err := c.svc.ReplayPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, c.stored(t, "evt_1").Processed)
}

func TestStalePendingCallbackIsAbandoned(t *testing.T) {
	c := newTestCallbacks(t)
	ctx := context.Background()
	c.payouts.On("ApplyOutcome", mock.Anything, mock.Anything).
		Return(nil, payoutdomain.ErrPayoutNotFound).Once()
	_, err := c.svc.Record(ctx, confirmed("evt_1"))
	require.NoError(t, err)

	c.clock.Advance(48 * time.Hour)
	n, err := c.svc.ReplayPending(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	record := c.stored(t, "evt_1")
	assert.True(t, record.Processed)
	assert.Contains(t, record.LastError, "abandoned")
	c.payouts.AssertNumberOfCalls(t, "ApplyOutcome", 1)
}

func TestFailedApplyStaysPendingForRedelivery(t *testing.T) {
	c := newTestCallbacks(t)
	ctx := context.Background()
	c.payouts.On("ApplyOutcome", mock.Anything, mock.Anything).
		Return(nil, errors.New("database is locked")).Once()
	result, err := c.svc.Record(ctx, confirmed("evt_1"))
	require.Error(t, err)
	assert.Equal(t, callbackdomain.ResultError, result)
	assert.False(t, c.stored(t, "evt_1").Processed)

	c.payouts.On("ApplyOutcome", mock.Anything, mock.Anything).
		Return(&payoutdomain.Payout{}, nil).Once()
	result, err = c.svc.Record(ctx, confirmed("evt_1"))
	require.NoError(t, err)
	assert.Equal(t, callbackdomain.ResultApplied, result)
}

func TestConflictingOutcomeIsConsumed(t *testing.T) {
	c := newTestCallbacks(t)
	c.payouts.On("ApplyOutcome", mock.Anything, mock.Anything).
		Return(nil, payoutdomain.ErrOutcomeConflict).Once()
	result, err := c.svc.Record(context.Background(), confirmed("evt_1"))
	require.NoError(t, err)
	assert.Equal(t, callbackdomain.ResultConflict, result)
	assert.True(t, c.stored(t, "evt_1").Processed)
}

func TestIngestWebhook(t *testing.T) {
	c := newTestCallbacks(t)
	ctx := context.Background()
	payload := []byte(`{"event_id":"evt_9","transfer_id":"tr_1","status":"settled"}`)
	headers := http.Header{"X-Bank-Signature": []string{"sig"}}

	c.adapter.On("Verify", mock.Anything, payload, headers).Return(nil)
	c.adapter.On("Parse", mock.Anything, payload).Return(&providerdomain.Callback{
		ExternalReference: "tr_1",
		Outcome:           providerdomain.OutcomeConfirmed,
		DedupKey:          "evt_9",
	}, nil).Once()
	c.payouts.On("ApplyOutcome", mock.Anything, mock.MatchedBy(func(o payoutdomain.Outcome) bool {
		return o.Provider == "bank"
	})).Return(&payoutdomain.Payout{}, nil).Once()

	result, err := c.svc.IngestWebhook(ctx, "BANK", payload, headers)
	require.NoError(t, err)
	assert.Equal(t, callbackdomain.ResultApplied, result)
	assert.JSONEq(t, string(payload), string(c.stored(t, "evt_9").Payload))

	c.adapter.On("Parse", mock.Anything, []byte(`{}`)).Return(nil, providerdomain.ErrEventIgnored).Once()
	c.adapter.On("Verify", mock.Anything, []byte(`{}`), mock.Anything).Return(nil)
	result, err = c.svc.IngestWebhook(ctx, "bank", []byte(`{}`), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, callbackdomain.ResultIgnored, result)

	_, err = c.svc.IngestWebhook(ctx, "paypal", payload, headers)
	assert.ErrorIs(t, err, providerdomain.ErrProviderNotFound)
}

func TestIngestWebhookRejectsBadSignature(t *testing.T) {
	c := newTestCallbacks(t)
	c.adapter.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(providerdomain.ErrInvalidSignature)
	_, err := c.svc.IngestWebhook(context.Background(), "bank", []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, providerdomain.ErrInvalidSignature)
	c.adapter.AssertNotCalled(t, "Parse", mock.Anything, mock.Anything)
}
