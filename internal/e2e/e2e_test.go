package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/creatorledger/internal/callback"
	"github.com/smallbiznis/creatorledger/internal/clock"
	"github.com/smallbiznis/creatorledger/internal/config"
	"github.com/smallbiznis/creatorledger/internal/events"
	"github.com/smallbiznis/creatorledger/internal/ledger"
	"github.com/smallbiznis/creatorledger/internal/migration"
	"github.com/smallbiznis/creatorledger/internal/observability"
	"github.com/smallbiznis/creatorledger/internal/payout"
	"github.com/smallbiznis/creatorledger/internal/provider"
	"github.com/smallbiznis/creatorledger/internal/provider/transport"
	"github.com/smallbiznis/creatorledger/internal/ratelimit"
	"github.com/smallbiznis/creatorledger/internal/rating"
	"github.com/smallbiznis/creatorledger/internal/reconciliation"
	"github.com/smallbiznis/creatorledger/internal/revenue"
	"github.com/smallbiznis/creatorledger/internal/scheduler"
	"github.com/smallbiznis/creatorledger/internal/server"
	"github.com/smallbiznis/creatorledger/pkg/db"
	"github.com/smallbiznis/creatorledger/pkg/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

const (
	adminSecret       = "e2e-admin-secret"
	bankWebhookSecret = "e2e-bank-whsec"
)

type testEnv struct {
	app     *fx.App
	server  *server.Server
	db      *gorm.DB
	baseURL string
	httpSrv *httptest.Server
	bank    *fakeBank
	tmpDir  string
}

var env *testEnv

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)

	var err error
	env, err = startEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to start test environment:", err)
		os.Exit(1)
	}

	code := m.Run()
	env.shutdown()
	os.Exit(code)
}

// fakeBank plays the banking partner: transfers are accepted as processing and
// settle only through webhooks the test sends.
type fakeBank struct {
	srv *httptest.Server

	mu        sync.Mutex
	transfers map[string]string
	seq       int
}

func newFakeBank() *fakeBank {
	b := &fakeBank{transfers: map[string]string{}}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	return b
}

func (b *fakeBank) handle(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/transfers":
		var req struct {
			Reference string `json:"reference"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		id, ok := b.transfers[req.Reference]
		if !ok {
			b.seq++
			id = fmt.Sprintf("tr_%d", b.seq)
			b.transfers[req.Reference] = id
		}
		_, _ = fmt.Fprintf(w, `{"id":%q,"status":"processing"}`, id)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/transfers/"):
		_, _ = fmt.Fprintf(w, `{"id":%q,"status":"processing"}`, strings.TrimPrefix(r.URL.Path, "/transfers/"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (b *fakeBank) submitted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.transfers)
}

func startEnv() (*testEnv, error) {
	tmpDir, err := os.MkdirTemp("", "creatorledger-e2e")
	if err != nil {
		return nil, err
	}
	bank := newFakeBank()
	setDefaultEnv(filepath.Join(tmpDir, "e2e.db"), bank.srv.URL)

	var (
		srv    *server.Server
		dbConn *gorm.DB
	)
	app := fx.New(
		fx.NopLogger,
		config.Module,
		observability.Module,
		fx.Provide(func(cfg config.Config) (*snowflake.Node, error) {
			return snowflake.NewNode(cfg.NodeID)
		}),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,
		events.Module,
		rating.Module,
		revenue.Module,
		ledger.Module,
		provider.Module,
		payout.Module,
		callback.Module,
		reconciliation.Module,
		server.Module,
		scheduler.Module,
		fx.Populate(&srv, &dbConn),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		bank.srv.Close()
		return nil, err
	}

	httpSrv := httptest.NewServer(srv.Engine())
	return &testEnv{
		app:     app,
		server:  srv,
		db:      dbConn,
		baseURL: httpSrv.URL,
		httpSrv: httpSrv,
		bank:    bank,
		tmpDir:  tmpDir,
	}, nil
}

func (e *testEnv) shutdown() {
	if e == nil {
		return
	}
	if e.httpSrv != nil {
		e.httpSrv.Close()
	}
	if e.app != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.app.Stop(ctx)
	}
	if e.bank != nil {
		e.bank.srv.Close()
	}
	_ = os.RemoveAll(e.tmpDir)
}

func setDefaultEnv(dbPath, bankURL string) {
	setEnvIfEmpty("ENVIRONMENT", "test")
	setEnvIfEmpty("LOG_LEVEL", "error")
	setEnvIfEmpty("HTTP_ADDR", "127.0.0.1:0")
	_ = os.Setenv("DATABASE_TYPE", "sqlite")
	_ = os.Setenv("DATABASE_NAME", dbPath)
	_ = os.Setenv("DATABASE_MAX_OPEN_CONN", "1")
	_ = os.Setenv("DATABASE_AUTO_MIGRATE", "true")
	_ = os.Setenv("SCHEDULER_ENABLED", "false")
	_ = os.Setenv("RATE_LIMIT_ENABLED", "false")
	_ = os.Setenv("ADMIN_JWT_SECRET", adminSecret)
	_ = os.Setenv("DESTINATION_ENCRYPTION_KEY", "e2e-destination-key")
	_ = os.Setenv("BANK_BASE_URL", bankURL)
	_ = os.Setenv("BANK_API_KEY", "bank_key")
	_ = os.Setenv("BANK_SOURCE_ACCOUNT", "001122334455")
	_ = os.Setenv("BANK_WEBHOOK_SECRET", bankWebhookSecret)
	_ = os.Setenv("BANK_RATE_PER_SECOND", "100")
}

func setEnvIfEmpty(key, value string) {
	if strings.TrimSpace(os.Getenv(key)) != "" {
		return
	}
	_ = os.Setenv(key, value)
}

func adminHeaders(t *testing.T) map[string]string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  "ops-e2e",
		"role": "admin",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(adminSecret))
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

var rateOnce sync.Once

// ensureRateCard publishes version 1 once per run; later tests reuse it.
func ensureRateCard(t *testing.T) {
	t.Helper()
	rateOnce.Do(func() {
		resp, body := doJSON(t, http.MethodPost, env.baseURL+"/admin/rates", map[string]any{
			"version":          1,
			"base_cpm":         "2.00",
			"like_bonus":       "0.01",
			"comment_bonus":    "0.02",
			"share_bonus":      "0.05",
			"platform_fee_pct": "0.20",
			"effective_from":   "2024-01-01T00:00:00Z",
			"note":             "e2e",
		}, adminHeaders(t))
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	})
}

func TestE2E_HealthCheck(t *testing.T) {
	resp, err := http.Get(env.baseURL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestE2E_EarningsToConfirmedPayout(t *testing.T) {
	ensureRateCard(t)
	creator := "creator-e2e-1"
	base := env.baseURL + "/api/creators/" + creator

	// Accrue 80.00 of tips: 64.00 after the 20% platform fee.
	for i, gross := range []string{"50.00", "30.00"} {
		resp, body := doJSON(t, http.MethodPost, env.baseURL+"/api/events", map[string]any{
			"creator_id":   creator,
			"source_type":  "tip",
			"gross_amount": gross,
			"occurred_at":  time.Now().UTC().Add(-time.Minute).Format(time.RFC3339),
			"external_id":  fmt.Sprintf("tip-%d", i),
		}, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	}

	// Replaying an event is acknowledged without a second accrual.
	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/api/events", map[string]any{
		"creator_id":   creator,
		"source_type":  "tip",
		"gross_amount": "50.00",
		"occurred_at":  time.Now().UTC().Format(time.RFC3339),
		"external_id":  "tip-0",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"duplicate":true`)

	balance := getBalance(t, creator)
	assert.Equal(t, money.MustParse("64.00"), balance.Available)

	resp, body = doJSON(t, http.MethodPut, base+"/destinations/bank", map[string]any{
		"destination": map[string]any{
			"account_number": "GB29NWBK60161331926819",
			"bank_code":      "NWBKGB2L",
			"account_name":   "E2E Creator",
		},
		"make_default": true,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.NotContains(t, string(body), "GB29NWBK60161331926819")

	// A retried request with the same key returns the same payout.
	idem := map[string]string{"Idempotency-Key": "e2e-payout-1"}
	resp, body = doJSON(t, http.MethodPost, base+"/payouts", nil, idem)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var requested payoutView
	require.NoError(t, json.Unmarshal(body, &requested))
	assert.Equal(t, "HELD", requested.State)

	resp, body = doJSON(t, http.MethodPost, base+"/payouts", nil, idem)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var again payoutView
	require.NoError(t, json.Unmarshal(body, &again))
	assert.Equal(t, requested.ID, again.ID)

	balance = getBalance(t, creator)
	assert.Zero(t, balance.Available)
	assert.Equal(t, money.MustParse("64.00"), balance.Held)

	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/admin/scheduler/jobs/payout_submit/run", nil, adminHeaders(t))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	require.Equal(t, 1, env.bank.submitted())

	submitted := getPayout(t, creator, requested.ID)
	require.Equal(t, "SUBMITTED", submitted.State)
	require.NotEmpty(t, submitted.ExternalReference)

	webhook := fmt.Sprintf(`{"event_id":"evt_e2e_1","transfer_id":%q,"status":"settled"}`, submitted.ExternalReference)
	resp, body = postWebhook(t, webhook)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"applied"`)

	resp, body = postWebhook(t, webhook)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"duplicate":true`)

	confirmed := getPayout(t, creator, requested.ID)
	assert.Equal(t, "CONFIRMED", confirmed.State)

	balance = getBalance(t, creator)
	assert.Zero(t, balance.Committed)
	assert.Zero(t, balance.Held)

	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/admin/scheduler/jobs/ledger_audit/run", nil, adminHeaders(t))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	assert.Zero(t, countRows(t, env.db, "ledger_integrity_violations", "creator_id = ?", creator))
}

func TestE2E_FrozenCreatorCannotRequestPayout(t *testing.T) {
	ensureRateCard(t)
	creator := "creator-e2e-2"
	base := env.baseURL + "/api/creators/" + creator

	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/api/events", map[string]any{
		"creator_id":   creator,
		"source_type":  "tip",
		"gross_amount": "100.00",
		"occurred_at":  time.Now().UTC().Format(time.RFC3339),
		"external_id":  "frozen-tip",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/admin/creators/"+creator+"/freeze",
		map[string]any{"reason": "chargeback review"}, adminHeaders(t))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = doJSON(t, http.MethodPost, base+"/payouts", nil, nil)
	assert.Equal(t, http.StatusLocked, resp.StatusCode, string(body))

	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/admin/creators/"+creator+"/unfreeze", nil, adminHeaders(t))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = doJSON(t, http.MethodGet, base+"/eligibility", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"eligible":true`)
}

func TestE2E_AdminRoutesRequireToken(t *testing.T) {
	resp, _ := doJSON(t, http.MethodGet, env.baseURL+"/admin/rates", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

type balanceView struct {
	Committed money.Amount `json:"committed"`
	Held      money.Amount `json:"held"`
	Available money.Amount `json:"available"`
}

type payoutView struct {
	ID                string `json:"id"`
	State             string `json:"state"`
	ExternalReference string `json:"external_reference"`
}

func getBalance(t *testing.T, creator string) balanceView {
	t.Helper()
	resp, body := doJSON(t, http.MethodGet, env.baseURL+"/api/creators/"+creator+"/balance", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var view balanceView
	require.NoError(t, json.Unmarshal(body, &view))
	return view
}

func getPayout(t *testing.T, creator, id string) payoutView {
	t.Helper()
	resp, body := doJSON(t, http.MethodGet, env.baseURL+"/api/creators/"+creator+"/payouts/"+id, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var view payoutView
	require.NoError(t, json.Unmarshal(body, &view))
	return view
}

func postWebhook(t *testing.T, payload string) (*http.Response, []byte) {
	t.Helper()
	return doRaw(t, http.MethodPost, env.baseURL+"/webhooks/payouts/bank", []byte(payload), map[string]string{
		"Content-Type":     "application/json",
		"X-Bank-Signature": transport.Sign(bankWebhookSecret, []byte(payload)),
	})
}

func countRows(t *testing.T, dbConn *gorm.DB, table string, where string, args ...any) int64 {
	t.Helper()
	var count int64
	require.NoError(t, dbConn.Table(table).Where(where, args...).Count(&count).Error)
	return count
}

func doJSON(t *testing.T, method, reqURL string, payload any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	all := map[string]string{"Content-Type": "application/json"}
	for k, v := range headers {
		all[k] = v
	}
	return doRaw(t, method, reqURL, body, all)
}

func doRaw(t *testing.T, method, reqURL string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, reqURL, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}
