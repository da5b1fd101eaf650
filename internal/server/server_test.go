package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolsight/internal/creditline"
	"github.com/alanyoungcy/poolsight/internal/domain"
	"github.com/alanyoungcy/poolsight/internal/ledger"
	"github.com/alanyoungcy/poolsight/internal/metrics"
	"github.com/alanyoungcy/poolsight/internal/server/handler"
	"github.com/alanyoungcy/poolsight/internal/server/middleware"
	"github.com/alanyoungcy/poolsight/internal/service"
	"github.com/alanyoungcy/poolsight/internal/tranche"
)

var (
	poolAddr     = common.HexToAddress("0x0000000000000000000000000000000000000005")
	borrowerAddr = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	lenderAddr   = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeTracker struct {
	mu        sync.Mutex
	senior    service.SeniorPoolSnapshot
	pool      service.TranchedPoolSnapshot
	borrower  service.BorrowerSnapshot
	provider  service.CapitalProviderSnapshot
	err       error
	refreshes int
	stale     bool
}

func (f *fakeTracker) refreshed() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.stale {
		return domain.ErrStaleRefresh
	}
	return f.err
}

func (f *fakeTracker) ChainID() uint64        { return 1 }
func (f *fakeTracker) LastRefresh() time.Time { return time.Unix(1_700_000_000, 0).UTC() }

func (f *fakeTracker) SeniorPool(context.Context) (service.SeniorPoolSnapshot, error) {
	return f.senior, f.err
}

func (f *fakeTracker) RefreshSeniorPool(context.Context) (service.SeniorPoolSnapshot, error) {
	return f.senior, f.refreshed()
}

func (f *fakeTracker) Pools(context.Context) ([]service.TranchedPoolSnapshot, error) {
	return []service.TranchedPoolSnapshot{f.pool}, f.err
}

func (f *fakeTracker) TranchedPool(_ context.Context, address string) (service.TranchedPoolSnapshot, error) {
	p := f.pool
	p.Address = address
	return p, f.err
}

func (f *fakeTracker) RefreshTranchedPool(ctx context.Context, address string) (service.TranchedPoolSnapshot, error) {
	if err := f.refreshed(); err != nil {
		return service.TranchedPoolSnapshot{}, err
	}
	return f.TranchedPool(ctx, address)
}

func (f *fakeTracker) Borrower(context.Context, string) (service.BorrowerSnapshot, error) {
	return f.borrower, f.err
}

func (f *fakeTracker) RefreshBorrower(context.Context, string) (service.BorrowerSnapshot, error) {
	return f.borrower, f.refreshed()
}

func (f *fakeTracker) CapitalProvider(context.Context, string) (service.CapitalProviderSnapshot, error) {
	return f.provider, f.err
}

func (f *fakeTracker) RefreshCapitalProvider(context.Context, string) (service.CapitalProviderSnapshot, error) {
	return f.provider, f.refreshed()
}

func (f *fakeTracker) Decimals(context.Context) (ledger.Decimals, error) {
	return ledger.Decimals{Amount: 6, Shares: 18}, nil
}

func newFakeTracker() *fakeTracker {
	z := decimal.Zero
	senior := service.EmptySeniorPool(1)
	senior.Loaded = true
	senior.Transactions = []domain.Transaction{
		{ID: "c", Type: domain.TxWithdrawal, Amount: d("20"), BlockNumber: 9, BlockTime: 90},
		{ID: "b", Type: domain.TxInterestCollected, Amount: d("5"), BlockNumber: 8, BlockTime: 80},
		{ID: "a", Type: domain.TxSupply, Amount: d("110"), BlockNumber: 5, BlockTime: 50},
	}

	pool := service.EmptyTranchedPool(1, poolAddr.Hex(), tranche.DefaultParams)
	pool.Economics = tranche.New(
		tranche.Info{ID: tranche.JuniorTrancheID, PrincipalDeposited: d("100"), PrincipalSharePrice: z, InterestSharePrice: z},
		tranche.Info{ID: tranche.SeniorTrancheID, PrincipalDeposited: d("250"), PrincipalSharePrice: z, InterestSharePrice: z},
		d("300"),
		tranche.CreditTerms{Balance: z, Limit: d("500"), InterestApr: d("0.1")},
		tranche.DefaultParams,
	)
	pool.Loaded = true

	line := func(addr string, due string, next uint64) creditline.Position {
		p := creditline.Default(addr)
		p.Limit = d("100")
		p.RemainingPeriodDueAmount = d(due)
		p.NextDueTime = next
		return p
	}
	borrower := service.EmptyBorrower(1, borrowerAddr.Hex())
	borrower.Loaded = true
	borrower.CreditLines = creditline.NewSet(line("0xline1", "50", 200), line("0xline2", "40", 100))

	return &fakeTracker{
		senior:   senior,
		pool:     pool,
		borrower: borrower,
		provider: service.EmptyCapitalProvider(1, lenderAddr.Hex()),
	}
}

type memLimiter struct {
	mu    sync.Mutex
	seen  map[string]int
	fails bool
}

func (m *memLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fails {
		return false, errors.New("redis down")
	}
	if m.seen == nil {
		m.seen = map[string]int{}
	}
	m.seen[key]++
	return m.seen[key] <= limit, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(tr *fakeTracker, limiter domain.RateLimiter, cfg Config, checks map[string]handler.Check) http.Handler {
	logger := discardLogger()
	m := metrics.New("test")
	m.ObserveRefresh(service.EntitySeniorPool, metrics.OutcomeApplied, time.Millisecond)
	s := NewServer(cfg, Handlers{
		Health:           handler.NewHealthHandler(checks, logger),
		Status:           handler.NewStatusHandler("serve", 1, time.Minute, tr),
		SeniorPool:       handler.NewSeniorPoolHandler(tr, logger),
		Pools:            handler.NewPoolHandler(tr, logger),
		CapitalProviders: handler.NewCapitalProviderHandler(tr, logger),
		Borrowers:        handler.NewBorrowerHandler(tr, logger),
		Metrics:          m.Handler(),
	}, nil, limiter, logger)
	return s.Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestServer_Health(t *testing.T) {
	h := newTestServer(newFakeTracker(), nil, Config{}, map[string]handler.Check{
		"chain": func(context.Context) error { return nil },
	})
	rec, body := do(t, h, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	h = newTestServer(newFakeTracker(), nil, Config{}, map[string]handler.Check{
		"chain": func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	rec, body = do(t, h, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"chain": "ok", "redis": "connection refused"}, body["dependencies"])
}

func TestServer_Status(t *testing.T) {
	h := newTestServer(newFakeTracker(), nil, Config{}, nil)
	rec, body := do(t, h, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "serve", body["mode"])
	assert.Equal(t, float64(1), body["chain_id"])
	assert.Equal(t, "2023-11-14T22:13:20Z", body["last_refresh"])
}

func TestServer_Metrics(t *testing.T) {
	h := newTestServer(newFakeTracker(), nil, Config{}, nil)
	rec, _ := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_refreshes_total{entity="senior_pool",outcome="applied"} 1`)
}

func TestServer_SeniorPool(t *testing.T) {
	tr := newFakeTracker()
	h := newTestServer(tr, nil, Config{}, nil)

	rec, body := do(t, h, http.MethodGet, "/api/senior-pool", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["loaded"])
	assert.Equal(t, 0, tr.refreshes)

	rec, _ = do(t, h, http.MethodGet, "/api/senior-pool?refresh=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, tr.refreshes)
}

func TestServer_SeniorPoolBalance(t *testing.T) {
	h := newTestServer(newFakeTracker(), nil, Config{}, nil)

	tests := []struct {
		query   string
		code    int
		balance string
	}{
		{"block=9", http.StatusOK, "110"},
		{"block=10", http.StatusOK, "90"},
		{"block=5", http.StatusOK, "0"},
		{"time=91", http.StatusOK, "90"},
		{"", http.StatusBadRequest, ""},
		{"block=x", http.StatusBadRequest, ""},
		{"block=1&time=1", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec, body := do(t, h, http.MethodGet, "/api/senior-pool/balance?"+tt.query, "")
			require.Equal(t, tt.code, rec.Code, rec.Body.String())
			if tt.code == http.StatusOK {
				assert.Equal(t, tt.balance, body["balance"])
			}
		})
	}
}

func TestServer_Pools(t *testing.T) {
	h := newTestServer(newFakeTracker(), nil, Config{}, nil)

	rec, body := do(t, h, http.MethodGet, "/api/pools", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["pools"], 1)

	rec, body = do(t, h, http.MethodGet, "/api/pools/"+poolAddr.Hex(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, poolAddr.Hex(), body["address"])

	rec, _ = do(t, h, http.MethodGet, "/api/pools/0x0000000000000000000000000000000000000000", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_PoolCapacity(t *testing.T) {
	h := newTestServer(newFakeTracker(), nil, Config{}, nil)

	rec, body := do(t, h, http.MethodGet, "/api/pools/"+poolAddr.Hex()+"/capacity?max=500", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "150", body["remainingCapacity"])

	rec, body = do(t, h, http.MethodGet, "/api/pools/"+poolAddr.Hex()+"/capacity?max=100", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", body["remainingCapacity"])

	rec, _ = do(t, h, http.MethodGet, "/api/pools/"+poolAddr.Hex()+"/capacity", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, h, http.MethodGet, "/api/pools/"+poolAddr.Hex()+"/capacity?max=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_CapitalProvider(t *testing.T) {
	h := newTestServer(newFakeTracker(), nil, Config{}, nil)

	rec, body := do(t, h, http.MethodGet, "/api/capital-providers/"+lenderAddr.Hex(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "position")

	rec, _ = do(t, h, http.MethodGet, "/api/capital-providers/nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_StaleRefreshFallsBackToLatest(t *testing.T) {
	tr := newFakeTracker()
	tr.stale = true
	h := newTestServer(tr, nil, Config{}, nil)

	rec, body := do(t, h, http.MethodGet, "/api/capital-providers/"+lenderAddr.Hex()+"?refresh=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "position")
	assert.Equal(t, 1, tr.refreshes)
}

func TestServer_ComputeErrorIsBadGateway(t *testing.T) {
	tr := newFakeTracker()
	tr.err = domain.NewComputeError(service.EntityBorrower, borrowerAddr.Hex(), "credit lines", errors.New("rpc timeout"))
	h := newTestServer(tr, nil, Config{}, nil)

	rec, body := do(t, h, http.MethodGet, "/api/borrowers/"+borrowerAddr.Hex()+"/credit-lines", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "failed to load credit lines", body["error"])
}

func TestServer_SplitPayment(t *testing.T) {
	h := newTestServer(newFakeTracker(), nil, Config{}, nil)
	target := "/api/borrowers/" + borrowerAddr.Hex() + "/split-payment"

	rec, body := do(t, h, http.MethodPost, target, `{"amount":"70"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	// the line due first is covered in full before the next
	assert.Equal(t, []any{"0xline2", "0xline1"}, body["addresses"])
	assert.Equal(t, []any{"40", "30"}, body["amounts"])
	assert.Equal(t, []any{"40000000", "30000000"}, body["atomicAmounts"])
	assert.Equal(t, "70", body["total"])

	rec, _ = do(t, h, http.MethodPost, target, `{"amount":"lots"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, h, http.MethodPost, target, `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, h, http.MethodGet, target, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_RateLimit(t *testing.T) {
	limiter := &memLimiter{}
	h := newTestServer(newFakeTracker(), limiter, Config{RateLimit: 2, RateWindow: time.Minute}, nil)

	for i := 0; i < 2; i++ {
		rec, _ := do(t, h, http.MethodGet, "/api/pools", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, body := do(t, h, http.MethodGet, "/api/pools", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate limit exceeded", body["error"])
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// health is exempt
	rec, _ = do(t, h, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// limiter failures fail open
	limiter.fails = true
	rec, _ = do(t, h, http.MethodGet, "/api/pools", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_CORS(t *testing.T) {
	h := newTestServer(newFakeTracker(), nil, Config{CORSOrigins: []string{"http://localhost:3000"}}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/pools", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/pools", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_RequestIDIsEchoed(t *testing.T) {
	h := newTestServer(newFakeTracker(), nil, Config{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set(middleware.RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(middleware.RequestIDHeader))
}
