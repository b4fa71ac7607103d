package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorum-trader/internal/orders"
	"quorum-trader/internal/store"
	"quorum-trader/internal/venue"
	"quorum-trader/pkg/types"
)

type stubVenue struct{}

func (stubVenue) Orderbook(context.Context, string) (*venue.Orderbook, error) {
	return &venue.Orderbook{Mid: "0.500"}, nil
}

func (stubVenue) CancelOrder(context.Context, string) error { return nil }

func testServer(t *testing.T, enabled bool) (*Server, *store.Handle) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	s, err := store.Open(filepath.Join(t.TempDir(), "api.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	h := s.Handle()

	firms := []types.Firm{
		{Name: "ChatGPT", ModelID: "gpt", Strategy: types.KellyConservative},
		{Name: "Claude", ModelID: "claude", Strategy: types.FixedFractional},
		{Name: "Gemini", ModelID: "gemini", Strategy: types.Proportional},
		{Name: "Grok", ModelID: "grok", Strategy: types.MartingaleModified},
		{Name: "DeepSeek", ModelID: "deepseek", Strategy: types.AntiMartingale},
	}

	mon := orders.NewMonitor(h, stubVenue{}, nil, orders.MonitorConfig{
		PriceMovePct: 0.15, StagnationAge: 168 * time.Hour, Interval: 30 * time.Minute,
	}, logger)

	srv := NewServer(Config{
		Port:           0,
		MonitorSecret:  "s3cret",
		InitialBalance: 50,
		Firms:          firms,
		SystemEnabled:  enabled,
		ConfiguredKeys: map[string]bool{"venue": true, "wallet": true},
	}, s, nil, mon, logger)
	return srv, h
}

func doJSON(t *testing.T, handler http.Handler, method, path string, headers map[string]string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	return rec.Code, body
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(t, true)

	code, body := doJSON(t, srv.Handler(), "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["store_reachable"])

	keys, ok := body["configured_keys"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, keys["venue"])
	// Never the key values themselves.
	for _, v := range keys {
		_, isBool := v.(bool)
		assert.True(t, isBool)
	}
}

func TestMonitorEndpointRequiresSecret(t *testing.T) {
	srv, _ := testServer(t, true)

	code, body := doJSON(t, srv.Handler(), "POST", "/admin/monitor-orders", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, false, body["success"])

	code, body = doJSON(t, srv.Handler(), "POST", "/admin/monitor-orders",
		map[string]string{"X-Monitor-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body = doJSON(t, srv.Handler(), "POST", "/admin/monitor-orders",
		map[string]string{"X-Monitor-Secret": "s3cret"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
}

func TestInitializePortfoliosIdempotent(t *testing.T) {
	srv, h := testServer(t, true)

	code, body := doJSON(t, srv.Handler(), "POST", "/admin/initialize-portfolios", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 5, body["firms"])

	// Mutate one balance, re-init, balance must survive.
	ctx := context.Background()
	p, err := h.Portfolio(ctx, "ChatGPT")
	require.NoError(t, err)
	p.Balance = 64
	p.PeakBalance = 64
	require.NoError(t, h.UpdatePortfolio(ctx, *p))

	code, _ = doJSON(t, srv.Handler(), "POST", "/admin/initialize-portfolios", nil)
	assert.Equal(t, http.StatusOK, code)

	p, err = h.Portfolio(ctx, "ChatGPT")
	require.NoError(t, err)
	assert.Equal(t, 64.0, p.Balance)
}

func TestLeaderboardOrdersByBalance(t *testing.T) {
	srv, h := testServer(t, true)
	doJSON(t, srv.Handler(), "POST", "/admin/initialize-portfolios", nil)

	ctx := context.Background()
	p, err := h.Portfolio(ctx, "Claude")
	require.NoError(t, err)
	p.Balance, p.PeakBalance = 80, 80
	require.NoError(t, h.UpdatePortfolio(ctx, *p))

	code, body := doJSON(t, srv.Handler(), "GET", "/api/leaderboard", nil)
	assert.Equal(t, http.StatusOK, code)

	entries, ok := body["leaderboard"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 5)
	first := entries[0].(map[string]any)
	assert.Equal(t, "Claude", first["firm"])
	assert.EqualValues(t, 1, first["rank"])
	assert.InDelta(t, 60.0, first["return_pct"].(float64), 1e-9)
}

func TestRunCycleDisabledSystem(t *testing.T) {
	srv, _ := testServer(t, false)

	code, body := doJSON(t, srv.Handler(), "POST", "/admin/run-cycle", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "disabled")
}

func TestReadEndpointsEmptyStore(t *testing.T) {
	srv, _ := testServer(t, true)

	for _, path := range []string{
		"/api/live-metrics",
		"/api/active-positions",
		"/api/ai-decisions-history",
		"/api/cancelled-orders",
		"/api/recent-trades",
		"/api/ai-trades/ChatGPT",
	} {
		code, body := doJSON(t, srv.Handler(), "GET", path, nil)
		assert.Equal(t, http.StatusOK, code, path)
		assert.Equal(t, true, body["success"], path)
	}
}
