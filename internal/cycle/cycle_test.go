package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"quorum-trader/internal/analysis"
	"quorum-trader/internal/collect"
	"quorum-trader/internal/config"
	"quorum-trader/internal/datacache"
	"quorum-trader/internal/markets"
	"quorum-trader/internal/model"
	"quorum-trader/internal/orders"
	"quorum-trader/internal/risk"
	"quorum-trader/internal/sizing"
	"quorum-trader/internal/store"
	"quorum-trader/internal/venue"
	"quorum-trader/pkg/types"
)

// fakeVenue implements every venue surface the cycle touches.
type fakeVenue struct {
	summaries []venue.MarketSummary
	details   map[string]*venue.MarketDetail
	books     map[string]*venue.Orderbook
	listErr   error
	placed    int
}

func (f *fakeVenue) Markets(_ context.Context, limit, offset int) ([]venue.MarketSummary, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if offset > 0 {
		return nil, nil
	}
	return f.summaries, nil
}

func (f *fakeVenue) Market(_ context.Context, id string) (*venue.MarketDetail, error) {
	return f.details[id], nil
}

func (f *fakeVenue) Orderbook(_ context.Context, tokenID string) (*venue.Orderbook, error) {
	if b, ok := f.books[tokenID]; ok {
		return b, nil
	}
	return nil, errors.New("no book")
}

func (f *fakeVenue) PlaceOrder(context.Context, string, string, types.Side, string, float64) (string, error) {
	f.placed++
	return "ord-1", nil
}

func (f *fakeVenue) CancelOrder(context.Context, string) error { return nil }

func (f *fakeVenue) MyTrades(context.Context, time.Time) ([]venue.Trade, error) { return nil, nil }

func (f *fakeVenue) Redeem(context.Context, string) (string, error) { return "tx", nil }

// fakeModel returns one scripted decision blob for every prompt.
type fakeModel struct{ blob string }

func (f *fakeModel) ModelID() string { return "fake" }

func (f *fakeModel) Predict(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(f.blob), nil
}

type neutralCollector struct{ source collect.Source }

func (n *neutralCollector) Source() collect.Source { return n.source }

func (n *neutralCollector) Collect(_ context.Context, symbol string) (collect.Report, error) {
	return collect.Report{Source: n.source, Symbol: symbol, Score: 7, Summary: "ok"}, nil
}

const decisionBlob = `{
	"probability": 0.60,
	"confidence": 8,
	"scores": {"sentiment": 7, "news": 7, "technical": 7, "fundamental": 7, "volatility": 7},
	"analyses": {"sentiment": "a", "news": "b", "technical": "c", "fundamental": "d", "volatility": "e"},
	"probability_reasoning": "edge over market"
}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testFirms = []types.Firm{
	{Name: "ChatGPT", ModelID: "gpt", Strategy: types.KellyConservative},
	{Name: "Claude", ModelID: "claude", Strategy: types.FixedFractional},
	{Name: "Gemini", ModelID: "gemini", Strategy: types.Proportional},
	{Name: "Grok", ModelID: "grok", Strategy: types.MartingaleModified},
	{Name: "DeepSeek", ModelID: "deepseek", Strategy: types.AntiMartingale},
}

func cryptoMarket(id string) (venue.MarketSummary, *venue.MarketDetail) {
	s := venue.MarketSummary{
		MarketID: id, Title: "Market " + id, Category: "Crypto",
		Status: "ACTIVATED", Volume: 1000, Liquidity: 500,
	}
	d := &venue.MarketDetail{
		MarketSummary: s,
		YesTokenID:    "yes-" + id,
		NoTokenID:     "no-" + id,
		AskPrice:      "0.400",
		BidPrice:      "0.380",
	}
	return s, d
}

func newOrchestrator(t *testing.T, fv *fakeVenue, deadline time.Duration) (*Orchestrator, *store.Handle) {
	t.Helper()
	logger := testLogger()

	s, err := store.Open(filepath.Join(t.TempDir(), "cycle.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	h := s.Handle()

	ctx := context.Background()
	for _, f := range testFirms {
		if err := h.RegisterFirm(ctx, f); err != nil {
			t.Fatal(err)
		}
		if err := h.InitPortfolio(ctx, f.Name, 50, time.Now()); err != nil {
			t.Fatal(err)
		}
	}

	collectors := collect.Set{}
	for _, src := range collect.Sources {
		collectors[src] = &neutralCollector{source: src}
	}
	cache := datacache.New()

	models := make(map[string]model.Client, len(testFirms))
	for _, f := range testFirms {
		models[f.Name] = &fakeModel{blob: decisionBlob}
	}

	sizingCfg := config.SizingConfig{
		MinBet: 1.50, KellyFraction: 0.25, ProportionalFactor: 0.02,
		MartingaleStep: 1.5, AntiMartingaleStep: 1.3, MaxEscalations: 3,
	}

	o := New(Deps{
		Store:      h,
		Fetcher:    markets.NewFetcher(fv, 20, 200, logger),
		Cache:      cache,
		Assembler:  analysis.NewAssembler(collectors, cache, logger),
		Engine:     sizing.NewEngine(sizingCfg, 0.03, fv, logger),
		Guard:      risk.NewGuard(risk.Limits{DailySpendCap: 5, DailyBetLimit: 10, MinBet: 1.50}, logger),
		Submitter:  orders.NewSubmitter(h, fv, logger),
		Reconciler: orders.NewReconciler(h, fv, 0.03, logger),
		Firms:      testFirms,
		Models:     models,
		Personas:   map[string]string{},
		Deadline:   deadline,
		Logger:     logger,
	})
	return o, h
}

func oneMarketVenue() *fakeVenue {
	s, d := cryptoMarket("m1")
	return &fakeVenue{
		summaries: []venue.MarketSummary{s},
		details:   map[string]*venue.MarketDetail{"m1": d},
		books: map[string]*venue.Orderbook{
			"yes-m1": {TokenID: "yes-m1", Ask: "0.400", Bid: "0.380", Mid: "0.390"},
			"no-m1":  {TokenID: "no-m1", Ask: "0.620", Bid: "0.580", Mid: "0.600"},
		},
	}
}

func TestRunCycleHappyPath(t *testing.T) {
	fv := oneMarketVenue()
	o, h := newOrchestrator(t, fv, time.Minute)
	ctx := context.Background()

	rec, err := o.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != types.CycleComplete {
		t.Errorf("status = %s, want COMPLETE", rec.Status)
	}
	if rec.MarketsFetched != 1 || rec.MarketsTradable != 1 {
		t.Errorf("markets = %d/%d", rec.MarketsFetched, rec.MarketsTradable)
	}
	if rec.PerCategory[types.CategoryCrypto] != 1 {
		t.Errorf("per-category = %v", rec.PerCategory)
	}

	// Every firm produced a prediction for the market.
	preds, err := h.Predictions(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(preds) != len(testFirms) {
		t.Fatalf("predictions = %d, want %d", len(preds), len(testFirms))
	}

	// TEST-mode spend cap is per firm, so each firm placed its bet.
	if rec.BetsExecuted == 0 {
		t.Error("expected at least one executed bet")
	}
	if rec.BetsExecuted != fv.placed {
		t.Errorf("executed %d but venue saw %d", rec.BetsExecuted, fv.placed)
	}
}

func TestRunCycleIsIdempotentPerDay(t *testing.T) {
	fv := oneMarketVenue()
	o, h := newOrchestrator(t, fv, time.Minute)
	ctx := context.Background()

	if _, err := o.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	placedAfterFirst := fv.placed

	// Re-running the same day must not double-book the same markets.
	if _, err := o.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if fv.placed != placedAfterFirst {
		t.Errorf("second run placed %d more orders", fv.placed-placedAfterFirst)
	}

	preds, err := h.Predictions(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(preds) != len(testFirms) {
		t.Errorf("predictions = %d after re-run, want %d", len(preds), len(testFirms))
	}
}

func TestRunCycleFetchFailure(t *testing.T) {
	fv := &fakeVenue{listErr: errors.New("venue down")}
	o, h := newOrchestrator(t, fv, time.Minute)
	ctx := context.Background()

	rec, err := o.RunCycle(ctx)
	if err == nil {
		t.Fatal("expected error when fetch fails")
	}
	if rec.Status != types.CycleFailed {
		t.Errorf("status = %s, want FAILED", rec.Status)
	}

	cycles, err := h.Cycles(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(cycles) != 1 || cycles[0].Status != types.CycleFailed {
		t.Errorf("persisted cycles = %+v", cycles)
	}
}

func TestRunCycleDeadlinePartial(t *testing.T) {
	fv := oneMarketVenue()
	o, _ := newOrchestrator(t, fv, time.Minute)
	ctx := context.Background()

	// Force the deadline to fire immediately after the fetch: every
	// pair sees an expired context and the cycle closes PARTIAL.
	o.deadline = time.Nanosecond

	rec, err := o.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != types.CyclePartial {
		t.Errorf("status = %s, want PARTIAL", rec.Status)
	}
}
