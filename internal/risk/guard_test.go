package risk

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"quorum-trader/internal/sizing"
	"quorum-trader/pkg/types"
)

// fakeLedger serves scripted counter and exposure values.
type fakeLedger struct {
	counter  types.DailyCounter
	open     int
	exposure float64
}

func (f *fakeLedger) DailyCounter(_ context.Context, firm, day string) (*types.DailyCounter, error) {
	c := f.counter
	c.Firm, c.Day = firm, day
	return &c, nil
}

func (f *fakeLedger) OpenPositionCount(context.Context, string) (int, error) {
	return f.open, nil
}

func (f *fakeLedger) CategoryExposure(context.Context, string, types.Category) (float64, error) {
	return f.exposure, nil
}

func testGuard() *Guard {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewGuard(Limits{
		DailySpendCap: 5,
		DailyBetLimit: 10,
		MinBet:        1.50,
	}, logger)
}

func portfolio(balance, initial float64) *types.Portfolio {
	return &types.Portfolio{Firm: "ChatGPT", Balance: balance, InitialBalance: initial, PeakBalance: initial}
}

func candidate(size float64) *sizing.Candidate {
	return &sizing.Candidate{TokenID: "tok", Side: types.BUY, Price: 0.400, Size: size, WinProb: 0.6, NetEV: 0.455 * size}
}

func TestTierDerivation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		balance float64
		want    types.Tier
	}{
		{50.0, types.TierConservative},
		{42.5, types.TierConservative}, // exactly 0.85
		{42.4, types.TierDefensive},
		{35.0, types.TierDefensive}, // exactly 0.70 — inclusive lower bound
		{34.9, types.TierRecovery},
		{30.0, types.TierRecovery}, // exactly 0.60
		{29.9, types.TierEmergency},
		{25.0, types.TierEmergency}, // exactly 0.50
		{24.9, types.TierSuspended},
		{0, types.TierSuspended},
	}
	for _, tc := range cases {
		if got := TierFor(portfolio(tc.balance, 50)); got != tc.want {
			t.Errorf("TierFor(%.1f/50) = %s, want %s", tc.balance, got, tc.want)
		}
	}
}

func gate(t *testing.T, g *Guard, l Ledger, p *types.Portfolio, c *sizing.Candidate) Decision {
	t.Helper()
	d, err := g.Gate(context.Background(), l, p, types.CategoryCrypto, c, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestGateApprovesWithFloorOverCap(t *testing.T) {
	t.Parallel()

	// Conservative tier, 2% of 50 = 1.00 < floor: the 1.50 floor wins.
	d := gate(t, testGuard(), &fakeLedger{}, portfolio(50, 50), candidate(1.50))
	if !d.Approved {
		t.Fatalf("vetoed: %s", d.Reason)
	}
	if d.Size != 1.50 {
		t.Errorf("size = %v, want 1.50", d.Size)
	}
	if d.Tier != types.TierConservative {
		t.Errorf("tier = %s", d.Tier)
	}
}

func TestGateSuspended(t *testing.T) {
	t.Parallel()

	d := gate(t, testGuard(), &fakeLedger{}, portfolio(20, 50), candidate(1.50))
	if d.Approved || d.Reason != ReasonSuspended {
		t.Errorf("decision = %+v, want tier_suspended", d)
	}
}

func TestGateTierDemotionVetoesBelowFloor(t *testing.T) {
	t.Parallel()

	// Balance 33/50 → Recovery: 0.5% of 33 = 0.165 < 1.50 floor → veto.
	d := gate(t, testGuard(), &fakeLedger{}, portfolio(33, 50), candidate(2.00))
	if d.Approved || d.Reason != ReasonBelowMinAfterCap {
		t.Errorf("decision = %+v, want below_minimum_after_tier_cap", d)
	}
	if d.Tier != types.TierRecovery {
		t.Errorf("tier = %s, want Recovery", d.Tier)
	}
}

func TestGateDailyBetCount(t *testing.T) {
	t.Parallel()

	l := &fakeLedger{counter: types.DailyCounter{BetsCount: 10}}
	d := gate(t, testGuard(), l, portfolio(50, 50), candidate(1.50))
	if d.Approved || d.Reason != ReasonDailyBetCount {
		t.Errorf("decision = %+v, want daily_bet_count_exceeded", d)
	}
}

func TestGateDailySpendHeadroom(t *testing.T) {
	t.Parallel()

	// Spent 3.00 of the 5.00 TEST cap: headroom 2.00 ≥ floor, so a
	// 3.00 candidate is reduced to 2.00.
	l := &fakeLedger{counter: types.DailyCounter{Spent: 3.00}}
	d := gate(t, testGuard(), l, portfolio(200, 200), candidate(3.00))
	if !d.Approved {
		t.Fatalf("vetoed: %s", d.Reason)
	}
	if d.Size != 2.00 {
		t.Errorf("size = %v, want reduced to 2.00", d.Size)
	}

	// Spent 4.00: headroom 1.00 < floor → veto.
	l = &fakeLedger{counter: types.DailyCounter{Spent: 4.00}}
	d = gate(t, testGuard(), l, portfolio(200, 200), candidate(3.00))
	if d.Approved || d.Reason != ReasonDailySpend {
		t.Errorf("decision = %+v, want daily_spend_exceeded", d)
	}
}

func TestGateDailyLossCap(t *testing.T) {
	t.Parallel()

	// Conservative loss cap 10% of initial 50 = 5.00.
	l := &fakeLedger{counter: types.DailyCounter{RealizedLoss: 5.00}}
	d := gate(t, testGuard(), l, portfolio(45, 50), candidate(1.50))
	if d.Approved || d.Reason != ReasonDailyLossCap {
		t.Errorf("decision = %+v, want daily_loss_cap_hit", d)
	}
}

func TestGateMaxOpenPositions(t *testing.T) {
	t.Parallel()

	// Defensive tier allows 3 open positions.
	l := &fakeLedger{open: 3}
	d := gate(t, testGuard(), l, portfolio(36, 50), candidate(1.50))
	if d.Approved || d.Reason != ReasonMaxOpenPositions {
		t.Errorf("decision = %+v, want max_open_positions", d)
	}
}

func TestGateCategoryExposure(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	g := NewGuard(Limits{CategoryExposureCap: 0.10, MinBet: 1.50}, logger)

	// 10% of 200 = 20 cap; 19 already exposed, 1.50 more breaches.
	l := &fakeLedger{exposure: 19}
	d := gate(t, g, l, portfolio(200, 200), candidate(1.50))
	if d.Approved || d.Reason != ReasonCategoryExposure {
		t.Errorf("decision = %+v, want category_exposure_cap", d)
	}
}

func TestGateInsufficientBalance(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	g := NewGuard(Limits{MinBet: 1.50}, logger)

	// Balance 1.00 < floor, but tier is Conservative (initial 1.00).
	d := gate(t, g, &fakeLedger{}, portfolio(1.00, 1.00), candidate(1.50))
	if d.Approved || d.Reason != ReasonInsufficient {
		t.Errorf("decision = %+v, want insufficient_balance", d)
	}
}
