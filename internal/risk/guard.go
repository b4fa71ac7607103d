// Package risk is the 4-tier adaptive guard every candidate bet must
// pass.
//
// The tier derives from the firm's bankroll relative to its initial
// balance and controls the per-bet cap, the daily loss cap, and the open
// position cap. A drawdown below half the initial bankroll suspends the
// firm entirely. The guard is consulted after sizing: it may reduce a
// stake to the tier cap or veto it outright, and every veto carries a
// structured reason that is persisted as the prediction's skip rationale.
package risk

import (
	"context"
	"log/slog"
	"time"

	"quorum-trader/internal/sizing"
	"quorum-trader/pkg/types"
)

// Veto reasons.
const (
	ReasonSuspended        = "tier_suspended"
	ReasonDailyBetCount    = "daily_bet_count_exceeded"
	ReasonDailySpend       = "daily_spend_exceeded"
	ReasonDailyLossCap     = "daily_loss_cap_hit"
	ReasonCategoryExposure = "category_exposure_cap"
	ReasonInsufficient     = "insufficient_balance"
	ReasonBelowMinimum     = "below_minimum"
	ReasonBelowMinAfterCap = "below_minimum_after_tier_cap"
	ReasonMaxOpenPositions = "max_open_positions"
)

// tierLimits is one row of the tier table.
type tierLimits struct {
	tier         types.Tier
	maxBetFrac   float64 // of current bankroll
	dailyLossCap float64 // of initial balance, realized, per UTC day
	maxOpen      int
}

// tierTable maps bankroll ratio to limits. Thresholds are inclusive on
// the lower side: a balance at exactly 0.70× initial is Defensive.
var tierTable = []struct {
	minRatio float64
	limits   tierLimits
}{
	{0.85, tierLimits{types.TierConservative, 0.02, 0.10, 5}},
	{0.70, tierLimits{types.TierDefensive, 0.01, 0.07, 3}},
	{0.60, tierLimits{types.TierRecovery, 0.005, 0.05, 2}},
	{0.50, tierLimits{types.TierEmergency, 0.0025, 0.03, 1}},
}

// TierFor derives the risk tier from a portfolio.
func TierFor(p *types.Portfolio) types.Tier {
	return limitsFor(p).tier
}

func limitsFor(p *types.Portfolio) tierLimits {
	if p.InitialBalance <= 0 {
		return tierLimits{tier: types.TierSuspended}
	}
	ratio := p.Balance / p.InitialBalance
	for _, row := range tierTable {
		if ratio >= row.minRatio {
			return row.limits
		}
	}
	return tierLimits{tier: types.TierSuspended}
}

// Ledger is the slice of the store the guard reads. The guard opens no
// transaction of its own; its reads run in whatever transaction the
// caller holds. The cycle orchestrator calls Gate outside a transaction,
// and the submitter writes the bet and its counters afterwards in a
// separate one, so the decision and that write are not one atomic unit.
type Ledger interface {
	DailyCounter(ctx context.Context, firm, day string) (*types.DailyCounter, error)
	OpenPositionCount(ctx context.Context, firm string) (int, error)
	CategoryExposure(ctx context.Context, firm string, category types.Category) (float64, error)
}

// Limits are the deployment-level caps layered over the tier table.
type Limits struct {
	DailySpendCap       float64 // 0 = uncapped
	DailyBetLimit       int     // 0 = uncapped
	CategoryExposureCap float64 // fraction of balance, 0 = uncapped
	MinBet              float64
}

// Guard gates candidates.
type Guard struct {
	limits Limits
	logger *slog.Logger
}

// NewGuard creates the risk guard.
func NewGuard(limits Limits, logger *slog.Logger) *Guard {
	return &Guard{limits: limits, logger: logger.With("component", "risk")}
}

// Decision is the guard's verdict on one candidate.
type Decision struct {
	Approved bool
	Size     float64 // possibly reduced from the candidate's size
	Tier     types.Tier
	Reason   string // veto reason when !Approved
}

// Gate evaluates a candidate against the firm's tier and daily caps.
// now supplies the UTC calendar day for counter lookups.
func (g *Guard) Gate(ctx context.Context, ledger Ledger, p *types.Portfolio, category types.Category, cand *sizing.Candidate, now time.Time) (Decision, error) {
	limits := limitsFor(p)
	deny := func(reason string) Decision {
		g.logger.Info("bet vetoed",
			"firm", p.Firm, "tier", string(limits.tier), "reason", reason, "size", cand.Size)
		return Decision{Tier: limits.tier, Reason: reason}
	}

	if limits.tier == types.TierSuspended {
		return deny(ReasonSuspended), nil
	}

	counter, err := ledger.DailyCounter(ctx, p.Firm, types.DayOf(now))
	if err != nil {
		return Decision{}, err
	}

	if g.limits.DailyBetLimit > 0 && counter.BetsCount >= g.limits.DailyBetLimit {
		return deny(ReasonDailyBetCount), nil
	}

	// Realized losses today against the tier's loss cap (of initial
	// bankroll — the reference point that does not shrink as the day
	// goes badly).
	if counter.RealizedLoss >= limits.dailyLossCap*p.InitialBalance {
		return deny(ReasonDailyLossCap), nil
	}

	open, err := ledger.OpenPositionCount(ctx, p.Firm)
	if err != nil {
		return Decision{}, err
	}
	if open >= limits.maxOpen {
		return deny(ReasonMaxOpenPositions), nil
	}

	size := cand.Size

	// Tier per-bet cap. In the Conservative tier the 1.50 floor wins
	// over the percentage cap; in demoted tiers a reduction below the
	// floor is a veto.
	capSize := limits.maxBetFrac * p.Balance
	if limits.tier == types.TierConservative && capSize < g.limits.MinBet {
		capSize = g.limits.MinBet
	}
	if size > capSize {
		size = capSize
		if size < g.limits.MinBet {
			return deny(ReasonBelowMinAfterCap), nil
		}
	}

	// Daily spend cap: reduce into the remaining headroom when it still
	// clears the floor, veto otherwise.
	if g.limits.DailySpendCap > 0 {
		headroom := g.limits.DailySpendCap - counter.Spent
		if headroom < g.limits.MinBet {
			return deny(ReasonDailySpend), nil
		}
		if size > headroom {
			size = headroom
		}
	}

	// Category exposure cap.
	if g.limits.CategoryExposureCap > 0 {
		exposure, err := ledger.CategoryExposure(ctx, p.Firm, category)
		if err != nil {
			return Decision{}, err
		}
		if exposure+size > g.limits.CategoryExposureCap*p.Balance {
			return deny(ReasonCategoryExposure), nil
		}
	}

	if size > p.Balance {
		if p.Balance < g.limits.MinBet {
			return deny(ReasonInsufficient), nil
		}
		size = p.Balance
	}
	if size < g.limits.MinBet {
		return deny(ReasonBelowMinimum), nil
	}

	return Decision{Approved: true, Size: size, Tier: limits.tier}, nil
}
