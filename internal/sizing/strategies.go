package sizing

import (
	"math"

	"quorum-trader/internal/config"
	"quorum-trader/pkg/types"
)

// desiredSize maps (prediction, portfolio, price) to the stake the
// firm's strategy wants, in quote units, before the risk guard clamps
// it. All coefficients come from config; the values shipped as defaults
// are the documented strategy behaviour.
func desiredSize(cfg config.SizingConfig, strategy types.SizingStrategy, pred *types.Prediction, p *types.Portfolio, price, winProb float64) float64 {
	confidence := pred.Confidence / 10

	switch strategy {
	case types.KellyConservative:
		return kellyConservative(cfg, p.Balance, price, winProb, confidence)
	case types.FixedFractional:
		return fixedFractional(p.Balance, pred.Confidence)
	case types.Proportional:
		return p.Balance * winProb * confidence * cfg.ProportionalFactor
	case types.MartingaleModified:
		return escalated(p.Balance, cfg.MartingaleStep, p.ConsecutiveLosses, cfg.MaxEscalations)
	case types.AntiMartingale:
		return escalated(p.Balance, cfg.AntiMartingaleStep, p.ConsecutiveWins, cfg.MaxEscalations)
	default:
		return fixedFractional(p.Balance, pred.Confidence)
	}
}

// kellyConservative bets a quarter of the full Kelly fraction, further
// scaled by confidence. b is the net odds of the position: 1/c − 1.
func kellyConservative(cfg config.SizingConfig, balance, price, winProb, confidence float64) float64 {
	b := 1/price - 1
	if b <= 0 {
		return 0
	}
	fullKelly := (winProb*b - (1 - winProb)) / b
	if fullKelly <= 0 {
		return 0
	}
	return balance * fullKelly * cfg.KellyFraction * confidence
}

// fixedFractional bets a tiered fraction of bankroll by confidence band:
// 2% at high conviction, 1% mid, 0.5% low.
func fixedFractional(balance, confidence float64) float64 {
	switch {
	case confidence >= 8:
		return balance * 0.02
	case confidence >= 5:
		return balance * 0.01
	default:
		return balance * 0.005
	}
}

// escalated scales a 1%-of-bankroll base by step^streak, with the streak
// capped so neither martingale variant can run away.
func escalated(balance, step float64, streak, maxEscalations int) float64 {
	if streak > maxEscalations {
		streak = maxEscalations
	}
	return balance * 0.01 * math.Pow(step, float64(streak))
}
