// Package sizing turns a validated prediction into a priced, sized order
// candidate.
//
// The engine selects the side, probes the orderbook for a buy price,
// computes expected value net of the venue's win-time fee, and sizes the
// stake with the firm's strategy. Candidates with non-positive net EV are
// never emitted. The 4-tier risk guard gates everything downstream.
package sizing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"quorum-trader/internal/config"
	"quorum-trader/internal/retry"
	"quorum-trader/internal/venue"
	"quorum-trader/pkg/types"
)

// Skip reasons emitted by the engine.
const (
	SkipNoPrice             = "no_price_data"
	SkipNegativeEV          = "negative_ev"
	SkipFloorExceedsBalance = "floor_exceeds_balance"
	SkipZeroSize            = "zero_size"
)

// bookProber is the slice of the venue client the engine needs.
type bookProber interface {
	Orderbook(ctx context.Context, tokenID string) (*venue.Orderbook, error)
}

// Candidate is a fully-priced order intent, ready for the risk guard.
type Candidate struct {
	TokenID string
	Side    types.Side // always BUY; the NO view buys the NO token
	IsYes   bool
	Price   float64 // rounded to 3 decimals, in [0.001, 0.999]
	Size    float64 // quote units, ≥ the minimum bet floor
	WinProb float64 // model probability of the chosen side winning
	NetEV   float64 // expected value of this stake net of fees
}

// Engine computes candidates.
type Engine struct {
	cfg    config.SizingConfig
	fee    float64 // venue taker fee, paid only on payout at win time
	prober bookProber
	logger *slog.Logger
}

// NewEngine creates the sizing engine.
func NewEngine(cfg config.SizingConfig, takerFee float64, prober bookProber, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		fee:    takerFee,
		prober: prober,
		logger: logger.With("component", "sizing"),
	}
}

// BuildCandidate produces an order candidate for a prediction, or a skip
// reason when no bet should be emitted. An error is returned only for
// unexpected failures; expected outcomes (no price, negative EV, floor
// over balance) come back as skip reasons.
func (e *Engine) BuildCandidate(ctx context.Context, firm types.Firm, pred *types.Prediction, market types.Market, portfolio *types.Portfolio) (*Candidate, string, error) {
	// Side selection: YES when p ≥ 0.5, ties break to YES.
	isYes := pred.Probability >= 0.5
	tokenID := market.YesTokenID
	winProb := pred.Probability
	if !isYes {
		tokenID = market.NoTokenID
		winProb = 1 - pred.Probability
	}

	price, ok := e.probeBuyPrice(ctx, tokenID)
	if !ok {
		return nil, SkipNoPrice, nil
	}
	price = roundPrice(price)
	if price <= 0 || price >= 1 {
		return nil, SkipNoPrice, nil
	}

	unitEV := unitNetEV(winProb, price, e.fee)

	// Both sides profitable only happens with a stale book; take the
	// larger edge and note it. The opposite side's buy price comes from
	// the listing snapshot: the YES ask directly, or the complement of
	// the YES bid for the NO token.
	otherPrice := market.AskPrice
	if isYes {
		otherPrice = roundPrice(1 - market.BidPrice)
	}
	if market.BidPrice > 0 && otherPrice > 0 && otherPrice < 1 {
		otherEV := unitNetEV(1-winProb, otherPrice, e.fee)
		if unitEV > 0 && otherEV > unitEV {
			e.logger.Debug("both sides profitable, taking larger edge",
				"market", market.ID, "chosen_ev", otherEV, "passed_ev", unitEV)
			isYes = !isYes
			if isYes {
				tokenID = market.YesTokenID
			} else {
				tokenID = market.NoTokenID
			}
			winProb, price, unitEV = 1-winProb, otherPrice, otherEV
		}
	}

	if unitEV <= 0 {
		return nil, SkipNegativeEV, nil
	}

	size := desiredSize(e.cfg, firm.Strategy, pred, portfolio, price, winProb)
	if size <= 0 {
		return nil, SkipZeroSize, nil
	}

	// The 1.50 floor wins over percentage caps but never over the
	// available balance.
	if size < e.cfg.MinBet {
		size = e.cfg.MinBet
	}
	if size > portfolio.Balance {
		if e.cfg.MinBet > portfolio.Balance {
			return nil, SkipFloorExceedsBalance, nil
		}
		size = portfolio.Balance
	}
	size = venue.FormatAmount(size)

	return &Candidate{
		TokenID: tokenID,
		Side:    types.BUY,
		IsYes:   isYes,
		Price:   price,
		Size:    size,
		WinProb: winProb,
		NetEV:   unitEV * size,
	}, "", nil
}

// probeBuyPrice fetches the chosen side's buy price with up to 3
// attempts, falling back ASK → mid → BID+spread when the book is only
// partially populated.
func (e *Engine) probeBuyPrice(ctx context.Context, tokenID string) (float64, bool) {
	var book *venue.Orderbook
	err := retry.Do(ctx, retry.Default, func(error) bool { return true }, func() error {
		var err error
		book, err = e.prober.Orderbook(ctx, tokenID)
		if err != nil {
			return err
		}
		if book == nil {
			return fmt.Errorf("empty orderbook response")
		}
		return nil
	})
	if err != nil {
		e.logger.Warn("orderbook probe failed", "token", tokenID, "error", err)
		return 0, false
	}

	if ask, ok := venue.ParsePrice(book.Ask); ok && ask > 0 {
		return ask, true
	}
	if mid, ok := venue.ParsePrice(book.Mid); ok && mid > 0 {
		return mid, true
	}
	bid, bidOK := venue.ParsePrice(book.Bid)
	spread, spreadOK := venue.ParsePrice(book.Spread)
	if bidOK && spreadOK && bid > 0 {
		return bid + spread, true
	}
	return 0, false
}

// unitNetEV is the expected value of a 1-unit stake at buy price c with
// win probability p. The fee applies only to the payout at win time:
//
//	gross = p·(1/c − 1) − (1 − p)
//	fee   = p·(1/c)·f
func unitNetEV(p, c, f float64) float64 {
	gross := p*(1/c-1) - (1 - p)
	fee := p * (1 / c) * f
	return gross - fee
}

func roundPrice(p float64) float64 {
	v, _ := decimal.NewFromFloat(p).Round(3).Float64()
	if v < 0.001 {
		v = 0.001
	}
	if v > 0.999 {
		v = 0.999
	}
	return v
}
