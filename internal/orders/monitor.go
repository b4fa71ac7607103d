package orders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"quorum-trader/internal/store"
	"quorum-trader/internal/venue"
	"quorum-trader/pkg/types"
)

// The monitor walks every SUBMITTED, unresolved bet and evaluates three
// factors per review:
//
//  1. Price manipulation — market moved more than the threshold away
//     from the submission price.
//  2. Stagnation — the order has rested unfilled for more than a week.
//  3. AI contradiction — a fresh evaluation by the same firm lands on
//     the other side of 0.5.
//
// Any tripped factor issues a strike; a clean review RESETS the counter
// (strikes must be consecutive). The third consecutive strike cancels
// the order at the venue and writes a CancelledOrder row carrying the
// full review history.

// monitorVenue is the venue surface the monitor uses.
type monitorVenue interface {
	Orderbook(ctx context.Context, tokenID string) (*venue.Orderbook, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// Reevaluator produces a fresh probability for (firm, market). Used for
// the AI-contradiction factor; an error means the factor cannot be
// evaluated this pass and does not trip.
type Reevaluator func(ctx context.Context, firm, marketID string) (probability float64, err error)

// MonitorConfig are the strike thresholds.
type MonitorConfig struct {
	PriceMovePct  float64       // e.g. 0.15
	StagnationAge time.Duration // e.g. 168h
	Interval      time.Duration // review bucket; reviews inside it are skipped
}

// Monitor runs strike passes.
type Monitor struct {
	store      *store.Handle
	venue      monitorVenue
	reevaluate Reevaluator
	cfg        MonitorConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewMonitor creates the order monitor.
func NewMonitor(st *store.Handle, v monitorVenue, reevaluate Reevaluator, cfg MonitorConfig, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:      st,
		venue:      v,
		reevaluate: reevaluate,
		cfg:        cfg,
		logger:     logger.With("component", "monitor"),
		now:        time.Now,
	}
}

// PassSummary reports one monitor pass.
type PassSummary struct {
	Reviewed  int `json:"reviewed"`
	Skipped   int `json:"skipped"`
	Strikes   int `json:"strikes"`
	Cancelled int `json:"cancelled"`
}

// RunPass reviews all open orders once. Reviews are bucketed by the
// monitor interval: a bet reviewed within the current bucket is skipped,
// so running the pass twice back-to-back leaves the history identical to
// running it once.
func (m *Monitor) RunPass(ctx context.Context) (*PassSummary, error) {
	open, err := m.store.OpenBets(ctx)
	if err != nil {
		return nil, fmt.Errorf("load open bets: %w", err)
	}

	summary := &PassSummary{}
	for _, bet := range open {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		reviews, err := m.store.BetReviews(ctx, bet.ID)
		if err != nil {
			m.logger.Error("load reviews failed", "bet", bet.ID, "error", err)
			continue
		}
		if len(reviews) > 0 && m.now().Sub(reviews[len(reviews)-1].Timestamp) < m.cfg.Interval {
			summary.Skipped++
			continue
		}

		review := m.evaluate(ctx, &bet)
		reviews = append(reviews, review)
		summary.Reviewed++

		strikes := 0
		if review.StrikeIssued {
			strikes = bet.Strikes + 1
			summary.Strikes++
		}

		if strikes >= 3 {
			if err := m.cancel(ctx, &bet, reviews); err != nil {
				m.logger.Error("cancel failed", "bet", bet.ID, "order_id", bet.OrderID, "error", err)
				// Keep the strike on record; the next pass retries.
				if err := m.store.UpdateBetStrikes(ctx, bet.ID, strikes, reviews); err != nil {
					m.logger.Error("persist strikes failed", "bet", bet.ID, "error", err)
				}
				continue
			}
			summary.Cancelled++
			continue
		}

		if err := m.store.UpdateBetStrikes(ctx, bet.ID, strikes, reviews); err != nil {
			m.logger.Error("persist strikes failed", "bet", bet.ID, "error", err)
		}
	}

	m.logger.Info("monitor pass complete",
		"reviewed", summary.Reviewed, "skipped", summary.Skipped,
		"strikes", summary.Strikes, "cancelled", summary.Cancelled)
	return summary, nil
}

// evaluate runs the three factors for one bet.
func (m *Monitor) evaluate(ctx context.Context, bet *types.Bet) types.StrikeReview {
	now := m.now().UTC()
	review := types.StrikeReview{
		Timestamp: now,
		AgeHours:  now.Sub(bet.ExecutedAt).Hours(),
	}

	// Factor 1: price moved away from the submission price.
	if price, ok := m.currentPrice(ctx, bet.TokenID); ok && bet.LimitPrice > 0 {
		delta := (price - bet.LimitPrice) / bet.LimitPrice
		if delta < 0 {
			delta = -delta
		}
		review.PriceDeltaPct = delta
		if delta > m.cfg.PriceMovePct {
			review.StrikeIssued = true
			review.Reason = fmt.Sprintf("price moved %.1f%% from submission", delta*100)
		}
	}

	// Factor 2: stagnation.
	if !bet.ExecutedAt.IsZero() && now.Sub(bet.ExecutedAt) > m.cfg.StagnationAge {
		review.StrikeIssued = true
		if review.Reason == "" {
			review.Reason = fmt.Sprintf("unfilled for %.0f hours", review.AgeHours)
		}
	}

	// Factor 3: the firm's fresh view lands on the other side of 0.5
	// from the firm's most recent saved prediction on this market.
	// Skipped when either the re-evaluation or that prediction is
	// unavailable.
	if m.reevaluate != nil {
		pred, perr := m.store.LatestPrediction(ctx, bet.Firm, bet.MarketID)
		if perr == nil && pred != nil {
			if prob, err := m.reevaluate(ctx, bet.Firm, bet.MarketID); err == nil {
				heldYes := pred.Probability >= 0.5
				contradicts := (heldYes && prob < 0.5) || (!heldYes && prob >= 0.5)
				review.AIContradicts = contradicts
				if contradicts {
					review.StrikeIssued = true
					if review.Reason == "" {
						review.Reason = fmt.Sprintf("model flipped to %.2f", prob)
					}
				}
			}
		}
	}

	return review
}

// currentPrice reads the market's current price for a token: mid when
// present, else ask, else bid.
func (m *Monitor) currentPrice(ctx context.Context, tokenID string) (float64, bool) {
	book, err := m.venue.Orderbook(ctx, tokenID)
	if err != nil || book == nil {
		return 0, false
	}
	if mid, ok := venue.ParsePrice(book.Mid); ok && mid > 0 {
		return mid, true
	}
	if ask, ok := venue.ParsePrice(book.Ask); ok && ask > 0 {
		return ask, true
	}
	if bid, ok := venue.ParsePrice(book.Bid); ok && bid > 0 {
		return bid, true
	}
	return 0, false
}

// cancel pulls the order at the venue, then records the cancellation and
// the bet transition in one transaction.
func (m *Monitor) cancel(ctx context.Context, bet *types.Bet, reviews []types.StrikeReview) error {
	if err := m.venue.CancelOrder(ctx, bet.OrderID); err != nil {
		return err
	}

	now := m.now().UTC()
	reason := "3 consecutive strikes"
	if last := reviews[len(reviews)-1]; last.Reason != "" {
		reason = fmt.Sprintf("3 consecutive strikes, last: %s", last.Reason)
	}

	err := m.store.Tx(ctx, func() error {
		if err := m.store.UpdateBetStrikes(ctx, bet.ID, 3, reviews); err != nil {
			return err
		}
		if err := m.store.SaveCancelledOrder(ctx, types.CancelledOrder{
			OrderID:      bet.OrderID,
			Firm:         bet.Firm,
			MarketID:     bet.MarketID,
			Strikes:      reviews,
			CancelReason: reason,
			CancelledAt:  now,
		}); err != nil {
			return err
		}
		return m.store.TransitionBet(ctx, bet.ID, types.BetCancelled, "", "", now.Format(time.RFC3339Nano))
	})
	if err != nil {
		return err
	}

	m.logger.Warn("order cancelled by monitor",
		"firm", bet.Firm, "market", bet.MarketID, "order_id", bet.OrderID, "reason", reason)
	return nil
}
