package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"quorum-trader/internal/store"
	"quorum-trader/internal/venue"
	"quorum-trader/pkg/types"
)

// Reconciliation compares local bet state against the venue's
// authoritative record: trade fills move SUBMITTED bets to FILLED, market
// resolutions settle profit/loss into the firm portfolios, and winning
// positions are redeemed on-chain. Every settlement for one bet happens
// in a single transaction, and settlement is idempotent — a re-run with
// no new venue activity changes nothing.

// reconcileVenue is the venue surface reconciliation uses.
type reconcileVenue interface {
	MyTrades(ctx context.Context, since time.Time) ([]venue.Trade, error)
	Market(ctx context.Context, marketID string) (*venue.MarketDetail, error)
	Redeem(ctx context.Context, marketID string) (string, error)
}

// Reconciler settles venue state into the store.
type Reconciler struct {
	store  *store.Handle
	venue  reconcileVenue
	fee    float64 // taker fee applied to winning payouts
	logger *slog.Logger
	now    func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(st *store.Handle, v reconcileVenue, takerFee float64, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  st,
		venue:  v,
		fee:    takerFee,
		logger: logger.With("component", "reconcile"),
		now:    time.Now,
	}
}

// Summary reports one reconciliation run.
type Summary struct {
	Fills           int `json:"fills"`
	Settled         int `json:"settled"`
	Redeemed        int `json:"redeemed"`
	RedeemsDeferred int `json:"redeems_deferred"`
	ExpiredUnfilled int `json:"expired_unfilled"`
}

// Run performs one reconciliation pass.
func (r *Reconciler) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{}

	// First, retry redemptions deferred on a previous low-gas pass.
	if pending, err := r.store.PendingRedemptions(ctx); err == nil {
		for _, bet := range pending {
			if _, err := r.venue.Redeem(ctx, bet.MarketID); err != nil {
				if errors.Is(err, venue.ErrLowGas) {
					summary.RedeemsDeferred++
					continue
				}
				r.logger.Error("deferred redemption failed", "market", bet.MarketID, "error", err)
				continue
			}
			if err := r.store.SetRedeemPending(ctx, bet.ID, false); err != nil {
				r.logger.Error("clear redeem flag failed", "bet", bet.ID, "error", err)
				continue
			}
			summary.Redeemed++
		}
	}

	bets, err := r.store.UnresolvedBets(ctx)
	if err != nil {
		return nil, fmt.Errorf("load unresolved bets: %w", err)
	}
	if len(bets) == 0 {
		return summary, nil
	}

	// Fills: anything the venue matched that we still hold as SUBMITTED.
	since := bets[0].CreatedAt
	trades, err := r.venue.MyTrades(ctx, since)
	if err != nil {
		r.logger.Warn("trade history unavailable, skipping fill sync", "error", err)
	} else {
		filled := make(map[string]bool, len(trades))
		for _, t := range trades {
			filled[t.OrderID] = true
		}
		for i := range bets {
			bet := &bets[i]
			if bet.Status != types.BetSubmitted || !filled[bet.OrderID] {
				continue
			}
			stamp := r.now().UTC().Format(time.RFC3339Nano)
			if err := r.store.TransitionBet(ctx, bet.ID, types.BetFilled, "", "", stamp); err != nil {
				r.logger.Error("fill transition failed", "bet", bet.ID, "error", err)
				continue
			}
			bet.Status = types.BetFilled
			summary.Fills++
		}
	}

	// Resolutions: settle every bet whose market has resolved.
	detailCache := make(map[string]*venue.MarketDetail)
	for i := range bets {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		bet := &bets[i]

		detail, ok := detailCache[bet.MarketID]
		if !ok {
			var err error
			detail, err = r.venue.Market(ctx, bet.MarketID)
			if err != nil {
				r.logger.Error("market detail fetch failed", "market", bet.MarketID, "error", err)
				continue
			}
			detailCache[bet.MarketID] = detail
		}
		if detail == nil || types.NormalizeMarketStatus(detail.Status) != types.MarketResolved {
			continue
		}

		if err := r.settle(ctx, bet, detail, summary); err != nil {
			r.logger.Error("settlement failed", "bet", bet.ID, "error", err)
		}
	}

	r.logger.Info("reconciliation complete",
		"fills", summary.Fills, "settled", summary.Settled,
		"redeemed", summary.Redeemed, "deferred", summary.RedeemsDeferred)
	return summary, nil
}

// settle applies one market resolution to one bet.
func (r *Reconciler) settle(ctx context.Context, bet *types.Bet, detail *venue.MarketDetail, summary *Summary) error {
	now := r.now().UTC()
	stamp := now.Format(time.RFC3339Nano)

	// An order that never filled before resolution is dead stock, not a
	// position: cancel it locally with no portfolio impact.
	if bet.Status == types.BetSubmitted {
		if err := r.store.TransitionBet(ctx, bet.ID, types.BetCancelled, "", "", stamp); err != nil {
			return err
		}
		summary.ExpiredUnfilled++
		return nil
	}

	won := detail.WinnerTokenID != "" && detail.WinnerTokenID == bet.TokenID
	result := 0
	var profitLoss float64
	if won {
		result = 1
		// Payout = size/price, fee charged on the payout at win time.
		profitLoss = bet.Size/bet.LimitPrice*(1-r.fee) - bet.Size
	} else {
		profitLoss = -bet.Size
	}

	var applied bool
	err := r.store.Tx(ctx, func() error {
		var err error
		applied, err = r.store.ResolveBet(ctx, bet.ID, result, profitLoss, stamp)
		if err != nil || !applied {
			return err
		}
		if err := r.store.ApplyResult(ctx, bet.Firm, profitLoss, won, now); err != nil {
			return err
		}
		if !won {
			return r.store.RecordRealizedLoss(ctx, bet.Firm, types.DayOf(now), bet.Size)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil // already settled on a previous run
	}
	summary.Settled++

	r.logger.Info("bet settled",
		"firm", bet.Firm, "market", bet.MarketID, "won", won, "pnl", profitLoss)

	if won {
		if _, err := r.venue.Redeem(ctx, bet.MarketID); err != nil {
			if errors.Is(err, venue.ErrLowGas) {
				r.logger.Warn("redemption deferred: custody wallet low on gas", "market", bet.MarketID)
				summary.RedeemsDeferred++
				return r.store.SetRedeemPending(ctx, bet.ID, true)
			}
			return fmt.Errorf("redeem %s: %w", bet.MarketID, err)
		}
		summary.Redeemed++
	}
	return nil
}
