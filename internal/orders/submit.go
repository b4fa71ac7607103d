// Package orders owns the order lifecycle: submission, the 3-strike
// monitor, cancellation, and reconciliation against the venue.
//
// Submission follows a strict two-transaction protocol. The APPROVED bet
// row is committed before the venue is called, so the record exists even
// if the process dies mid-submission; the venue's answer lands in a
// second transaction. The documented failure mode of the naive ordering
// — a logged bet whose persistence silently failed — cannot occur here.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"quorum-trader/internal/retry"
	"quorum-trader/internal/sizing"
	"quorum-trader/internal/store"
	"quorum-trader/internal/venue"
	"quorum-trader/pkg/types"
)

// submitVenue is the slice of the venue client submission needs.
type submitVenue interface {
	PlaceOrder(ctx context.Context, marketID, tokenID string, side types.Side, price string, amount float64) (string, error)
}

// Submitter drives the submission state machine.
type Submitter struct {
	store  *store.Handle
	venue  submitVenue
	logger *slog.Logger
	now    func() time.Time
}

// NewSubmitter creates a submitter.
func NewSubmitter(st *store.Handle, v submitVenue, logger *slog.Logger) *Submitter {
	return &Submitter{
		store:  st,
		venue:  v,
		logger: logger.With("component", "orders"),
		now:    time.Now,
	}
}

// Submit executes one approved candidate:
//
//  1. Commit the APPROVED bet row (with the daily spend) — the bet is now
//     canonical even if the process crashes.
//  2. Call the venue. The call runs on a context shielded from cycle
//     cancellation: an order the venue may already hold cannot be
//     un-submitted, so in-flight submissions always complete.
//  3. Commit the outcome: SUBMITTED + order ID, or FAILED + error text.
//
// The returned bet reflects the final state. An error is returned only
// when persistence itself fails.
func (s *Submitter) Submit(ctx context.Context, predictionID string, firm types.Firm, market types.Market, cand *sizing.Candidate) (*types.Bet, error) {
	now := s.now().UTC()
	bet := types.Bet{
		ID:            uuid.NewString(),
		PredictionID:  predictionID,
		Firm:          firm.Name,
		MarketID:      market.ID,
		TokenID:       cand.TokenID,
		Side:          cand.Side,
		Size:          cand.Size,
		LimitPrice:    cand.Price,
		Status:        types.BetApproved,
		ExpectedValue: cand.NetEV,
		CreatedAt:     now,
	}

	err := s.store.Tx(ctx, func() error {
		if err := s.store.SaveBet(ctx, bet, market.Category); err != nil {
			return err
		}
		return s.store.RecordBetSpend(ctx, firm.Name, types.DayOf(now), cand.Size)
	})
	if err != nil {
		return nil, fmt.Errorf("persist approved bet: %w", err)
	}

	s.logger.Info("[BET] approved",
		"firm", firm.Name, "market", market.ID, "token", cand.TokenID,
		"size", cand.Size, "price", cand.Price, "net_ev", cand.NetEV)

	// Pre-submit work may be cancelled; the submission itself may not.
	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 60*time.Second)
	defer cancel()

	var orderID string
	submitErr := retry.Do(submitCtx, retry.Default, retry.TransientOnly, func() error {
		var err error
		orderID, err = s.venue.PlaceOrder(submitCtx, market.ID, cand.TokenID, cand.Side,
			venue.FormatPrice(cand.Price), cand.Size)
		return err
	})

	stamp := now.Format(time.RFC3339Nano)
	if submitErr != nil {
		s.logger.Error("[BET] submission failed",
			"firm", firm.Name, "market", market.ID, "error", submitErr)
		if err := s.store.TransitionBet(ctx, bet.ID, types.BetFailed, "", submitErr.Error(), stamp); err != nil {
			return nil, err
		}
		bet.Status = types.BetFailed
		bet.FailReason = submitErr.Error()
		return &bet, nil
	}

	if err := s.store.TransitionBet(ctx, bet.ID, types.BetSubmitted, orderID, "", s.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}
	bet.Status = types.BetSubmitted
	bet.OrderID = orderID

	s.logger.Info("[BET] submitted",
		"firm", firm.Name, "market", market.ID, "order_id", orderID,
		"size", cand.Size, "price", venue.FormatPrice(cand.Price))
	return &bet, nil
}
