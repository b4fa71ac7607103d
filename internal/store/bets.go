package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"quorum-trader/pkg/types"
)

// SaveBet inserts a new bet row. Only APPROVED bets may be inserted: the
// approved row must be committed before any submission attempt, so a
// crash mid-submission leaves an auditable record.
func (h *Handle) SaveBet(ctx context.Context, b types.Bet, category types.Category) error {
	if b.Status != types.BetApproved {
		return &types.IntegrityError{Entity: "bet", Reason: "new bets must be APPROVED, got " + string(b.Status)}
	}
	if b.LimitPrice <= 0 || b.LimitPrice >= 1 {
		return &types.IntegrityError{Entity: "bet", Reason: fmt.Sprintf("limit price %v out of (0,1)", b.LimitPrice)}
	}

	reviews, err := json.Marshal([]types.StrikeReview{})
	if err != nil {
		return err
	}
	_, err = h.q().ExecContext(ctx,
		`INSERT INTO bets
			(id, prediction_id, firm, market_id, category, token_id, side,
			 size, limit_price, status, expected_value, reviews, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.PredictionID, b.Firm, b.MarketID, string(category), b.TokenID, string(b.Side),
		b.Size, b.LimitPrice, string(b.Status), b.ExpectedValue, string(reviews), encodeTime(b.CreatedAt))
	return mapSQLError("save bet", err)
}

// Bet reads one bet by ID.
func (h *Handle) Bet(ctx context.Context, id string) (*types.Bet, error) {
	row := h.q().QueryRowContext(ctx, betSelect+` WHERE id = ?`, id)
	b, err := scanBet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.IntegrityError{Entity: "bet", Reason: "no bet " + id}
	}
	if err != nil {
		return nil, mapSQLError("get bet", err)
	}
	return &b, nil
}

// TransitionBet moves a bet to a new status, asserting the transition
// table. orderID is recorded on SUBMITTED, failReason on FAILED, and the
// execution timestamp on SUBMITTED.
func (h *Handle) TransitionBet(ctx context.Context, id string, to types.BetStatus, orderID, failReason string, now string) error {
	return h.Tx(ctx, func() error {
		b, err := h.Bet(ctx, id)
		if err != nil {
			return err
		}
		if !b.Status.CanTransition(to) {
			return &types.IntegrityError{
				Entity: "bet",
				Reason: fmt.Sprintf("illegal transition %s → %s for bet %s", b.Status, to, id),
			}
		}

		switch to {
		case types.BetSubmitted:
			_, err = h.q().ExecContext(ctx,
				`UPDATE bets SET status = ?, order_id = ?, executed_at = ? WHERE id = ?`,
				string(to), orderID, now, id)
		case types.BetFailed:
			_, err = h.q().ExecContext(ctx,
				`UPDATE bets SET status = ?, fail_reason = ? WHERE id = ?`,
				string(to), failReason, id)
		default:
			_, err = h.q().ExecContext(ctx,
				`UPDATE bets SET status = ? WHERE id = ?`, string(to), id)
		}
		return mapSQLError("transition bet", err)
	})
}

// UpdateBetStrikes writes the consecutive-strike counter and the full
// review history after a monitor pass.
func (h *Handle) UpdateBetStrikes(ctx context.Context, id string, strikes int, reviews []types.StrikeReview) error {
	blob, err := json.Marshal(reviews)
	if err != nil {
		return err
	}
	_, err = h.q().ExecContext(ctx,
		`UPDATE bets SET strikes = ?, reviews = ? WHERE id = ?`,
		strikes, string(blob), id)
	return mapSQLError("update strikes", err)
}

// ResolveBet records the market outcome for a bet: the binary result, the
// realized profit/loss, and the resolution timestamp. Resolving twice
// with the same outcome is a no-op (applied = false) so reconciliation
// stays idempotent — portfolio updates only follow an applied resolution.
func (h *Handle) ResolveBet(ctx context.Context, id string, result int, profitLoss float64, resolvedAt string) (applied bool, err error) {
	err = h.Tx(ctx, func() error {
		b, err := h.Bet(ctx, id)
		if err != nil {
			return err
		}
		if b.ActualResult != nil {
			if *b.ActualResult == result {
				return nil // already settled
			}
			return &types.IntegrityError{Entity: "bet", Reason: "conflicting resolution for bet " + id}
		}
		if _, err := h.q().ExecContext(ctx,
			`UPDATE bets SET actual_result = ?, profit_loss = ?, resolved_at = ? WHERE id = ?`,
			result, profitLoss, resolvedAt, id); err != nil {
			return mapSQLError("resolve bet", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

// UnresolvedBets returns every bet still awaiting an outcome — SUBMITTED
// or FILLED with no result. This is reconciliation's working set.
func (h *Handle) UnresolvedBets(ctx context.Context) ([]types.Bet, error) {
	return h.queryBets(ctx, betSelect+
		` WHERE status IN (?, ?) AND actual_result IS NULL ORDER BY created_at`,
		string(types.BetSubmitted), string(types.BetFilled))
}

// OpenBets returns all SUBMITTED, unresolved bets — the monitor's working
// set. Reconciliation reads UnresolvedBets instead.
func (h *Handle) OpenBets(ctx context.Context) ([]types.Bet, error) {
	return h.queryBets(ctx, betSelect+
		` WHERE status = ? AND actual_result IS NULL ORDER BY created_at`,
		string(types.BetSubmitted))
}

// OpenPositionCount counts a firm's open positions (submitted or filled,
// not yet resolved) for the risk guard's max-open-positions cap.
func (h *Handle) OpenPositionCount(ctx context.Context, firm string) (int, error) {
	var n int
	err := h.q().QueryRowContext(ctx,
		`SELECT COUNT(1) FROM bets
		 WHERE firm = ? AND status IN (?, ?) AND actual_result IS NULL`,
		firm, string(types.BetSubmitted), string(types.BetFilled)).Scan(&n)
	return n, mapSQLError("open position count", err)
}

// CategoryExposure sums a firm's open stake in one category.
func (h *Handle) CategoryExposure(ctx context.Context, firm string, category types.Category) (float64, error) {
	var total sql.NullFloat64
	err := h.q().QueryRowContext(ctx,
		`SELECT SUM(size) FROM bets
		 WHERE firm = ? AND category = ? AND status IN (?, ?) AND actual_result IS NULL`,
		firm, string(category), string(types.BetSubmitted), string(types.BetFilled)).Scan(&total)
	if err != nil {
		return 0, mapSQLError("category exposure", err)
	}
	return total.Float64, nil
}

// BetsByFirm returns a firm's bets, newest first.
func (h *Handle) BetsByFirm(ctx context.Context, firm string, limit int) ([]types.Bet, error) {
	if limit <= 0 {
		limit = 100
	}
	return h.queryBets(ctx, betSelect+
		` WHERE firm = ? ORDER BY created_at DESC LIMIT ?`, firm, limit)
}

// RecentBets returns the latest executed bets across all firms.
func (h *Handle) RecentBets(ctx context.Context, limit int) ([]types.Bet, error) {
	if limit <= 0 {
		limit = 50
	}
	return h.queryBets(ctx, betSelect+
		` WHERE status IN (?, ?) ORDER BY executed_at DESC LIMIT ?`,
		string(types.BetSubmitted), string(types.BetFilled), limit)
}

// ResolvedProfitSum totals realized profit/loss for a firm — the
// reconciliation invariant check uses this against the portfolio balance.
func (h *Handle) ResolvedProfitSum(ctx context.Context, firm string) (float64, error) {
	var total sql.NullFloat64
	err := h.q().QueryRowContext(ctx,
		`SELECT SUM(profit_loss) FROM bets WHERE firm = ? AND actual_result IS NOT NULL`,
		firm).Scan(&total)
	if err != nil {
		return 0, mapSQLError("resolved profit sum", err)
	}
	return total.Float64, nil
}

// SetRedeemPending flags or clears a deferred redemption for a won bet.
func (h *Handle) SetRedeemPending(ctx context.Context, id string, pending bool) error {
	v := 0
	if pending {
		v = 1
	}
	_, err := h.q().ExecContext(ctx,
		`UPDATE bets SET redeem_pending = ? WHERE id = ?`, v, id)
	return mapSQLError("set redeem pending", err)
}

// PendingRedemptions returns bets whose winnings still await an on-chain
// redemption (deferred on low gas).
func (h *Handle) PendingRedemptions(ctx context.Context) ([]types.Bet, error) {
	return h.queryBets(ctx, betSelect+` WHERE redeem_pending = 1 ORDER BY created_at`)
}

const betSelect = `SELECT id, prediction_id, firm, market_id, token_id, side,
	size, limit_price, status, order_id, expected_value, actual_result,
	profit_loss, fail_reason, strikes, reviews, created_at, executed_at, resolved_at
	FROM bets`

func (h *Handle) queryBets(ctx context.Context, query string, args ...any) ([]types.Bet, error) {
	rows, err := h.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLError("query bets", err)
	}
	defer rows.Close()

	var out []types.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBet(r rowScanner) (types.Bet, error) {
	var b types.Bet
	var side, status, reviews string
	var actualResult sql.NullInt64
	var createdAt, executedAt, resolvedAt string

	err := r.Scan(&b.ID, &b.PredictionID, &b.Firm, &b.MarketID, &b.TokenID, &side,
		&b.Size, &b.LimitPrice, &status, &b.OrderID, &b.ExpectedValue, &actualResult,
		&b.ProfitLoss, &b.FailReason, &b.Strikes, &reviews, &createdAt, &executedAt, &resolvedAt)
	if err != nil {
		return b, err
	}
	b.Side = types.Side(side)
	b.Status = types.BetStatus(status)
	if actualResult.Valid {
		v := int(actualResult.Int64)
		b.ActualResult = &v
	}
	b.CreatedAt = decodeTime(createdAt)
	b.ExecutedAt = decodeTime(executedAt)
	b.ResolvedAt = decodeTime(resolvedAt)
	return b, nil
}

// BetReviews decodes a bet's strike review history.
func (h *Handle) BetReviews(ctx context.Context, id string) ([]types.StrikeReview, error) {
	var blob string
	err := h.q().QueryRowContext(ctx, `SELECT reviews FROM bets WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.IntegrityError{Entity: "bet", Reason: "no bet " + id}
	}
	if err != nil {
		return nil, mapSQLError("bet reviews", err)
	}
	var reviews []types.StrikeReview
	if err := json.Unmarshal([]byte(blob), &reviews); err != nil {
		return nil, fmt.Errorf("decode reviews: %w", err)
	}
	return reviews, nil
}
