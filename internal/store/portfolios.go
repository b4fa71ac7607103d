package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"quorum-trader/pkg/types"
)

// RegisterFirm inserts a firm if it does not already exist. Firms are
// immutable after registration; a re-register with different fields is
// ignored rather than updated.
func (h *Handle) RegisterFirm(ctx context.Context, f types.Firm) error {
	_, err := h.q().ExecContext(ctx,
		`INSERT OR IGNORE INTO firms (name, model_id, color_tag, strategy) VALUES (?, ?, ?, ?)`,
		f.Name, f.ModelID, f.ColorTag, string(f.Strategy))
	return mapSQLError("register firm", err)
}

// Firms returns all registered firms in name order.
func (h *Handle) Firms(ctx context.Context) ([]types.Firm, error) {
	rows, err := h.q().QueryContext(ctx,
		`SELECT name, model_id, color_tag, strategy FROM firms ORDER BY name`)
	if err != nil {
		return nil, mapSQLError("list firms", err)
	}
	defer rows.Close()

	var firms []types.Firm
	for rows.Next() {
		var f types.Firm
		var strategy string
		if err := rows.Scan(&f.Name, &f.ModelID, &f.ColorTag, &strategy); err != nil {
			return nil, err
		}
		f.Strategy = types.SizingStrategy(strategy)
		firms = append(firms, f)
	}
	return firms, rows.Err()
}

// InitPortfolio creates a portfolio for the firm if absent. Idempotent:
// an existing portfolio is left untouched.
func (h *Handle) InitPortfolio(ctx context.Context, firm string, initial float64, now time.Time) error {
	_, err := h.q().ExecContext(ctx,
		`INSERT OR IGNORE INTO portfolios
			(firm, balance, initial_balance, peak_balance, last_update)
		 VALUES (?, ?, ?, ?, ?)`,
		firm, initial, initial, initial, encodeTime(now))
	return mapSQLError("init portfolio", err)
}

// Portfolio reads one firm's portfolio.
func (h *Handle) Portfolio(ctx context.Context, firm string) (*types.Portfolio, error) {
	var p types.Portfolio
	var lastUpdate string
	err := h.q().QueryRowContext(ctx,
		`SELECT firm, balance, initial_balance, peak_balance,
		        consecutive_wins, consecutive_losses, last_update
		 FROM portfolios WHERE firm = ?`, firm).
		Scan(&p.Firm, &p.Balance, &p.InitialBalance, &p.PeakBalance,
			&p.ConsecutiveWins, &p.ConsecutiveLosses, &lastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.IntegrityError{Entity: "portfolio", Reason: "no portfolio for firm " + firm}
	}
	if err != nil {
		return nil, mapSQLError("get portfolio", err)
	}
	p.LastUpdate = decodeTime(lastUpdate)
	return &p, nil
}

// Portfolios returns every firm's portfolio, best balance first.
func (h *Handle) Portfolios(ctx context.Context) ([]types.Portfolio, error) {
	rows, err := h.q().QueryContext(ctx,
		`SELECT firm, balance, initial_balance, peak_balance,
		        consecutive_wins, consecutive_losses, last_update
		 FROM portfolios ORDER BY balance DESC`)
	if err != nil {
		return nil, mapSQLError("list portfolios", err)
	}
	defer rows.Close()

	var out []types.Portfolio
	for rows.Next() {
		var p types.Portfolio
		var lastUpdate string
		if err := rows.Scan(&p.Firm, &p.Balance, &p.InitialBalance, &p.PeakBalance,
			&p.ConsecutiveWins, &p.ConsecutiveLosses, &lastUpdate); err != nil {
			return nil, err
		}
		p.LastUpdate = decodeTime(lastUpdate)
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePortfolio writes the mutable portfolio fields. Invariants are
// asserted here: the balance must stay non-negative and the peak must
// never decrease.
func (h *Handle) UpdatePortfolio(ctx context.Context, p types.Portfolio) error {
	if p.Balance < 0 {
		return &types.IntegrityError{Entity: "portfolio", Reason: fmt.Sprintf("negative balance %.2f for %s", p.Balance, p.Firm)}
	}

	current, err := h.Portfolio(ctx, p.Firm)
	if err != nil {
		return err
	}
	if p.PeakBalance < current.PeakBalance {
		return &types.IntegrityError{Entity: "portfolio", Reason: fmt.Sprintf("peak balance regression for %s: %.2f < %.2f", p.Firm, p.PeakBalance, current.PeakBalance)}
	}

	_, err = h.q().ExecContext(ctx,
		`UPDATE portfolios
		 SET balance = ?, peak_balance = ?, consecutive_wins = ?,
		     consecutive_losses = ?, last_update = ?
		 WHERE firm = ?`,
		p.Balance, p.PeakBalance, p.ConsecutiveWins, p.ConsecutiveLosses,
		encodeTime(p.LastUpdate), p.Firm)
	return mapSQLError("update portfolio", err)
}

// ApplyResult settles one resolved bet against the firm's portfolio:
// credits the profit/loss, advances streaks, and lifts the peak when a
// new high is reached. Runs inside the caller's transaction.
func (h *Handle) ApplyResult(ctx context.Context, firm string, profitLoss float64, won bool, now time.Time) error {
	return h.Tx(ctx, func() error {
		p, err := h.Portfolio(ctx, firm)
		if err != nil {
			return err
		}

		p.Balance += profitLoss
		if p.Balance < 0 {
			// Should not happen: losses are capped at the stake.
			p.Balance = 0
		}
		if won {
			p.ConsecutiveWins++
			p.ConsecutiveLosses = 0
		} else {
			p.ConsecutiveLosses++
			p.ConsecutiveWins = 0
		}
		if p.Balance > p.PeakBalance {
			p.PeakBalance = p.Balance
		}
		p.LastUpdate = now

		return h.UpdatePortfolio(ctx, *p)
	})
}
