package store

import (
	"context"
	"database/sql"
	"errors"

	"quorum-trader/pkg/types"
)

// DailyCounter returns the firm's counter for the given UTC day, creating
// a zeroed row on first access. The lazy reset on day rollover falls out
// of keying by day: a new date simply starts a fresh row.
func (h *Handle) DailyCounter(ctx context.Context, firm, day string) (*types.DailyCounter, error) {
	var c types.DailyCounter
	err := h.q().QueryRowContext(ctx,
		`SELECT firm, day, bets_count, spent, realized_loss
		 FROM daily_counters WHERE firm = ? AND day = ?`, firm, day).
		Scan(&c.Firm, &c.Day, &c.BetsCount, &c.Spent, &c.RealizedLoss)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := h.q().ExecContext(ctx,
			`INSERT OR IGNORE INTO daily_counters (firm, day) VALUES (?, ?)`,
			firm, day); err != nil {
			return nil, mapSQLError("create daily counter", err)
		}
		return &types.DailyCounter{Firm: firm, Day: day}, nil
	}
	if err != nil {
		return nil, mapSQLError("get daily counter", err)
	}
	return &c, nil
}

// RecordBetSpend bumps the firm's daily bet count and spend inside the
// caller's transaction.
func (h *Handle) RecordBetSpend(ctx context.Context, firm, day string, amount float64) error {
	return h.Tx(ctx, func() error {
		if _, err := h.DailyCounter(ctx, firm, day); err != nil {
			return err
		}
		_, err := h.q().ExecContext(ctx,
			`UPDATE daily_counters
			 SET bets_count = bets_count + 1, spent = spent + ?
			 WHERE firm = ? AND day = ?`, amount, firm, day)
		return mapSQLError("record spend", err)
	})
}

// RecordRealizedLoss adds a settled loss to the firm's daily counter.
// Wins pass a zero amount and are ignored.
func (h *Handle) RecordRealizedLoss(ctx context.Context, firm, day string, loss float64) error {
	if loss <= 0 {
		return nil
	}
	return h.Tx(ctx, func() error {
		if _, err := h.DailyCounter(ctx, firm, day); err != nil {
			return err
		}
		_, err := h.q().ExecContext(ctx,
			`UPDATE daily_counters SET realized_loss = realized_loss + ?
			 WHERE firm = ? AND day = ?`, loss, firm, day)
		return mapSQLError("record loss", err)
	})
}
