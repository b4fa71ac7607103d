package store

import (
	"context"
	"encoding/json"

	"quorum-trader/pkg/types"
)

// StartCycle inserts a RUNNING cycle record.
func (h *Handle) StartCycle(ctx context.Context, c types.CycleRecord) error {
	_, err := h.q().ExecContext(ctx,
		`INSERT INTO cycles (id, status, started_at) VALUES (?, ?, ?)`,
		c.ID, string(types.CycleRunning), encodeTime(c.StartedAt))
	return mapSQLError("start cycle", err)
}

// FinishCycle closes a cycle record with its final status and summary
// counts.
func (h *Handle) FinishCycle(ctx context.Context, c types.CycleRecord) error {
	perCategory, err := json.Marshal(c.PerCategory)
	if err != nil {
		return err
	}
	_, err = h.q().ExecContext(ctx,
		`UPDATE cycles
		 SET status = ?, finished_at = ?, markets_fetched = ?, markets_tradable = ?,
		     bets_approved = ?, bets_executed = ?, bets_failed = ?, per_category = ?
		 WHERE id = ?`,
		string(c.Status), encodeTime(c.FinishedAt), c.MarketsFetched, c.MarketsTradable,
		c.BetsApproved, c.BetsExecuted, c.BetsFailed, string(perCategory), c.ID)
	return mapSQLError("finish cycle", err)
}

// Cycles returns recent cycle records, newest first.
func (h *Handle) Cycles(ctx context.Context, limit int) ([]types.CycleRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.q().QueryContext(ctx,
		`SELECT id, status, started_at, finished_at, markets_fetched, markets_tradable,
		        bets_approved, bets_executed, bets_failed, per_category
		 FROM cycles ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, mapSQLError("list cycles", err)
	}
	defer rows.Close()

	var out []types.CycleRecord
	for rows.Next() {
		var c types.CycleRecord
		var status, startedAt, finishedAt, perCategory string
		if err := rows.Scan(&c.ID, &status, &startedAt, &finishedAt,
			&c.MarketsFetched, &c.MarketsTradable,
			&c.BetsApproved, &c.BetsExecuted, &c.BetsFailed, &perCategory); err != nil {
			return nil, err
		}
		c.Status = types.CycleStatus(status)
		c.StartedAt = decodeTime(startedAt)
		c.FinishedAt = decodeTime(finishedAt)
		if err := json.Unmarshal([]byte(perCategory), &c.PerCategory); err != nil {
			c.PerCategory = nil
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
