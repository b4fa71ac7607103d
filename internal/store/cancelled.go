package store

import (
	"context"
	"encoding/json"
	"fmt"

	"quorum-trader/pkg/types"
)

// SaveCancelledOrder records a monitor-driven cancellation with its full
// strike history.
func (h *Handle) SaveCancelledOrder(ctx context.Context, c types.CancelledOrder) error {
	strikes, err := json.Marshal(c.Strikes)
	if err != nil {
		return err
	}
	_, err = h.q().ExecContext(ctx,
		`INSERT INTO cancelled_orders (order_id, firm, market_id, strikes, cancel_reason, cancelled_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.OrderID, c.Firm, c.MarketID, string(strikes), c.CancelReason, encodeTime(c.CancelledAt))
	return mapSQLError("save cancelled order", err)
}

// CancelledOrders returns cancellations, newest first.
func (h *Handle) CancelledOrders(ctx context.Context, limit int) ([]types.CancelledOrder, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.q().QueryContext(ctx,
		`SELECT order_id, firm, market_id, strikes, cancel_reason, cancelled_at
		 FROM cancelled_orders ORDER BY cancelled_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, mapSQLError("list cancelled orders", err)
	}
	defer rows.Close()

	var out []types.CancelledOrder
	for rows.Next() {
		var c types.CancelledOrder
		var strikes, cancelledAt string
		if err := rows.Scan(&c.OrderID, &c.Firm, &c.MarketID, &strikes, &c.CancelReason, &cancelledAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(strikes), &c.Strikes); err != nil {
			return nil, fmt.Errorf("decode strikes: %w", err)
		}
		c.CancelledAt = decodeTime(cancelledAt)
		out = append(out, c)
	}
	return out, rows.Err()
}
