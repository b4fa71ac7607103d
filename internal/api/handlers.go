package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"quorum-trader/pkg/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.db.Handle()
	storeOK := true
	if _, err := h.Firms(r.Context()); err != nil {
		storeOK = false
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"store_reachable": storeOK,
		"system_enabled":  s.cfg.SystemEnabled,
		"configured_keys": s.cfg.ConfiguredKeys,
		"time":            time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.SystemEnabled {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   "system disabled",
		})
		return
	}

	rec, err := s.orchestrator.RunCycle(r.Context())
	if err != nil {
		// The cycle record still tells the story; a failed fetch is an
		// operational condition, not a server error.
		s.writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   err.Error(),
			"cycle":   rec,
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"cycle": map[string]any{
			"id":               rec.ID,
			"status":           string(rec.Status),
			"markets_fetched":  rec.MarketsFetched,
			"markets_tradable": rec.MarketsTradable,
			"bets_approved":    rec.BetsApproved,
			"bets_executed":    rec.BetsExecuted,
			"bets_failed":      rec.BetsFailed,
			"per_category":     rec.PerCategory,
		},
	})
}

func (s *Server) handleMonitorOrders(w http.ResponseWriter, r *http.Request) {
	summary, err := s.monitor.RunPass(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   err.Error(),
			"summary": summary,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"summary": summary,
	})
}

func (s *Server) handleInitPortfolios(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h := s.db.Handle()
	created := 0
	err := h.Tx(ctx, func() error {
		for _, f := range s.cfg.Firms {
			if err := h.RegisterFirm(ctx, f); err != nil {
				return err
			}
			if err := h.InitPortfolio(ctx, f.Name, s.cfg.InitialBalance, time.Now().UTC()); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"firms":           created,
		"initial_balance": s.cfg.InitialBalance,
	})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	h := s.db.Handle()
	portfolios, err := h.Portfolios(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}

	entries := make([]map[string]any, 0, len(portfolios))
	for i, p := range portfolios {
		returnPct := 0.0
		if p.InitialBalance > 0 {
			returnPct = (p.Balance - p.InitialBalance) / p.InitialBalance * 100
		}
		realized, err := h.ResolvedProfitSum(r.Context(), p.Firm)
		if err != nil {
			s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
			return
		}
		entries = append(entries, map[string]any{
			"rank":               i + 1,
			"firm":               p.Firm,
			"balance":            p.Balance,
			"initial_balance":    p.InitialBalance,
			"peak_balance":       p.PeakBalance,
			"return_pct":         returnPct,
			"realized_pnl":       realized,
			"consecutive_wins":   p.ConsecutiveWins,
			"consecutive_losses": p.ConsecutiveLosses,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "leaderboard": entries})
}

func (s *Server) handleLiveMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h := s.db.Handle()

	portfolios, err := h.Portfolios(ctx)
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	open, err := h.OpenBets(ctx)
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	cycles, err := h.Cycles(ctx, 1)
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}

	var totalBalance, openExposure float64
	for _, p := range portfolios {
		totalBalance += p.Balance
	}
	for _, b := range open {
		openExposure += b.Size
	}

	metrics := map[string]any{
		"total_balance": totalBalance,
		"open_orders":   len(open),
		"open_exposure": openExposure,
	}
	if len(cycles) > 0 {
		metrics["last_cycle"] = map[string]any{
			"id":          cycles[0].ID,
			"status":      string(cycles[0].Status),
			"started_at":  cycles[0].StartedAt,
			"finished_at": cycles[0].FinishedAt,
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "metrics": metrics})
}

func (s *Server) handleActivePositions(w http.ResponseWriter, r *http.Request) {
	open, err := s.db.Handle().OpenBets(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "positions": betViews(open)})
}

func (s *Server) handleDecisionsHistory(w http.ResponseWriter, r *http.Request) {
	preds, err := s.db.Handle().Predictions(r.Context(), 200)
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}

	out := make([]map[string]any, 0, len(preds))
	for _, p := range preds {
		out = append(out, map[string]any{
			"id":          p.ID,
			"firm":        p.Firm,
			"market_id":   p.MarketID,
			"probability": p.Probability,
			"confidence":  p.Confidence,
			"scores":      p.Scores,
			"reasoning":   p.ProbabilityReasoning,
			"skip_reason": p.SkipReason,
			"created_at":  p.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "decisions": out})
}

func (s *Server) handleCancelledOrders(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.db.Handle().CancelledOrders(r.Context(), 100)
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "cancelled": cancelled})
}

func (s *Server) handleRecentTrades(w http.ResponseWriter, r *http.Request) {
	bets, err := s.db.Handle().RecentBets(r.Context(), 50)
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "trades": betViews(bets)})
}

func (s *Server) handleFirmTrades(w http.ResponseWriter, r *http.Request) {
	firm := chi.URLParam(r, "firm")
	bets, err := s.db.Handle().BetsByFirm(r.Context(), firm, 100)
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "firm": firm, "trades": betViews(bets)})
}

func betViews(bets []types.Bet) []map[string]any {
	out := make([]map[string]any, 0, len(bets))
	for _, b := range bets {
		view := map[string]any{
			"id":             b.ID,
			"firm":           b.Firm,
			"market_id":      b.MarketID,
			"token_id":       b.TokenID,
			"side":           string(b.Side),
			"size":           b.Size,
			"limit_price":    b.LimitPrice,
			"status":         string(b.Status),
			"order_id":       b.OrderID,
			"expected_value": b.ExpectedValue,
			"profit_loss":    b.ProfitLoss,
			"strikes":        b.Strikes,
			"created_at":     b.CreatedAt,
		}
		if b.ActualResult != nil {
			view["actual_result"] = *b.ActualResult
		}
		out = append(out, view)
	}
	return out
}
