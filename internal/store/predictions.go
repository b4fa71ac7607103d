package store

import (
	"context"

	"quorum-trader/pkg/types"
)

// SavePrediction persists one firm's evaluation of one market. Probability
// and area-score ranges are checked here; the schema's CHECK constraints
// cover probability and confidence but not the area scores.
func (h *Handle) SavePrediction(ctx context.Context, p types.Prediction) error {
	if p.Probability < 0 || p.Probability > 1 {
		return &types.IntegrityError{Entity: "prediction", Reason: "probability out of [0,1]"}
	}
	for _, s := range []float64{p.Scores.Sentiment, p.Scores.News, p.Scores.Technical, p.Scores.Fundamental, p.Scores.Volatility} {
		if s < 0 || s > 10 {
			return &types.IntegrityError{Entity: "prediction", Reason: "area score out of [0,10]"}
		}
	}

	_, err := h.q().ExecContext(ctx,
		`INSERT INTO predictions
			(id, firm, market_id, probability, confidence,
			 score_sentiment, score_news, score_technical, score_fundamental, score_volatility,
			 analysis_sentiment, analysis_news, analysis_technical, analysis_fundamental, analysis_volatility,
			 probability_reasoning, skip_reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Firm, p.MarketID, p.Probability, p.Confidence,
		p.Scores.Sentiment, p.Scores.News, p.Scores.Technical, p.Scores.Fundamental, p.Scores.Volatility,
		p.Analyses.Sentiment, p.Analyses.News, p.Analyses.Technical, p.Analyses.Fundamental, p.Analyses.Volatility,
		p.ProbabilityReasoning, p.SkipReason, encodeTime(p.CreatedAt))
	return mapSQLError("save prediction", err)
}

// SetPredictionSkipReason records why no bet followed a prediction.
func (h *Handle) SetPredictionSkipReason(ctx context.Context, id, reason string) error {
	_, err := h.q().ExecContext(ctx,
		`UPDATE predictions SET skip_reason = ? WHERE id = ?`, reason, id)
	return mapSQLError("set skip reason", err)
}

// HasPredictionOn reports whether the firm already evaluated the market
// on the given UTC day. The orchestrator uses this so re-running a
// completed cycle does not double-book markets.
func (h *Handle) HasPredictionOn(ctx context.Context, firm, marketID, day string) (bool, error) {
	var n int
	err := h.q().QueryRowContext(ctx,
		`SELECT COUNT(1) FROM predictions
		 WHERE firm = ? AND market_id = ? AND substr(created_at, 1, 10) = ?`,
		firm, marketID, day).Scan(&n)
	if err != nil {
		return false, mapSQLError("has prediction", err)
	}
	return n > 0, nil
}

// Predictions returns the most recent predictions, newest first.
func (h *Handle) Predictions(ctx context.Context, limit int) ([]types.Prediction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := h.q().QueryContext(ctx,
		`SELECT id, firm, market_id, probability, confidence,
		        score_sentiment, score_news, score_technical, score_fundamental, score_volatility,
		        analysis_sentiment, analysis_news, analysis_technical, analysis_fundamental, analysis_volatility,
		        probability_reasoning, skip_reason, created_at
		 FROM predictions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, mapSQLError("list predictions", err)
	}
	defer rows.Close()

	var out []types.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LatestPrediction returns the firm's newest prediction for a market, or
// nil when none exists.
func (h *Handle) LatestPrediction(ctx context.Context, firm, marketID string) (*types.Prediction, error) {
	rows, err := h.q().QueryContext(ctx,
		`SELECT id, firm, market_id, probability, confidence,
		        score_sentiment, score_news, score_technical, score_fundamental, score_volatility,
		        analysis_sentiment, analysis_news, analysis_technical, analysis_fundamental, analysis_volatility,
		        probability_reasoning, skip_reason, created_at
		 FROM predictions WHERE firm = ? AND market_id = ?
		 ORDER BY created_at DESC LIMIT 1`, firm, marketID)
	if err != nil {
		return nil, mapSQLError("latest prediction", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	p, err := scanPrediction(rows)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrediction(r rowScanner) (types.Prediction, error) {
	var p types.Prediction
	var createdAt string
	err := r.Scan(&p.ID, &p.Firm, &p.MarketID, &p.Probability, &p.Confidence,
		&p.Scores.Sentiment, &p.Scores.News, &p.Scores.Technical, &p.Scores.Fundamental, &p.Scores.Volatility,
		&p.Analyses.Sentiment, &p.Analyses.News, &p.Analyses.Technical, &p.Analyses.Fundamental, &p.Analyses.Volatility,
		&p.ProbabilityReasoning, &p.SkipReason, &createdAt)
	if err != nil {
		return p, err
	}
	p.CreatedAt = decodeTime(createdAt)
	return p, nil
}
