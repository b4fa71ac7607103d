package store

import (
	"context"
	"fmt"
)

// createStatements bring a fresh database to the current schema. Existing
// databases are upgraded additively by ensureColumns below — columns are
// only ever added, never dropped or retyped.
var createStatements = []string{
	`CREATE TABLE IF NOT EXISTS firms (
		name       TEXT PRIMARY KEY,
		model_id   TEXT NOT NULL,
		color_tag  TEXT NOT NULL DEFAULT '',
		strategy   TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS portfolios (
		firm               TEXT PRIMARY KEY REFERENCES firms(name),
		balance            REAL NOT NULL CHECK (balance >= 0),
		initial_balance    REAL NOT NULL,
		peak_balance       REAL NOT NULL,
		consecutive_wins   INTEGER NOT NULL DEFAULT 0,
		consecutive_losses INTEGER NOT NULL DEFAULT 0,
		last_update        TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS predictions (
		id                    TEXT PRIMARY KEY,
		firm                  TEXT NOT NULL,
		market_id             TEXT NOT NULL,
		probability           REAL NOT NULL CHECK (probability >= 0 AND probability <= 1),
		confidence            REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 10),
		score_sentiment       REAL NOT NULL DEFAULT 5,
		score_news            REAL NOT NULL DEFAULT 5,
		score_technical       REAL NOT NULL DEFAULT 5,
		score_fundamental     REAL NOT NULL DEFAULT 5,
		score_volatility      REAL NOT NULL DEFAULT 5,
		analysis_sentiment    TEXT NOT NULL DEFAULT '',
		analysis_news         TEXT NOT NULL DEFAULT '',
		analysis_technical    TEXT NOT NULL DEFAULT '',
		analysis_fundamental  TEXT NOT NULL DEFAULT '',
		analysis_volatility   TEXT NOT NULL DEFAULT '',
		probability_reasoning TEXT NOT NULL DEFAULT '',
		skip_reason           TEXT NOT NULL DEFAULT '',
		created_at            TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_predictions_firm_market
		ON predictions (firm, market_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS bets (
		id             TEXT PRIMARY KEY,
		prediction_id  TEXT NOT NULL,
		firm           TEXT NOT NULL,
		market_id      TEXT NOT NULL,
		category       TEXT NOT NULL DEFAULT '',
		token_id       TEXT NOT NULL,
		side           TEXT NOT NULL DEFAULT 'BUY',
		size           REAL NOT NULL,
		limit_price    REAL NOT NULL CHECK (limit_price > 0 AND limit_price < 1),
		status         TEXT NOT NULL,
		order_id       TEXT NOT NULL DEFAULT '',
		expected_value REAL NOT NULL DEFAULT 0,
		actual_result  INTEGER,
		profit_loss    REAL NOT NULL DEFAULT 0,
		fail_reason    TEXT NOT NULL DEFAULT '',
		strikes        INTEGER NOT NULL DEFAULT 0,
		reviews        TEXT NOT NULL DEFAULT '[]',
		redeem_pending INTEGER NOT NULL DEFAULT 0,
		created_at     TEXT NOT NULL,
		executed_at    TEXT NOT NULL DEFAULT '',
		resolved_at    TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bets_status ON bets (status)`,
	`CREATE INDEX IF NOT EXISTS idx_bets_firm ON bets (firm, created_at)`,
	`CREATE TABLE IF NOT EXISTS daily_counters (
		firm          TEXT NOT NULL,
		day           TEXT NOT NULL,
		bets_count    INTEGER NOT NULL DEFAULT 0,
		spent         REAL NOT NULL DEFAULT 0,
		realized_loss REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (firm, day)
	)`,
	`CREATE TABLE IF NOT EXISTS cycles (
		id               TEXT PRIMARY KEY,
		status           TEXT NOT NULL,
		started_at       TEXT NOT NULL,
		finished_at      TEXT NOT NULL DEFAULT '',
		markets_fetched  INTEGER NOT NULL DEFAULT 0,
		markets_tradable INTEGER NOT NULL DEFAULT 0,
		bets_approved    INTEGER NOT NULL DEFAULT 0,
		bets_executed    INTEGER NOT NULL DEFAULT 0,
		bets_failed      INTEGER NOT NULL DEFAULT 0,
		per_category     TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS cancelled_orders (
		order_id      TEXT PRIMARY KEY,
		firm          TEXT NOT NULL,
		market_id     TEXT NOT NULL,
		strikes       TEXT NOT NULL DEFAULT '[]',
		cancel_reason TEXT NOT NULL,
		cancelled_at  TEXT NOT NULL
	)`,
}

// addedColumns lists columns introduced after a table first shipped, so a
// database created by an older build gains them on startup. Forward-only:
// entries are appended here, never removed.
var addedColumns = map[string][]struct{ name, decl string }{
	"bets": {
		{"category", `TEXT NOT NULL DEFAULT ''`},
		{"strikes", `INTEGER NOT NULL DEFAULT 0`},
		{"reviews", `TEXT NOT NULL DEFAULT '[]'`},
		{"redeem_pending", `INTEGER NOT NULL DEFAULT 0`},
	},
	"predictions": {
		{"skip_reason", `TEXT NOT NULL DEFAULT ''`},
	},
	"portfolios": {
		{"consecutive_wins", `INTEGER NOT NULL DEFAULT 0`},
		{"consecutive_losses", `INTEGER NOT NULL DEFAULT 0`},
	},
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range createStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	for table, cols := range addedColumns {
		existing, err := s.tableColumns(ctx, table)
		if err != nil {
			return err
		}
		for _, col := range cols {
			if existing[col.name] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col.name, col.decl)
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("add column %s.%s: %w", table, col.name, err)
			}
			s.logger.Info("schema column added", "table", table, "column", col.name)
		}
	}
	return nil
}

func (s *Store) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
