// Package cycle is the daily-cycle orchestrator.
//
// One run walks the tradable market set once per firm, strictly
// sequentially: five concurrent firms each loading collector outputs and
// model SDKs exceeded the hosting platform's worker memory, so the
// orchestrator trades wall-clock for a flat memory profile and lets the
// cycle cache keep the shared collector work to one fetch per symbol.
// Firms and markets are iterated in stable order, every step persists as
// it happens, and reconciliation closes the loop at the end.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"quorum-trader/internal/analysis"
	"quorum-trader/internal/datacache"
	"quorum-trader/internal/decision"
	"quorum-trader/internal/markets"
	"quorum-trader/internal/model"
	"quorum-trader/internal/orders"
	"quorum-trader/internal/risk"
	"quorum-trader/internal/sizing"
	"quorum-trader/internal/store"
	"quorum-trader/pkg/types"
)

// Orchestrator wires the full per-cycle pipeline.
type Orchestrator struct {
	store      *store.Handle
	fetcher    *markets.Fetcher
	cache      *datacache.Cache
	assembler  *analysis.Assembler
	engine     *sizing.Engine
	guard      *risk.Guard
	submitter  *orders.Submitter
	reconciler *orders.Reconciler

	firms    []types.Firm
	models   map[string]model.Client // firm name → client
	personas map[string]string       // firm name → persona preamble

	deadline time.Duration
	logger   *slog.Logger
	now      func() time.Time

	// runMu serializes cycles: a scheduled run and an admin-triggered
	// run sharing one store handle must never interleave.
	runMu sync.Mutex
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Store      *store.Handle
	Fetcher    *markets.Fetcher
	Cache      *datacache.Cache
	Assembler  *analysis.Assembler
	Engine     *sizing.Engine
	Guard      *risk.Guard
	Submitter  *orders.Submitter
	Reconciler *orders.Reconciler
	Firms      []types.Firm
	Models     map[string]model.Client
	Personas   map[string]string
	Deadline   time.Duration
	Logger     *slog.Logger
}

// New creates the orchestrator.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		store:      d.Store,
		fetcher:    d.Fetcher,
		cache:      d.Cache,
		assembler:  d.Assembler,
		engine:     d.Engine,
		guard:      d.Guard,
		submitter:  d.Submitter,
		reconciler: d.Reconciler,
		firms:      d.Firms,
		models:     d.Models,
		personas:   d.Personas,
		deadline:   d.Deadline,
		logger:     d.Logger.With("component", "cycle"),
		now:        time.Now,
	}
}

// RunCycle executes one full cycle and returns its record. A fetch
// failure aborts the cycle (FAILED); hitting the deadline finishes the
// in-flight pair, skips the rest, and marks the cycle PARTIAL.
func (o *Orchestrator) RunCycle(ctx context.Context) (*types.CycleRecord, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	started := o.now().UTC()
	rec := &types.CycleRecord{
		ID:          uuid.NewString(),
		Status:      types.CycleRunning,
		StartedAt:   started,
		PerCategory: make(map[types.Category]int),
	}
	if err := o.store.StartCycle(ctx, *rec); err != nil {
		return nil, err
	}

	// Stale per-cycle state never crosses a cycle boundary.
	o.cache.Clear()

	ctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()
	// Persistence must finish even when the deadline fires mid-pair.
	persistCtx := context.WithoutCancel(ctx)

	res, err := o.fetcher.FetchTradable(ctx)
	if err != nil {
		o.logger.Error("market fetch failed, aborting cycle", "error", err)
		rec.Status = types.CycleFailed
		rec.FinishedAt = o.now().UTC()
		if ferr := o.store.FinishCycle(persistCtx, *rec); ferr != nil {
			o.logger.Error("finish cycle failed", "error", ferr)
		}
		return rec, err
	}

	rec.MarketsFetched = res.Fetched
	rec.MarketsTradable = len(res.Markets)
	for _, m := range res.Markets {
		rec.PerCategory[m.Category]++
	}

	partial := false
firms:
	for i, firm := range o.firms {
		o.logger.Info("evaluating firm",
			"progress", progressTag(i+1, len(o.firms)), "firm", firm.Name)

		for _, market := range res.Markets {
			if ctx.Err() != nil {
				partial = true
				break firms
			}
			o.evaluatePair(ctx, persistCtx, firm, market, rec)
		}

		// Collector payloads and model responses for one firm can be
		// sizeable; release them before the next firm loads its own.
		runtime.GC()
	}

	// Reconciliation runs even on a partial cycle, on its own budget.
	reconCtx, reconCancel := context.WithTimeout(persistCtx, 2*time.Minute)
	if _, err := o.reconciler.Run(reconCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		o.logger.Error("reconciliation failed", "error", err)
	}
	reconCancel()

	rec.Status = types.CycleComplete
	if partial {
		rec.Status = types.CyclePartial
	}
	rec.FinishedAt = o.now().UTC()
	if err := o.store.FinishCycle(persistCtx, *rec); err != nil {
		o.logger.Error("finish cycle failed", "error", err)
	}

	o.logger.Info("cycle finished",
		"status", string(rec.Status),
		"markets_tradable", rec.MarketsTradable,
		"bets_approved", rec.BetsApproved,
		"bets_executed", rec.BetsExecuted,
		"bets_failed", rec.BetsFailed,
	)
	return rec, nil
}

// evaluatePair runs one (firm, market) evaluation end to end. Errors
// short-circuit the pair with a logged skip; the cycle continues.
func (o *Orchestrator) evaluatePair(ctx, persistCtx context.Context, firm types.Firm, market types.Market, rec *types.CycleRecord) {
	day := types.DayOf(o.now())

	// A re-run after completion must not double-book the same UTC day.
	if done, err := o.store.HasPredictionOn(ctx, firm.Name, market.ID, day); err != nil {
		o.logger.Error("prediction lookup failed", "firm", firm.Name, "market", market.ID, "error", err)
		return
	} else if done {
		o.logger.Debug("already evaluated today", "firm", firm.Name, "market", market.ID)
		return
	}

	mc, ok := o.models[firm.Name]
	if !ok {
		o.logger.Error("no model client for firm", "firm", firm.Name)
		return
	}

	blob, _, err := o.assembler.Analyze(ctx, firm, o.personas[firm.Name], mc, market)
	if err != nil {
		o.logger.Warn("skipping pair: model call failed",
			"firm", firm.Name, "market", market.ID, "error", err)
		return
	}

	pred, err := decision.Validate(firm.Name, market.ID, blob, o.now().UTC())
	if err != nil {
		var se *types.SchemaError
		if errors.As(err, &se) {
			o.logger.Warn("skipping pair: invalid decision",
				"firm", firm.Name, "market", market.ID, "error", err)
		} else {
			o.logger.Error("decision validation failed",
				"firm", firm.Name, "market", market.ID, "error", err)
		}
		return
	}

	portfolio, err := o.store.Portfolio(ctx, firm.Name)
	if err != nil {
		o.logger.Error("portfolio read failed", "firm", firm.Name, "error", err)
		return
	}

	// Sizing, then the guard. The prediction row is persisted whatever
	// happens next, so every skip is auditable.
	cand, skipReason, err := o.engine.BuildCandidate(ctx, firm, pred, market, portfolio)
	if err != nil {
		o.logger.Error("sizing failed", "firm", firm.Name, "market", market.ID, "error", err)
		skipReason = "sizing_error"
	}

	if cand != nil && skipReason == "" {
		verdict, gerr := o.guard.Gate(ctx, o.store, portfolio, market.Category, cand, o.now())
		if gerr != nil {
			o.logger.Error("risk gate failed", "firm", firm.Name, "market", market.ID, "error", gerr)
			skipReason = "risk_error"
		} else if !verdict.Approved {
			skipReason = verdict.Reason
		} else {
			cand.Size = verdict.Size
		}
	}

	pred.SkipReason = skipReason
	if err := o.store.SavePrediction(persistCtx, *pred); err != nil {
		o.logger.Error("save prediction failed", "firm", firm.Name, "market", market.ID, "error", err)
		return
	}

	if skipReason != "" || cand == nil {
		return
	}

	rec.BetsApproved++
	bet, err := o.submitter.Submit(persistCtx, pred.ID, firm, market, cand)
	if err != nil {
		o.logger.Error("submission persistence failed", "firm", firm.Name, "market", market.ID, "error", err)
		rec.BetsFailed++
		return
	}
	switch bet.Status {
	case types.BetSubmitted:
		rec.BetsExecuted++
	case types.BetFailed:
		rec.BetsFailed++
	}
}

// progressTag renders the [k/N] firm progress marker.
func progressTag(k, n int) string {
	return fmt.Sprintf("[%d/%d]", k, n)
}
