// Package analysis assembles the per-(firm, market) model input.
//
// For each pair it gathers the five area reports through the cycle cache
// (so five firms share one collector call per symbol), renders them into
// a structured prompt with the firm's persona preamble, and invokes the
// firm's model client under the central retry policy.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"quorum-trader/internal/collect"
	"quorum-trader/internal/datacache"
	"quorum-trader/internal/model"
	"quorum-trader/internal/retry"
	"quorum-trader/pkg/types"
)

// Assembler builds prompts and drives model calls.
type Assembler struct {
	collectors collect.Set
	cache      *datacache.Cache
	logger     *slog.Logger
}

// NewAssembler creates the analysis assembler.
func NewAssembler(collectors collect.Set, cache *datacache.Cache, logger *slog.Logger) *Assembler {
	return &Assembler{
		collectors: collectors,
		cache:      cache,
		logger:     logger.With("component", "analysis"),
	}
}

// Bundle is the gathered input for one (firm, market) evaluation.
type Bundle struct {
	Reports map[collect.Source]collect.Report
	Prompt  string
}

// Gather collects the five area reports for a market. A failed collector
// contributes a neutral report; Gather itself never fails.
func (a *Assembler) Gather(ctx context.Context, market types.Market) map[collect.Source]collect.Report {
	reports := make(map[collect.Source]collect.Report, len(collect.Sources))

	for _, source := range collect.Sources {
		src := source
		key := datacache.Key{Symbol: market.ID, Source: string(src)}
		v, err := a.cache.Get(ctx, key, func(ctx context.Context) (any, error) {
			c, ok := a.collectors[src]
			if !ok {
				return collect.NeutralReport(src, market.ID, "not configured"), nil
			}
			return c.Collect(ctx, market.ID)
		})
		if err != nil {
			reports[src] = collect.NeutralReport(src, market.ID, err.Error())
			continue
		}
		report, ok := v.(collect.Report)
		if !ok {
			reports[src] = collect.NeutralReport(src, market.ID, "bad cache entry")
			continue
		}
		reports[src] = report
	}
	return reports
}

// Analyze runs the full pipeline for one pair: gather reports, render
// the prompt, call the model with retry-on-rate-limit. The raw blob goes
// to the decision validator; nothing here interprets it.
func (a *Assembler) Analyze(ctx context.Context, firm types.Firm, persona string, mc model.Client, market types.Market) (json.RawMessage, *Bundle, error) {
	reports := a.Gather(ctx, market)
	prompt := renderPrompt(firm, persona, market, reports)
	bundle := &Bundle{Reports: reports, Prompt: prompt}

	var blob json.RawMessage
	err := retry.Do(ctx, retry.Default, retry.TransientOnly, func() error {
		var err error
		blob, err = mc.Predict(ctx, prompt)
		return err
	})
	if err != nil {
		return nil, bundle, fmt.Errorf("model call for %s on %s: %w", firm.Name, market.ID, err)
	}
	return blob, bundle, nil
}

// renderPrompt formats the persona, the market, and the five reports
// into the structured prompt all five models receive.
func renderPrompt(firm types.Firm, persona string, market types.Market, reports map[collect.Source]collect.Report) string {
	var b strings.Builder

	if persona != "" {
		b.WriteString(persona)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "You are the trading desk of %s.\n", firm.Name)
	fmt.Fprintf(&b, "Event: %s\n", market.Title)
	fmt.Fprintf(&b, "Category: %s\n", market.Category)
	fmt.Fprintf(&b, "Current YES ask: %.3f, bid: %.3f\n", market.AskPrice, market.BidPrice)
	if !market.ResolutionTime.IsZero() {
		fmt.Fprintf(&b, "Resolves: %s\n", market.ResolutionTime.Format("2006-01-02 15:04 UTC"))
	}
	b.WriteString("\nAnalyst reports:\n")

	for _, source := range collect.Sources {
		r := reports[source]
		fmt.Fprintf(&b, "\n[%s] score %.1f/10\n%s\n", strings.ToUpper(string(source)), r.Score, r.Summary)
	}

	b.WriteString(`
Respond with a single JSON object:
{
  "probability": <probability the event resolves YES, 0-1 or 0-100>,
  "confidence": <0-10>,
  "scores": {"sentiment": n, "news": n, "technical": n, "fundamental": n, "volatility": n},
  "analyses": {"sentiment": "...", "news": "...", "technical": "...", "fundamental": "...", "volatility": "..."},
  "probability_reasoning": "..."
}`)

	return b.String()
}
