// Package markets discovers tradable binary markets on the venue.
//
// The fetcher walks the venue's paginated listing, normalises each row,
// fetches full detail for the candidates (the listing alone does not
// carry token IDs), and applies the tradability invariant. Every
// rejection is logged with a structured reason tag so a quiet cycle can
// be diagnosed from logs alone.
package markets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"quorum-trader/internal/venue"
	"quorum-trader/pkg/types"
)

// venueAPI is the slice of the venue client the fetcher needs.
type venueAPI interface {
	Markets(ctx context.Context, limit, offset int) ([]venue.MarketSummary, error)
	Market(ctx context.Context, marketID string) (*venue.MarketDetail, error)
	Orderbook(ctx context.Context, tokenID string) (*venue.Orderbook, error)
}

// Fetcher retrieves and filters the tradable market set.
type Fetcher struct {
	client     venueAPI
	pageSize   int
	maxMarkets int
	logger     *slog.Logger
}

// NewFetcher creates a market fetcher.
func NewFetcher(client venueAPI, pageSize, maxMarkets int, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		client:     client,
		pageSize:   pageSize,
		maxMarkets: maxMarkets,
		logger:     logger.With("component", "fetcher"),
	}
}

// Result is one fetch pass: the tradable set plus the raw fetched count
// for the cycle record.
type Result struct {
	Markets []types.Market
	Fetched int
}

// FetchTradable walks the listing and returns tradable markets in
// listing order. A single market's detail failing is non-fatal (skipped
// with a log); the page walk failing aborts the whole fetch — without a
// market list there is no cycle.
func (f *Fetcher) FetchTradable(ctx context.Context) (*Result, error) {
	summaries, err := f.walkListing(ctx)
	if err != nil {
		return nil, fmt.Errorf("market listing: %w", err)
	}

	result := &Result{Fetched: len(summaries)}
	for _, s := range summaries {
		status := types.NormalizeMarketStatus(s.Status)
		if status != types.MarketActivated {
			f.logger.Debug("market rejected", "market", s.MarketID, "reason", types.RejectInactive, "status", string(status))
			continue
		}

		detail, err := f.client.Market(ctx, s.MarketID)
		if err != nil {
			f.logger.Error("market detail fetch failed, skipping", "market", s.MarketID, "error", err)
			continue
		}
		if detail == nil {
			// Listed but vanished (404) — silently skipped.
			continue
		}

		m := f.normalize(s, detail)

		// Token existence is checked before any orderbook probe: probing
		// books for tokenless markets costs a venue call per untradable
		// market and buys nothing.
		ok, reason := m.Tradable()
		if !ok {
			f.logger.Info("market rejected", "market", m.ID, "reason", reason)
			continue
		}
		if m.AskPrice == 0 || m.BidPrice == 0 {
			if !f.probeLiquidity(ctx, &m) {
				f.logger.Info("market rejected", "market", m.ID, "reason", types.RejectNoLiq)
				continue
			}
		}

		result.Markets = append(result.Markets, m)
	}

	f.logger.Info("fetch complete",
		"fetched", result.Fetched,
		"tradable", len(result.Markets),
	)
	return result, nil
}

// walkListing pages through the listing until the cap or end-of-data.
func (f *Fetcher) walkListing(ctx context.Context) ([]venue.MarketSummary, error) {
	var all []venue.MarketSummary
	offset := 0

	for len(all) < f.maxMarkets {
		page, err := f.client.Markets(ctx, f.pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("page at offset %d: %w", offset, err)
		}

		all = append(all, page...)
		if len(page) < f.pageSize {
			break
		}
		offset += f.pageSize
	}

	if len(all) > f.maxMarkets {
		all = all[:f.maxMarkets]
	}
	return all, nil
}

// probeLiquidity confirms a market has a live book when the detail
// record carried no top-of-book prices. Only reached after the token
// checks pass.
func (f *Fetcher) probeLiquidity(ctx context.Context, m *types.Market) bool {
	book, err := f.client.Orderbook(ctx, m.YesTokenID)
	if err != nil || book == nil {
		return false
	}
	ask, askOK := venue.ParsePrice(book.Ask)
	bid, bidOK := venue.ParsePrice(book.Bid)
	if !askOK && !bidOK {
		return false
	}
	m.AskPrice = ask
	m.BidPrice = bid
	return askOK || bidOK
}

func (f *Fetcher) normalize(s venue.MarketSummary, d *venue.MarketDetail) types.Market {
	ask, _ := venue.ParsePrice(d.AskPrice)
	bid, _ := venue.ParsePrice(d.BidPrice)

	var resolution time.Time
	if s.ResolutionTime != "" {
		resolution, _ = time.Parse(time.RFC3339, s.ResolutionTime)
	}

	return types.Market{
		ID:             s.MarketID,
		Title:          s.Title,
		Category:       normalizeCategory(s.Category),
		Status:         types.NormalizeMarketStatus(d.Status),
		YesTokenID:     d.YesTokenID,
		NoTokenID:      d.NoTokenID,
		AskPrice:       ask,
		BidPrice:       bid,
		Volume:         s.Volume,
		Liquidity:      s.Liquidity,
		ResolutionTime: resolution,
	}
}

var categoryAliases = map[string]types.Category{
	"crypto":         types.CategoryCrypto,
	"cryptocurrency": types.CategoryCrypto,
	"rates":          types.CategoryRates,
	"commodities":    types.CategoryCommodities,
	"inflation":      types.CategoryInflation,
	"employment":     types.CategoryEmployment,
	"finance":        types.CategoryFinance,
	"politics":       types.CategoryPolitics,
	"tech":           types.CategoryTech,
	"technology":     types.CategoryTech,
	"sports":         types.CategorySports,
	"sport":          types.CategorySports,
}

func normalizeCategory(raw string) types.Category {
	if c, ok := categoryAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return c
	}
	return types.CategoryOther
}
