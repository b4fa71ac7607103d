// Package collect defines the market-data collectors feeding the
// analysis pipeline: technical, news, sentiment, fundamental, and
// volatility sources.
//
// Collectors are best-effort by contract. An unreachable or failing
// source returns a neutral report (score 5/10, failure noted in the
// summary) rather than an error, so one upstream outage never blocks a
// trading cycle.
package collect

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// Source names the five analytic areas.
type Source string

const (
	SourceTechnical   Source = "technical"
	SourceNews        Source = "news"
	SourceSentiment   Source = "sentiment"
	SourceFundamental Source = "fundamental"
	SourceVolatility  Source = "volatility"
)

// Sources lists every area in a fixed order.
var Sources = []Source{
	SourceTechnical, SourceNews, SourceSentiment, SourceFundamental, SourceVolatility,
}

// Report is one collector's view of one symbol.
type Report struct {
	Source  Source  `json:"source"`
	Symbol  string  `json:"symbol"`
	Score   float64 `json:"score"` // [0, 10], 5 = neutral
	Summary string  `json:"summary"`
	Neutral bool    `json:"neutral"` // true when this is a fallback report
}

// NeutralReport is the fallback when a collector fails.
func NeutralReport(source Source, symbol, reason string) Report {
	return Report{
		Source:  source,
		Symbol:  symbol,
		Score:   5,
		Summary: fmt.Sprintf("no %s data available (%s)", source, reason),
		Neutral: true,
	}
}

// Collector produces a report for a symbol.
type Collector interface {
	Source() Source
	Collect(ctx context.Context, symbol string) (Report, error)
}

// HTTPCollector queries one collector service over REST.
type HTTPCollector struct {
	source Source
	http   *resty.Client
	logger *slog.Logger
}

// NewHTTPCollector creates a collector pointed at one source service.
func NewHTTPCollector(source Source, baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *HTTPCollector {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)
	if apiKey != "" {
		client.SetHeader("X-Api-Key", apiKey)
	}

	return &HTTPCollector{
		source: source,
		http:   client,
		logger: logger.With("component", "collector", "source", string(source)),
	}
}

// Source returns the collector's area.
func (c *HTTPCollector) Source() Source { return c.source }

// Collect fetches the report. On any failure it returns a neutral report
// and no error — the failure is recorded in the report text.
func (c *HTTPCollector) Collect(ctx context.Context, symbol string) (Report, error) {
	var report Report
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&report).
		Get("/report")
	if err != nil {
		c.logger.Warn("collector unreachable, using neutral report", "symbol", symbol, "error", err)
		return NeutralReport(c.source, symbol, "unreachable"), nil
	}
	if resp.StatusCode() != 200 {
		c.logger.Warn("collector error, using neutral report", "symbol", symbol, "status", resp.StatusCode())
		return NeutralReport(c.source, symbol, fmt.Sprintf("status %d", resp.StatusCode())), nil
	}

	report.Source = c.source
	report.Symbol = symbol
	if report.Score < 0 || report.Score > 10 {
		report.Score = 5
	}
	return report, nil
}

// Set bundles the five collectors.
type Set map[Source]Collector
