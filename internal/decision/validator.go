// Package decision normalises raw model output into canonical Prediction
// records.
//
// Model JSON is untrusted: fields go missing, probabilities arrive as
// percentages or decimals, scores arrive as strings. Everything tolerant
// lives here — no model's shape leaks deeper than this package. What
// cannot be recovered is rejected with a SchemaError and the pair is
// skipped upstream.
package decision

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"quorum-trader/pkg/types"
)

// flexFloat accepts a JSON number or a numeric string. Absent fields stay
// unset so defaulting and presence checks can tell the difference.
type flexFloat struct {
	value float64
	set   bool
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return &types.SchemaError{Field: "number", Reason: "not numeric: " + s}
	}
	f.value = v
	f.set = true
	return nil
}

// flexString accepts a JSON string or null; presence is tracked.
type flexString struct {
	value string
	set   bool
}

func (f *flexString) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return &types.SchemaError{Field: "string", Reason: "not a string"}
	}
	f.value = v
	f.set = true
	return nil
}

// rawDecision mirrors the decision schema all five models converge on.
type rawDecision struct {
	Probability flexFloat `json:"probability"`
	Confidence  flexFloat `json:"confidence"`
	Scores      struct {
		Sentiment   flexFloat `json:"sentiment"`
		News        flexFloat `json:"news"`
		Technical   flexFloat `json:"technical"`
		Fundamental flexFloat `json:"fundamental"`
		Volatility  flexFloat `json:"volatility"`
	} `json:"scores"`
	Analyses struct {
		Sentiment   flexString `json:"sentiment"`
		News        flexString `json:"news"`
		Technical   flexString `json:"technical"`
		Fundamental flexString `json:"fundamental"`
		Volatility  flexString `json:"volatility"`
	} `json:"analyses"`
	ProbabilityReasoning flexString `json:"probability_reasoning"`
}

// Validate parses a raw model blob into a canonical Prediction for the
// given firm and market. The returned prediction always satisfies the
// persisted invariants: probability in [0,1], all scores in [0,10].
func Validate(firm, marketID string, blob json.RawMessage, now time.Time) (*types.Prediction, error) {
	var raw rawDecision
	if err := json.Unmarshal(blob, &raw); err != nil {
		return nil, &types.SchemaError{Field: "decision", Reason: "invalid JSON: " + err.Error()}
	}

	if !raw.Probability.set {
		return nil, &types.SchemaError{Field: "probability", Reason: "missing"}
	}
	prob := raw.Probability.value
	// Values in (1, 100] are percentages.
	if prob > 1 && prob <= 100 {
		prob = prob / 100
	}
	if prob < 0 || prob > 1 {
		return nil, &types.SchemaError{Field: "probability", Reason: "out of range"}
	}

	if !raw.Confidence.set {
		return nil, &types.SchemaError{Field: "confidence", Reason: "missing"}
	}
	if raw.Confidence.value < 0 || raw.Confidence.value > 10 {
		return nil, &types.SchemaError{Field: "confidence", Reason: "out of [0,10]"}
	}

	score := func(field string, f flexFloat) (float64, error) {
		if !f.set {
			return 5, nil // missing scores default to neutral
		}
		if f.value < 0 || f.value > 10 {
			return 0, &types.SchemaError{Field: "scores." + field, Reason: "out of [0,10]"}
		}
		return f.value, nil
	}

	var scores types.AreaScores
	var err error
	if scores.Sentiment, err = score("sentiment", raw.Scores.Sentiment); err != nil {
		return nil, err
	}
	if scores.News, err = score("news", raw.Scores.News); err != nil {
		return nil, err
	}
	if scores.Technical, err = score("technical", raw.Scores.Technical); err != nil {
		return nil, err
	}
	if scores.Fundamental, err = score("fundamental", raw.Scores.Fundamental); err != nil {
		return nil, err
	}
	if scores.Volatility, err = score("volatility", raw.Scores.Volatility); err != nil {
		return nil, err
	}

	// All five analysis texts must be present (empty strings are fine).
	texts := map[string]flexString{
		"sentiment":   raw.Analyses.Sentiment,
		"news":        raw.Analyses.News,
		"technical":   raw.Analyses.Technical,
		"fundamental": raw.Analyses.Fundamental,
		"volatility":  raw.Analyses.Volatility,
	}
	for field, f := range texts {
		if !f.set {
			return nil, &types.SchemaError{Field: "analyses." + field, Reason: "missing"}
		}
	}
	if !raw.ProbabilityReasoning.set {
		return nil, &types.SchemaError{Field: "probability_reasoning", Reason: "missing"}
	}

	return &types.Prediction{
		ID:          uuid.NewString(),
		Firm:        firm,
		MarketID:    marketID,
		Probability: prob,
		Confidence:  raw.Confidence.value,
		Scores:      scores,
		Analyses: types.AreaAnalyses{
			Sentiment:   raw.Analyses.Sentiment.value,
			News:        raw.Analyses.News.value,
			Technical:   raw.Analyses.Technical.value,
			Fundamental: raw.Analyses.Fundamental.value,
			Volatility:  raw.Analyses.Volatility.value,
		},
		ProbabilityReasoning: raw.ProbabilityReasoning.value,
		CreatedAt:            now,
	}, nil
}
