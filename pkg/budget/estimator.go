// Package budget allocates a fixed token budget across categorized, scored
// memories.
package budget

import (
	"math"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator estimates the token cost of a piece of text.
type Estimator interface {
	Estimate(text string) int
}

// charsPerToken is the average characters-per-token ratio the heuristic
// estimator assumes for English prose.
const charsPerToken = 3.5

// HeuristicEstimator estimates tokens as ceil(len/3.5). Deterministic and
// dependency-free, it is the default.
type HeuristicEstimator struct{}

// Estimate returns the heuristic token count for text.
func (HeuristicEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / charsPerToken))
}

// TiktokenEstimator counts tokens with the cl100k_base encoding. It falls
// back to the heuristic when the encoding cannot be loaded.
type TiktokenEstimator struct {
	encoding *tiktoken.Tiktoken
	fallback HeuristicEstimator
}

// NewTiktokenEstimator loads the cl100k_base encoding. The returned estimator
// is usable even when loading fails; it just estimates heuristically.
func NewTiktokenEstimator() (*TiktokenEstimator, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &TiktokenEstimator{}, err
	}
	return &TiktokenEstimator{encoding: enc}, nil
}

// Estimate returns the exact cl100k_base token count for text.
func (e *TiktokenEstimator) Estimate(text string) int {
	if e.encoding == nil {
		return e.fallback.Estimate(text)
	}
	return len(e.encoding.Encode(text, nil, nil))
}
