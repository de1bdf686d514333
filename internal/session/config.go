// Per-session configuration: recognized options, defaults, validation.
//
// DESIGN: Unknown option names are rejected at validation time, never
// silently ignored. Every mutation goes through Update so out-of-range
// values cannot enter a session.
package session

import (
	"fmt"
	"math"
)

// Rank ordering keys recognized by rank_sort_algo.
const (
	RankBySimilarity       = "similarity"
	RankByConfidence       = "confidence"
	RankByEvidence         = "evidence"
	RankByGrandHamiltonian = "grand_hamiltonian"
)

// Config holds the per-session options recognized by the engine.
type Config struct {
	RecallThreshold     float64 `json:"recall_threshold" yaml:"recall_threshold"`
	MaxPredictions      int     `json:"max_predictions" yaml:"max_predictions"`
	MaxPatternLength    int     `json:"max_pattern_length" yaml:"max_pattern_length"`
	Persistence         int     `json:"persistence" yaml:"persistence"`
	UseTokenMatching    bool    `json:"use_token_matching" yaml:"use_token_matching"`
	FuzzyTokenThreshold float64 `json:"fuzzy_token_threshold" yaml:"fuzzy_token_threshold"`
	RankSortAlgo        string  `json:"rank_sort_algo" yaml:"rank_sort_algo"`
	ProcessPredictions  bool    `json:"process_predictions" yaml:"process_predictions"`
}

// DefaultConfig returns the documented defaults: recall 0.1, up to 100
// predictions, manual learn, emotive window of 5, exact token matching,
// similarity ranking, inline prediction computation.
func DefaultConfig() Config {
	return Config{
		RecallThreshold:     0.1,
		MaxPredictions:      100,
		MaxPatternLength:    0,
		Persistence:         5,
		UseTokenMatching:    true,
		FuzzyTokenThreshold: 0,
		RankSortAlgo:        RankBySimilarity,
		ProcessPredictions:  true,
	}
}

// Validate checks every field's documented range.
func (c Config) Validate() error {
	if c.RecallThreshold < 0 || c.RecallThreshold > 1 || math.IsNaN(c.RecallThreshold) {
		return fmt.Errorf("recall_threshold must be in [0,1], got %v", c.RecallThreshold)
	}
	if c.MaxPredictions < 1 || c.MaxPredictions > 1000 {
		return fmt.Errorf("max_predictions must be in [1,1000], got %d", c.MaxPredictions)
	}
	if c.MaxPatternLength < 0 {
		return fmt.Errorf("max_pattern_length must be >= 0, got %d", c.MaxPatternLength)
	}
	if c.Persistence < 1 {
		return fmt.Errorf("persistence must be >= 1, got %d", c.Persistence)
	}
	if c.FuzzyTokenThreshold < 0 || c.FuzzyTokenThreshold > 1 || math.IsNaN(c.FuzzyTokenThreshold) {
		return fmt.Errorf("fuzzy_token_threshold must be in [0,1], got %v", c.FuzzyTokenThreshold)
	}
	switch c.RankSortAlgo {
	case RankBySimilarity, RankByConfidence, RankByEvidence, RankByGrandHamiltonian:
	default:
		return fmt.Errorf("rank_sort_algo must be one of similarity, confidence, evidence, grand_hamiltonian; got %q", c.RankSortAlgo)
	}
	return nil
}

// Update applies a patch of recognized option names. Unknown keys and
// wrongly typed or out-of-range values are rejected atomically: on error
// the receiver is unchanged.
func (c *Config) Update(patch map[string]any) error {
	next := *c
	for key, raw := range patch {
		switch key {
		case "recall_threshold":
			v, err := asFloat(key, raw)
			if err != nil {
				return err
			}
			next.RecallThreshold = v
		case "max_predictions":
			v, err := asInt(key, raw)
			if err != nil {
				return err
			}
			next.MaxPredictions = v
		case "max_pattern_length":
			v, err := asInt(key, raw)
			if err != nil {
				return err
			}
			next.MaxPatternLength = v
		case "persistence":
			v, err := asInt(key, raw)
			if err != nil {
				return err
			}
			next.Persistence = v
		case "use_token_matching":
			v, err := asBool(key, raw)
			if err != nil {
				return err
			}
			next.UseTokenMatching = v
		case "fuzzy_token_threshold":
			v, err := asFloat(key, raw)
			if err != nil {
				return err
			}
			next.FuzzyTokenThreshold = v
		case "rank_sort_algo":
			v, ok := raw.(string)
			if !ok {
				return fmt.Errorf("rank_sort_algo must be a string")
			}
			next.RankSortAlgo = v
		case "process_predictions":
			v, err := asBool(key, raw)
			if err != nil {
				return err
			}
			next.ProcessPredictions = v
		default:
			return fmt.Errorf("unknown configuration key %q", key)
		}
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}

func asFloat(key string, raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("%s must be a number", key)
	}
}

func asInt(key string, raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("%s must be an integer", key)
	}
}

func asBool(key string, raw any) (bool, error) {
	v, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("%s must be a boolean", key)
	}
	return v, nil
}
