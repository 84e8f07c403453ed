// Package signal computes target weights for a symbol universe using the
// currently loaded model: score, z-normalize, rank, and assign equal weights
// to the top and bottom of the book.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FeatureVector maps feature name to value for one symbol.
type FeatureVector map[string]float64

// FeatureSource fetches per-symbol features for a date. Symbols without
// features are simply absent from the result; the generator treats a thin
// result as a degraded universe, not an error.
type FeatureSource interface {
	Features(ctx context.Context, symbols []string, asOfDate string) (map[string]FeatureVector, error)
}

// FeatureFunc adapts a function to FeatureSource.
type FeatureFunc func(ctx context.Context, symbols []string, asOfDate string) (map[string]FeatureVector, error)

// Features implements FeatureSource.
func (f FeatureFunc) Features(ctx context.Context, symbols []string, asOfDate string) (map[string]FeatureVector, error) {
	return f(ctx, symbols, asOfDate)
}

// FileFeatureSource reads features from <dir>/<as_of_date>.json, a JSON
// object of symbol to feature vector. Used for paper runs and local work.
type FileFeatureSource struct {
	Dir string
}

// Features implements FeatureSource. A missing date file yields an empty map.
func (s *FileFeatureSource) Features(ctx context.Context, symbols []string, asOfDate string) (map[string]FeatureVector, error) {
	raw, err := os.ReadFile(filepath.Join(s.Dir, asOfDate+".json"))
	if os.IsNotExist(err) {
		return map[string]FeatureVector{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("signal: read features for %s: %w", asOfDate, err)
	}

	var all map[string]FeatureVector
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("signal: decode features for %s: %w", asOfDate, err)
	}

	out := make(map[string]FeatureVector, len(symbols))
	for _, sym := range symbols {
		if fv, ok := all[sym]; ok {
			out[sym] = fv
		}
	}
	return out, nil
}
