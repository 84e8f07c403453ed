package signal

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/quantops/tradectl/internal/domain"
	"github.com/quantops/tradectl/internal/model"
)

// Config holds the generator knobs.
type Config struct {
	// MinUniverse is the minimum count of symbols with features required to
	// produce signals; below it the generator returns empty with a warning.
	MinUniverse int
	// TopN is the book size per side: TopN longs and TopN shorts.
	TopN int
}

// DefaultConfig mirrors the production settings.
func DefaultConfig() Config {
	return Config{MinUniverse: 6, TopN: 3}
}

// Request is one signal generation call.
type Request struct {
	Symbols    []string `json:"symbols"`
	AsOfDate   string   `json:"as_of_date"`
	StrategyID string   `json:"strategy_id,omitempty"`
}

// Generator scores a universe with the registry's current model.
type Generator struct {
	registry *model.Registry
	features FeatureSource
	cfg      Config
	log      *slog.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(registry *model.Registry, features FeatureSource, cfg Config, log *slog.Logger) *Generator {
	if log == nil {
		log = slog.Default()
	}
	return &Generator{registry: registry, features: features, cfg: cfg, log: log}
}

// Generate computes the signal set for the request. A missing model is a
// model_not_loaded error (503 at the boundary); a thin universe returns an
// empty set with metadata.warning set.
func (g *Generator) Generate(ctx context.Context, req Request) (domain.SignalSet, error) {
	m, err := g.registry.Current()
	if err != nil {
		return domain.SignalSet{}, err
	}

	meta := domain.SignalMetadata{
		StrategyID:   req.StrategyID,
		ModelVersion: m.Version(),
		AsOfDate:     req.AsOfDate,
		GeneratedAt:  time.Now().UTC(),
	}

	if len(req.Symbols) == 0 {
		meta.Warning = "empty universe"
		return domain.SignalSet{Signals: []domain.Signal{}, Metadata: meta}, nil
	}

	feats, err := g.features.Features(ctx, req.Symbols, req.AsOfDate)
	if err != nil {
		return domain.SignalSet{}, domain.Wrap(domain.KindStorage, "feature fetch failed", err)
	}

	// Keep only symbols that actually have features, preserving request order
	// for deterministic downstream behavior.
	var universe []string
	for _, sym := range req.Symbols {
		if _, ok := feats[sym]; ok {
			universe = append(universe, sym)
		}
	}

	if len(universe) < g.cfg.MinUniverse {
		meta.Warning = "insufficient symbols with features"
		g.log.Warn("signal universe below minimum",
			"have", len(universe), "min", g.cfg.MinUniverse, "as_of", req.AsOfDate)
		return domain.SignalSet{Signals: []domain.Signal{}, Metadata: meta}, nil
	}

	if 2*g.cfg.TopN > len(universe) {
		return domain.SignalSet{}, domain.Ef(domain.KindValidation,
			"book size 2x%d exceeds universe of %d", g.cfg.TopN, len(universe))
	}

	raw := make([]float64, len(universe))
	for i, sym := range universe {
		raw[i] = m.Score(feats[sym])
	}

	scores := normalize(raw)

	signals := make([]domain.Signal, len(universe))
	for i, sym := range universe {
		signals[i] = domain.Signal{Symbol: sym, PredictedReturn: scores[i]}
	}
	rank(signals)
	assignWeights(signals, g.cfg.TopN)

	return domain.SignalSet{Signals: signals, Metadata: meta}, nil
}

// normalize z-scores the predictions and squashes them through tanh so the
// output is bounded in (-1, 1). A degenerate universe (zero variance) maps to
// all zeros rather than NaNs.
func normalize(raw []float64) []float64 {
	mean, std := stat.MeanStdDev(raw, nil)
	out := make([]float64, len(raw))
	if std == 0 || math.IsNaN(std) {
		return out
	}
	for i, v := range raw {
		out[i] = math.Tanh((v - mean) / std)
	}
	return out
}

// rank sorts signals by predicted return descending (ties broken by symbol so
// output is stable) and assigns dense ranks: ties share a rank and the next
// distinct value takes the following rank with no gap.
func rank(signals []domain.Signal) {
	sort.Slice(signals, func(i, j int) bool {
		if signals[i].PredictedReturn != signals[j].PredictedReturn {
			return signals[i].PredictedReturn > signals[j].PredictedReturn
		}
		return signals[i].Symbol < signals[j].Symbol
	})

	current := 0
	for i := range signals {
		if i > 0 && signals[i].PredictedReturn == signals[i-1].PredictedReturn {
			signals[i].Rank = current
			continue
		}
		current++
		signals[i].Rank = current
	}
}

// assignWeights gives the first n signals +1/n, the last n -1/n, and zero to
// the middle. Callers have already verified 2n does not exceed the universe.
func assignWeights(signals []domain.Signal, n int) {
	if n <= 0 {
		return
	}
	w := 1.0 / float64(n)
	for i := range signals {
		switch {
		case i < n:
			signals[i].TargetWeight = w
		case i >= len(signals)-n:
			signals[i].TargetWeight = -w
		}
	}
}

// Weights extracts the nonzero target weights from a signal set.
func Weights(set domain.SignalSet) domain.TargetWeights {
	out := domain.TargetWeights{}
	for _, s := range set.Signals {
		if s.TargetWeight != 0 {
			out[s.Symbol] = s.TargetWeight
		}
	}
	return out
}
