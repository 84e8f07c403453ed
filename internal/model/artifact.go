// Package model loads scoring model artifacts from the registry and serves
// them behind an atomically swapped handle, so version changes never stall
// in-flight signal requests.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/quantops/tradectl/internal/domain"
)

// Artifact is the serialized model payload. Strategies differ by artifact and
// hyperparameters, not by code; Family selects the scoring path.
type Artifact struct {
	Family    domain.ModelFamily `json:"family"`
	Intercept float64            `json:"intercept"`
	// Weights maps feature name to coefficient for the linear family.
	Weights map[string]float64 `json:"weights,omitempty"`
	// Lookback is the momentum window length in trading days.
	Lookback int `json:"lookback,omitempty"`
	// Scale multiplies the momentum score.
	Scale float64 `json:"scale,omitempty"`
}

// Model is one loaded, immutable model version. Safe for concurrent use.
type Model struct {
	Meta        domain.ModelMetadata
	Fingerprint string
	artifact    Artifact
}

// Version returns the loaded registry version.
func (m *Model) Version() string {
	return m.Meta.Version
}

// Score produces a raw predicted return for one symbol's feature vector.
func (m *Model) Score(features map[string]float64) float64 {
	switch m.artifact.Family {
	case domain.ModelFamilyMomentum:
		return m.scoreMomentum(features)
	default:
		return m.scoreLinear(features)
	}
}

func (m *Model) scoreLinear(features map[string]float64) float64 {
	score := m.artifact.Intercept
	for name, w := range m.artifact.Weights {
		score += w * features[name]
	}
	return score
}

// scoreMomentum averages the trailing return features ret_1..ret_N. Missing
// features count as zero, matching how the feature source backfills gaps.
func (m *Model) scoreMomentum(features map[string]float64) float64 {
	lookback := m.artifact.Lookback
	if lookback <= 0 {
		lookback = 20
	}
	scale := m.artifact.Scale
	if scale == 0 {
		scale = 1
	}

	var sum float64
	for i := 1; i <= lookback; i++ {
		sum += features[fmt.Sprintf("ret_%d", i)]
	}
	return m.artifact.Intercept + scale*sum/float64(lookback)
}

// ArtifactLoader fetches artifact bytes for a model_path URI. file:// paths
// read from local disk; s3:// paths go through the blob reader.
type ArtifactLoader struct {
	Blobs domain.BlobReader
}

// Load fetches and decodes the artifact at the given URI.
func (l *ArtifactLoader) Load(ctx context.Context, uri string) (Artifact, error) {
	raw, err := l.fetch(ctx, uri)
	if err != nil {
		return Artifact{}, err
	}

	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return Artifact{}, fmt.Errorf("model: decode artifact %s: %w", uri, err)
	}
	if a.Family == "" {
		a.Family = domain.ModelFamilyLinear
	}
	return a, nil
}

func (l *ArtifactLoader) fetch(ctx context.Context, uri string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("model: parse artifact uri %q: %w", uri, err)
	}

	switch u.Scheme {
	case "file", "":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("model: read artifact %s: %w", uri, err)
		}
		return raw, nil
	case "s3":
		if l.Blobs == nil {
			return nil, fmt.Errorf("model: s3 artifact %s but no blob reader configured", uri)
		}
		key := strings.TrimPrefix(u.Path, "/")
		raw, err := l.Blobs.Read(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("model: fetch artifact %s: %w", uri, err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("model: unsupported artifact scheme %q", u.Scheme)
	}
}
