package model

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantops/tradectl/internal/domain"
)

type memModelStore struct {
	active map[string]domain.ModelMetadata
	err    error
}

func (m *memModelStore) GetActive(ctx context.Context, strategyID string) (domain.ModelMetadata, error) {
	if m.err != nil {
		return domain.ModelMetadata{}, m.err
	}
	meta, ok := m.active[strategyID]
	if !ok {
		return domain.ModelMetadata{}, domain.ErrNotFound
	}
	return meta, nil
}

func (m *memModelStore) Get(ctx context.Context, strategyID, version string) (domain.ModelMetadata, error) {
	return domain.ModelMetadata{}, domain.ErrNotFound
}
func (m *memModelStore) Create(ctx context.Context, meta domain.ModelMetadata) error { return nil }
func (m *memModelStore) Activate(ctx context.Context, strategyID, version string) error {
	return nil
}
func (m *memModelStore) List(ctx context.Context, strategyID string) ([]domain.ModelMetadata, error) {
	return nil, nil
}

func writeArtifact(t *testing.T, a Artifact) string {
	t.Helper()
	raw, err := json.Marshal(a)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return "file://" + path
}

func newTestRegistry(store domain.ModelStore) *Registry {
	return NewRegistry(store, &ArtifactLoader{}, nil, "alpha", time.Minute, nil)
}

func TestPollLoadsActiveModel(t *testing.T) {
	uri := writeArtifact(t, Artifact{
		Family:    domain.ModelFamilyLinear,
		Intercept: 0.01,
		Weights:   map[string]float64{"momentum_20": 0.5},
	})
	store := &memModelStore{active: map[string]domain.ModelMetadata{
		"alpha": {StrategyID: "alpha", Version: "v1", ModelPath: uri},
	}}
	r := newTestRegistry(store)

	_, err := r.Current()
	require.Error(t, err)
	assert.Equal(t, domain.KindModelNotLoaded, domain.KindOf(err))

	res, err := r.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Reloaded)
	assert.Equal(t, "v1", res.CurrentVersion)

	m, err := r.Current()
	require.NoError(t, err)
	assert.Equal(t, "v1", m.Version())
	assert.InDelta(t, 0.01+0.5*2.0, m.Score(map[string]float64{"momentum_20": 2.0}), 1e-12)
}

func TestPollNoChangeIsNoop(t *testing.T) {
	uri := writeArtifact(t, Artifact{Family: domain.ModelFamilyLinear})
	store := &memModelStore{active: map[string]domain.ModelMetadata{
		"alpha": {StrategyID: "alpha", Version: "v1", ModelPath: uri},
	}}
	r := newTestRegistry(store)

	res, err := r.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Reloaded)

	first, _ := r.Current()

	res, err = r.Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Reloaded)

	second, _ := r.Current()
	assert.Same(t, first, second, "handle must not churn when the fingerprint is unchanged")
}

func TestPollSwapsOnNewVersion(t *testing.T) {
	uriV1 := writeArtifact(t, Artifact{Intercept: 1})
	store := &memModelStore{active: map[string]domain.ModelMetadata{
		"alpha": {StrategyID: "alpha", Version: "v1", ModelPath: uriV1},
	}}
	r := newTestRegistry(store)

	_, err := r.Poll(context.Background())
	require.NoError(t, err)

	uriV2 := writeArtifact(t, Artifact{Intercept: 2})
	store.active["alpha"] = domain.ModelMetadata{StrategyID: "alpha", Version: "v2", ModelPath: uriV2}

	res, err := r.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Reloaded)
	assert.Equal(t, "v1", res.PreviousVersion)
	assert.Equal(t, "v2", res.CurrentVersion)

	m, err := r.Current()
	require.NoError(t, err)
	assert.Equal(t, "v2", m.Version())
}

func TestLoadFailureKeepsCurrentModel(t *testing.T) {
	uri := writeArtifact(t, Artifact{Intercept: 1})
	store := &memModelStore{active: map[string]domain.ModelMetadata{
		"alpha": {StrategyID: "alpha", Version: "v1", ModelPath: uri},
	}}
	r := newTestRegistry(store)

	_, err := r.Poll(context.Background())
	require.NoError(t, err)

	store.active["alpha"] = domain.ModelMetadata{
		StrategyID: "alpha", Version: "v2", ModelPath: "file:///does/not/exist.json",
	}

	_, err = r.Poll(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(1), r.LoadFailures())

	m, err := r.Current()
	require.NoError(t, err)
	assert.Equal(t, "v1", m.Version(), "failed load must not evict the serving model")
}

func TestMomentumScoring(t *testing.T) {
	m := &Model{artifact: Artifact{
		Family:   domain.ModelFamilyMomentum,
		Lookback: 2,
		Scale:    1,
	}}
	score := m.Score(map[string]float64{"ret_1": 0.02, "ret_2": 0.04})
	assert.InDelta(t, 0.03, score, 1e-12)
}
