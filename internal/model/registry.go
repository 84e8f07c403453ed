package model

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/quantops/tradectl/internal/domain"
	"github.com/quantops/tradectl/internal/ids"
)

// ReloadResult reports the outcome of one registry poll.
type ReloadResult struct {
	Reloaded        bool   `json:"reloaded"`
	PreviousVersion string `json:"previous_version,omitempty"`
	CurrentVersion  string `json:"current_version"`
}

// Registry polls the durable store for the active model version and serves
// the loaded model behind an atomic pointer. The swap is a single pointer
// write: requests holding the old handle finish on the old model, requests
// after the publish see the new one.
type Registry struct {
	store      domain.ModelStore
	loader     *ArtifactLoader
	bus        domain.SignalBus
	strategyID string
	interval   time.Duration
	log        *slog.Logger

	current      atomic.Pointer[Model]
	loadFailures atomic.Int64
}

// NewRegistry creates a Registry for one strategy. bus may be nil.
func NewRegistry(store domain.ModelStore, loader *ArtifactLoader, bus domain.SignalBus, strategyID string, interval time.Duration, log *slog.Logger) *Registry {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		store:      store,
		loader:     loader,
		bus:        bus,
		strategyID: strategyID,
		interval:   interval,
		log:        log,
	}
}

// Current returns the loaded model, or a model_not_loaded error when no
// version has been loaded yet.
func (r *Registry) Current() (*Model, error) {
	m := r.current.Load()
	if m == nil {
		return nil, domain.Ef(domain.KindModelNotLoaded, "no model loaded for strategy %s", r.strategyID)
	}
	return m, nil
}

// LoadFailures returns the count of failed artifact loads since start.
func (r *Registry) LoadFailures() int64 {
	return r.loadFailures.Load()
}

// Poll reads the active registry row and swaps the loaded model when the
// fingerprint changed. A load failure leaves the current model serving.
func (r *Registry) Poll(ctx context.Context) (ReloadResult, error) {
	prev := r.current.Load()
	res := ReloadResult{}
	if prev != nil {
		res.PreviousVersion = prev.Version()
		res.CurrentVersion = prev.Version()
	}

	meta, err := r.store.GetActive(ctx, r.strategyID)
	if err != nil {
		return res, domain.Wrap(domain.KindStorage, "registry read failed", err)
	}

	fp := ids.ModelFingerprint(meta.Version, meta.ModelPath)
	if prev != nil && prev.Fingerprint == fp {
		return res, nil
	}

	artifact, err := r.loader.Load(ctx, meta.ModelPath)
	if err != nil {
		r.loadFailures.Add(1)
		r.log.Error("model artifact load failed, keeping current model",
			"strategy", r.strategyID, "version", meta.Version, "err", err)
		return res, err
	}

	next := &Model{Meta: meta, Fingerprint: fp, artifact: artifact}
	r.current.Store(next)
	res.Reloaded = true
	res.CurrentVersion = meta.Version

	r.log.Info("model swapped",
		"strategy", r.strategyID,
		"previous_version", res.PreviousVersion,
		"current_version", meta.Version,
		"family", meta.Family)
	r.announce(ctx, res)
	return res, nil
}

// Run polls on the configured interval until ctx is canceled. An immediate
// poll happens first so the service comes up loaded.
func (r *Registry) Run(ctx context.Context) error {
	if _, err := r.Poll(ctx); err != nil {
		r.log.Warn("initial model poll failed", "err", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Poll(ctx); err != nil {
				r.log.Warn("model poll failed", "err", err)
			}
		}
	}
}

func (r *Registry) announce(ctx context.Context, res ReloadResult) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, domain.ChannelReload, payload); err != nil {
		r.log.Warn("model reload publish failed", "err", err)
	}
}
