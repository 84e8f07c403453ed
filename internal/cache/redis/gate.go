package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantops/tradectl/internal/domain"
)

// gateTTL bounds how long a reconciled gate stays set without renewal. The
// reconciler re-sets gates every pass, so a crashed reconciler lets gates
// expire and services fall back to refusing writes.
const gateTTL = 30 * time.Minute

func gateKey(service string) string {
	return "gate:reconciled:" + service
}

// GateStore implements domain.GateStore on Redis string keys with a TTL.
type GateStore struct {
	rdb *redis.Client
}

// NewGateStore creates a GateStore backed by the given Client.
func NewGateStore(c *Client) *GateStore {
	return &GateStore{rdb: c.Underlying()}
}

// Set marks the service as reconciled.
func (g *GateStore) Set(ctx context.Context, service string) error {
	if err := g.rdb.Set(ctx, gateKey(service), time.Now().UTC().Format(time.RFC3339), gateTTL).Err(); err != nil {
		return fmt.Errorf("redis: set gate %s: %w", service, err)
	}
	return nil
}

// Clear unsets the gate, forcing the service to refuse write traffic.
func (g *GateStore) Clear(ctx context.Context, service string) error {
	if err := g.rdb.Del(ctx, gateKey(service)).Err(); err != nil {
		return fmt.Errorf("redis: clear gate %s: %w", service, err)
	}
	return nil
}

// IsSet reports whether the service's reconciled gate is set.
func (g *GateStore) IsSet(ctx context.Context, service string) (bool, error) {
	n, err := g.rdb.Exists(ctx, gateKey(service)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: check gate %s: %w", service, err)
	}
	return n > 0, nil
}

// Compile-time interface check.
var _ domain.GateStore = (*GateStore)(nil)
