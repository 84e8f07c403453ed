package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/quantops/tradectl/internal/domain"
)

// circuitKey is the singleton breaker record, shared by every service.
const circuitKey = "circuit:state"

// circuitCASLua replaces the breaker record only while the stored state field
// still equals the expected state. A missing record counts as OPEN.
// KEYS[1] = record key, ARGV[1] = expected state, ARGV[2] = next record JSON.
// Returns 1 on success, 0 on conflict.
const circuitCASLua = `
local cur = redis.call('GET', KEYS[1])
local state = 'OPEN'
if cur then
    local ok, decoded = pcall(cjson.decode, cur)
    if ok and decoded['state'] then
        state = decoded['state']
    end
end
if state ~= ARGV[1] then
    return 0
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`

// circuitResetCountLua zeroes trip_count_today in place, preserving the rest
// of the record.
const circuitResetCountLua = `
local cur = redis.call('GET', KEYS[1])
if not cur then
    return 0
end
local ok, decoded = pcall(cjson.decode, cur)
if not ok then
    return 0
end
decoded['trip_count_today'] = 0
redis.call('SET', KEYS[1], cjson.encode(decoded))
return 1
`

// CircuitStore implements domain.CircuitStore on Redis. Reads are plain GETs
// (lock-free); transitions run through the Lua compare-and-set so concurrent
// writers serialize and losers see ErrCASConflict.
type CircuitStore struct {
	rdb     *redis.Client
	casSc   *redis.Script
	resetSc *redis.Script
}

// NewCircuitStore creates a CircuitStore backed by the given Client.
func NewCircuitStore(c *Client) *CircuitStore {
	return &CircuitStore{
		rdb:     c.Underlying(),
		casSc:   redis.NewScript(circuitCASLua),
		resetSc: redis.NewScript(circuitResetCountLua),
	}
}

// Read returns the current breaker record. A missing record reads as OPEN
// with zero counters.
func (cs *CircuitStore) Read(ctx context.Context) (domain.CircuitRecord, error) {
	raw, err := cs.rdb.Get(ctx, circuitKey).Bytes()
	if err == redis.Nil {
		return domain.CircuitRecord{State: domain.CircuitOpen}, nil
	}
	if err != nil {
		return domain.CircuitRecord{}, fmt.Errorf("redis: read circuit: %w", err)
	}

	var rec domain.CircuitRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.CircuitRecord{}, fmt.Errorf("redis: decode circuit record: %w", err)
	}
	return rec, nil
}

// CompareAndSet atomically replaces the record while the stored state still
// equals expectState. Returns domain.ErrCASConflict when another writer won.
func (cs *CircuitStore) CompareAndSet(ctx context.Context, expectState domain.CircuitState, next domain.CircuitRecord) error {
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("redis: encode circuit record: %w", err)
	}

	res, err := cs.casSc.Run(ctx, cs.rdb, []string{circuitKey}, string(expectState), payload).Int()
	if err != nil {
		return fmt.Errorf("redis: circuit cas: %w", err)
	}
	if res != 1 {
		return domain.ErrCASConflict
	}
	return nil
}

// ResetTripCount zeroes trip_count_today, preserving the rest of the record.
// Scheduled at UTC midnight.
func (cs *CircuitStore) ResetTripCount(ctx context.Context) error {
	if err := cs.resetSc.Run(ctx, cs.rdb, []string{circuitKey}).Err(); err != nil {
		return fmt.Errorf("redis: circuit reset trip count: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.CircuitStore = (*CircuitStore)(nil)
