// Package ids derives the deterministic identifiers used for idempotency
// across the control plane. All ids are the first 24 hex characters of a
// SHA-256 over the canonical `|`-delimited input, so retries of the same
// logical intent always produce the same id.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/quantops/tradectl/internal/domain"
)

// Length is the number of hex characters kept from the hash. 24 fits broker
// client-order-id limits.
const Length = 24

func hash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:Length]
}

// ClientOrderID derives the order identity from the full trading intent.
// limitPrice may be nil for market orders; date is the UTC calendar date in
// ISO-8601 (YYYY-MM-DD).
func ClientOrderID(symbol string, side domain.OrderSide, qty decimal.Decimal, limitPrice *decimal.Decimal, strategyID, date string) string {
	lp := ""
	if limitPrice != nil {
		lp = limitPrice.String()
	}
	return hash(symbol, string(side), qty.String(), lp, strategyID, date)
}

// RunID derives the orchestrator run identity from (date, strategy, trigger).
func RunID(date, strategyID, trigger string) string {
	return hash(date, strategyID, trigger)
}

// ModelFingerprint identifies a loaded model by version and artifact path so
// the registry poller can detect swaps cheaply.
func ModelFingerprint(version, modelPath string) string {
	return hash(version, modelPath)
}
