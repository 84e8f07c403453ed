package ids

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/quantops/tradectl/internal/domain"
)

func TestClientOrderIDDeterministic(t *testing.T) {
	qty := decimal.NewFromInt(10)
	a := ClientOrderID("AAPL", domain.OrderSideBuy, qty, nil, "momo-1", "2024-12-31")
	b := ClientOrderID("AAPL", domain.OrderSideBuy, decimal.NewFromInt(10), nil, "momo-1", "2024-12-31")
	assert.Equal(t, a, b)
	assert.Len(t, a, Length)
}

func TestClientOrderIDVariesByField(t *testing.T) {
	qty := decimal.NewFromInt(10)
	lp := decimal.NewFromFloat(101.5)

	base := ClientOrderID("AAPL", domain.OrderSideBuy, qty, nil, "momo-1", "2024-12-31")

	variants := []string{
		ClientOrderID("MSFT", domain.OrderSideBuy, qty, nil, "momo-1", "2024-12-31"),
		ClientOrderID("AAPL", domain.OrderSideSell, qty, nil, "momo-1", "2024-12-31"),
		ClientOrderID("AAPL", domain.OrderSideBuy, decimal.NewFromInt(11), nil, "momo-1", "2024-12-31"),
		ClientOrderID("AAPL", domain.OrderSideBuy, qty, &lp, "momo-1", "2024-12-31"),
		ClientOrderID("AAPL", domain.OrderSideBuy, qty, nil, "momo-2", "2024-12-31"),
		ClientOrderID("AAPL", domain.OrderSideBuy, qty, nil, "momo-1", "2025-01-02"),
	}
	for i, v := range variants {
		assert.NotEqual(t, base, v, "variant %d should differ", i)
	}
}

func TestRunIDDeterministic(t *testing.T) {
	a := RunID("2024-12-31", "momo-1", "scheduled")
	b := RunID("2024-12-31", "momo-1", "scheduled")
	c := RunID("2024-12-31", "momo-1", "manual")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestModelFingerprint(t *testing.T) {
	a := ModelFingerprint("v3", "s3://models/momo/v3.json")
	b := ModelFingerprint("v3", "s3://models/momo/v3.json")
	c := ModelFingerprint("v4", "s3://models/momo/v3.json")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
