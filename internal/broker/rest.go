// Package broker provides the outbound broker clients: a signed REST client
// for the live API and an in-memory paper broker used for dry runs and tests.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantops/tradectl/internal/crypto"
	"github.com/quantops/tradectl/internal/domain"
)

// RESTConfig configures the live broker client.
type RESTConfig struct {
	BaseURL string
	Auth    crypto.HMACAuth
	Timeout time.Duration
}

// RESTClient talks to the broker's HTTP API. Every request is HMAC-signed.
// Timeouts and 5xx map to broker_error_retriable, other 4xx to
// broker_error_permanent, so retry policy decisions live with the caller.
type RESTClient struct {
	baseURL string
	auth    crypto.HMACAuth
	http    *http.Client
}

// NewRESTClient creates a broker client for the given config.
func NewRESTClient(cfg RESTConfig) *RESTClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &RESTClient{
		baseURL: cfg.BaseURL,
		auth:    cfg.Auth,
		http:    &http.Client{Timeout: timeout},
	}
}

// Wire types for the broker API.

type wireOrder struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	Status        string          `json:"status"`
	SubmittedAt   time.Time       `json:"submitted_at"`
}

func (w wireOrder) toDomain() domain.BrokerOrder {
	return domain.BrokerOrder{
		BrokerOrderID: w.OrderID,
		ClientOrderID: w.ClientOrderID,
		Symbol:        w.Symbol,
		Side:          domain.OrderSide(w.Side),
		Qty:           w.Qty,
		FilledQty:     w.FilledQty,
		AvgFillPrice:  w.AvgFillPrice,
		Status:        domain.OrderStatus(w.Status),
		SubmittedAt:   w.SubmittedAt,
	}
}

type wireSubmit struct {
	ClientOrderID string           `json:"client_order_id"`
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`
	Qty           decimal.Decimal  `json:"qty"`
	Type          string           `json:"type"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	TimeInForce   string           `json:"time_in_force"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// do issues one signed request and decodes the response into out (when out is
// non-nil). Non-2xx responses become typed errors.
func (c *RESTClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("broker: marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("broker: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.auth.Headers(method, path, string(payload)) {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Network failures and timeouts are worth retrying with the same
		// client order id.
		return domain.Wrap(domain.KindBrokerRetriable, "broker request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Wrap(domain.KindBrokerRetriable, "broker response read failed", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return domain.Wrap(domain.KindBrokerPermanent, "broker response decode failed", err)
		}
		return nil
	}

	var we wireError
	_ = json.Unmarshal(raw, &we)
	msg := we.Message
	if msg == "" {
		msg = string(raw)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		// Duplicate client order id: the order already exists broker-side.
		return &duplicateError{msg: msg}
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return domain.Ef(domain.KindBrokerRetriable, "broker %s %s: %d %s", method, path, resp.StatusCode, msg)
	default:
		return domain.Ef(domain.KindBrokerPermanent, "broker %s %s: %d %s", method, path, resp.StatusCode, msg)
	}
}

// duplicateError marks a 409 from the broker. SubmitOrder converts it into a
// successful fetch of the existing order, so it never escapes this package.
type duplicateError struct{ msg string }

func (e *duplicateError) Error() string { return "broker: duplicate order: " + e.msg }

// SubmitOrder places an order. The broker deduplicates on client order id; a
// 409 resolves to the already-existing order rather than an error, which keeps
// submit idempotent across retries.
func (c *RESTClient) SubmitOrder(ctx context.Context, req domain.SubmitRequest) (domain.BrokerOrder, error) {
	body := wireSubmit{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Qty:           req.Qty,
		Type:          string(req.Type),
		LimitPrice:    req.LimitPrice,
		TimeInForce:   string(req.TimeInForce),
	}

	var w wireOrder
	err := c.do(ctx, http.MethodPost, "/v2/orders", body, &w)
	if err != nil {
		if _, ok := err.(*duplicateError); ok {
			return c.getByClientOrderID(ctx, req.ClientOrderID)
		}
		return domain.BrokerOrder{}, err
	}
	return w.toDomain(), nil
}

func (c *RESTClient) getByClientOrderID(ctx context.Context, clientOrderID string) (domain.BrokerOrder, error) {
	var w wireOrder
	if err := c.do(ctx, http.MethodGet, "/v2/orders:by-client-order-id/"+clientOrderID, nil, &w); err != nil {
		return domain.BrokerOrder{}, err
	}
	return w.toDomain(), nil
}

// CancelOrder requests cancellation of an open order.
func (c *RESTClient) CancelOrder(ctx context.Context, brokerOrderID string) error {
	err := c.do(ctx, http.MethodDelete, "/v2/orders/"+brokerOrderID, nil, nil)
	if _, ok := err.(*duplicateError); ok {
		return nil
	}
	return err
}

// GetOrder retrieves the broker's view of one order.
func (c *RESTClient) GetOrder(ctx context.Context, brokerOrderID string) (domain.BrokerOrder, error) {
	var w wireOrder
	if err := c.do(ctx, http.MethodGet, "/v2/orders/"+brokerOrderID, nil, &w); err != nil {
		return domain.BrokerOrder{}, err
	}
	return w.toDomain(), nil
}

// OpenOrders lists all open orders at the broker.
func (c *RESTClient) OpenOrders(ctx context.Context) ([]domain.BrokerOrder, error) {
	var ws []wireOrder
	if err := c.do(ctx, http.MethodGet, "/v2/orders?status=open", nil, &ws); err != nil {
		return nil, err
	}
	orders := make([]domain.BrokerOrder, 0, len(ws))
	for _, w := range ws {
		orders = append(orders, w.toDomain())
	}
	return orders, nil
}

// Positions lists the broker's positions.
func (c *RESTClient) Positions(ctx context.Context) ([]domain.BrokerPosition, error) {
	var ws []struct {
		Symbol        string          `json:"symbol"`
		Qty           decimal.Decimal `json:"qty"`
		AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
		MarketValue   decimal.Decimal `json:"market_value"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/positions", nil, &ws); err != nil {
		return nil, err
	}
	positions := make([]domain.BrokerPosition, 0, len(ws))
	for _, w := range ws {
		positions = append(positions, domain.BrokerPosition{
			Symbol:        w.Symbol,
			Qty:           w.Qty,
			AvgEntryPrice: w.AvgEntryPrice,
			MarketValue:   w.MarketValue,
		})
	}
	return positions, nil
}

// Account retrieves account-level metadata.
func (c *RESTClient) Account(ctx context.Context) (domain.BrokerAccount, error) {
	var w struct {
		PortfolioValue decimal.Decimal `json:"portfolio_value"`
		BuyingPower    decimal.Decimal `json:"buying_power"`
		Currency       string          `json:"currency"`
		MarketOpen     bool            `json:"market_open"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/account", nil, &w); err != nil {
		return domain.BrokerAccount{}, err
	}
	return domain.BrokerAccount{
		PortfolioValue: w.PortfolioValue,
		BuyingPower:    w.BuyingPower,
		Currency:       w.Currency,
		MarketOpen:     w.MarketOpen,
	}, nil
}

var _ domain.BrokerClient = (*RESTClient)(nil)
