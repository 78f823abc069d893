// Package exchange implements the trading-path REST and WebSocket clients
// against an opaque exchange endpoint: generic REST order management and
// book/quote reads, and a WebSocket client for market/user feeds.
//
// Every trading request is rate-limited via per-category TokenBuckets,
// automatically retried on 5xx errors, and authenticated with HMAC headers
// (book/quote reads are unauthenticated).
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradingcore/internal/config"
	"tradingcore/pkg/types"
)

// OrderAck is the exchange's synchronous acknowledgement of a submitted order.
type OrderAck struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// CancelAck is the exchange's acknowledgement of a cancel request.
type CancelAck struct {
	Cancelled []string `json:"cancelled"`
}

// Client is the trading-path REST client: order placement, cancellation,
// and book/quote reads. It wraps a resty HTTP client with rate limiting,
// retry, and HMAC auth.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewClient creates a trading REST client with rate limiting and retry.
func NewClient(cfg config.ExchangeConfig, auth *Auth, dryRun bool, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(cfg.RateLimit),
		dryRun: dryRun,
		logger: logger.With("component", "exchange_client"),
	}
}

// GetL2Book fetches the order book for a symbol.
func (c *Client) GetL2Book(ctx context.Context, symbol string) (*types.L2Book, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.L2Book
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetL1Quote fetches the best bid/ask for a symbol.
func (c *Client) GetL1Quote(ctx context.Context, symbol string) (*types.L1Quote, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.L1Quote
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/quote")
	if err != nil {
		return nil, fmt.Errorf("get quote: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get quote: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// orderWire is the exchange-facing order payload.
type orderWire struct {
	InternalOrderID string          `json:"internal_order_id"`
	Symbol          string          `json:"symbol"`
	Side            string          `json:"side"`
	OrderType       string          `json:"order_type"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price,omitempty"`
	Stop            decimal.Decimal `json:"stop,omitempty"`
	Limit           decimal.Decimal `json:"limit,omitempty"`
	OCOGroupID      string          `json:"oco_group_id,omitempty"`
}

// PlaceOrder submits a single order, assigning a fresh idempotent
// internal_order_id if the caller has not already set one.
func (c *Client) PlaceOrder(ctx context.Context, order types.CampaignOrder) (*OrderAck, error) {
	if order.InternalOrderID == "" {
		order.InternalOrderID = uuid.NewString()
	}

	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order", "symbol", order.Symbol, "side", order.Side, "type", order.OrderType)
		return &OrderAck{OrderID: "dry-run-" + order.InternalOrderID, Status: "open"}, nil
	}

	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	payload := orderWire{
		InternalOrderID: order.InternalOrderID,
		Symbol:          order.Symbol,
		Side:            string(order.Side),
		OrderType:       string(order.OrderType),
		Quantity:        order.Quantity,
		Price:           order.Price,
		Stop:            order.Stop,
		Limit:           order.Limit,
		OCOGroupID:      order.OCOGroupID,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.Headers("POST", "/orders", string(body))
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	var result OrderAck
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// CancelOrder cancels a single order by exchange order ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	headers, err := c.auth.Headers("DELETE", "/orders/"+orderID, "")
	if err != nil {
		return fmt.Errorf("auth headers: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		Delete("/orders/" + orderID)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// CancelAllForCampaign cancels every open order belonging to a campaign,
// used when a campaign is paused/stopped or a breaker forces an exit.
func (c *Client) CancelAllForCampaign(ctx context.Context, campaignID string) (*CancelAck, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders for campaign", "campaign_id", campaignID)
		return &CancelAck{}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	body := fmt.Sprintf(`{"campaign_id":%q}`, campaignID)
	headers, err := c.auth.Headers("DELETE", "/cancel-campaign-orders", body)
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	var result CancelAck
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/cancel-campaign-orders")
	if err != nil {
		return nil, fmt.Errorf("cancel campaign orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel campaign orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Warn("campaign orders cancelled", "campaign_id", campaignID, "count", len(result.Cancelled))
	return &result, nil
}
