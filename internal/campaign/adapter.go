package campaign

import (
	"context"

	"tradingcore/internal/exchange"
	"tradingcore/pkg/types"
)

// ExchangeAdapter narrows an *exchange.Client down to the Exchange
// interface a Robot depends on, translating exchange.OrderAck into the
// package-local OrderAck so campaign stays decoupled from the exchange
// package's concrete client.
type ExchangeAdapter struct {
	Client *exchange.Client
}

// NewExchangeAdapter wraps client for use as a Robot's Exchange dependency.
func NewExchangeAdapter(client *exchange.Client) ExchangeAdapter {
	return ExchangeAdapter{Client: client}
}

func (a ExchangeAdapter) PlaceOrder(ctx context.Context, order types.CampaignOrder) (*OrderAck, error) {
	ack, err := a.Client.PlaceOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	return &OrderAck{OrderID: ack.OrderID, Status: ack.Status}, nil
}

func (a ExchangeAdapter) CancelOrder(ctx context.Context, orderID string) error {
	return a.Client.CancelOrder(ctx, orderID)
}
