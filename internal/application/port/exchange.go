package port

import (
	"context"
	"errors"

	"tradebot/internal/domain/model"
)

// ErrExchangeRejected means the venue refused an order. The caller must
// treat the call as if it never happened: no position or order record.
var ErrExchangeRejected = errors.New("order rejected by exchange")

// ErrFeedDisconnected reports a dropped feed connection. Live clients
// recover with bounded backoff; subscribers just see a gap in events.
var ErrFeedDisconnected = errors.New("feed disconnected")

// Subscription is one live feed subscription handed out by an exchange
// client. Events closes when the subscription is torn down.
type Subscription struct {
	ID     string
	Events <-chan model.MarketEvent
}

// ExchangeClient is the venue capability set. Two variants exist: the live
// network-backed client and the deterministic mock used by backtests and
// tests. They are swappable at construction time.
type ExchangeClient interface {
	Name() string

	// Subscribe opens a feed for one (symbol, kind, interval) and starts
	// delivering normalized events. Interval is ignored unless kind is
	// kline.
	Subscribe(ctx context.Context, symbol string, kind model.StreamKind, interval model.Interval) (*Subscription, error)

	// Unsubscribe tears the feed down; it does not return until the
	// underlying subscription is confirmed closed.
	Unsubscribe(id string) error

	AccountSnapshot(ctx context.Context) (model.AccountSnapshot, error)
	PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	LastPrice(ctx context.Context, symbol string) (float64, error)
}
