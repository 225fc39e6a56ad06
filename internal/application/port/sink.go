package port

import (
	"context"

	"tradebot/internal/domain/model"
)

// MarketSink archives normalized market data. Sink failures are logged and
// dropped by the hub; they never block or fail the live trading path, and
// no read-back is required here.
type MarketSink interface {
	AppendKline(ctx context.Context, k model.Kline) error
	AppendTrade(ctx context.Context, t model.Trade) error
	AppendTicker(ctx context.Context, tk model.Ticker) error
}

// HistorySource loads recorded klines for replay, sorted by open time.
type HistorySource interface {
	Klines(ctx context.Context, symbol string, interval model.Interval, from, to int64) ([]model.Kline, error)
}
