package service

import "errors"

var (
	// ErrDuplicateStream means an identical (symbol, kind, interval)
	// subscription is already open.
	ErrDuplicateStream = errors.New("stream already open")

	// ErrStreamNotFound means the stream id is unknown or already closed.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrStreamInUse means the position manager holds the stream for
	// stop-loss enforcement; it cannot be closed until those positions are.
	ErrStreamInUse = errors.New("stream pinned by open positions")

	// ErrStrategyNotFound means the strategy id is unknown.
	ErrStrategyNotFound = errors.New("strategy not found")

	// ErrStrategyStopped means the strategy is in its terminal state and
	// the requested operation needs an active one.
	ErrStrategyStopped = errors.New("strategy stopped")

	// ErrStalePriceData means the cached last price is missing or older
	// than the staleness window, so the order cannot be priced.
	ErrStalePriceData = errors.New("stale price data")

	// ErrPositionNotFound means the position id is unknown.
	ErrPositionNotFound = errors.New("position not found")

	// ErrAlreadyClosed means the position is closed or a close is already
	// in flight; exactly one closer wins.
	ErrAlreadyClosed = errors.New("position already closed")

	// ErrReplayData means a historical record is malformed or out of
	// order; the whole backtest run fails rather than truncating.
	ErrReplayData = errors.New("bad replay data")

	// ErrBacktestNotFound means the backtest run id is unknown.
	ErrBacktestNotFound = errors.New("backtest not found")
)
