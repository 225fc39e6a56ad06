package model

import (
	"fmt"
	"time"
)

// StreamKind identifies the kind of market data a stream carries.
type StreamKind string

const (
	StreamKline  StreamKind = "kline"
	StreamTicker StreamKind = "ticker"
	StreamTrade  StreamKind = "trade"
)

func (k StreamKind) Valid() bool {
	switch k {
	case StreamKline, StreamTicker, StreamTrade:
		return true
	}
	return false
}

// StreamHandle identifies one open feed subscription. The id is unique
// while the stream is open; closing the stream retires it.
type StreamHandle struct {
	ID        string     `json:"id"`
	Symbol    string     `json:"symbol"`
	Kind      StreamKind `json:"kind"`
	Interval  Interval   `json:"interval,omitempty"` // kline streams only
	CreatedAt int64      `json:"created_at"`         // unix ms
}

// Interval is a supported candlestick interval.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
)

// ParseInterval validates an interval string.
func ParseInterval(s string) (Interval, error) {
	switch Interval(s) {
	case Interval1m, Interval5m, Interval15m, Interval1h:
		return Interval(s), nil
	}
	return "", fmt.Errorf("unknown interval %q", s)
}

func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval1h:
		return time.Hour
	}
	return 0
}

func (i Interval) Milliseconds() int64 {
	return i.Duration().Milliseconds()
}

// Kline is one OHLCV candle.
type Kline struct {
	Symbol    string   `json:"symbol"`
	Interval  Interval `json:"interval"`
	Open      float64  `json:"open"`
	High      float64  `json:"high"`
	Low       float64  `json:"low"`
	Close     float64  `json:"close"`
	Volume    float64  `json:"volume"`
	OpenTime  int64    `json:"open_time"`  // unix ms
	CloseTime int64    `json:"close_time"` // unix ms
}

// Validate rejects candles that violate basic OHLC consistency.
func (k Kline) Validate() error {
	if k.Symbol == "" {
		return fmt.Errorf("kline: empty symbol")
	}
	if k.CloseTime <= k.OpenTime {
		return fmt.Errorf("kline %s: close_time %d <= open_time %d", k.Symbol, k.CloseTime, k.OpenTime)
	}
	if k.High < k.Open || k.High < k.Close {
		return fmt.Errorf("kline %s: high %v below open/close", k.Symbol, k.High)
	}
	if k.Low > k.Open || k.Low > k.Close {
		return fmt.Errorf("kline %s: low %v above open/close", k.Symbol, k.Low)
	}
	return nil
}

// Trade is one executed market trade print.
type Trade struct {
	Symbol    string  `json:"symbol"`
	TradeID   int64   `json:"trade_id"`
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	Side      Side    `json:"side"`
	Timestamp int64   `json:"timestamp"` // unix ms
}

// Ticker is a rolling 24h stats snapshot for a symbol. A newer ticker
// supersedes the previous one for the same symbol.
type Ticker struct {
	Symbol        string  `json:"symbol"`
	LastPrice     float64 `json:"last_price"`
	PriceChange   float64 `json:"price_change"`
	PercentChange float64 `json:"percent_change"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Volume        float64 `json:"volume"`
	QuoteVolume   float64 `json:"quote_volume"`
	OpenTime      int64   `json:"open_time"`
	CloseTime     int64   `json:"close_time"`
	EventTime     int64   `json:"event_time"` // unix ms
}

// MarketEvent is a normalized feed message. Exactly one of Kline, Ticker,
// Trade is non-nil, matching Kind.
type MarketEvent struct {
	Kind     StreamKind
	Symbol   string
	Interval Interval // set for kline events only
	Time     int64    // unix ms, event time from the feed

	Kline  *Kline
	Ticker *Ticker
	Trade  *Trade
}

// Price returns the event's reference price: kline close, ticker last
// price, or trade price.
func (e MarketEvent) Price() float64 {
	switch e.Kind {
	case StreamKline:
		if e.Kline != nil {
			return e.Kline.Close
		}
	case StreamTicker:
		if e.Ticker != nil {
			return e.Ticker.LastPrice
		}
	case StreamTrade:
		if e.Trade != nil {
			return e.Trade.Price
		}
	}
	return 0
}
