package service

import (
	"context"
	"fmt"
	"sync"

	"tradebot/internal/application/port"
	"tradebot/internal/domain/model"
)

// fakeClient is an in-memory exchange. Tests push events through its
// subscriptions and script its fill behavior.
type fakeClient struct {
	mu      sync.Mutex
	subs    map[string]chan model.MarketEvent
	nextSub int
	prices  map[string]float64
	fee     float64

	// reject, when set, can veto an order
	reject func(model.OrderRequest) error
	orders []model.OrderRequest
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		subs:   make(map[string]chan model.MarketEvent),
		prices: make(map[string]float64),
	}
}

func (c *fakeClient) Name() string { return "fake" }

func (c *fakeClient) Subscribe(_ context.Context, symbol string, kind model.StreamKind, interval model.Interval) (*port.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := fmt.Sprintf("sub-%d", c.nextSub)
	ch := make(chan model.MarketEvent, 256)
	c.subs[id] = ch
	return &port.Subscription{ID: id, Events: ch}, nil
}

func (c *fakeClient) Unsubscribe(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.subs[id]
	if !ok {
		return fmt.Errorf("unknown subscription %s", id)
	}
	delete(c.subs, id)
	close(ch)
	return nil
}

// push delivers an event on every open subscription.
func (c *fakeClient) push(ev model.MarketEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		ch <- ev
	}
}

func (c *fakeClient) SetPrice(symbol string, price float64, _ int64) {
	c.mu.Lock()
	c.prices[symbol] = price
	c.mu.Unlock()
}

func (c *fakeClient) AccountSnapshot(context.Context) (model.AccountSnapshot, error) {
	return model.AccountSnapshot{}, nil
}

func (c *fakeClient) PlaceOrder(_ context.Context, req model.OrderRequest) (model.OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reject != nil {
		if err := c.reject(req); err != nil {
			return model.OrderResult{}, err
		}
	}
	c.orders = append(c.orders, req)
	return model.OrderResult{
		OrderID:     fmt.Sprintf("ord-%d", len(c.orders)),
		Symbol:      req.Symbol,
		Side:        req.Side,
		ExecutedQty: req.Quantity,
		AvgPrice:    c.prices[req.Symbol],
		Fee:         c.fee,
	}, nil
}

func (c *fakeClient) CancelOrder(context.Context, string, string) error { return nil }

func (c *fakeClient) LastPrice(_ context.Context, symbol string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prices[symbol], nil
}

// staticPrices is a fixed PriceSource for position manager tests.
type staticPrices map[string]float64

func (s staticPrices) LastPrice(symbol string) (float64, error) {
	p, ok := s[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: no price for %s", ErrStalePriceData, symbol)
	}
	return p, nil
}

// sliceHistory serves klines from memory.
type sliceHistory []model.Kline

func (h sliceHistory) Klines(_ context.Context, symbol string, interval model.Interval, from, to int64) ([]model.Kline, error) {
	var out []model.Kline
	for _, k := range h {
		if k.Symbol == symbol && k.Interval == interval && k.OpenTime >= from && k.OpenTime < to {
			out = append(out, k)
		}
	}
	return out, nil
}

func klineEvent(symbol string, interval model.Interval, close float64, openTime int64) model.MarketEvent {
	k := model.Kline{
		Symbol:    symbol,
		Interval:  interval,
		Open:      close,
		High:      close,
		Low:       close,
		Close:     close,
		OpenTime:  openTime,
		CloseTime: openTime + interval.Milliseconds(),
	}
	return model.MarketEvent{
		Kind:     model.StreamKline,
		Symbol:   symbol,
		Interval: interval,
		Time:     k.CloseTime,
		Kline:    &k,
	}
}
