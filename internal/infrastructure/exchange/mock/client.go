// Package mock is the deterministic exchange variant. Orders fill
// immediately at the current mock price with zero slippage; the fee rate
// is zero unless set. Backtests and tests run against it so no live
// endpoint is ever touched.
package mock

import (
	"context"
	"fmt"
	"sync"

	"tradebot/internal/application/port"
	"tradebot/internal/domain/model"
)

type Client struct {
	mu      sync.Mutex
	prices  map[string]float64
	times   map[string]int64
	balance float64
	feeRate float64 // taker fee fraction, e.g. 0.0004
	nextID  int64

	subs    map[string]chan model.MarketEvent
	nextSub int64

	rejectAll bool
}

func New() *Client {
	return &Client{
		prices:  make(map[string]float64),
		times:   make(map[string]int64),
		balance: 10_000,
		subs:    make(map[string]chan model.MarketEvent),
	}
}

func (c *Client) Name() string { return "mock" }

// SetPrice drives the fill price for symbol. The replay loop calls this
// for every event before any order can reference it.
func (c *Client) SetPrice(symbol string, price float64, ts int64) {
	c.mu.Lock()
	c.prices[symbol] = price
	c.times[symbol] = ts
	c.mu.Unlock()
}

// SetFeeRate overrides the default zero fee.
func (c *Client) SetFeeRate(rate float64) {
	c.mu.Lock()
	c.feeRate = rate
	c.mu.Unlock()
}

// SetBalance overrides the default simulated balance.
func (c *Client) SetBalance(balance float64) {
	c.mu.Lock()
	c.balance = balance
	c.mu.Unlock()
}

// RejectOrders makes every subsequent order fail, for exercising the
// rejection path.
func (c *Client) RejectOrders(reject bool) {
	c.mu.Lock()
	c.rejectAll = reject
	c.mu.Unlock()
}

func (c *Client) Subscribe(_ context.Context, symbol string, kind model.StreamKind, interval model.Interval) (*port.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := fmt.Sprintf("mock-sub-%d", c.nextSub)
	ch := make(chan model.MarketEvent, 1024)
	c.subs[id] = ch
	return &port.Subscription{ID: id, Events: ch}, nil
}

func (c *Client) Unsubscribe(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.subs[id]
	if !ok {
		return fmt.Errorf("mock: unknown subscription %s", id)
	}
	delete(c.subs, id)
	close(ch)
	return nil
}

// Push delivers an event to every open subscription, in feed order.
func (c *Client) Push(ev model.MarketEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		ch <- ev
	}
}

func (c *Client) AccountSnapshot(context.Context) (model.AccountSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.AccountSnapshot{
		Balance:    c.balance,
		Equity:     c.balance,
		FreeMargin: c.balance,
	}, nil
}

func (c *Client) PlaceOrder(_ context.Context, req model.OrderRequest) (model.OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejectAll {
		return model.OrderResult{}, fmt.Errorf("%w: mock rejection", port.ErrExchangeRejected)
	}
	if !req.Side.Valid() || req.Quantity <= 0 {
		return model.OrderResult{}, fmt.Errorf("%w: bad order %+v", port.ErrExchangeRejected, req)
	}

	price := req.Price
	if price <= 0 {
		price = c.prices[req.Symbol]
	}
	if price <= 0 {
		return model.OrderResult{}, fmt.Errorf("%w: no price for %s", port.ErrExchangeRejected, req.Symbol)
	}

	c.nextID++
	return model.OrderResult{
		OrderID:     fmt.Sprintf("mock-%d", c.nextID),
		Symbol:      req.Symbol,
		Side:        req.Side,
		ExecutedQty: req.Quantity,
		AvgPrice:    price,
		Fee:         price * req.Quantity * c.feeRate,
		Timestamp:   c.times[req.Symbol],
	}, nil
}

func (c *Client) CancelOrder(context.Context, string, string) error { return nil }

func (c *Client) LastPrice(_ context.Context, symbol string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("mock: no price for %s", symbol)
	}
	return p, nil
}
