package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tradebot/internal/application/port"
	"tradebot/internal/domain/model"
)

func TestOpenSizesFromMargin(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.prices["BTCUSDT"] = 50000
	pm := NewPositionManager(client, nil, staticPrices{"BTCUSDT": 50000})

	p, err := pm.Open(ctx, "", "BTCUSDT", model.Buy, 1000, 10, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// 1000 * 10 / 50000
	if want := 0.2; p.Quantity != want {
		t.Errorf("quantity = %v, want %v", p.Quantity, want)
	}
	if p.EntryPrice != 50000 || p.Status != model.PositionOpen {
		t.Errorf("unexpected position %+v", p)
	}
}

func TestOpenRejectedLeavesNothing(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.reject = func(model.OrderRequest) error {
		return fmt.Errorf("%w: margin insufficient", port.ErrExchangeRejected)
	}
	pm := NewPositionManager(client, nil, staticPrices{"BTCUSDT": 50000})

	if _, err := pm.Open(ctx, "", "BTCUSDT", model.Buy, 1000, 10, 0); !errors.Is(err, port.ErrExchangeRejected) {
		t.Fatalf("expected ErrExchangeRejected, got %v", err)
	}
	if got := pm.List(false); len(got) != 0 {
		t.Errorf("rejected open left a record: %+v", got)
	}
}

func TestOpenStalePrice(t *testing.T) {
	pm := NewPositionManager(newFakeClient(), nil, staticPrices{})
	if _, err := pm.Open(context.Background(), "", "BTCUSDT", model.Buy, 1000, 1, 0); !errors.Is(err, ErrStalePriceData) {
		t.Fatalf("expected ErrStalePriceData, got %v", err)
	}
}

func TestClosePnL(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	prices := staticPrices{"BTCUSDT": 50000}
	pm := NewPositionManager(client, nil, prices)

	p, err := pm.Open(ctx, "", "BTCUSDT", model.Buy, 1000, 10, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	prices["BTCUSDT"] = 51000
	client.prices["BTCUSDT"] = 51000
	closed, err := pm.Close(ctx, p.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	// (51000-50000) * 0.2
	if want := 200.0; closed.PnL != want {
		t.Errorf("pnl = %v, want %v", closed.PnL, want)
	}
	if closed.Status != model.PositionClosed || closed.ClosePrice != 51000 {
		t.Errorf("unexpected closed position %+v", closed)
	}

	if _, err := pm.Close(ctx, p.ID); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("expected ErrAlreadyClosed, got %v", err)
	}
	if _, err := pm.Close(ctx, "nope"); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestConcurrentCloseOneWinner(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.prices["BTCUSDT"] = 50000
	pm := NewPositionManager(client, nil, staticPrices{"BTCUSDT": 50000})

	p, err := pm.Open(ctx, "", "BTCUSDT", model.Buy, 1000, 1, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = pm.Close(ctx, p.ID)
		}(i)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyClosed):
			losses++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != n-1 {
		t.Fatalf("wins=%d losses=%d, want 1/%d", wins, losses, n-1)
	}
}

func TestCloseAllReportsPartialFailures(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.prices["BTCUSDT"] = 50000
	pm := NewPositionManager(client, nil, staticPrices{"BTCUSDT": 50000})

	for i := 0; i < 3; i++ {
		if _, err := pm.Open(ctx, "strat-1", "BTCUSDT", model.Buy, 100, 1, 0); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
	}

	// reject the second reduce-only order
	var reduceSeen int
	client.reject = func(req model.OrderRequest) error {
		if !req.ReduceOnly {
			return nil
		}
		reduceSeen++
		if reduceSeen == 2 {
			return fmt.Errorf("%w: simulated", port.ErrExchangeRejected)
		}
		return nil
	}

	results := pm.CloseAll(ctx, "strat-1")
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	var failed, closed int
	for _, r := range results {
		if r.Err != nil {
			failed++
		} else {
			closed++
		}
	}
	if failed != 1 || closed != 2 {
		t.Fatalf("failed=%d closed=%d, want 1/2", failed, closed)
	}
	// the failed one is still open and visible
	if open := pm.List(true); len(open) != 1 {
		t.Errorf("open positions = %d, want 1", len(open))
	}
}

func TestStopLossTriggersExactlyOnce(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.prices["BTCUSDT"] = 100
	prices := staticPrices{"BTCUSDT": 100}
	pm := NewPositionManager(client, nil, prices)

	p, err := pm.Open(ctx, "", "BTCUSDT", model.Buy, 100, 1, 95)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// above the stop: nothing happens
	pm.CheckStops(ctx, "BTCUSDT", 96)
	if got, _ := pm.Get(p.ID); got.Status != model.PositionOpen {
		t.Fatalf("closed above stop: %+v", got)
	}

	prices["BTCUSDT"] = 94
	client.prices["BTCUSDT"] = 94
	pm.CheckStops(ctx, "BTCUSDT", 94)
	closed, _ := pm.Get(p.ID)
	if closed.Status != model.PositionClosed {
		t.Fatalf("stop did not close: %+v", closed)
	}

	// further crossings must not touch the position again
	pm.CheckStops(ctx, "BTCUSDT", 90)
	again, _ := pm.Get(p.ID)
	if again.CloseTime != closed.CloseTime || again.ClosePrice != closed.ClosePrice {
		t.Fatalf("position mutated after close: %+v vs %+v", again, closed)
	}
}

func TestStopLossShortSide(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.prices["BTCUSDT"] = 100
	prices := staticPrices{"BTCUSDT": 100}
	pm := NewPositionManager(client, nil, prices)

	p, err := pm.Open(ctx, "", "BTCUSDT", model.Sell, 100, 1, 105)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	prices["BTCUSDT"] = 106
	client.prices["BTCUSDT"] = 106
	pm.CheckStops(ctx, "BTCUSDT", 106)
	closed, _ := pm.Get(p.ID)
	if closed.Status != model.PositionClosed {
		t.Fatalf("short stop did not close: %+v", closed)
	}
	// (100-106) * 1 * -1... short gains when price falls, loses here
	if closed.PnL >= 0 {
		t.Errorf("short stopped out with non-negative pnl %v", closed.PnL)
	}
}

func TestHandleSignalPolicy(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.prices["BTCUSDT"] = 100
	pm := NewPositionManager(client, nil, staticPrices{"BTCUSDT": 100})

	cfg := model.StrategyConfig{
		Symbol:           "BTCUSDT",
		Interval:         model.Interval1m,
		MarginUSD:        100,
		Leverage:         1,
		MaxOpenPositions: 2,
	}

	open := model.Signal{StrategyID: "s1", Symbol: "BTCUSDT", Kind: model.SignalOpen, Side: model.Buy, Price: 100}
	if err := pm.HandleSignal(ctx, open, cfg); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := pm.HandleSignal(ctx, open, cfg); err != nil {
		t.Fatalf("second open: %v", err)
	}
	// cap reached: third open is a no-op
	if err := pm.HandleSignal(ctx, open, cfg); err != nil {
		t.Fatalf("capped open: %v", err)
	}
	if got := len(pm.List(true)); got != 2 {
		t.Fatalf("open positions = %d, want 2", got)
	}

	// opposite side flattens the longs and opens one short
	flip := model.Signal{StrategyID: "s1", Symbol: "BTCUSDT", Kind: model.SignalOpen, Side: model.Sell, Price: 100}
	if err := pm.HandleSignal(ctx, flip, cfg); err != nil {
		t.Fatalf("flip: %v", err)
	}
	open_ := pm.List(true)
	if len(open_) != 1 || open_[0].Side != model.Sell {
		t.Fatalf("after flip: %+v", open_)
	}

	// close signal flattens everything
	if err := pm.HandleSignal(ctx, model.Signal{StrategyID: "s1", Kind: model.SignalClose}, cfg); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := len(pm.List(true)); got != 0 {
		t.Fatalf("open positions after close signal = %d, want 0", got)
	}
}

func TestStopLossSurvivesStreamClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := newFakeClient()
	client.prices["BTCUSDT"] = 100
	hub := NewHub(client, nil, time.Minute)
	t.Cleanup(hub.Close)
	pm := NewPositionManager(client, nil, hub)
	pm.SetStreams(hub)

	handle, err := hub.OpenStream(ctx, "BTCUSDT", model.StreamKline, model.Interval1m)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	client.push(klineEvent("BTCUSDT", model.Interval1m, 100, 0))
	waitFor(t, func() bool {
		p, err := hub.LastPrice("BTCUSDT")
		return err == nil && p == 100
	}, "entry price cached")

	l := hub.Listen("", "", "", 64, DropOldest, nil)
	done := make(chan struct{})
	go func() {
		pm.RunStopWatcher(ctx, l)
		close(done)
	}()

	p, err := pm.Open(ctx, "", "BTCUSDT", model.Buy, 100, 1, 95)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// the operator tears down their stream; the stop feed must survive
	if err := hub.CloseStream(handle.ID); err != nil {
		t.Fatalf("close stream: %v", err)
	}

	client.SetPrice("BTCUSDT", 50, 0)
	tk := model.Ticker{Symbol: "BTCUSDT", LastPrice: 50, EventTime: 2}
	client.push(model.MarketEvent{Kind: model.StreamTicker, Symbol: "BTCUSDT", Time: 2, Ticker: &tk})

	waitFor(t, func() bool {
		got, err := pm.Get(p.ID)
		return err == nil && got.Status == model.PositionClosed
	}, "stop-loss close after stream close")

	cancel()
	hub.Drop(l.ID())
	<-done
}

func TestStopSweepClosesWithoutEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := newFakeClient()
	client.prices["BTCUSDT"] = 100
	prices := staticPrices{"BTCUSDT": 100}
	pm := NewPositionManager(client, nil, prices)

	p, err := pm.Open(ctx, "", "BTCUSDT", model.Buy, 100, 1, 95)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// the crossing price is in the cache but no event ever reaches the
	// watcher's queue
	prices["BTCUSDT"] = 50
	client.SetPrice("BTCUSDT", 50, 0)

	hub := NewHub(client, nil, time.Minute)
	t.Cleanup(hub.Close)
	l := hub.Listen("BTCUSDT", "", "", 16, DropOldest, nil)
	done := make(chan struct{})
	go func() {
		pm.RunStopWatcher(ctx, l)
		close(done)
	}()

	waitFor(t, func() bool {
		got, err := pm.Get(p.ID)
		return err == nil && got.Status == model.PositionClosed
	}, "sweep-triggered stop close")

	cancel()
	hub.Drop(l.ID())
	<-done
}
