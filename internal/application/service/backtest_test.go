package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"tradebot/internal/domain/model"
)

func backtestKlines(symbol string, interval model.Interval, closes []float64) sliceHistory {
	out := make(sliceHistory, 0, len(closes))
	step := interval.Milliseconds()
	for i, c := range closes {
		out = append(out, model.Kline{
			Symbol:    symbol,
			Interval:  interval,
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			OpenTime:  int64(i) * step,
			CloseTime: int64(i+1) * step,
		})
	}
	return out
}

func newReplayer(h sliceHistory) *BacktestReplayer {
	return NewBacktestReplayer(h, nil, func() SimClient { return newFakeClient() })
}

func TestBacktestRun(t *testing.T) {
	closes := []float64{98, 101, 99, 102, 104, 97}
	b := newReplayer(backtestKlines("BTCUSDT", model.Interval1m, closes))

	res, err := b.Run(context.Background(), thresholdConfig(100), model.BacktestRange{From: 0, To: 1_000_000})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if res.Events != len(closes) {
		t.Errorf("events = %d, want %d", res.Events, len(closes))
	}
	if res.Signals != 4 {
		t.Errorf("signals = %d, want 4", res.Signals)
	}
	if len(res.Positions) != 2 {
		t.Fatalf("positions = %d, want 2", len(res.Positions))
	}
	for _, p := range res.Positions {
		if p.Status != model.PositionClosed {
			t.Errorf("position %s not closed", p.ID)
		}
	}
	if res.Positions[0].EntryPrice != 101 || res.Positions[0].ClosePrice != 99 {
		t.Errorf("first trade %v -> %v, want 101 -> 99", res.Positions[0].EntryPrice, res.Positions[0].ClosePrice)
	}
	if res.TotalPnL >= 0 {
		t.Errorf("total pnl = %v, want negative", res.TotalPnL)
	}
	if res.WinCount != 0 || res.LossCount != 2 {
		t.Errorf("win/loss = %d/%d, want 0/2", res.WinCount, res.LossCount)
	}
	if res.BuyCount != 2 || res.SellCount != 2 {
		t.Errorf("buy/sell = %d/%d, want 2/2", res.BuyCount, res.SellCount)
	}
	if res.PeriodStartPrice != 98 || res.PeriodEndPrice != 97 {
		t.Errorf("period prices %v/%v, want 98/97", res.PeriodStartPrice, res.PeriodEndPrice)
	}
	if res.MaxDrawdown <= 0 {
		t.Errorf("max drawdown = %v, want positive", res.MaxDrawdown)
	}
}

func TestBacktestDeterminism(t *testing.T) {
	closes := []float64{98, 101, 99, 102, 104, 97, 101, 105, 96}
	h := backtestKlines("BTCUSDT", model.Interval1m, closes)
	cfg := thresholdConfig(100)
	rng := model.BacktestRange{From: 0, To: 1_000_000}

	first, err := newReplayer(h).Run(context.Background(), cfg, rng)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := newReplayer(h).Run(context.Background(), cfg, rng)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	a, _ := json.Marshal(first)
	c, _ := json.Marshal(second)
	if !bytes.Equal(a, c) {
		t.Fatalf("results differ:\n%s\n%s", a, c)
	}
}

func TestBacktestClosesLeftovers(t *testing.T) {
	b := newReplayer(backtestKlines("BTCUSDT", model.Interval1m, []float64{98, 101, 103}))

	res, err := b.Run(context.Background(), thresholdConfig(100), model.BacktestRange{From: 0, To: 1_000_000})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(res.Positions))
	}
	p := res.Positions[0]
	if p.Status != model.PositionClosed || p.ClosePrice != 103 {
		t.Errorf("leftover not closed at last price: %+v", p)
	}
	if res.WinCount != 1 || res.TotalPnL <= 0 {
		t.Errorf("win=%d pnl=%v, want winning trade", res.WinCount, res.TotalPnL)
	}
}

func TestBacktestRejectsBadData(t *testing.T) {
	ctx := context.Background()
	cfg := thresholdConfig(100)
	rng := model.BacktestRange{From: 0, To: 1_000_000}

	// no data in range
	if _, err := newReplayer(nil).Run(ctx, cfg, rng); !errors.Is(err, ErrReplayData) {
		t.Fatalf("empty set: expected ErrReplayData, got %v", err)
	}

	// out of order
	h := backtestKlines("BTCUSDT", model.Interval1m, []float64{98, 101, 99})
	h[1], h[2] = h[2], h[1]
	if _, err := newReplayer(h).Run(ctx, cfg, rng); !errors.Is(err, ErrReplayData) {
		t.Fatalf("out of order: expected ErrReplayData, got %v", err)
	}

	// malformed candle
	h = backtestKlines("BTCUSDT", model.Interval1m, []float64{98, 101, 99})
	h[1].CloseTime = h[1].OpenTime
	if _, err := newReplayer(h).Run(ctx, cfg, rng); !errors.Is(err, ErrReplayData) {
		t.Fatalf("malformed: expected ErrReplayData, got %v", err)
	}

	// inverted range
	if _, err := newReplayer(h).Run(ctx, cfg, model.BacktestRange{From: 10, To: 10}); !errors.Is(err, ErrReplayData) {
		t.Fatalf("empty range: expected ErrReplayData, got %v", err)
	}
}

func TestBacktestStartAndStatus(t *testing.T) {
	b := newReplayer(backtestKlines("BTCUSDT", model.Interval1m, []float64{98, 101, 99}))

	id, err := b.Start(context.Background(), thresholdConfig(100), model.BacktestRange{From: 0, To: 1_000_000})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err := b.Status(id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if st.State == model.BacktestDone {
			if st.Result == nil || len(st.Result.Positions) != 1 {
				t.Fatalf("unexpected result %+v", st.Result)
			}
			break
		}
		if st.State == model.BacktestFailed {
			t.Fatalf("run failed: %s", st.Error)
		}
		if time.Now().After(deadline) {
			t.Fatal("backtest never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := b.Status("nope"); !errors.Is(err, ErrBacktestNotFound) {
		t.Fatalf("expected ErrBacktestNotFound, got %v", err)
	}
}
