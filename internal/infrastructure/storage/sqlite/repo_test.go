package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"tradebot/internal/domain/model"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	r, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestStrategyRoundtrip(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	s := model.Strategy{
		ID: "s-1",
		Config: model.StrategyConfig{
			Name:             "breakout",
			Symbol:           "BTCUSDT",
			Interval:         model.Interval1m,
			MarginUSD:        100,
			Leverage:         3,
			MaxOpenPositions: 1,
			Algo: model.AlgoParams{
				Name:      model.AlgoThreshold,
				Threshold: &model.ThresholdParams{Level: 50000},
			},
		},
		Status:    model.StrategyActive,
		CreatedAt: 1700000000000,
	}
	if err := r.SaveStrategy(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := r.GetStrategy(ctx, "s-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Config.Symbol != "BTCUSDT" || got.Config.Algo.Threshold.Level != 50000 {
		t.Errorf("config mangled: %+v", got.Config)
	}

	// status update on conflict
	s.Status = model.StrategyStopped
	s.StoppedAt = 1700000060000
	s.LastError = "queue overflow"
	if err := r.SaveStrategy(ctx, s); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = r.GetStrategy(ctx, "s-1")
	if got.Status != model.StrategyStopped || got.LastError != "queue overflow" {
		t.Errorf("update lost: %+v", got)
	}

	active, err := r.ListStrategies(ctx, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("stopped strategy listed as active: %+v", active)
	}
}

func TestPositionRoundtrip(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	p := model.Position{
		ID:         "p-1",
		StrategyID: "s-1",
		Symbol:     "ETHUSDT",
		Side:       model.Sell,
		EntryPrice: 3000,
		Quantity:   0.5,
		MarginUSD:  150,
		Leverage:   10,
		StopLoss:   3150,
		Status:     model.PositionOpen,
		OpenTime:   1700000000000,
	}
	if err := r.SavePosition(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}

	open, err := r.ListPositions(ctx, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 1 || open[0].StopLoss != 3150 {
		t.Fatalf("unexpected open list: %+v", open)
	}

	p.Status = model.PositionClosed
	p.CloseTime = 1700000090000
	p.ClosePrice = 2900
	p.PnL = 50
	if err := r.SavePosition(ctx, p); err != nil {
		t.Fatalf("close update: %v", err)
	}

	got, err := r.GetPosition(ctx, "p-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.PositionClosed || got.PnL != 50 || got.ClosePrice != 2900 {
		t.Errorf("close fields lost: %+v", got)
	}
	if open, _ = r.ListPositions(ctx, true); len(open) != 0 {
		t.Errorf("closed position still open: %+v", open)
	}
}

func TestKlineArchiveRoundtrip(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	for i := 0; i < 5; i++ {
		k := model.Kline{
			Symbol:    "BTCUSDT",
			Interval:  model.Interval1m,
			Open:      100,
			High:      110,
			Low:       90,
			Close:     105,
			Volume:    1,
			OpenTime:  int64(i) * 60_000,
			CloseTime: int64(i+1) * 60_000,
		}
		if err := r.AppendKline(ctx, k); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	// duplicate open_time upserts, no error
	if err := r.AppendKline(ctx, model.Kline{Symbol: "BTCUSDT", Interval: model.Interval1m, Open: 1, High: 2, Low: 1, Close: 2, OpenTime: 0, CloseTime: 60_000}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := r.Klines(ctx, "BTCUSDT", model.Interval1m, 60_000, 240_000)
	if err != nil {
		t.Fatalf("klines: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d klines, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].OpenTime <= got[i-1].OpenTime {
			t.Errorf("not sorted: %d after %d", got[i].OpenTime, got[i-1].OpenTime)
		}
	}
}

func TestBacktestPayload(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	res := model.BacktestResult{
		Config: model.StrategyConfig{Symbol: "BTCUSDT", Interval: model.Interval1m},
		Range:  model.BacktestRange{From: 0, To: 100},
		Events: 10,
	}
	if err := r.SaveBacktest(ctx, "bt-1", res); err != nil {
		t.Fatalf("save: %v", err)
	}
	// idempotent overwrite
	if err := r.SaveBacktest(ctx, "bt-1", res); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
}
