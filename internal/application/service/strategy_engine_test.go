package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradebot/internal/domain/model"
)

func newTestEngine(t *testing.T) (*fakeClient, *Hub, *PositionManager, *StrategyEngine) {
	t.Helper()
	client := newFakeClient()
	hub := NewHub(client, nil, time.Minute)
	t.Cleanup(hub.Close)
	pm := NewPositionManager(client, nil, hub)
	return client, hub, pm, NewStrategyEngine(hub, pm, nil)
}

func thresholdConfig(level float64) model.StrategyConfig {
	return model.StrategyConfig{
		Name:      "breakout",
		Symbol:    "BTCUSDT",
		Interval:  model.Interval1m,
		MarginUSD: 100,
		Algo: model.AlgoParams{
			Name:      model.AlgoThreshold,
			Threshold: &model.ThresholdParams{Level: level},
		},
	}
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	_, _, _, eng := newTestEngine(t)

	cfg := thresholdConfig(0) // level must be positive
	if _, err := eng.Create(context.Background(), cfg); !errors.Is(err, model.ErrInvalidStrategyConfig) {
		t.Fatalf("expected ErrInvalidStrategyConfig, got %v", err)
	}
	if got := eng.List(false); len(got) != 0 {
		t.Errorf("invalid config registered an instance: %+v", got)
	}
}

func TestThresholdBreakoutScenario(t *testing.T) {
	ctx := context.Background()
	client, hub, pm, eng := newTestEngine(t)

	if _, err := hub.OpenStream(ctx, "BTCUSDT", model.StreamKline, model.Interval1m); err != nil {
		t.Fatalf("open stream: %v", err)
	}
	strat, err := eng.Create(ctx, thresholdConfig(100))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i, close := range []float64{98, 101, 99} {
		client.push(klineEvent("BTCUSDT", model.Interval1m, close, int64(i)*60_000))
	}

	// the 101 close opens a long, the 99 close exits it
	waitFor(t, func() bool {
		all := pm.List(false)
		return len(all) == 1 && all[0].Status == model.PositionClosed
	}, "one closed position")

	all := pm.List(false)
	p := all[0]
	if p.EntryPrice != 101 {
		t.Errorf("entry price = %v, want 101", p.EntryPrice)
	}
	if p.ClosePrice != 99 {
		t.Errorf("close price = %v, want 99", p.ClosePrice)
	}
	if p.Side != model.Buy || p.StrategyID != strat.ID {
		t.Errorf("unexpected position %+v", p)
	}
}

func TestStopLifecycle(t *testing.T) {
	ctx := context.Background()
	client, _, pm, eng := newTestEngine(t)

	strat, err := eng.Create(ctx, thresholdConfig(100))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	client.push(klineEvent("BTCUSDT", model.Interval1m, 101, 0))
	waitFor(t, func() bool { return len(pm.List(true)) == 1 }, "position opened")

	if err := eng.Stop(ctx, strat.ID, true); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := len(pm.List(true)); got != 0 {
		t.Errorf("positions left open after stop with close: %d", got)
	}

	s, err := eng.Get(strat.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.Status != model.StrategyStopped || s.StoppedAt == 0 {
		t.Errorf("unexpected state %+v", s)
	}

	// terminal: a second stop fails, events are ignored
	if err := eng.Stop(ctx, strat.ID, false); !errors.Is(err, ErrStrategyStopped) {
		t.Fatalf("expected ErrStrategyStopped, got %v", err)
	}
	client.push(klineEvent("BTCUSDT", model.Interval1m, 150, 60_000))
	time.Sleep(50 * time.Millisecond)
	if got := len(pm.List(false)); got != 1 {
		t.Errorf("stopped strategy still trades: %d positions", got)
	}

	if err := eng.Stop(ctx, "nope", false); !errors.Is(err, ErrStrategyNotFound) {
		t.Fatalf("expected ErrStrategyNotFound, got %v", err)
	}
}

func TestSetParamsOnStoppedStrategy(t *testing.T) {
	ctx := context.Background()
	_, _, _, eng := newTestEngine(t)

	strat, err := eng.Create(ctx, thresholdConfig(100))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := eng.Stop(ctx, strat.ID, false); err != nil {
		t.Fatalf("stop: %v", err)
	}

	err = eng.SetParams(ctx, strat.ID, model.AlgoParams{
		Name:      model.AlgoThreshold,
		Threshold: &model.ThresholdParams{Level: 200},
	})
	if !errors.Is(err, model.ErrInvalidStrategyConfig) {
		t.Fatalf("expected ErrInvalidStrategyConfig, got %v", err)
	}
	// state unchanged
	s, _ := eng.Get(strat.ID)
	if s.Config.Algo.Threshold.Level != 100 {
		t.Errorf("params mutated on stopped strategy: %+v", s.Config.Algo)
	}
}

func TestSetParamsLive(t *testing.T) {
	ctx := context.Background()
	_, _, _, eng := newTestEngine(t)

	strat, err := eng.Create(ctx, thresholdConfig(100))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := eng.SetParams(ctx, strat.ID, model.AlgoParams{
		Name:      model.AlgoThreshold,
		Threshold: &model.ThresholdParams{Level: 250},
	}); err != nil {
		t.Fatalf("set params: %v", err)
	}
	s, _ := eng.Get(strat.ID)
	if s.Config.Algo.Threshold.Level != 250 {
		t.Errorf("params not applied: %+v", s.Config.Algo)
	}

	// switching algorithms on a live instance is rejected
	err = eng.SetParams(ctx, strat.ID, model.AlgoParams{
		Name: model.AlgoRSI,
		RSI:  &model.RSIParams{Period: 14, Oversold: 30, Overbought: 70},
	})
	if !errors.Is(err, model.ErrInvalidStrategyConfig) {
		t.Fatalf("expected ErrInvalidStrategyConfig, got %v", err)
	}
}

func TestStopFlattensAfterAlreadyStopped(t *testing.T) {
	ctx := context.Background()
	client, _, pm, eng := newTestEngine(t)

	strat, err := eng.Create(ctx, thresholdConfig(100))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	client.push(klineEvent("BTCUSDT", model.Interval1m, 101, 0))
	waitFor(t, func() bool { return len(pm.List(true)) == 1 }, "position opened")

	if err := eng.Stop(ctx, strat.ID, false); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := len(pm.List(true)); got != 1 {
		t.Fatalf("stop without close flattened positions: %d open", got)
	}

	// the repeat stop is an error, but the close request still runs
	if err := eng.Stop(ctx, strat.ID, true); !errors.Is(err, ErrStrategyStopped) {
		t.Fatalf("expected ErrStrategyStopped, got %v", err)
	}
	if got := len(pm.List(true)); got != 0 {
		t.Errorf("positions left open after stop with close: %d", got)
	}
}
