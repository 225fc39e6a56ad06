package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tradebot/internal/application/algo"
	"tradebot/internal/application/port"
	"tradebot/internal/domain/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SimClient is the deterministic exchange variant backtests run against.
// SetPrice drives its fill price from the replayed events.
type SimClient interface {
	port.ExchangeClient
	SetPrice(symbol string, price float64, ts int64)
}

// BacktestStatus is the queryable state of one replay run.
type BacktestStatus struct {
	ID     string                `json:"id"`
	State  model.BacktestState   `json:"state"`
	Error  string                `json:"error,omitempty"`
	Result *model.BacktestResult `json:"result,omitempty"`
}

// BacktestReplayer replays recorded klines through a fresh strategy and a
// fresh position manager bound to a simulated exchange. The live client is
// never touched. For a fixed (config, range, data set) the result is
// byte-identical across runs: the replay clock is the event clock and
// position ids come from a counter, not a uuid.
type BacktestReplayer struct {
	history port.HistorySource
	repo    port.Repository
	newSim  func() SimClient

	mu   sync.Mutex
	runs map[string]*BacktestStatus
}

func NewBacktestReplayer(history port.HistorySource, repo port.Repository, newSim func() SimClient) *BacktestReplayer {
	return &BacktestReplayer{
		history: history,
		repo:    repo,
		newSim:  newSim,
		runs:    make(map[string]*BacktestStatus),
	}
}

// Run replays synchronously and returns the full result. A malformed or
// out-of-order record fails the whole run; a truncated backtest would be
// worse than an explicit error.
func (b *BacktestReplayer) Run(ctx context.Context, cfg model.StrategyConfig, rng model.BacktestRange) (model.BacktestResult, error) {
	if err := cfg.Validate(); err != nil {
		return model.BacktestResult{}, err
	}
	if rng.To <= rng.From {
		return model.BacktestResult{}, fmt.Errorf("%w: empty range [%d,%d)", ErrReplayData, rng.From, rng.To)
	}

	klines, err := b.history.Klines(ctx, cfg.Symbol, cfg.Interval, rng.From, rng.To)
	if err != nil {
		return model.BacktestResult{}, fmt.Errorf("%w: load %s/%s: %v", ErrReplayData, cfg.Symbol, cfg.Interval, err)
	}
	if len(klines) == 0 {
		return model.BacktestResult{}, fmt.Errorf("%w: no klines for %s/%s in [%d,%d)", ErrReplayData, cfg.Symbol, cfg.Interval, rng.From, rng.To)
	}
	for i, k := range klines {
		if err := k.Validate(); err != nil {
			return model.BacktestResult{}, fmt.Errorf("%w: record %d: %v", ErrReplayData, i, err)
		}
		if i > 0 && k.OpenTime < klines[i-1].OpenTime {
			return model.BacktestResult{}, fmt.Errorf("%w: record %d out of order (%d < %d)", ErrReplayData, i, k.OpenTime, klines[i-1].OpenTime)
		}
	}

	a, err := algo.New(cfg.Algo)
	if err != nil {
		return model.BacktestResult{}, err
	}

	sim := b.newSim()
	prices := &replayPrices{}
	pm := NewPositionManager(sim, nil, prices)

	var clock int64
	var seq int
	pm.SetClock(
		func() int64 { return clock },
		func() string { seq++; return fmt.Sprintf("bt-%06d", seq) },
	)

	strat := model.Strategy{
		ID:     "backtest",
		Config: cfg,
		Status: model.StrategyActive,
	}

	res := model.BacktestResult{
		Config:           cfg,
		Range:            rng,
		PeriodStartPrice: klines[0].Close,
		PeriodEndPrice:   klines[len(klines)-1].Close,
	}
	var peak float64

	for _, k := range klines {
		clock = k.CloseTime
		prices.set(cfg.Symbol, k.Close)
		sim.SetPrice(cfg.Symbol, k.Close, k.CloseTime)
		res.Events++

		// risk limit first, then the algorithm's view of the candle
		pm.CheckStops(ctx, cfg.Symbol, k.Close)

		eval := a.Evaluate(k)
		if sig, ok := signalFor(strat, eval, k); ok {
			sig.Backtest = true
			res.Signals++
			if err := pm.HandleSignal(ctx, sig, cfg); err != nil {
				log.Warn().Err(err).Str("symbol", cfg.Symbol).Msg("backtest signal failed")
			}
		}

		eq := equity(pm, k.Close)
		if eq > peak {
			peak = eq
		}
		if eq > res.MaxProfit {
			res.MaxProfit = eq
		}
		if dd := peak - eq; dd > res.MaxDrawdown {
			res.MaxDrawdown = dd
		}
	}

	// flatten whatever is still open at the last price
	for _, r := range pm.CloseAll(ctx, "") {
		if r.Err != nil {
			return model.BacktestResult{}, fmt.Errorf("%w: final close %s: %v", ErrReplayData, r.PositionID, r.Err)
		}
	}

	positions := pm.List(false)
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].CloseTime != positions[j].CloseTime {
			return positions[i].CloseTime < positions[j].CloseTime
		}
		return positions[i].ID < positions[j].ID
	})
	res.Positions = positions
	for _, p := range positions {
		res.TotalPnL += p.PnL
		// every position is one opening order and one closing order
		res.BuyCount++
		res.SellCount++
		switch {
		case p.PnL > 0:
			res.WinCount++
		case p.PnL < 0:
			res.LossCount++
		}
	}

	log.Info().Str("symbol", cfg.Symbol).Int("events", res.Events).
		Int("trades", len(res.Positions)).Float64("pnl", res.TotalPnL).
		Msg("backtest finished")
	return res, nil
}

// Start launches a replay in the background and returns its run id.
func (b *BacktestReplayer) Start(ctx context.Context, cfg model.StrategyConfig, rng model.BacktestRange) (string, error) {
	c := cfg
	if err := c.Validate(); err != nil {
		return "", err
	}
	id := uuid.NewString()

	b.mu.Lock()
	b.runs[id] = &BacktestStatus{ID: id, State: model.BacktestRunning}
	b.mu.Unlock()

	go func() {
		res, err := b.Run(context.Background(), c, rng)
		b.mu.Lock()
		st := b.runs[id]
		if err != nil {
			st.State = model.BacktestFailed
			st.Error = err.Error()
		} else {
			st.State = model.BacktestDone
			st.Result = &res
		}
		b.mu.Unlock()

		if err == nil && b.repo != nil {
			if serr := b.repo.SaveBacktest(context.Background(), id, res); serr != nil {
				log.Error().Err(serr).Str("backtest", id).Msg("save backtest failed")
			}
		}
	}()
	return id, nil
}

// Status reports one run by id.
func (b *BacktestReplayer) Status(id string) (BacktestStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.runs[id]
	if !ok {
		return BacktestStatus{}, fmt.Errorf("%w: %s", ErrBacktestNotFound, id)
	}
	return *st, nil
}

// equity is realized plus unrealized P&L marked at price.
func equity(pm *PositionManager, price float64) float64 {
	var eq float64
	for _, p := range pm.List(false) {
		if p.Status == model.PositionClosed {
			eq += p.PnL
		} else {
			eq += p.UnrealizedPnL(price) - p.FeePaid
		}
	}
	return eq
}

// replayPrices is the deterministic price source for replays: no clock,
// no staleness, just the last replayed close.
type replayPrices struct {
	mu sync.Mutex
	m  map[string]float64
}

func (r *replayPrices) set(symbol string, price float64) {
	r.mu.Lock()
	if r.m == nil {
		r.m = make(map[string]float64)
	}
	r.m[symbol] = price
	r.mu.Unlock()
}

func (r *replayPrices) LastPrice(symbol string) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.m[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: no price for %s", ErrStalePriceData, symbol)
	}
	return p, nil
}
