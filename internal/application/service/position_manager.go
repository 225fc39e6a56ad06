package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradebot/internal/application/port"
	"tradebot/internal/domain/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PriceSource supplies the reference price for sizing and closing orders.
// The live source is the hub's last-price cache; backtests substitute a
// table driven by the replayed events.
type PriceSource interface {
	LastPrice(symbol string) (float64, error)
}

// StreamPinner holds market streams open on behalf of stop-loss
// positions, so closing a stream cannot silently disarm the watcher.
// Satisfied by the Hub; backtests leave it unset and check stops inline
// against the replayed events.
type StreamPinner interface {
	PinStream(ctx context.Context, symbol string, kind model.StreamKind, interval model.Interval) (model.StreamHandle, error)
	UnpinStream(id string)
}

// CloseResult is the per-position outcome of a bulk close. Partial
// failures stay visible: the caller can tell which positions remain open.
type CloseResult struct {
	PositionID string         `json:"position_id"`
	Position   model.Position `json:"position,omitempty"`
	Err        error          `json:"-"`
	Error      string         `json:"error,omitempty"`
}

// PositionManager is the single authority over position and order state.
// Every mutation funnels through it; at most one order per position is in
// flight at any moment, so concurrent closes resolve to one winner.
type PositionManager struct {
	client  port.ExchangeClient
	repo    port.Repository
	prices  PriceSource
	streams StreamPinner

	mu        sync.Mutex
	positions map[string]*model.Position
	inflight  map[string]bool
	pinned    map[string]string // position id -> pinned stream id

	now   func() int64
	newID func() string
}

func NewPositionManager(client port.ExchangeClient, repo port.Repository, prices PriceSource) *PositionManager {
	return &PositionManager{
		client:    client,
		repo:      repo,
		prices:    prices,
		positions: make(map[string]*model.Position),
		inflight:  make(map[string]bool),
		pinned:    make(map[string]string),
		now:       func() int64 { return time.Now().UnixMilli() },
		newID:     uuid.NewString,
	}
}

// SetClock replaces the wall clock and id source. Backtests install
// deterministic ones so two identical runs produce identical records.
func (m *PositionManager) SetClock(now func() int64, newID func() string) {
	m.now = now
	m.newID = newID
}

// SetStreams wires the hub in as the stream pinner. While a stop-loss
// position is open its symbol keeps a ticker feed pinned, so the stop
// watcher always has prices to act on.
func (m *PositionManager) SetStreams(p StreamPinner) {
	m.streams = p
}

// Open prices, sizes and submits an opening order, recording the position
// on fill. On rejection nothing is recorded; the call never happened.
func (m *PositionManager) Open(ctx context.Context, strategyID, symbol string, side model.Side, marginUSD float64, leverage int, stopLoss float64) (model.Position, error) {
	if !side.Valid() {
		return model.Position{}, fmt.Errorf("open %s: bad side %q", symbol, side)
	}
	if marginUSD <= 0 || leverage < 1 {
		return model.Position{}, fmt.Errorf("open %s: bad margin %v or leverage %d", symbol, marginUSD, leverage)
	}
	price, err := m.prices.LastPrice(symbol)
	if err != nil {
		return model.Position{}, fmt.Errorf("open %s: %w", symbol, err)
	}

	var pinID string
	if stopLoss > 0 && m.streams != nil {
		h, err := m.streams.PinStream(ctx, symbol, model.StreamTicker, "")
		if err != nil {
			return model.Position{}, fmt.Errorf("open %s: pin feed: %w", symbol, err)
		}
		pinID = h.ID
	}

	p := model.NewPosition(symbol, side, marginUSD, leverage, price, stopLoss, strategyID)
	res, err := m.client.PlaceOrder(ctx, model.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Quantity: p.Quantity,
	})
	if err != nil {
		if pinID != "" {
			m.streams.UnpinStream(pinID)
		}
		return model.Position{}, fmt.Errorf("open %s: %w", symbol, err)
	}

	if res.AvgPrice > 0 {
		p.EntryPrice = res.AvgPrice
		p.Quantity = marginUSD * float64(leverage) / res.AvgPrice
	}
	p.ID = m.newID()
	p.OpenTime = m.now()
	p.FeePaid = res.Fee

	m.mu.Lock()
	m.positions[p.ID] = &p
	if pinID != "" {
		m.pinned[p.ID] = pinID
	}
	m.mu.Unlock()

	m.persist(ctx, p, model.Order{
		ID:         orderID(res.OrderID, m.newID),
		PositionID: p.ID,
		Symbol:     symbol,
		Side:       side,
		Quantity:   res.ExecutedQty,
		Status:     model.OrderFilled,
		CreatedAt:  p.OpenTime,
		UpdatedAt:  p.OpenTime,
	})

	log.Info().Str("position", p.ID).Str("symbol", symbol).Str("side", string(side)).
		Float64("entry", p.EntryPrice).Float64("qty", p.Quantity).Float64("stop", stopLoss).
		Msg("position opened")
	return p, nil
}

// Close submits a reduce-only order for the full quantity and marks the
// position closed with realized P&L. Exactly one concurrent closer wins;
// the rest observe ErrAlreadyClosed.
func (m *PositionManager) Close(ctx context.Context, positionID string) (model.Position, error) {
	m.mu.Lock()
	p, ok := m.positions[positionID]
	if !ok {
		m.mu.Unlock()
		return model.Position{}, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	if p.Status != model.PositionOpen || m.inflight[positionID] {
		m.mu.Unlock()
		return model.Position{}, fmt.Errorf("%w: %s", ErrAlreadyClosed, positionID)
	}
	m.inflight[positionID] = true
	snap := *p
	m.mu.Unlock()

	pos, err := m.settle(ctx, snap)

	m.mu.Lock()
	delete(m.inflight, positionID)
	var pinID string
	if err == nil {
		*p = pos
		pinID = m.pinned[positionID]
		delete(m.pinned, positionID)
	}
	m.mu.Unlock()

	if pinID != "" {
		m.streams.UnpinStream(pinID)
	}
	return pos, err
}

// settle does the pricing and the exchange call outside the lock.
func (m *PositionManager) settle(ctx context.Context, p model.Position) (model.Position, error) {
	price, err := m.prices.LastPrice(p.Symbol)
	if err != nil {
		return model.Position{}, fmt.Errorf("close %s: %w", p.ID, err)
	}
	res, err := m.client.PlaceOrder(ctx, model.OrderRequest{
		Symbol:     p.Symbol,
		Side:       p.Side.Opposite(),
		Quantity:   p.Quantity,
		ReduceOnly: true,
	})
	if err != nil {
		return model.Position{}, fmt.Errorf("close %s: %w", p.ID, err)
	}

	exit := price
	if res.AvgPrice > 0 {
		exit = res.AvgPrice
	}
	p.Status = model.PositionClosed
	p.ClosePrice = exit
	p.CloseTime = m.now()
	p.FeePaid += res.Fee
	p.PnL = (exit-p.EntryPrice)*p.Quantity*p.Side.Sign() - p.FeePaid

	m.persist(ctx, p, model.Order{
		ID:         orderID(res.OrderID, m.newID),
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Side:       p.Side.Opposite(),
		Quantity:   res.ExecutedQty,
		Status:     model.OrderFilled,
		CreatedAt:  p.CloseTime,
		UpdatedAt:  p.CloseTime,
	})

	log.Info().Str("position", p.ID).Str("symbol", p.Symbol).
		Float64("exit", exit).Float64("pnl", p.PnL).
		Msg("position closed")
	return p, nil
}

// CloseAll closes every open position matching strategyID ("" matches
// all), reporting each outcome separately.
func (m *PositionManager) CloseAll(ctx context.Context, strategyID string) []CloseResult {
	open := m.List(true)
	results := make([]CloseResult, 0, len(open))
	for _, p := range open {
		if strategyID != "" && p.StrategyID != strategyID {
			continue
		}
		closed, err := m.Close(ctx, p.ID)
		r := CloseResult{PositionID: p.ID, Position: closed, Err: err}
		if err != nil {
			r.Error = err.Error()
			log.Warn().Err(err).Str("position", p.ID).Msg("bulk close failed")
		}
		results = append(results, r)
	}
	return results
}

// Get returns a snapshot copy of one position.
func (m *PositionManager) Get(positionID string) (model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[positionID]
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	return *p, nil
}

// List returns a point-in-time snapshot, sorted by open time then id.
func (m *PositionManager) List(openOnly bool) []model.Position {
	m.mu.Lock()
	out := make([]model.Position, 0, len(m.positions))
	for _, p := range m.positions {
		if openOnly && p.Status != model.PositionOpen {
			continue
		}
		out = append(out, *p)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenTime != out[j].OpenTime {
			return out[i].OpenTime < out[j].OpenTime
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// HandleSignal applies one strategy signal. An open signal first flattens
// positions on the opposite side, then opens another if the strategy is
// under its open-position cap. A close signal flattens everything the
// strategy holds.
func (m *PositionManager) HandleSignal(ctx context.Context, sig model.Signal, cfg model.StrategyConfig) error {
	switch sig.Kind {
	case model.SignalClose:
		m.CloseAll(ctx, sig.StrategyID)
		return nil
	case model.SignalOpen:
	default:
		return nil
	}

	var sameSide int
	for _, p := range m.List(true) {
		if p.StrategyID != sig.StrategyID {
			continue
		}
		if p.Side != sig.Side {
			if _, err := m.Close(ctx, p.ID); err != nil {
				log.Warn().Err(err).Str("position", p.ID).Msg("flip close failed")
			}
			continue
		}
		sameSide++
	}
	if sameSide >= cfg.MaxOpenPositions {
		return nil
	}

	stop := sig.StopLoss
	if stop <= 0 && cfg.StopLossPercent > 0 && sig.Price > 0 {
		if sig.Side == model.Buy {
			stop = sig.Price * (1 - cfg.StopLossPercent/100)
		} else {
			stop = sig.Price * (1 + cfg.StopLossPercent/100)
		}
	}
	_, err := m.Open(ctx, sig.StrategyID, sig.Symbol, sig.Side, cfg.MarginUSD, cfg.Leverage, stop)
	return err
}

// stopSweepEvery bounds how long a stop crossing can go unnoticed when
// the watcher's queue drops events under burst load.
const stopSweepEvery = 500 * time.Millisecond

// RunStopWatcher consumes price events and closes any position whose
// stop-loss the price crosses. It runs independently of strategies, so a
// stopped or crashed strategy still has its risk limit enforced. The
// Close guard makes the trigger fire at most once per position.
//
// A periodic sweep re-checks every open stop against the last-price
// cache, so a crossing evicted from the event queue still triggers on
// the next tick.
func (m *PositionManager) RunStopWatcher(ctx context.Context, l *Listener) {
	sweep := time.NewTicker(stopSweepEvery)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-l.C():
			if !ok {
				return
			}
			m.CheckStops(ctx, ev.Symbol, ev.Price())
		case <-sweep.C:
			m.sweepStops(ctx)
		}
	}
}

// sweepStops checks every armed stop against the cached last price.
// Stale or missing cache entries are skipped; the event path covers
// those once the feed is back.
func (m *PositionManager) sweepStops(ctx context.Context) {
	seen := make(map[string]bool)
	for _, p := range m.List(true) {
		if p.StopLoss <= 0 || seen[p.Symbol] {
			continue
		}
		seen[p.Symbol] = true
		price, err := m.prices.LastPrice(p.Symbol)
		if err != nil {
			continue
		}
		m.CheckStops(ctx, p.Symbol, price)
	}
}

// CheckStops closes every open position on symbol whose stop the price
// crosses. Also called inline by the backtest replay loop.
func (m *PositionManager) CheckStops(ctx context.Context, symbol string, price float64) {
	if price <= 0 {
		return
	}
	for _, p := range m.List(true) {
		if p.Symbol != symbol || !p.StopHit(price) {
			continue
		}
		if _, err := m.Close(ctx, p.ID); err != nil {
			log.Warn().Err(err).Str("position", p.ID).Float64("price", price).Msg("stop-loss close failed")
			continue
		}
		log.Info().Str("position", p.ID).Float64("stop", p.StopLoss).Float64("price", price).Msg("stop-loss triggered")
	}
}

// persist writes the durable records. The in-memory table stays
// authoritative for the live loop; a storage failure is logged, not fatal.
func (m *PositionManager) persist(ctx context.Context, p model.Position, o model.Order) {
	if m.repo == nil {
		return
	}
	if err := m.repo.SavePosition(ctx, p); err != nil {
		log.Error().Err(err).Str("position", p.ID).Msg("save position failed")
	}
	if err := m.repo.SaveOrder(ctx, o); err != nil {
		log.Error().Err(err).Str("order", o.ID).Msg("save order failed")
	}
}

func orderID(fromExchange string, newID func() string) string {
	if fromExchange != "" {
		return fromExchange
	}
	return newID()
}
