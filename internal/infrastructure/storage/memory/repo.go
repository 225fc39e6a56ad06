package memory

import (
	"context"
	"sort"
	"sync"

	"tradebot/internal/application/port"
	"tradebot/internal/domain/model"
)

// Repo keeps records in process memory. Used when no durable store is
// configured, and in tests. Records do not survive a restart.
type Repo struct {
	mu         sync.RWMutex
	strategies map[string]model.Strategy
	positions  map[string]model.Position
	orders     map[string]model.Order
	backtests  map[string]model.BacktestResult
}

func New() *Repo {
	return &Repo{
		strategies: make(map[string]model.Strategy),
		positions:  make(map[string]model.Position),
		orders:     make(map[string]model.Order),
		backtests:  make(map[string]model.BacktestResult),
	}
}

func (r *Repo) SaveStrategy(ctx context.Context, s model.Strategy) error {
	r.mu.Lock()
	r.strategies[s.ID] = s
	r.mu.Unlock()
	return nil
}

func (r *Repo) GetStrategy(ctx context.Context, id string) (model.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[id]
	if !ok {
		return model.Strategy{}, port.ErrNotFound
	}
	return s, nil
}

func (r *Repo) ListStrategies(ctx context.Context, activeOnly bool) ([]model.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		if activeOnly && s.Status != model.StrategyActive {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *Repo) SavePosition(ctx context.Context, p model.Position) error {
	r.mu.Lock()
	r.positions[p.ID] = p
	r.mu.Unlock()
	return nil
}

func (r *Repo) GetPosition(ctx context.Context, id string) (model.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.positions[id]
	if !ok {
		return model.Position{}, port.ErrNotFound
	}
	return p, nil
}

func (r *Repo) ListPositions(ctx context.Context, openOnly bool) ([]model.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Position, 0, len(r.positions))
	for _, p := range r.positions {
		if openOnly && p.Status != model.PositionOpen {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenTime != out[j].OpenTime {
			return out[i].OpenTime < out[j].OpenTime
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *Repo) SaveOrder(ctx context.Context, o model.Order) error {
	r.mu.Lock()
	r.orders[o.ID] = o
	r.mu.Unlock()
	return nil
}

func (r *Repo) SaveBacktest(ctx context.Context, id string, res model.BacktestResult) error {
	r.mu.Lock()
	r.backtests[id] = res
	r.mu.Unlock()
	return nil
}

// Backtest returns a stored backtest result by run id.
func (r *Repo) Backtest(id string) (model.BacktestResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.backtests[id]
	return res, ok
}

func (r *Repo) Close() error { return nil }

var _ port.Repository = (*Repo)(nil)
