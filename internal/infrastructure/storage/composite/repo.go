package composite

import (
	"context"

	"tradebot/internal/application/port"
	"tradebot/internal/domain/model"
)

// Repo 将写操作扇出到所有后端, 读操作走第一个(主)后端.
// 任意后端写失败返回第一个错误, 其余后端仍然会写.
type Repo struct {
	repos []port.Repository
}

func New(repos ...port.Repository) *Repo {
	// nil repos are allowed; filter in constructor for safety
	out := make([]port.Repository, 0, len(repos))
	for _, r := range repos {
		if r != nil {
			out = append(out, r)
		}
	}
	return &Repo{repos: out}
}

func (r *Repo) SaveStrategy(ctx context.Context, s model.Strategy) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.SaveStrategy(ctx, s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) GetStrategy(ctx context.Context, id string) (model.Strategy, error) {
	if len(r.repos) == 0 {
		return model.Strategy{}, nil
	}
	return r.repos[0].GetStrategy(ctx, id)
}

func (r *Repo) ListStrategies(ctx context.Context, activeOnly bool) ([]model.Strategy, error) {
	if len(r.repos) == 0 {
		return nil, nil
	}
	return r.repos[0].ListStrategies(ctx, activeOnly)
}

func (r *Repo) SavePosition(ctx context.Context, p model.Position) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.SavePosition(ctx, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) GetPosition(ctx context.Context, id string) (model.Position, error) {
	if len(r.repos) == 0 {
		return model.Position{}, nil
	}
	return r.repos[0].GetPosition(ctx, id)
}

func (r *Repo) ListPositions(ctx context.Context, openOnly bool) ([]model.Position, error) {
	if len(r.repos) == 0 {
		return nil, nil
	}
	return r.repos[0].ListPositions(ctx, openOnly)
}

func (r *Repo) SaveOrder(ctx context.Context, o model.Order) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.SaveOrder(ctx, o); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) SaveBacktest(ctx context.Context, id string, res model.BacktestResult) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.SaveBacktest(ctx, id, res); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) Close() error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Sink 将行情归档扇出到多个 MarketSink.
type Sink struct {
	sinks []port.MarketSink
}

func NewSink(sinks ...port.MarketSink) *Sink {
	out := make([]port.MarketSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Sink{sinks: out}
}

func (s *Sink) AppendKline(ctx context.Context, k model.Kline) error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.AppendKline(ctx, k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Sink) AppendTrade(ctx context.Context, t model.Trade) error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.AppendTrade(ctx, t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Sink) AppendTicker(ctx context.Context, tk model.Ticker) error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.AppendTicker(ctx, tk); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var (
	_ port.Repository = (*Repo)(nil)
	_ port.MarketSink = (*Sink)(nil)
)
