package port

import (
	"context"
	"errors"

	"tradebot/internal/domain/model"
)

// ErrNotFound is returned by repository lookups for unknown ids.
var ErrNotFound = errors.New("record not found")

// Repository persists one durable record per strategy, position, order and
// backtest, keyed by id and retrievable by id or "active" filter. The
// engine never reads market data back through this interface.
type Repository interface {
	// Strategy records
	SaveStrategy(ctx context.Context, s model.Strategy) error
	GetStrategy(ctx context.Context, id string) (model.Strategy, error)
	ListStrategies(ctx context.Context, activeOnly bool) ([]model.Strategy, error)

	// Position records
	SavePosition(ctx context.Context, p model.Position) error
	GetPosition(ctx context.Context, id string) (model.Position, error)
	ListPositions(ctx context.Context, openOnly bool) ([]model.Position, error)

	// Order records
	SaveOrder(ctx context.Context, o model.Order) error

	// Backtest results
	SaveBacktest(ctx context.Context, id string, res model.BacktestResult) error

	Close() error
}
