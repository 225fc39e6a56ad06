package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"tradebot/internal/application/port"
	"tradebot/internal/application/service"
	"tradebot/internal/domain/model"
)

// ServiceDeps bundles everything the control surface needs. The svc layer
// builds one of these from config; tests build it by hand.
type ServiceDeps struct {
	Client     port.ExchangeClient
	Hub        *service.Hub
	Strategies *service.StrategyEngine
	Positions  *service.PositionManager
	Backtests  *service.BacktestReplayer
	Repo       port.Repository
}

// Service is the single entry point for operating the engine: streams,
// strategies, positions and backtests.
type Service struct {
	deps ServiceDeps
}

func NewService(deps ServiceDeps) *Service {
	return &Service{deps: deps}
}

// Run blocks until ctx is cancelled, driving the stop-loss watcher off a
// wildcard hub listener. Stream and strategy control happens concurrently
// through the other methods.
func (s *Service) Run(ctx context.Context) error {
	// 止损监听所有品种的所有事件
	watcher := s.deps.Hub.Listen("", "", "", 1024, service.DropOldest, nil)
	defer s.deps.Hub.Drop(watcher.ID())

	log.Info().Msg("engine running")
	s.deps.Positions.RunStopWatcher(ctx, watcher)

	s.deps.Strategies.StopAll(context.WithoutCancel(ctx))
	log.Info().Msg("engine stopped")
	return ctx.Err()
}

// ===== streams =====

func (s *Service) OpenStream(ctx context.Context, symbol, kind, interval string) (model.StreamHandle, error) {
	k := model.StreamKind(kind)
	var iv model.Interval
	if k == model.StreamKline {
		parsed, err := model.ParseInterval(interval)
		if err != nil {
			return model.StreamHandle{}, err
		}
		iv = parsed
	}
	return s.deps.Hub.OpenStream(ctx, symbol, k, iv)
}

func (s *Service) CloseStream(id string) error {
	return s.deps.Hub.CloseStream(id)
}

func (s *Service) ListStreams() []model.StreamHandle {
	return s.deps.Hub.ListStreams()
}

// ===== strategies =====

func (s *Service) CreateStrategy(ctx context.Context, cfg model.StrategyConfig) (model.Strategy, error) {
	return s.deps.Strategies.Create(ctx, cfg)
}

func (s *Service) StopStrategy(ctx context.Context, id string, closePositions bool) error {
	return s.deps.Strategies.Stop(ctx, id, closePositions)
}

func (s *Service) SetStrategyParams(ctx context.Context, id string, p model.AlgoParams) error {
	return s.deps.Strategies.SetParams(ctx, id, p)
}

func (s *Service) GetStrategy(id string) (model.Strategy, error) {
	return s.deps.Strategies.Get(id)
}

func (s *Service) ListStrategies(activeOnly bool) []model.Strategy {
	return s.deps.Strategies.List(activeOnly)
}

// ===== positions =====

func (s *Service) OpenPosition(ctx context.Context, symbol string, side model.Side, marginUSD float64, leverage int, stopLoss float64) (model.Position, error) {
	// manual positions carry no strategy id
	return s.deps.Positions.Open(ctx, "", symbol, side, marginUSD, leverage, stopLoss)
}

func (s *Service) ClosePosition(ctx context.Context, id string) (model.Position, error) {
	return s.deps.Positions.Close(ctx, id)
}

func (s *Service) CloseAllPositions(ctx context.Context, strategyID string) []service.CloseResult {
	return s.deps.Positions.CloseAll(ctx, strategyID)
}

func (s *Service) GetPosition(id string) (model.Position, error) {
	return s.deps.Positions.Get(id)
}

func (s *Service) ListPositions(openOnly bool) []model.Position {
	return s.deps.Positions.List(openOnly)
}

// ===== backtests =====

func (s *Service) RunBacktest(ctx context.Context, cfg model.StrategyConfig, rng model.BacktestRange) (model.BacktestResult, error) {
	return s.deps.Backtests.Run(ctx, cfg, rng)
}

func (s *Service) StartBacktest(ctx context.Context, cfg model.StrategyConfig, rng model.BacktestRange) (string, error) {
	return s.deps.Backtests.Start(ctx, cfg, rng)
}

func (s *Service) BacktestStatus(id string) (service.BacktestStatus, error) {
	return s.deps.Backtests.Status(id)
}

// ===== account =====

func (s *Service) AccountSnapshot(ctx context.Context) (model.AccountSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.deps.Client.AccountSnapshot(ctx)
}
