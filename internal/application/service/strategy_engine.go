package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradebot/internal/application/algo"
	"tradebot/internal/application/port"
	"tradebot/internal/domain/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const strategyQueueSize = 256

// StrategyEngine owns the set of running strategy instances. Each one
// consumes its own slice of hub events on its own goroutine, turns candles
// into signals and hands them to the position manager. Instances fail
// independently: an algorithm error or queue overflow stops that one
// instance and nothing else.
type StrategyEngine struct {
	hub       *Hub
	positions *PositionManager
	repo      port.Repository

	mu        sync.Mutex
	instances map[string]*strategyInstance
}

type strategyInstance struct {
	mu    sync.Mutex
	strat model.Strategy
	algo  algo.Algorithm

	listener *Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewStrategyEngine(hub *Hub, positions *PositionManager, repo port.Repository) *StrategyEngine {
	return &StrategyEngine{
		hub:       hub,
		positions: positions,
		instances: make(map[string]*strategyInstance),
		repo:      repo,
	}
}

// Create validates the config, makes sure the matching kline stream is
// open, and starts the instance's event loop. Invalid config never reaches
// a running instance.
func (e *StrategyEngine) Create(ctx context.Context, cfg model.StrategyConfig) (model.Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return model.Strategy{}, err
	}
	a, err := algo.New(cfg.Algo)
	if err != nil {
		return model.Strategy{}, err
	}
	if _, err := e.hub.EnsureStream(ctx, cfg.Symbol, model.StreamKline, cfg.Interval); err != nil {
		return model.Strategy{}, fmt.Errorf("create strategy: %w", err)
	}

	inst := &strategyInstance{
		strat: model.Strategy{
			ID:        uuid.NewString(),
			Config:    cfg,
			Status:    model.StrategyActive,
			CreatedAt: time.Now().UnixMilli(),
		},
		algo: a,
		done: make(chan struct{}),
	}
	runCtx, cancel := context.WithCancel(context.Background())
	inst.cancel = cancel
	inst.listener = e.hub.Listen(cfg.Symbol, model.StreamKline, cfg.Interval, strategyQueueSize, FatalOverflow, func() {
		// a skipped candle would corrupt indicator state
		e.autoStop(inst.strat.ID, fmt.Errorf("event queue overflow"))
	})

	e.mu.Lock()
	e.instances[inst.strat.ID] = inst
	e.mu.Unlock()

	e.save(ctx, inst.snapshot())
	go e.run(runCtx, inst)

	log.Info().Str("strategy", inst.strat.ID).Str("name", cfg.Name).
		Str("symbol", cfg.Symbol).Str("interval", string(cfg.Interval)).
		Str("algo", string(cfg.Algo.Name)).Msg("strategy started")
	return inst.snapshot(), nil
}

// Stop moves the instance to its terminal state and detaches it from the
// hub. closePositions additionally flattens everything the strategy holds.
// A stopped strategy never resumes; create a new one instead.
func (e *StrategyEngine) Stop(ctx context.Context, id string, closePositions bool) error {
	e.mu.Lock()
	inst, ok := e.instances[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}

	inst.mu.Lock()
	if inst.strat.Status == model.StrategyStopped {
		inst.mu.Unlock()
		// the close request still stands even when the stop itself is a no-op
		if closePositions {
			e.positions.CloseAll(ctx, id)
		}
		return fmt.Errorf("%w: %s", ErrStrategyStopped, id)
	}
	inst.strat.Status = model.StrategyStopped
	inst.strat.StoppedAt = time.Now().UnixMilli()
	inst.mu.Unlock()

	inst.cancel()
	e.hub.Drop(inst.listener.ID())
	<-inst.done

	e.save(ctx, inst.snapshot())
	log.Info().Str("strategy", id).Bool("close_positions", closePositions).Msg("strategy stopped")

	if closePositions {
		e.positions.CloseAll(ctx, id)
	}
	return nil
}

// SetParams swaps the algorithm parameters on a running instance without
// interrupting its event stream. Only active instances accept updates.
func (e *StrategyEngine) SetParams(ctx context.Context, id string, p model.AlgoParams) error {
	e.mu.Lock()
	inst, ok := e.instances[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}

	inst.mu.Lock()
	if inst.strat.Status != model.StrategyActive {
		inst.mu.Unlock()
		return fmt.Errorf("%w: strategy %s not active", model.ErrInvalidStrategyConfig, id)
	}
	if err := inst.algo.SetParams(p); err != nil {
		inst.mu.Unlock()
		return err
	}
	inst.strat.Config.Algo = p
	snap := inst.strat
	inst.mu.Unlock()

	e.save(ctx, snap)
	log.Info().Str("strategy", id).Str("algo", string(p.Name)).Msg("strategy params updated")
	return nil
}

// Get returns a snapshot of one instance.
func (e *StrategyEngine) Get(id string) (model.Strategy, error) {
	e.mu.Lock()
	inst, ok := e.instances[id]
	e.mu.Unlock()
	if !ok {
		return model.Strategy{}, fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}
	return inst.snapshot(), nil
}

// List returns a snapshot of instances, sorted by creation time then id.
func (e *StrategyEngine) List(activeOnly bool) []model.Strategy {
	e.mu.Lock()
	out := make([]model.Strategy, 0, len(e.instances))
	for _, inst := range e.instances {
		s := inst.snapshot()
		if activeOnly && s.Status != model.StrategyActive {
			continue
		}
		out = append(out, s)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// StopAll stops every active instance, leaving positions open.
func (e *StrategyEngine) StopAll(ctx context.Context) {
	for _, s := range e.List(true) {
		if err := e.Stop(ctx, s.ID, false); err != nil {
			log.Warn().Err(err).Str("strategy", s.ID).Msg("stop failed")
		}
	}
}

// run is the per-instance event loop. A panic inside the algorithm is
// caught here and stops this instance only.
func (e *StrategyEngine) run(ctx context.Context, inst *strategyInstance) {
	defer close(inst.done)
	defer func() {
		if r := recover(); r != nil {
			go e.autoStop(inst.strat.ID, fmt.Errorf("algorithm panic: %v", r))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-inst.listener.C():
			if !ok {
				return
			}
			e.onEvent(ctx, inst, ev)
		}
	}
}

func (e *StrategyEngine) onEvent(ctx context.Context, inst *strategyInstance, ev model.MarketEvent) {
	if ev.Kind != model.StreamKline || ev.Kline == nil {
		return
	}

	inst.mu.Lock()
	if inst.strat.Status != model.StrategyActive {
		inst.mu.Unlock()
		return
	}
	eval := inst.algo.Evaluate(*ev.Kline)
	strat := inst.strat
	inst.mu.Unlock()

	sig, ok := signalFor(strat, eval, *ev.Kline)
	if !ok {
		return
	}
	log.Debug().Str("strategy", strat.ID).Str("symbol", sig.Symbol).
		Str("side", string(sig.Side)).Float64("price", sig.Price).
		Msg("signal emitted")
	if err := e.positions.HandleSignal(ctx, sig, strat.Config); err != nil {
		log.Warn().Err(err).Str("strategy", strat.ID).Msg("signal handling failed")
	}
}

// signalFor maps an algorithm evaluation onto a trading signal.
func signalFor(strat model.Strategy, eval algo.Evaluation, k model.Kline) (model.Signal, bool) {
	var side model.Side
	switch eval {
	case algo.Long:
		side = model.Buy
	case algo.Short:
		side = model.Sell
	case algo.Exit:
		return model.Signal{
			StrategyID: strat.ID,
			Symbol:     strat.Config.Symbol,
			Kind:       model.SignalClose,
			Price:      k.Close,
			Timestamp:  k.CloseTime,
		}, true
	default:
		return model.Signal{}, false
	}
	return model.Signal{
		StrategyID: strat.ID,
		Symbol:     strat.Config.Symbol,
		Kind:       model.SignalOpen,
		Side:       side,
		Price:      k.Close,
		Timestamp:  k.CloseTime,
	}, true
}

// autoStop is the failure path: record the error, stop the one instance,
// leave the rest of the engine running.
func (e *StrategyEngine) autoStop(id string, cause error) {
	e.mu.Lock()
	inst, ok := e.instances[id]
	e.mu.Unlock()
	if !ok {
		return
	}

	inst.mu.Lock()
	if inst.strat.Status == model.StrategyStopped {
		inst.mu.Unlock()
		return
	}
	inst.strat.Status = model.StrategyStopped
	inst.strat.StoppedAt = time.Now().UnixMilli()
	inst.strat.LastError = cause.Error()
	inst.mu.Unlock()

	inst.cancel()
	e.hub.Drop(inst.listener.ID())

	log.Error().Err(cause).Str("strategy", id).Msg("strategy auto-stopped")
	e.save(context.Background(), inst.snapshot())
}

func (e *StrategyEngine) save(ctx context.Context, s model.Strategy) {
	if e.repo == nil {
		return
	}
	if err := e.repo.SaveStrategy(ctx, s); err != nil {
		log.Error().Err(err).Str("strategy", s.ID).Msg("save strategy failed")
	}
}

func (inst *strategyInstance) snapshot() model.Strategy {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.strat
}
