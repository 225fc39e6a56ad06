package svc

import (
	"context"
	"fmt"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"tradebot/internal/application/port"
	"tradebot/internal/application/service"
	"tradebot/internal/application/usecase/engine"
	"tradebot/internal/domain/model"
	"tradebot/internal/infrastructure/config"
	"tradebot/internal/infrastructure/exchange/binance"
	"tradebot/internal/infrastructure/exchange/mock"
	"tradebot/internal/infrastructure/storage/composite"
	"tradebot/internal/infrastructure/storage/memory"
	"tradebot/internal/infrastructure/storage/postgres"
	redissink "tradebot/internal/infrastructure/storage/redis"
	sqliterepo "tradebot/internal/infrastructure/storage/sqlite"
)

type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config

	// 基础设施层（第一层初始化）
	redisClient *redisclient.Client
	sqliteRepo  *sqliterepo.Repo
	client      port.ExchangeClient
	repo        port.Repository
	sink        port.MarketSink
	history     port.HistorySource

	// 应用业务组件（依赖基础设施）
	Hub        *service.Hub
	Positions  *service.PositionManager
	Strategies *service.StrategyEngine
	Backtests  *service.BacktestReplayer
	Engine     *engine.Service

	// 资源管理
	closerChain []func() error
}

// New 创建并初始化 ServiceContext
// 这是应用启动的唯一入口点，所有依赖初始化都在这里完成
func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	sc := &ServiceContext{
		Ctx:         ctx,
		Config:      cfg,
		closerChain: make([]func() error, 0),
	}

	// 初始化所有组件，按依赖顺序
	if err := sc.initializeComponents(); err != nil {
		// 清理已初始化的资源
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

// initializeComponents 初始化所有应用组件
// 按照依赖关系有序初始化，确保不会有循环依赖
func (sc *ServiceContext) initializeComponents() error {
	// 0. 存储层 (最基础，最后被其他依赖使用)
	if err := sc.initializeStorage(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInitFailed, err)
	}

	// 1. 交易所客户端: 实盘或模拟盘
	if err := sc.initExchange(); err != nil {
		return err
	}

	// 2. 行情中心
	sc.Hub = service.NewHub(sc.client, sc.sink, sc.Config.Staleness())
	sc.closerChain = append(sc.closerChain, func() error {
		sc.Hub.Close()
		return nil
	})

	// 3. 仓位管理 / 策略引擎 / 回测
	sc.Positions = service.NewPositionManager(sc.client, sc.repo, sc.Hub)
	sc.Positions.SetStreams(sc.Hub)
	sc.Strategies = service.NewStrategyEngine(sc.Hub, sc.Positions, sc.repo)
	sc.Backtests = service.NewBacktestReplayer(sc.history, sc.repo, func() service.SimClient {
		return mock.New()
	})

	// 4. 控制面
	sc.Engine = engine.NewService(engine.ServiceDeps{
		Client:     sc.client,
		Hub:        sc.Hub,
		Strategies: sc.Strategies,
		Positions:  sc.Positions,
		Backtests:  sc.Backtests,
		Repo:       sc.repo,
	})

	log.Info().Msg("✓ All components initialized")
	return nil
}

// initializeStorage 初始化存储层 (SQLite, Postgres 和 Redis)
func (sc *ServiceContext) initializeStorage() error {
	var repos []port.Repository
	var sinks []port.MarketSink

	// SQLite 初始化: 同时充当回测的历史数据源
	if sc.Config.SQLite.Enabled {
		repo, err := sqliterepo.New(sc.Config.SQLite.Path)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		sc.sqliteRepo = repo
		sc.history = repo
		repos = append(repos, repo)
		sinks = append(sinks, repo)
		sc.closerChain = append(sc.closerChain, func() error {
			log.Info().Msg("closing sqlite connection")
			return repo.Close()
		})
		log.Info().Str("path", sc.Config.SQLite.Path).Msg("✓ SQLite initialized")
	}

	// Postgres 初始化
	if sc.Config.Postgres.Enabled {
		repo, err := postgres.New(sc.Config.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		repos = append(repos, repo)
		sc.closerChain = append(sc.closerChain, func() error {
			log.Info().Msg("closing postgres connection")
			return repo.Close()
		})
		log.Info().Msg("✓ Postgres initialized")
	}

	// Redis 初始化: 只做行情镜像
	if sc.Config.Redis.Enabled {
		if err := sc.initRedis(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		sinks = append(sinks, redissink.NewSink(
			sc.redisClient,
			sc.Config.Redis.Prefix,
			time.Duration(sc.Config.Redis.TTLSeconds)*time.Second,
			sc.Config.Redis.StreamLen,
		))
	}

	switch len(repos) {
	case 0:
		// 没有持久化后端时退化为内存存储
		sc.repo = memory.New()
		log.Warn().Msg("no durable store enabled, records held in memory only")
	case 1:
		sc.repo = repos[0]
	default:
		sc.repo = composite.New(repos...)
	}

	switch len(sinks) {
	case 0:
		sc.sink = nil
	case 1:
		sc.sink = sinks[0]
	default:
		sc.sink = composite.NewSink(sinks...)
	}

	if sc.history == nil {
		sc.history = emptyHistory{}
	}
	return nil
}

// initRedis 初始化 Redis 连接
func (sc *ServiceContext) initRedis() error {
	rdb := redisclient.NewClient(&redisclient.Options{
		Addr:     sc.Config.Redis.Addr,
		Password: sc.Config.Redis.Password,
		DB:       sc.Config.Redis.DB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(sc.Ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	sc.redisClient = rdb
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return rdb.Close()
	})

	log.Info().
		Str("addr", sc.Config.Redis.Addr).
		Int("db", sc.Config.Redis.DB).
		Msg("✓ Redis initialized")

	return nil
}

// initExchange 初始化交易所客户端
func (sc *ServiceContext) initExchange() error {
	if sc.Config.Exchange.Binance.Mock {
		sc.client = mock.New()
		log.Info().Msg("✓ Mock exchange initialized")
		return nil
	}

	bn := binance.New(
		sc.Config.Exchange.Binance.WsURL,
		sc.Config.Exchange.Binance.RestURL,
		sc.Config.Exchange.Binance.APIKey,
		sc.Config.Exchange.Binance.APISecret,
	)
	sc.client = bn
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing binance connections")
		return bn.Close()
	})
	log.Info().Msg("✓ Binance client initialized")
	return nil
}

// Bootstrap 打开配置文件里声明的流和策略
// 在 Engine.Run 启动前由 main 调用
func (sc *ServiceContext) Bootstrap(ctx context.Context) error {
	for _, s := range sc.Config.Streams {
		h, err := sc.Engine.OpenStream(ctx, s.Symbol, s.Kind, s.Interval)
		if err != nil {
			return fmt.Errorf("open stream %s/%s: %w", s.Symbol, s.Kind, err)
		}
		log.Info().
			Str("stream", h.ID).
			Str("symbol", h.Symbol).
			Str("kind", string(h.Kind)).
			Msg("stream opened")
	}

	for _, cfg := range sc.Config.Strategies {
		st, err := sc.Engine.CreateStrategy(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create strategy %q: %w", cfg.Name, err)
		}
		log.Info().
			Str("strategy", st.ID).
			Str("name", cfg.Name).
			Str("symbol", cfg.Symbol).
			Msg("strategy started")
	}
	return nil
}

// Close 关闭 ServiceContext 中的所有资源
// 按照相反的顺序关闭，应该在应用退出时调用
func (sc *ServiceContext) Close() error {
	for i := len(sc.closerChain) - 1; i >= 0; i-- {
		if err := sc.closerChain[i](); err != nil {
			log.Error().Err(err).Msg("error closing resource")
		}
	}
	return nil
}

// emptyHistory 用于没有配置历史数据源的场合
type emptyHistory struct{}

func (emptyHistory) Klines(context.Context, string, model.Interval, int64, int64) ([]model.Kline, error) {
	return nil, nil
}
