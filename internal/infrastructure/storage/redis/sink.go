package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tradebot/internal/application/port"
	"tradebot/internal/domain/model"

	"github.com/redis/go-redis/v9"
)

// Sink 将归一化行情镜像到 Redis: 最新价写 hash, 完整事件写 stream 并发布.
// 消费方(看板/告警)只读 Redis, 不碰引擎进程.
type Sink struct {
	rdb         *redis.Client
	prefix      string
	ttl         time.Duration
	keyLatest   string // prefix + ":latest"
	klineStream string
	tradeStream string
	priceChan   string
	maxLen      int64
}

type latestPrice struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Ts     int64   `json:"ts"`
}

func NewSink(rdb *redis.Client, prefix string, ttl time.Duration, maxLen int64) *Sink {
	if strings.TrimSpace(prefix) == "" {
		prefix = "tradebot"
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &Sink{
		rdb:         rdb,
		prefix:      prefix,
		ttl:         ttl,
		keyLatest:   prefix + ":latest",
		klineStream: prefix + ":klines",
		tradeStream: prefix + ":trades",
		priceChan:   prefix + ":prices:pub",
		maxLen:      maxLen,
	}
}

func (s *Sink) AppendKline(ctx context.Context, k model.Kline) error {
	b, _ := json.Marshal(k)
	_, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.klineStream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"symbol":   k.Symbol,
			"interval": string(k.Interval),
			"payload":  string(b),
		},
	}).Result()
	if err != nil {
		return err
	}
	return s.setLatest(ctx, k.Symbol, k.Close, k.CloseTime)
}

func (s *Sink) AppendTrade(ctx context.Context, t model.Trade) error {
	b, _ := json.Marshal(t)
	_, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.tradeStream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"symbol":  t.Symbol,
			"payload": string(b),
		},
	}).Result()
	if err != nil {
		return err
	}
	return s.setLatest(ctx, t.Symbol, t.Price, t.Timestamp)
}

func (s *Sink) AppendTicker(ctx context.Context, tk model.Ticker) error {
	return s.setLatest(ctx, tk.Symbol, tk.LastPrice, tk.EventTime)
}

func (s *Sink) setLatest(ctx context.Context, symbol string, price float64, ts int64) error {
	if price <= 0 {
		return nil
	}
	lp := latestPrice{Symbol: symbol, Price: price, Ts: ts}
	b, _ := json.Marshal(lp)

	// Hash: field = "BTCUSDT" -> json
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, s.keyLatest, symbol, string(b))
	if s.ttl > 0 {
		pipe.Expire(ctx, s.keyLatest, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	// PubSub: PUBLISH <channel> json
	// 用最简单的 JSON，便于消费者
	msg := fmt.Sprintf(`{"symbol":%q,"price":%.8f,"ts":%d}`, symbol, price, ts)
	return s.rdb.Publish(ctx, s.priceChan, msg).Err()
}

var _ port.MarketSink = (*Sink)(nil)
