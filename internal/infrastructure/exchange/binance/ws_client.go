package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tradebot/internal/application/port"
	"tradebot/internal/domain/model"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type wsSub struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Subscribe 为一个 (symbol, kind, interval) 打开独立的 WebSocket 连接。
// 断线后按指数退避自动重连，重连期间订阅者收不到事件，也不会收到伪造事件。
func (c *Client) Subscribe(ctx context.Context, symbol string, kind model.StreamKind, interval model.Interval) (*port.Subscription, error) {
	stream, err := streamName(symbol, kind, interval)
	if err != nil {
		return nil, err
	}
	wsURL := fmt.Sprintf("%s/ws/%s", c.wsURL, stream)

	runCtx, cancel := context.WithCancel(ctx)
	sub := &wsSub{cancel: cancel, done: make(chan struct{})}
	id := uuid.NewString()

	c.mu.Lock()
	c.subs[id] = sub
	c.mu.Unlock()

	out := make(chan model.MarketEvent, 1024)
	go c.run(runCtx, wsURL, strings.ToUpper(symbol), kind, interval, out, sub.done)

	return &port.Subscription{ID: id, Events: out}, nil
}

// Unsubscribe 同步拆除订阅：返回时读循环已退出，事件通道已关闭。
func (c *Client) Unsubscribe(id string) error {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("binance: unknown subscription %s", id)
	}
	sub.cancel()
	<-sub.done
	return nil
}

func streamName(symbol string, kind model.StreamKind, interval model.Interval) (string, error) {
	s := strings.ToLower(strings.TrimSpace(symbol))
	if s == "" {
		return "", fmt.Errorf("binance: empty symbol")
	}
	switch kind {
	case model.StreamKline:
		return fmt.Sprintf("%s@kline_%s", s, interval), nil
	case model.StreamTicker:
		return s + "@ticker", nil
	case model.StreamTrade:
		return s + "@aggTrade", nil
	}
	return "", fmt.Errorf("binance: unsupported stream kind %q", kind)
}

// ===== wire messages =====

type wsKlineMsg struct {
	EventTime int64 `json:"E"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Symbol    string `json:"s"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		Final     bool   `json:"x"`
	} `json:"k"`
}

type wsTickerMsg struct {
	EventTime     int64  `json:"E"`
	Symbol        string `json:"s"`
	PriceChange   string `json:"p"`
	PercentChange string `json:"P"`
	LastPrice     string `json:"c"`
	High          string `json:"h"`
	Low           string `json:"l"`
	Volume        string `json:"v"`
	QuoteVolume   string `json:"q"`
	OpenTime      int64  `json:"O"`
	CloseTime     int64  `json:"C"`
}

type wsAggTradeMsg struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"a"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
	// m=true 表示买方是 maker，即卖方主动成交
	BuyerIsMaker bool `json:"m"`
}

func (c *Client) run(ctx context.Context, wsURL, symbol string, kind model.StreamKind, interval model.Interval, out chan<- model.MarketEvent, done chan struct{}) {
	defer close(done)
	defer close(out)

	backoff := 500 * time.Millisecond
	maxBackoff := 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		log.Warn().Str("feed", c.Name()).Str("url", wsURL).Msg("ws connecting")
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, _, err := websocket.DefaultDialer.DialContext(cctx, wsURL, nil)
		cancel()
		if err != nil {
			log.Error().Str("feed", c.Name()).Err(err).Msg("ws dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = minDur(backoff*2, maxBackoff)
			continue
		}

		backoff = 500 * time.Millisecond
		log.Info().Str("feed", c.Name()).Str("symbol", symbol).Str("kind", string(kind)).Msg("ws connected")

		err = readLoop(ctx, conn, func(b []byte) {
			if ev, ok := c.parse(b, symbol, kind, interval); ok {
				select {
				case out <- ev:
				case <-ctx.Done():
				}
			}
		})

		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}

		// 断线在本地退避重连，不向上冒泡
		if err != nil {
			err = fmt.Errorf("%w: %v", port.ErrFeedDisconnected, err)
		}
		log.Warn().Str("feed", c.Name()).Err(err).Msg("ws disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = minDur(backoff*2, maxBackoff)
	}
}

func (c *Client) parse(b []byte, symbol string, kind model.StreamKind, interval model.Interval) (model.MarketEvent, bool) {
	switch kind {
	case model.StreamKline:
		var msg wsKlineMsg
		if err := json.Unmarshal(b, &msg); err != nil {
			log.Error().Str("feed", c.Name()).Err(err).Msg("json unmarshal failed")
			return model.MarketEvent{}, false
		}
		// 只转发已收盘的 K 线,进行中的快照对指标没有意义
		if !msg.Kline.Final {
			return model.MarketEvent{}, false
		}
		k := model.Kline{
			Symbol:    symbol,
			Interval:  interval,
			Open:      pf(msg.Kline.Open),
			High:      pf(msg.Kline.High),
			Low:       pf(msg.Kline.Low),
			Close:     pf(msg.Kline.Close),
			Volume:    pf(msg.Kline.Volume),
			OpenTime:  msg.Kline.OpenTime,
			CloseTime: msg.Kline.CloseTime,
		}
		return model.MarketEvent{Kind: kind, Symbol: symbol, Interval: interval, Time: msg.EventTime, Kline: &k}, true

	case model.StreamTicker:
		var msg wsTickerMsg
		if err := json.Unmarshal(b, &msg); err != nil {
			log.Error().Str("feed", c.Name()).Err(err).Msg("json unmarshal failed")
			return model.MarketEvent{}, false
		}
		tk := model.Ticker{
			Symbol:        symbol,
			LastPrice:     pf(msg.LastPrice),
			PriceChange:   pf(msg.PriceChange),
			PercentChange: pf(msg.PercentChange),
			High:          pf(msg.High),
			Low:           pf(msg.Low),
			Volume:        pf(msg.Volume),
			QuoteVolume:   pf(msg.QuoteVolume),
			OpenTime:      msg.OpenTime,
			CloseTime:     msg.CloseTime,
			EventTime:     msg.EventTime,
		}
		return model.MarketEvent{Kind: kind, Symbol: symbol, Time: msg.EventTime, Ticker: &tk}, true

	case model.StreamTrade:
		var msg wsAggTradeMsg
		if err := json.Unmarshal(b, &msg); err != nil {
			log.Error().Str("feed", c.Name()).Err(err).Msg("json unmarshal failed")
			return model.MarketEvent{}, false
		}
		side := model.Buy
		if msg.BuyerIsMaker {
			side = model.Sell
		}
		tr := model.Trade{
			Symbol:    symbol,
			TradeID:   msg.TradeID,
			Price:     pf(msg.Price),
			Quantity:  pf(msg.Quantity),
			Side:      side,
			Timestamp: msg.TradeTime,
		}
		return model.MarketEvent{Kind: kind, Symbol: symbol, Time: msg.EventTime, Trade: &tr}, true
	}
	return model.MarketEvent{}, false
}

func readLoop(ctx context.Context, conn *websocket.Conn, onMsg func([]byte)) error {
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(25 * time.Second)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			_, b, err := conn.ReadMessage()
			if err == nil {
				_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			}
			if err != nil {
				errCh <- err
				return
			}
			onMsg(b)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
		}
	}
}

func pf(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
