package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tradebot/internal/application/port"
	"tradebot/internal/domain/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// OverflowPolicy decides what happens when a listener's queue is full.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest queued event to make room. Used by the
	// storage sink and other best-effort consumers.
	DropOldest OverflowPolicy = iota
	// FatalOverflow tears the listener down and reports it. Used by
	// strategies: a skipped candle would corrupt indicator state.
	FatalOverflow
)

// Listener is one fan-out subscriber. Events matching the filter arrive on
// C in feed order; C closes when the listener is removed.
type Listener struct {
	id       string
	symbol   string           // "" matches every symbol
	kind     model.StreamKind // "" matches every kind
	interval model.Interval   // checked for kline events only
	ch       chan model.MarketEvent
	policy   OverflowPolicy
	overflow func()

	closed bool
}

func (l *Listener) ID() string                  { return l.id }
func (l *Listener) C() <-chan model.MarketEvent { return l.ch }

func (l *Listener) matches(ev model.MarketEvent) bool {
	if l.symbol != "" && l.symbol != ev.Symbol {
		return false
	}
	if l.kind != "" && l.kind != ev.Kind {
		return false
	}
	if l.interval != "" && ev.Kind == model.StreamKline && l.interval != ev.Interval {
		return false
	}
	return true
}

type streamKey struct {
	symbol   string
	kind     model.StreamKind
	interval model.Interval
}

type stream struct {
	handle model.StreamHandle
	sub    *port.Subscription
	done   chan struct{} // closed when the pump goroutine exits

	// pins counts stop-loss holds on this stream. A pinned stream refuses
	// CloseStream; one the pin itself opened is torn down at the last unpin.
	pins     int
	pinOwned bool
}

type pricePoint struct {
	price float64
	at    time.Time
}

// Hub is the stream registry plus the market data fan-out. It owns every
// open feed subscription, normalizes inbound events, keeps the last-price
// table and copies each event to every matching listener. No listener can
// block another or the feed pump.
type Hub struct {
	client    port.ExchangeClient
	sink      port.MarketSink
	staleness time.Duration

	mu        sync.RWMutex
	streams   map[streamKey]*stream
	byID      map[string]*stream
	listeners map[string]*Listener
	prices    map[string]pricePoint

	sinkCh      chan model.MarketEvent
	sinkDone    chan struct{}
	malformed   atomic.Uint64
	sinkDropped atomic.Uint64
}

const sinkQueueSize = 1024

// NewHub wires the hub over an exchange client. sink may be nil; staleness
// bounds how old a cached price may be before LastPrice refuses it.
func NewHub(client port.ExchangeClient, sink port.MarketSink, staleness time.Duration) *Hub {
	h := &Hub{
		client:    client,
		sink:      sink,
		staleness: staleness,
		streams:   make(map[streamKey]*stream),
		byID:      make(map[string]*stream),
		listeners: make(map[string]*Listener),
		prices:    make(map[string]pricePoint),
		sinkCh:    make(chan model.MarketEvent, sinkQueueSize),
		sinkDone:  make(chan struct{}),
	}
	go h.sinkLoop()
	return h
}

// OpenStream subscribes to one (symbol, kind, interval) feed and starts
// fanning its events out. A second identical call fails with
// ErrDuplicateStream until the first stream is closed.
func (h *Hub) OpenStream(ctx context.Context, symbol string, kind model.StreamKind, interval model.Interval) (model.StreamHandle, error) {
	if symbol == "" || !kind.Valid() {
		return model.StreamHandle{}, fmt.Errorf("open stream: bad symbol %q or kind %q", symbol, kind)
	}
	if kind == model.StreamKline {
		if _, err := model.ParseInterval(string(interval)); err != nil {
			return model.StreamHandle{}, fmt.Errorf("open stream: %w", err)
		}
	} else {
		interval = ""
	}
	key := streamKey{symbol: symbol, kind: kind, interval: interval}

	h.mu.Lock()
	if _, ok := h.streams[key]; ok {
		h.mu.Unlock()
		return model.StreamHandle{}, fmt.Errorf("%w: %s/%s/%s", ErrDuplicateStream, symbol, kind, interval)
	}
	// reserve the key before the network call so concurrent opens collide
	h.streams[key] = nil
	h.mu.Unlock()

	sub, err := h.client.Subscribe(ctx, symbol, kind, interval)
	if err != nil {
		h.mu.Lock()
		delete(h.streams, key)
		h.mu.Unlock()
		return model.StreamHandle{}, fmt.Errorf("open stream %s/%s: %w", symbol, kind, err)
	}

	st := &stream{
		handle: model.StreamHandle{
			ID:        uuid.NewString(),
			Symbol:    symbol,
			Kind:      kind,
			Interval:  interval,
			CreatedAt: time.Now().UnixMilli(),
		},
		sub:  sub,
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.streams[key] = st
	h.byID[st.handle.ID] = st
	h.mu.Unlock()

	go h.pump(st)

	log.Info().Str("stream", st.handle.ID).Str("symbol", symbol).
		Str("kind", string(kind)).Str("interval", string(interval)).
		Msg("stream opened")
	return st.handle, nil
}

// EnsureStream opens the stream or returns the already-open handle.
func (h *Hub) EnsureStream(ctx context.Context, symbol string, kind model.StreamKind, interval model.Interval) (model.StreamHandle, error) {
	handle, err := h.OpenStream(ctx, symbol, kind, interval)
	if err == nil {
		return handle, nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if st, ok := h.streams[streamKey{symbol: symbol, kind: kind, interval: interval}]; ok && st != nil {
		return st.handle, nil
	}
	return model.StreamHandle{}, err
}

// PinStream holds a feed open for symbol on behalf of a stop-loss
// position. It joins the already-open stream when one exists, otherwise
// opens its own; either way the stream cannot be closed out from under the
// pin. Every successful call needs a matching UnpinStream.
func (h *Hub) PinStream(ctx context.Context, symbol string, kind model.StreamKind, interval model.Interval) (model.StreamHandle, error) {
	if kind != model.StreamKline {
		interval = ""
	}
	key := streamKey{symbol: symbol, kind: kind, interval: interval}

	h.mu.Lock()
	if st, ok := h.streams[key]; ok && st != nil {
		st.pins++
		h.mu.Unlock()
		return st.handle, nil
	}
	h.mu.Unlock()

	handle, err := h.OpenStream(ctx, symbol, kind, interval)
	if err != nil {
		// lost a race with a concurrent open; join that stream instead
		h.mu.Lock()
		if st, ok := h.streams[key]; ok && st != nil {
			st.pins++
			h.mu.Unlock()
			return st.handle, nil
		}
		h.mu.Unlock()
		return model.StreamHandle{}, err
	}

	h.mu.Lock()
	if st, ok := h.byID[handle.ID]; ok {
		st.pins++
		st.pinOwned = true
	}
	h.mu.Unlock()
	return handle, nil
}

// UnpinStream releases one stop-loss hold. A stream the pin opened is torn
// down once the last hold is gone; an operator-opened stream stays up.
func (h *Hub) UnpinStream(id string) {
	h.mu.Lock()
	st, ok := h.byID[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	if st.pins > 0 {
		st.pins--
	}
	if st.pins > 0 || !st.pinOwned {
		h.mu.Unlock()
		return
	}
	delete(h.byID, id)
	delete(h.streams, streamKey{symbol: st.handle.Symbol, kind: st.handle.Kind, interval: st.handle.Interval})
	h.mu.Unlock()

	if err := h.client.Unsubscribe(st.sub.ID); err != nil {
		log.Error().Err(err).Str("stream", id).Msg("unsubscribe failed")
	}
	<-st.done
	log.Info().Str("stream", id).Str("symbol", st.handle.Symbol).Msg("pinned stream released")
}

// CloseStream unsubscribes and waits for the pump to drain. It does not
// return until the feed subscription is confirmed torn down.
func (h *Hub) CloseStream(id string) error {
	h.mu.Lock()
	st, ok := h.byID[id]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	if st.pins > 0 {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrStreamInUse, st.handle.Symbol, st.handle.Kind)
	}
	delete(h.byID, id)
	delete(h.streams, streamKey{symbol: st.handle.Symbol, kind: st.handle.Kind, interval: st.handle.Interval})
	h.mu.Unlock()

	if err := h.client.Unsubscribe(st.sub.ID); err != nil {
		log.Error().Err(err).Str("stream", id).Msg("unsubscribe failed")
	}
	<-st.done

	log.Info().Str("stream", id).Str("symbol", st.handle.Symbol).Msg("stream closed")
	return nil
}

// ListStreams returns a point-in-time snapshot of open streams.
func (h *Hub) ListStreams() []model.StreamHandle {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]model.StreamHandle, 0, len(h.byID))
	for _, st := range h.byID {
		out = append(out, st.handle)
	}
	return out
}

// Listen registers a fan-out subscriber. Empty symbol or kind act as
// wildcards. buf bounds the queue; policy decides overflow behavior, and
// onOverflow (may be nil) fires once when a FatalOverflow listener dies.
func (h *Hub) Listen(symbol string, kind model.StreamKind, interval model.Interval, buf int, policy OverflowPolicy, onOverflow func()) *Listener {
	if buf <= 0 {
		buf = 64
	}
	l := &Listener{
		id:       uuid.NewString(),
		symbol:   symbol,
		kind:     kind,
		interval: interval,
		ch:       make(chan model.MarketEvent, buf),
		policy:   policy,
		overflow: onOverflow,
	}
	h.mu.Lock()
	h.listeners[l.id] = l
	h.mu.Unlock()
	return l
}

// Drop removes a listener and closes its channel.
func (h *Hub) Drop(listenerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(listenerID)
}

func (h *Hub) dropLocked(listenerID string) {
	l, ok := h.listeners[listenerID]
	if !ok {
		return
	}
	delete(h.listeners, listenerID)
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
}

// LastPrice returns the cached price for symbol if it is fresher than the
// staleness window.
func (h *Hub) LastPrice(symbol string) (float64, error) {
	h.mu.RLock()
	p, ok := h.prices[symbol]
	h.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: no price for %s", ErrStalePriceData, symbol)
	}
	if h.staleness > 0 && time.Since(p.at) > h.staleness {
		return 0, fmt.Errorf("%w: %s price is %s old", ErrStalePriceData, symbol, time.Since(p.at).Truncate(time.Millisecond))
	}
	return p.price, nil
}

// Malformed reports how many inbound messages were dropped as invalid.
func (h *Hub) Malformed() uint64 { return h.malformed.Load() }

// SinkDropped reports how many events the storage sink queue evicted.
func (h *Hub) SinkDropped() uint64 { return h.sinkDropped.Load() }

// Close tears down every stream and the sink queue.
func (h *Hub) Close() {
	h.mu.Lock()
	streams := make([]*stream, 0, len(h.byID))
	for _, st := range h.byID {
		streams = append(streams, st)
	}
	h.byID = make(map[string]*stream)
	h.streams = make(map[streamKey]*stream)
	for id := range h.listeners {
		h.dropLocked(id)
	}
	h.mu.Unlock()

	for _, st := range streams {
		if err := h.client.Unsubscribe(st.sub.ID); err != nil {
			log.Error().Err(err).Str("stream", st.handle.ID).Msg("unsubscribe failed")
		}
		<-st.done
	}
	close(h.sinkCh)
	<-h.sinkDone
}

/// pump drains one feed subscription: validate, cache price, archive, fan
// out. Exits when the subscription's channel closes.
func (h *Hub) pump(st *stream) {
	defer close(st.done)
	for ev := range st.sub.Events {
		if !h.normalize(&ev) {
			h.malformed.Add(1)
			continue
		}
		h.cachePrice(ev)
		h.enqueueSink(ev)
		h.fanOut(ev)
	}
}

// normalize rejects events that would poison subscribers. Malformed
// messages are counted and dropped, never propagated.
func (h *Hub) normalize(ev *model.MarketEvent) bool {
	if ev.Symbol == "" || !ev.Kind.Valid() {
		return false
	}
	switch ev.Kind {
	case model.StreamKline:
		if ev.Kline == nil || ev.Kline.Validate() != nil {
			return false
		}
	case model.StreamTicker:
		if ev.Ticker == nil || ev.Ticker.LastPrice <= 0 {
			return false
		}
	case model.StreamTrade:
		if ev.Trade == nil || ev.Trade.Price <= 0 {
			return false
		}
	}
	return true
}

func (h *Hub) cachePrice(ev model.MarketEvent) {
	price := ev.Price()
	if price <= 0 {
		return
	}
	h.mu.Lock()
	h.prices[ev.Symbol] = pricePoint{price: price, at: time.Now()}
	h.mu.Unlock()
}

// enqueueSink hands the event to the archive queue, evicting the oldest
// entry when full. The trading path never waits on storage.
func (h *Hub) enqueueSink(ev model.MarketEvent) {
	if h.sink == nil {
		return
	}
	select {
	case h.sinkCh <- ev:
		return
	default:
	}
	select {
	case <-h.sinkCh:
		h.sinkDropped.Add(1)
	default:
	}
	select {
	case h.sinkCh <- ev:
	default:
		h.sinkDropped.Add(1)
	}
}

func (h *Hub) sinkLoop() {
	defer close(h.sinkDone)
	ctx := context.Background()
	for ev := range h.sinkCh {
		var err error
		switch ev.Kind {
		case model.StreamKline:
			err = h.sink.AppendKline(ctx, *ev.Kline)
		case model.StreamTicker:
			err = h.sink.AppendTicker(ctx, *ev.Ticker)
		case model.StreamTrade:
			err = h.sink.AppendTrade(ctx, *ev.Trade)
		}
		if err != nil {
			log.Warn().Err(err).Str("symbol", ev.Symbol).Str("kind", string(ev.Kind)).Msg("sink append failed")
		}
	}
}

func (h *Hub) fanOut(ev model.MarketEvent) {
	var fatal []string
	h.mu.RLock()
	for _, l := range h.listeners {
		if l.closed || !l.matches(ev) {
			continue
		}
		select {
		case l.ch <- ev:
			continue
		default:
		}
		switch l.policy {
		case DropOldest:
			select {
			case <-l.ch:
			default:
			}
			select {
			case l.ch <- ev:
			default:
			}
		case FatalOverflow:
			fatal = append(fatal, l.id)
		}
	}
	h.mu.RUnlock()

	for _, id := range fatal {
		h.mu.Lock()
		l, ok := h.listeners[id]
		var cb func()
		if ok {
			cb = l.overflow
			h.dropLocked(id)
		}
		h.mu.Unlock()
		log.Error().Str("listener", id).Str("symbol", ev.Symbol).Msg("listener queue overflow")
		if cb != nil {
			go cb()
		}
	}
}
