package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradebot/internal/domain/model"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

func TestOpenStreamDuplicate(t *testing.T) {
	ctx := context.Background()
	h := NewHub(newFakeClient(), nil, time.Minute)
	defer h.Close()

	handle, err := h.OpenStream(ctx, "BTCUSDT", model.StreamKline, model.Interval1m)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := h.OpenStream(ctx, "BTCUSDT", model.StreamKline, model.Interval1m); !errors.Is(err, ErrDuplicateStream) {
		t.Fatalf("expected ErrDuplicateStream, got %v", err)
	}
	// a different interval is a different stream
	if _, err := h.OpenStream(ctx, "BTCUSDT", model.StreamKline, model.Interval5m); err != nil {
		t.Fatalf("other interval: %v", err)
	}

	if err := h.CloseStream(handle.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.CloseStream(handle.ID); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("expected ErrStreamNotFound on second close, got %v", err)
	}

	// once closed, the same stream can be opened again
	if _, err := h.OpenStream(ctx, "BTCUSDT", model.StreamKline, model.Interval1m); err != nil {
		t.Fatalf("reopen: %v", err)
	}
}

func TestHubFanOutAndLastPrice(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	h := NewHub(client, nil, time.Minute)
	defer h.Close()

	if _, err := h.OpenStream(ctx, "BTCUSDT", model.StreamKline, model.Interval1m); err != nil {
		t.Fatalf("open: %v", err)
	}
	l := h.Listen("BTCUSDT", model.StreamKline, model.Interval1m, 16, DropOldest, nil)
	defer h.Drop(l.ID())

	client.push(klineEvent("BTCUSDT", model.Interval1m, 50000, 0))

	select {
	case ev := <-l.C():
		if ev.Kline == nil || ev.Kline.Close != 50000 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}

	waitFor(t, func() bool {
		p, err := h.LastPrice("BTCUSDT")
		return err == nil && p == 50000
	}, "last price cache")
}

func TestHubDropsMalformed(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	h := NewHub(client, nil, time.Minute)
	defer h.Close()

	if _, err := h.OpenStream(ctx, "BTCUSDT", model.StreamKline, model.Interval1m); err != nil {
		t.Fatalf("open: %v", err)
	}
	l := h.Listen("BTCUSDT", "", "", 16, DropOldest, nil)
	defer h.Drop(l.ID())

	// close_time before open_time
	bad := model.Kline{Symbol: "BTCUSDT", Interval: model.Interval1m, Open: 1, High: 1, Low: 1, Close: 1, OpenTime: 100, CloseTime: 50}
	client.push(model.MarketEvent{Kind: model.StreamKline, Symbol: "BTCUSDT", Interval: model.Interval1m, Kline: &bad})
	// nil payload
	client.push(model.MarketEvent{Kind: model.StreamTicker, Symbol: "BTCUSDT"})
	// good one after the bad ones
	client.push(klineEvent("BTCUSDT", model.Interval1m, 42, 0))

	select {
	case ev := <-l.C():
		if ev.Kline == nil || ev.Kline.Close != 42 {
			t.Fatalf("malformed event leaked: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("good event not delivered")
	}
	if got := h.Malformed(); got != 2 {
		t.Errorf("malformed count = %d, want 2", got)
	}
}

func TestLastPriceStaleness(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	h := NewHub(client, nil, 30*time.Millisecond)
	defer h.Close()

	if _, err := h.OpenStream(ctx, "ETHUSDT", model.StreamTicker, ""); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := h.LastPrice("ETHUSDT"); !errors.Is(err, ErrStalePriceData) {
		t.Fatalf("expected ErrStalePriceData before any event, got %v", err)
	}

	tk := model.Ticker{Symbol: "ETHUSDT", LastPrice: 3000, EventTime: 1}
	client.push(model.MarketEvent{Kind: model.StreamTicker, Symbol: "ETHUSDT", Time: 1, Ticker: &tk})

	waitFor(t, func() bool {
		p, err := h.LastPrice("ETHUSDT")
		return err == nil && p == 3000
	}, "ticker price cached")

	time.Sleep(60 * time.Millisecond)
	if _, err := h.LastPrice("ETHUSDT"); !errors.Is(err, ErrStalePriceData) {
		t.Fatalf("expected ErrStalePriceData after window, got %v", err)
	}
}

func TestFatalOverflowDropsListener(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	h := NewHub(client, nil, time.Minute)
	defer h.Close()

	if _, err := h.OpenStream(ctx, "BTCUSDT", model.StreamKline, model.Interval1m); err != nil {
		t.Fatalf("open: %v", err)
	}

	overflowed := make(chan struct{})
	l := h.Listen("BTCUSDT", model.StreamKline, model.Interval1m, 1, FatalOverflow, func() {
		close(overflowed)
	})
	_ = l // never drained

	for i := 0; i < 5; i++ {
		client.push(klineEvent("BTCUSDT", model.Interval1m, 100+float64(i), int64(i)*60_000))
	}

	select {
	case <-overflowed:
	case <-time.After(2 * time.Second):
		t.Fatal("overflow callback never fired")
	}
}

func TestPinnedStreamRefusesClose(t *testing.T) {
	ctx := context.Background()
	h := NewHub(newFakeClient(), nil, time.Minute)
	defer h.Close()

	handle, err := h.OpenStream(ctx, "BTCUSDT", model.StreamTicker, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	pinned, err := h.PinStream(ctx, "BTCUSDT", model.StreamTicker, "")
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	if pinned.ID != handle.ID {
		t.Fatalf("pin opened a second stream: %s vs %s", pinned.ID, handle.ID)
	}

	if err := h.CloseStream(handle.ID); !errors.Is(err, ErrStreamInUse) {
		t.Fatalf("expected ErrStreamInUse, got %v", err)
	}
	h.UnpinStream(pinned.ID)
	if err := h.CloseStream(handle.ID); err != nil {
		t.Fatalf("close after unpin: %v", err)
	}

	// a stream the pin opened itself is torn down on the last unpin
	owned, err := h.PinStream(ctx, "ETHUSDT", model.StreamTicker, "")
	if err != nil {
		t.Fatalf("owned pin: %v", err)
	}
	h.UnpinStream(owned.ID)
	if err := h.CloseStream(owned.ID); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("expected ErrStreamNotFound after unpin teardown, got %v", err)
	}
}
