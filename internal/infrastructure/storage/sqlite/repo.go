package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"tradebot/internal/application/port"
	"tradebot/internal/domain/model"
)

type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS strategies (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  symbol TEXT NOT NULL,
  interval TEXT NOT NULL,
  status TEXT NOT NULL,
  config TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  stopped_at INTEGER,
  last_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_strategies_status ON strategies(status);
CREATE INDEX IF NOT EXISTS idx_strategies_symbol ON strategies(symbol);

CREATE TABLE IF NOT EXISTS positions (
  id TEXT PRIMARY KEY,
  strategy_id TEXT,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  entry_price REAL NOT NULL,
  quantity REAL NOT NULL,
  margin_usd REAL NOT NULL,
  leverage INTEGER NOT NULL,
  stop_loss REAL,
  status TEXT NOT NULL,
  open_time INTEGER NOT NULL,
  close_time INTEGER,
  close_price REAL,
  pnl REAL NOT NULL DEFAULT 0,
  fee_paid REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
CREATE INDEX IF NOT EXISTS idx_positions_strategy ON positions(strategy_id);
CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol);

CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  position_id TEXT,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  quantity REAL NOT NULL,
  price REAL NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_position ON orders(position_id);

CREATE TABLE IF NOT EXISTS backtests (
  id TEXT PRIMARY KEY,
  symbol TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS klines (
  symbol TEXT NOT NULL,
  interval TEXT NOT NULL,
  open_time INTEGER NOT NULL,
  close_time INTEGER NOT NULL,
  open REAL NOT NULL,
  high REAL NOT NULL,
  low REAL NOT NULL,
  close REAL NOT NULL,
  volume REAL NOT NULL,
  PRIMARY KEY(symbol, interval, open_time)
);

CREATE TABLE IF NOT EXISTS trades (
  symbol TEXT NOT NULL,
  trade_id INTEGER NOT NULL,
  price REAL NOT NULL,
  quantity REAL NOT NULL,
  side TEXT NOT NULL,
  ts_ms INTEGER NOT NULL,
  PRIMARY KEY(symbol, trade_id)
);
CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(symbol, ts_ms);

CREATE TABLE IF NOT EXISTS tickers (
  symbol TEXT PRIMARY KEY,
  last_price REAL NOT NULL,
  price_change REAL NOT NULL,
  percent_change REAL NOT NULL,
  high REAL NOT NULL,
  low REAL NOT NULL,
  volume REAL NOT NULL,
  quote_volume REAL NOT NULL,
  event_time INTEGER NOT NULL
);
`)
	return err
}

// ===== port.Repository =====

func (r *Repo) SaveStrategy(ctx context.Context, s model.Strategy) error {
	cfg, err := json.Marshal(s.Config)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO strategies(id, name, symbol, interval, status, config, created_at, stopped_at, last_error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		status=excluded.status, config=excluded.config, stopped_at=excluded.stopped_at, last_error=excluded.last_error
	`, s.ID, s.Config.Name, s.Config.Symbol, string(s.Config.Interval), string(s.Status), string(cfg), s.CreatedAt, s.StoppedAt, s.LastError)
	return err
}

func (r *Repo) GetStrategy(ctx context.Context, id string) (model.Strategy, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, status, config, created_at, stopped_at, last_error FROM strategies WHERE id=?`, id)
	s, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Strategy{}, port.ErrNotFound
	}
	return s, err
}

func (r *Repo) ListStrategies(ctx context.Context, activeOnly bool) ([]model.Strategy, error) {
	q := `SELECT id, status, config, created_at, stopped_at, last_error FROM strategies`
	if activeOnly {
		q += ` WHERE status='active'`
	}
	q += ` ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row rowScanner) (model.Strategy, error) {
	var s model.Strategy
	var status, cfg string
	var stoppedAt sql.NullInt64
	var lastErr sql.NullString
	if err := row.Scan(&s.ID, &status, &cfg, &s.CreatedAt, &stoppedAt, &lastErr); err != nil {
		return model.Strategy{}, err
	}
	if err := json.Unmarshal([]byte(cfg), &s.Config); err != nil {
		return model.Strategy{}, fmt.Errorf("strategy %s config: %w", s.ID, err)
	}
	s.Status = model.StrategyStatus(status)
	s.StoppedAt = stoppedAt.Int64
	s.LastError = lastErr.String
	return s, nil
}

func (r *Repo) SavePosition(ctx context.Context, p model.Position) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO positions(id, strategy_id, symbol, side, entry_price, quantity, margin_usd, leverage, stop_loss, status, open_time, close_time, close_price, pnl, fee_paid)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		status=excluded.status, close_time=excluded.close_time, close_price=excluded.close_price, pnl=excluded.pnl, fee_paid=excluded.fee_paid
	`, p.ID, p.StrategyID, p.Symbol, string(p.Side), p.EntryPrice, p.Quantity, p.MarginUSD, p.Leverage, p.StopLoss, string(p.Status), p.OpenTime, p.CloseTime, p.ClosePrice, p.PnL, p.FeePaid)
	return err
}

func (r *Repo) GetPosition(ctx context.Context, id string) (model.Position, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, strategy_id, symbol, side, entry_price, quantity, margin_usd, leverage, stop_loss, status, open_time, close_time, close_price, pnl, fee_paid FROM positions WHERE id=?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Position{}, port.ErrNotFound
	}
	return p, err
}

func (r *Repo) ListPositions(ctx context.Context, openOnly bool) ([]model.Position, error) {
	q := `SELECT id, strategy_id, symbol, side, entry_price, quantity, margin_usd, leverage, stop_loss, status, open_time, close_time, close_price, pnl, fee_paid FROM positions`
	if openOnly {
		q += ` WHERE status='open'`
	}
	q += ` ORDER BY open_time, id`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPosition(row rowScanner) (model.Position, error) {
	var p model.Position
	var side, status string
	var strategyID sql.NullString
	var stopLoss, closePrice sql.NullFloat64
	var closeTime sql.NullInt64
	if err := row.Scan(&p.ID, &strategyID, &p.Symbol, &side, &p.EntryPrice, &p.Quantity, &p.MarginUSD, &p.Leverage, &stopLoss, &status, &p.OpenTime, &closeTime, &closePrice, &p.PnL, &p.FeePaid); err != nil {
		return model.Position{}, err
	}
	p.StrategyID = strategyID.String
	p.Side = model.Side(side)
	p.Status = model.PositionStatus(status)
	p.StopLoss = stopLoss.Float64
	p.CloseTime = closeTime.Int64
	p.ClosePrice = closePrice.Float64
	return p, nil
}

func (r *Repo) SaveOrder(ctx context.Context, o model.Order) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders(id, position_id, symbol, side, quantity, price, status, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		status=excluded.status, updated_at=excluded.updated_at
	`, o.ID, o.PositionID, o.Symbol, string(o.Side), o.Quantity, o.Price, string(o.Status), o.CreatedAt, o.UpdatedAt)
	return err
}

func (r *Repo) SaveBacktest(ctx context.Context, id string, res model.BacktestResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO backtests(id, symbol, payload, created_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload=excluded.payload
	`, id, res.Config.Symbol, string(payload), time.Now().UnixMilli())
	return err
}

// ===== port.MarketSink =====

func (r *Repo) AppendKline(ctx context.Context, k model.Kline) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO klines(symbol, interval, open_time, close_time, open, high, low, close, volume)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, interval, open_time) DO UPDATE SET
		close_time=excluded.close_time, open=excluded.open, high=excluded.high, low=excluded.low, close=excluded.close, volume=excluded.volume
	`, k.Symbol, string(k.Interval), k.OpenTime, k.CloseTime, k.Open, k.High, k.Low, k.Close, k.Volume)
	return err
}

func (r *Repo) AppendTrade(ctx context.Context, t model.Trade) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trades(symbol, trade_id, price, quantity, side, ts_ms)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, trade_id) DO NOTHING
	`, t.Symbol, t.TradeID, t.Price, t.Quantity, string(t.Side), t.Timestamp)
	return err
}

func (r *Repo) AppendTicker(ctx context.Context, tk model.Ticker) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tickers(symbol, last_price, price_change, percent_change, high, low, volume, quote_volume, event_time)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
		last_price=excluded.last_price, price_change=excluded.price_change, percent_change=excluded.percent_change,
		high=excluded.high, low=excluded.low, volume=excluded.volume, quote_volume=excluded.quote_volume, event_time=excluded.event_time
	`, tk.Symbol, tk.LastPrice, tk.PriceChange, tk.PercentChange, tk.High, tk.Low, tk.Volume, tk.QuoteVolume, tk.EventTime)
	return err
}

// ===== port.HistorySource =====

// Klines loads archived candles for replay, sorted by open time.
func (r *Repo) Klines(ctx context.Context, symbol string, interval model.Interval, from, to int64) ([]model.Kline, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, interval, open_time, close_time, open, high, low, close, volume
		FROM klines WHERE symbol=? AND interval=? AND open_time>=? AND open_time<?
		ORDER BY open_time
	`, symbol, string(interval), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Kline
	for rows.Next() {
		var k model.Kline
		var iv string
		if err := rows.Scan(&k.Symbol, &iv, &k.OpenTime, &k.CloseTime, &k.Open, &k.High, &k.Low, &k.Close, &k.Volume); err != nil {
			return nil, err
		}
		k.Interval = model.Interval(iv)
		out = append(out, k)
	}
	return out, rows.Err()
}

var (
	_ port.Repository    = (*Repo)(nil)
	_ port.MarketSink    = (*Repo)(nil)
	_ port.HistorySource = (*Repo)(nil)
)
