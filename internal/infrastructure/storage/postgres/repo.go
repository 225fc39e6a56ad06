package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tradebot/internal/application/port"
	"tradebot/internal/domain/model"
)

// Repo 把完整记录存成 jsonb, 只把过滤用的字段提出来做列.
type Repo struct {
	db *sql.DB
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

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
  status TEXT NOT NULL,
  created_at BIGINT NOT NULL,
  payload JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_strategies_status ON strategies(status);

CREATE TABLE IF NOT EXISTS positions (
  id TEXT PRIMARY KEY,
  strategy_id TEXT,
  status TEXT NOT NULL,
  open_time BIGINT NOT NULL,
  payload JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
CREATE INDEX IF NOT EXISTS idx_positions_strategy ON positions(strategy_id);

CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  position_id TEXT,
  payload JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_position ON orders(position_id);

CREATE TABLE IF NOT EXISTS backtests (
  id TEXT PRIMARY KEY,
  created_at BIGINT NOT NULL,
  payload JSONB NOT NULL
);
`)
	return err
}

func (r *Repo) SaveStrategy(ctx context.Context, s model.Strategy) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO strategies(id, status, created_at, payload) VALUES($1, $2, $3, $4)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, payload=excluded.payload
	`, s.ID, string(s.Status), s.CreatedAt, string(b))
	return err
}

func (r *Repo) GetStrategy(ctx context.Context, id string) (model.Strategy, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, `SELECT payload FROM strategies WHERE id=$1`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Strategy{}, port.ErrNotFound
	}
	if err != nil {
		return model.Strategy{}, err
	}
	var s model.Strategy
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return model.Strategy{}, err
	}
	return s, nil
}

func (r *Repo) ListStrategies(ctx context.Context, activeOnly bool) ([]model.Strategy, error) {
	q := `SELECT payload FROM strategies`
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
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var s model.Strategy
		if err := json.Unmarshal([]byte(payload), &s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repo) SavePosition(ctx context.Context, p model.Position) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO positions(id, strategy_id, status, open_time, payload) VALUES($1, $2, $3, $4, $5)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, payload=excluded.payload
	`, p.ID, p.StrategyID, string(p.Status), p.OpenTime, string(b))
	return err
}

func (r *Repo) GetPosition(ctx context.Context, id string) (model.Position, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, `SELECT payload FROM positions WHERE id=$1`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Position{}, port.ErrNotFound
	}
	if err != nil {
		return model.Position{}, err
	}
	var p model.Position
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return model.Position{}, err
	}
	return p, nil
}

func (r *Repo) ListPositions(ctx context.Context, openOnly bool) ([]model.Position, error) {
	q := `SELECT payload FROM positions`
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
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var p model.Position
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repo) SaveOrder(ctx context.Context, o model.Order) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO orders(id, position_id, payload) VALUES($1, $2, $3)
		ON CONFLICT(id) DO UPDATE SET payload=excluded.payload
	`, o.ID, o.PositionID, string(b))
	return err
}

func (r *Repo) SaveBacktest(ctx context.Context, id string, res model.BacktestResult) error {
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO backtests(id, created_at, payload) VALUES($1, $2, $3)
		ON CONFLICT(id) DO UPDATE SET payload=excluded.payload
	`, id, time.Now().UnixMilli(), string(b))
	return err
}

var _ port.Repository = (*Repo)(nil)
