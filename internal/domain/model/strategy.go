package model

import (
	"errors"
	"fmt"
)

// ErrInvalidStrategyConfig covers every configuration rejection: unknown
// algorithm, out-of-range parameter, bad interval, non-positive margin.
var ErrInvalidStrategyConfig = errors.New("invalid strategy config")

type StrategyStatus string

const (
	StrategyActive  StrategyStatus = "active"
	StrategyStopped StrategyStatus = "stopped"
)

// AlgorithmName selects one of the supported algorithm variants.
type AlgorithmName string

const (
	AlgoThreshold     AlgorithmName = "threshold"
	AlgoMovingAverage AlgorithmName = "moving_average"
	AlgoEMACross      AlgorithmName = "ema_cross"
	AlgoRSI           AlgorithmName = "rsi"
)

// ThresholdParams opens long above Level and closes back below it.
type ThresholdParams struct {
	Level float64 `json:"level" toml:"level"`
}

type MovingAverageParams struct {
	Period int `json:"period" toml:"period"`
}

type EMACrossParams struct {
	EMAPeriod int `json:"ema_period" toml:"ema_period"`
	SMAPeriod int `json:"sma_period" toml:"sma_period"`
}

type RSIParams struct {
	Period     int     `json:"period" toml:"period"`
	Oversold   float64 `json:"oversold" toml:"oversold"`
	Overbought float64 `json:"overbought" toml:"overbought"`
}

// AlgoParams is a tagged variant: Name selects which pointer must be set.
// Keeping the variants as fixed structs lets bad parameters fail at
// construction instead of at first evaluation.
type AlgoParams struct {
	Name          AlgorithmName        `json:"name" toml:"name"`
	Threshold     *ThresholdParams     `json:"threshold,omitempty" toml:"threshold"`
	MovingAverage *MovingAverageParams `json:"moving_average,omitempty" toml:"moving_average"`
	EMACross      *EMACrossParams      `json:"ema_cross,omitempty" toml:"ema_cross"`
	RSI           *RSIParams           `json:"rsi,omitempty" toml:"rsi"`
}

func (p AlgoParams) Validate() error {
	switch p.Name {
	case AlgoThreshold:
		if p.Threshold == nil || p.Threshold.Level <= 0 {
			return fmt.Errorf("%w: threshold level must be positive", ErrInvalidStrategyConfig)
		}
	case AlgoMovingAverage:
		if p.MovingAverage == nil || p.MovingAverage.Period < 2 {
			return fmt.Errorf("%w: moving_average period must be >= 2", ErrInvalidStrategyConfig)
		}
	case AlgoEMACross:
		if p.EMACross == nil || p.EMACross.EMAPeriod < 2 || p.EMACross.SMAPeriod < 2 {
			return fmt.Errorf("%w: ema_cross periods must be >= 2", ErrInvalidStrategyConfig)
		}
	case AlgoRSI:
		if p.RSI == nil || p.RSI.Period < 2 {
			return fmt.Errorf("%w: rsi period must be >= 2", ErrInvalidStrategyConfig)
		}
		if p.RSI.Oversold < 0 || p.RSI.Overbought > 100 || p.RSI.Oversold >= p.RSI.Overbought {
			return fmt.Errorf("%w: rsi bands out of range", ErrInvalidStrategyConfig)
		}
	default:
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidStrategyConfig, p.Name)
	}
	return nil
}

// StrategyConfig is one runnable configuration of a trading algorithm
// bound to a symbol and interval.
type StrategyConfig struct {
	Name             string     `json:"name" toml:"name"`
	Symbol           string     `json:"symbol" toml:"symbol"`
	Interval         Interval   `json:"interval" toml:"interval"`
	MarginUSD        float64    `json:"margin_usd" toml:"margin_usd"`
	Leverage         int        `json:"leverage" toml:"leverage"`
	MaxOpenPositions int        `json:"max_open_positions" toml:"max_open_positions"`
	StopLossPercent  float64    `json:"stop_loss_percent,omitempty" toml:"stop_loss_percent"` // 0 disables
	Algo             AlgoParams `json:"algo" toml:"algo"`
}

// Validate checks ranges and fills defaults (one open position, leverage 1).
func (c *StrategyConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidStrategyConfig)
	}
	if _, err := ParseInterval(string(c.Interval)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStrategyConfig, err)
	}
	if c.MarginUSD <= 0 {
		return fmt.Errorf("%w: margin_usd must be positive", ErrInvalidStrategyConfig)
	}
	if c.Leverage == 0 {
		c.Leverage = 1
	}
	if c.Leverage < 1 || c.Leverage > 125 {
		return fmt.Errorf("%w: leverage %d out of range [1,125]", ErrInvalidStrategyConfig, c.Leverage)
	}
	if c.MaxOpenPositions == 0 {
		c.MaxOpenPositions = 1
	}
	if c.MaxOpenPositions < 0 {
		return fmt.Errorf("%w: max_open_positions negative", ErrInvalidStrategyConfig)
	}
	if c.StopLossPercent < 0 || c.StopLossPercent >= 100 {
		return fmt.Errorf("%w: stop_loss_percent out of range [0,100)", ErrInvalidStrategyConfig)
	}
	return c.Algo.Validate()
}

// Strategy is a snapshot of a running or stopped instance.
type Strategy struct {
	ID        string         `json:"id"`
	Config    StrategyConfig `json:"config"`
	Status    StrategyStatus `json:"status"`
	CreatedAt int64          `json:"created_at"`
	StoppedAt int64          `json:"stopped_at,omitempty"`
	LastError string         `json:"last_error,omitempty"`
}

type SignalKind string

const (
	SignalOpen  SignalKind = "open"
	SignalClose SignalKind = "close"
)

// Signal is one trading decision emitted by a strategy for one event.
type Signal struct {
	StrategyID string     `json:"strategy_id"`
	Symbol     string     `json:"symbol"`
	Kind       SignalKind `json:"kind"`
	Side       Side       `json:"side,omitempty"` // open signals only
	Price      float64    `json:"price"`          // reference price from the triggering event
	StopLoss   float64    `json:"stop_loss,omitempty"`
	Timestamp  int64      `json:"timestamp"`
	Backtest   bool       `json:"backtest,omitempty"`
}
