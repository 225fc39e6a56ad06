package algo

import (
	"fmt"

	"tradebot/internal/domain/model"
)

// Evaluation is what an algorithm concludes from one candle.
type Evaluation int

const (
	Ignore Evaluation = iota
	Long
	Short
	// Exit flattens the strategy's positions without opening new exposure.
	Exit
)

func (e Evaluation) String() string {
	switch e {
	case Long:
		return "long"
	case Short:
		return "short"
	case Exit:
		return "exit"
	}
	return "ignore"
}

// Algorithm evaluates one kline at a time and keeps whatever window of
// state it needs. Evaluate must be a pure function of (state, kline):
// no clock, no randomness, no I/O. Backtest determinism depends on it.
type Algorithm interface {
	Name() model.AlgorithmName
	Evaluate(k model.Kline) Evaluation
	// SetParams revalidates and applies new parameters mid-stream.
	// Indicator state is reset; the event stream is not interrupted.
	SetParams(p model.AlgoParams) error
	Params() model.AlgoParams
}

// New builds the algorithm variant selected by p.Name. Parameters are
// validated here so a bad config never reaches a running instance.
func New(p model.AlgoParams) (Algorithm, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	switch p.Name {
	case model.AlgoThreshold:
		return newThreshold(p), nil
	case model.AlgoMovingAverage:
		return newMovingAverage(p), nil
	case model.AlgoEMACross:
		return newEMACross(p), nil
	case model.AlgoRSI:
		return newRSI(p), nil
	}
	return nil, fmt.Errorf("%w: unknown algorithm %q", model.ErrInvalidStrategyConfig, p.Name)
}
