package algo

import "tradebot/internal/domain/model"

// rsi computes a simple (non-smoothed) RSI over the last Period close
// deltas. Below the oversold band is Long, above the overbought band is
// Short. Needs Period+1 closes before it produces a value.
type rsi struct {
	params     model.AlgoParams
	period     int
	oversold   float64
	overbought float64

	closes []float64
}

func newRSI(p model.AlgoParams) *rsi {
	return &rsi{
		params:     p,
		period:     p.RSI.Period,
		oversold:   p.RSI.Oversold,
		overbought: p.RSI.Overbought,
		closes:     make([]float64, 0, p.RSI.Period+1),
	}
}

func (a *rsi) Name() model.AlgorithmName { return model.AlgoRSI }

func (a *rsi) Evaluate(k model.Kline) Evaluation {
	a.closes = append(a.closes, k.Close)
	if len(a.closes) > a.period+1 {
		a.closes = a.closes[1:]
	}
	if len(a.closes) < a.period+1 {
		return Ignore
	}

	var gain, loss float64
	for i := 1; i < len(a.closes); i++ {
		d := a.closes[i] - a.closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}

	value := 100.0
	if loss > 0 {
		avgGain := gain / float64(a.period)
		avgLoss := loss / float64(a.period)
		rs := avgGain / avgLoss
		value = 100.0 - 100.0/(1.0+rs)
	}

	switch {
	case value < a.oversold:
		return Long
	case value > a.overbought:
		return Short
	}
	return Ignore
}

func (a *rsi) SetParams(p model.AlgoParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Name != model.AlgoRSI {
		return model.ErrInvalidStrategyConfig
	}
	a.params = p
	a.period = p.RSI.Period
	a.oversold = p.RSI.Oversold
	a.overbought = p.RSI.Overbought
	a.closes = a.closes[:0]
	return nil
}

func (a *rsi) Params() model.AlgoParams { return a.params }
