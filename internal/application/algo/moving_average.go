package algo

import "tradebot/internal/domain/model"

// movingAverage compares the close against a simple moving average:
// above means Long, below means Short. Silent until the window fills.
type movingAverage struct {
	params model.AlgoParams
	period int

	window []float64
	sum    float64
}

func newMovingAverage(p model.AlgoParams) *movingAverage {
	return &movingAverage{
		params: p,
		period: p.MovingAverage.Period,
		window: make([]float64, 0, p.MovingAverage.Period),
	}
}

func (a *movingAverage) Name() model.AlgorithmName { return model.AlgoMovingAverage }

func (a *movingAverage) Evaluate(k model.Kline) Evaluation {
	a.window = append(a.window, k.Close)
	a.sum += k.Close
	if len(a.window) > a.period {
		a.sum -= a.window[0]
		a.window = a.window[1:]
	}
	if len(a.window) < a.period {
		return Ignore
	}

	ma := a.sum / float64(a.period)
	switch {
	case k.Close > ma:
		return Long
	case k.Close < ma:
		return Short
	}
	return Ignore
}

func (a *movingAverage) SetParams(p model.AlgoParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Name != model.AlgoMovingAverage {
		return model.ErrInvalidStrategyConfig
	}
	a.params = p
	a.period = p.MovingAverage.Period
	a.window = a.window[:0]
	a.sum = 0
	return nil
}

func (a *movingAverage) Params() model.AlgoParams { return a.params }
