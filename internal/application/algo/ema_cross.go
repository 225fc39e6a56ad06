package algo

import "tradebot/internal/domain/model"

// emaCross signals on the relation between an EMA and an SMA of the close:
// EMA above SMA is Long, below is Short. When they are exactly equal the
// close itself breaks the tie. Warms up over the SMA period.
type emaCross struct {
	params    model.AlgoParams
	emaPeriod int
	smaPeriod int

	ema    float64
	emaSet bool
	window []float64
	sum    float64
	count  int
}

func newEMACross(p model.AlgoParams) *emaCross {
	return &emaCross{
		params:    p,
		emaPeriod: p.EMACross.EMAPeriod,
		smaPeriod: p.EMACross.SMAPeriod,
		window:    make([]float64, 0, p.EMACross.SMAPeriod),
	}
}

func (a *emaCross) Name() model.AlgorithmName { return model.AlgoEMACross }

func (a *emaCross) Evaluate(k model.Kline) Evaluation {
	// incremental EMA
	alpha := 2.0 / (float64(a.emaPeriod) + 1.0)
	if !a.emaSet {
		a.ema = k.Close
		a.emaSet = true
	} else {
		a.ema = alpha*k.Close + (1-alpha)*a.ema
	}

	// rolling SMA window
	a.window = append(a.window, k.Close)
	a.sum += k.Close
	if len(a.window) > a.smaPeriod {
		a.sum -= a.window[0]
		a.window = a.window[1:]
	}
	a.count++
	if a.count < a.smaPeriod {
		return Ignore
	}
	sma := a.sum / float64(len(a.window))

	switch {
	case a.ema > sma:
		return Long
	case a.ema < sma:
		return Short
	case k.Close > sma:
		return Long
	case k.Close < sma:
		return Short
	}
	return Ignore
}

func (a *emaCross) SetParams(p model.AlgoParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Name != model.AlgoEMACross {
		return model.ErrInvalidStrategyConfig
	}
	a.params = p
	a.emaPeriod = p.EMACross.EMAPeriod
	a.smaPeriod = p.EMACross.SMAPeriod
	a.ema = 0
	a.emaSet = false
	a.window = a.window[:0]
	a.sum = 0
	a.count = 0
	return nil
}

func (a *emaCross) Params() model.AlgoParams { return a.params }
