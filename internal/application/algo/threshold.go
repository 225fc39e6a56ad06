package algo

import "tradebot/internal/domain/model"

// threshold is a long-only level rule: Long when the close crosses above
// the level, Exit when it crosses back below. Repeated closes on the same
// side of the level are ignored.
type threshold struct {
	params model.AlgoParams
	level  float64

	seeded bool
	above  bool
}

func newThreshold(p model.AlgoParams) *threshold {
	return &threshold{params: p, level: p.Threshold.Level}
}

func (a *threshold) Name() model.AlgorithmName { return model.AlgoThreshold }

func (a *threshold) Evaluate(k model.Kline) Evaluation {
	above := k.Close > a.level
	if !a.seeded {
		a.seeded = true
		a.above = above
		if above {
			return Long
		}
		return Ignore
	}
	if above == a.above {
		return Ignore
	}
	a.above = above
	if above {
		return Long
	}
	return Exit
}

func (a *threshold) SetParams(p model.AlgoParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Name != model.AlgoThreshold {
		return model.ErrInvalidStrategyConfig
	}
	a.params = p
	a.level = p.Threshold.Level
	a.seeded = false
	return nil
}

func (a *threshold) Params() model.AlgoParams { return a.params }
