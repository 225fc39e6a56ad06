package model

// BacktestRange bounds a replay run, inclusive start, exclusive end, unix ms.
type BacktestRange struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type BacktestState string

const (
	BacktestRunning BacktestState = "running"
	BacktestDone    BacktestState = "done"
	BacktestFailed  BacktestState = "failed"
)

// BacktestResult is the immutable outcome of one replay run. For a fixed
// (config, range, data set) the result must be byte-identical across runs.
type BacktestResult struct {
	Config    StrategyConfig `json:"config"`
	Range     BacktestRange  `json:"range"`
	Positions []Position     `json:"positions"` // in close order, all closed

	Events  int `json:"events"`
	Signals int `json:"signals"`

	TotalPnL    float64 `json:"total_pnl"`
	BuyCount    int     `json:"buy_count"`
	SellCount   int     `json:"sell_count"`
	WinCount    int     `json:"win_count"`
	LossCount   int     `json:"loss_count"`
	MaxProfit   float64 `json:"max_profit"`
	MaxDrawdown float64 `json:"max_drawdown"`

	PeriodStartPrice float64 `json:"period_start_price"`
	PeriodEndPrice   float64 `json:"period_end_price"`
}

// WinRate is wins over closed trades, 0 when no trades closed.
func (r BacktestResult) WinRate() float64 {
	total := r.WinCount + r.LossCount
	if total == 0 {
		return 0
	}
	return float64(r.WinCount) / float64(total)
}
