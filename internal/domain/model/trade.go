package model


// Side of an order or position.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

func (s Side) Valid() bool { return s == Buy || s == Sell }

// Sign is +1 for long exposure, -1 for short.
func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// Position is an open or closed market exposure. Only the position manager
// mutates positions; closed positions are immutable history.
type Position struct {
	ID         string         `json:"id"`
	StrategyID string         `json:"strategy_id,omitempty"`
	Symbol     string         `json:"symbol"`
	Side       Side           `json:"side"`
	EntryPrice float64        `json:"entry_price"`
	Quantity   float64        `json:"quantity"`
	MarginUSD  float64        `json:"margin_usd"`
	Leverage   int            `json:"leverage"`
	StopLoss   float64        `json:"stop_loss,omitempty"` // 0 means none
	Status     PositionStatus `json:"status"`
	OpenTime   int64          `json:"open_time"`
	CloseTime  int64          `json:"close_time,omitempty"`
	ClosePrice float64        `json:"close_price,omitempty"`
	PnL        float64        `json:"pnl"`
	FeePaid    float64        `json:"fee_paid,omitempty"`
}

// NewPosition sizes a position as margin x leverage at the entry price.
// ID and OpenTime are assigned by the position manager, which owns the
// clock and id source (backtests substitute deterministic ones).
func NewPosition(symbol string, side Side, marginUSD float64, leverage int, entryPrice, stopLoss float64, strategyID string) Position {
	qty := marginUSD * float64(leverage) / entryPrice
	return Position{
		StrategyID: strategyID,
		Symbol:     symbol,
		Side:       side,
		EntryPrice: entryPrice,
		Quantity:   qty,
		MarginUSD:  marginUSD,
		Leverage:   leverage,
		StopLoss:   stopLoss,
		Status:     PositionOpen,
	}
}

// UnrealizedPnL values the open position at the given price.
func (p Position) UnrealizedPnL(price float64) float64 {
	return (price - p.EntryPrice) * p.Quantity * p.Side.Sign()
}

// StopHit reports whether the given price crosses the stop-loss threshold:
// long closes at or below the stop, short at or above.
func (p Position) StopHit(price float64) bool {
	if p.StopLoss <= 0 || p.Status != PositionOpen {
		return false
	}
	if p.Side == Buy {
		return price <= p.StopLoss
	}
	return price >= p.StopLoss
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderFilled    OrderStatus = "filled"
	OrderRejected  OrderStatus = "rejected"
	OrderCancelled OrderStatus = "cancelled"
)

// Order is one instruction sent to the exchange. Status transitions are
// one-way: pending -> filled | rejected | cancelled.
type Order struct {
	ID         string      `json:"id"`
	PositionID string      `json:"position_id,omitempty"`
	Symbol     string      `json:"symbol"`
	Side       Side        `json:"side"`
	Quantity   float64     `json:"quantity"`
	Price      float64     `json:"price"` // 0 means market
	Status     OrderStatus `json:"status"`
	CreatedAt  int64       `json:"created_at"`
	UpdatedAt  int64       `json:"updated_at"`
}

// OrderRequest is the payload handed to the exchange client.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Quantity   float64
	Price      float64 // 0 means market
	ReduceOnly bool    // closing an existing exposure
}

// OrderResult is the exchange's fill report.
type OrderResult struct {
	OrderID     string
	Symbol      string
	Side        Side
	ExecutedQty float64
	AvgPrice    float64
	Fee         float64
	Timestamp   int64
}

// AccountSnapshot is a point-in-time view of exchange account state.
type AccountSnapshot struct {
	Balance     float64    `json:"balance"`
	Equity      float64    `json:"equity"`
	MarginUsed  float64    `json:"margin_used"`
	FreeMargin  float64    `json:"free_margin"`
	Positions   []Position `json:"positions"`
	RetrievedAt int64      `json:"retrieved_at"`
}
