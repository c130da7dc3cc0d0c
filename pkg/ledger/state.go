// Package ledger keeps the authoritative per-session trading state that
// execution reports must stay consistent with.
//
// A State has a single writer (its session). Every mutation is computed
// on a copy and committed only when it succeeds, so a failed call leaves
// the state untouched.
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/simutrador/pkg/order"
	"github.com/uhyunpark/simutrador/pkg/protocol"
)

var (
	ErrInconsistentExecution = errors.New("inconsistent execution")
	ErrInsufficientCash      = errors.New("insufficient cash")
	ErrUnknownOrder          = errors.New("unknown order")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidTransition     = errors.New("invalid order status transition")
	ErrInvalidPrice          = errors.New("price must be positive")
)

// InconsistentExecutionError means the execution engine and this ledger
// have diverged. It is fatal to the session.
type InconsistentExecutionError struct {
	ExecutionID string
	OrderID     string
	Reason      string
}

func (e *InconsistentExecutionError) Error() string {
	return fmt.Sprintf("inconsistent execution %s for order %s: %s", e.ExecutionID, e.OrderID, e.Reason)
}

func (e *InconsistentExecutionError) Is(target error) bool {
	return target == ErrInconsistentExecution
}

// Config holds ledger policy.
type Config struct {
	// AllowNegativeCash permits fills that take cash below zero (margin)
	AllowNegativeCash bool
}

type OpenOrderState struct {
	OrderID        string               `json:"order_id"`
	Symbol         string               `json:"symbol"`
	Side           protocol.OrderSide   `json:"side"`
	Quantity       int64                `json:"quantity"`
	FilledQuantity int64                `json:"filled_quantity"`
	LimitPrice     *decimal.Decimal     `json:"limit_price,omitempty"`
	StopLoss       *decimal.Decimal     `json:"stop_loss,omitempty"`
	TakeProfit     *decimal.Decimal     `json:"take_profit,omitempty"`
	TimeInForce    protocol.TimeInForce `json:"time_in_force"`
	Status         protocol.OrderStatus `json:"status"`
	RejectReason   string               `json:"reject_reason,omitempty"`
}

// Remaining returns the unfilled quantity.
func (o OpenOrderState) Remaining() int64 {
	return o.Quantity - o.FilledQuantity
}

// NewOpenOrder tracks a validated order.
func NewOpenOrder(o order.Order) OpenOrderState {
	return OpenOrderState{
		OrderID:     o.OrderID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Quantity:    o.Quantity,
		LimitPrice:  o.EntryPrice,
		StopLoss:    o.StopLoss,
		TakeProfit:  o.TakeProfit,
		TimeInForce: o.TimeInForce,
		Status:      protocol.OrderOpen,
	}
}

type SymbolPriceState struct {
	Symbol    string          `json:"symbol"`
	LastPrice decimal.Decimal `json:"last_price"`
}

// PositionBracketState is a stop-loss/take-profit pair attached to an
// open position. Side is the side of the position, not of the exit.
type PositionBracketState struct {
	Symbol      string               `json:"symbol"`
	Side        protocol.OrderSide   `json:"side"`
	Quantity    int64                `json:"quantity"`
	StopLoss    *decimal.Decimal     `json:"stop_loss,omitempty"`
	TakeProfit  *decimal.Decimal     `json:"take_profit,omitempty"`
	TimeInForce protocol.TimeInForce `json:"time_in_force"`
	ExitPending bool                 `json:"exit_pending,omitempty"`
}

// ExitInstruction asks the execution engine to close a bracketed position.
type ExitInstruction struct {
	Symbol       string               `json:"symbol"`
	Side         protocol.OrderSide   `json:"side"`
	Quantity     int64                `json:"quantity"`
	Reason       protocol.TradeResult `json:"reason"`
	TriggerPrice decimal.Decimal      `json:"trigger_price"`
}

// State is the session ledger. Positions merge by symbol; quantity is
// signed (positive long, negative short).
type State struct {
	cfg Config

	Cash       decimal.Decimal         `json:"cash"`
	Positions  []protocol.PositionData `json:"positions"`
	OpenOrders []OpenOrderState        `json:"open_orders"`
	LastPrices []SymbolPriceState      `json:"last_prices"`
	TradeCount int                     `json:"trade_count"`
	Brackets   []PositionBracketState  `json:"brackets"`

	InitialCash    decimal.Decimal `json:"initial_cash"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	ClosedTrades   int             `json:"closed_trades"`
	WinningTrades  int             `json:"winning_trades"`
	PeakEquity     decimal.Decimal `json:"peak_equity"`
	MaxDrawdownPct decimal.Decimal `json:"max_drawdown_pct"`
	DayStartEquity decimal.Decimal `json:"day_start_equity"`
}

func NewState(initialCash decimal.Decimal, cfg Config) *State {
	return &State{
		cfg:            cfg,
		Cash:           initialCash,
		Positions:      []protocol.PositionData{},
		OpenOrders:     []OpenOrderState{},
		LastPrices:     []SymbolPriceState{},
		Brackets:       []PositionBracketState{},
		InitialCash:    initialCash,
		PeakEquity:     initialCash,
		DayStartEquity: initialCash,
	}
}

func (s *State) Config() Config {
	return s.cfg
}

// Clone returns a deep copy. Decimal pointers are shared; they are never
// written through.
func (s *State) Clone() *State {
	c := *s
	c.Positions = append([]protocol.PositionData{}, s.Positions...)
	c.OpenOrders = append([]OpenOrderState{}, s.OpenOrders...)
	c.LastPrices = append([]SymbolPriceState{}, s.LastPrices...)
	c.Brackets = append([]PositionBracketState{}, s.Brackets...)
	return &c
}

// AddOrder starts tracking an order. It is always stored as open.
func (s *State) AddOrder(o OpenOrderState) error {
	if o.OrderID == "" {
		return fmt.Errorf("add order: %w: empty order_id", ErrUnknownOrder)
	}
	if _, ok := s.orderIndex(o.OrderID); ok {
		return fmt.Errorf("add order %s: %w", o.OrderID, ErrDuplicateOrder)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("add order %s: quantity must be positive", o.OrderID)
	}
	o.Status = protocol.OrderOpen
	o.FilledQuantity = 0
	s.OpenOrders = append(s.OpenOrders, o)
	return nil
}

func (s *State) Cancel(orderID string) error {
	return s.finish(orderID, protocol.OrderCancelled, "")
}

func (s *State) Reject(orderID, reason string) error {
	return s.finish(orderID, protocol.OrderRejected, reason)
}

func (s *State) finish(orderID string, status protocol.OrderStatus, reason string) error {
	i, ok := s.orderIndex(orderID)
	if !ok {
		return fmt.Errorf("%s order %s: %w", status, orderID, ErrUnknownOrder)
	}
	if s.OpenOrders[i].Status.Terminal() {
		return fmt.Errorf("%s order %s: %w: already %s", status, orderID, ErrInvalidTransition, s.OpenOrders[i].Status)
	}
	s.OpenOrders[i].Status = status
	s.OpenOrders[i].RejectReason = reason
	return nil
}

// Order returns the tracked order by id.
func (s *State) Order(orderID string) (OpenOrderState, bool) {
	i, ok := s.orderIndex(orderID)
	if !ok {
		return OpenOrderState{}, false
	}
	return s.OpenOrders[i], true
}

func (s *State) Position(symbol string) (protocol.PositionData, bool) {
	i, ok := s.positionIndex(symbol)
	if !ok {
		return protocol.PositionData{}, false
	}
	return s.Positions[i], true
}

func (s *State) LastPrice(symbol string) (decimal.Decimal, bool) {
	for _, lp := range s.LastPrices {
		if lp.Symbol == symbol {
			return lp.LastPrice, true
		}
	}
	return decimal.Zero, false
}

// OpenOrderIDs lists orders that can still fill, in submission order.
func (s *State) OpenOrderIDs() []string {
	ids := []string{}
	for _, o := range s.OpenOrders {
		if o.Status == protocol.OrderOpen {
			ids = append(ids, o.OrderID)
		}
	}
	return ids
}

// Equity returns cash plus the market value of every position.
// Formula: cash + Σ market_value
func (s *State) Equity() decimal.Decimal {
	eq := s.Cash
	for _, p := range s.Positions {
		eq = eq.Add(p.MarketValue)
	}
	return eq
}

// BuyingPower is cash when the account may not borrow, otherwise equity
// floored at zero.
func (s *State) BuyingPower() decimal.Decimal {
	if !s.cfg.AllowNegativeCash {
		return decimal.Max(s.Cash, decimal.Zero)
	}
	return decimal.Max(s.Equity(), decimal.Zero)
}

func (s *State) Snapshot() protocol.AccountSnapshotData {
	equity := s.Equity()
	return protocol.AccountSnapshotData{
		Cash:        s.Cash,
		Equity:      equity,
		BuyingPower: s.BuyingPower(),
		DayPnL:      equity.Sub(s.DayStartEquity),
		Positions:   append([]protocol.PositionData{}, s.Positions...),
		OpenOrders:  s.OpenOrderIDs(),
	}
}

// StartNewDay resets the day_pnl baseline.
func (s *State) StartNewDay() {
	s.DayStartEquity = s.Equity()
}

var hundred = decimal.NewFromInt(100)

// Summary computes end-of-simulation results.
func (s *State) Summary(sessionID string, durationSec int) protocol.SimulationEndData {
	equity := s.Equity()
	ret := decimal.Zero
	if s.InitialCash.IsPositive() {
		ret = equity.Sub(s.InitialCash).Div(s.InitialCash).Mul(hundred).Round(4)
	}
	winRate := decimal.Zero
	if s.ClosedTrades > 0 {
		winRate = decimal.NewFromInt(int64(s.WinningTrades)).
			Div(decimal.NewFromInt(int64(s.ClosedTrades))).
			Mul(hundred).Round(4)
	}
	return protocol.SimulationEndData{
		SessionID:             sessionID,
		FinalEquity:           equity,
		TotalReturnPct:        ret,
		TotalTrades:           s.TradeCount,
		WinRate:               winRate,
		MaxDrawdownPct:        s.MaxDrawdownPct.Round(4),
		SimulationDurationSec: durationSec,
	}
}

// trackDrawdown updates peak equity and max drawdown.
// Formula: drawdown = (peak - equity) / peak × 100
func (s *State) trackDrawdown() {
	equity := s.Equity()
	if equity.GreaterThan(s.PeakEquity) {
		s.PeakEquity = equity
	}
	if !s.PeakEquity.IsPositive() {
		return
	}
	dd := s.PeakEquity.Sub(equity).Div(s.PeakEquity).Mul(hundred)
	if dd.GreaterThan(s.MaxDrawdownPct) {
		s.MaxDrawdownPct = dd
	}
}

func (s *State) orderIndex(orderID string) (int, bool) {
	for i, o := range s.OpenOrders {
		if o.OrderID == orderID {
			return i, true
		}
	}
	return -1, false
}

func (s *State) positionIndex(symbol string) (int, bool) {
	for i, p := range s.Positions {
		if p.Symbol == symbol {
			return i, true
		}
	}
	return -1, false
}

// markPrice is the last traded price, or fallback when none was seen.
func (s *State) markPrice(symbol string, fallback decimal.Decimal) decimal.Decimal {
	if p, ok := s.LastPrice(symbol); ok {
		return p
	}
	return fallback
}

// revalue recomputes market value and unrealized PnL for one position.
// Formula: market_value = price × quantity, unrealized = market_value − avg_cost × quantity
func revalue(p *protocol.PositionData, price decimal.Decimal) {
	qty := decimal.NewFromInt(p.Quantity)
	p.MarketValue = price.Mul(qty)
	p.UnrealizedPnL = p.MarketValue.Sub(p.AvgCost.Mul(qty))
}
