package protocol

import (
	"time"

	"github.com/shopspring/decimal"
)

// ==============================
// Connection lifecycle
// ==============================

type ConnectionReadyData struct {
	UserID                     string    `json:"user_id"`
	Plan                       UserPlan  `json:"plan"`
	ServerTime                 time.Time `json:"server_time"`
	ConnectionExpiresAt        time.Time `json:"connection_expires_at"`
	IdleTimeoutSec             int       `json:"idle_timeout_sec"`
	MaxSimulationDurationSec   int       `json:"max_simulation_duration_sec"`
	ConcurrentConnectionsLimit int       `json:"concurrent_connections_limit"`
	SupportedFeatures          []string  `json:"supported_features"`
}

type ConnectionWarningData struct {
	WarningType      WarningType `json:"warning_type"`
	Message          string      `json:"message"`
	ExpiresAt        *time.Time  `json:"expires_at,omitempty"`
	ActionRequired   string      `json:"action_required"`
	SecondsRemaining *int        `json:"seconds_remaining,omitempty"`
}

type ConnectionClosingData struct {
	Reason           ClosingReason `json:"reason"`
	Message          string        `json:"message"`
	CloseCode        int           `json:"close_code"`
	ReconnectAllowed bool          `json:"reconnect_allowed"`
	SessionState     *SessionState `json:"session_state,omitempty"`
}

// ==============================
// Session setup
// ==============================

const (
	DefaultDataProvider = "polygon"
	DefaultSlippageBps  = 5
)

var DefaultCommissionPerTrade = decimal.RequireFromString("1.00")

type CreateSessionData struct {
	SessionID          string          `json:"session_id"`
	Symbols            []string        `json:"symbols"`
	Start              time.Time       `json:"start"`
	End                time.Time       `json:"end"`
	DataProvider       string          `json:"data_provider"`
	InitialCash        decimal.Decimal `json:"initial_cash"`
	CommissionPerTrade decimal.Decimal `json:"commission_per_trade"`
	SlippageBps        int             `json:"slippage_bps"`
}

// WithDefaults fills the optional fields that were omitted on the wire.
func (c CreateSessionData) WithDefaults(commission decimal.Decimal, slippageBps int) CreateSessionData {
	if c.DataProvider == "" {
		c.DataProvider = DefaultDataProvider
	}
	if c.CommissionPerTrade.IsZero() {
		c.CommissionPerTrade = commission
	}
	if c.SlippageBps == 0 {
		c.SlippageBps = slippageBps
	}
	return c
}

type SessionCreatedData struct {
	SessionID       string         `json:"session_id"`
	EstimatedTicks  int            `json:"estimated_ticks"`
	SymbolsLoaded   []string       `json:"symbols_loaded"`
	DataRangeActual map[string]any `json:"data_range_actual"`
	ServerReady     bool           `json:"server_ready"`
}

type SimulationStartedData struct {
	SessionID            string    `json:"session_id"`
	StartedAt            time.Time `json:"started_at"`
	EstimatedDurationSec int       `json:"estimated_duration_sec"`
	TickIntervalMs       int       `json:"tick_interval_ms"`
	FlowControlEnabled   bool      `json:"flow_control_enabled"`
}

// ==============================
// Ticks
// ==============================

type Candle struct {
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

type TickData struct {
	SimTime        time.Time         `json:"sim_time"`
	SequenceID     int64             `json:"sequence_id"`
	Timeframe      string            `json:"timeframe,omitempty"`
	Candles        map[string]Candle `json:"candles,omitempty"`
	MarketSession  MarketSession     `json:"market_session"`
	SymbolsTrading []string          `json:"symbols_trading"`
	IsEOD          bool              `json:"is_eod"`
}

const DefaultMaxWaitMs = 1000

type TickAckData struct {
	SequenceID       int64            `json:"sequence_id"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	OrdersPending    int              `json:"orders_pending"`
	MaxWaitMs        int              `json:"max_wait_ms"`
}

// MaxWait returns the requested wait, defaulting to one second.
func (a TickAckData) MaxWait() time.Duration {
	if a.MaxWaitMs <= 0 {
		return DefaultMaxWaitMs * time.Millisecond
	}
	return time.Duration(a.MaxWaitMs) * time.Millisecond
}

// ==============================
// Orders & executions
// ==============================

type OrderData struct {
	OrderID     string           `json:"order_id"`
	Symbol      string           `json:"symbol"`
	Side        OrderSide        `json:"side"`
	Type        OrderType        `json:"type"`
	Quantity    int64            `json:"quantity"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	StopLoss    *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit  *decimal.Decimal `json:"take_profit,omitempty"`
	TimeInForce TimeInForce      `json:"time_in_force"`
	EntryTime   *time.Time       `json:"entry_time,omitempty"`
}

type OrderBatchData struct {
	BatchID        string        `json:"batch_id"`
	Orders         []OrderData   `json:"orders"`
	ExecutionMode  ExecutionMode `json:"execution_mode"`
	ParentStrategy *string       `json:"parent_strategy,omitempty"`
}

type BatchAckData struct {
	BatchID        string                     `json:"batch_id"`
	AcceptedOrders []string                   `json:"accepted_orders"`
	RejectedOrders map[string]string          `json:"rejected_orders"`
	EstimatedFills map[string]decimal.Decimal `json:"estimated_fills"`
}

type ExecutionReportData struct {
	ExecutionID string          `json:"execution_id"`
	OrderID     string          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Timestamp   time.Time       `json:"timestamp"`
	Commission  decimal.Decimal `json:"commission"`
	SlippageBps int             `json:"slippage_bps"`
}

// ==============================
// Account
// ==============================

// PositionData quantity is signed: positive long, negative short.
type PositionData struct {
	Symbol        string          `json:"symbol"`
	Quantity      int64           `json:"quantity"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

type AccountSnapshotData struct {
	Cash        decimal.Decimal `json:"cash"`
	Equity      decimal.Decimal `json:"equity"`
	BuyingPower decimal.Decimal `json:"buying_power"`
	DayPnL      decimal.Decimal `json:"day_pnl"`
	Positions   []PositionData  `json:"positions"`
	OpenOrders  []string        `json:"open_orders"`
}

// ==============================
// Session end & health
// ==============================

type SimulationEndData struct {
	SessionID             string           `json:"session_id"`
	FinalEquity           decimal.Decimal  `json:"final_equity"`
	TotalReturnPct        decimal.Decimal  `json:"total_return_pct"`
	TotalTrades           int              `json:"total_trades"`
	WinRate               decimal.Decimal  `json:"win_rate"`
	SharpeRatio           *decimal.Decimal `json:"sharpe_ratio,omitempty"`
	MaxDrawdownPct        decimal.Decimal  `json:"max_drawdown_pct"`
	SimulationDurationSec int              `json:"simulation_duration_sec"`
}

type StopSimulationData struct {
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type AccountRequestData struct {
	SessionID string `json:"session_id,omitempty"`
}

type HealthStatus struct {
	Status        HealthState `json:"status"`
	ServerTime    *time.Time  `json:"server_time,omitempty"`
	ServerVersion string      `json:"server_version,omitempty"`
	Message       string      `json:"message,omitempty"`
}

type PongData struct {
	ServerTime time.Time `json:"server_time"`
}
