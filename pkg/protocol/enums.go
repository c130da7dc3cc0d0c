package protocol

import (
	"fmt"
	"strings"
)

// Every protocol enumeration is a closed set of int8 variants with an
// explicit wire mapping. Enums whose field has a documented default use
// the zero value for that default; required enums reserve zero for
// "unset" so a missing field is caught by validation.

func enumString[T ~int8](v T, names []string) string {
	i := int(v)
	if i < 0 || i >= len(names) || names[i] == "" {
		return fmt.Sprintf("unknown(%d)", i)
	}
	return names[i]
}

func enumMarshal[T ~int8](v T, names []string, kind string) ([]byte, error) {
	i := int(v)
	if i < 0 || i >= len(names) || names[i] == "" {
		return nil, fmt.Errorf("invalid %s: %d", kind, i)
	}
	return []byte(names[i]), nil
}

func enumParse[T ~int8](s string, names []string, kind string) (T, error) {
	for i, name := range names {
		if name != "" && name == s {
			return T(i), nil
		}
	}
	return 0, fmt.Errorf("invalid %s %q", kind, s)
}

// ==============================
// Orders
// ==============================

type OrderSide int8

const (
	Buy OrderSide = iota + 1
	Sell
)

var orderSideNames = []string{Buy: "buy", Sell: "sell"}

func ParseOrderSide(s string) (OrderSide, error) {
	return enumParse[OrderSide](strings.ToLower(s), orderSideNames, "order side")
}
func (s OrderSide) String() string {
	return enumString(s, orderSideNames)
}
func (s OrderSide) MarshalText() ([]byte, error) {
	return enumMarshal(s, orderSideNames, "order side")
}
func (s *OrderSide) UnmarshalText(b []byte) error {
	return unmarshalInto(s, ParseOrderSide, b)
}
func (s OrderSide) Valid() bool {
	return s == Buy || s == Sell
}

// Opposite returns the side that closes a position opened on s.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign is +1 for buys and -1 for sells (position quantity convention).
func (s OrderSide) Sign() int64 {
	if s == Sell {
		return -1
	}
	return 1
}

type OrderType int8

const (
	Market OrderType = iota + 1
	Limit
	Stop
	StopLimit
)

var orderTypeNames = []string{Market: "MKT", Limit: "LMT", Stop: "STP", StopLimit: "STP_LMT"}

var orderTypeAliases = map[string]OrderType{
	"market":     Market,
	"limit":      Limit,
	"stop":       Stop,
	"stop_limit": StopLimit,
}

// ParseOrderType accepts the wire codes (MKT, LMT, STP, STP_LMT) and the
// lowercase long names used by older clients.
func ParseOrderType(s string) (OrderType, error) {
	if t, ok := orderTypeAliases[strings.ToLower(s)]; ok {
		return t, nil
	}
	return enumParse[OrderType](strings.ToUpper(s), orderTypeNames, "order type")
}
func (t OrderType) String() string {
	return enumString(t, orderTypeNames)
}
func (t OrderType) MarshalText() ([]byte, error) {
	return enumMarshal(t, orderTypeNames, "order type")
}
func (t *OrderType) UnmarshalText(b []byte) error {
	return unmarshalInto(t, ParseOrderType, b)
}
func (t OrderType) Valid() bool {
	return t >= Market && t <= StopLimit
}

// RequiresPrice reports whether the order type needs an entry price.
func (t OrderType) RequiresPrice() bool {
	return t == Limit || t == Stop || t == StopLimit
}

// TimeInForce defaults to day.
type TimeInForce int8

const (
	Day TimeInForce = iota
	GTC
	IOC
)

var timeInForceNames = []string{Day: "day", GTC: "gtc", IOC: "ioc"}

func ParseTimeInForce(s string) (TimeInForce, error) {
	return enumParse[TimeInForce](strings.ToLower(s), timeInForceNames, "time in force")
}
func (t TimeInForce) String() string {
	return enumString(t, timeInForceNames)
}
func (t TimeInForce) MarshalText() ([]byte, error) {
	return enumMarshal(t, timeInForceNames, "time in force")
}
func (t *TimeInForce) UnmarshalText(b []byte) error {
	return unmarshalInto(t, ParseTimeInForce, b)
}

type OrderStatus int8

const (
	OrderOpen OrderStatus = iota
	OrderFilled
	OrderCancelled
	OrderRejected
)

var orderStatusNames = []string{
	OrderOpen:      "open",
	OrderFilled:    "filled",
	OrderCancelled: "cancelled",
	OrderRejected:  "rejected",
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	return enumParse[OrderStatus](s, orderStatusNames, "order status")
}
func (s OrderStatus) String() string {
	return enumString(s, orderStatusNames)
}
func (s OrderStatus) MarshalText() ([]byte, error) {
	return enumMarshal(s, orderStatusNames, "order status")
}
func (s *OrderStatus) UnmarshalText(b []byte) error {
	return unmarshalInto(s, ParseOrderStatus, b)
}

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	return s != OrderOpen
}

// ExecutionMode defaults to best_effort.
type ExecutionMode int8

const (
	BestEffort ExecutionMode = iota
	Atomic
)

var executionModeNames = []string{BestEffort: "best_effort", Atomic: "atomic"}

func ParseExecutionMode(s string) (ExecutionMode, error) {
	return enumParse[ExecutionMode](s, executionModeNames, "execution mode")
}
func (m ExecutionMode) String() string {
	return enumString(m, executionModeNames)
}
func (m ExecutionMode) MarshalText() ([]byte, error) {
	return enumMarshal(m, executionModeNames, "execution mode")
}
func (m *ExecutionMode) UnmarshalText(b []byte) error {
	return unmarshalInto(m, ParseExecutionMode, b)
}

type TradeResult int8

const (
	TakeProfit TradeResult = iota + 1
	StopLoss
	Timeout
)

var tradeResultNames = []string{TakeProfit: "tp", StopLoss: "sl", Timeout: "timeout"}

func ParseTradeResult(s string) (TradeResult, error) {
	return enumParse[TradeResult](s, tradeResultNames, "trade result")
}
func (r TradeResult) String() string {
	return enumString(r, tradeResultNames)
}
func (r TradeResult) MarshalText() ([]byte, error) {
	return enumMarshal(r, tradeResultNames, "trade result")
}
func (r *TradeResult) UnmarshalText(b []byte) error {
	return unmarshalInto(r, ParseTradeResult, b)
}

// ==============================
// Sessions & ticks
// ==============================

type SessionState int8

const (
	SessionInitializing SessionState = iota
	SessionReady
	SessionRunning
	SessionPaused
	SessionCompleted
	SessionError
)

var sessionStateNames = []string{
	SessionInitializing: "initializing",
	SessionReady:        "ready",
	SessionRunning:      "running",
	SessionPaused:       "paused",
	SessionCompleted:    "completed",
	SessionError:        "error",
}

func ParseSessionState(s string) (SessionState, error) {
	return enumParse[SessionState](s, sessionStateNames, "session state")
}
func (s SessionState) String() string {
	return enumString(s, sessionStateNames)
}
func (s SessionState) MarshalText() ([]byte, error) {
	return enumMarshal(s, sessionStateNames, "session state")
}
func (s *SessionState) UnmarshalText(b []byte) error {
	return unmarshalInto(s, ParseSessionState, b)
}

// Finished reports whether the session can no longer accept ticks or orders.
func (s SessionState) Finished() bool {
	return s == SessionCompleted || s == SessionError
}

type MarketSession int8

const (
	PreMarket MarketSession = iota + 1
	RegularHours
	AfterHours
)

var marketSessionNames = []string{PreMarket: "pre_market", RegularHours: "regular", AfterHours: "after_hours"}

func ParseMarketSession(s string) (MarketSession, error) {
	return enumParse[MarketSession](s, marketSessionNames, "market session")
}
func (m MarketSession) String() string {
	return enumString(m, marketSessionNames)
}
func (m MarketSession) MarshalText() ([]byte, error) {
	return enumMarshal(m, marketSessionNames, "market session")
}
func (m *MarketSession) UnmarshalText(b []byte) error {
	return unmarshalInto(m, ParseMarketSession, b)
}

type ProcessingStatus int8

const (
	StatusReady ProcessingStatus = iota + 1
	StatusProcessing
	StatusNeedTime
)

var processingStatusNames = []string{
	StatusReady:      "ready",
	StatusProcessing: "processing",
	StatusNeedTime:   "need_time",
}

func ParseProcessingStatus(s string) (ProcessingStatus, error) {
	return enumParse[ProcessingStatus](s, processingStatusNames, "processing status")
}
func (p ProcessingStatus) String() string {
	return enumString(p, processingStatusNames)
}
func (p ProcessingStatus) MarshalText() ([]byte, error) {
	return enumMarshal(p, processingStatusNames, "processing status")
}
func (p *ProcessingStatus) UnmarshalText(b []byte) error {
	return unmarshalInto(p, ParseProcessingStatus, b)
}

// AccountUpdateFrequency defaults to every_fill.
type AccountUpdateFrequency int8

const (
	EveryFill AccountUpdateFrequency = iota
	EveryTick
	OnDemand
)

var accountUpdateNames = []string{EveryFill: "every_fill", EveryTick: "every_tick", OnDemand: "on_demand"}

func ParseAccountUpdateFrequency(s string) (AccountUpdateFrequency, error) {
	return enumParse[AccountUpdateFrequency](s, accountUpdateNames, "account update frequency")
}
func (f AccountUpdateFrequency) String() string {
	return enumString(f, accountUpdateNames)
}
func (f AccountUpdateFrequency) MarshalText() ([]byte, error) {
	return enumMarshal(f, accountUpdateNames, "account update frequency")
}
func (f *AccountUpdateFrequency) UnmarshalText(b []byte) error {
	return unmarshalInto(f, ParseAccountUpdateFrequency, b)
}

// ==============================
// Errors & connection lifecycle
// ==============================

type ErrorType int8

const (
	ErrorValidation ErrorType = iota + 1
	ErrorExecution
	ErrorConnection
	ErrorData
	ErrorRateLimit
)

var errorTypeNames = []string{
	ErrorValidation: "validation",
	ErrorExecution:  "execution",
	ErrorConnection: "connection",
	ErrorData:       "data",
	ErrorRateLimit:  "rate_limit",
}

func ParseErrorType(s string) (ErrorType, error) {
	return enumParse[ErrorType](s, errorTypeNames, "error type")
}
func (t ErrorType) String() string {
	return enumString(t, errorTypeNames)
}
func (t ErrorType) MarshalText() ([]byte, error) {
	return enumMarshal(t, errorTypeNames, "error type")
}
func (t *ErrorType) UnmarshalText(b []byte) error {
	return unmarshalInto(t, ParseErrorType, b)
}

type Severity int8

const (
	SeverityWarning Severity = iota + 1
	SeverityError
	SeverityFatal
)

var severityNames = []string{SeverityWarning: "warning", SeverityError: "error", SeverityFatal: "fatal"}

func ParseSeverity(s string) (Severity, error) {
	return enumParse[Severity](s, severityNames, "severity")
}
func (s Severity) String() string {
	return enumString(s, severityNames)
}
func (s Severity) MarshalText() ([]byte, error) {
	return enumMarshal(s, severityNames, "severity")
}
func (s *Severity) UnmarshalText(b []byte) error {
	return unmarshalInto(s, ParseSeverity, b)
}

type WarningType int8

const (
	WarningApproachingTimeout WarningType = iota + 1
	WarningImminentClosure
	WarningRateLimit
)

var warningTypeNames = []string{
	WarningApproachingTimeout: "approaching_timeout",
	WarningImminentClosure:    "imminent_closure",
	WarningRateLimit:          "rate_limit_warning",
}

func ParseWarningType(s string) (WarningType, error) {
	return enumParse[WarningType](s, warningTypeNames, "warning type")
}
func (w WarningType) String() string {
	return enumString(w, warningTypeNames)
}
func (w WarningType) MarshalText() ([]byte, error) {
	return enumMarshal(w, warningTypeNames, "warning type")
}
func (w *WarningType) UnmarshalText(b []byte) error {
	return unmarshalInto(w, ParseWarningType, b)
}

type ClosingReason int8

const (
	CloseIdleTimeout ClosingReason = iota + 1
	CloseMaxDuration
	CloseAPIKeyRevoked
	CloseRateLimit
	CloseSimulationComplete
	CloseServerMaintenance
)

var closingReasonNames = []string{
	CloseIdleTimeout:        "idle_timeout",
	CloseMaxDuration:        "max_duration",
	CloseAPIKeyRevoked:      "api_key_revoked",
	CloseRateLimit:          "rate_limit",
	CloseSimulationComplete: "simulation_complete",
	CloseServerMaintenance:  "server_maintenance",
}

func ParseClosingReason(s string) (ClosingReason, error) {
	return enumParse[ClosingReason](s, closingReasonNames, "closing reason")
}
func (r ClosingReason) String() string {
	return enumString(r, closingReasonNames)
}
func (r ClosingReason) MarshalText() ([]byte, error) {
	return enumMarshal(r, closingReasonNames, "closing reason")
}
func (r *ClosingReason) UnmarshalText(b []byte) error {
	return unmarshalInto(r, ParseClosingReason, b)
}

type HealthState int8

const (
	HealthOK HealthState = iota + 1
	HealthDegraded
	HealthUnhealthy
)

var healthStateNames = []string{HealthOK: "ok", HealthDegraded: "degraded", HealthUnhealthy: "unhealthy"}

func ParseHealthState(s string) (HealthState, error) {
	return enumParse[HealthState](s, healthStateNames, "health status")
}
func (h HealthState) String() string {
	return enumString(h, healthStateNames)
}
func (h HealthState) MarshalText() ([]byte, error) {
	return enumMarshal(h, healthStateNames, "health status")
}
func (h *HealthState) UnmarshalText(b []byte) error {
	return unmarshalInto(h, ParseHealthState, b)
}

// UserPlan defaults to starter.
type UserPlan int8

const (
	PlanStarter UserPlan = iota
	PlanProfessional
	PlanEnterprise
)

var userPlanNames = []string{
	PlanStarter:      "starter",
	PlanProfessional: "professional",
	PlanEnterprise:   "enterprise",
}

func ParseUserPlan(s string) (UserPlan, error) {
	return enumParse[UserPlan](strings.ToLower(s), userPlanNames, "user plan")
}
func (p UserPlan) String() string {
	return enumString(p, userPlanNames)
}
func (p UserPlan) MarshalText() ([]byte, error) {
	return enumMarshal(p, userPlanNames, "user plan")
}
func (p *UserPlan) UnmarshalText(b []byte) error {
	return unmarshalInto(p, ParseUserPlan, b)
}

// ErrorCode is open-ended: servers may add codes, clients must tolerate
// unknown ones.
type ErrorCode string

const (
	CodeInvalidParams         ErrorCode = "INVALID_PARAMS"
	CodeValidationError       ErrorCode = "VALIDATION_ERROR"
	CodeServiceBusy           ErrorCode = "SERVICE_BUSY"
	CodeSessionCreateFailed   ErrorCode = "SESSION_CREATE_FAILED"
	CodeNotImplemented        ErrorCode = "NOT_IMPLEMENTED"
	CodeUnknownType           ErrorCode = "UNKNOWN_TYPE"
	CodeAuthFailed            ErrorCode = "AUTH_FAILED"
	CodeRateLimited           ErrorCode = "RATE_LIMITED"
	CodeHandlerTimeout        ErrorCode = "HANDLER_TIMEOUT"
	CodeMalformedEnvelope     ErrorCode = "MALFORMED_ENVELOPE"
	CodeSequenceMismatch      ErrorCode = "SEQUENCE_MISMATCH"
	CodeInconsistentExecution ErrorCode = "INCONSISTENT_EXECUTION"
	CodeSessionNotFound       ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionEnded          ErrorCode = "SESSION_ENDED"
	CodeInsufficientCash      ErrorCode = "INSUFFICIENT_CASH"
	CodeDataUnavailable       ErrorCode = "DATA_UNAVAILABLE"
)

func unmarshalInto[T any](dst *T, parse func(string) (T, error), b []byte) error {
	v, err := parse(string(b))
	if err != nil {
		return err
	}
	*dst = v
	return nil
}
