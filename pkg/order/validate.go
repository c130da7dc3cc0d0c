package order

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/simutrador/pkg/protocol"
)

var (
	ErrInvalidOrder = errors.New("invalid order")
	ErrEmptyBatch   = errors.New("order batch has no orders")
)

// AtomicRejectReason is reported for otherwise valid orders dropped because
// another order in an atomic batch failed.
const AtomicRejectReason = "batch rejected: atomic execution mode"

// DuplicateInBatchReason is reported for an order id used more than once
// in the same batch.
const DuplicateInBatchReason = "duplicate order_id in batch"

// ValidationError names the first rule an order broke.
type ValidationError struct {
	OrderID string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidOrder
}

func reject(o Order, field, format string, args ...any) error {
	return &ValidationError{OrderID: o.OrderID, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks a single order and stops at the first violation.
// It never mutates its input.
func Validate(o Order) (Order, error) {
	switch {
	case o.OrderID == "":
		return o, reject(o, "order_id", "order_id is required")
	case o.Symbol == "":
		return o, reject(o, "symbol", "symbol is required")
	case !o.Side.Valid():
		return o, reject(o, "side", "side must be buy or sell")
	case !o.EntryType.Valid():
		return o, reject(o, "entry_type", "unsupported order type")
	}

	if o.Quantity <= 0 {
		return o, reject(o, "quantity", "quantity must be positive, got %d", o.Quantity)
	}

	prices := []struct {
		field string
		value *decimal.Decimal
	}{
		{"entry_price", o.EntryPrice},
		{"stop_loss", o.StopLoss},
		{"take_profit", o.TakeProfit},
	}
	for _, p := range prices {
		if p.value != nil && !p.value.IsPositive() {
			return o, reject(o, p.field, "%s must be positive", p.field)
		}
	}

	if o.EntryType.RequiresPrice() && o.EntryPrice == nil {
		return o, reject(o, "entry_price", "entry_price is required for %s orders", longName(o.EntryType))
	}

	if o.EntryPrice == nil {
		return o, nil
	}
	entry := *o.EntryPrice

	if o.Side == protocol.Buy {
		if o.StopLoss != nil && !o.StopLoss.LessThan(entry) {
			return o, reject(o, "stop_loss", "stop_loss must be below entry_price for buy orders")
		}
		if o.TakeProfit != nil && !o.TakeProfit.GreaterThan(entry) {
			return o, reject(o, "take_profit", "take_profit must be above entry_price for buy orders")
		}
	} else {
		if o.StopLoss != nil && !o.StopLoss.GreaterThan(entry) {
			return o, reject(o, "stop_loss", "stop_loss must be above entry_price for sell orders")
		}
		if o.TakeProfit != nil && !o.TakeProfit.LessThan(entry) {
			return o, reject(o, "take_profit", "take_profit must be below entry_price for sell orders")
		}
	}
	return o, nil
}

func longName(t protocol.OrderType) string {
	switch t {
	case protocol.Limit:
		return "limit"
	case protocol.Stop:
		return "stop"
	case protocol.StopLimit:
		return "stop_limit"
	default:
		return "market"
	}
}

// BatchReport is the outcome of validating a batch, before execution mode
// is applied.
type BatchReport struct {
	BatchID string
	Mode    protocol.ExecutionMode
	// Valid holds the orders that passed, in submission order
	Valid    []Order
	Rejected map[string]string
}

// ValidateBatch validates every order in b. Every occurrence of an order id
// repeated within the batch is rejected, so an id is never both accepted
// and rejected.
func ValidateBatch(b Batch) (BatchReport, error) {
	if len(b.Orders) == 0 {
		return BatchReport{}, ErrEmptyBatch
	}

	r := BatchReport{
		BatchID:  b.BatchID,
		Mode:     b.ExecutionMode,
		Rejected: make(map[string]string),
	}
	counts := make(map[string]int, len(b.Orders))
	for _, o := range b.Orders {
		counts[o.OrderID]++
	}
	for _, o := range b.Orders {
		if o.OrderID != "" && counts[o.OrderID] > 1 {
			r.Rejected[o.OrderID] = DuplicateInBatchReason
			continue
		}

		if _, err := Validate(o); err != nil {
			r.Rejected[o.OrderID] = err.Error()
			continue
		}
		r.Valid = append(r.Valid, o)
	}
	return r, nil
}

// Accepted returns the orders the caller should execute. Atomic batches
// with any rejection accept nothing.
func (r BatchReport) Accepted() []Order {
	if r.Mode == protocol.Atomic && len(r.Rejected) > 0 {
		return nil
	}
	return r.Valid
}

// RejectedForAck returns the rejection map as reported to the client.
func (r BatchReport) RejectedForAck() map[string]string {
	out := make(map[string]string, len(r.Rejected)+len(r.Valid))
	for id, reason := range r.Rejected {
		out[id] = reason
	}
	if r.Mode == protocol.Atomic && len(r.Rejected) > 0 {
		for _, o := range r.Valid {
			out[o.OrderID] = AtomicRejectReason
		}
	}
	return out
}

// Ack builds the batch_ack payload. estimates may be nil.
func (r BatchReport) Ack(estimates map[string]decimal.Decimal) protocol.BatchAckData {
	accepted := r.Accepted()
	ids := make([]string, 0, len(accepted))
	for _, o := range accepted {
		ids = append(ids, o.OrderID)
	}
	fills := make(map[string]decimal.Decimal)
	for _, id := range ids {
		if est, ok := estimates[id]; ok {
			fills[id] = est
		}
	}
	return protocol.BatchAckData{
		BatchID:        r.BatchID,
		AcceptedOrders: ids,
		RejectedOrders: r.RejectedForAck(),
		EstimatedFills: fills,
	}
}
