// Package order holds the order domain types and the pure validation
// engine run on every inbound order batch.
package order

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/simutrador/pkg/protocol"
)

// Order is a single entry request with optional bracket levels.
type Order struct {
	OrderID     string
	Symbol      string
	Side        protocol.OrderSide
	EntryType   protocol.OrderType
	EntryPrice  *decimal.Decimal
	StopLoss    *decimal.Decimal
	TakeProfit  *decimal.Decimal
	Quantity    int64
	TimeInForce protocol.TimeInForce
	EntryTime   *time.Time
}

// HasBracket reports whether the order carries stop-loss or take-profit levels.
func (o Order) HasBracket() bool {
	return o.StopLoss != nil || o.TakeProfit != nil
}

type Batch struct {
	BatchID        string
	Orders         []Order
	ExecutionMode  protocol.ExecutionMode
	ParentStrategy *string
}

func FromData(d protocol.OrderData) Order {
	return Order{
		OrderID:     d.OrderID,
		Symbol:      d.Symbol,
		Side:        d.Side,
		EntryType:   d.Type,
		EntryPrice:  d.Price,
		StopLoss:    d.StopLoss,
		TakeProfit:  d.TakeProfit,
		Quantity:    d.Quantity,
		TimeInForce: d.TimeInForce,
		EntryTime:   d.EntryTime,
	}
}

func (o Order) Data() protocol.OrderData {
	return protocol.OrderData{
		OrderID:     o.OrderID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Type:        o.EntryType,
		Quantity:    o.Quantity,
		Price:       o.EntryPrice,
		StopLoss:    o.StopLoss,
		TakeProfit:  o.TakeProfit,
		TimeInForce: o.TimeInForce,
		EntryTime:   o.EntryTime,
	}
}

func BatchFromData(d protocol.OrderBatchData) Batch {
	orders := make([]Order, len(d.Orders))
	for i, od := range d.Orders {
		orders[i] = FromData(od)
	}
	return Batch{
		BatchID:        d.BatchID,
		Orders:         orders,
		ExecutionMode:  d.ExecutionMode,
		ParentStrategy: d.ParentStrategy,
	}
}

func (b Batch) Data() protocol.OrderBatchData {
	orders := make([]protocol.OrderData, len(b.Orders))
	for i, o := range b.Orders {
		orders[i] = o.Data()
	}
	return protocol.OrderBatchData{
		BatchID:        b.BatchID,
		Orders:         orders,
		ExecutionMode:  b.ExecutionMode,
		ParentStrategy: b.ParentStrategy,
	}
}
