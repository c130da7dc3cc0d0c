package order

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/simutrador/pkg/protocol"
)

func px(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func marketBuy(id string) Order {
	return Order{
		OrderID:   id,
		Symbol:    "AAPL",
		Side:      protocol.Buy,
		EntryType: protocol.Market,
		Quantity:  10,
	}
}

func TestValidateMarketOrderWithoutPrices(t *testing.T) {
	o := marketBuy("o1")
	got, err := Validate(o)
	require.NoError(t, err)
	assert.Equal(t, o, got)
}

func TestValidateLimitRequiresEntryPrice(t *testing.T) {
	for _, typ := range []protocol.OrderType{protocol.Limit, protocol.Stop, protocol.StopLimit} {
		o := marketBuy("o1")
		o.EntryType = typ
		_, err := Validate(o)
		require.Error(t, err, typ.String())
		assert.Contains(t, err.Error(), "entry_price")

		var ve *ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, "entry_price", ve.Field)
		assert.Equal(t, "o1", ve.OrderID)
	}
}

func TestValidateBracketOrdering(t *testing.T) {
	cases := []struct {
		name  string
		side  protocol.OrderSide
		sl    string
		tp    string
		field string
	}{
		{"buy sl below entry", protocol.Buy, "95", "", ""},
		{"buy sl equal entry", protocol.Buy, "100", "", "stop_loss"},
		{"buy sl above entry", protocol.Buy, "101", "", "stop_loss"},
		{"buy tp above entry", protocol.Buy, "", "110", ""},
		{"buy tp below entry", protocol.Buy, "", "99", "take_profit"},
		{"sell sl above entry", protocol.Sell, "105", "", ""},
		{"sell sl equal entry", protocol.Sell, "100", "", "stop_loss"},
		{"sell sl below entry", protocol.Sell, "95", "", "stop_loss"},
		{"sell tp below entry", protocol.Sell, "", "90", ""},
		{"sell tp above entry", protocol.Sell, "", "101", "take_profit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := Order{
				OrderID:    "o",
				Symbol:     "AAPL",
				Side:       tc.side,
				EntryType:  protocol.Limit,
				EntryPrice: px("100"),
				Quantity:   1,
			}
			if tc.sl != "" {
				o.StopLoss = px(tc.sl)
			}
			if tc.tp != "" {
				o.TakeProfit = px(tc.tp)
			}
			_, err := Validate(o)
			if tc.field == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tc.field, ve.Field)
			assert.Contains(t, ve.Reason, tc.side.String()+" orders")
		})
	}
}

func TestValidateShortCircuitsAtFirstViolation(t *testing.T) {
	o := marketBuy("o1")
	o.Quantity = 0
	o.StopLoss = px("-1")
	_, err := Validate(o)
	require.Error(t, err)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "quantity", ve.Field)
	assert.True(t, errors.Is(err, ErrInvalidOrder))
}

func TestValidateNonPositivePrices(t *testing.T) {
	o := marketBuy("o1")
	o.TakeProfit = px("0")
	_, err := Validate(o)
	require.Error(t, err)
	assert.Equal(t, "take_profit must be positive", err.Error())
}

func TestValidateBracketWithoutEntryPriceSkipsOrdering(t *testing.T) {
	o := marketBuy("o1")
	o.StopLoss = px("200")
	o.TakeProfit = px("50")
	_, err := Validate(o)
	assert.NoError(t, err)
}

func TestValidateBatchEmpty(t *testing.T) {
	_, err := ValidateBatch(Batch{BatchID: "b"})
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func mixedBatch(mode protocol.ExecutionMode) Batch {
	bad := marketBuy("bad")
	bad.Quantity = -5
	return Batch{
		BatchID:       "b1",
		ExecutionMode: mode,
		Orders:        []Order{marketBuy("good"), bad},
	}
}

func TestValidateBatchBestEffort(t *testing.T) {
	r, err := ValidateBatch(mixedBatch(protocol.BestEffort))
	require.NoError(t, err)

	ack := r.Ack(map[string]decimal.Decimal{"good": decimal.NewFromInt(100)})
	assert.Equal(t, "b1", ack.BatchID)
	assert.Equal(t, []string{"good"}, ack.AcceptedOrders)
	assert.Len(t, ack.RejectedOrders, 1)
	assert.Contains(t, ack.RejectedOrders["bad"], "quantity")
	assert.True(t, ack.EstimatedFills["good"].Equal(decimal.NewFromInt(100)))
}

func TestValidateBatchAtomic(t *testing.T) {
	r, err := ValidateBatch(mixedBatch(protocol.Atomic))
	require.NoError(t, err)

	assert.Empty(t, r.Accepted())
	ack := r.Ack(nil)
	assert.Empty(t, ack.AcceptedOrders)
	assert.Equal(t, AtomicRejectReason, ack.RejectedOrders["good"])
	assert.Contains(t, ack.RejectedOrders["bad"], "quantity")
	assert.Empty(t, ack.EstimatedFills)
}

func TestValidateBatchAtomicAllValid(t *testing.T) {
	b := Batch{
		BatchID:       "b2",
		ExecutionMode: protocol.Atomic,
		Orders:        []Order{marketBuy("a"), marketBuy("b")},
	}
	r, err := ValidateBatch(b)
	require.NoError(t, err)
	assert.Len(t, r.Accepted(), 2)
	assert.Empty(t, r.RejectedForAck())
}

func TestValidateBatchDuplicateIDs(t *testing.T) {
	b := Batch{
		BatchID:       "b3",
		ExecutionMode: protocol.BestEffort,
		Orders:        []Order{marketBuy("x"), marketBuy("y"), marketBuy("x")},
	}
	r, err := ValidateBatch(b)
	require.NoError(t, err)
	require.Len(t, r.Valid, 1)
	assert.Equal(t, "y", r.Valid[0].OrderID)
	assert.Equal(t, DuplicateInBatchReason, r.Rejected["x"])

	ack := r.Ack(nil)
	assert.Equal(t, []string{"y"}, ack.AcceptedOrders)
	for _, id := range ack.AcceptedOrders {
		_, rejected := ack.RejectedOrders[id]
		assert.False(t, rejected, "order %s both accepted and rejected", id)
	}
}

func TestBatchFromDataRoundTrip(t *testing.T) {
	strategy := "mean-reversion"
	d := protocol.OrderBatchData{
		BatchID:        "b",
		ExecutionMode:  protocol.Atomic,
		ParentStrategy: &strategy,
		Orders: []protocol.OrderData{{
			OrderID:    "o",
			Symbol:     "MSFT",
			Side:       protocol.Sell,
			Type:       protocol.Limit,
			Quantity:   3,
			Price:      px("410.5"),
			TakeProfit: px("400"),
		}},
	}
	b := BatchFromData(d)
	require.Len(t, b.Orders, 1)
	assert.Equal(t, protocol.Limit, b.Orders[0].EntryType)
	assert.True(t, b.Orders[0].HasBracket())
	assert.Equal(t, d, b.Data())
}
