package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/simutrador/pkg/protocol"
)

// ApplyFill books one execution against its order. Cash moves by
// quantity × price plus or minus commission; the symbol's position is
// merged (VWAP on increase, realized PnL on reduction, reset on flip,
// removed at zero). Applying the same report twice books it twice.
func (s *State) ApplyFill(r protocol.ExecutionReportData) error {
	next := s.Clone()
	if err := next.applyFill(r); err != nil {
		return err
	}
	*s = *next
	return nil
}

func (s *State) applyFill(r protocol.ExecutionReportData) error {
	inconsistent := func(format string, args ...any) error {
		return &InconsistentExecutionError{
			ExecutionID: r.ExecutionID,
			OrderID:     r.OrderID,
			Reason:      fmt.Sprintf(format, args...),
		}
	}

	switch {
	case r.Quantity <= 0:
		return inconsistent("executed quantity %d is not positive", r.Quantity)
	case !r.Price.IsPositive():
		return inconsistent("executed price %s is not positive", r.Price)
	case r.Commission.IsNegative():
		return inconsistent("negative commission %s", r.Commission)
	}

	oi, ok := s.orderIndex(r.OrderID)
	if !ok {
		return inconsistent("order is not known to the session")
	}
	o := &s.OpenOrders[oi]
	switch {
	case o.Status.Terminal():
		return inconsistent("order is %s", o.Status)
	case o.Symbol != r.Symbol:
		return inconsistent("symbol %s does not match order symbol %s", r.Symbol, o.Symbol)
	case o.Side != r.Side:
		return inconsistent("side %s does not match order side %s", r.Side, o.Side)
	case r.Quantity > o.Remaining():
		return inconsistent("executed quantity %d exceeds remaining %d", r.Quantity, o.Remaining())
	}

	qty := decimal.NewFromInt(r.Quantity)
	notional := qty.Mul(r.Price)
	if r.Side == protocol.Buy {
		s.Cash = s.Cash.Sub(notional).Sub(r.Commission)
	} else {
		s.Cash = s.Cash.Add(notional).Sub(r.Commission)
	}
	if !s.cfg.AllowNegativeCash && s.Cash.IsNegative() {
		return fmt.Errorf("execution %s for order %s: %w: cash would be %s", r.ExecutionID, r.OrderID, ErrInsufficientCash, s.Cash)
	}

	s.mergePosition(r.Symbol, r.Side.Sign()*r.Quantity, r.Price)
	s.TradeCount++

	o.FilledQuantity += r.Quantity
	if o.FilledQuantity == o.Quantity {
		o.Status = protocol.OrderFilled
	}

	s.syncBrackets(r.Symbol, *o)
	s.trackDrawdown()
	return nil
}

// mergePosition applies a signed quantity change at price.
func (s *State) mergePosition(symbol string, delta int64, price decimal.Decimal) {
	i, ok := s.positionIndex(symbol)
	if !ok {
		p := protocol.PositionData{Symbol: symbol, Quantity: delta, AvgCost: price}
		revalue(&p, s.markPrice(symbol, price))
		s.Positions = append(s.Positions, p)
		return
	}

	p := s.Positions[i]
	old := p.Quantity
	next := old + delta

	if sameSign(old, delta) {
		// newAvg = (|old| × avg + |delta| × price) / |next|
		oldAbs := decimal.NewFromInt(abs(old))
		addAbs := decimal.NewFromInt(abs(delta))
		p.AvgCost = p.AvgCost.Mul(oldAbs).Add(price.Mul(addAbs)).Div(oldAbs.Add(addAbs))
	} else {
		closed := min(abs(old), abs(delta))
		// realized = closed × (price − avg) × direction of the closed position
		pnl := price.Sub(p.AvgCost).Mul(decimal.NewFromInt(closed))
		if old < 0 {
			pnl = pnl.Neg()
		}
		s.RealizedPnL = s.RealizedPnL.Add(pnl)
		s.ClosedTrades++
		if pnl.IsPositive() {
			s.WinningTrades++
		}
		if next != 0 && !sameSign(old, next) {
			p.AvgCost = price
		}
	}

	if next == 0 {
		s.Positions = append(s.Positions[:i], s.Positions[i+1:]...)
		return
	}
	p.Quantity = next
	revalue(&p, s.markPrice(symbol, price))
	s.Positions[i] = p
}

// syncBrackets keeps brackets in line with the symbol's position after a
// fill of o: brackets are dropped when the position closes or flips,
// capped when it shrinks, and created or extended when a bracketed order
// adds to it.
func (s *State) syncBrackets(symbol string, o OpenOrderState) {
	pos, open := s.Position(symbol)

	kept := s.Brackets[:0]
	for _, b := range s.Brackets {
		if b.Symbol != symbol {
			kept = append(kept, b)
			continue
		}
		if !open || b.Side.Sign()*pos.Quantity <= 0 {
			continue
		}
		b.Quantity = min(b.Quantity, abs(pos.Quantity))
		kept = append(kept, b)
	}
	s.Brackets = kept

	if !open || (o.StopLoss == nil && o.TakeProfit == nil) || o.Side.Sign()*pos.Quantity <= 0 {
		return
	}
	for i := range s.Brackets {
		b := &s.Brackets[i]
		if b.Symbol == symbol && b.Side == o.Side {
			b.Quantity = abs(pos.Quantity)
			b.StopLoss, b.TakeProfit = o.StopLoss, o.TakeProfit
			b.TimeInForce = o.TimeInForce
			b.ExitPending = false
			return
		}
	}
	s.Brackets = append(s.Brackets, PositionBracketState{
		Symbol:      symbol,
		Side:        o.Side,
		Quantity:    abs(pos.Quantity),
		StopLoss:    o.StopLoss,
		TakeProfit:  o.TakeProfit,
		TimeInForce: o.TimeInForce,
	})
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
