package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/simutrador/pkg/protocol"
)

// ApplyPriceUpdate records the latest price for symbol, revalues its
// position and evaluates its brackets. Triggers are inclusive: a long
// exits at price ≤ stop_loss or price ≥ take_profit, a short mirrors
// that. Each triggered bracket is marked exit_pending and reported once,
// in bracket order; executing the exit is left to the caller.
func (s *State) ApplyPriceUpdate(symbol string, price decimal.Decimal) ([]ExitInstruction, error) {
	if !price.IsPositive() {
		return nil, fmt.Errorf("price update %s: %w: got %s", symbol, ErrInvalidPrice, price)
	}

	s.setLastPrice(symbol, price)
	if i, ok := s.positionIndex(symbol); ok {
		revalue(&s.Positions[i], price)
	}

	var exits []ExitInstruction
	for i := range s.Brackets {
		b := &s.Brackets[i]
		if b.Symbol != symbol || b.ExitPending {
			continue
		}
		reason, hit := bracketTrigger(*b, price)
		if !hit {
			continue
		}
		b.ExitPending = true
		exits = append(exits, ExitInstruction{
			Symbol:       symbol,
			Side:         b.Side.Opposite(),
			Quantity:     b.Quantity,
			Reason:       reason,
			TriggerPrice: price,
		})
	}

	s.trackDrawdown()
	return exits, nil
}

// bracketTrigger checks stop-loss before take-profit.
func bracketTrigger(b PositionBracketState, price decimal.Decimal) (protocol.TradeResult, bool) {
	if b.Side == protocol.Buy {
		if b.StopLoss != nil && price.LessThanOrEqual(*b.StopLoss) {
			return protocol.StopLoss, true
		}
		if b.TakeProfit != nil && price.GreaterThanOrEqual(*b.TakeProfit) {
			return protocol.TakeProfit, true
		}
		return 0, false
	}
	if b.StopLoss != nil && price.GreaterThanOrEqual(*b.StopLoss) {
		return protocol.StopLoss, true
	}
	if b.TakeProfit != nil && price.LessThanOrEqual(*b.TakeProfit) {
		return protocol.TakeProfit, true
	}
	return 0, false
}

func (s *State) setLastPrice(symbol string, price decimal.Decimal) {
	for i := range s.LastPrices {
		if s.LastPrices[i].Symbol == symbol {
			s.LastPrices[i].LastPrice = price
			return
		}
	}
	s.LastPrices = append(s.LastPrices, SymbolPriceState{Symbol: symbol, LastPrice: price})
}
