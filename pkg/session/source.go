package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uhyunpark/simutrador/pkg/ledger"
	"github.com/uhyunpark/simutrador/pkg/protocol"
)

var ErrExhausted = errors.New("tick source exhausted")

// Tick is one step of simulated time. The session assigns the sequence id.
type Tick struct {
	Data protocol.TickData
	// NewDay is set on the first tick of a trading day after the first day
	NewDay bool
}

// TickSource yields the ticks of one simulation window in order. The
// final tick has Data.IsEOD set; after it Next returns ErrExhausted.
type TickSource interface {
	Next(ctx context.Context) (Tick, error)
}

// CandleFeed supplies the bar for each symbol at a simulated instant.
// Symbols without data are left out of the map.
type CandleFeed interface {
	Candles(ctx context.Context, at time.Time, symbols []string) (map[string]protocol.Candle, error)
}

type FeedFunc func(ctx context.Context, at time.Time, symbols []string) (map[string]protocol.Candle, error)

func (f FeedFunc) Candles(ctx context.Context, at time.Time, symbols []string) (map[string]protocol.Candle, error) {
	return f(ctx, at, symbols)
}

// ExitHandler receives the bracket exits triggered by price updates. The
// execution engine is expected to answer with execution reports.
type ExitHandler interface {
	Exit(ctx context.Context, sessionID string, exit ledger.ExitInstruction)
}

type ExitFunc func(ctx context.Context, sessionID string, exit ledger.ExitInstruction)

func (f ExitFunc) Exit(ctx context.Context, sessionID string, exit ledger.ExitInstruction) {
	f(ctx, sessionID, exit)
}

type CalendarConfig struct {
	Start     time.Time
	End       time.Time
	Step      time.Duration
	Timeframe string
	Symbols   []string
	Asset     protocol.AssetType
}

// SourceFactory builds the tick source for a started simulation.
type SourceFactory func(cfg CalendarConfig) (TickSource, error)

// CalendarSource walks [Start, End] in Step increments and emits a tick
// for every instant the asset's venue is open. 24/7 assets are never
// skipped; daily and coarser steps only skip weekends.
type CalendarSource struct {
	cfg   CalendarConfig
	hours *protocol.TradingHours
	loc   *time.Location

	cur     time.Time
	session protocol.MarketSession
	ok      bool
	prevDay string
}

func NewCalendarSource(cfg CalendarConfig) (*CalendarSource, error) {
	if cfg.Step <= 0 {
		return nil, fmt.Errorf("calendar source: step must be positive")
	}
	if cfg.End.Before(cfg.Start) {
		return nil, fmt.Errorf("calendar source: end %s before start %s", cfg.End, cfg.Start)
	}
	if cfg.Asset == 0 {
		cfg.Asset = protocol.USEquity
	}
	ac, err := protocol.AssetConfig(cfg.Asset)
	if err != nil {
		return nil, err
	}

	c := &CalendarSource{cfg: cfg, loc: time.UTC}
	if !ac.TwentyFourSeven && ac.Hours != nil {
		c.hours = ac.Hours
		if c.loc, err = ac.Hours.Load(); err != nil {
			return nil, err
		}
	}
	c.cur, c.session, c.ok = c.seek(cfg.Start)
	return c, nil
}

// NewCalendarFactory adapts NewCalendarSource to a SourceFactory.
func NewCalendarFactory() SourceFactory {
	return func(cfg CalendarConfig) (TickSource, error) {
		return NewCalendarSource(cfg)
	}
}

func (c *CalendarSource) classify(t time.Time) (protocol.MarketSession, bool) {
	if c.hours == nil {
		return protocol.RegularHours, true
	}
	if c.cfg.Step >= 24*time.Hour {
		wd := t.In(c.loc).Weekday()
		return protocol.RegularHours, wd != time.Saturday && wd != time.Sunday
	}
	return c.hours.ClassifyIn(c.loc, t)
}

func (c *CalendarSource) seek(from time.Time) (time.Time, protocol.MarketSession, bool) {
	for t := from; !t.After(c.cfg.End); t = t.Add(c.cfg.Step) {
		if s, open := c.classify(t); open {
			return t, s, true
		}
	}
	return time.Time{}, 0, false
}

func (c *CalendarSource) Next(ctx context.Context) (Tick, error) {
	if err := ctx.Err(); err != nil {
		return Tick{}, err
	}
	if !c.ok {
		return Tick{}, ErrExhausted
	}

	at, session := c.cur, c.session
	c.cur, c.session, c.ok = c.seek(at.Add(c.cfg.Step))

	day := at.In(c.loc).Format(time.DateOnly)
	newDay := c.prevDay != "" && day != c.prevDay
	c.prevDay = day

	return Tick{
		Data: protocol.TickData{
			SimTime:        at.UTC(),
			Timeframe:      c.cfg.Timeframe,
			MarketSession:  session,
			SymbolsTrading: append([]string(nil), c.cfg.Symbols...),
			IsEOD:          !c.ok,
		},
		NewDay: newDay,
	}, nil
}

// Estimate counts the ticks Next will still produce.
func (c *CalendarSource) Estimate() int {
	n := 0
	for t, ok := c.cur, c.ok; ok; {
		n++
		t, _, ok = c.seek(t.Add(c.cfg.Step))
	}
	return n
}
