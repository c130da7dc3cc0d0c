package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StartLayout identifies which historical field set a start_simulation
// payload used.
type StartLayout int8

const (
	// LayoutSessionRef carries only a session_id of an already created session
	LayoutSessionRef StartLayout = iota
	// LayoutWindow: symbols, start, end, initial_cash
	LayoutWindow
	// LayoutDateRange: symbols, start_date, end_date, initial_capital
	LayoutDateRange
)

var startLayoutNames = []string{
	LayoutSessionRef: "session_ref",
	LayoutWindow:     "window",
	LayoutDateRange:  "date_range",
}

func (l StartLayout) String() string {
	return enumString(l, startLayoutNames)
}

var ErrInvalidStart = errors.New("invalid start_simulation payload")

// StartSimulation is the single decoded form of both start_simulation
// layouts. Window fields are zero for LayoutSessionRef.
type StartSimulation struct {
	Layout                 StartLayout
	SessionID              string
	Symbols                []string
	Start                  time.Time
	End                    time.Time
	InitialCash            decimal.Decimal
	Timeframe              string
	FlowControl            bool
	MaxPendingTicks        int
	AccountUpdateFrequency AccountUpdateFrequency
}

// HasWindow reports whether the payload defined a simulation window.
func (s StartSimulation) HasWindow() bool {
	return s.Layout != LayoutSessionRef
}

type startWire struct {
	SessionID              string                  `json:"session_id,omitempty"`
	Symbols                []string                `json:"symbols,omitempty"`
	Start                  *flexTime               `json:"start,omitempty"`
	End                    *flexTime               `json:"end,omitempty"`
	InitialCash            *decimal.Decimal        `json:"initial_cash,omitempty"`
	StartDate              *flexTime               `json:"start_date,omitempty"`
	EndDate                *flexTime               `json:"end_date,omitempty"`
	InitialCapital         *decimal.Decimal        `json:"initial_capital,omitempty"`
	Timeframe              string                  `json:"timeframe,omitempty"`
	FlowControl            *bool                   `json:"flow_control,omitempty"`
	MaxPendingTicks        *int                    `json:"max_pending_ticks,omitempty"`
	AccountUpdateFrequency *AccountUpdateFrequency `json:"account_update_frequency,omitempty"`
}

// DecodeStartSimulation picks the layout by which fields are present.
// Mixing fields of both layouts is rejected.
func DecodeStartSimulation(data json.RawMessage) (StartSimulation, error) {
	var w startWire
	if err := json.Unmarshal(data, &w); err != nil {
		return StartSimulation{}, fmt.Errorf("%w: %v", ErrInvalidStart, err)
	}

	windowSet := w.Start != nil || w.End != nil || w.InitialCash != nil
	rangeSet := w.StartDate != nil || w.EndDate != nil || w.InitialCapital != nil

	s := StartSimulation{
		SessionID:       w.SessionID,
		Symbols:         w.Symbols,
		Timeframe:       w.Timeframe,
		FlowControl:     true,
		MaxPendingTicks: 1,
	}
	if w.FlowControl != nil {
		s.FlowControl = *w.FlowControl
	}
	if w.MaxPendingTicks != nil {
		if *w.MaxPendingTicks < 1 {
			return StartSimulation{}, fmt.Errorf("%w: max_pending_ticks must be at least 1", ErrInvalidStart)
		}
		s.MaxPendingTicks = *w.MaxPendingTicks
	}
	if w.AccountUpdateFrequency != nil {
		s.AccountUpdateFrequency = *w.AccountUpdateFrequency
	}

	switch {
	case windowSet && rangeSet:
		return StartSimulation{}, fmt.Errorf("%w: mixes start/end/initial_cash with start_date/end_date/initial_capital", ErrInvalidStart)
	case windowSet:
		if w.Start == nil || w.End == nil || w.InitialCash == nil {
			return StartSimulation{}, fmt.Errorf("%w: start, end and initial_cash are required together", ErrInvalidStart)
		}
		s.Layout = LayoutWindow
		s.Start, s.End, s.InitialCash = w.Start.Time, w.End.Time, *w.InitialCash
	case rangeSet:
		if w.StartDate == nil || w.EndDate == nil || w.InitialCapital == nil {
			return StartSimulation{}, fmt.Errorf("%w: start_date, end_date and initial_capital are required together", ErrInvalidStart)
		}
		s.Layout = LayoutDateRange
		s.Start, s.End, s.InitialCash = w.StartDate.Time, w.EndDate.Time, *w.InitialCapital
	default:
		if s.SessionID == "" {
			return StartSimulation{}, fmt.Errorf("%w: session_id or a simulation window is required", ErrInvalidStart)
		}
		s.Layout = LayoutSessionRef
		return s, nil
	}

	if len(s.Symbols) == 0 {
		return StartSimulation{}, fmt.Errorf("%w: symbols must not be empty", ErrInvalidStart)
	}
	if !s.End.After(s.Start) {
		return StartSimulation{}, fmt.Errorf("%w: end must be after start", ErrInvalidStart)
	}
	if !s.InitialCash.IsPositive() {
		return StartSimulation{}, fmt.Errorf("%w: initial cash must be positive", ErrInvalidStart)
	}
	return s, nil
}

// MarshalJSON writes the layout's own field names.
func (s StartSimulation) MarshalJSON() ([]byte, error) {
	fc := s.FlowControl
	mp := s.MaxPendingTicks
	if mp == 0 {
		mp = 1
	}
	freq := s.AccountUpdateFrequency
	w := startWire{
		SessionID:              s.SessionID,
		Symbols:                s.Symbols,
		Timeframe:              s.Timeframe,
		FlowControl:            &fc,
		MaxPendingTicks:        &mp,
		AccountUpdateFrequency: &freq,
	}
	cash := s.InitialCash
	switch s.Layout {
	case LayoutWindow:
		w.Start, w.End, w.InitialCash = &flexTime{s.Start}, &flexTime{s.End}, &cash
	case LayoutDateRange:
		w.StartDate, w.EndDate, w.InitialCapital = &flexTime{s.Start}, &flexTime{s.End}, &cash
	}
	return json.Marshal(w)
}

// flexTime accepts RFC 3339 timestamps and bare YYYY-MM-DD dates (UTC).
type flexTime struct {
	time.Time
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("time must be a string: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		f.Time = t
		return nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return fmt.Errorf("invalid time %q", s)
	}
	f.Time = t
	return nil
}

func (f flexTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Time.Format(time.RFC3339Nano))
}
