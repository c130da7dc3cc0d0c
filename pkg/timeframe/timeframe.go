// Package timeframe maps bar timeframe labels to their duration and the
// resampling rule data tooling uses for them. The table is passed around
// as configuration; there is no package-level registry to mutate.
package timeframe

import (
	"fmt"
	"sort"
	"time"
)

// Spec describes one supported timeframe.
type Spec struct {
	Label    string
	Duration time.Duration
	// Rule is the pandas-style resampling frequency (e.g. "5min", "1h", "1D")
	Rule string
}

// Table is an immutable set of timeframes keyed by label.
type Table struct {
	specs map[string]Spec
}

func NewTable(specs ...Spec) (*Table, error) {
	t := &Table{specs: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		if s.Label == "" {
			return nil, fmt.Errorf("timeframe with empty label")
		}
		if s.Duration <= 0 {
			return nil, fmt.Errorf("timeframe %s: duration must be positive", s.Label)
		}
		if _, dup := t.specs[s.Label]; dup {
			return nil, fmt.Errorf("timeframe %s defined twice", s.Label)
		}
		t.specs[s.Label] = s
	}
	return t, nil
}

// Default returns the timeframes the simulator ships with.
func Default() *Table {
	t, err := NewTable(
		Spec{Label: "1min", Duration: time.Minute, Rule: "1min"},
		Spec{Label: "5min", Duration: 5 * time.Minute, Rule: "5min"},
		Spec{Label: "15min", Duration: 15 * time.Minute, Rule: "15min"},
		Spec{Label: "30min", Duration: 30 * time.Minute, Rule: "30min"},
		Spec{Label: "1h", Duration: time.Hour, Rule: "1h"},
		Spec{Label: "2h", Duration: 2 * time.Hour, Rule: "2h"},
		Spec{Label: "4h", Duration: 4 * time.Hour, Rule: "4h"},
		Spec{Label: "daily", Duration: 24 * time.Hour, Rule: "1D"},
	)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Table) Lookup(label string) (Spec, error) {
	s, ok := t.specs[label]
	if !ok {
		return Spec{}, fmt.Errorf("unsupported timeframe %q", label)
	}
	return s, nil
}

func (t *Table) Minutes(label string) (int, error) {
	s, err := t.Lookup(label)
	if err != nil {
		return 0, err
	}
	return int(s.Duration / time.Minute), nil
}

// Labels returns supported labels ordered by duration.
func (t *Table) Labels() []string {
	out := make([]string, 0, len(t.specs))
	for l := range t.specs {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		return t.specs[out[i]].Duration < t.specs[out[j]].Duration
	})
	return out
}

// Rules returns label -> resampling rule.
func (t *Table) Rules() map[string]string {
	out := make(map[string]string, len(t.specs))
	for l, s := range t.specs {
		out[l] = s.Rule
	}
	return out
}

// CanResample reports whether bars of timeframe from can be aggregated
// into bars of timeframe to: to must be coarser and an exact multiple.
func (t *Table) CanResample(from, to string) (bool, error) {
	src, err := t.Lookup(from)
	if err != nil {
		return false, err
	}
	dst, err := t.Lookup(to)
	if err != nil {
		return false, err
	}
	return dst.Duration >= src.Duration && dst.Duration%src.Duration == 0, nil
}
