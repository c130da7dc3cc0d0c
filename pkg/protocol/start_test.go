package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStartSimulationLayouts(t *testing.T) {
	t.Run("window", func(t *testing.T) {
		s, err := DecodeStartSimulation(json.RawMessage(`{
			"symbols":["AAPL"],
			"start":"2024-01-02T14:30:00Z",
			"end":"2024-01-03T21:00:00Z",
			"initial_cash":"10000"
		}`))
		require.NoError(t, err)
		assert.Equal(t, LayoutWindow, s.Layout)
		assert.True(t, s.InitialCash.Equal(decimal.NewFromInt(10000)))
		assert.True(t, s.FlowControl)
		assert.Equal(t, 1, s.MaxPendingTicks)
		assert.Equal(t, EveryFill, s.AccountUpdateFrequency)
	})

	t.Run("date range", func(t *testing.T) {
		s, err := DecodeStartSimulation(json.RawMessage(`{
			"symbols":["AAPL","MSFT"],
			"start_date":"2024-01-02",
			"end_date":"2024-01-05",
			"initial_capital":"25000.50",
			"flow_control":false,
			"max_pending_ticks":3,
			"account_update_frequency":"every_tick"
		}`))
		require.NoError(t, err)
		assert.Equal(t, LayoutDateRange, s.Layout)
		assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), s.Start)
		assert.False(t, s.FlowControl)
		assert.Equal(t, 3, s.MaxPendingTicks)
		assert.Equal(t, EveryTick, s.AccountUpdateFrequency)
	})

	t.Run("session reference", func(t *testing.T) {
		s, err := DecodeStartSimulation(json.RawMessage(`{"session_id":"s-1"}`))
		require.NoError(t, err)
		assert.Equal(t, LayoutSessionRef, s.Layout)
		assert.False(t, s.HasWindow())
	})
}

func TestDecodeStartSimulationRejects(t *testing.T) {
	cases := map[string]string{
		"empty":            `{}`,
		"mixed layouts":    `{"symbols":["A"],"start":"2024-01-02T00:00:00Z","end_date":"2024-01-03","initial_cash":"1"}`,
		"partial window":   `{"symbols":["A"],"start":"2024-01-02T00:00:00Z","initial_cash":"1"}`,
		"no symbols":       `{"start":"2024-01-02T00:00:00Z","end":"2024-01-03T00:00:00Z","initial_cash":"1"}`,
		"end before start": `{"symbols":["A"],"start":"2024-01-03T00:00:00Z","end":"2024-01-02T00:00:00Z","initial_cash":"1"}`,
		"zero cash":        `{"symbols":["A"],"start":"2024-01-02T00:00:00Z","end":"2024-01-03T00:00:00Z","initial_cash":"0"}`,
		"bad date":         `{"symbols":["A"],"start_date":"Jan 2","end_date":"2024-01-03","initial_capital":"1"}`,
		"zero pending":     `{"session_id":"s","max_pending_ticks":0}`,
		"bad frequency":    `{"session_id":"s","account_update_frequency":"hourly"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeStartSimulation(json.RawMessage(payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidStart))
		})
	}
}

func TestStartSimulationMarshalKeepsLayout(t *testing.T) {
	s := StartSimulation{
		Layout:      LayoutDateRange,
		Symbols:     []string{"AAPL"},
		Start:       time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
		InitialCash: decimal.NewFromInt(5000),
		FlowControl: true,
	}
	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"start_date"`)
	assert.NotContains(t, string(b), `"initial_cash"`)

	back, err := DecodeStartSimulation(b)
	require.NoError(t, err)
	assert.Equal(t, LayoutDateRange, back.Layout)
	assert.True(t, back.Start.Equal(s.Start))
	assert.True(t, back.InitialCash.Equal(s.InitialCash))
}
