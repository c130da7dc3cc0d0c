package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/simutrador/pkg/protocol"
)

func drain(t *testing.T, src *CalendarSource) []Tick {
	t.Helper()
	var ticks []Tick
	for {
		tick, err := src.Next(context.Background())
		if err == ErrExhausted {
			return ticks
		}
		require.NoError(t, err)
		ticks = append(ticks, tick)
	}
}

func TestCalendarSourceUSEquityHours(t *testing.T) {
	// Fri 14:00 New York through Mon 10:00 New York, hourly
	src, err := NewCalendarSource(CalendarConfig{
		Start:     time.Date(2024, 1, 5, 19, 0, 0, 0, time.UTC),
		End:       time.Date(2024, 1, 8, 15, 0, 0, 0, time.UTC),
		Step:      time.Hour,
		Timeframe: "1h",
		Symbols:   []string{"AAPL"},
		Asset:     protocol.USEquity,
	})
	require.NoError(t, err)
	assert.Equal(t, 13, src.Estimate())

	ticks := drain(t, src)
	require.Len(t, ticks, 13)

	assert.Equal(t, protocol.RegularHours, ticks[0].Data.MarketSession)
	assert.False(t, ticks[0].NewDay)
	assert.Equal(t, protocol.AfterHours, ticks[2].Data.MarketSession)
	assert.Equal(t, protocol.AfterHours, ticks[5].Data.MarketSession)

	monday := ticks[6]
	assert.True(t, monday.NewDay)
	assert.Equal(t, protocol.PreMarket, monday.Data.MarketSession)
	assert.Equal(t, time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC), monday.Data.SimTime)

	last := ticks[12]
	assert.True(t, last.Data.IsEOD)
	assert.Equal(t, protocol.RegularHours, last.Data.MarketSession)
	for _, tick := range ticks[:12] {
		assert.False(t, tick.Data.IsEOD)
	}
	assert.Equal(t, []string{"AAPL"}, last.Data.SymbolsTrading)
	assert.Equal(t, "1h", last.Data.Timeframe)
}

func TestCalendarSourceTwentyFourSeven(t *testing.T) {
	// Saturday: crypto never closes
	src, err := NewCalendarSource(CalendarConfig{
		Start: time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 6, 2, 0, 0, 0, time.UTC),
		Step:  time.Hour,
		Asset: protocol.Crypto,
	})
	require.NoError(t, err)
	ticks := drain(t, src)
	require.Len(t, ticks, 3)
	assert.True(t, ticks[2].Data.IsEOD)
}

func TestCalendarSourceDailySkipsWeekends(t *testing.T) {
	src, err := NewCalendarSource(CalendarConfig{
		Start: time.Date(2024, 1, 5, 14, 30, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 9, 14, 30, 0, 0, time.UTC),
		Step:  24 * time.Hour,
		Asset: protocol.USEquity,
	})
	require.NoError(t, err)
	ticks := drain(t, src)
	require.Len(t, ticks, 3)
	assert.Equal(t, time.Monday, ticks[1].Data.SimTime.Weekday())
	assert.True(t, ticks[1].NewDay)
}

func TestCalendarSourceRejectsBadConfig(t *testing.T) {
	start := time.Date(2024, 1, 5, 14, 30, 0, 0, time.UTC)
	_, err := NewCalendarSource(CalendarConfig{Start: start, End: start.Add(time.Hour)})
	assert.Error(t, err)
	_, err = NewCalendarSource(CalendarConfig{Start: start, End: start.Add(-time.Hour), Step: time.Minute})
	assert.Error(t, err)
}

func TestCalendarSourceHonoursContext(t *testing.T) {
	src, err := NewCalendarSource(CalendarConfig{
		Start: time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 6, 2, 0, 0, 0, time.UTC),
		Step:  time.Hour,
		Asset: protocol.Crypto,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
