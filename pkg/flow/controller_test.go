package flow

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/simutrador/pkg/protocol"
	"github.com/uhyunpark/simutrador/pkg/util"
)

var t0 = time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)

func started(t *testing.T, p Params) (*Controller, *util.ManualClock) {
	t.Helper()
	clock := util.NewManualClock(t0)
	c := NewController(clock)
	require.NoError(t, c.Start(p))
	return c, clock
}

func ready(seq int64) protocol.TickAckData {
	return protocol.TickAckData{SequenceID: seq, ProcessingStatus: protocol.StatusReady}
}

func TestNotStarted(t *testing.T) {
	c := NewController(util.NewManualClock(t0))
	_, err := c.Next(false)
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = c.Ack(ready(0))
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, c.Start(Params{FlowControl: true}))
	assert.ErrorIs(t, c.Start(Params{}), ErrAlreadyStarted)
}

func TestLockstepRoundTrip(t *testing.T) {
	c, _ := started(t, Params{FlowControl: true, MaxPendingTicks: 1})

	seq, err := c.Next(false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
	assert.Equal(t, AwaitingAck, c.State())

	_, err = c.Next(false)
	assert.ErrorIs(t, err, ErrBackpressure)
	assert.False(t, c.CanSend())

	res, err := c.Ack(ready(0))
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	assert.Equal(t, Streaming, c.State())

	seq, err = c.Next(false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestOnlyMatchingAckAccepted(t *testing.T) {
	for _, bad := range []int64{-1, 0, 2, 99} {
		c, _ := started(t, Params{FlowControl: true})
		_, err := c.Next(false)
		require.NoError(t, err)
		_, err = c.Ack(ready(0))
		require.NoError(t, err)
		_, err = c.Next(false)
		require.NoError(t, err)

		_, err = c.Ack(ready(bad))
		require.Error(t, err, "seq %d", bad)
		assert.True(t, errors.Is(err, ErrSequenceMismatch))
		var se *SequenceError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, bad, se.Got)

		assert.Equal(t, Suspended, c.State())
		assert.Equal(t, int64(1), c.LastSent())
		assert.Equal(t, int64(0), c.LastAcked())

		_, err = c.Next(false)
		assert.ErrorIs(t, err, ErrSuspended)
	}
}

func TestResyncAfterSuspension(t *testing.T) {
	c, _ := started(t, Params{FlowControl: true})
	_, err := c.Next(false)
	require.NoError(t, err)

	_, err = c.Ack(ready(5))
	require.Error(t, err)
	require.Equal(t, Suspended, c.State())

	_, err = c.Ack(ready(3))
	require.Error(t, err)
	assert.Equal(t, Suspended, c.State())

	res, err := c.Ack(ready(0))
	require.NoError(t, err)
	assert.True(t, res.Resynced)
	assert.True(t, res.Advanced)
	assert.True(t, c.CanSend())
}

func TestBackpressureBoundHolds(t *testing.T) {
	for _, maxPending := range []int{1, 2, 4} {
		c, _ := started(t, Params{FlowControl: true, MaxPendingTicks: maxPending})
		acked := int64(-1)
		for step := 0; step < 50; step++ {
			if _, err := c.Next(false); err != nil {
				require.ErrorIs(t, err, ErrBackpressure)
				acked++
				_, err := c.Ack(ready(acked))
				require.NoError(t, err)
			}
			assert.LessOrEqual(t, c.LastSent()-c.LastAcked(), int64(maxPending))
		}
	}
}

func TestCumulativeAck(t *testing.T) {
	c, _ := started(t, Params{FlowControl: true, MaxPendingTicks: 3})
	for i := 0; i < 3; i++ {
		_, err := c.Next(false)
		require.NoError(t, err)
	}
	_, err := c.Ack(ready(2))
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.Outstanding())
}

func TestProcessingAndNeedTimeHold(t *testing.T) {
	c, clock := started(t, Params{FlowControl: true, MaxWait: time.Second})
	_, err := c.Next(false)
	require.NoError(t, err)

	d, ok := c.Deadline()
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Second), d)

	clock.Advance(500 * time.Millisecond)
	res, err := c.Ack(protocol.TickAckData{SequenceID: 0, ProcessingStatus: protocol.StatusProcessing, MaxWaitMs: 2000})
	require.NoError(t, err)
	assert.False(t, res.Advanced)
	d, _ = c.Deadline()
	assert.Equal(t, t0.Add(2500*time.Millisecond), d)

	_, err = c.Ack(protocol.TickAckData{SequenceID: 0, ProcessingStatus: protocol.StatusNeedTime, MaxWaitMs: 1000})
	require.NoError(t, err)
	d, _ = c.Deadline()
	assert.Equal(t, t0.Add(3500*time.Millisecond), d)
	assert.Equal(t, AwaitingAck, c.State())

	_, err = c.Ack(ready(0))
	require.NoError(t, err)
	_, ok = c.Deadline()
	assert.False(t, ok)
}

func TestTimeoutIsImplicitReady(t *testing.T) {
	c, clock := started(t, Params{FlowControl: true, MaxWait: time.Second})
	_, err := c.Next(false)
	require.NoError(t, err)

	assert.False(t, c.Expire(clock.Now()))
	clock.Advance(time.Second)
	assert.True(t, c.Expire(clock.Now()))
	assert.Equal(t, int64(0), c.LastAcked())
	assert.True(t, c.CanSend())
}

func TestOrdersPendingGatesNextTick(t *testing.T) {
	c, clock := started(t, Params{FlowControl: true})
	_, err := c.Next(false)
	require.NoError(t, err)

	_, err = c.Ack(protocol.TickAckData{SequenceID: 0, ProcessingStatus: protocol.StatusReady, OrdersPending: 2})
	require.NoError(t, err)
	assert.False(t, c.CanSend())
	_, ok := c.Deadline()
	assert.True(t, ok)

	assert.Equal(t, 1, c.OrderBatchReceived())
	assert.False(t, c.CanSend())
	assert.Equal(t, 0, c.OrderBatchReceived())
	assert.True(t, c.CanSend())

	_, err = c.Next(false)
	require.NoError(t, err)
	_, err = c.Ack(protocol.TickAckData{SequenceID: 1, ProcessingStatus: protocol.StatusReady, OrdersPending: 1})
	require.NoError(t, err)
	clock.Advance(DefaultMaxWait)
	assert.True(t, c.Expire(clock.Now()))
	assert.Equal(t, 0, c.ExpectedBatches())
	assert.True(t, c.CanSend())
}

func TestEODEndsAfterAck(t *testing.T) {
	c, _ := started(t, Params{FlowControl: true})
	_, err := c.Next(true)
	require.NoError(t, err)

	_, err = c.Next(false)
	assert.ErrorIs(t, err, ErrBackpressure)

	res, err := c.Ack(ready(0))
	require.NoError(t, err)
	assert.True(t, res.Ended)
	assert.Equal(t, Ended, c.State())

	_, err = c.Next(false)
	assert.ErrorIs(t, err, ErrEnded)
	_, err = c.Ack(ready(0))
	assert.ErrorIs(t, err, ErrEnded)
}

func TestEODExpiryEnds(t *testing.T) {
	c, clock := started(t, Params{FlowControl: true, MaxWait: time.Second})
	_, err := c.Next(true)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)
	assert.True(t, c.Expire(clock.Now()))
	assert.Equal(t, Ended, c.State())
}

func TestWithoutFlowControl(t *testing.T) {
	c, _ := started(t, Params{FlowControl: false})
	for i := int64(0); i < 5; i++ {
		seq, err := c.Next(false)
		require.NoError(t, err)
		assert.Equal(t, i, seq)
	}
	res, err := c.Ack(ready(42))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	_, ok := c.Deadline()
	assert.False(t, ok)

	_, err = c.Next(true)
	require.NoError(t, err)
	assert.Equal(t, Ended, c.State())
}

func TestEndFromAnyState(t *testing.T) {
	c, _ := started(t, Params{FlowControl: true})
	_, err := c.Next(false)
	require.NoError(t, err)
	c.End()
	assert.Equal(t, Ended, c.State())
	_, ok := c.Deadline()
	assert.False(t, ok)
	_, err = c.Next(false)
	assert.ErrorIs(t, err, ErrEnded)
}
