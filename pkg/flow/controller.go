// Package flow paces tick emission by client acknowledgement.
//
// A Controller is owned by exactly one goroutine (the session runner);
// it does no locking and never blocks. The runner asks it whether a tick
// may be sent, reports acks and order batches to it, and polls Deadline
// to bound the wait for an ack.
package flow

import (
	"errors"
	"fmt"
	"time"

	"github.com/uhyunpark/simutrador/pkg/protocol"
	"github.com/uhyunpark/simutrador/pkg/util"
)

type State int8

const (
	AwaitingStart State = iota
	Streaming
	AwaitingAck
	Suspended
	Ended
)

var stateNames = []string{
	AwaitingStart: "awaiting_start",
	Streaming:     "streaming",
	AwaitingAck:   "awaiting_ack",
	Suspended:     "suspended",
	Ended:         "ended",
}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("unknown(%d)", s)
	}
	return stateNames[s]
}

var (
	ErrNotStarted       = errors.New("flow: simulation not started")
	ErrAlreadyStarted   = errors.New("flow: simulation already started")
	ErrBackpressure     = errors.New("flow: waiting for tick acknowledgement")
	ErrSuspended        = errors.New("flow: tick emission suspended after protocol violation")
	ErrEnded            = errors.New("flow: simulation ended")
	ErrSequenceMismatch = errors.New("flow: tick ack sequence mismatch")
)

// SequenceError is returned for an ack that does not acknowledge an
// outstanding tick.
type SequenceError struct {
	Got       int64
	LastSent  int64
	LastAcked int64
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("tick_ack sequence_id %d does not match outstanding ticks (%d, %d]", e.Got, e.LastAcked, e.LastSent)
}

func (e *SequenceError) Is(target error) bool {
	return target == ErrSequenceMismatch
}

const DefaultMaxWait = protocol.DefaultMaxWaitMs * time.Millisecond

type Params struct {
	FlowControl     bool
	MaxPendingTicks int
	// MaxWait bounds the wait for the first ack; later waits use the
	// max_wait_ms of the client's most recent ack
	MaxWait time.Duration
}

// AckResult describes what an accepted ack did.
type AckResult struct {
	Sequence int64
	Status   protocol.ProcessingStatus
	Advanced bool
	Resynced bool
	Ignored  bool
	Ended    bool
}

type Controller struct {
	clock  util.Clock
	params Params
	state  State

	lastSent  int64
	lastAcked int64
	eodSeq    int64

	maxWait         time.Duration
	deadline        time.Time
	hasDeadline     bool
	expectedBatches int
}

func NewController(clock util.Clock) *Controller {
	return &Controller{
		clock:     clock,
		state:     AwaitingStart,
		lastSent:  -1,
		lastAcked: -1,
		eodSeq:    -1,
	}
}

func (c *Controller) Start(p Params) error {
	if c.state != AwaitingStart {
		return ErrAlreadyStarted
	}
	if p.MaxPendingTicks < 1 {
		p.MaxPendingTicks = 1
	}
	if p.MaxWait <= 0 {
		p.MaxWait = DefaultMaxWait
	}
	c.params = p
	c.maxWait = p.MaxWait
	c.state = Streaming
	return nil
}

func (c *Controller) State() State {
	return c.state
}
func (c *Controller) Params() Params {
	return c.params
}
func (c *Controller) LastSent() int64 {
	return c.lastSent
}
func (c *Controller) LastAcked() int64 {
	return c.lastAcked
}
func (c *Controller) ExpectedBatches() int {
	return c.expectedBatches
}
func (c *Controller) Outstanding() int64 {
	return c.lastSent - c.lastAcked
}
func (c *Controller) EODSent() bool {
	return c.eodSeq >= 0
}
func (c *Controller) FlowControlOn() bool {
	return c.params.FlowControl
}

// CanSend reports whether Next would succeed.
func (c *Controller) CanSend() bool {
	return c.gate() == nil
}

func (c *Controller) gate() error {
	switch c.state {
	case AwaitingStart:
		return ErrNotStarted
	case Ended:
		return ErrEnded
	case Suspended:
		return ErrSuspended
	}
	if c.eodSeq >= 0 {
		// final tick is out; only its ack (or timeout) remains
		return ErrBackpressure
	}
	if !c.params.FlowControl {
		return nil
	}
	if c.Outstanding() >= int64(c.params.MaxPendingTicks) || c.expectedBatches > 0 {
		return ErrBackpressure
	}
	return nil
}

// Next reserves the sequence id of the next tick. isEOD marks the final
// tick of the session.
func (c *Controller) Next(isEOD bool) (int64, error) {
	if err := c.gate(); err != nil {
		return 0, err
	}

	c.lastSent++
	seq := c.lastSent
	if isEOD {
		c.eodSeq = seq
	}

	if !c.params.FlowControl {
		c.lastAcked = seq
		if isEOD {
			c.end()
		}
		return seq, nil
	}

	c.state = AwaitingAck
	if !c.hasDeadline {
		c.setDeadline(c.clock.Now().Add(c.maxWait))
	}
	return seq, nil
}

// Ack applies a client tick acknowledgement. Acks are cumulative: any
// sequence id in (lastAcked, lastSent] is accepted. Anything else
// suspends emission without changing counters; an ack echoing the last
// sent tick resynchronizes a suspended controller.
func (c *Controller) Ack(a protocol.TickAckData) (AckResult, error) {
	switch c.state {
	case AwaitingStart:
		return AckResult{}, ErrNotStarted
	case Ended:
		return AckResult{}, ErrEnded
	}
	res := AckResult{Sequence: a.SequenceID, Status: a.ProcessingStatus}
	if !c.params.FlowControl {
		res.Ignored = true
		return res, nil
	}

	if c.state == Suspended {
		if a.SequenceID != c.lastSent {
			return AckResult{}, c.mismatch(a.SequenceID)
		}
		res.Resynced = true
		c.state = AwaitingAck
		if c.lastAcked == c.lastSent {
			c.state = Streaming
			return res, nil
		}
	}

	if a.SequenceID <= c.lastAcked || a.SequenceID > c.lastSent {
		return AckResult{}, c.mismatch(a.SequenceID)
	}

	c.maxWait = a.MaxWait()
	if a.OrdersPending > 0 {
		c.expectedBatches = a.OrdersPending
	}

	switch a.ProcessingStatus {
	case protocol.StatusProcessing:
		c.setDeadline(c.clock.Now().Add(c.maxWait))
		return res, nil
	case protocol.StatusNeedTime:
		base := c.clock.Now()
		if c.hasDeadline {
			base = c.deadline
		}
		c.setDeadline(base.Add(c.maxWait))
		return res, nil
	}

	// ready
	c.lastAcked = a.SequenceID
	res.Advanced = true
	if c.eodSeq >= 0 && c.lastAcked >= c.eodSeq {
		c.end()
		res.Ended = true
		return res, nil
	}
	c.settle()
	return res, nil
}

func (c *Controller) mismatch(got int64) error {
	err := &SequenceError{Got: got, LastSent: c.lastSent, LastAcked: c.lastAcked}
	c.state = Suspended
	return err
}

// settle recomputes state and deadline after progress.
func (c *Controller) settle() {
	if c.Outstanding() > 0 {
		c.state = AwaitingAck
		c.setDeadline(c.clock.Now().Add(c.maxWait))
		return
	}
	c.state = Streaming
	if c.expectedBatches > 0 {
		c.setDeadline(c.clock.Now().Add(c.maxWait))
		return
	}
	c.hasDeadline = false
}

// OrderBatchReceived counts one of the batches announced by orders_pending
// and returns how many are still expected.
func (c *Controller) OrderBatchReceived() int {
	if c.expectedBatches > 0 {
		c.expectedBatches--
		if c.expectedBatches == 0 && c.Outstanding() == 0 {
			c.hasDeadline = false
		}
	}
	return c.expectedBatches
}

// Deadline returns when the current wait expires. ok is false when
// nothing is being waited for.
func (c *Controller) Deadline() (time.Time, bool) {
	if !c.params.FlowControl || !c.hasDeadline {
		return time.Time{}, false
	}
	if c.state != AwaitingAck && c.state != Streaming {
		return time.Time{}, false
	}
	return c.deadline, true
}

// Expire applies the timeout path if the deadline has passed: every
// outstanding tick is treated as acknowledged with status ready and
// announced batches are no longer awaited. The caller reports it.
func (c *Controller) Expire(now time.Time) bool {
	d, ok := c.Deadline()
	if !ok || now.Before(d) {
		return false
	}
	c.lastAcked = c.lastSent
	c.expectedBatches = 0
	c.hasDeadline = false
	if c.eodSeq >= 0 && c.lastAcked >= c.eodSeq {
		c.end()
		return true
	}
	c.state = Streaming
	return true
}

// End cancels the stream from any state.
func (c *Controller) End() {
	c.end()
}

func (c *Controller) end() {
	c.state = Ended
	c.hasDeadline = false
	c.expectedBatches = 0
}

func (c *Controller) setDeadline(t time.Time) {
	c.deadline = t
	c.hasDeadline = true
}
