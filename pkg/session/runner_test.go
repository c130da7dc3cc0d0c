package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/simutrador/pkg/auth"
	"github.com/uhyunpark/simutrador/pkg/protocol"
)

type fakeAdmission struct {
	err      error
	opened   atomic.Int32
	released atomic.Int32
}

func (a *fakeAdmission) OpenSession(context.Context, auth.Identity) (func(), error) {
	if a.err != nil {
		return nil, a.err
	}
	a.opened.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { a.released.Add(1) })
	}, nil
}

type sink chan protocol.Envelope

func (c sink) fn() Sink {
	return func(e protocol.Envelope) { c <- e }
}

// expect skips envelopes until one of msgType arrives.
func (c sink) expect(t *testing.T, msgType string) protocol.Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-c:
			if e.Type == msgType {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", msgType)
		}
	}
}

var alice = auth.Identity{UserID: "alice", Plan: protocol.PlanStarter}

func submit(t *testing.T, r *Runner, msgType string, data any) {
	t.Helper()
	env, err := protocol.EncodeAt(time.Now(), msgType, data, "")
	require.NoError(t, err)
	require.NoError(t, r.Submit(context.Background(), env))
}

func TestManagerRunsLockstepSession(t *testing.T) {
	adm := &fakeAdmission{}
	m := NewManager(ManagerConfig{}, Deps{}, adm)
	defer m.Shutdown()

	out := make(sink, 256)
	r, created, err := m.Create(context.Background(), alice, createData(), out.fn())
	require.NoError(t, err)
	assert.Equal(t, 4, created.EstimatedTicks)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, int32(1), adm.opened.Load())

	submit(t, r, protocol.TypeStartSimulation, map[string]any{"session_id": r.ID()})
	out.expect(t, protocol.TypeSimulationStarted)

	for seq := int64(0); seq < 4; seq++ {
		var tick protocol.TickData
		require.NoError(t, out.expect(t, protocol.TypeTick).DecodeData(&tick))
		require.Equal(t, seq, tick.SequenceID)
		submit(t, r, protocol.TypeTickAck, map[string]any{"sequence_id": seq, "processing_status": "ready"})
	}
	out.expect(t, protocol.TypeSimulationEnd)

	select {
	case <-r.Finished():
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not report finish")
	}
	assert.Equal(t, int32(1), adm.released.Load())

	// still answering after the end
	submit(t, r, protocol.TypeAccountRequest, nil)
	out.expect(t, protocol.TypeAccountSnapshot)

	m.Remove(r.ID())
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, int32(1), adm.released.Load())
	assert.ErrorIs(t, r.Submit(context.Background(), protocol.Envelope{Type: protocol.TypePing}), ErrRunnerStopped)
}

func TestRunnerExecutionsAndInspect(t *testing.T) {
	m := NewManager(ManagerConfig{}, Deps{}, nil)
	defer m.Shutdown()

	out := make(sink, 256)
	r, _, err := m.Create(context.Background(), alice, createData(), out.fn())
	require.NoError(t, err)

	submit(t, r, protocol.TypeStartSimulation, map[string]any{"session_id": r.ID()})
	out.expect(t, protocol.TypeTick)
	submit(t, r, protocol.TypeOrderBatch, map[string]any{
		"batch_id": "b1",
		"orders": []map[string]any{
			{"order_id": "o1", "symbol": "AAPL", "side": "buy", "type": "MKT", "quantity": 5},
			{"order_id": "o2", "symbol": "AAPL", "side": "buy", "type": "LMT", "quantity": 5, "price": "90"},
		},
	})
	out.expect(t, protocol.TypeBatchAck)

	require.NoError(t, r.Execute(context.Background(), protocol.ExecutionReportData{
		OrderID: "o1", Symbol: "AAPL", Side: protocol.Buy, Quantity: 5, Price: decimal.NewFromInt(100),
	}))
	out.expect(t, protocol.TypeExecutionReport)

	require.NoError(t, r.Cancel(context.Background(), "o2"))
	assert.Error(t, r.Cancel(context.Background(), "nope"))

	var cash decimal.Decimal
	var open []string
	require.NoError(t, r.Inspect(context.Background(), func(s *Session) {
		cash = s.Ledger().Snapshot().Cash
		open = s.Ledger().OpenOrderIDs()
	}))
	assert.True(t, decimal.NewFromInt(9500).Equal(cash), cash.String())
	assert.Empty(t, open)
}

func TestManagerRemoveEndsLiveSession(t *testing.T) {
	m := NewManager(ManagerConfig{}, Deps{}, nil)
	defer m.Shutdown()

	out := make(sink, 256)
	r, _, err := m.Create(context.Background(), alice, createData(), out.fn())
	require.NoError(t, err)
	submit(t, r, protocol.TypeStartSimulation, map[string]any{"session_id": r.ID()})
	out.expect(t, protocol.TypeTick)

	m.Remove(r.ID())
	out.expect(t, protocol.TypeSimulationEnd)
	<-r.Finished()
}

func TestManagerLimits(t *testing.T) {
	m := NewManager(ManagerConfig{MaxSessions: 1}, Deps{}, nil)
	defer m.Shutdown()
	out := make(sink, 256)

	data := createData()
	data.SessionID = "mine"
	r, _, err := m.Create(context.Background(), alice, data, out.fn())
	require.NoError(t, err)
	assert.Equal(t, "mine", r.ID())

	_, _, err = m.Create(context.Background(), alice, data, out.fn())
	assert.ErrorIs(t, err, ErrDuplicateSession)

	_, _, err = m.Create(context.Background(), alice, createData(), out.fn())
	assert.ErrorIs(t, err, ErrServiceBusy)

	got, err := m.Get("mine", "alice")
	require.NoError(t, err)
	assert.Same(t, r, got)
	_, err = m.Get("mine", "bob")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	bad := createData()
	bad.InitialCash = decimal.Zero
	_, _, err = m.Create(context.Background(), alice, bad, out.fn())
	assert.ErrorIs(t, err, ErrInvalidCreate)
}

func TestManagerAdmissionRefusal(t *testing.T) {
	adm := &fakeAdmission{err: auth.ErrLimitExceeded}
	m := NewManager(ManagerConfig{}, Deps{}, adm)
	defer m.Shutdown()

	_, _, err := m.Create(context.Background(), alice, createData(), make(sink, 1).fn())
	assert.ErrorIs(t, err, ErrServiceBusy)
	assert.Equal(t, 0, m.Len())
}
