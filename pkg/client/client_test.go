package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/uhyunpark/simutrador/pkg/api"
	"github.com/uhyunpark/simutrador/pkg/auth"
	"github.com/uhyunpark/simutrador/pkg/protocol"
	"github.com/uhyunpark/simutrador/pkg/session"
)

var open = time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	keys, err := auth.NewKeyRegistry([]string{"sk-test:tess:professional"}, bcrypt.MinCost)
	require.NoError(t, err)
	svc := auth.NewService(auth.ServiceConfig{
		Keys:   keys,
		Tokens: auth.NewMemoryTokenStore(time.Now),
		Usage:  auth.NewMemoryUsage(time.Now),
	})
	sessions := session.NewManager(session.ManagerConfig{}, session.Deps{}, svc)
	srv := api.NewServer(api.Config{Version: "test"}, api.Deps{Auth: svc, Sessions: sessions})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
		sessions.Shutdown()
	})
	return ts
}

func timeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRESTHelpers(t *testing.T) {
	ts := newServer(t)
	ctx := timeout(t)

	bad := New(ts.URL, "sk-nope")
	_, err := bad.FetchToken(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, protocol.CodeAuthFailed, apiErr.Code)

	_, err = bad.Limits(ctx)
	assert.ErrorIs(t, err, ErrNoToken)

	c := New(ts.URL+"/", "sk-test", WithLogger(zaptest.NewLogger(t)))
	tok, err := c.FetchToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tess", tok.UserID)
	assert.Equal(t, protocol.PlanProfessional, tok.Plan)
	assert.Equal(t, tok.AccessToken, c.Token())

	limits, err := c.Limits(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.PlanProfessional, limits.Plan)

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.HealthOK, h.Status)

	h, err = c.CheckHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", h.ServerVersion)
}

func TestWSURL(t *testing.T) {
	c := New("https://sim.example.com/api/", "k")
	u, err := c.wsURL("/ws", nil)
	require.NoError(t, err)
	assert.Equal(t, "wss://sim.example.com/api/ws", u)

	c = New("http://localhost:8003", "k")
	u, err = c.wsURL("/ws/health", nil)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8003/ws/health", u)
}

func TestConnectRequiresToken(t *testing.T) {
	ts := newServer(t)
	c := New(ts.URL, "sk-test")
	_, err := c.Connect(timeout(t))
	assert.ErrorIs(t, err, ErrNoToken)

	c = New(ts.URL, "sk-test", WithToken("forged"))
	_, err = c.Connect(timeout(t))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestSimulationRoundTrip(t *testing.T) {
	ts := newServer(t)
	ctx := timeout(t)

	c := New(ts.URL, "sk-test", WithLogger(zaptest.NewLogger(t)))
	_, err := c.FetchToken(ctx)
	require.NoError(t, err)
	conn, err := c.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "tess", conn.Ready.UserID)
	assert.Contains(t, conn.Ready.SupportedFeatures, "flow_control")

	reqID, err := conn.Ping()
	require.NoError(t, err)
	pong, err := conn.Expect(ctx, protocol.TypePong)
	require.NoError(t, err)
	assert.Equal(t, reqID, pong.ID())

	_, err = conn.Start(protocol.StartSimulation{Layout: protocol.LayoutSessionRef, SessionID: "missing", FlowControl: true})
	require.NoError(t, err)
	_, err = conn.Expect(ctx, protocol.TypeSimulationStarted)
	var report *protocol.ErrorReport
	require.True(t, errors.As(err, &report), "got %v", err)
	assert.Equal(t, protocol.CodeSessionNotFound, report.ErrorCode)

	_, err = conn.CreateSession(protocol.CreateSessionData{
		Symbols:     []string{"AAPL"},
		Start:       open,
		End:         open.Add(3 * time.Minute),
		InitialCash: decimal.NewFromInt(10000),
	})
	require.NoError(t, err)
	env, err := conn.Expect(ctx, protocol.TypeSessionCreated)
	require.NoError(t, err)
	var created protocol.SessionCreatedData
	require.NoError(t, env.DecodeData(&created))
	assert.Equal(t, 4, created.EstimatedTicks)

	_, err = conn.Start(protocol.StartSimulation{
		Layout:          protocol.LayoutSessionRef,
		SessionID:       created.SessionID,
		FlowControl:     true,
		MaxPendingTicks: 1,
	})
	require.NoError(t, err)
	_, err = conn.Expect(ctx, protocol.TypeSimulationStarted)
	require.NoError(t, err)

	var last protocol.TickData
	for !last.IsEOD {
		env, err = conn.Expect(ctx, protocol.TypeTick)
		require.NoError(t, err)
		require.NoError(t, env.DecodeData(&last))
		_, err = conn.Ack(last.SequenceID, protocol.StatusReady, 0)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), last.SequenceID)

	env, err = conn.Expect(ctx, protocol.TypeSimulationEnd)
	require.NoError(t, err)
	var end protocol.SimulationEndData
	require.NoError(t, env.DecodeData(&end))
	assert.Equal(t, created.SessionID, end.SessionID)
	assert.True(t, decimal.NewFromInt(10000).Equal(end.FinalEquity))

	reqID, err = conn.RequestAccount()
	require.NoError(t, err)
	env, err = conn.Expect(ctx, protocol.TypeAccountSnapshot)
	require.NoError(t, err)
	assert.Equal(t, reqID, env.ID())
}
