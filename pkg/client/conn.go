package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/simutrador/pkg/protocol"
)

const writeWait = 10 * time.Second

// ClosedError is returned by Recv once the server has closed the
// connection. Closing holds the connection_closing payload if one came
// first.
type ClosedError struct {
	Code    int
	Text    string
	Closing *protocol.ConnectionClosingData
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("connection closed (%d): %s", e.Code, e.Text)
}

// Conn is one authenticated WebSocket. Send is safe for concurrent use;
// Recv must be called from a single goroutine.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger
	Ready  protocol.ConnectionReadyData

	wmu     sync.Mutex
	closing *protocol.ConnectionClosingData
}

// Connect dials /ws with the client's token and waits for
// connection_ready.
func (c *Client) Connect(ctx context.Context) (*Conn, error) {
	if c.token == "" {
		return nil, ErrNoToken
	}
	u, err := c.wsURL("/ws", url.Values{"token": {c.token}})
	if err != nil {
		return nil, err
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, &APIError{Status: resp.StatusCode, Msg: err.Error()}
		}
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}

	conn := &Conn{ws: ws, logger: c.logger}
	env, err := conn.Recv(ctx)
	if err != nil {
		ws.Close()
		return nil, err
	}
	if env.Type != protocol.TypeConnectionReady {
		ws.Close()
		return nil, fmt.Errorf("expected %s, got %s", protocol.TypeConnectionReady, env.Type)
	}
	if err := env.DecodeData(&conn.Ready); err != nil {
		ws.Close()
		return nil, err
	}
	c.logger.Info("ws_connected",
		zap.String("user_id", conn.Ready.UserID),
		zap.Stringer("plan", conn.Ready.Plan),
		zap.Time("expires_at", conn.Ready.ConnectionExpiresAt),
	)
	return conn, nil
}

// CheckHealth reads the single envelope of /ws/health.
func (c *Client) CheckHealth(ctx context.Context) (protocol.HealthStatus, error) {
	u, err := c.wsURL("/ws/health", nil)
	if err != nil {
		return protocol.HealthStatus{}, err
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return protocol.HealthStatus{}, fmt.Errorf("dial %s: %w", u, err)
	}
	conn := &Conn{ws: ws, logger: c.logger}
	defer conn.Close()

	env, err := conn.Recv(ctx)
	if err != nil {
		return protocol.HealthStatus{}, err
	}
	if env.Type != protocol.TypeHealth {
		return protocol.HealthStatus{}, fmt.Errorf("expected %s, got %s", protocol.TypeHealth, env.Type)
	}
	var h protocol.HealthStatus
	if err := env.DecodeData(&h); err != nil {
		return protocol.HealthStatus{}, err
	}
	return h, nil
}

// Send writes one envelope and returns its request id.
func (c *Conn) Send(msgType string, data any) (string, error) {
	reqID := uuid.NewString()
	env, err := protocol.Encode(msgType, data, reqID)
	if err != nil {
		return "", err
	}
	b, err := env.Bytes()
	if err != nil {
		return "", err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return "", fmt.Errorf("send %s: %w", msgType, err)
	}
	return reqID, nil
}

// Recv blocks for the next envelope. ctx bounds the wait through the read
// deadline; a connection that hit its deadline is no longer usable.
func (c *Conn) Recv(ctx context.Context) (protocol.Envelope, error) {
	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = c.ws.SetReadDeadline(deadline)

	_, b, err := c.ws.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return protocol.Envelope{}, &ClosedError{Code: ce.Code, Text: ce.Text, Closing: c.closing}
		}
		return protocol.Envelope{}, err
	}
	env, err := protocol.Decode(b)
	if err != nil {
		return protocol.Envelope{}, err
	}

	switch env.Type {
	case protocol.TypeConnectionClosing:
		var data protocol.ConnectionClosingData
		if err := env.DecodeData(&data); err == nil {
			c.closing = &data
			c.logger.Info("ws_closing", zap.Stringer("reason", data.Reason), zap.Int("close_code", data.CloseCode))
		}
	case protocol.TypeConnectionWarning:
		var data protocol.ConnectionWarningData
		if err := env.DecodeData(&data); err == nil {
			c.logger.Warn("ws_warning", zap.Stringer("warning_type", data.WarningType), zap.String("message", data.Message))
		}
	}
	return env, nil
}

// Expect receives until an envelope of msgType arrives. An error
// envelope in between is returned as a *protocol.ErrorReport.
func (c *Conn) Expect(ctx context.Context, msgType string) (protocol.Envelope, error) {
	for {
		env, err := c.Recv(ctx)
		if err != nil {
			return protocol.Envelope{}, err
		}
		if env.Type == msgType {
			return env, nil
		}
		if env.Type == protocol.TypeError && msgType != protocol.TypeError {
			var e protocol.ErrorReport
			if err := env.DecodeData(&e); err != nil {
				return protocol.Envelope{}, err
			}
			return env, &e
		}
	}
}

func (c *Conn) CreateSession(data protocol.CreateSessionData) (string, error) {
	return c.Send(protocol.TypeCreateSession, data)
}

func (c *Conn) Start(start protocol.StartSimulation) (string, error) {
	return c.Send(protocol.TypeStartSimulation, start)
}

// Ack acknowledges every tick up to seq.
func (c *Conn) Ack(seq int64, status protocol.ProcessingStatus, ordersPending int) (string, error) {
	return c.Send(protocol.TypeTickAck, protocol.TickAckData{
		SequenceID:       seq,
		ProcessingStatus: status,
		OrdersPending:    ordersPending,
	})
}

func (c *Conn) SubmitBatch(batch protocol.OrderBatchData) (string, error) {
	return c.Send(protocol.TypeOrderBatch, batch)
}

func (c *Conn) RequestAccount() (string, error) {
	return c.Send(protocol.TypeAccountRequest, protocol.AccountRequestData{})
}

func (c *Conn) Stop(reason string) (string, error) {
	return c.Send(protocol.TypeStopSimulation, protocol.StopSimulationData{Reason: reason})
}

func (c *Conn) Ping() (string, error) {
	return c.Send(protocol.TypePing, nil)
}

// Close sends a normal close frame and drops the socket.
func (c *Conn) Close() error {
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.ws.Close()
}
