package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/uhyunpark/simutrador/pkg/auth"
	"github.com/uhyunpark/simutrador/pkg/protocol"
	"github.com/uhyunpark/simutrador/pkg/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

var errSessionActive = errors.New("a simulation is already running on this connection")

// Hub tracks open connections so shutdown can close them politely
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	closeAll   chan closing
	done       chan struct{}

	mu sync.RWMutex
	wg sync.WaitGroup
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		closeAll:   make(chan closing),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			client.logger.Info("ws_connected", zap.Int("connections", n))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				h.wg.Done()
			}
			n := len(h.clients)
			h.mu.Unlock()
			client.logger.Info("ws_disconnected", zap.Int("connections", n))

		case req := <-h.closeAll:
			h.mu.RLock()
			for client := range h.clients {
				go client.close(req)
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) add(c *Client) bool {
	h.wg.Add(1)
	select {
	case h.register <- c:
		return true
	case <-h.done:
		h.wg.Done()
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// CloseAll sends connection_closing to every client and closes it.
func (h *Hub) CloseAll(req closing) {
	select {
	case h.closeAll <- req:
	case <-h.done:
	}
}

// Wait blocks until every registered client is gone or ctx ends.
func (h *Hub) Wait(ctx context.Context) {
	ch := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
	case <-ctx.Done():
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client is one authenticated WebSocket connection. It owns at most one
// simulation session at a time.
type Client struct {
	hub    *Hub
	srv    *Server
	conn   *websocket.Conn
	send   chan frame
	id     string
	logger *zap.Logger

	identity auth.Identity
	limits   auth.PlanLimits
	limiter  *rate.Limiter
	release  func()

	ctx    context.Context
	cancel context.CancelFunc

	lastSeen  atomic.Int64
	throttled int

	mu        sync.Mutex
	runner    *session.Runner
	closeOnce sync.Once
}

// handleWebSocket authenticates, reserves a connection slot and starts
// the pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	id, ok := s.authenticate(w, r, token)
	if !ok {
		return
	}
	release, err := s.auth.OpenConnection(id)
	if err != nil {
		respondError(w, http.StatusTooManyRequests, protocol.CodeServiceBusy, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		release()
		s.logger.Warn("ws_upgrade_failed", zap.Error(err))
		return
	}

	limits := s.limitsFor(id)
	ctx, cancel := context.WithCancel(s.ctx)
	client := &Client{
		hub:      s.hub,
		srv:      s,
		conn:     conn,
		send:     make(chan frame, s.cfg.SendBuffer),
		id:       conn.RemoteAddr().String(),
		identity: id,
		limits:   limits,
		limiter:  auth.NewLimiter(limits),
		release:  release,
		ctx:      ctx,
		cancel:   cancel,
	}
	client.logger = s.logger.With(zap.String("conn_id", client.id), zap.String("user_id", id.UserID))
	client.touch()

	if !s.hub.add(client) {
		cancel()
		release()
		conn.Close()
		return
	}
	s.metrics.Connections.Inc()

	now := s.now()
	lifetime := s.connectionLifetime(limits)
	client.sendData(protocol.TypeConnectionReady, protocol.ConnectionReadyData{
		UserID:                     id.UserID,
		Plan:                       id.Plan,
		ServerTime:                 now,
		ConnectionExpiresAt:        now.Add(lifetime),
		IdleTimeoutSec:             int(s.idleTimeout(limits) / time.Second),
		MaxSimulationDurationSec:   limits.MaxSimulationDurationSec,
		ConcurrentConnectionsLimit: limits.ConcurrentConnections,
		SupportedFeatures:          supportedFeatures,
	}, "")

	// Start read and write pumps in separate goroutines
	go client.writePump()
	go client.watch(s.idleTimeout(limits), now.Add(lifetime))
	go client.readPump()
}

// handleHealthSocket sends a single health envelope and closes.
func (s *Server) handleHealthSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", zap.Error(err))
		return
	}
	defer conn.Close()

	b, err := protocol.MustEncode(s.now(), protocol.TypeHealth, s.health(), "").Bytes()
	if err != nil {
		return
	}
	s.metrics.RecordMessage("out", protocol.TypeHealth)
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "health check complete"),
		time.Now().Add(writeWait))
}

// readPump pumps inbound frames into the connection's session
func (c *Client) readPump() {
	defer c.disconnect()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Info("ws_read_failed", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()

		if !c.admit() {
			continue
		}
		env, err := protocol.Decode(message)
		if err != nil {
			c.srv.metrics.RecordMessage("in", "malformed")
			c.sendError("", protocol.NewError(protocol.CodeMalformedEnvelope, protocol.ErrorValidation, err.Error(), nil))
			continue
		}
		c.dispatch(env)
	}
}

// writePump pumps queued frames to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				c.logger.Debug("ws_write_failed", zap.Error(err))
				return
			}
			if f.close != nil {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(f.close.code, f.close.message),
					time.Now().Add(writeWait))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// watch enforces the idle timeout and the connection lifetime, warning
// the client before either closes it.
func (c *Client) watch(idle time.Duration, expiresAt time.Time) {
	interval := time.Second
	if idle > 0 && idle/10 < interval {
		interval = max(idle/10, 10*time.Millisecond)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lifetime := expiresAt.Sub(c.srv.now())
	warnedIdle, warnedExpiry := false, false
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		now := c.srv.now()

		left := expiresAt.Sub(now)
		if left <= 0 {
			c.close(closing{
				reason:    protocol.CloseMaxDuration,
				message:   "maximum connection duration reached",
				code:      CloseCodeMaxDuration,
				reconnect: true,
			})
			return
		}
		if !warnedExpiry && left <= warnBefore(lifetime) {
			warnedExpiry = true
			secs := int(left / time.Second)
			c.sendData(protocol.TypeConnectionWarning, protocol.ConnectionWarningData{
				WarningType:      protocol.WarningImminentClosure,
				Message:          "connection reaches its maximum duration soon",
				ExpiresAt:        &expiresAt,
				ActionRequired:   "finish the simulation and reconnect",
				SecondsRemaining: &secs,
			}, "")
		}

		if idle <= 0 {
			continue
		}
		quiet := now.Sub(time.Unix(0, c.lastSeen.Load()))
		switch {
		case quiet >= idle:
			c.close(closing{
				reason:    protocol.CloseIdleTimeout,
				message:   fmt.Sprintf("no messages for %s", idle),
				code:      CloseCodeIdleTimeout,
				reconnect: true,
			})
			return
		case quiet >= idle-warnBefore(idle):
			if !warnedIdle {
				warnedIdle = true
				at := now.Add(idle - quiet)
				secs := int((idle - quiet) / time.Second)
				c.sendData(protocol.TypeConnectionWarning, protocol.ConnectionWarningData{
					WarningType:      protocol.WarningApproachingTimeout,
					Message:          "connection is idle",
					ExpiresAt:        &at,
					ActionRequired:   "send any message to stay connected",
					SecondsRemaining: &secs,
				}, "")
			}
		default:
			warnedIdle = false
		}
	}
}

// admit applies the per-connection message rate. A client that keeps
// flooding for a second's worth of messages is disconnected.
func (c *Client) admit() bool {
	if c.limiter.Allow() {
		c.throttled = 0
		return true
	}
	c.throttled++
	if c.throttled == 1 {
		c.sendData(protocol.TypeConnectionWarning, protocol.ConnectionWarningData{
			WarningType:    protocol.WarningRateLimit,
			Message:        fmt.Sprintf("message rate above %d/s", c.limits.MessagesPerSecond),
			ActionRequired: "slow down",
		}, "")
	}
	c.sendError("", protocol.NewError(protocol.CodeRateLimited, protocol.ErrorRateLimit,
		"message dropped: rate limit exceeded",
		map[string]any{"messages_per_second": c.limits.MessagesPerSecond}))
	if c.throttled >= max(c.limits.MessagesPerSecond, 1) {
		go c.close(closing{
			reason:    protocol.CloseRateLimit,
			message:   "rate limit exceeded",
			code:      CloseCodeRateLimit,
			reconnect: true,
		})
	}
	return false
}

func (c *Client) dispatch(env protocol.Envelope) {
	reqID := env.ID()
	switch env.Type {
	case protocol.TypePing:
		c.srv.metrics.RecordMessage("in", env.Type)
		c.sendData(protocol.TypePong, protocol.PongData{ServerTime: c.srv.now()}, reqID)

	case protocol.TypeCreateSession:
		c.srv.metrics.RecordMessage("in", env.Type)
		var data protocol.CreateSessionData
		if err := env.DecodeData(&data); err != nil {
			c.sendError(reqID, protocol.NewError(protocol.CodeInvalidParams, protocol.ErrorValidation, err.Error(), nil))
			return
		}
		_, created, err := c.openSession(data)
		if err != nil {
			c.sendError(reqID, sessionError(err))
			return
		}
		c.sendData(protocol.TypeSessionCreated, created, reqID)

	case protocol.TypeStartSimulation:
		c.start(env)

	default:
		r := c.current()
		if r == nil {
			c.srv.metrics.RecordMessage("in", env.Type)
			c.sendError(reqID, protocol.NewError(protocol.CodeSessionNotFound, protocol.ErrorValidation,
				"no session on this connection; send create_session or start_simulation first", nil))
			return
		}
		c.submit(r, env)
	}
}

// start routes start_simulation. A payload with a window and no live
// session creates one implicitly.
func (c *Client) start(env protocol.Envelope) {
	reqID := env.ID()
	start, err := protocol.DecodeStartSimulation(env.Data)
	if err != nil {
		c.srv.metrics.RecordMessage("in", env.Type)
		c.sendError(reqID, protocol.NewError(protocol.CodeInvalidParams, protocol.ErrorValidation, err.Error(), nil))
		return
	}

	r := c.current()
	if r != nil && (!finished(r) || !start.HasWindow()) {
		if start.SessionID != "" && start.SessionID != r.ID() {
			c.srv.metrics.RecordMessage("in", env.Type)
			c.sendError(reqID, protocol.NewError(protocol.CodeSessionNotFound, protocol.ErrorValidation,
				"unknown session_id", map[string]any{"session_id": start.SessionID}))
			return
		}
		c.submit(r, env)
		return
	}
	if !start.HasWindow() {
		c.srv.metrics.RecordMessage("in", env.Type)
		c.sendError(reqID, protocol.NewError(protocol.CodeSessionNotFound, protocol.ErrorValidation,
			"unknown session_id", map[string]any{"session_id": start.SessionID}))
		return
	}

	r, _, err = c.openSession(protocol.CreateSessionData{
		SessionID:   start.SessionID,
		Symbols:     start.Symbols,
		Start:       start.Start,
		End:         start.End,
		InitialCash: start.InitialCash,
	})
	if err != nil {
		c.srv.metrics.RecordMessage("in", env.Type)
		c.sendError(reqID, sessionError(err))
		return
	}
	c.submit(r, env)
}

// openSession creates the connection's session, replacing a finished one.
func (c *Client) openSession(data protocol.CreateSessionData) (*session.Runner, protocol.SessionCreatedData, error) {
	if prev := c.current(); prev != nil {
		if !finished(prev) {
			return nil, protocol.SessionCreatedData{}, errSessionActive
		}
		c.srv.sessions.Remove(prev.ID())
	}
	r, created, err := c.srv.sessions.Create(c.ctx, c.identity, data, c.sendEnvelope)
	if err != nil {
		return nil, protocol.SessionCreatedData{}, err
	}
	c.mu.Lock()
	c.runner = r
	c.mu.Unlock()
	return r, created, nil
}

func (c *Client) submit(r *session.Runner, env protocol.Envelope) {
	err := r.Submit(c.ctx, env)
	if errors.Is(err, session.ErrRunnerStopped) {
		c.sendError(env.ID(), protocol.NewError(protocol.CodeSessionEnded, protocol.ErrorValidation,
			"session has ended", map[string]any{"session_id": r.ID()}))
	}
}

func (c *Client) current() *session.Runner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runner
}

func finished(r *session.Runner) bool {
	select {
	case <-r.Finished():
		return true
	default:
		return false
	}
}

func sessionError(err error) protocol.ErrorReport {
	switch {
	case errors.Is(err, session.ErrServiceBusy):
		return protocol.NewError(protocol.CodeServiceBusy, protocol.ErrorRateLimit, err.Error(), nil)
	case errors.Is(err, session.ErrInvalidCreate),
		errors.Is(err, session.ErrDuplicateSession),
		errors.Is(err, errSessionActive):
		return protocol.NewError(protocol.CodeInvalidParams, protocol.ErrorValidation, err.Error(), nil)
	default:
		return protocol.NewError(protocol.CodeSessionCreateFailed, protocol.ErrorData, err.Error(), nil)
	}
}

// sendEnvelope queues an envelope, blocking while the queue is full. It
// is the session runner's sink, so a slow client slows its own session.
func (c *Client) sendEnvelope(env protocol.Envelope) {
	b, err := env.Bytes()
	if err != nil {
		c.logger.Error("envelope_encode_failed", zap.String("type", env.Type), zap.Error(err))
		return
	}
	select {
	case c.send <- frame{data: b}:
	case <-c.ctx.Done():
	}
}

// sendData and sendError are for connection-level replies; session
// envelopes are counted by the session.
func (c *Client) sendData(msgType string, data any, reqID string) {
	c.srv.metrics.RecordMessage("out", msgType)
	c.sendEnvelope(protocol.MustEncode(c.srv.now(), msgType, data, reqID))
}

func (c *Client) sendError(reqID string, e protocol.ErrorReport) {
	c.srv.metrics.RecordMessage("out", protocol.TypeError)
	c.srv.metrics.RecordError(string(e.ErrorCode))
	c.sendEnvelope(protocol.ErrorEnvelope(c.srv.now(), e, reqID))
}

// close queues connection_closing followed by the close handshake.
func (c *Client) close(req closing) {
	c.closeOnce.Do(func() {
		data := protocol.ConnectionClosingData{
			Reason:           req.reason,
			Message:          req.message,
			CloseCode:        req.code,
			ReconnectAllowed: req.reconnect,
		}
		if st, ok := c.sessionState(); ok {
			data.SessionState = &st
		}
		c.logger.Info("ws_closing", zap.Stringer("reason", req.reason), zap.Int("close_code", req.code))
		c.srv.metrics.RecordMessage("out", protocol.TypeConnectionClosing)
		b, err := protocol.MustEncode(c.srv.now(), protocol.TypeConnectionClosing, data, "").Bytes()
		if err != nil {
			c.cancel()
			return
		}
		select {
		case c.send <- frame{data: b, close: &req}:
		case <-c.ctx.Done():
		}
	})
}

func (c *Client) sessionState() (protocol.SessionState, bool) {
	r := c.current()
	if r == nil {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(c.ctx, time.Second)
	defer cancel()
	var st protocol.SessionState
	if err := r.Inspect(ctx, func(s *session.Session) {
		st = s.State()
	}); err != nil {
		return 0, false
	}
	return st, true
}

func (c *Client) touch() {
	c.lastSeen.Store(c.srv.now().UnixNano())
}

// disconnect ends the connection's session and frees its slot.
func (c *Client) disconnect() {
	c.cancel()
	c.conn.Close()
	if r := c.current(); r != nil {
		c.srv.sessions.Remove(r.ID())
	}
	c.release()
	c.srv.metrics.Connections.Dec()
	c.hub.remove(c)
}
