// Package session runs one trading simulation: it paces ticks with the
// flow controller, validates order batches, keeps the ledger consistent
// with execution reports and produces every outbound envelope.
//
// A Session is not safe for concurrent use. Its Runner owns it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/simutrador/pkg/flow"
	"github.com/uhyunpark/simutrador/pkg/ledger"
	"github.com/uhyunpark/simutrador/pkg/metrics"
	"github.com/uhyunpark/simutrador/pkg/order"
	"github.com/uhyunpark/simutrador/pkg/protocol"
	"github.com/uhyunpark/simutrador/pkg/publish"
	"github.com/uhyunpark/simutrador/pkg/storage"
	"github.com/uhyunpark/simutrador/pkg/timeframe"
	"github.com/uhyunpark/simutrador/pkg/util"
)

var (
	ErrSessionEnded  = errors.New("session ended")
	ErrInvalidCreate = errors.New("invalid create_session payload")
)

// Config is the per-session policy.
type Config struct {
	ID     string
	UserID string
	Create protocol.CreateSessionData
	Asset  protocol.AssetType
	Ledger ledger.Config

	// DisableFlowControl forces flow control off whatever the client asks
	DisableFlowControl bool
	// MaxPendingTicks caps the client's max_pending_ticks (0 = no cap)
	MaxPendingTicks  int
	MaxWait          time.Duration
	Commission       decimal.Decimal
	SlippageBps      int
	Timeframes       *timeframe.Table
	DefaultTimeframe string
}

// Deps are the collaborators a session reports to. Zero fields get
// no-op implementations.
type Deps struct {
	Clock     util.Clock
	Logger    *zap.Logger
	Journal   storage.Journal
	Publisher publish.Publisher
	Metrics   *metrics.Metrics
	Feed      CandleFeed
	Exits     ExitHandler
	Sources   SourceFactory
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = util.RealClock{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Journal == nil {
		d.Journal = storage.NewNopJournal()
	}
	if d.Publisher == nil {
		d.Publisher = publish.Nop{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Sources == nil {
		d.Sources = NewCalendarFactory()
	}
	return d
}

type Session struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	state     protocol.SessionState
	create    protocol.CreateSessionData
	ctrl      *flow.Controller
	ledger    *ledger.State
	source    TickSource
	frequency protocol.AccountUpdateFrequency
	startedAt time.Time
	sentAt    map[int64]time.Time
	result    *protocol.SimulationEndData
}

// ValidateCreate checks a create_session payload.
func ValidateCreate(c protocol.CreateSessionData) error {
	switch {
	case len(c.Symbols) == 0:
		return fmt.Errorf("%w: symbols must not be empty", ErrInvalidCreate)
	case !c.End.After(c.Start):
		return fmt.Errorf("%w: end must be after start", ErrInvalidCreate)
	case !c.InitialCash.IsPositive():
		return fmt.Errorf("%w: initial_cash must be positive", ErrInvalidCreate)
	case c.CommissionPerTrade.IsNegative():
		return fmt.Errorf("%w: commission_per_trade must not be negative", ErrInvalidCreate)
	case c.SlippageBps < 0:
		return fmt.Errorf("%w: slippage_bps must not be negative", ErrInvalidCreate)
	}
	return nil
}

func New(cfg Config, deps Deps) (*Session, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Timeframes == nil {
		cfg.Timeframes = timeframe.Default()
	}
	if cfg.DefaultTimeframe == "" {
		cfg.DefaultTimeframe = "1min"
	}
	if cfg.Asset == 0 {
		cfg.Asset = protocol.USEquity
	}
	cfg.Create.SessionID = cfg.ID
	if cfg.Commission.IsZero() {
		cfg.Commission = protocol.DefaultCommissionPerTrade
	}
	if cfg.SlippageBps == 0 {
		cfg.SlippageBps = protocol.DefaultSlippageBps
	}
	cfg.Create = cfg.Create.WithDefaults(cfg.Commission, cfg.SlippageBps)
	if err := ValidateCreate(cfg.Create); err != nil {
		return nil, err
	}
	deps = deps.withDefaults()

	return &Session{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With(zap.String("session_id", cfg.ID), zap.String("user_id", cfg.UserID)),
		state:  protocol.SessionReady,
		create: cfg.Create,
		ctrl:   flow.NewController(deps.Clock),
		ledger: ledger.NewState(cfg.Create.InitialCash, cfg.Ledger),
		sentAt: make(map[int64]time.Time),
	}, nil
}

func (s *Session) ID() string {
	return s.cfg.ID
}

func (s *Session) UserID() string {
	return s.cfg.UserID
}

func (s *Session) State() protocol.SessionState {
	return s.state
}

// Done reports whether simulation_end has been produced.
func (s *Session) Done() bool {
	return s.result != nil
}

func (s *Session) Result() (protocol.SimulationEndData, bool) {
	if s.result == nil {
		return protocol.SimulationEndData{}, false
	}
	return *s.result, true
}

// Ledger exposes the trading state for inspection. Callers must not
// mutate it.
func (s *Session) Ledger() *ledger.State {
	return s.ledger
}

// Created builds the session_created payload.
func (s *Session) Created() protocol.SessionCreatedData {
	estimated := 0
	if spec, err := s.cfg.Timeframes.Lookup(s.cfg.DefaultTimeframe); err == nil {
		if src, err := s.deps.Sources(s.calendar(s.create.Symbols, s.create.Start, s.create.End, spec)); err == nil {
			if e, ok := src.(interface{ Estimate() int }); ok {
				estimated = e.Estimate()
			}
		}
	}
	return protocol.SessionCreatedData{
		SessionID:      s.cfg.ID,
		EstimatedTicks: estimated,
		SymbolsLoaded:  append([]string(nil), s.create.Symbols...),
		DataRangeActual: map[string]any{
			"start": s.create.Start.UTC(),
			"end":   s.create.End.UTC(),
		},
		ServerReady: true,
	}
}

func (s *Session) calendar(symbols []string, start, end time.Time, spec timeframe.Spec) CalendarConfig {
	return CalendarConfig{
		Start:     start,
		End:       end,
		Step:      spec.Duration,
		Timeframe: spec.Label,
		Symbols:   symbols,
		Asset:     s.cfg.Asset,
	}
}

// Handle processes one inbound envelope and returns the replies. Ticks
// are not emitted here; call EmitTicks afterwards.
func (s *Session) Handle(ctx context.Context, env protocol.Envelope) []protocol.Envelope {
	s.record(storage.Inbound, env)
	return s.emit(s.dispatch(ctx, env)...)
}

func (s *Session) dispatch(ctx context.Context, env protocol.Envelope) []protocol.Envelope {
	reqID := env.ID()
	switch env.Type {
	case protocol.TypeStartSimulation:
		return s.handleStart(env)
	case protocol.TypeTickAck:
		return s.handleTickAck(ctx, env)
	case protocol.TypeOrderBatch:
		return s.handleOrderBatch(env)
	case protocol.TypeAccountRequest:
		return []protocol.Envelope{s.snapshot(reqID)}
	case protocol.TypeStopSimulation:
		if s.Done() {
			return s.ended(reqID)
		}
		var stop protocol.StopSimulationData
		if len(env.Data) > 0 {
			if err := env.DecodeData(&stop); err != nil {
				return s.invalid(reqID, err.Error())
			}
		}
		s.logger.Info("simulation_stop_requested", zap.String("reason", stop.Reason))
		return s.finish(ctx, reqID)
	case protocol.TypePing:
		return []protocol.Envelope{s.envelope(protocol.TypePong, protocol.PongData{ServerTime: s.now()}, reqID)}
	default:
		return s.fail(reqID, protocol.NewError(protocol.CodeUnknownType, protocol.ErrorValidation,
			fmt.Sprintf("unknown message type %q", env.Type), nil))
	}
}

func (s *Session) handleStart(env protocol.Envelope) []protocol.Envelope {
	reqID := env.ID()
	if s.Done() {
		return s.ended(reqID)
	}
	if s.state != protocol.SessionReady {
		return s.invalid(reqID, "simulation already started")
	}
	start, err := protocol.DecodeStartSimulation(env.Data)
	if err != nil {
		return s.invalid(reqID, err.Error())
	}

	if start.HasWindow() {
		create := s.create
		create.Symbols = start.Symbols
		create.Start, create.End = start.Start, start.End
		create.InitialCash = start.InitialCash
		s.create = create
		s.ledger = ledger.NewState(create.InitialCash, s.cfg.Ledger)
	}

	label := start.Timeframe
	if label == "" {
		label = s.cfg.DefaultTimeframe
	}
	spec, err := s.cfg.Timeframes.Lookup(label)
	if err != nil {
		return s.invalid(reqID, err.Error())
	}
	src, err := s.deps.Sources(s.calendar(s.create.Symbols, s.create.Start, s.create.End, spec))
	if err != nil {
		return s.fail(reqID, protocol.NewError(protocol.CodeSessionCreateFailed, protocol.ErrorData, err.Error(), nil))
	}

	params := flow.Params{
		FlowControl:     start.FlowControl && !s.cfg.DisableFlowControl,
		MaxPendingTicks: start.MaxPendingTicks,
		MaxWait:         s.cfg.MaxWait,
	}
	if s.cfg.MaxPendingTicks > 0 && params.MaxPendingTicks > s.cfg.MaxPendingTicks {
		params.MaxPendingTicks = s.cfg.MaxPendingTicks
	}
	if err := s.ctrl.Start(params); err != nil {
		return s.invalid(reqID, err.Error())
	}
	s.source = src
	s.frequency = start.AccountUpdateFrequency
	s.state = protocol.SessionRunning
	s.startedAt = s.now()

	s.logger.Info("simulation_started",
		zap.Strings("symbols", s.create.Symbols),
		zap.Time("start", s.create.Start),
		zap.Time("end", s.create.End),
		zap.String("timeframe", spec.Label),
		zap.Stringer("layout", start.Layout),
		zap.Bool("flow_control", params.FlowControl),
		zap.Int("max_pending_ticks", params.MaxPendingTicks),
	)
	return []protocol.Envelope{s.envelope(protocol.TypeSimulationStarted, protocol.SimulationStartedData{
		SessionID:            s.cfg.ID,
		StartedAt:            s.startedAt,
		EstimatedDurationSec: int(s.create.End.Sub(s.create.Start) / time.Second),
		TickIntervalMs:       int(spec.Duration / time.Millisecond),
		FlowControlEnabled:   params.FlowControl,
	}, reqID)}
}

func (s *Session) handleTickAck(ctx context.Context, env protocol.Envelope) []protocol.Envelope {
	reqID := env.ID()
	if s.Done() {
		return s.ended(reqID)
	}
	if s.state != protocol.SessionRunning {
		return s.invalid(reqID, "simulation not started")
	}
	var ack protocol.TickAckData
	if err := env.DecodeData(&ack); err != nil {
		return s.invalid(reqID, err.Error())
	}

	res, err := s.ctrl.Ack(ack)
	var seqErr *flow.SequenceError
	switch {
	case errors.As(err, &seqErr):
		s.logger.Warn("tick_ack_sequence_mismatch",
			zap.Int64("got", seqErr.Got),
			zap.Int64("last_sent", seqErr.LastSent),
			zap.Int64("last_acked", seqErr.LastAcked),
		)
		return s.fail(reqID, protocol.NewError(protocol.CodeSequenceMismatch, protocol.ErrorConnection, err.Error(), map[string]any{
			"sequence_id": seqErr.Got,
			"last_sent":   seqErr.LastSent,
			"last_acked":  seqErr.LastAcked,
		}))
	case err != nil:
		return s.invalid(reqID, err.Error())
	}

	if res.Resynced {
		s.logger.Info("tick_stream_resynced", zap.Int64("sequence_id", res.Sequence))
	}
	if res.Advanced {
		now := s.now()
		for seq, at := range s.sentAt {
			if seq <= res.Sequence {
				s.deps.Metrics.AckLatencyMs.Observe(float64(now.Sub(at)) / float64(time.Millisecond))
				delete(s.sentAt, seq)
			}
		}
	}
	if res.Ended {
		return s.finish(ctx, "")
	}
	return nil
}

func (s *Session) handleOrderBatch(env protocol.Envelope) []protocol.Envelope {
	reqID := env.ID()
	if s.Done() {
		return s.ended(reqID)
	}
	if s.state != protocol.SessionRunning {
		return s.invalid(reqID, "simulation not started")
	}
	// an unknown enum in any order fails the whole payload, before per-order validation
	var data protocol.OrderBatchData
	if err := env.DecodeData(&data); err != nil {
		return s.invalid(reqID, err.Error())
	}

	batch := order.BatchFromData(data)
	report, err := order.ValidateBatch(batch)
	if err != nil {
		return s.fail(reqID, protocol.NewError(protocol.CodeValidationError, protocol.ErrorValidation, err.Error(),
			map[string]any{"batch_id": data.BatchID}))
	}

	// ids must be unique across the whole session, not just the batch
	var valid []order.Order
	for _, o := range report.Valid {
		if _, known := s.ledger.Order(o.OrderID); known {
			report.Rejected[o.OrderID] = "duplicate order_id in session"
			continue
		}
		valid = append(valid, o)
	}
	report.Valid = valid

	estimates := make(map[string]decimal.Decimal)
	accepted := report.Accepted()
	for _, o := range accepted {
		if err := s.ledger.AddOrder(ledger.NewOpenOrder(o)); err != nil {
			// ids were checked above; anything else is a ledger bug
			s.logger.Error("add_order_failed", zap.String("order_id", o.OrderID), zap.Error(err))
			continue
		}
		if o.EntryPrice != nil {
			estimates[o.OrderID] = *o.EntryPrice
		} else if p, ok := s.ledger.LastPrice(o.Symbol); ok {
			estimates[o.OrderID] = p
		}
	}
	s.ctrl.OrderBatchReceived()

	ack := report.Ack(estimates)
	s.deps.Metrics.RecordOrders(len(ack.AcceptedOrders), len(ack.RejectedOrders))
	s.logger.Debug("order_batch_processed",
		zap.String("batch_id", data.BatchID),
		zap.Stringer("mode", data.ExecutionMode),
		zap.Int("accepted", len(ack.AcceptedOrders)),
		zap.Int("rejected", len(ack.RejectedOrders)),
	)
	return []protocol.Envelope{s.envelope(protocol.TypeBatchAck, ack, reqID)}
}

// CanEmit reports whether EmitTicks would send at least one tick.
func (s *Session) CanEmit() bool {
	return s.state == protocol.SessionRunning && !s.Done() && s.ctrl.CanSend()
}

// EmitTicks sends up to limit ticks, as many as flow control allows.
// Candle closes update the ledger and any triggered exits go to the
// exit handler.
func (s *Session) EmitTicks(ctx context.Context, limit int) []protocol.Envelope {
	var out []protocol.Envelope
	for n := 0; n < limit && s.CanEmit(); n++ {
		tick, err := s.source.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			if !errors.Is(err, ErrExhausted) {
				s.logger.Error("tick_source_failed", zap.Error(err))
				out = append(out, s.fail("", protocol.NewError(protocol.CodeDataUnavailable, protocol.ErrorData, err.Error(), nil))...)
			}
			out = append(out, s.finish(ctx, "")...)
			break
		}

		seq, err := s.ctrl.Next(tick.Data.IsEOD)
		if err != nil {
			s.logger.Error("tick_sequence_failed", zap.Error(err))
			break
		}
		tick.Data.SequenceID = seq
		if tick.NewDay {
			s.ledger.StartNewDay()
		}
		out = append(out, s.priceTick(ctx, &tick.Data)...)

		out = append(out, s.envelope(protocol.TypeTick, tick.Data, ""))
		// without flow control no ack ever clears the entry
		if s.ctrl.FlowControlOn() {
			s.sentAt[seq] = s.now()
		}
		s.deps.Metrics.Ticks.Inc()

		if s.frequency == protocol.EveryTick {
			out = append(out, s.snapshot(""))
		}
		if s.ctrl.State() == flow.Ended {
			out = append(out, s.finish(ctx, "")...)
		}
	}
	return s.emit(out...)
}

// priceTick attaches candles to the tick and marks the ledger to their
// closes. Feed failures degrade to a tick without candles.
func (s *Session) priceTick(ctx context.Context, tick *protocol.TickData) []protocol.Envelope {
	if s.deps.Feed == nil {
		return nil
	}
	candles, err := s.deps.Feed.Candles(ctx, tick.SimTime, tick.SymbolsTrading)
	if err != nil {
		s.logger.Warn("candle_feed_failed", zap.Time("sim_time", tick.SimTime), zap.Error(err))
		return s.fail("", protocol.NewError(protocol.CodeDataUnavailable, protocol.ErrorData,
			"market data unavailable for tick", map[string]any{"sim_time": tick.SimTime}))
	}
	if len(candles) == 0 {
		return nil
	}
	tick.Candles = candles

	symbols := make([]string, 0, len(candles))
	for sym := range candles {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		exits, err := s.ledger.ApplyPriceUpdate(sym, candles[sym].Close)
		if err != nil {
			s.logger.Warn("price_update_rejected", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		for _, ex := range exits {
			s.logger.Info("bracket_exit_triggered",
				zap.String("symbol", ex.Symbol),
				zap.Stringer("side", ex.Side),
				zap.Int64("quantity", ex.Quantity),
				zap.Stringer("reason", ex.Reason),
				zap.String("trigger_price", ex.TriggerPrice.String()),
			)
			if s.deps.Exits != nil {
				s.deps.Exits.Exit(ctx, s.cfg.ID, ex)
			}
		}
	}
	return nil
}

// ApplyExecution books an execution report from the execution engine and
// returns the envelopes to send. An inconsistent execution is fatal: the
// session moves to error and ends.
func (s *Session) ApplyExecution(ctx context.Context, r protocol.ExecutionReportData) ([]protocol.Envelope, error) {
	if s.Done() {
		return s.emit(s.ended("")...), ErrSessionEnded
	}
	if r.ExecutionID == "" {
		r.ExecutionID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now()
	}

	err := s.ledger.ApplyFill(r)
	switch {
	case errors.Is(err, ledger.ErrInconsistentExecution):
		s.logger.Error("inconsistent_execution",
			zap.String("execution_id", r.ExecutionID),
			zap.String("order_id", r.OrderID),
			zap.Error(err),
		)
		s.state = protocol.SessionError
		out := s.fail("", protocol.NewError(protocol.CodeInconsistentExecution, protocol.ErrorExecution, err.Error(),
			map[string]any{"execution_id": r.ExecutionID, "order_id": r.OrderID}))
		out = append(out, s.finish(ctx, "")...)
		return s.emit(out...), err
	case errors.Is(err, ledger.ErrInsufficientCash):
		s.logger.Warn("execution_rejected", zap.String("order_id", r.OrderID), zap.Error(err))
		if rerr := s.ledger.Reject(r.OrderID, "insufficient cash"); rerr != nil {
			s.logger.Warn("order_reject_failed", zap.String("order_id", r.OrderID), zap.Error(rerr))
		}
		return s.emit(s.fail("", protocol.NewError(protocol.CodeInsufficientCash, protocol.ErrorValidation, err.Error(),
			map[string]any{"order_id": r.OrderID}))...), err
	case err != nil:
		return nil, err
	}

	s.deps.Metrics.Executions.Inc()
	if perr := s.deps.Publisher.Execution(ctx, s.cfg.ID, r); perr != nil {
		s.logger.Warn("publish_execution_failed", zap.String("execution_id", r.ExecutionID), zap.Error(perr))
	}
	out := []protocol.Envelope{s.envelope(protocol.TypeExecutionReport, r, "")}
	if s.frequency == protocol.EveryFill {
		out = append(out, s.snapshot(""))
	}
	return s.emit(out...), nil
}

func (s *Session) CancelOrder(orderID string) error {
	if s.Done() {
		return ErrSessionEnded
	}
	return s.ledger.Cancel(orderID)
}

func (s *Session) RejectOrder(orderID, reason string) error {
	if s.Done() {
		return ErrSessionEnded
	}
	return s.ledger.Reject(orderID, reason)
}

// Deadline is when the current ack wait expires.
func (s *Session) Deadline() (time.Time, bool) {
	if s.state != protocol.SessionRunning || s.Done() {
		return time.Time{}, false
	}
	return s.ctrl.Deadline()
}

// Expire applies the ack timeout if it has passed.
func (s *Session) Expire(ctx context.Context) []protocol.Envelope {
	if s.state != protocol.SessionRunning || s.Done() {
		return nil
	}
	lastSent := s.ctrl.LastSent()
	if !s.ctrl.Expire(s.now()) {
		return nil
	}
	s.deps.Metrics.AckTimeouts.Inc()
	s.logger.Warn("tick_ack_timeout", zap.Int64("last_sent", lastSent))
	out := s.fail("", protocol.NewError(protocol.CodeHandlerTimeout, protocol.ErrorConnection,
		"no ready acknowledgement before max_wait; continuing",
		map[string]any{"sequence_id": lastSent}).WithSeverity(protocol.SeverityWarning))
	if s.ctrl.State() == flow.Ended {
		out = append(out, s.finish(ctx, "")...)
	}
	return s.emit(out...)
}

// Stop ends the simulation immediately (cancellation, limits, shutdown).
func (s *Session) Stop(ctx context.Context, reason string) []protocol.Envelope {
	if s.Done() {
		return nil
	}
	s.logger.Info("simulation_stopped", zap.String("reason", reason))
	return s.emit(s.finish(ctx, "")...)
}

func (s *Session) finish(ctx context.Context, reqID string) []protocol.Envelope {
	if s.Done() {
		return nil
	}
	s.ctrl.End()
	if s.state != protocol.SessionError {
		s.state = protocol.SessionCompleted
	}
	duration := 0
	if !s.startedAt.IsZero() {
		duration = int(s.now().Sub(s.startedAt) / time.Second)
	}
	res := s.ledger.Summary(s.cfg.ID, duration)
	s.result = &res

	if err := s.deps.Journal.SaveResult(res); err != nil {
		s.logger.Warn("save_result_failed", zap.Error(err))
	}
	if err := s.deps.Publisher.Result(ctx, res); err != nil {
		s.logger.Warn("publish_result_failed", zap.Error(err))
	}
	s.deps.Metrics.SessionsEnded.WithLabelValues(s.state.String()).Inc()
	s.logger.Info("simulation_ended",
		zap.Stringer("state", s.state),
		zap.String("final_equity", res.FinalEquity.String()),
		zap.String("total_return_pct", res.TotalReturnPct.String()),
		zap.Int("total_trades", res.TotalTrades),
		zap.Int64("ticks_sent", s.ctrl.LastSent()+1),
	)
	return []protocol.Envelope{s.envelope(protocol.TypeSimulationEnd, res, reqID)}
}

func (s *Session) snapshot(reqID string) protocol.Envelope {
	return s.envelope(protocol.TypeAccountSnapshot, s.ledger.Snapshot(), reqID)
}

func (s *Session) ended(reqID string) []protocol.Envelope {
	return s.fail(reqID, protocol.NewError(protocol.CodeSessionEnded, protocol.ErrorValidation,
		"session has ended", map[string]any{"session_id": s.cfg.ID}))
}

func (s *Session) invalid(reqID, msg string) []protocol.Envelope {
	return s.fail(reqID, protocol.NewError(protocol.CodeInvalidParams, protocol.ErrorValidation, msg, nil))
}

func (s *Session) fail(reqID string, e protocol.ErrorReport) []protocol.Envelope {
	s.deps.Metrics.RecordError(string(e.ErrorCode))
	return []protocol.Envelope{protocol.ErrorEnvelope(s.now(), e, reqID)}
}

func (s *Session) envelope(msgType string, data any, reqID string) protocol.Envelope {
	return protocol.MustEncode(s.now(), msgType, data, reqID)
}

// emit journals outbound envelopes and passes them through.
func (s *Session) emit(envs ...protocol.Envelope) []protocol.Envelope {
	for _, e := range envs {
		s.record(storage.Outbound, e)
	}
	return envs
}

func (s *Session) record(dir storage.Direction, env protocol.Envelope) {
	s.deps.Metrics.RecordMessage(dir.String(), env.Type)
	if err := s.deps.Journal.Append(s.cfg.ID, dir, env); err != nil {
		s.logger.Warn("journal_append_failed", zap.Stringer("direction", dir), zap.String("type", env.Type), zap.Error(err))
	}
}

func (s *Session) now() time.Time {
	return s.deps.Clock.Now().UTC()
}
