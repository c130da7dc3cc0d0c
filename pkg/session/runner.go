package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/simutrador/pkg/protocol"
	"github.com/uhyunpark/simutrador/pkg/util"
)

var ErrRunnerStopped = errors.New("session runner stopped")

// Sink receives outbound envelopes in order. It must not block for long;
// the runner calls it from the session goroutine.
type Sink func(protocol.Envelope)

type RunnerConfig struct {
	// TickBurst caps the ticks emitted before the inbox is checked again
	TickBurst int
	// MaxDuration ends the simulation after this much wall time (0 = none)
	MaxDuration time.Duration
	InboxSize   int
}

// Runner is the goroutine that owns a Session. Every interaction with the
// session goes through its inbox.
type Runner struct {
	session *Session
	sink    Sink
	clock   util.Clock
	logger  *zap.Logger
	cfg     RunnerConfig

	inbox    chan func(context.Context) []protocol.Envelope
	finished chan struct{}
	stopped  chan struct{}
	onFinish func()
	once     sync.Once
}

func NewRunner(s *Session, sink Sink, cfg RunnerConfig) *Runner {
	if cfg.TickBurst <= 0 {
		cfg.TickBurst = 64
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 64
	}
	return &Runner{
		session:  s,
		sink:     sink,
		clock:    s.deps.Clock,
		logger:   s.logger,
		cfg:      cfg,
		inbox:    make(chan func(context.Context) []protocol.Envelope, cfg.InboxSize),
		finished: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (r *Runner) ID() string {
	return r.session.ID()
}

func (r *Runner) UserID() string {
	return r.session.UserID()
}

// Finished is closed once simulation_end has been delivered.
func (r *Runner) Finished() <-chan struct{} {
	return r.finished
}

// Stopped is closed when Run returns.
func (r *Runner) Stopped() <-chan struct{} {
	return r.stopped
}

// OnFinish registers a callback run once, on the runner goroutine, when the
// simulation ends. Call before Run.
func (r *Runner) OnFinish(fn func()) {
	r.onFinish = fn
}

// Run drives the session until ctx is cancelled. Cancelling while the
// simulation is live ends it and delivers simulation_end first.
func (r *Runner) Run(ctx context.Context) {
	defer close(r.stopped)

	var maxDuration <-chan time.Time
	if r.cfg.MaxDuration > 0 {
		maxDuration = r.clock.After(r.cfg.MaxDuration)
	}

	for {
		r.deliver(r.session.EmitTicks(ctx, r.cfg.TickBurst))

		if r.session.CanEmit() {
			select {
			case <-ctx.Done():
				r.deliver(r.session.Stop(context.WithoutCancel(ctx), "cancelled"))
				return
			case fn := <-r.inbox:
				r.deliver(fn(ctx))
			default:
			}
			continue
		}

		var timeout <-chan time.Time
		if d, ok := r.session.Deadline(); ok {
			timeout = r.clock.After(d.Sub(r.clock.Now()))
		}

		select {
		case <-ctx.Done():
			r.deliver(r.session.Stop(context.WithoutCancel(ctx), "cancelled"))
			return
		case fn := <-r.inbox:
			r.deliver(fn(ctx))
		case <-timeout:
			r.deliver(r.session.Expire(ctx))
		case <-maxDuration:
			maxDuration = nil
			r.deliver(r.session.Stop(ctx, "max simulation duration reached"))
		}
	}
}

func (r *Runner) deliver(envs []protocol.Envelope) {
	for _, e := range envs {
		r.sink(e)
	}
	if r.session.Done() {
		r.once.Do(func() {
			close(r.finished)
			if r.onFinish != nil {
				r.onFinish()
			}
		})
	}
}

func (r *Runner) enqueue(ctx context.Context, fn func(context.Context) []protocol.Envelope) error {
	select {
	case r.inbox <- fn:
		return nil
	case <-r.stopped:
		return ErrRunnerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues an inbound envelope for the session.
func (r *Runner) Submit(ctx context.Context, env protocol.Envelope) error {
	return r.enqueue(ctx, func(ctx context.Context) []protocol.Envelope {
		return r.session.Handle(ctx, env)
	})
}

// Execute queues an execution report from the execution engine. It
// returns once the report is queued; the outcome reaches the client.
func (r *Runner) Execute(ctx context.Context, report protocol.ExecutionReportData) error {
	return r.enqueue(ctx, func(ctx context.Context) []protocol.Envelope {
		envs, err := r.session.ApplyExecution(ctx, report)
		if err != nil {
			r.logger.Debug("execution_not_applied", zap.String("order_id", report.OrderID), zap.Error(err))
		}
		return envs
	})
}

// Cancel and Reject apply order status changes from the execution engine.
func (r *Runner) Cancel(ctx context.Context, orderID string) error {
	return r.call(ctx, func() error {
		return r.session.CancelOrder(orderID)
	})
}

func (r *Runner) Reject(ctx context.Context, orderID, reason string) error {
	return r.call(ctx, func() error {
		return r.session.RejectOrder(orderID, reason)
	})
}

// Inspect runs fn on the session goroutine and waits for it.
func (r *Runner) Inspect(ctx context.Context, fn func(*Session)) error {
	return r.call(ctx, func() error {
		fn(r.session)
		return nil
	})
}

func (r *Runner) call(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	err := r.enqueue(ctx, func(context.Context) []protocol.Envelope {
		errc <- fn()
		return nil
	})
	if err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-r.stopped:
		return ErrRunnerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
