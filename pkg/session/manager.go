package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/simutrador/pkg/auth"
	"github.com/uhyunpark/simutrador/pkg/protocol"
)

var (
	ErrServiceBusy      = errors.New("service busy")
	ErrSessionNotFound  = errors.New("session not found")
	ErrDuplicateSession = errors.New("session id already in use")
)

// Admission reserves a per-user session slot. auth.Service implements it.
// The returned release may be called more than once.
type Admission interface {
	OpenSession(ctx context.Context, id auth.Identity) (func(), error)
}

type ManagerConfig struct {
	// Template supplies the policy fields of every new session's Config
	Template Config
	Runner   RunnerConfig
	// MaxSessions caps live sessions across all users (0 = unlimited)
	MaxSessions int
	// MaxDuration, when set, overrides Runner.MaxDuration per plan
	MaxDuration func(protocol.UserPlan) time.Duration
}

// Manager is the registry of live sessions. Each registered session has a
// running Runner until it is removed.
type Manager struct {
	cfg       ManagerConfig
	deps      Deps
	admission Admission
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*managed
	wg       sync.WaitGroup
}

type managed struct {
	runner  *Runner
	owner   auth.Identity
	cancel  context.CancelFunc
	release func()
}

func NewManager(cfg ManagerConfig, deps Deps, admission Admission) *Manager {
	deps = deps.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		deps:      deps,
		admission: admission,
		logger:    deps.Logger,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*managed),
	}
}

// Create registers a session for owner and starts its runner. An empty
// data.SessionID gets a fresh id.
func (m *Manager) Create(ctx context.Context, owner auth.Identity, data protocol.CreateSessionData, sink Sink) (*Runner, protocol.SessionCreatedData, error) {
	id := data.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	cfg := m.cfg.Template
	cfg.ID = id
	cfg.UserID = owner.UserID
	cfg.Create = data
	s, err := New(cfg, m.deps)
	if err != nil {
		return nil, protocol.SessionCreatedData{}, err
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, protocol.SessionCreatedData{}, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, protocol.SessionCreatedData{}, fmt.Errorf("%w: %d sessions running", ErrServiceBusy, len(m.sessions))
	}
	// hold the id while admission runs outside the lock
	m.sessions[id] = &managed{owner: owner}
	m.mu.Unlock()

	release := func() {}
	if m.admission != nil {
		release, err = m.admission.OpenSession(ctx, owner)
		if err != nil {
			m.mu.Lock()
			delete(m.sessions, id)
			m.mu.Unlock()
			if errors.Is(err, auth.ErrLimitExceeded) {
				return nil, protocol.SessionCreatedData{}, fmt.Errorf("%w: %v", ErrServiceBusy, err)
			}
			return nil, protocol.SessionCreatedData{}, err
		}
	}

	rcfg := m.cfg.Runner
	if m.cfg.MaxDuration != nil {
		rcfg.MaxDuration = m.cfg.MaxDuration(owner.Plan)
	}
	r := NewRunner(s, sink, rcfg)
	r.OnFinish(release)
	created := s.Created()
	runCtx, cancel := context.WithCancel(m.ctx)

	m.mu.Lock()
	m.sessions[id] = &managed{runner: r, owner: owner, cancel: cancel, release: release}
	n := len(m.sessions)
	m.mu.Unlock()
	m.deps.Metrics.ActiveSessions.Set(float64(n))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		r.Run(runCtx)
	}()

	m.logger.Info("session_created",
		zap.String("session_id", id),
		zap.String("user_id", owner.UserID),
		zap.Strings("symbols", s.create.Symbols),
		zap.Int("estimated_ticks", created.EstimatedTicks),
	)
	return r, created, nil
}

// Get returns the runner of a session owned by userID.
func (m *Manager) Get(id, userID string) (*Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok || e.runner == nil || e.owner.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e.runner, nil
}

// Remove stops a session's runner and forgets it. A live simulation is
// ended first.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok && e.runner != nil {
		delete(m.sessions, id)
	}
	n := len(m.sessions)
	m.mu.Unlock()
	if !ok || e.runner == nil {
		return
	}

	e.cancel()
	<-e.runner.Stopped()
	e.release()
	m.deps.Metrics.ActiveSessions.Set(float64(n))
	m.logger.Info("session_removed", zap.String("session_id", id))
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown ends every session and waits for the runners to exit.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	entries := m.sessions
	m.sessions = make(map[string]*managed)
	m.mu.Unlock()
	for _, e := range entries {
		if e.release != nil {
			e.release()
		}
	}
	m.deps.Metrics.ActiveSessions.Set(0)
}
