package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/simutrador/pkg/protocol"
)

// Service ties keys, tokens, usage and plan limits together for the API
// layer.
type Service struct {
	keys   *KeyRegistry
	tokens TokenStore
	usage  UsageStore
	plans  map[protocol.UserPlan]PlanLimits
	ttl    time.Duration
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]int
	live  map[string]int
}

type ServiceConfig struct {
	Keys     *KeyRegistry
	Tokens   TokenStore
	Usage    UsageStore
	Plans    map[protocol.UserPlan]PlanLimits
	TokenTTL time.Duration
	Logger   *zap.Logger
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.Plans == nil {
		cfg.Plans = DefaultPlanLimits()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		keys:   cfg.Keys,
		tokens: cfg.Tokens,
		usage:  cfg.Usage,
		plans:  cfg.Plans,
		ttl:    cfg.TokenTTL,
		logger: cfg.Logger,
		conns:  make(map[string]int),
		live:   make(map[string]int),
	}
}

// IssueToken exchanges an API key for a bearer token.
func (s *Service) IssueToken(ctx context.Context, apiKey string) (protocol.TokenResponse, error) {
	id, err := s.keys.Lookup(apiKey)
	if err != nil {
		return protocol.TokenResponse{}, err
	}
	tok, err := s.tokens.Issue(ctx, id, s.ttl)
	if err != nil {
		return protocol.TokenResponse{}, fmt.Errorf("issue token: %w", err)
	}
	s.logger.Info("token_issued", zap.String("user_id", id.UserID), zap.Stringer("plan", id.Plan))
	return protocol.TokenResponse{
		AccessToken: tok,
		ExpiresIn:   int(s.ttl / time.Second),
		TokenType:   protocol.TokenTypeBearer,
		UserID:      id.UserID,
		Plan:        id.Plan,
	}, nil
}

func (s *Service) Authenticate(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	return s.tokens.Lookup(ctx, token)
}

func (s *Service) Revoke(ctx context.Context, token string) error {
	return s.tokens.Revoke(ctx, token)
}

func (s *Service) PlanLimits(plan protocol.UserPlan) PlanLimits {
	if l, ok := s.plans[plan]; ok {
		return l
	}
	return s.plans[protocol.PlanStarter]
}

// Limits builds the GET /limits response.
func (s *Service) Limits(ctx context.Context, id Identity) (protocol.UserLimitsResponse, error) {
	usage, resets, err := s.usage.Usage(ctx, id.UserID)
	if err != nil {
		return protocol.UserLimitsResponse{}, fmt.Errorf("load usage: %w", err)
	}
	s.mu.Lock()
	usage[MetricConnections] = s.conns[id.UserID]
	usage[MetricSessions] = s.live[id.UserID]
	s.mu.Unlock()
	return protocol.UserLimitsResponse{
		Plan:       id.Plan,
		Limits:     s.PlanLimits(id.Plan).Map(),
		Usage:      usage,
		ResetTimes: resets,
	}, nil
}

// OpenConnection reserves a connection slot. The returned func releases it.
func (s *Service) OpenConnection(id Identity) (func(), error) {
	return s.reserve(s.conns, id, s.PlanLimits(id.Plan).ConcurrentConnections, MetricConnections)
}

// OpenSession reserves a running-session slot and counts it against the
// daily quota.
func (s *Service) OpenSession(ctx context.Context, id Identity) (func(), error) {
	limits := s.PlanLimits(id.Plan)
	release, err := s.reserve(s.live, id, limits.ConcurrentSessions, MetricSessions)
	if err != nil {
		return nil, err
	}
	n, err := s.usage.Incr(ctx, id.UserID, MetricSessionsPerDay)
	if err != nil {
		release()
		return nil, fmt.Errorf("count session: %w", err)
	}
	if limits.SessionsPerDay > 0 && n > limits.SessionsPerDay {
		release()
		return nil, fmt.Errorf("%w: %s %d/%d", ErrLimitExceeded, MetricSessionsPerDay, n, limits.SessionsPerDay)
	}
	return release, nil
}

func (s *Service) reserve(counts map[string]int, id Identity, limit int, metric string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > 0 && counts[id.UserID] >= limit {
		return nil, fmt.Errorf("%w: %s %d/%d", ErrLimitExceeded, metric, counts[id.UserID], limit)
	}
	counts[id.UserID]++
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			counts[id.UserID]--
			if counts[id.UserID] <= 0 {
				delete(counts, id.UserID)
			}
		})
	}, nil
}
