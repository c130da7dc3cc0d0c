package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/uhyunpark/simutrador/pkg/protocol"
)

var ErrLimitExceeded = errors.New("plan limit exceeded")

// PlanLimits are the per-plan quotas.
type PlanLimits struct {
	ConcurrentConnections    int
	ConcurrentSessions       int
	SessionsPerDay           int
	MaxSimulationDurationSec int
	IdleTimeoutSec           int
	MessagesPerSecond        int
}

// Usage metric names, shared by the limits response and the counters.
const (
	MetricConnections    = "concurrent_connections"
	MetricSessions       = "concurrent_sessions"
	MetricSessionsPerDay = "sessions_per_day"
	MetricDuration       = "max_simulation_duration_sec"
	MetricIdleTimeout    = "idle_timeout_sec"
	MetricMessageRate    = "messages_per_second"
)

func (l PlanLimits) Map() map[string]int {
	return map[string]int{
		MetricConnections:    l.ConcurrentConnections,
		MetricSessions:       l.ConcurrentSessions,
		MetricSessionsPerDay: l.SessionsPerDay,
		MetricDuration:       l.MaxSimulationDurationSec,
		MetricIdleTimeout:    l.IdleTimeoutSec,
		MetricMessageRate:    l.MessagesPerSecond,
	}
}

// DefaultPlanLimits returns the shipped quotas per plan.
func DefaultPlanLimits() map[protocol.UserPlan]PlanLimits {
	return map[protocol.UserPlan]PlanLimits{
		protocol.PlanStarter: {
			ConcurrentConnections:    1,
			ConcurrentSessions:       1,
			SessionsPerDay:           20,
			MaxSimulationDurationSec: 3600,
			IdleTimeoutSec:           300,
			MessagesPerSecond:        50,
		},
		protocol.PlanProfessional: {
			ConcurrentConnections:    5,
			ConcurrentSessions:       5,
			SessionsPerDay:           500,
			MaxSimulationDurationSec: 4 * 3600,
			IdleTimeoutSec:           900,
			MessagesPerSecond:        200,
		},
		protocol.PlanEnterprise: {
			ConcurrentConnections:    25,
			ConcurrentSessions:       25,
			SessionsPerDay:           10000,
			MaxSimulationDurationSec: 24 * 3600,
			IdleTimeoutSec:           3600,
			MessagesPerSecond:        1000,
		},
	}
}

// NewLimiter returns the per-connection message limiter for a plan, with a
// burst of one second's worth of messages.
func NewLimiter(l PlanLimits) *rate.Limiter {
	if l.MessagesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(l.MessagesPerSecond), l.MessagesPerSecond)
}

// UsageStore counts daily usage per user.
type UsageStore interface {
	// Incr adds one to metric for the current day and returns the new count.
	Incr(ctx context.Context, userID, metric string) (int, error)
	// Usage returns the current day's counters and when each resets.
	Usage(ctx context.Context, userID string) (map[string]int, map[string]time.Time, error)
}

// nextReset is the next UTC midnight after now.
func nextReset(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func dayStamp(now time.Time) string {
	return now.UTC().Format("20060102")
}

var dailyMetrics = []string{MetricSessionsPerDay}

type MemoryUsage struct {
	now func() time.Time

	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryUsage(now func() time.Time) *MemoryUsage {
	if now == nil {
		now = time.Now
	}
	return &MemoryUsage{now: now, counts: make(map[string]int)}
}

func (u *MemoryUsage) key(userID, metric string) string {
	return userID + "|" + metric + "|" + dayStamp(u.now())
}

func (u *MemoryUsage) Incr(_ context.Context, userID, metric string) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	k := u.key(userID, metric)
	u.counts[k]++
	return u.counts[k], nil
}

func (u *MemoryUsage) Usage(_ context.Context, userID string) (map[string]int, map[string]time.Time, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	usage := make(map[string]int, len(dailyMetrics))
	resets := make(map[string]time.Time, len(dailyMetrics))
	reset := nextReset(u.now())
	for _, m := range dailyMetrics {
		usage[m] = u.counts[u.key(userID, m)]
		resets[m] = reset
	}
	return usage, resets, nil
}

// RedisUsage keeps counters at usage:{user}:{metric}:{yyyymmdd}, expiring
// at the end of the day.
type RedisUsage struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisUsage(client *redis.Client) *RedisUsage {
	return &RedisUsage{client: client, now: time.Now}
}

func (u *RedisUsage) key(userID, metric string) string {
	return fmt.Sprintf("usage:%s:%s:%s", userID, metric, dayStamp(u.now()))
}

func (u *RedisUsage) Incr(ctx context.Context, userID, metric string) (int, error) {
	now := u.now()
	key := u.key(userID, metric)
	var incr *redis.IntCmd
	_, err := u.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.ExpireAt(ctx, key, nextReset(now))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis INCR failed: %w", err)
	}
	return int(incr.Val()), nil
}

func (u *RedisUsage) Usage(ctx context.Context, userID string) (map[string]int, map[string]time.Time, error) {
	usage := make(map[string]int, len(dailyMetrics))
	resets := make(map[string]time.Time, len(dailyMetrics))
	reset := nextReset(u.now())
	for _, m := range dailyMetrics {
		n, err := u.client.Get(ctx, u.key(userID, m)).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, nil, fmt.Errorf("redis GET failed: %w", err)
		}
		usage[m] = n
		resets[m] = reset
	}
	return usage, resets, nil
}

var _ UsageStore = (*MemoryUsage)(nil)
var _ UsageStore = (*RedisUsage)(nil)
