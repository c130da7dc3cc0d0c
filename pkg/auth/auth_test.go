package auth

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/uhyunpark/simutrador/pkg/protocol"
)

func TestParseKeySpec(t *testing.T) {
	key, id, err := ParseKeySpec("sk_live:alice:professional")
	require.NoError(t, err)
	assert.Equal(t, "sk_live", key)
	assert.Equal(t, Identity{UserID: "alice", Plan: protocol.PlanProfessional}, id)

	_, id, err = ParseKeySpec(" k:bob ")
	require.NoError(t, err)
	assert.Equal(t, protocol.PlanStarter, id.Plan)

	for _, bad := range []string{"", "k", ":bob", "k:", "k:bob:gold", "a:b:c:d"} {
		_, _, err := ParseKeySpec(bad)
		assert.Error(t, err, bad)
	}
}

func TestKeyRegistryLookup(t *testing.T) {
	r, err := NewKeyRegistry([]string{"k1:alice", "", "k2:bob:enterprise"}, bcrypt.MinCost)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	id, err := r.Lookup("k2")
	require.NoError(t, err)
	assert.Equal(t, "bob", id.UserID)
	assert.Equal(t, protocol.PlanEnterprise, id.Plan)

	_, err = r.Lookup("nope")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
	_, err = r.Lookup("")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestMemoryTokenStoreExpiry(t *testing.T) {
	now := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	s := NewMemoryTokenStore(func() time.Time { return now })
	ctx := context.Background()

	tok, err := s.Issue(ctx, Identity{UserID: "alice"}, time.Minute)
	require.NoError(t, err)
	assert.Contains(t, tok, "st_")

	id, err := s.Lookup(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)

	now = now.Add(time.Minute)
	_, err = s.Lookup(ctx, tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	tok, err = s.Issue(ctx, Identity{UserID: "alice"}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Revoke(ctx, tok))
	_, err = s.Lookup(ctx, tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMemoryUsageResetsDaily(t *testing.T) {
	now := time.Date(2024, 1, 2, 23, 59, 0, 0, time.UTC)
	u := NewMemoryUsage(func() time.Time { return now })
	ctx := context.Background()

	n, err := u.Incr(ctx, "alice", MetricSessionsPerDay)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, _ = u.Incr(ctx, "alice", MetricSessionsPerDay)
	assert.Equal(t, 2, n)

	usage, resets, err := u.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, usage[MetricSessionsPerDay])
	assert.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), resets[MetricSessionsPerDay])

	now = now.Add(2 * time.Minute)
	usage, _, _ = u.Usage(ctx, "alice")
	assert.Equal(t, 0, usage[MetricSessionsPerDay])
}

func newTestService(t *testing.T, plans map[protocol.UserPlan]PlanLimits) *Service {
	t.Helper()
	keys, err := NewKeyRegistry([]string{"k1:alice"}, bcrypt.MinCost)
	require.NoError(t, err)
	return NewService(ServiceConfig{
		Keys:     keys,
		Tokens:   NewMemoryTokenStore(nil),
		Usage:    NewMemoryUsage(nil),
		Plans:    plans,
		TokenTTL: 30 * time.Minute,
	})
}

func TestServiceTokenRoundTrip(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	resp, err := s.IssueToken(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, protocol.TokenTypeBearer, resp.TokenType)
	assert.Equal(t, 1800, resp.ExpiresIn)
	assert.Equal(t, "alice", resp.UserID)

	id, err := s.Authenticate(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)

	_, err = s.IssueToken(ctx, "bad")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
	_, err = s.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestServiceConnectionAndSessionLimits(t *testing.T) {
	plans := map[protocol.UserPlan]PlanLimits{
		protocol.PlanStarter: {ConcurrentConnections: 1, ConcurrentSessions: 1, SessionsPerDay: 2},
	}
	s := newTestService(t, plans)
	ctx := context.Background()
	alice := Identity{UserID: "alice"}

	release, err := s.OpenConnection(alice)
	require.NoError(t, err)
	_, err = s.OpenConnection(alice)
	assert.ErrorIs(t, err, ErrLimitExceeded)
	release()
	release()
	release, err = s.OpenConnection(alice)
	require.NoError(t, err)
	defer release()

	end, err := s.OpenSession(ctx, alice)
	require.NoError(t, err)
	_, err = s.OpenSession(ctx, alice)
	assert.ErrorIs(t, err, ErrLimitExceeded)
	end()

	end, err = s.OpenSession(ctx, alice)
	require.NoError(t, err)
	end()

	// third session of the day
	_, err = s.OpenSession(ctx, alice)
	assert.ErrorIs(t, err, ErrLimitExceeded)

	limits, err := s.Limits(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, limits.Usage[MetricConnections])
	assert.Equal(t, 0, limits.Usage[MetricSessions])
	assert.Equal(t, 3, limits.Usage[MetricSessionsPerDay])
	assert.Equal(t, 2, limits.Limits[MetricSessionsPerDay])
}

func TestNewLimiter(t *testing.T) {
	l := NewLimiter(PlanLimits{MessagesPerSecond: 2})
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	unlimited := NewLimiter(PlanLimits{})
	for range 100 {
		assert.True(t, unlimited.Allow())
	}
}

func TestRedisStores(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	defer client.Close()

	tokens := NewRedisTokenStore(client)
	tok, err := tokens.Issue(ctx, Identity{UserID: "redis-user", Plan: protocol.PlanEnterprise}, time.Minute)
	require.NoError(t, err)
	id, err := tokens.Lookup(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, protocol.PlanEnterprise, id.Plan)
	require.NoError(t, tokens.Revoke(ctx, tok))
	_, err = tokens.Lookup(ctx, tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	usage := NewRedisUsage(client)
	before, _, err := usage.Usage(ctx, "redis-user")
	require.NoError(t, err)
	n, err := usage.Incr(ctx, "redis-user", MetricSessionsPerDay)
	require.NoError(t, err)
	assert.Equal(t, before[MetricSessionsPerDay]+1, n)
}
