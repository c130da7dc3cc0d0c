package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TokenStore issues opaque bearer tokens and resolves them back to the
// identity they were issued for.
type TokenStore interface {
	Issue(ctx context.Context, id Identity, ttl time.Duration) (string, error)
	Lookup(ctx context.Context, token string) (Identity, error)
	Revoke(ctx context.Context, token string) error
}

func newToken() string {
	return "st_" + uuid.NewString()
}

// MemoryTokenStore keeps tokens in process memory.
type MemoryTokenStore struct {
	now func() time.Time

	mu     sync.Mutex
	tokens map[string]memoryToken
}

type memoryToken struct {
	id        Identity
	expiresAt time.Time
}

func NewMemoryTokenStore(now func() time.Time) *MemoryTokenStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryTokenStore{now: now, tokens: make(map[string]memoryToken)}
}

func (s *MemoryTokenStore) Issue(_ context.Context, id Identity, ttl time.Duration) (string, error) {
	tok := newToken()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok] = memoryToken{id: id, expiresAt: s.now().Add(ttl)}
	return tok, nil
}

func (s *MemoryTokenStore) Lookup(_ context.Context, token string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	if !s.now().Before(t.expiresAt) {
		delete(s.tokens, token)
		return Identity{}, ErrInvalidToken
	}
	return t.id, nil
}

func (s *MemoryTokenStore) Revoke(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
	return nil
}

// RedisTokenStore stores tokens as token:{value} keys expiring with the token.
type RedisTokenStore struct {
	client *redis.Client
}

// NewRedisClient parses the URL and verifies the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func NewRedisTokenStore(client *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{client: client}
}

func tokenKey(token string) string {
	return fmt.Sprintf("token:%s", token)
}

func (s *RedisTokenStore) Issue(ctx context.Context, id Identity, ttl time.Duration) (string, error) {
	val, err := json.Marshal(id)
	if err != nil {
		return "", fmt.Errorf("encode identity: %w", err)
	}
	tok := newToken()
	if err := s.client.Set(ctx, tokenKey(tok), val, ttl).Err(); err != nil {
		return "", fmt.Errorf("redis SET failed: %w", err)
	}
	return tok, nil
}

func (s *RedisTokenStore) Lookup(ctx context.Context, token string) (Identity, error) {
	val, err := s.client.Get(ctx, tokenKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Identity{}, ErrInvalidToken
	}
	if err != nil {
		return Identity{}, fmt.Errorf("redis GET failed: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(val, &id); err != nil {
		return Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	return id, nil
}

func (s *RedisTokenStore) Revoke(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, tokenKey(token)).Err(); err != nil {
		return fmt.Errorf("redis DEL failed: %w", err)
	}
	return nil
}

var _ TokenStore = (*MemoryTokenStore)(nil)
var _ TokenStore = (*RedisTokenStore)(nil)
