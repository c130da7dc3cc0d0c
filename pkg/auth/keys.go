// Package auth turns API keys into short-lived bearer tokens and enforces
// per-plan limits on the connections those tokens open.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/uhyunpark/simutrador/pkg/protocol"
)

var (
	ErrInvalidAPIKey = errors.New("invalid api key")
	ErrInvalidToken  = errors.New("invalid or expired token")
)

// Identity is who a key or token belongs to.
type Identity struct {
	UserID string            `json:"user_id"`
	Plan   protocol.UserPlan `json:"plan"`
}

type keyEntry struct {
	hash     []byte
	identity Identity
}

// KeyRegistry holds bcrypt hashes of the configured API keys; plaintext
// keys are dropped after construction.
type KeyRegistry struct {
	entries []keyEntry
}

// ParseKeySpec parses "key:user_id:plan" (plan optional, default starter).
func ParseKeySpec(spec string) (key string, id Identity, err error) {
	parts := strings.Split(strings.TrimSpace(spec), ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return "", Identity{}, fmt.Errorf("api key spec must be key:user[:plan]")
	}
	id = Identity{UserID: parts[1]}
	if len(parts) == 3 {
		if id.Plan, err = protocol.ParseUserPlan(parts[2]); err != nil {
			return "", Identity{}, fmt.Errorf("api key for %s: %w", id.UserID, err)
		}
	}
	return parts[0], id, nil
}

// NewKeyRegistry hashes every key spec with the given bcrypt cost
// (bcrypt.DefaultCost when cost is 0).
func NewKeyRegistry(specs []string, cost int) (*KeyRegistry, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	r := &KeyRegistry{}
	for _, spec := range specs {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		key, id, err := ParseKeySpec(spec)
		if err != nil {
			return nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(key), cost)
		if err != nil {
			return nil, fmt.Errorf("hash api key for %s: %w", id.UserID, err)
		}
		r.entries = append(r.entries, keyEntry{hash: hash, identity: id})
	}
	return r, nil
}

func (r *KeyRegistry) Len() int {
	return len(r.entries)
}

// Lookup returns the identity that owns key.
func (r *KeyRegistry) Lookup(key string) (Identity, error) {
	if key == "" {
		return Identity{}, ErrInvalidAPIKey
	}
	for _, e := range r.entries {
		if bcrypt.CompareHashAndPassword(e.hash, []byte(key)) == nil {
			return e.identity, nil
		}
	}
	return Identity{}, ErrInvalidAPIKey
}
