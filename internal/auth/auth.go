// Package auth authenticates actors for the security core.
//
// Actors present an API key ("Authorization: Bearer sk_..." or
// "X-API-Key"). A valid key resolves to the actor ID that rate limiting,
// fraud scoring and idempotency scoping key on. Requests without a key are
// anonymous and are limited per IP address. Operator endpoints are guarded
// by a shared admin secret instead.
package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/cryptoutil"
	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/logging"
)

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
	ErrInvalidActor  = errors.New("invalid actor ID")
)

// APIKey is the stored form of an actor's key. The raw key is never kept.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	ActorID   string     `json:"actor_id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  time.Time  `json:"last_used,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByActor(ctx context.Context, actorID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

// Manager issues and validates keys.
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager creates a key manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// GenerateKey creates a key for actorID. ttl of zero never expires.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, actorID, name string, ttl time.Duration) (string, *APIKey, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" || len(actorID) > 255 {
		return "", nil, ErrInvalidActor
	}

	rawKey := "sk_" + idgen.Hex(32)
	key := &APIKey{
		ID:        idgen.WithPrefix("ak_"),
		Hash:      cryptoutil.HashKey(rawKey),
		ActorID:   actorID,
		Name:      name,
		CreatedAt: m.now().UTC(),
	}
	if ttl > 0 {
		exp := key.CreatedAt.Add(ttl)
		key.ExpiresAt = &exp
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey returns the key metadata for a raw key, with or without the
// "Bearer " prefix.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rawKey), "Bearer "))
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, cryptoutil.HashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	now := m.now()
	if key.Revoked || (key.ExpiresAt != nil && now.After(*key.ExpiresAt)) {
		return nil, ErrInvalidAPIKey
	}

	touched := *key
	touched.LastUsed = now.UTC()
	go func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := m.store.Update(uctx, &touched); err != nil {
			logging.L(ctx).Debug("failed to record key use", "key_id", touched.ID, "error", err)
		}
	}()

	return key, nil
}

// ListKeys returns all keys of an actor.
func (m *Manager) ListKeys(ctx context.Context, actorID string) ([]*APIKey, error) {
	return m.store.GetByActor(ctx, strings.TrimSpace(actorID))
}

// RevokeKey revokes one of actorID's keys.
func (m *Manager) RevokeKey(ctx context.Context, keyID, actorID string) error {
	keys, err := m.store.GetByActor(ctx, actorID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID && !k.Revoked {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByActor(_ context.Context, actorID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := []*APIKey{}
	for _, k := range s.keys {
		if k.ActorID == actorID {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.keys[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	existing.LastUsed = key.LastUsed
	existing.Revoked = existing.Revoked || key.Revoked
	return nil
}
