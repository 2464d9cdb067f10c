package auth

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestGenerateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "42", "Test key", 0)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if !strings.HasPrefix(rawKey, "sk_") {
		t.Errorf("Expected raw key to start with sk_, got %s", rawKey[:10])
	}
	if len(rawKey) != 67 { // "sk_" + 64 hex chars
		t.Errorf("Expected raw key length 67, got %d", len(rawKey))
	}
	if !strings.HasPrefix(key.ID, "ak_") {
		t.Errorf("Expected key ID to start with ak_, got %s", key.ID)
	}
	if key.ActorID != "42" {
		t.Errorf("Expected actor 42, got %s", key.ActorID)
	}
	if key.Hash == rawKey || key.Hash == "" {
		t.Error("Expected only the hash of the key to be stored")
	}
	if key.ExpiresAt != nil {
		t.Error("Expected no expiry for zero ttl")
	}
}

func TestGenerateKey_InvalidActor(t *testing.T) {
	mgr := NewManager(NewMemoryStore())

	for _, actor := range []string{"", "   ", strings.Repeat("a", 256)} {
		if _, _, err := mgr.GenerateKey(context.Background(), actor, "x", 0); err != ErrInvalidActor {
			t.Errorf("actor %q: expected ErrInvalidActor, got %v", actor, err)
		}
	}
}

func TestValidateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, " actor-7 ", "Primary", 0)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	key, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Fatalf("ValidateKey failed for valid key: %v", err)
	}
	if key.ActorID != "actor-7" {
		t.Errorf("Expected trimmed actor ID, got %q", key.ActorID)
	}

	if _, err := mgr.ValidateKey(ctx, "Bearer "+rawKey); err != nil {
		t.Errorf("ValidateKey failed with Bearer prefix: %v", err)
	}

	cases := map[string]error{
		"":                              ErrNoAPIKey,
		"Bearer ":                       ErrNoAPIKey,
		"pk_notasecret":                 ErrInvalidAPIKey,
		"sk_" + strings.Repeat("0", 64): ErrInvalidAPIKey,
	}
	for raw, want := range cases {
		if _, err := mgr.ValidateKey(ctx, raw); err != want {
			t.Errorf("ValidateKey(%q): expected %v, got %v", raw, want, err)
		}
	}
}

func TestValidateKey_Expired(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, "42", "short", time.Minute)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, rawKey); err != nil {
		t.Fatalf("Expected fresh key to validate: %v", err)
	}

	mgr.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := mgr.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("Expected expired key to be rejected, got %v", err)
	}
}

func TestRevokeKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, "42", "to-revoke", 0)

	if err := mgr.RevokeKey(ctx, key.ID, "someone-else"); err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound for another actor, got %v", err)
	}
	if err := mgr.RevokeKey(ctx, key.ID, "42"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("Expected revoked key to be rejected, got %v", err)
	}
	if err := mgr.RevokeKey(ctx, key.ID, "42"); err != ErrKeyNotFound {
		t.Errorf("Expected second revoke to fail, got %v", err)
	}
}

func TestListKeys(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	_, _, _ = mgr.GenerateKey(ctx, "42", "a", 0)
	_, _, _ = mgr.GenerateKey(ctx, "42", "b", 0)
	_, _, _ = mgr.GenerateKey(ctx, "43", "c", 0)

	keys, err := mgr.ListKeys(ctx, "42")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected 2 keys, got %d", len(keys))
	}

	keys, _ = mgr.ListKeys(ctx, "nobody")
	if keys == nil || len(keys) != 0 {
		t.Errorf("Expected empty non-nil slice, got %v", keys)
	}
}

func TestMemoryStore_UpdateKeepsRevocation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := &APIKey{ID: "ak_1", Hash: "h", ActorID: "42"}
	_ = store.Create(ctx, key)

	_ = store.Update(ctx, &APIKey{ID: "ak_1", Revoked: true})
	_ = store.Update(ctx, &APIKey{ID: "ak_1", LastUsed: time.Now()})

	got, _ := store.GetByHash(ctx, "h")
	if !got.Revoked {
		t.Error("A late last-used update must not un-revoke a key")
	}
	if err := store.Update(ctx, &APIKey{ID: "missing"}); err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}
