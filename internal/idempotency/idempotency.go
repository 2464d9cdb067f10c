// Package idempotency guarantees that an operation runs at most once per
// logical key while its result is live.
//
// Concurrent callers with the same key are serialized by a per-key lock
// (and, across processes, an optional distributed lock). The first caller
// runs the operation and persists the result with a TTL; everyone after it
// gets the persisted result back with fromCache=true. Failed operations are
// not persisted, so a retry re-executes.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/sentinel/internal/cryptoutil"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/syncutil"
	"github.com/mbd888/sentinel/internal/traces"
)

var (
	ErrEmptyKey = errors.New("idempotency: key is required")
	// ErrOwnerMismatch means a live record for the key belongs to another owner.
	ErrOwnerMismatch = errors.New("idempotency: key belongs to another owner")
	// ErrLockUnavailable means the distributed lock could not be acquired in time.
	ErrLockUnavailable = errors.New("idempotency: lock unavailable")
	// ErrStorage means the record lookup failed. Execute does not run the
	// operation when it cannot tell whether it already ran.
	ErrStorage = errors.New("idempotency: storage unavailable")
)

// Record is one persisted result.
type Record struct {
	KeyHash   string
	OwnerID   string // empty when unscoped
	Response  []byte
	Encrypted bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Live reports whether the record has not yet expired at now.
func (r *Record) Live(now time.Time) bool {
	return r.ExpiresAt.After(now)
}

// Backend persists records.
type Backend interface {
	// Get returns the live record for keyHash, or nil.
	Get(ctx context.Context, keyHash string, now time.Time) (*Record, error)
	// Put stores rec unless a live record already holds the key, in which
	// case it reports false. Expired records are overwritten.
	Put(ctx context.Context, rec *Record) (bool, error)
	// Purge removes records expired at now.
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// Locker is a cross-process lock on a key.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Operation is the protected work. Its context is detached from the
// caller's cancellation.
type Operation func(ctx context.Context) ([]byte, error)

// Config bounds the store's work.
type Config struct {
	TTL              time.Duration // default 1h
	OperationTimeout time.Duration // default 30s
	StorageTimeout   time.Duration // default 2s
}

// Option configures a Store.
type Option func(*Store)

// WithLocker adds a distributed lock taken after the in-process lock.
func WithLocker(l Locker) Option {
	return func(s *Store) { s.locker = l }
}

// WithCipher encrypts persisted responses.
func WithCipher(c *cryptoutil.Cipher) Option {
	return func(s *Store) { s.cipher = c }
}

// Store executes operations idempotently.
type Store struct {
	backend Backend
	locks   *syncutil.KeyedMutex
	locker  Locker
	cipher  *cryptoutil.Cipher
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an idempotency store.
func New(backend Backend, cfg Config, logger *slog.Logger, opts ...Option) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		backend: backend,
		locks:   syncutil.NewKeyedMutex(),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type result struct {
	data      []byte
	fromCache bool
	err       error
}

// Execute runs op at most once per key while its result is live.
//
// If the caller's context ends while op is running, Execute returns the
// context error but op continues, bounded by OperationTimeout, and its
// result is persisted under a separate StorageTimeout, so the next caller
// with the same key finds it.
func (s *Store) Execute(ctx context.Context, key, ownerID string, op Operation) ([]byte, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	keyHash := cryptoutil.HashKey(key)

	ctx, span := traces.StartSpan(ctx, "idempotency.Execute")
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, keyHash)
	if err != nil {
		return nil, false, err
	}

	var release func()
	if s.locker != nil {
		release, err = s.locker.Lock(ctx, keyHash)
		if err != nil {
			unlock()
			metrics.IdempotencyExecutionsTotal.WithLabelValues("lock_unavailable").Inc()
			return nil, false, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
		}
	}
	unlockAll := func() {
		if release != nil {
			release()
		}
		unlock()
	}

	// Detached from the caller so a caller that gives up still leaves a
	// complete record behind.
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.OperationTimeout)
	done := make(chan result, 1)
	go func() {
		defer cancel()
		defer unlockAll()
		data, fromCache, err := s.executeLocked(opCtx, keyHash, ownerID, op)
		done <- result{data: data, fromCache: fromCache, err: err}
	}()

	select {
	case r := <-done:
		span.SetAttributes(traces.FromCache(r.fromCache))
		return r.data, r.fromCache, r.err
	case <-ctx.Done():
		logging.L(ctx).Warn("caller abandoned idempotent execution; it continues in the background")
		return nil, false, ctx.Err()
	}
}

func (s *Store) executeLocked(ctx context.Context, keyHash, ownerID string, op Operation) ([]byte, bool, error) {
	rec, err := s.get(ctx, keyHash)
	if err != nil {
		metrics.StorageFailuresTotal.WithLabelValues("idempotency").Inc()
		logging.L(ctx).Error("idempotency lookup failed", "error", err)
		return nil, false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if rec != nil {
		return s.replay(ctx, rec, ownerID)
	}

	data, err := op(ctx)
	if err != nil {
		metrics.IdempotencyExecutionsTotal.WithLabelValues("failed").Inc()
		return nil, false, err
	}
	metrics.IdempotencyExecutionsTotal.WithLabelValues("executed").Inc()

	// The op may have used up OperationTimeout; the write gets its own
	// StorageTimeout so a late success is still recorded.
	ctx = context.WithoutCancel(ctx)
	stored, err := s.persist(ctx, keyHash, ownerID, data)
	if err != nil {
		metrics.StorageFailuresTotal.WithLabelValues("idempotency").Inc()
		logging.L(ctx).Error("failed to persist idempotent result; next duplicate will re-execute", "error", err)
		return data, false, nil
	}
	if !stored {
		// Another process won the insert. Its result is the canonical one.
		winner, err := s.get(ctx, keyHash)
		if err == nil && winner != nil {
			logging.L(ctx).Warn("idempotency key executed concurrently elsewhere; returning stored result")
			return s.replay(ctx, winner, ownerID)
		}
	}
	return data, false, nil
}

func (s *Store) replay(ctx context.Context, rec *Record, ownerID string) ([]byte, bool, error) {
	if rec.OwnerID != "" && rec.OwnerID != ownerID {
		metrics.IdempotencyExecutionsTotal.WithLabelValues("owner_mismatch").Inc()
		return nil, false, ErrOwnerMismatch
	}
	data := rec.Response
	if rec.Encrypted {
		if s.cipher == nil {
			return nil, false, fmt.Errorf("%w: encrypted record but no encryption key configured", ErrStorage)
		}
		plain, err := s.cipher.Decrypt(string(rec.Response))
		if err != nil {
			logging.L(ctx).Error("failed to decrypt idempotent result", "error", err)
			return nil, false, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		data = plain
	}
	metrics.IdempotencyExecutionsTotal.WithLabelValues("cached").Inc()
	return data, true, nil
}

func (s *Store) get(ctx context.Context, keyHash string) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
	defer cancel()
	return s.backend.Get(ctx, keyHash, s.now())
}

func (s *Store) persist(ctx context.Context, keyHash, ownerID string, data []byte) (bool, error) {
	now := s.now()
	rec := &Record{
		KeyHash:   keyHash,
		OwnerID:   ownerID,
		Response:  data,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.TTL),
	}
	if s.cipher != nil {
		sealed, err := s.cipher.Encrypt(data)
		if err != nil {
			return false, err
		}
		rec.Response = []byte(sealed)
		rec.Encrypted = true
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
	defer cancel()
	return s.backend.Put(ctx, rec)
}

// Purge removes expired records.
func (s *Store) Purge(ctx context.Context, now time.Time) (int64, error) {
	return s.backend.Purge(ctx, now)
}

// Do is the typed form of Execute; results are JSON encoded for storage.
func Do[T any](ctx context.Context, s *Store, key, ownerID string, op func(ctx context.Context) (T, error)) (T, bool, error) {
	var zero T
	data, fromCache, err := s.Execute(ctx, key, ownerID, func(ctx context.Context) ([]byte, error) {
		v, err := op(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return zero, false, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, false, fmt.Errorf("idempotency: decode result: %w", err)
	}
	return out, fromCache, nil
}
