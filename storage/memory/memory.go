// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/janssen-go/jans-auth/instrumentation"
	"github.com/janssen-go/jans-auth/storage"
)

// defaultCleanupInterval is how often expired records and cache entries are
// swept. Read paths re-check expiration themselves; the sweep only reclaims
// memory.
const defaultCleanupInterval = time.Minute

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// Store is an in-memory implementation of GrantStore, Cache, ClientStore and
// UserStore.
type Store struct {
	mu sync.RWMutex

	// Token records keyed by hashed token code, plus a grant-id index.
	records       map[string]*storage.TokenRecord
	grantIndex    map[string]map[string]struct{} // grant ID -> set of hashes
	recordsAtomic atomic.Int64

	// TTL cache entries.
	cache map[string]cacheEntry

	// Registered clients and users.
	clients       map[string]*storage.Client
	clientSecrets map[string]string // client ID -> bcrypt hash
	users         map[string]*storage.User
	passwords     map[string]string // username -> bcrypt hash

	instrumentation *instrumentation.Instrumentation

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.GrantStore  = (*Store)(nil)
	_ storage.Cache       = (*Store)(nil)
	_ storage.ClientStore = (*Store)(nil)
	_ storage.UserStore   = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval.
func New() *Store {
	return NewWithInterval(defaultCleanupInterval)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. A non-positive interval falls back to the default.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}
	s := &Store{
		records:         make(map[string]*storage.TokenRecord),
		grantIndex:      make(map[string]map[string]struct{}),
		cache:           make(map[string]cacheEntry),
		clients:         make(map[string]*storage.Client),
		clientSecrets:   make(map[string]string),
		users:           make(map[string]*storage.User),
		passwords:       make(map[string]string),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}
	go s.cleanupLoop()
	return s
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables otel metrics for storage operations.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// Stop terminates the background cleanup goroutine. Safe to call twice.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *Store) record(ctx context.Context, op string, start time.Time, err error) {
	if s.instrumentation == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, op, result,
		float64(time.Since(start).Milliseconds()))
}

// ============================================================
// GrantStore
// ============================================================

// Persist stores a token record, overwriting any record under the same hash.
func (s *Store) Persist(ctx context.Context, record *storage.TokenRecord) (err error) {
	defer s.record(ctx, "persist_token", time.Now(), err)

	if record == nil || record.TokenCodeHash == "" || record.GrantID == "" {
		return fmt.Errorf("invalid token record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *record
	if _, exists := s.records[record.TokenCodeHash]; !exists {
		s.recordsAtomic.Add(1)
	}
	s.records[record.TokenCodeHash] = &cp

	idx, ok := s.grantIndex[record.GrantID]
	if !ok {
		idx = make(map[string]struct{})
		s.grantIndex[record.GrantID] = idx
	}
	idx[record.TokenCodeHash] = struct{}{}
	return nil
}

// GetByCode retrieves a record by hashed token code. Expired records are
// treated as absent.
func (s *Store) GetByCode(ctx context.Context, tokenCodeHash string) (rec *storage.TokenRecord, err error) {
	defer func() { s.record(ctx, "get_token", time.Now(), err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[tokenCodeHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if time.Now().After(r.ExpirationDate) {
		return nil, storage.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// GetByGrantID returns copies of all records under a grant ID. An unknown or
// fully swept grant yields an empty slice, per the GrantStore contract.
func (s *Store) GetByGrantID(ctx context.Context, grantID string) (recs []*storage.TokenRecord, err error) {
	defer func() { s.record(ctx, "get_grant", time.Now(), err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.grantIndex[grantID]
	out := make([]*storage.TokenRecord, 0, len(idx))
	for hash := range idx {
		if r, ok := s.records[hash]; ok {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// RemoveAllByGrantID bulk-deletes every record under a grant ID.
func (s *Store) RemoveAllByGrantID(ctx context.Context, grantID string) (n int, err error) {
	defer func() { s.record(ctx, "remove_grant", time.Now(), err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.grantIndex[grantID]
	for hash := range idx {
		if _, ok := s.records[hash]; ok {
			delete(s.records, hash)
			s.recordsAtomic.Add(-1)
			n++
		}
	}
	delete(s.grantIndex, grantID)
	return n, nil
}

// MarkRevokedByGrantID flips the revoked flag on every record under a grant
// ID, leaving the records in place for in-flight lookups to observe.
func (s *Store) MarkRevokedByGrantID(ctx context.Context, grantID string) (err error) {
	defer func() { s.record(ctx, "revoke_grant", time.Now(), err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	for hash := range s.grantIndex[grantID] {
		if r, ok := s.records[hash]; ok {
			r.Revoked = true
		}
	}
	return nil
}

// ============================================================
// Cache
// ============================================================

// Get retrieves a cache value; expired entries are absent.
func (s *Store) Get(ctx context.Context, key string) (val []byte, err error) {
	defer func() { s.record(ctx, "cache_get", time.Now(), err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.cache[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, storage.ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Put stores a cache value with a TTL.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	defer func() { s.record(ctx, "cache_put", time.Now(), err) }()

	if ttl <= 0 {
		return fmt.Errorf("cache TTL must be positive, got %s", ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(value))
	copy(cp, value)
	s.cache[key] = cacheEntry{value: cp, expiresAt: time.Now().Add(ttl)}
	return nil
}

// PutIfAbsent atomically stores a value only when the key is absent.
// The check and insert happen under one lock acquisition, so two concurrent
// callers racing on the same key see exactly one winner.
func (s *Store) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	defer func() { s.record(ctx, "cache_put_nx", time.Now(), err) }()

	if ttl <= 0 {
		return fmt.Errorf("cache TTL must be positive, got %s", ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.cache[key]; ok && time.Now().Before(e.expiresAt) {
		return storage.ErrKeyExists
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.cache[key] = cacheEntry{value: cp, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Delete removes a cache key.
func (s *Store) Delete(ctx context.Context, key string) (err error) {
	defer func() { s.record(ctx, "cache_delete", time.Now(), err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, key)
	return nil
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient registers a client. clientSecret may be empty for public
// clients; otherwise it is stored bcrypt-hashed.
func (s *Store) SaveClient(_ context.Context, client *storage.Client, clientSecret string) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	var hash string
	if clientSecret != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash client secret: %w", err)
		}
		hash = string(h)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *client
	s.clients[client.ClientID] = &cp
	if hash != "" {
		s.clientSecrets[client.ClientID] = hash
	}
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// ValidateClientSecret validates a client's secret.
func (s *Store) ValidateClientSecret(_ context.Context, clientID, clientSecret string) error {
	// SECURITY: always perform a bcrypt comparison so timing does not
	// reveal whether the client exists. Dummy hash is bcrypt("test").
	dummyHash := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

	s.mu.RLock()
	hash, ok := s.clientSecrets[clientID]
	s.mu.RUnlock()

	hashToCompare := dummyHash
	if ok {
		hashToCompare = hash
	}
	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if !ok {
		return storage.ErrNotFound
	}
	if bcryptErr != nil {
		return fmt.Errorf("invalid client credentials")
	}
	return nil
}

// ============================================================
// UserStore
// ============================================================

// SaveUser registers a user with password credentials.
func (s *Store) SaveUser(_ context.Context, user *storage.User, password string) error {
	if user == nil || user.ID == "" || user.Username == "" {
		return fmt.Errorf("invalid user")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *user
	s.users[user.ID] = &cp
	s.passwords[user.Username] = string(h)
	return nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(_ context.Context, userID string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// Authenticate validates resource-owner password credentials.
func (s *Store) Authenticate(_ context.Context, username, password string) (*storage.User, error) {
	s.mu.RLock()
	hash, ok := s.passwords[username]
	var found *storage.User
	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			found = &cp
			break
		}
	}
	s.mu.RUnlock()

	if !ok || found == nil {
		return nil, storage.ErrNotFound
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, fmt.Errorf("invalid credentials")
	}
	return found, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes expired token records and cache entries. Read paths do not
// depend on this: GetByCode and Get re-check expiration on every call.
func (s *Store) cleanup() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var expiredRecords, expiredEntries int
	for hash, r := range s.records {
		if now.After(r.ExpirationDate) {
			delete(s.records, hash)
			s.recordsAtomic.Add(-1)
			if idx, ok := s.grantIndex[r.GrantID]; ok {
				delete(idx, hash)
				if len(idx) == 0 {
					delete(s.grantIndex, r.GrantID)
				}
			}
			expiredRecords++
		}
	}
	for key, e := range s.cache {
		if now.After(e.expiresAt) {
			delete(s.cache, key)
			expiredEntries++
		}
	}

	if expiredRecords > 0 || expiredEntries > 0 {
		s.logger.Debug("Cleaned up expired storage entries",
			"token_records", expiredRecords,
			"cache_entries", expiredEntries)
	}
}

// RecordCount reports the number of live token records (for tests and
// metrics callbacks).
func (s *Store) RecordCount() int64 {
	return s.recordsAtomic.Load()
}
