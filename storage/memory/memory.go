// Package memory provides an in-memory implementation of the storage
// interfaces. It is the default backend for single-instance deployments and
// for tests. Expired records are swept by a background goroutine and are
// also filtered on read, so callers never observe a stale record.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/biomcp/mcp-gateway/storage"
)

const defaultCleanupInterval = time.Minute

// Store is an in-memory storage.Store. Safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	sessions      map[string]*storage.AuthorizationSession // keyed by TX
	codes         map[string]*storage.AuthorizationCode
	accessTokens  map[string]*storage.TokenRecord // keyed by digest
	refreshTokens map[string]*storage.TokenRecord // keyed by digest
	mcpSessions   map[string]*storage.Session

	logger      *slog.Logger
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// New creates a store with the default one-minute cleanup interval.
func New() *Store {
	return NewWithInterval(defaultCleanupInterval)
}

// NewWithInterval creates a store with a custom cleanup interval. An interval
// of zero or less disables the background sweep; expired records are then
// only dropped on read.
func NewWithInterval(interval time.Duration) *Store {
	s := &Store{
		clients:       make(map[string]*storage.Client),
		sessions:      make(map[string]*storage.AuthorizationSession),
		codes:         make(map[string]*storage.AuthorizationCode),
		accessTokens:  make(map[string]*storage.TokenRecord),
		refreshTokens: make(map[string]*storage.TokenRecord),
		mcpSessions:   make(map[string]*storage.Session),
		logger:        slog.Default(),
		stopCleanup:   make(chan struct{}),
	}
	if interval > 0 {
		go s.cleanupLoop(interval)
	}
	return s
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Stop terminates the background cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ==================== ClientStore ====================

func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *client
	s.clients[client.ClientID] = &cp
	return nil
}

func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *client
	return &cp, nil
}

// ==================== FlowStore ====================

func (s *Store) SaveAuthorizationSession(_ context.Context, session *storage.AuthorizationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.sessions[session.TX] = &cp
	return nil
}

// TakeAuthorizationSession removes and returns the session for tx. The
// delete-under-lock makes a concurrent duplicate callback lose cleanly.
func (s *Store) TakeAuthorizationSession(_ context.Context, tx string) (*storage.AuthorizationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[tx]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.sessions, tx)
	if time.Now().After(session.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return session, nil
}

func (s *Store) SaveAuthorizationCode(_ context.Context, code *storage.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *code
	s.codes[code.Code] = &cp
	return nil
}

// TakeAuthorizationCode consumes a code. The first redeemer wins; replays and
// expired codes are indistinguishable from never-issued ones.
func (s *Store) TakeAuthorizationCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.codes, code)
	if time.Now().After(record.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return record, nil
}

// ==================== TokenStore ====================

func (s *Store) SaveAccessToken(_ context.Context, digest string, record *storage.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	s.accessTokens[digest] = &cp
	return nil
}

func (s *Store) GetAccessToken(_ context.Context, digest string) (*storage.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.accessTokens[digest]
	if !ok || time.Now().After(record.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	cp := *record
	return &cp, nil
}

func (s *Store) DeleteAccessToken(_ context.Context, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accessTokens, digest)
	return nil
}

func (s *Store) SaveRefreshToken(_ context.Context, digest string, record *storage.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	s.refreshTokens[digest] = &cp
	return nil
}

// TakeRefreshToken consumes a refresh token for rotation. A replay of a
// rotated token finds nothing and fails.
func (s *Store) TakeRefreshToken(_ context.Context, digest string) (*storage.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.refreshTokens[digest]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.refreshTokens, digest)
	if time.Now().After(record.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return record, nil
}

func (s *Store) DeleteRefreshToken(_ context.Context, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refreshTokens, digest)
	return nil
}

// ==================== SessionStore ====================

func (s *Store) SaveSession(_ context.Context, session *storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.mcpSessions[session.ID] = &cp
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.mcpSessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *session
	return &cp, nil
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mcpSessions, id)
	return nil
}

// ==================== Cleanup ====================

func (s *Store) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
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

func (s *Store) cleanup() {
	now := time.Now()
	removed := 0

	s.mu.Lock()
	defer s.mu.Unlock()

	for tx, session := range s.sessions {
		if now.After(session.ExpiresAt) {
			delete(s.sessions, tx)
			removed++
		}
	}
	for code, record := range s.codes {
		if now.After(record.ExpiresAt) {
			delete(s.codes, code)
			removed++
		}
	}
	for digest, record := range s.accessTokens {
		if now.After(record.ExpiresAt) {
			delete(s.accessTokens, digest)
			removed++
		}
	}
	for digest, record := range s.refreshTokens {
		if now.After(record.ExpiresAt) {
			delete(s.refreshTokens, digest)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Expired records cleaned up", "count", removed)
	}
}
