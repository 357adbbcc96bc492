package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/biomcp/mcp-gateway/storage"
)

const (
	// DefaultKeyPrefix is the prefix for all gateway keys.
	DefaultKeyPrefix = "mcpgw:"

	// sessionTTL bounds MCP proxy sessions server-side so abandoned sessions
	// do not accumulate. Sessions are otherwise deleted only on DELETE.
	sessionTTL = 24 * time.Hour

	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address, e.g. "localhost:6379" (required).
	Address string

	// Password is the optional password for authentication.
	Password string

	// DB is the optional database number.
	DB int

	// KeyPrefix is the prefix for all keys (default "mcpgw:").
	KeyPrefix string

	// TLS is the optional TLS configuration.
	TLS *tls.Config

	// Logger is the optional structured logger.
	Logger *slog.Logger
}

// Store is a Valkey-backed storage.Store.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a Valkey-backed store and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to valkey", "address", cfg.Address, "db", cfg.DB)
	return &Store{client: client, prefix: prefix, logger: logger}, nil
}

// Close releases the underlying client.
func (s *Store) Close() {
	s.client.Close()
}

func (s *Store) key(kind, id string) string {
	return s.prefix + kind + ":" + id
}

func (s *Store) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	builder := s.client.B().Set().Key(key).Value(string(data))
	if ttl > 0 {
		return s.client.Do(ctx, builder.Ex(ttl).Build()).Error()
	}
	return s.client.Do(ctx, builder.Build()).Error()
}

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("valkey get failed: %w", err)
	}
	return json.Unmarshal([]byte(data), v)
}

// takeJSON atomically fetches and deletes a record. GETDEL makes the
// single-use guarantee hold across gateway instances.
func (s *Store) takeJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(key).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("valkey getdel failed: %w", err)
	}
	return json.Unmarshal([]byte(data), v)
}

func (s *Store) delete(ctx context.Context, key string) error {
	return s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error()
}

func ttlUntil(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Second // already expired; let the server drop it at once
	}
	return ttl
}

// ==================== ClientStore ====================

func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	// Registered clients never expire.
	return s.setJSON(ctx, s.key("client", client.ClientID), client, 0)
}

func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	var client storage.Client
	if err := s.getJSON(ctx, s.key("client", clientID), &client); err != nil {
		return nil, err
	}
	return &client, nil
}

// ==================== FlowStore ====================

func (s *Store) SaveAuthorizationSession(ctx context.Context, session *storage.AuthorizationSession) error {
	return s.setJSON(ctx, s.key("authsession", session.TX), session, ttlUntil(session.ExpiresAt))
}

func (s *Store) TakeAuthorizationSession(ctx context.Context, tx string) (*storage.AuthorizationSession, error) {
	var session storage.AuthorizationSession
	if err := s.takeJSON(ctx, s.key("authsession", tx), &session); err != nil {
		return nil, err
	}
	if time.Now().After(session.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return &session, nil
}

func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	return s.setJSON(ctx, s.key("code", code.Code), code, ttlUntil(code.ExpiresAt))
}

func (s *Store) TakeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	var record storage.AuthorizationCode
	if err := s.takeJSON(ctx, s.key("code", code), &record); err != nil {
		return nil, err
	}
	if time.Now().After(record.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return &record, nil
}

// ==================== TokenStore ====================

func (s *Store) SaveAccessToken(ctx context.Context, digest string, record *storage.TokenRecord) error {
	return s.setJSON(ctx, s.key("access", digest), record, ttlUntil(record.ExpiresAt))
}

func (s *Store) GetAccessToken(ctx context.Context, digest string) (*storage.TokenRecord, error) {
	var record storage.TokenRecord
	if err := s.getJSON(ctx, s.key("access", digest), &record); err != nil {
		return nil, err
	}
	if time.Now().After(record.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return &record, nil
}

func (s *Store) DeleteAccessToken(ctx context.Context, digest string) error {
	return s.delete(ctx, s.key("access", digest))
}

func (s *Store) SaveRefreshToken(ctx context.Context, digest string, record *storage.TokenRecord) error {
	return s.setJSON(ctx, s.key("refresh", digest), record, ttlUntil(record.ExpiresAt))
}

func (s *Store) TakeRefreshToken(ctx context.Context, digest string) (*storage.TokenRecord, error) {
	var record storage.TokenRecord
	if err := s.takeJSON(ctx, s.key("refresh", digest), &record); err != nil {
		return nil, err
	}
	if time.Now().After(record.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return &record, nil
}

func (s *Store) DeleteRefreshToken(ctx context.Context, digest string) error {
	return s.delete(ctx, s.key("refresh", digest))
}

// ==================== SessionStore ====================

func (s *Store) SaveSession(ctx context.Context, session *storage.Session) error {
	return s.setJSON(ctx, s.key("session", session.ID), session, sessionTTL)
}

func (s *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	var session storage.Session
	if err := s.getJSON(ctx, s.key("session", id), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.delete(ctx, s.key("session", id))
}
