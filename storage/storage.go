package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist, has expired, or has
// already been consumed. Callers must not be able to distinguish these cases.
var ErrNotFound = errors.New("storage: record not found")

// Client is a dynamically registered OAuth client. Immutable after
// registration; never expires.
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt; empty for public clients
	ClientType       string // "public" or "confidential"
	RedirectURIs     []string
	ClientName       string
	ClientURI        string
	CreatedAt        time.Time
}

// AuthorizationSession is the PKCE correlation record for one authorization
// attempt, keyed by the gateway-internal correlation id TX. It bridges the
// /authorize request and the provider callback and is deleted as soon as a
// code is issued or the attempt fails.
type AuthorizationSession struct {
	TX                  string
	ClientID            string
	RedirectURI         string
	Resource            string
	Scope               string
	State               string // client's own state, echoed back on redirect
	CodeChallenge       string
	CodeChallengeMethod string // always "S256"
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AuthorizationCode is a single-use code bound to the session that produced
// it. Consumed atomically on redemption.
type AuthorizationCode struct {
	Code          string
	Subject       string
	Email         string
	ClientID      string
	RedirectURI   string
	Resource      string
	Scope         string
	CodeChallenge string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// TokenRecord is the store-side view of an issued access or refresh token,
// keyed by the token's SHA-256 digest. Deleting the record revokes the token
// regardless of its remaining JWT lifetime.
type TokenRecord struct {
	Subject     string
	Email       string
	ClientID    string
	Scope       string
	Resources   []string // RFC 8707 audience binding
	RotatedFrom string   // digest of the refresh token this one replaced
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Session is an MCP proxy session bound to the authenticated subject that
// created it.
type Session struct {
	ID        string
	Subject   string
	CreatedAt time.Time
}

// ClientStore persists registered clients.
type ClientStore interface {
	SaveClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// FlowStore persists in-flight authorization state. Take operations are
// atomic get-and-delete: exactly one caller can consume a given record.
type FlowStore interface {
	SaveAuthorizationSession(ctx context.Context, session *AuthorizationSession) error
	TakeAuthorizationSession(ctx context.Context, tx string) (*AuthorizationSession, error)

	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error
	TakeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// TokenStore persists issued token records keyed by token digest.
type TokenStore interface {
	SaveAccessToken(ctx context.Context, digest string, record *TokenRecord) error
	GetAccessToken(ctx context.Context, digest string) (*TokenRecord, error)
	DeleteAccessToken(ctx context.Context, digest string) error

	SaveRefreshToken(ctx context.Context, digest string, record *TokenRecord) error
	TakeRefreshToken(ctx context.Context, digest string) (*TokenRecord, error)
	DeleteRefreshToken(ctx context.Context, digest string) error
}

// SessionStore persists MCP proxy sessions.
type SessionStore interface {
	SaveSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// Store is the full persistence surface the gateway needs. The memory and
// valkey backends implement all of it; callers may also compose separate
// implementations per interface.
type Store interface {
	ClientStore
	FlowStore
	TokenStore
	SessionStore
}
