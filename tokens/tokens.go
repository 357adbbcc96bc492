package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/biomcp/mcp-gateway/security"
	"github.com/biomcp/mcp-gateway/storage"
)

// Validation failures, one sentinel per reason. Validate wraps these so
// callers can branch with errors.Is while logging the full chain.
var (
	// ErrMalformed means the token could not be parsed as a JWT at all.
	ErrMalformed = errors.New("token is malformed")

	// ErrSignature means the signature did not verify under the gateway key.
	ErrSignature = errors.New("token signature is invalid")

	// ErrExpired means the token's exp claim is in the past.
	ErrExpired = errors.New("token is expired")

	// ErrIssuerMismatch means the iss claim is not a configured valid issuer.
	ErrIssuerMismatch = errors.New("token issuer is not trusted")

	// ErrAudienceMismatch means the aud claim does not name the resource the
	// request resolved to.
	ErrAudienceMismatch = errors.New("token audience does not match resource")

	// ErrRevoked means the token's store record is gone. Externally this is
	// indistinguishable from a token that never existed.
	ErrRevoked = errors.New("token is revoked or unknown")
)

// Claims is the gateway access token claim set.
type Claims struct {
	jwt.RegisteredClaims
	Email    string `json:"email,omitempty"`
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
}

// Config configures the token service.
type Config struct {
	// SigningKey is the HS256 secret. Required, minimum 32 bytes.
	SigningKey []byte

	// Issuer is the iss claim stamped on every minted token. Required.
	Issuer string

	// ValidIssuers are the issuer values accepted during validation. Empty
	// defaults to {Issuer}.
	ValidIssuers []string

	// AccessTokenTTL bounds minted token lifetime. Zero defaults to one hour.
	AccessTokenTTL time.Duration

	// Store holds token records; a live record is required for every
	// successful validation.
	Store storage.TokenStore

	// Logger is the structured logger. Nil uses slog.Default().
	Logger *slog.Logger
}

// Service mints and validates gateway access tokens.
type Service struct {
	signingKey   []byte
	issuer       string
	validIssuers []string
	accessTTL    time.Duration
	store        storage.TokenStore
	logger       *slog.Logger
}

// NewService creates a token service.
func NewService(config Config) (*Service, error) {
	if len(config.SigningKey) < 32 {
		return nil, fmt.Errorf("signing key must be at least 32 bytes, got %d", len(config.SigningKey))
	}
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("token store is required")
	}

	validIssuers := config.ValidIssuers
	if len(validIssuers) == 0 {
		validIssuers = []string{config.Issuer}
	}
	accessTTL := config.AccessTokenTTL
	if accessTTL == 0 {
		accessTTL = time.Hour
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		signingKey:   config.SigningKey,
		issuer:       config.Issuer,
		validIssuers: validIssuers,
		accessTTL:    accessTTL,
		store:        config.Store,
		logger:       logger,
	}, nil
}

// AccessTokenTTL reports the configured token lifetime.
func (s *Service) AccessTokenTTL() time.Duration { return s.accessTTL }

// Issue mints a signed access token bound to the given resource and saves its
// store record under the token digest. The returned record is the one saved.
func (s *Service) Issue(ctx context.Context, subject, email, clientID, scope, resource string) (string, *storage.TokenRecord, error) {
	now := time.Now()
	expiresAt := now.Add(s.accessTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{resource},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		Email:    email,
		ClientID: clientID,
		Scope:    scope,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	record := &storage.TokenRecord{
		Subject:   subject,
		Email:     email,
		ClientID:  clientID,
		Scope:     scope,
		Resources: []string{resource},
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}
	if err := s.store.SaveAccessToken(ctx, security.HashToken(token), record); err != nil {
		return "", nil, fmt.Errorf("failed to save access token record: %w", err)
	}

	return token, record, nil
}

// Validate checks a raw bearer token against the expected resource. All four
// conditions must hold: valid signature, trusted issuer, exact audience match,
// and a live store record under the token digest. Each failure maps to a
// distinct sentinel.
func (s *Service) Validate(ctx context.Context, rawToken, expectedResource string) (*storage.TokenRecord, *Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.signingKey, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, nil, fmt.Errorf("%w: %w", ErrSignature, err)
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, nil, fmt.Errorf("%w: %w", ErrExpired, err)
		default:
			return nil, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
	}

	if !slices.Contains(s.validIssuers, claims.Issuer) {
		return nil, nil, fmt.Errorf("%w: %q", ErrIssuerMismatch, claims.Issuer)
	}
	if !slices.Contains(claims.Audience, expectedResource) {
		return nil, nil, fmt.Errorf("%w: expected %q", ErrAudienceMismatch, expectedResource)
	}

	record, err := s.store.GetAccessToken(ctx, security.HashToken(rawToken))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, ErrRevoked
		}
		return nil, nil, fmt.Errorf("failed to look up token record: %w", err)
	}
	if !slices.Contains(record.Resources, expectedResource) {
		return nil, nil, fmt.Errorf("%w: record does not grant %q", ErrAudienceMismatch, expectedResource)
	}

	return record, claims, nil
}

// Revoke deletes the access token record for a raw token. Idempotent; an
// unknown token is not an error.
func (s *Service) Revoke(ctx context.Context, rawToken string) error {
	err := s.store.DeleteAccessToken(ctx, security.HashToken(rawToken))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}
