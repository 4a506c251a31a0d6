package app

import (
	"context"
	"testing"

	"github.com/99designs/keyring"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source/email"
	"github.com/nhle/mailsync/internal/source/jmap"
)

func env(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestNewClient(t *testing.T) {
	c, err := NewClient(model.AccountConfig{Protocol: "jmap", ServerURL: "https://mail.example.com/.well-known/jmap"}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient(jmap): %v", err)
	}
	if _, ok := c.(*jmap.Adapter); !ok {
		t.Errorf("NewClient(jmap) = %T", c)
	}

	c, err = NewClient(model.AccountConfig{Protocol: "imap", Host: "imap.example.com", Port: "993", TLS: true}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient(imap): %v", err)
	}
	if _, ok := c.(*email.Adapter); !ok {
		t.Errorf("NewClient(imap) = %T", c)
	}

	if _, err := NewClient(model.AccountConfig{Protocol: "jmap"}, nil, zerolog.Nop()); err == nil {
		t.Error("NewClient(jmap) without server url expected error")
	}
	if _, err := NewClient(model.AccountConfig{Protocol: "pop3"}, nil, zerolog.Nop()); err == nil {
		t.Error("NewClient(pop3) expected error")
	}
}

func TestNewCredentialsEnvOverride(t *testing.T) {
	cfg := model.AccountConfig{Protocol: "jmap", ServerURL: "https://mail.example.com", Username: "ann", Auth: "bearer"}

	p, err := NewCredentials(context.Background(), cfg, nil, env(map[string]string{EnvToken: "tok"}))
	if err != nil {
		t.Fatalf("NewCredentials: %v", err)
	}
	creds, err := p.Credentials(context.Background())
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if creds.Username != "ann" || creds.Secret != "tok" || !creds.Bearer {
		t.Errorf("creds = %+v", creds)
	}
}

func TestNewCredentialsKeyring(t *testing.T) {
	ctx := context.Background()
	ring := credential.NewRing(keyring.NewArrayKeyring(nil))
	cfg := model.AccountConfig{Protocol: "imap", Host: "imap.example.com", Username: "ann", Auth: "basic"}

	if _, err := NewCredentials(ctx, cfg, nil, env(nil)); err == nil {
		t.Error("NewCredentials without keyring or env expected error")
	}

	p, err := NewCredentials(ctx, cfg, ring, env(nil))
	if err != nil {
		t.Fatalf("NewCredentials: %v", err)
	}

	// The secret is read per request, so storing it later still works.
	if err := StoreSecret(cfg, ring, "hunter2"); err != nil {
		t.Fatalf("StoreSecret: %v", err)
	}
	creds, err := p.Credentials(ctx)
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if creds.Secret != "hunter2" || creds.Bearer {
		t.Errorf("creds = %+v", creds)
	}
}

func TestNewCredentialsOAuthNeedsRefreshToken(t *testing.T) {
	ring := credential.NewRing(keyring.NewArrayKeyring(nil))
	cfg := model.AccountConfig{
		Protocol:      "jmap",
		ServerURL:     "https://mail.example.com",
		Username:      "ann",
		Auth:          "bearer",
		OAuthClientID: "client",
		OAuthTokenURL: "https://auth.example.com/token",
	}

	if _, err := NewCredentials(context.Background(), cfg, ring, env(nil)); err == nil {
		t.Fatal("NewCredentials without stored refresh token expected error")
	}

	if err := StoreSecret(cfg, ring, "refresh-1"); err != nil {
		t.Fatalf("StoreSecret: %v", err)
	}
	p, err := NewCredentials(context.Background(), cfg, ring, env(nil))
	if err != nil {
		t.Fatalf("NewCredentials: %v", err)
	}
	if _, ok := p.(*credential.TokenProvider); !ok {
		t.Errorf("provider = %T, want *credential.TokenProvider", p)
	}
}

func TestStoreSecretWithoutTokenURLIsReadBack(t *testing.T) {
	ctx := context.Background()
	ring := credential.NewRing(keyring.NewArrayKeyring(nil))
	cfg := model.AccountConfig{
		Protocol:      "jmap",
		ServerURL:     "https://mail.example.com",
		Username:      "ann",
		Auth:          "bearer",
		OAuthClientID: "client",
	}

	if err := StoreSecret(cfg, ring, "tok-1"); err != nil {
		t.Fatalf("StoreSecret: %v", err)
	}
	p, err := NewCredentials(ctx, cfg, ring, env(nil))
	if err != nil {
		t.Fatalf("NewCredentials: %v", err)
	}
	creds, err := p.Credentials(ctx)
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if creds.Secret != "tok-1" || !creds.Bearer {
		t.Errorf("creds = %+v", creds)
	}
}
