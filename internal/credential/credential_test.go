package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"

	"github.com/nhle/mailsync/internal/source"
)

func TestRingRoundTrip(t *testing.T) {
	r := NewRing(keyring.NewArrayKeyring(nil))
	key := AccountKey("ann", "mail.example.com")

	if err := r.Set(key, "hunter2"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := r.Get(key)
	if err != nil || got != "hunter2" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if err := r.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Get(key); err == nil {
		t.Error("Get after Delete succeeded")
	}
}

func TestKeyringProvider(t *testing.T) {
	r := NewRing(keyring.NewArrayKeyring([]keyring.Item{{Key: "k", Data: []byte("secret")}}))

	creds, err := KeyringProvider{Ring: r, Key: "k", Username: "ann"}.Credentials(context.Background())
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if creds.Username != "ann" || creds.Secret != "secret" || creds.Bearer {
		t.Errorf("creds = %+v", creds)
	}

	_, err = KeyringProvider{Ring: r, Key: "missing"}.Credentials(context.Background())
	if !source.IsAuthError(err) {
		t.Errorf("err = %v, want auth error", err)
	}
}

type tokenSource struct {
	tok *oauth2.Token
	err error
}

func (s tokenSource) Token() (*oauth2.Token, error) { return s.tok, s.err }

func TestTokenProvider(t *testing.T) {
	p := &TokenProvider{
		Source:   tokenSource{tok: &oauth2.Token{AccessToken: "at", Expiry: time.Now().Add(time.Hour)}},
		Username: "ann",
	}
	creds, err := p.Credentials(context.Background())
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if !creds.Bearer || creds.Secret != "at" {
		t.Errorf("creds = %+v", creds)
	}

	p.Source = tokenSource{err: errors.New("revoked")}
	if _, err := p.Credentials(context.Background()); !source.IsAuthError(err) {
		t.Errorf("err = %v, want auth error", err)
	}

	p.Source = tokenSource{tok: &oauth2.Token{AccessToken: "old", Expiry: time.Now().Add(-time.Hour)}}
	if _, err := p.Credentials(context.Background()); !source.IsAuthError(err) {
		t.Errorf("expired token err = %v, want auth error", err)
	}
}
