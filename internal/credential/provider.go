package credential

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/nhle/mailsync/internal/source"
)

// StaticProvider returns fixed credentials.
type StaticProvider struct {
	Creds source.Credentials
}

// Credentials implements source.CredentialsProvider.
func (p StaticProvider) Credentials(context.Context) (source.Credentials, error) {
	return p.Creds, nil
}

// KeyringProvider reads the secret from a Ring on every call, so an
// updated secret is picked up on the next request.
type KeyringProvider struct {
	Ring     *Ring
	Key      string
	Username string
	Bearer   bool
}

// Credentials implements source.CredentialsProvider.
func (p KeyringProvider) Credentials(context.Context) (source.Credentials, error) {
	secret, err := p.Ring.Get(p.Key)
	if err != nil {
		return source.Credentials{}, &source.AuthError{Message: err.Error()}
	}
	return source.Credentials{Username: p.Username, Secret: secret, Bearer: p.Bearer}, nil
}

// TokenProvider supplies OAuth2 access tokens, refreshing them through
// the token source when they expire.
type TokenProvider struct {
	Source   oauth2.TokenSource
	Username string
}

// NewTokenProvider returns a provider that refreshes tok with cfg.
func NewTokenProvider(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token, username string) *TokenProvider {
	return &TokenProvider{
		Source:   cfg.TokenSource(ctx, tok),
		Username: username,
	}
}

// Credentials implements source.CredentialsProvider.
func (p *TokenProvider) Credentials(context.Context) (source.Credentials, error) {
	tok, err := p.Source.Token()
	if err != nil {
		return source.Credentials{}, &source.AuthError{Message: fmt.Sprintf("refreshing token: %v", err)}
	}
	if !tok.Valid() {
		return source.Credentials{}, &source.AuthError{Message: "access token expired"}
	}
	return source.Credentials{Username: p.Username, Secret: tok.AccessToken, Bearer: true}, nil
}

var (
	_ source.CredentialsProvider = StaticProvider{}
	_ source.CredentialsProvider = KeyringProvider{}
	_ source.CredentialsProvider = (*TokenProvider)(nil)
)
