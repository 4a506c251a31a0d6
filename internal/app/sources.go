package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/source/email"
	"github.com/nhle/mailsync/internal/source/jmap"
)

// Environment variables that override the keyring.
const (
	EnvPassword = "MAILSYNC_PASSWORD"
	EnvToken    = "MAILSYNC_TOKEN"
)

// refreshSuffix marks the keyring entry holding an OAuth refresh token.
const refreshSuffix = ":refresh"

// NewClient builds the protocol client selected by the account config.
func NewClient(
	cfg model.AccountConfig, creds source.CredentialsProvider, logger zerolog.Logger,
) (source.Client, error) {
	switch cfg.Protocol {
	case "jmap":
		if cfg.ServerURL == "" {
			return nil, fmt.Errorf("account.server_url is required for jmap")
		}
		return jmap.NewAdapter(cfg.ServerURL, creds, logger), nil
	case "imap":
		if cfg.Host == "" {
			return nil, fmt.Errorf("account.host is required for imap")
		}
		return email.NewAdapter(cfg.Host, cfg.Port, cfg.TLS, creds, logger), nil
	}
	return nil, fmt.Errorf("unknown protocol %q", cfg.Protocol)
}

// NewCredentials decides where the account secret comes from. An
// environment override wins; otherwise the secret is read from ring on
// every request. Bearer accounts with an OAuth client configured
// refresh their access token from a stored refresh token.
func NewCredentials(
	ctx context.Context, cfg model.AccountConfig, ring *credential.Ring, getenv func(string) string,
) (source.CredentialsProvider, error) {
	bearer := cfg.Auth == "bearer"

	env := EnvPassword
	if bearer {
		env = EnvToken
	}
	if secret := getenv(env); secret != "" {
		return credential.StaticProvider{Creds: source.Credentials{
			Username: cfg.Username,
			Secret:   secret,
			Bearer:   bearer,
		}}, nil
	}

	if ring == nil {
		return nil, fmt.Errorf("no keyring available and %s is not set", env)
	}
	key := credential.AccountKey(cfg.Username, cfg.Server())

	if usesRefreshToken(cfg) {
		refresh, err := ring.Get(key + refreshSuffix)
		if err != nil {
			return nil, fmt.Errorf("loading refresh token: %w", err)
		}
		oauthCfg := &oauth2.Config{
			ClientID: cfg.OAuthClientID,
			Endpoint: oauth2.Endpoint{TokenURL: cfg.OAuthTokenURL},
		}
		return credential.NewTokenProvider(ctx, oauthCfg, &oauth2.Token{RefreshToken: refresh}, cfg.Username), nil
	}

	return credential.KeyringProvider{
		Ring:     ring,
		Key:      key,
		Username: cfg.Username,
		Bearer:   bearer,
	}, nil
}

// StoreSecret saves the account secret, or the OAuth refresh token for
// bearer accounts with an OAuth client and token URL, into ring.
func StoreSecret(cfg model.AccountConfig, ring *credential.Ring, secret string) error {
	key := credential.AccountKey(cfg.Username, cfg.Server())
	if usesRefreshToken(cfg) {
		key += refreshSuffix
	}
	return ring.Set(key, secret)
}

// usesRefreshToken reports whether the account secret is an OAuth
// refresh token rather than the credential itself.
func usesRefreshToken(cfg model.AccountConfig) bool {
	return cfg.Auth == "bearer" && cfg.OAuthClientID != "" && cfg.OAuthTokenURL != ""
}
