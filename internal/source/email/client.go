package email

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/source"
)

// DialFunc opens an unauthenticated IMAP connection.
type DialFunc func(addr string) (*imapclient.Client, error)

// IMAPClient wraps go-imap v2 for connecting to IMAP servers. Each
// operation opens its own authenticated connection; live connections
// are tracked so CloseAll can abort them.
type IMAPClient struct {
	addr   string
	creds  source.CredentialsProvider
	dial   DialFunc
	logger zerolog.Logger

	mu   sync.Mutex
	live map[*imapclient.Client]struct{}
}

// NewIMAPClient creates a new IMAP client configuration.
func NewIMAPClient(
	host, port string, useTLS bool,
	creds source.CredentialsProvider, logger zerolog.Logger,
) *IMAPClient {
	dial := func(addr string) (*imapclient.Client, error) {
		return imapclient.DialStartTLS(addr, nil)
	}
	if useTLS {
		dial = func(addr string) (*imapclient.Client, error) {
			return imapclient.DialTLS(addr, nil)
		}
	}
	return &IMAPClient{
		addr:   net.JoinHostPort(host, port),
		creds:  creds,
		dial:   dial,
		logger: logger,
		live:   make(map[*imapclient.Client]struct{}),
	}
}

// Addr returns the host:port the client connects to.
func (c *IMAPClient) Addr() string {
	return c.addr
}

// Connect establishes a connection to the IMAP server, authenticates,
// and returns the connected client. The connection is closed when ctx
// is done. The caller must call release on the returned client.
func (c *IMAPClient) Connect(ctx context.Context) (*imapclient.Client, func(), error) {
	creds, err := c.creds.Credentials(ctx)
	if err != nil {
		return nil, nil, &source.AuthError{Message: err.Error()}
	}

	client, err := c.dial(c.addr)
	if err != nil {
		return nil, nil, &source.TransportError{
			Op:  "connect",
			Err: fmt.Errorf("connecting to IMAP %s: %w", c.addr, err),
		}
	}

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	c.track(client, true)

	release := func() {
		stop()
		c.track(client, false)
		_ = client.Logout().Wait()
		_ = client.Close()
	}

	if err := authenticate(client, creds); err != nil {
		release()
		if ctx.Err() != nil {
			return nil, nil, &source.TransportError{Op: "login", Err: ctx.Err()}
		}
		return nil, nil, &source.AuthError{
			Message: fmt.Sprintf("authentication failed for %s: %v", creds.Username, err),
		}
	}

	return client, release, nil
}

func authenticate(client *imapclient.Client, creds source.Credentials) error {
	if creds.Bearer {
		return client.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: creds.Username,
			Token:    creds.Secret,
		}))
	}
	return client.Login(creds.Username, creds.Secret).Wait()
}

func (c *IMAPClient) track(client *imapclient.Client, live bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if live {
		c.live[client] = struct{}{}
	} else {
		delete(c.live, client)
	}
}

// CloseAll closes every live connection, failing their pending commands.
func (c *IMAPClient) CloseAll() {
	c.mu.Lock()
	clients := make([]*imapclient.Client, 0, len(c.live))
	for client := range c.live {
		clients = append(clients, client)
	}
	c.mu.Unlock()

	for _, client := range clients {
		_ = client.Close()
	}
	if len(clients) > 0 {
		c.logger.Debug().Int("connections", len(clients)).Msg("closed live connections")
	}
}

// Live returns the number of open connections.
func (c *IMAPClient) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

// wrapErr classifies a command failure. Failures caused by a closed
// connection or a done context are transport errors.
func wrapErr(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return &source.TransportError{Op: op, Err: ctx.Err()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, net.ErrClosed) {
		return &source.TransportError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
