package jmap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/source"
)

// Client is a thin HTTP transport for a JMAP server. It handles Basic
// and Bearer authentication, JSON (de)serialization, automatic retry
// with exponential backoff on HTTP 429 and cancellation of every
// in-flight request on demand.
type Client struct {
	sessionURL string
	creds      source.CredentialsProvider
	httpClient *http.Client
	maxRetries int
	logger     zerolog.Logger

	mu       sync.Mutex
	inflight map[uint64]context.CancelFunc
	nextID   uint64
}

// NewClient creates a transport for the session resource at sessionURL.
func NewClient(sessionURL string, creds source.CredentialsProvider, logger zerolog.Logger) *Client {
	return &Client{
		sessionURL: sessionURL,
		creds:      creds,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxRetries: 3,
		logger:     logger.With().Str("component", "jmap").Logger(),
		inflight:   make(map[uint64]context.CancelFunc),
	}
}

// track derives a cancellable context registered for CancelAll.
func (c *Client) track(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.inflight[id] = cancel
	c.mu.Unlock()

	return ctx, func() {
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
		cancel()
	}
}

// CancelAll aborts every request currently in flight.
func (c *Client) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, cancel := range c.inflight {
		cancel()
		delete(c.inflight, id)
	}
}

// InFlight returns the number of requests currently running.
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// authorize sets the Authorization header from the credentials provider.
func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	creds, err := c.creds.Credentials(ctx)
	if err != nil {
		return err
	}
	if creds.Bearer {
		req.Header.Set("Authorization", "Bearer "+creds.Secret)
	} else {
		req.SetBasicAuth(creds.Username, creds.Secret)
	}
	return nil
}

// GetSession fetches the session resource.
func (c *Client) GetSession(ctx context.Context) (*Session, error) {
	var s Session
	body, _, err := c.do(ctx, http.MethodGet, c.sessionURL, nil)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &s, nil
}

// Call posts a batch of method calls to apiURL.
func (c *Client) Call(ctx context.Context, apiURL string, calls ...Invocation) (*Response, error) {
	req := Request{
		Using:       []string{CapabilityCore, CapabilityMail},
		MethodCalls: calls,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request body: %w", err)
	}

	body, _, err := c.do(ctx, http.MethodPost, apiURL, data)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &resp, nil
}

// Download fetches a binary object and returns it with its content type.
func (c *Client) Download(ctx context.Context, url string) ([]byte, string, error) {
	body, header, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	return body, header.Get("Content-Type"), nil
}

// do builds the request, handles auth and rate limiting with
// exponential backoff, and returns the response body of a 2xx reply.
// Network failures come back as *source.TransportError and rejected
// credentials as *source.AuthError.
func (c *Client) do(
	ctx context.Context,
	method string,
	url string,
	body []byte,
) ([]byte, http.Header, error) {
	ctx, release := c.track(ctx)
	defer release()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, nil, fmt.Errorf("creating request: %w", err)
		}
		if err := c.authorize(ctx, req); err != nil {
			return nil, nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, nil, &source.TransportError{Op: method + " " + url, Err: err}
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, nil, &source.TransportError{Op: "reading response", Err: readErr}
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := retryAfterDuration(resp, attempt)
			lastErr = fmt.Errorf("rate limited (429) on %s %s", method, url)
			c.logger.Debug().Dur("wait", wait).Int("attempt", attempt).Msg("rate limited")

			select {
			case <-ctx.Done():
				return nil, nil, &source.TransportError{Op: method + " " + url, Err: ctx.Err()}
			case <-time.After(wait):
				continue
			}
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, nil, &source.AuthError{
				Message: fmt.Sprintf("server rejected credentials (%d)", resp.StatusCode),
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			var problem struct {
				Type   string `json:"type"`
				Detail string `json:"detail"`
			}
			if json.Unmarshal(respBody, &problem) == nil && problem.Type != "" {
				return nil, nil, fmt.Errorf(
					"jmap request error (%d) on %s %s: %s %s",
					resp.StatusCode, method, url, problem.Type, problem.Detail,
				)
			}
			return nil, nil, fmt.Errorf(
				"unexpected status %d on %s %s: %s",
				resp.StatusCode, method, url, string(respBody),
			)
		}

		return respBody, resp.Header, nil
	}

	return nil, nil, fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr)
}

// retryAfterDuration reads the Retry-After header and computes a wait
// duration. Falls back to exponential backoff if the header is missing.
func retryAfterDuration(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}

	// Exponential backoff: 1s, 2s, 4s, ...
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}

// errMethod extracts a method-level error response for callID.
func (r *Response) errMethod(callID, method string) error {
	for _, inv := range r.MethodResponses {
		if inv.CallID != callID || inv.Name != "error" {
			continue
		}
		var me MethodError
		if err := json.Unmarshal(inv.Args, &me); err != nil {
			return fmt.Errorf("decoding %s error: %w", method, err)
		}
		return &source.ProtocolMethodError{Method: method, Type: me.Type, Description: me.Description}
	}
	return nil
}

// Get decodes the response named method for callID into out. A method
// error response is returned as *source.ProtocolMethodError.
func (r *Response) Get(callID, method string, out interface{}) error {
	if err := r.errMethod(callID, method); err != nil {
		return err
	}
	for _, inv := range r.MethodResponses {
		if inv.CallID == callID && inv.Name == method {
			if err := json.Unmarshal(inv.Args, out); err != nil {
				return fmt.Errorf("decoding %s response: %w", method, err)
			}
			return nil
		}
	}
	return fmt.Errorf("missing %s response for call %s", method, callID)
}
