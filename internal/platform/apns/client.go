// Package apns delivers notifications to the Apple Push Notification service
// over HTTP/2 using token based provider authentication.
package apns

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/tinywideclouds/go-apns-service/internal/platform/apns/payload"
	"github.com/tinywideclouds/go-apns-service/internal/platform/apns/token"
)

// ErrTransport wraps connection, TLS and protocol negotiation failures.
var ErrTransport = errors.New("apns: transport failure")

// TokenSource produces the bearer token for a signing identity.
// *token.Issuer signs a new one per call; cache.CachedTokenSource reuses them.
type TokenSource interface {
	Token(identity token.SigningIdentity) (string, error)
}

// Outcome is the gateway response, returned unmodified.
type Outcome struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the gateway answered with a 2xx status.
func (o *Outcome) OK() bool {
	return o.StatusCode >= 200 && o.StatusCode < 300
}

// RejectionError is returned with the Outcome when the gateway answers non-2xx.
type RejectionError struct {
	Outcome *Outcome
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("apns: gateway rejected notification with status %d", e.Outcome.StatusCode)
}

// Client sends one notification per call. It is safe for concurrent use and
// shares a single multiplexed HTTP/2 connection pool across calls.
type Client struct {
	httpClient *http.Client
	tokens     TokenSource
	hosts      map[Environment]string
	timeout    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP/2 client. The replacement must not allow an
// HTTP/1.1 fallback.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTokenSource replaces the default fresh-per-send issuer.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithHost points an environment at a different base URL.
func WithHost(env Environment, host string) Option {
	return func(c *Client) { c.hosts[env] = host }
}

// WithTimeout bounds each request, including reading the response body.
// Zero means no timeout beyond the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// NewTransport returns an HTTP/2 only transport. It speaks h2 directly after the
// TLS handshake and fails if the server does not negotiate h2.
func NewTransport(tlsConfig *tls.Config) *http2.Transport {
	return &http2.Transport{
		TLSClientConfig: tlsConfig,
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     10 * time.Second,
	}
}

// NewClient creates a Client for the production and sandbox gateways.
func NewClient(opts ...Option) *Client {
	prod, _ := Production.Host()
	sandbox, _ := Sandbox.Host()
	c := &Client{
		httpClient: &http.Client{Transport: NewTransport(nil)},
		tokens:     token.NewIssuer(),
		hosts: map[Environment]string{
			Production: prod,
			Sandbox:    sandbox,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send signs a provider token, encodes p and POSTs it to target.
//
// Key and payload problems surface as token.ErrKeyFormat, token.ErrSigning or
// payload.ErrEncoding before any network I/O. Network failures wrap ErrTransport.
// A non-2xx answer returns the Outcome together with a *RejectionError.
// Nothing is retried.
func (c *Client) Send(ctx context.Context, identity token.SigningIdentity, target Target, p payload.Payload) (*Outcome, error) {
	host, ok := c.hosts[target.Environment]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEnvironment, int(target.Environment))
	}
	endpoint := DeviceURL(host, target.DeviceToken)

	bearer, err := c.tokens.Token(identity)
	if err != nil {
		return nil, err
	}

	body, err := payload.Encode(p)
	if err != nil {
		return nil, err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %w", ErrTransport, err)
	}
	req.Header.Set("apns-topic", target.Topic)
	req.Header.Set("authorization", "bearer "+bearer)
	req.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrTransport, err)
	}

	outcome := &Outcome{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}
	if !outcome.OK() {
		return outcome, &RejectionError{Outcome: outcome}
	}
	return outcome, nil
}
