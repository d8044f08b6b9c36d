package lightstreamer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultServerURL is the public Lightstreamer demo server.
const DefaultServerURL = "https://push.lightstreamer.com/lightstreamer"

type config struct {
	serverURL     string
	adapterSet    string
	cid           string
	user          string
	password      string
	httpClient    *http.Client
	wsDialer      *websocket.Dialer
	logger        *slog.Logger
	clock         clock.Clock
	metrics       *Metrics
	transportKind TransportKind
	cookies       []string

	bandwidth     float64
	keepAlive     time.Duration
	contentLength int

	bindTimeout         time.Duration
	stallTimeout        time.Duration
	recoveryTimeout     time.Duration
	recoveryBackoff     time.Duration
	maxRecoveryAttempts int
	controlTimeout      time.Duration
	controlRetries      int
	unsubGrace          time.Duration
	dispatchBuffer      int
}

// Option configures a Client.
type Option func(*config)

// WithServerURL points the client at a server. Defaults to DefaultServerURL.
func WithServerURL(serverURL string) Option {
	return func(c *config) { c.serverURL = serverURL }
}

// WithAdapterSet selects the adapter set to connect to.
func WithAdapterSet(set string) Option {
	return func(c *config) { c.adapterSet = set }
}

// WithCID sets the client identification string.
func WithCID(cid string) Option {
	return func(c *config) { c.cid = cid }
}

// WithCredentials authenticates the session.
func WithCredentials(user, password string) Option {
	return func(c *config) { c.user = user; c.password = password }
}

// WithHTTPClient replaces http.DefaultClient for the HTTP transport.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) { c.httpClient = client }
}

// WithWebSocketDialer replaces websocket.DefaultDialer for the WebSocket
// transport.
func WithWebSocketDialer(dialer *websocket.Dialer) Option {
	return func(c *config) { c.wsDialer = dialer }
}

// WithTransport selects the transport. Defaults to TransportHTTP.
func WithTransport(kind TransportKind) Option {
	return func(c *config) { c.transportKind = kind }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithClock replaces the session's time source, so tests can drive timers
// with a mock clock.
func WithClock(c clock.Clock) Option {
	return func(cfg *config) { cfg.clock = c }
}

// WithMetrics registers session metrics with r.
func WithMetrics(r prometheus.Registerer) Option {
	return func(c *config) { c.metrics = NewMetrics(r) }
}

// WithCookies attaches cookies (as opaque "name=value" strings) to every
// request. Cookies set by the server are echoed back automatically.
func WithCookies(cookies ...string) Option {
	return func(c *config) { c.cookies = cookies }
}

// WithRequestedMaxBandwidth asks the server to cap the session bandwidth, in
// kbit/s.
func WithRequestedMaxBandwidth(kbps float64) Option {
	return func(c *config) { c.bandwidth = kbps }
}

// WithKeepaliveInterval asks the server for a specific keepalive interval.
// The effective interval is whatever the server confirms in CONOK.
func WithKeepaliveInterval(interval time.Duration) Option {
	return func(c *config) { c.keepAlive = interval }
}

// WithContentLength caps the length of a single stream connection, after
// which the server requests a rebind.
func WithContentLength(bytes int) Option {
	return func(c *config) { c.contentLength = bytes }
}

// WithBindTimeout bounds how long the client waits for the server to confirm
// a session. Defaults to 5s.
func WithBindTimeout(timeout time.Duration) Option {
	return func(c *config) { c.bindTimeout = timeout }
}

// WithStallTimeout sets how long a stalled session waits for a late frame
// before starting recovery. Defaults to 5s.
func WithStallTimeout(timeout time.Duration) Option {
	return func(c *config) { c.stallTimeout = timeout }
}

// WithRecoveryTimeout bounds the total time spent recovering a lost stream
// before the session fails. Defaults to 60s.
func WithRecoveryTimeout(timeout time.Duration) Option {
	return func(c *config) { c.recoveryTimeout = timeout }
}

// WithMaxRecoveryAttempts bounds the number of recovery attempts. Defaults
// to 5.
func WithMaxRecoveryAttempts(attempts int) Option {
	return func(c *config) { c.maxRecoveryAttempts = attempts }
}

// WithControlTimeout bounds how long the client waits for a control request
// acknowledgment before retrying or failing. Defaults to 10s.
func WithControlTimeout(timeout time.Duration) Option {
	return func(c *config) { c.controlTimeout = timeout }
}

// Client creates sessions against a Lightstreamer server.
type Client struct {
	cfg config
}

// NewClient returns a Client with the given options applied.
func NewClient(opts ...Option) *Client {
	cfg := config{
		serverURL:           DefaultServerURL,
		httpClient:          http.DefaultClient,
		wsDialer:            websocket.DefaultDialer,
		clock:               clock.New(),
		transportKind:       TransportHTTP,
		bindTimeout:         5 * time.Second,
		stallTimeout:        5 * time.Second,
		recoveryTimeout:     time.Minute,
		recoveryBackoff:     500 * time.Millisecond,
		maxRecoveryAttempts: 5,
		controlTimeout:      10 * time.Second,
		controlRetries:      2,
		unsubGrace:          2 * time.Second,
		dispatchBuffer:      256,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return &Client{cfg: cfg}
}

// Connect creates a session and waits for the server to confirm it.
// Cancelling ctx disconnects the session.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	cfg := c.cfg
	var transport Transport
	switch cfg.transportKind {
	case TransportWebSocket:
		transport = newWSTransport(cfg.serverURL, cfg.wsDialer, cfg.cookies, cfg.logger)
	case TransportHTTP:
		transport = newHTTPTransport(cfg.serverURL, cfg.httpClient, cfg.cookies, cfg.logger)
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", ErrConfiguration, cfg.transportKind)
	}

	cfg.logger.Info("connecting to lightstreamer", "url", cfg.serverURL, "transport", cfg.transportKind)

	openCtx, cancel := context.WithTimeout(ctx, cfg.bindTimeout)
	defer cancel()
	stream, err := transport.OpenStream(openCtx, endpointCreateSession, c.createForm())
	if err != nil {
		return nil, err
	}

	session := newSession(cfg, transport)
	session.start(ctx, stream)

	select {
	case <-session.ready:
		return session, nil
	case <-session.done:
		return nil, session.endErr
	case <-ctx.Done():
		session.Disconnect()
		return nil, ctx.Err()
	}
}

func (c *Client) createForm() url.Values {
	form := make(url.Values)
	form.Set("LS_adapter_set", c.cfg.adapterSet)
	form.Set("LS_cid", c.cfg.cid)
	if c.cfg.user != "" {
		form.Set("LS_user", c.cfg.user)
		form.Set("LS_password", c.cfg.password)
	}
	if c.cfg.bandwidth > 0 {
		form.Set("LS_requested_max_bandwidth", strconv.FormatFloat(c.cfg.bandwidth, 'f', -1, 64))
	}
	if c.cfg.keepAlive > 0 {
		form.Set("LS_keepalive_millis", strconv.Itoa(int(c.cfg.keepAlive/time.Millisecond)))
	}
	if c.cfg.contentLength > 0 {
		form.Set("LS_content_length", strconv.Itoa(c.cfg.contentLength))
	}
	return form
}

// NewClientSession connects in one call: NewClient(opts...).Connect(ctx).
func NewClientSession(ctx context.Context, opts ...Option) (*Session, error) {
	return NewClient(opts...).Connect(ctx)
}
