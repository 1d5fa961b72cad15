// Package connection implements the authenticated tunnel to the VPN portal
// and the CAS single sign-on layer behind it. A Connection owns one HTTP
// session, walks the Unauthenticated -> VPNAuthenticated -> FullyAuthenticated
// state machine, monitors its own liveness in the background and issues typed
// requests with caching, retries and reconnects.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/campuslink/campuslink/internal/artifact"
	"github.com/campuslink/campuslink/internal/cache"
	"github.com/campuslink/campuslink/internal/config"
	"github.com/campuslink/campuslink/internal/events"
	"github.com/campuslink/campuslink/internal/fault"
	"github.com/campuslink/campuslink/internal/health"
	"github.com/campuslink/campuslink/internal/metrics"
	"github.com/campuslink/campuslink/internal/retry"
)

// ErrClosed is returned by every operation on a closed Connection.
var ErrClosed error = &fault.Error{Kind: fault.KindConnection, Op: "connection", Err: errors.New("connection closed")}

const publishTimeout = 2 * time.Second

// State is the authentication state of a Connection.
type State int

const (
	StateUnauthenticated State = iota
	StateVPNAuthenticated
	StateFullyAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateVPNAuthenticated:
		return "vpn_authenticated"
	case StateFullyAuthenticated:
		return "fully_authenticated"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Credentials are the secrets needed to drive both handshakes.
type Credentials struct {
	Username    string
	VPNPassword string
	SSOPassword string
}

// CredentialSource resolves credentials for an identity.
type CredentialSource interface {
	Credentials(ctx context.Context, identity string) (Credentials, error)
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the base logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Connection) { c.logger = l }
}

// WithRetryPolicy overrides the policy derived from configuration.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Connection) { c.policy = p }
}

// WithEventSink publishes lifecycle events to sink.
func WithEventSink(sink events.Sink) Option {
	return func(c *Connection) { c.sink = sink }
}

// WithCaptureStore keeps bodies that fail to decode.
func WithCaptureStore(s artifact.Store) Option {
	return func(c *Connection) { c.captures = s }
}

// WithCredentialSource lets reconnects re-authenticate without prior logins.
func WithCredentialSource(src CredentialSource) Option {
	return func(c *Connection) { c.source = src }
}

// WithOnClose registers a callback run once after the connection closes.
func WithOnClose(fn func(*Connection)) Option {
	return func(c *Connection) { c.onClose = fn }
}

// Connection is one authenticated session for one identity.
type Connection struct {
	id       string
	identity string
	baseURL  *url.URL
	cfg      config.ConnectionConfig
	logger   zerolog.Logger
	policy   retry.Policy
	health   *health.Record
	cache    *cache.ResponseCache
	limiter  *hostLimiter
	sink     events.Sink
	captures artifact.Store
	source   CredentialSource
	onClose  func(*Connection)
	now      func() time.Time

	activityTimeout time.Duration
	monitorInterval time.Duration
	probeTimeout    time.Duration
	closeTimeout    time.Duration

	loginExec   *retry.Executor
	requestExec *retry.Executor

	mu           sync.RWMutex
	client       *http.Client
	transport    *http.Transport
	sessionToken string
	vpnAuth      bool
	ssoAuth      bool
	ssoCookies   map[string]string
	lastActivity time.Time
	closed       bool
	remembered   Credentials

	reconnectMu sync.Mutex

	ctx         context.Context
	cancel      context.CancelFunc
	monitorDone chan struct{}
}

// New creates a connection to the portal at server for identity and starts
// its monitor. server may be a bare host (https is assumed) or a full URL.
func New(server, identity string, cfg config.ConnectionConfig, opts ...Option) (*Connection, error) {
	if identity == "" {
		return nil, fmt.Errorf("identity is required")
	}
	base, err := url.Parse(cfg.ServerURL(server))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid portal address %q", server)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:              uuid.New().String(),
		identity:        identity,
		baseURL:         base,
		cfg:             cfg,
		logger:          zerolog.Nop(),
		policy:          policyFromConfig(cfg),
		health:          health.NewRecord(),
		cache:           cache.NewResponseCache(cfg.CacheTTL(), cfg.CacheSweepEvery),
		limiter:         newHostLimiter(cfg.RateLimitPerHost),
		sink:            events.Nop{},
		now:             time.Now,
		activityTimeout: cfg.ActivityTimeout(),
		monitorInterval: cfg.MonitorInterval(),
		probeTimeout:    cfg.ProbeTimeout(),
		closeTimeout:    cfg.CloseTimeout(),
		ssoCookies:      map[string]string{},
		ctx:             ctx,
		cancel:          cancel,
		monitorDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.monitorInterval <= 0 {
		c.monitorInterval = time.Minute
	}

	c.logger = c.logger.With().
		Str("identity", identity).
		Str("connection_id", c.id[:8]).
		Logger()
	c.loginExec = retry.NewExecutor(c.policy, c.logger).OnRetry(countRetry)
	c.requestExec = retry.NewExecutor(c.policy.WithRetryable(fault.KindParse), c.logger).OnRetry(countRetry)
	c.client, c.transport = c.newClient()
	c.lastActivity = c.now()

	go c.monitor()

	c.logger.Debug().Str("server", base.String()).Msg("connection opened")
	c.publish(events.Opened, nil)
	return c, nil
}

func policyFromConfig(cfg config.ConnectionConfig) retry.Policy {
	p := retry.DefaultPolicy()
	if s, err := retry.ParseStrategy(cfg.RetryStrategy); err == nil {
		p.Strategy = s
	}
	if cfg.MaxRetries > 0 {
		p.MaxAttempts = cfg.MaxRetries
	}
	if d := cfg.RetryBaseDelay(); d > 0 {
		p.BaseDelay = d
	}
	if d := cfg.RetryMaxDelay(); d > 0 {
		p.MaxDelay = d
	}
	if cfg.RetryExponentialBase > 0 {
		p.ExponentialBase = cfg.RetryExponentialBase
	}
	p.Jitter = cfg.RetryJitter
	return p
}

func countRetry(_ int, err error, _ time.Duration) {
	metrics.RetryTotal.WithLabelValues(string(fault.KindOf(err))).Inc()
}

// ID returns the connection's unique ID.
func (c *Connection) ID() string { return c.id }

// Identity returns the identity this connection belongs to.
func (c *Connection) Identity() string { return c.identity }

// Server returns the portal base URL.
func (c *Connection) Server() string { return c.baseURL.String() }

// Health returns the connection's health record.
func (c *Connection) Health() *health.Record { return c.health }

// Touch marks the connection as used now.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = c.now()
	c.mu.Unlock()
}

// State reports the current authentication state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case c.closed:
		return StateClosed
	case c.ssoAuth:
		return StateFullyAuthenticated
	case c.vpnAuth:
		return StateVPNAuthenticated
	}
	return StateUnauthenticated
}

// VPNLoginStatus reports whether the VPN session is established and healthy.
func (c *Connection) VPNLoginStatus() bool {
	c.mu.RLock()
	ok := c.vpnAuth
	c.mu.RUnlock()
	return ok && c.health.Healthy()
}

// SSOLoginStatus reports whether SSO is established and the session healthy.
func (c *Connection) SSOLoginStatus() bool {
	c.mu.RLock()
	ok := c.ssoAuth
	c.mu.RUnlock()
	return ok && c.health.Healthy()
}

// SSOCookies returns a copy of the cookies captured by the SSO handshake.
func (c *Connection) SSOCookies() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.ssoCookies))
	for k, v := range c.ssoCookies {
		out[k] = v
	}
	return out
}

// Requester returns the underlying HTTP client for ad hoc calls. The client
// carries the session cookie. It is replaced on reconnect, so callers
// should not hold on to it.
func (c *Connection) Requester() *http.Client {
	c.Touch()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// IsActive reports whether the connection is open, used within the
// activity window and healthy.
func (c *Connection) IsActive() bool {
	c.mu.RLock()
	closed, last := c.closed, c.lastActivity
	c.mu.RUnlock()
	return !closed && c.now().Sub(last) < c.activityTimeout && c.health.Healthy()
}

// Info is a transport-safe snapshot of a connection.
type Info struct {
	ID           string        `json:"id"`
	Identity     string        `json:"identity"`
	Server       string        `json:"server"`
	State        string        `json:"state"`
	VPNLogin     bool          `json:"vpn_login"`
	SSOLogin     bool          `json:"sso_login"`
	Active       bool          `json:"active"`
	LastActivity time.Time     `json:"last_activity"`
	CacheEntries int           `json:"cache_entries"`
	Health       health.Status `json:"health"`
}

// Info returns a snapshot of the connection.
func (c *Connection) Info() Info {
	c.mu.RLock()
	last := c.lastActivity
	c.mu.RUnlock()
	return Info{
		ID:           c.id,
		Identity:     c.identity,
		Server:       c.Server(),
		State:        c.State().String(),
		VPNLogin:     c.VPNLoginStatus(),
		SSOLogin:     c.SSOLoginStatus(),
		Active:       c.IsActive(),
		LastActivity: last,
		CacheEntries: c.cache.Len(),
		Health:       c.health.Snapshot(),
	}
}

// Close stops the monitor, cancels in-flight requests and releases the
// transport. Safe to call more than once and from several goroutines.
func (c *Connection) Close() error {
	c.shutdown("closed", true)
	return nil
}

// shutdown tears the connection down. The monitor passes wait=false when it
// closes the connection itself.
func (c *Connection) shutdown(reason string, wait bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.vpnAuth, c.ssoAuth = false, false
	c.sessionToken = ""
	c.ssoCookies = map[string]string{}
	c.remembered = Credentials{}
	tr := c.transport
	c.mu.Unlock()

	c.cancel()
	if wait {
		timer := time.NewTimer(c.closeTimeout)
		select {
		case <-c.monitorDone:
		case <-timer.C:
			c.logger.Warn().Dur("timeout", c.closeTimeout).Msg("monitor did not stop in time, abandoning it")
		}
		timer.Stop()
	}

	tr.CloseIdleConnections()
	c.cache.Clear("")

	if c.onClose != nil {
		c.onClose(c)
	}

	metrics.ConnectionsClosed.WithLabelValues(reason).Inc()
	c.logger.Info().Str("reason", reason).Msg("connection closed")
	c.publish(events.Closed, map[string]string{"reason": reason})
}

func (c *Connection) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Connection) vpnAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vpnAuth
}

func (c *Connection) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionToken
}

func (c *Connection) idleFor() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now().Sub(c.lastActivity)
}

// bind derives a context that is also cancelled when the connection closes.
func (c *Connection) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (c *Connection) publish(t events.Type, detail map[string]string) {
	ev := events.New(t, c.identity, c.id, detail)
	ev.Server = c.baseURL.Host

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := c.sink.Publish(ctx, ev); err != nil {
		c.logger.Warn().Err(err).Str("event", string(t)).Msg("publishing lifecycle event")
	}
}
