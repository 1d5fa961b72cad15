package connection

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/campuslink/campuslink/internal/fault"
	"github.com/campuslink/campuslink/internal/handshake"
)

// maxBodyBytes bounds how much of a response body is read into memory.
const maxBodyBytes = 16 << 20

// sessionTransport decorates every outgoing request with the configured
// default headers and the portal session cookie.
type sessionTransport struct {
	conn *Connection
	base http.RoundTripper
}

func (t *sessionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	c := t.conn

	if r.Header.Get("User-Agent") == "" && c.cfg.UserAgent != "" {
		r.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	for k, v := range c.cfg.DefaultHeaders {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	if tok := c.token(); tok != "" {
		if _, err := r.Cookie(handshake.TokenCookie); err != nil {
			r.AddCookie(&http.Cookie{Name: handshake.TokenCookie, Value: tok})
		}
	}
	return t.base.RoundTrip(r)
}

// newClient builds a fresh HTTP client with its own connection pool and
// cookie jar. Redirects are not followed; callers inspect 3xx responses.
func (c *Connection) newClient() (*http.Client, *http.Transport) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: c.cfg.InsecureSkipVerify} //nolint:gosec // operator opt-in for self-signed portals
	jar, _ := cookiejar.New(nil)

	return &http.Client{
		Transport: &sessionTransport{conn: c, base: tr},
		Jar:       jar,
		Timeout:   c.cfg.DefaultTimeout(),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, tr
}

func (c *Connection) httpClient() *http.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// send performs one round trip and reads the whole body. Transport failures
// come back classified; a closed connection reports ErrClosed.
func (c *Connection) send(ctx context.Context, op, method, rawURL string, body []byte, header http.Header, cookies ...*http.Cookie) (*http.Response, []byte, error) {
	if c.isClosed() {
		return nil, nil, ErrClosed
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return nil, nil, fault.Wrap(fault.KindConnection, op, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for _, ck := range cookies {
		req.AddCookie(ck)
	}

	if err := c.limiter.Wait(ctx, req.URL.Host); err != nil {
		return nil, nil, c.classify(op, err)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, nil, c.classify(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp, nil, c.classify(op, err)
	}
	return resp, data, nil
}

func (c *Connection) classify(op string, err error) error {
	if c.isClosed() {
		return ErrClosed
	}
	return fault.Transport(op, err)
}

// hostLimiter spaces requests to the same host by a fixed interval.
// Callers reserve a slot under the lock and sleep outside it.
type hostLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	next     map[string]time.Time
}

func newHostLimiter(ratePerSec int) *hostLimiter {
	l := &hostLimiter{next: make(map[string]time.Time)}
	if ratePerSec > 0 {
		l.interval = time.Second / time.Duration(ratePerSec)
	}
	return l
}

// Wait blocks until host may be called again or ctx is done.
func (l *hostLimiter) Wait(ctx context.Context, host string) error {
	if l.interval == 0 {
		return nil
	}

	l.mu.Lock()
	now := time.Now()
	slot := l.next[host]
	if slot.Before(now) {
		slot = now
	}
	l.next[host] = slot.Add(l.interval)
	l.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
