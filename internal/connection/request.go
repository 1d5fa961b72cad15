package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/campuslink/campuslink/internal/cache"
	"github.com/campuslink/campuslink/internal/fault"
	"github.com/campuslink/campuslink/internal/jsobject"
	"github.com/campuslink/campuslink/internal/metrics"
	"github.com/campuslink/campuslink/internal/retry"
)

// maxRedirects bounds FollowRedirects.
const maxRedirects = 10

// Decoder fills v from a response body.
type Decoder func(body []byte, v any) error

// DecodeJSON accepts strict JSON only.
func DecodeJSON(body []byte, v any) error { return json.Unmarshal(body, v) }

// DecodeObjectLiteral accepts JSON and JavaScript object literals.
func DecodeObjectLiteral(body []byte, v any) error { return jsobject.Unmarshal(body, v) }

// DecodeText stores the raw body in a *string or *[]byte.
func DecodeText(body []byte, v any) error {
	switch p := v.(type) {
	case *string:
		*p = string(body)
	case *[]byte:
		*p = append((*p)[:0], body...)
	default:
		return fmt.Errorf("text decoder cannot fill %T", v)
	}
	return nil
}

// Request describes a typed request. URL may be relative to the portal.
// At most one of Form and JSON should be set.
type Request struct {
	// Method defaults to GET, or POST when a body is set.
	Method         string
	URL            string
	Query          url.Values
	Form           url.Values
	JSON           any
	Header         http.Header
	UseCache       bool
	ForceReconnect bool
	// Decode defaults to DecodeObjectLiteral.
	Decode Decoder
}

func (r Request) method() string {
	if r.Method == "" {
		if r.Form != nil || r.JSON != nil {
			return http.MethodPost
		}
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

func (r Request) params() any {
	if len(r.Query) == 0 && len(r.Form) == 0 && r.JSON == nil {
		return nil
	}
	return struct {
		Query url.Values `json:"query,omitempty"`
		Form  url.Values `json:"form,omitempty"`
		JSON  any        `json:"json,omitempty"`
	}{r.Query, r.Form, r.JSON}
}

func (r Request) body() ([]byte, http.Header, error) {
	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	switch {
	case r.JSON != nil:
		b, err := json.Marshal(r.JSON)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding request body: %w", err)
		}
		if header.Get("Content-Type") == "" {
			header.Set("Content-Type", "application/json")
		}
		return b, header, nil
	case r.Form != nil:
		if header.Get("Content-Type") == "" {
			header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		return []byte(r.Form.Encode()), header, nil
	}
	return nil, header, nil
}

// resolve turns a request URL into an absolute URL with the query merged in.
func (c *Connection) resolve(raw string, query url.Values) (string, error) {
	u, err := c.baseURL.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid request URL %q: %w", raw, err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Fetch issues req and decodes the response into a T. A valid cached result
// is returned without touching the network. An unhealthy connection is
// reconnected first, and when the retry budget runs out on a connection
// that still needs it, one more reconnect-and-retry cycle is attempted.
func Fetch[T any](ctx context.Context, c *Connection, req Request) (T, error) {
	var zero T
	c.Touch()
	if c.isClosed() {
		return zero, ErrClosed
	}

	method := req.method()
	target, err := c.resolve(req.URL, req.Query)
	if err != nil {
		return zero, fault.Wrap(fault.KindConnection, "request", err)
	}
	key := cache.Fingerprint(method, target, req.params())
	useCache := req.UseCache && key != ""

	if useCache && !req.ForceReconnect {
		if v, ok := c.cache.Get(key); ok {
			if typed, ok := v.(T); ok {
				metrics.CacheLookups.WithLabelValues("hit").Inc()
				metrics.RequestTotal.WithLabelValues("cache_hit").Inc()
				return typed, nil
			}
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	ctx, cancel := c.bind(ctx)
	defer cancel()
	start := time.Now()

	v, err := fetchWithRecovery[T](ctx, c, method, target, req)
	metrics.RequestDuration.Observe(time.Since(start).Seconds())
	metrics.RequestTotal.WithLabelValues(metrics.Result(err, string(fault.KindOf(err)))).Inc()
	if err != nil {
		return zero, err
	}

	if useCache {
		c.cache.Put(key, v)
	}
	return v, nil
}

func fetchWithRecovery[T any](ctx context.Context, c *Connection, method, target string, req Request) (T, error) {
	var zero T

	switch {
	case req.ForceReconnect:
		if err := c.reconnect(ctx, "forced"); err != nil {
			return zero, err
		}
	case c.health.ShouldReconnect():
		if err := c.reconnect(ctx, "health"); err != nil {
			return zero, err
		}
	}

	attempt := func(ctx context.Context) (T, error) {
		return fetchOnce[T](ctx, c, method, target, req)
	}
	v, err := retry.Do(ctx, c.requestExec, attempt)
	if err == nil || !c.requestExec.Policy().IsRetryable(err) {
		return v, err
	}
	if c.isClosed() || ctx.Err() != nil || !c.health.ShouldReconnect() {
		return v, err
	}

	c.logger.Warn().Err(err).Str("url", target).Msg("retries exhausted, reconnecting for a final attempt")
	if rerr := c.reconnect(ctx, "exhausted"); rerr != nil {
		return zero, rerr
	}
	return attempt(ctx)
}

func fetchOnce[T any](ctx context.Context, c *Connection, method, target string, req Request) (T, error) {
	const op = "request"
	var out T

	body, header, err := req.body()
	if err != nil {
		return out, fault.Wrap(fault.KindParse, op, err)
	}

	resp, data, err := c.send(ctx, op, method, target, body, header)
	if err != nil {
		if !errors.Is(err, ErrClosed) {
			c.health.MarkError(err)
		}
		return out, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fault.New(fault.KindConnection, op, "%s %s returned %d", method, target, resp.StatusCode)
		c.health.MarkError(err)
		return out, err
	}

	decode := req.Decode
	if decode == nil {
		decode = DecodeObjectLiteral
	}
	if derr := decode(data, &out); derr != nil {
		err := fault.Wrap(fault.KindParse, op, fmt.Errorf("decoding %s: %w", target, derr))
		c.capture(ctx, method+" "+target, data)
		c.health.MarkError(err)
		return out, err
	}

	c.health.MarkHealthy()
	return out, nil
}

// capture stores an undecodable body for later inspection.
func (c *Connection) capture(ctx context.Context, label string, body []byte) {
	if c.captures == nil || len(body) == 0 {
		return
	}
	hash, err := c.captures.Put(ctx, label, body)
	if err != nil {
		c.logger.Warn().Err(err).Msg("storing response capture")
		return
	}
	c.logger.Debug().Str("capture", hash[:12]).Str("request", label).Msg("captured undecodable response")
}

// Page is a raw response.
type Page struct {
	StatusCode int
	URL        string
	Header     http.Header
	Body       []byte
	// Chain lists every URL visited, the final one included.
	Chain []string
	// Cookies holds the cookies carried along the chain when single sign-on
	// cookies were requested, merged with every hop's Set-Cookie.
	Cookies map[string]string
}

// GetPage fetches rawURL once without following redirects or decoding.
// With withSSOCookies the captured single sign-on cookies are sent
// regardless of the target host.
func (c *Connection) GetPage(ctx context.Context, rawURL string, withSSOCookies bool) (*Page, error) {
	c.Touch()
	target, err := c.resolve(rawURL, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindConnection, "get page", err)
	}
	ctx, cancel := c.bind(ctx)
	defer cancel()

	var carried map[string]string
	if withSSOCookies {
		carried = c.SSOCookies()
	}
	resp, body, err := c.send(ctx, "get page", http.MethodGet, target, nil, nil, cookieList(carried)...)
	if err != nil {
		return nil, err
	}
	return &Page{
		StatusCode: resp.StatusCode,
		URL:        target,
		Header:     resp.Header,
		Body:       body,
		Chain:      []string{target},
		Cookies:    carried,
	}, nil
}

// FollowRedirects fetches rawURL and follows up to ten redirects, which is
// how single sign-on tickets are redeemed at downstream services. With
// withSSOCookies the captured single sign-on cookies travel to every host
// in the chain, along with any cookie an earlier hop set.
func (c *Connection) FollowRedirects(ctx context.Context, rawURL string, withSSOCookies bool) (*Page, error) {
	const op = "follow redirects"
	c.Touch()
	target, err := c.resolve(rawURL, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindConnection, op, err)
	}
	ctx, cancel := c.bind(ctx)
	defer cancel()

	var carried map[string]string
	if withSSOCookies {
		carried = c.SSOCookies()
	}
	chain := []string{target}
	for hops := 0; ; hops++ {
		resp, body, err := c.send(ctx, op, http.MethodGet, target, nil, nil, cookieList(carried)...)
		if err != nil {
			return nil, err
		}
		if carried != nil {
			for _, ck := range resp.Cookies() {
				carried[ck.Name] = ck.Value
			}
		}
		loc := resp.Header.Get("Location")
		if !isRedirect(resp.StatusCode) || loc == "" {
			return &Page{
				StatusCode: resp.StatusCode,
				URL:        target,
				Header:     resp.Header,
				Body:       body,
				Chain:      chain,
				Cookies:    carried,
			}, nil
		}
		if hops == maxRedirects {
			return nil, fault.New(fault.KindConnection, op, "stopped after %d redirects", maxRedirects)
		}

		cur, _ := url.Parse(target)
		next, err := cur.Parse(loc)
		if err != nil {
			return nil, fault.New(fault.KindParse, op, "bad Location %q: %v", loc, err)
		}
		target = next.String()
		chain = append(chain, target)
	}
}

func cookieList(m map[string]string) []*http.Cookie {
	if len(m) == 0 {
		return nil
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*http.Cookie, 0, len(m))
	for _, name := range names {
		out = append(out, &http.Cookie{Name: name, Value: m[name]})
	}
	return out
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}
