package connection

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/campuslink/campuslink/internal/events"
	"github.com/campuslink/campuslink/internal/fault"
	"github.com/campuslink/campuslink/internal/handshake"
	"github.com/campuslink/campuslink/internal/metrics"
	"github.com/campuslink/campuslink/internal/retry"
)

// Login performs the VPN portal handshake. Transport failures are retried
// under the connection's policy; a rejected handshake fails immediately with
// a login-kind error. Any failure leaves the connection unauthenticated.
func (c *Connection) Login(ctx context.Context, username, password string) error {
	if c.isClosed() {
		return ErrClosed
	}
	ctx, cancel := c.bind(ctx)
	defer cancel()
	c.Touch()

	// The challenge request must go out without a session cookie.
	c.resetAuth()

	token, err := retry.Do(ctx, c.loginExec, func(ctx context.Context) (string, error) {
		return c.vpnHandshake(ctx, username, password)
	})
	if err == nil {
		err = c.acceptVPN(token, Credentials{Username: username, VPNPassword: password})
	}
	if err != nil {
		c.failVPN(err)
		metrics.LoginTotal.WithLabelValues("vpn", metrics.Result(err, string(fault.KindOf(err)))).Inc()
		c.logger.Warn().Err(err).Str("username", username).Msg("VPN login failed")
		c.publish(events.VPNLoginFailed, map[string]string{"kind": string(fault.KindOf(err))})
		return err
	}

	c.health.MarkHealthy()
	metrics.LoginTotal.WithLabelValues("vpn", "ok").Inc()
	c.logger.Info().Str("username", username).Msg("VPN login succeeded")
	c.publish(events.VPNLogin, map[string]string{"username": username})
	return nil
}

func (c *Connection) vpnHandshake(ctx context.Context, username, password string) (string, error) {
	const op = "vpn login"

	resp, body, err := c.send(ctx, op, http.MethodGet, c.endpoint(handshake.AuthPath), nil, nil)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return "", fault.New(fault.KindConnection, op, "auth endpoint returned %d", resp.StatusCode)
	}

	ch, err := handshake.ParseChallenge(body)
	if err != nil {
		return "", fault.Wrap(fault.KindLogin, op, err)
	}
	encrypted, err := ch.EncryptPassword(password)
	if err != nil {
		return "", fault.Wrap(fault.KindLogin, op, err)
	}

	form := url.Values{}
	form.Set("svpn_rand_code", "")
	form.Set("mitm", "")
	form.Set("svpn_req_randcode", ch.CSRF)
	form.Set("svpn_name", username)
	form.Set("svpn_password", encrypted)

	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, body, err = c.send(ctx, op, http.MethodPost, c.endpoint(handshake.LoginPath),
		[]byte(form.Encode()), header,
		&http.Cookie{Name: handshake.TokenCookie, Value: ch.Token})
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return "", fault.New(fault.KindConnection, op, "login endpoint returned %d", resp.StatusCode)
	}
	if !handshake.LoginAccepted(body) {
		return "", fault.New(fault.KindLogin, op, "portal rejected credentials for %s", username)
	}
	return ch.Token, nil
}

func (c *Connection) acceptVPN(token string, creds Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.sessionToken = token
	c.vpnAuth = true
	if creds.Username != "" {
		if c.remembered.Username != creds.Username {
			c.remembered = Credentials{}
		}
		c.remembered.Username = creds.Username
		c.remembered.VPNPassword = creds.VPNPassword
	}
	return nil
}

// SSOLogin performs the CAS handshake through the established VPN session.
func (c *Connection) SSOLogin(ctx context.Context, username, password string) error {
	const op = "sso login"
	if c.isClosed() {
		return ErrClosed
	}
	if !c.vpnAuthenticated() {
		return fault.New(fault.KindLogin, op, "VPN session not established")
	}
	if c.cfg.SSOLoginURL == "" {
		return fault.New(fault.KindLogin, op, "no single sign-on login URL configured")
	}
	ctx, cancel := c.bind(ctx)
	defer cancel()
	c.Touch()

	cookies, err := retry.Do(ctx, c.loginExec, func(ctx context.Context) (map[string]string, error) {
		return c.ssoHandshake(ctx, username, password)
	})
	if err == nil {
		err = c.acceptSSO(cookies, username, password)
	}
	if err != nil {
		c.mu.Lock()
		c.ssoAuth = false
		c.ssoCookies = map[string]string{}
		c.mu.Unlock()
		if !fault.Is(err, fault.KindLogin) && !errors.Is(err, ErrClosed) {
			c.health.MarkError(err)
		}
		metrics.LoginTotal.WithLabelValues("sso", metrics.Result(err, string(fault.KindOf(err)))).Inc()
		c.logger.Warn().Err(err).Str("username", username).Msg("SSO login failed")
		c.publish(events.SSOLoginFailed, map[string]string{"kind": string(fault.KindOf(err))})
		return err
	}

	metrics.LoginTotal.WithLabelValues("sso", "ok").Inc()
	c.logger.Info().Str("username", username).Int("cookies", len(cookies)).Msg("SSO login succeeded")
	c.publish(events.SSOLogin, map[string]string{"username": username})
	return nil
}

func (c *Connection) ssoHandshake(ctx context.Context, username, password string) (map[string]string, error) {
	const op = "sso login"
	loginURL := c.cfg.SSOLoginURL

	resp, body, err := c.send(ctx, op, http.MethodGet, loginURL, nil, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fault.New(fault.KindConnection, op, "login page returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fault.New(fault.KindLogin, op, "login page returned %d", resp.StatusCode)
	}

	form, err := handshake.ParseLoginForm(body)
	if err != nil {
		return nil, fault.Wrap(fault.KindLogin, op, err)
	}
	encrypted, err := handshake.EncryptDES(password, form.LT)
	if err != nil {
		return nil, fault.Wrap(fault.KindLogin, op, err)
	}

	values := url.Values{}
	values.Set("username", username)
	values.Set("password", encrypted)
	values.Set("lt", form.LT)
	values.Set("execution", form.Execution)
	values.Set("_eventId", "submit")
	values.Set("isQrSubmit", "false")
	values.Set("qrValue", "")
	values.Set("isMobileLogin", "false")

	resp, body, err = c.send(ctx, op, http.MethodPost, loginURL, []byte(values.Encode()), c.browserHeaders(loginURL))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 && resp.StatusCode < 400 && resp.Header.Get("Location") != "" {
		cookies := make(map[string]string)
		for _, ck := range resp.Cookies() {
			cookies[ck.Name] = ck.Value
		}
		return cookies, nil
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fault.New(fault.KindConnection, op, "login submit returned %d", resp.StatusCode)
	}

	msg := handshake.ParseErrorMessage(body)
	if msg == "" {
		msg = "unknown error"
	}
	return nil, fault.New(fault.KindLogin, op, "SSO rejected login: %s", msg)
}

func (c *Connection) acceptSSO(cookies map[string]string, username, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	// A concurrent reconnect may have dropped the VPN session mid-handshake.
	if !c.vpnAuth {
		return fault.New(fault.KindLogin, "sso login", "VPN session lost during SSO login")
	}
	c.ssoCookies = cookies
	c.ssoAuth = true
	if c.remembered.Username == "" || c.remembered.Username == username {
		c.remembered.Username = username
		c.remembered.SSOPassword = password
	}
	return nil
}

func (c *Connection) browserHeaders(referer string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.cfg.SSOOrigin != "" {
		h.Set("Origin", c.cfg.SSOOrigin)
	}
	h.Set("Referer", referer)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	h.Set("Upgrade-Insecure-Requests", "1")
	return h
}

// AdoptSession installs an existing portal session token, for example one
// imported from a browser, and verifies it with a probe.
func (c *Connection) AdoptSession(ctx context.Context, token string) error {
	const op = "adopt session"
	token = strings.TrimSpace(token)
	if token == "" {
		return fault.New(fault.KindLogin, op, "empty session token")
	}
	if c.isClosed() {
		return ErrClosed
	}
	ctx, cancel := c.bind(ctx)
	defer cancel()
	c.Touch()

	c.resetAuth()
	c.mu.Lock()
	c.sessionToken = token
	c.mu.Unlock()

	resp, _, err := c.send(ctx, op, http.MethodGet, c.endpoint(handshake.ProbePath), nil, nil)
	if err == nil && resp.StatusCode != http.StatusOK {
		err = fault.New(fault.KindLogin, op, "portal rejected session token (status %d)", resp.StatusCode)
	}
	if err == nil {
		err = c.acceptVPN(token, Credentials{})
	}
	if err != nil {
		c.failVPN(err)
		c.publish(events.VPNLoginFailed, map[string]string{"kind": string(fault.KindOf(err)), "method": "adopted"})
		return err
	}

	c.health.MarkHealthy()
	metrics.LoginTotal.WithLabelValues("vpn", "adopted").Inc()
	c.logger.Info().Msg("adopted existing portal session")
	c.publish(events.VPNLogin, map[string]string{"method": "adopted"})
	return nil
}

// resetAuth drops every piece of authentication state.
func (c *Connection) resetAuth() {
	c.mu.Lock()
	c.vpnAuth, c.ssoAuth = false, false
	c.sessionToken = ""
	c.ssoCookies = map[string]string{}
	c.mu.Unlock()
}

// failVPN resets authentication after a failed VPN handshake. Rejected
// credentials say nothing about transport health and leave it untouched.
func (c *Connection) failVPN(err error) {
	c.resetAuth()
	if !fault.Is(err, fault.KindLogin) && !errors.Is(err, ErrClosed) {
		c.health.MarkError(err)
	}
}

func (c *Connection) endpoint(path string) string {
	return strings.TrimSuffix(c.baseURL.String(), "/") + path
}
