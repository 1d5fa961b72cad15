package connection

import (
	"context"

	"github.com/campuslink/campuslink/internal/events"
	"github.com/campuslink/campuslink/internal/fault"
	"github.com/campuslink/campuslink/internal/metrics"
)

// Reconnect replaces the transport and re-runs the handshakes with the
// credentials of the last successful login, or the credential source.
func (c *Connection) Reconnect(ctx context.Context) error {
	ctx, cancel := c.bind(ctx)
	defer cancel()
	return c.reconnect(ctx, "forced")
}

// reconnect swaps in a fresh client and resets authentication. Triggers
// other than "forced" are skipped when a concurrent caller already restored
// the connection's health.
func (c *Connection) reconnect(ctx context.Context, trigger string) error {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	if trigger != "forced" && !c.health.ShouldReconnect() {
		return nil
	}

	client, tr := c.newClient()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		tr.CloseIdleConnections()
		return ErrClosed
	}
	old := c.transport
	hadSSO := c.ssoAuth
	creds := c.remembered
	c.client, c.transport = client, tr
	c.vpnAuth, c.ssoAuth = false, false
	c.sessionToken = ""
	c.ssoCookies = map[string]string{}
	c.mu.Unlock()

	old.CloseIdleConnections()
	c.cache.Clear("")
	c.health.MarkHealthy()

	metrics.ReconnectTotal.WithLabelValues(trigger).Inc()
	c.logger.Info().Str("trigger", trigger).Msg("transport reconnected")
	c.publish(events.Reconnect, map[string]string{"trigger": trigger})

	return c.reauthenticate(ctx, creds, hadSSO)
}

// reauthenticate re-drives the VPN handshake, then SSO when it had been
// established. With no credentials at all the session stays
// unauthenticated and the caller must log in again.
func (c *Connection) reauthenticate(ctx context.Context, creds Credentials, sso bool) error {
	if creds.Username == "" || creds.VPNPassword == "" {
		if c.source == nil {
			c.logger.Warn().Msg("no credentials to re-authenticate with, session left unauthenticated")
			return nil
		}
		fetched, err := c.source.Credentials(ctx, c.identity)
		if err != nil {
			return fault.Wrap(fault.KindLogin, "reconnect", err)
		}
		creds = fetched
		sso = sso || creds.SSOPassword != ""
	}

	if err := c.Login(ctx, creds.Username, creds.VPNPassword); err != nil {
		return err
	}
	if sso && creds.SSOPassword != "" && c.cfg.SSOLoginURL != "" {
		return c.SSOLogin(ctx, creds.Username, creds.SSOPassword)
	}
	return nil
}
