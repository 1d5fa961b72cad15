package connection

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/campuslink/campuslink/internal/events"
	"github.com/campuslink/campuslink/internal/fault"
	"github.com/campuslink/campuslink/internal/handshake"
	"github.com/campuslink/campuslink/internal/metrics"
)

// monitor runs until the connection closes. Each tick it either closes an
// idle connection or probes the portal to keep the health record current.
func (c *Connection) monitor() {
	defer close(c.monitorDone)

	ticker := time.NewTicker(c.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		if idle := c.idleFor(); idle > c.activityTimeout {
			c.logger.Info().Dur("idle", idle).Msg("closing idle connection")
			c.publish(events.IdleTimeout, map[string]string{"idle": idle.Round(time.Second).String()})
			c.shutdown("idle", false)
			return
		}
		c.probe()
	}
}

// probe checks the portal session. Connections without a VPN session have
// nothing to probe.
func (c *Connection) probe() {
	if !c.vpnAuthenticated() {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.probeTimeout)
	defer cancel()

	wasHealthy := c.health.Healthy()
	resp, _, err := c.send(ctx, "probe", http.MethodGet, c.endpoint(handshake.ProbePath), nil, nil)
	if errors.Is(err, ErrClosed) || c.ctx.Err() != nil {
		return
	}
	if err == nil && resp.StatusCode != http.StatusOK {
		err = fault.New(fault.KindConnection, "probe", "portal answered %d", resp.StatusCode)
	}
	if err == nil {
		c.health.MarkHealthy()
		metrics.ProbeTotal.WithLabelValues("ok").Inc()
		return
	}

	c.health.MarkError(err)
	metrics.ProbeTotal.WithLabelValues(string(fault.KindOf(err))).Inc()
	if wasHealthy {
		c.logger.Warn().Err(err).Msg("liveness probe failed")
		c.publish(events.Unhealthy, map[string]string{"error": err.Error()})
	}
}
