package events

import (
	"context"

	"github.com/campuslink/campuslink/internal/audit"
)

var auditTypes = map[Type]audit.EventType{
	Opened:         audit.EventConnectionOpened,
	VPNLogin:       audit.EventVPNLogin,
	VPNLoginFailed: audit.EventVPNLoginFailed,
	SSOLogin:       audit.EventSSOLogin,
	SSOLoginFailed: audit.EventSSOLoginFailed,
	Reconnect:      audit.EventReconnect,
	Unhealthy:      audit.EventUnhealthy,
	IdleTimeout:    audit.EventIdleTimeout,
	Closed:         audit.EventConnectionClosed,
}

// AuditSink appends events to the hash-chained audit log.
type AuditSink struct {
	logger *audit.Logger
}

// NewAuditSink wraps an audit logger.
func NewAuditSink(l *audit.Logger) *AuditSink {
	return &AuditSink{logger: l}
}

func (s *AuditSink) Publish(_ context.Context, ev Event) error {
	et, ok := auditTypes[ev.Type]
	if !ok {
		et = audit.EventType(ev.Type)
	}
	detail := map[string]string{"event_id": ev.ID}
	if ev.Server != "" {
		detail["server"] = ev.Server
	}
	for k, v := range ev.Detail {
		detail[k] = v
	}
	return s.logger.Log(et, ev.Identity, ev.ConnectionID, detail)
}
