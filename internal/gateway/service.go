// Package gateway is the service layer behind the control APIs and the CLI:
// "give me a working session for identity X" plus registry housekeeping.
package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/campuslink/campuslink/internal/audit"
	"github.com/campuslink/campuslink/internal/connection"
	"github.com/campuslink/campuslink/internal/registry"
)

// ErrUnknownIdentity is returned for identities without a registered connection.
var ErrUnknownIdentity = errors.New("no connection for identity")

// Service ties the registry to a credential source.
type Service struct {
	registry *registry.Registry
	creds    connection.CredentialSource
	auditDB  *sql.DB
	logger   zerolog.Logger
}

// NewService creates the service. auditDB may be nil, which disables
// VerifyAudit.
func NewService(reg *registry.Registry, creds connection.CredentialSource, auditDB *sql.DB, logger zerolog.Logger) *Service {
	return &Service{
		registry: reg,
		creds:    creds,
		auditDB:  auditDB,
		logger:   logger.With().Str("component", "gateway").Logger(),
	}
}

// Connect returns a fully authenticated connection for identity, creating it
// and running whichever handshakes are not already up. An empty server uses
// the configured portal.
func (s *Service) Connect(ctx context.Context, identity, server string) (*connection.Info, error) {
	c, err := s.connect(ctx, identity, server)
	if err != nil {
		return nil, err
	}
	info := c.Info()
	return &info, nil
}

func (s *Service) connect(ctx context.Context, identity, server string) (*connection.Connection, error) {
	if identity == "" {
		return nil, fmt.Errorf("identity is required")
	}
	if s.creds == nil {
		return nil, fmt.Errorf("no credential source configured")
	}
	creds, err := s.creds.Credentials(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("loading credentials for %s: %w", identity, err)
	}

	c, err := s.registry.CreateOrGet(server, identity)
	if err != nil {
		return nil, err
	}
	if !c.VPNLoginStatus() {
		if err := c.Login(ctx, creds.Username, creds.VPNPassword); err != nil {
			return nil, err
		}
	}
	if creds.SSOPassword != "" && !c.SSOLoginStatus() {
		if err := c.SSOLogin(ctx, creds.Username, creds.SSOPassword); err != nil {
			return nil, err
		}
	}
	s.logger.Debug().Str("identity", identity).Str("state", c.State().String()).Msg("connection ready")
	return c, nil
}

// Status describes the registered connection for identity.
func (s *Service) Status(identity string) (*connection.Info, error) {
	c, ok := s.registry.Get(identity)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, identity)
	}
	info := c.Info()
	return &info, nil
}

// Disconnect closes the connection for identity.
func (s *Service) Disconnect(identity string) error {
	if !s.registry.Remove(identity) {
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, identity)
	}
	return nil
}

// FetchInput describes a raw request issued through an identity's session.
type FetchInput struct {
	Identity       string            `json:"identity"`
	Server         string            `json:"server,omitempty"`
	Method         string            `json:"method,omitempty"`
	URL            string            `json:"url"`
	Query          map[string]string `json:"query,omitempty"`
	Form           map[string]string `json:"form,omitempty"`
	UseCache       bool              `json:"use_cache,omitempty"`
	ForceReconnect bool              `json:"force_reconnect,omitempty"`
}

// Fetch connects if needed and returns the response decoded as JSON or a
// JavaScript object literal.
func (s *Service) Fetch(ctx context.Context, in FetchInput) (json.RawMessage, error) {
	if in.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	c, err := s.connect(ctx, in.Identity, in.Server)
	if err != nil {
		return nil, err
	}

	req := connection.Request{
		Method:         in.Method,
		URL:            in.URL,
		UseCache:       in.UseCache,
		ForceReconnect: in.ForceReconnect,
	}
	if len(in.Query) > 0 {
		req.Query = toValues(in.Query)
	}
	if len(in.Form) > 0 {
		req.Form = toValues(in.Form)
	}
	return connection.Fetch[json.RawMessage](ctx, c, req)
}

func toValues(m map[string]string) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = []string{v}
	}
	return out
}

// List describes every registered connection.
func (s *Service) List() []connection.Info {
	return s.registry.List()
}

// Stats returns registry counts.
func (s *Service) Stats() registry.Stats {
	return s.registry.Stats()
}

// Cleanup removes inactive connections.
func (s *Service) Cleanup() int {
	return s.registry.CleanupInactive()
}

// VerifyAudit checks the audit log hash chain.
func (s *Service) VerifyAudit() (bool, int, error) {
	if s.auditDB == nil {
		return false, 0, fmt.Errorf("audit log not configured")
	}
	return audit.Verify(s.auditDB)
}
