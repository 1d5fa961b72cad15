// Package registry keeps at most one live Connection per identity and
// sweeps the ones that went idle or unhealthy.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/campuslink/campuslink/internal/config"
	"github.com/campuslink/campuslink/internal/connection"
	"github.com/campuslink/campuslink/internal/metrics"
)

// Stats counts registry entries. Healthy and Unhealthy partition Total, as
// do Active and Inactive.
type Stats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Inactive  int `json:"inactive"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
}

// Registry maps identities to connections.
type Registry struct {
	cfg    config.ConnectionConfig
	logger zerolog.Logger
	opts   []connection.Option

	mu      sync.Mutex
	entries map[string]*connection.Connection
}

// New creates a registry. opts are applied to every connection it creates.
func New(cfg config.ConnectionConfig, logger zerolog.Logger, opts ...connection.Option) *Registry {
	return &Registry{
		cfg:     cfg,
		logger:  logger.With().Str("component", "registry").Logger(),
		opts:    opts,
		entries: make(map[string]*connection.Connection),
	}
}

// CreateOrGet returns the active connection for identity, replacing an
// inactive one. An empty server uses the configured portal.
//
// The connection is built outside the registry lock. If two callers race
// for the same identity, the first to register wins and the other's
// connection is closed.
func (r *Registry) CreateOrGet(server, identity string) (*connection.Connection, error) {
	if c, ok := r.active(identity); ok {
		return c, nil
	}

	opts := make([]connection.Option, 0, len(r.opts)+2)
	opts = append(opts, connection.WithLogger(r.logger))
	opts = append(opts, r.opts...)
	opts = append(opts, connection.WithOnClose(r.forget))

	c, err := connection.New(server, identity, r.cfg, opts...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if cur, ok := r.entries[identity]; ok && cur.IsActive() {
		r.mu.Unlock()
		cur.Touch()
		go c.Close()
		return cur, nil
	}
	r.entries[identity] = c
	r.mu.Unlock()
	return c, nil
}

// active returns the live entry for identity. An inactive entry is
// unregistered and closed in the background.
func (r *Registry) active(identity string) (*connection.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.entries[identity]
	if !ok {
		return nil, false
	}
	if c.IsActive() {
		c.Touch()
		return c, true
	}
	delete(r.entries, identity)
	r.logger.Debug().Str("identity", identity).Msg("replacing inactive connection")
	go c.Close()
	return nil, false
}

// Get returns the registered connection for identity, if any.
func (r *Registry) Get(identity string) (*connection.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.entries[identity]
	return c, ok
}

// Remove closes and unregisters the connection for identity.
func (r *Registry) Remove(identity string) bool {
	r.mu.Lock()
	c, ok := r.entries[identity]
	delete(r.entries, identity)
	r.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// forget drops c once it has closed, unless identity already maps to a
// newer connection.
func (r *Registry) forget(c *connection.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[c.Identity()]; ok && cur == c {
		delete(r.entries, c.Identity())
	}
}

// CleanupInactive closes and removes every inactive connection and
// returns how many were removed.
func (r *Registry) CleanupInactive() int {
	r.mu.Lock()
	var stale []*connection.Connection
	for id, c := range r.entries {
		if !c.IsActive() {
			stale = append(stale, c)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, c := range stale {
		c.Close()
	}
	if len(stale) > 0 {
		r.logger.Info().Int("removed", len(stale)).Msg("cleaned up inactive connections")
	}
	return len(stale)
}

// Stats counts entries by activity and health.
func (r *Registry) Stats() Stats {
	conns := r.snapshot()

	var s Stats
	s.Total = len(conns)
	for _, c := range conns {
		if c.IsActive() {
			s.Active++
		} else {
			s.Inactive++
		}
		if c.Health().Healthy() {
			s.Healthy++
		} else {
			s.Unhealthy++
		}
	}

	metrics.Connections.WithLabelValues("active").Set(float64(s.Active))
	metrics.Connections.WithLabelValues("inactive").Set(float64(s.Inactive))
	metrics.Connections.WithLabelValues("healthy").Set(float64(s.Healthy))
	metrics.Connections.WithLabelValues("unhealthy").Set(float64(s.Unhealthy))
	return s
}

// List describes every registered connection, ordered by identity.
func (r *Registry) List() []connection.Info {
	conns := r.snapshot()
	out := make([]connection.Info, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// CloseAll closes every connection and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*connection.Connection, 0, len(r.entries))
	for _, c := range r.entries {
		conns = append(conns, c)
	}
	r.entries = make(map[string]*connection.Connection)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *connection.Connection) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
}

// RunJanitor calls CleanupInactive every interval until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CleanupInactive()
			r.Stats()
		}
	}
}

func (r *Registry) snapshot() []*connection.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*connection.Connection, 0, len(r.entries))
	for _, c := range r.entries {
		out = append(out, c)
	}
	return out
}
