// Package health tracks the liveness of a single connection.
package health

import (
	"sync"
	"time"
)

// ReconnectThreshold is the consecutive error count that forces a reconnect.
const ReconnectThreshold = 3

// Record is a connection's mutable health status. Safe for concurrent use.
type Record struct {
	mu            sync.RWMutex
	healthy       bool
	errorCount    int
	lastError     error
	lastCheckedAt time.Time
	now           func() time.Time
}

// Status is a point-in-time copy of a Record.
type Status struct {
	Healthy       bool      `json:"healthy"`
	ErrorCount    int       `json:"error_count"`
	LastError     string    `json:"last_error,omitempty"`
	LastCheckedAt time.Time `json:"last_checked_at"`
}

// NewRecord returns a healthy record.
func NewRecord() *Record {
	return &Record{healthy: true, now: time.Now, lastCheckedAt: time.Now()}
}

// MarkError records a failure and flips the record to unhealthy.
func (r *Record) MarkError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthy = false
	r.errorCount++
	r.lastError = err
	r.lastCheckedAt = r.now()
}

// MarkHealthy resets the record.
func (r *Record) MarkHealthy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthy = true
	r.errorCount = 0
	r.lastError = nil
	r.lastCheckedAt = r.now()
}

// Healthy reports the current health flag.
func (r *Record) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy
}

// ShouldReconnect is true when unhealthy or after ReconnectThreshold errors.
func (r *Record) ShouldReconnect() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.healthy || r.errorCount >= ReconnectThreshold
}

// Snapshot returns a copy of the record.
func (r *Record) Snapshot() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Status{
		Healthy:       r.healthy,
		ErrorCount:    r.errorCount,
		LastCheckedAt: r.lastCheckedAt,
	}
	if r.lastError != nil {
		s.LastError = r.lastError.Error()
	}
	return s
}
