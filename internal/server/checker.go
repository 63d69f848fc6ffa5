package server

import (
	"context"
	"strconv"
	"sync"
)

// DispatcherStatus is what the broadcast checker reads from the dispatcher.
type DispatcherStatus interface {
	Running() bool
	Clients() int
	Waiting() int
}

// BroadcastChecker reports the health of the broadcast server. It is ready
// while the dispatcher runs and the upstream source, if any, is up. It
// stops being alive once a fatal error was recorded.
type BroadcastChecker struct {
	dispatcher DispatcherStatus

	mu       sync.RWMutex
	source   string
	sourceUp bool
	fatal    error
}

var _ HealthChecker = (*BroadcastChecker)(nil)

// NewBroadcastChecker creates a checker without an upstream source.
func NewBroadcastChecker(d DispatcherStatus) *BroadcastChecker {
	return &BroadcastChecker{dispatcher: d, sourceUp: true}
}

// SetSource records the state of the named upstream source.
func (c *BroadcastChecker) SetSource(name string, up bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.source = name
	c.sourceUp = up
}

// Fail records a fatal error.
func (c *BroadcastChecker) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal == nil {
		c.fatal = err
	}
}

// Liveness implements HealthChecker.
func (c *BroadcastChecker) Liveness() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fatal == nil
}

// Readiness implements HealthChecker.
func (c *BroadcastChecker) Readiness(ctx context.Context) bool {
	if ctx.Err() != nil || !c.dispatcher.Running() {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fatal == nil && c.sourceUp
}

// IsHealthy implements HealthChecker.
func (c *BroadcastChecker) IsHealthy() bool {
	return c.Readiness(context.Background())
}

// GetStatus implements HealthChecker.
func (c *BroadcastChecker) GetStatus() map[string]string {
	status := map[string]string{
		"dispatcher": "stopped",
		"clients":    strconv.Itoa(c.dispatcher.Clients()),
		"waiting":    strconv.Itoa(c.dispatcher.Waiting()),
	}
	if c.dispatcher.Running() {
		status["dispatcher"] = "running"
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.source != "" {
		status["source"] = c.source + ": down"
		if c.sourceUp {
			status["source"] = c.source + ": up"
		}
	}
	if c.fatal != nil {
		status["error"] = c.fatal.Error()
	}
	return status
}
