package engine

import (
	"sync"

	"github.com/haasonsaas/loom/internal/config"
)

// ExecutionContext holds per-run node outputs keyed by node id. The reserved
// key "input" carries the run input. Parallel branches read and write
// concurrently, so access is guarded.
type ExecutionContext struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewExecutionContext seeds a context with the run input.
func NewExecutionContext(input string) *ExecutionContext {
	return &ExecutionContext{
		values: map[string]string{config.TerminalInput: input},
	}
}

// Get returns the stored output for a node id.
func (c *ExecutionContext) Get(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[id]
	return v, ok
}

// Set stores a node's output.
func (c *ExecutionContext) Set(id, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[id] = value
}

// Input returns the run input.
func (c *ExecutionContext) Input() string {
	v, _ := c.Get(config.TerminalInput)
	return v
}

// Snapshot returns a copy of all stored values.
func (c *ExecutionContext) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}
