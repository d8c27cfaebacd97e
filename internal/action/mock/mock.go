// Package mock provides a test double for the action.Invoker interface.
package mock

import (
	"context"
	"sync"

	"github.com/openhearth/hearth/internal/action"
)

// ExecuteCall records a single invocation of Execute.
type ExecuteCall struct {
	// Ctx is the context passed to Execute.
	Ctx context.Context
	// Req is the request passed to Execute.
	Req action.Request
}

// Invoker is a mock implementation of action.Invoker.
// Zero values cause methods to return zero values and nil errors.
type Invoker struct {
	mu sync.Mutex

	// ExecuteResult is returned by Execute unless ExecuteFunc is set.
	ExecuteResult action.Result

	// ExecuteErr, if non-nil, is returned as the error from Execute.
	ExecuteErr error

	// ExecuteFunc, if set, is called instead of returning ExecuteResult.
	// Useful for per-request behaviour (delays, request-dependent results).
	ExecuteFunc func(ctx context.Context, req action.Request) (action.Result, error)

	// Snapshot is returned by Capabilities.
	Snapshot action.CapabilitySnapshot

	// CapabilitiesErr, if non-nil, is returned as the error from Capabilities.
	CapabilitiesErr error

	// ExecuteCalls records every invocation of Execute in order.
	ExecuteCalls []ExecuteCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int
}

// Execute records the call and returns the configured result.
func (m *Invoker) Execute(ctx context.Context, req action.Request) (action.Result, error) {
	m.mu.Lock()
	m.ExecuteCalls = append(m.ExecuteCalls, ExecuteCall{Ctx: ctx, Req: req})
	fn := m.ExecuteFunc
	res, err := m.ExecuteResult, m.ExecuteErr
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return res, err
}

// Capabilities records the call and returns Snapshot, CapabilitiesErr.
func (m *Invoker) Capabilities(ctx context.Context) (action.CapabilitySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CapabilitiesCallCount++
	return m.Snapshot, m.CapabilitiesErr
}

// Calls returns a copy of the recorded Execute calls. Thread-safe.
func (m *Invoker) Calls() []ExecuteCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ExecuteCall, len(m.ExecuteCalls))
	copy(out, m.ExecuteCalls)
	return out
}

// Ensure Invoker implements action.Invoker at compile time.
var _ action.Invoker = (*Invoker)(nil)
