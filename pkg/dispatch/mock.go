package dispatch

import (
	"context"
	"sync"
)

// Call is one RPC captured by MockTransport.
type Call struct {
	Identity string
	Method   string
	Payload  string
}

// MockTransport is a Transport for testing.
type MockTransport struct {
	mu sync.Mutex

	// Configurable behavior
	PerformRPCFunc func(ctx context.Context, identity, method, payload string) error

	// Captured calls for assertions
	Calls []Call
}

// NewMockTransport creates a transport that records and acknowledges calls.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// PerformRPC implements Transport.
func (m *MockTransport) PerformRPC(ctx context.Context, identity, method, payload string) error {
	m.mu.Lock()
	m.Calls = append(m.Calls, Call{Identity: identity, Method: method, Payload: payload})
	fn := m.PerformRPCFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, identity, method, payload)
	}
	return nil
}

// GetCalls returns a copy of the captured calls.
func (m *MockTransport) GetCalls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call{}, m.Calls...)
}

// Reset clears captured calls.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// Ensure MockTransport implements Transport.
var _ Transport = (*MockTransport)(nil)
