package conversation

import (
	"context"
	"sync"
	"time"
)

// Mock is a mock implementation of Provider for testing.
type Mock struct {
	mu sync.RWMutex

	// State
	connected bool
	metrics   Metrics

	// Callbacks
	onTranscript func(role, text string, isFinal bool)
	onToolCall   func(id, name string, args map[string]any)
	onError      func(err error)

	// Configurable behavior
	ConnectFunc          func(ctx context.Context) error
	CloseFunc            func() error
	ConfigureSessionFunc func(opts SessionOptions) error
	SubmitToolResultFunc func(callID, result string) error

	// Captured calls for assertions
	SessionOptions *SessionOptions
	TextSent       []string
	Responses      []string
	ToolResults    map[string]string
	CancelCalled   bool

	connects int

	// results is signalled on every SubmitToolResult
	results chan string
}

// NewMock creates a new Mock provider.
func NewMock() *Mock {
	return &Mock{
		ToolResults: make(map[string]string),
		results:     make(chan string, 64),
	}
}

// Connect implements Provider.
func (m *Mock) Connect(ctx context.Context) error {
	if m.ConnectFunc != nil {
		if err := m.ConnectFunc(ctx); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	m.connects++
	return nil
}

// Close implements Provider.
func (m *Mock) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected implements Provider.
func (m *Mock) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// OnTranscript implements Provider.
func (m *Mock) OnTranscript(fn func(role, text string, isFinal bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTranscript = fn
}

// OnToolCall implements Provider.
func (m *Mock) OnToolCall(fn func(id, name string, args map[string]any)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onToolCall = fn
}

// OnError implements Provider.
func (m *Mock) OnError(fn func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = fn
}

// ConfigureSession implements Provider.
func (m *Mock) ConfigureSession(opts SessionOptions) error {
	if m.ConfigureSessionFunc != nil {
		if err := m.ConfigureSessionFunc(opts); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	m.SessionOptions = &opts
	m.metrics.MessagesSent++
	return nil
}

// SendText implements Provider.
func (m *Mock) SendText(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	m.TextSent = append(m.TextSent, text)
	m.metrics.MessagesSent++
	return nil
}

// RequestResponse implements Provider.
func (m *Mock) RequestResponse(instructions string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	m.Responses = append(m.Responses, instructions)
	m.metrics.MessagesSent++
	return nil
}

// CancelResponse implements Provider.
func (m *Mock) CancelResponse() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	m.CancelCalled = true
	return nil
}

// SubmitToolResult implements Provider.
func (m *Mock) SubmitToolResult(callID, result string) error {
	if m.SubmitToolResultFunc != nil {
		if err := m.SubmitToolResultFunc(callID, result); err != nil {
			return err
		}
	}
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.ToolResults[callID] = result
	m.metrics.MessagesSent++
	m.mu.Unlock()

	select {
	case m.results <- callID:
	default:
	}
	return nil
}

// Test helpers

// SimulateTranscript triggers the OnTranscript callback.
func (m *Mock) SimulateTranscript(role, text string, isFinal bool) {
	m.mu.RLock()
	fn := m.onTranscript
	m.mu.RUnlock()
	if fn != nil {
		fn(role, text, isFinal)
	}
}

// SimulateToolCall triggers the OnToolCall callback.
func (m *Mock) SimulateToolCall(id, name string, args map[string]any) {
	m.mu.Lock()
	fn := m.onToolCall
	m.metrics.MessagesReceived++
	m.metrics.ToolCallsReceived++
	m.mu.Unlock()
	if fn != nil {
		fn(id, name, args)
	}
}

// SimulateError triggers the OnError callback.
func (m *Mock) SimulateError(err error) {
	m.mu.Lock()
	fn := m.onError
	m.metrics.Errors++
	m.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// SimulateDisconnect drops the connection, then reports err through
// OnError the way a real provider does.
func (m *Mock) SimulateDisconnect(err error) {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	m.SimulateError(err)
}

// IsReady implements Reporter. The mock is ready once configured.
func (m *Mock) IsReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected && m.SessionOptions != nil
}

// Metrics implements Reporter.
func (m *Mock) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// Connects returns how many times Connect succeeded.
func (m *Mock) Connects() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connects
}

// WaitToolResult blocks until a tool result for callID has been submitted
// or ctx is done.
func (m *Mock) WaitToolResult(ctx context.Context, callID string) (string, bool) {
	for {
		if result, ok := m.GetToolResult(callID); ok {
			return result, true
		}
		select {
		case <-m.results:
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return "", false
		}
	}
}

// GetToolResult returns the submitted result for callID.
func (m *Mock) GetToolResult(callID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result, ok := m.ToolResults[callID]
	return result, ok
}

// GetSessionOptions returns the last configured session options.
func (m *Mock) GetSessionOptions() *SessionOptions {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.SessionOptions
}

// GetResponses returns the captured RequestResponse instructions.
func (m *Mock) GetResponses() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string{}, m.Responses...)
}

// Reset clears all captured data.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SessionOptions = nil
	m.TextSent = nil
	m.Responses = nil
	m.ToolResults = make(map[string]string)
	m.CancelCalled = false
}

// Ensure Mock implements Provider and Reporter.
var (
	_ Provider = (*Mock)(nil)
	_ Reporter = (*Mock)(nil)
)
