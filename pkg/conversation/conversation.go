// Package conversation provides the interface to the realtime model that
// drives a session. The model speaks with the user and, when the user asks
// for something the display can do, emits a tool call.
//
// Example usage:
//
//	provider, err := conversation.NewOpenAI(
//	    conversation.WithAPIKey(os.Getenv("OPENAI_API_KEY")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer provider.Close()
//
//	provider.OnToolCall(func(id, name string, args map[string]any) {
//	    result := registry.Invoke(ctx, name, tools.Flatten(args))
//	    provider.SubmitToolResult(id, result)
//	})
//
//	if err := provider.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
package conversation

import "context"

// Provider defines the interface for realtime conversation providers.
type Provider interface {
	// Connect establishes the WebSocket connection to the conversation service.
	// Call this after setting up event handlers.
	Connect(ctx context.Context) error

	// Close gracefully shuts down the connection and releases resources.
	Close() error

	// IsConnected returns true if the provider has an active connection.
	IsConnected() bool

	// ConfigureSession sets instructions and tools.
	// Call this after Connect and before the first response.
	ConfigureSession(opts SessionOptions) error

	// SendText adds a user message to the conversation and asks for a reply.
	SendText(text string) error

	// RequestResponse asks the model to respond now. Non-empty instructions
	// apply to this response only, e.g. an opening greeting.
	RequestResponse(instructions string) error

	// CancelResponse interrupts the current agent response.
	CancelResponse() error

	// SubmitToolResult returns the result of a tool call to the agent.
	SubmitToolResult(callID, result string) error

	// OnTranscript sets the callback for transcript events.
	// role is "user" or "agent", isFinal indicates if transcription is complete.
	OnTranscript(fn func(role, text string, isFinal bool))

	// OnToolCall sets the callback for tool/function calls from the agent.
	// Use SubmitToolResult to return the result.
	OnToolCall(fn func(id, name string, args map[string]any))

	// OnError sets the callback for error events.
	OnError(fn func(err error))
}

// SessionOptions configures a conversation session.
type SessionOptions struct {
	// SystemPrompt is the system instruction for the agent.
	SystemPrompt string

	// Voice is the voice name used when audio is enabled.
	Voice string

	// Temperature controls randomness in responses.
	Temperature float64

	// MaxResponseTokens limits the response length.
	MaxResponseTokens int

	// TurnDetection configures voice activity detection.
	TurnDetection *TurnDetection

	// Tools is the list of tools available to the agent.
	Tools []Tool
}

// TurnDetection configures voice activity detection for turn-taking.
type TurnDetection struct {
	// Type is the detection type: "server_vad" or "none".
	Type string

	// Threshold is the VAD threshold (0.0-1.0).
	Threshold float64

	// PrefixPaddingMs is silence before speech starts.
	PrefixPaddingMs int

	// SilenceDurationMs is silence duration to end turn.
	SilenceDurationMs int
}

// Tool defines a function that the agent can call.
type Tool struct {
	// Name is the function name.
	Name string `json:"name"`

	// Description explains what the tool does.
	Description string `json:"description"`

	// Parameters holds the JSON Schema properties for the function.
	Parameters map[string]any `json:"parameters"`

	// Required lists the parameter names the model must supply.
	Required []string `json:"required,omitempty"`
}

// Transcript roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// DefaultSessionOptions returns sensible defaults for a conversation session.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		Temperature:       0.8,
		MaxResponseTokens: 4096,
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
	}
}

// ConnectionState represents the state of the provider connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Reporter is implemented by providers that expose readiness and
// traffic counters.
type Reporter interface {
	// IsReady reports whether the service has accepted the session.
	IsReady() bool

	// Metrics returns a snapshot of the provider counters.
	Metrics() Metrics
}

// Metrics tracks conversation statistics.
type Metrics struct {
	MessagesSent      int64 `json:"messages_sent"`
	MessagesReceived  int64 `json:"messages_received"`
	ToolCallsReceived int64 `json:"tool_calls_received"`
	Errors            int64 `json:"errors"`
}
