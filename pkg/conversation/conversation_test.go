package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMockProvider(t *testing.T) {
	t.Run("connect and disconnect", func(t *testing.T) {
		m := NewMock()

		if m.IsConnected() {
			t.Error("should not be connected initially")
		}

		if err := m.Connect(context.Background()); err != nil {
			t.Errorf("connect failed: %v", err)
		}

		if !m.IsConnected() {
			t.Error("should be connected after Connect")
		}

		if err := m.Close(); err != nil {
			t.Errorf("close failed: %v", err)
		}

		if m.IsConnected() {
			t.Error("should not be connected after Close")
		}
	})

	t.Run("connect error", func(t *testing.T) {
		m := NewMock()
		rejected := NewAPIError(429, "", "slow down")
		m.ConnectFunc = func(ctx context.Context) error { return rejected }

		if err := m.Connect(context.Background()); !errors.Is(err, rejected) {
			t.Errorf("expected rejection, got %v", err)
		}
		if m.IsConnected() {
			t.Error("failed connect should leave the mock disconnected")
		}
	})

	t.Run("send text when connected", func(t *testing.T) {
		m := NewMock()
		_ = m.Connect(context.Background())

		if err := m.SendText("start the game"); err != nil {
			t.Errorf("send text failed: %v", err)
		}

		if len(m.TextSent) != 1 || m.TextSent[0] != "start the game" {
			t.Errorf("TextSent = %v", m.TextSent)
		}
	})

	t.Run("send when not connected", func(t *testing.T) {
		m := NewMock()

		if err := m.SendText("hi"); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
		if err := m.RequestResponse(""); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
		if err := m.SubmitToolResult("call-1", "ok"); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("simulate callbacks", func(t *testing.T) {
		m := NewMock()

		var transcriptRole, transcriptText string
		var toolCallID, toolCallName string
		var gotErr error

		m.OnTranscript(func(role, text string, isFinal bool) {
			transcriptRole = role
			transcriptText = text
		})

		m.OnToolCall(func(id, name string, args map[string]any) {
			toolCallID = id
			toolCallName = name
		})

		m.OnError(func(err error) {
			gotErr = err
		})

		m.SimulateTranscript(RoleUser, "make it blue", true)
		m.SimulateToolCall("call-123", "change_background", map[string]any{"color": "blue"})
		m.SimulateError(ErrConnectionClosed)

		if transcriptRole != RoleUser || transcriptText != "make it blue" {
			t.Errorf("transcript = %s/%s", transcriptRole, transcriptText)
		}

		if toolCallID != "call-123" || toolCallName != "change_background" {
			t.Errorf("tool call = %s/%s", toolCallID, toolCallName)
		}

		if !errors.Is(gotErr, ErrConnectionClosed) {
			t.Errorf("error = %v", gotErr)
		}
	})

	t.Run("configure session", func(t *testing.T) {
		m := NewMock()
		_ = m.Connect(context.Background())

		opts := SessionOptions{
			SystemPrompt: "You are a coach",
			Tools:        []Tool{{Name: "start_game"}},
		}

		if err := m.ConfigureSession(opts); err != nil {
			t.Errorf("configure session failed: %v", err)
		}

		got := m.GetSessionOptions()
		if got == nil || got.SystemPrompt != "You are a coach" || len(got.Tools) != 1 {
			t.Errorf("SessionOptions = %+v", got)
		}
	})

	t.Run("submit and wait for tool result", func(t *testing.T) {
		m := NewMock()
		_ = m.Connect(context.Background())

		go func() {
			time.Sleep(10 * time.Millisecond)
			_ = m.SubmitToolResult("call-456", "Changed the background to blue.")
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		result, ok := m.WaitToolResult(ctx, "call-456")
		if !ok || result != "Changed the background to blue." {
			t.Errorf("WaitToolResult = %q, %v", result, ok)
		}
	})

	t.Run("wait for missing tool result", func(t *testing.T) {
		m := NewMock()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		if _, ok := m.WaitToolResult(ctx, "never"); ok {
			t.Error("expected no result")
		}
	})

	t.Run("reset", func(t *testing.T) {
		m := NewMock()
		_ = m.Connect(context.Background())
		_ = m.SendText("hi")
		_ = m.RequestResponse("greet")
		_ = m.CancelResponse()
		_ = m.SubmitToolResult("call-1", "result")

		m.Reset()

		if len(m.TextSent) != 0 || len(m.GetResponses()) != 0 {
			t.Error("captured text not reset")
		}
		if len(m.ToolResults) != 0 {
			t.Error("tool results not reset")
		}
		if m.CancelCalled {
			t.Error("cancel called not reset")
		}
	})
}

func TestFunctionalOptions(t *testing.T) {
	t.Run("with API key", func(t *testing.T) {
		cfg := DefaultConfig()
		WithAPIKey("test-key")(cfg)

		if cfg.APIKey != "test-key" {
			t.Error("API key not set")
		}
	})

	t.Run("with model", func(t *testing.T) {
		cfg := DefaultConfig()
		WithModel("gpt-4o-realtime-preview")(cfg)

		if cfg.Model != "gpt-4o-realtime-preview" {
			t.Error("model not set")
		}
	})

	t.Run("with voice", func(t *testing.T) {
		cfg := DefaultConfig()
		WithVoice("alloy")(cfg)

		if cfg.Voice != "alloy" {
			t.Error("voice not set")
		}
	})

	t.Run("with modalities", func(t *testing.T) {
		cfg := DefaultConfig()
		WithModalities("text", "audio")(cfg)

		if len(cfg.Modalities) != 2 || cfg.Modalities[1] != "audio" {
			t.Errorf("modalities = %v", cfg.Modalities)
		}
	})

	t.Run("with temperature", func(t *testing.T) {
		cfg := DefaultConfig()
		WithTemperature(0.5)(cfg)

		if cfg.Temperature != 0.5 {
			t.Error("temperature not set")
		}
	})

	t.Run("with timeouts", func(t *testing.T) {
		cfg := DefaultConfig()
		WithTimeout(60 * time.Second)(cfg)
		WithReadTimeout(time.Minute)(cfg)
		WithPingInterval(10 * time.Second)(cfg)

		if cfg.Timeout != 60*time.Second {
			t.Error("timeout not set")
		}
		if cfg.ReadTimeout != time.Minute {
			t.Error("read timeout not set")
		}
		if cfg.PingInterval != 10*time.Second {
			t.Error("ping interval not set")
		}
	})

	t.Run("with prompt and base URL", func(t *testing.T) {
		cfg := DefaultConfig()
		WithSystemPrompt("coach")(cfg)
		WithBaseURL("ws://localhost:1234")(cfg)
		WithMaxTokens(100)(cfg)

		if cfg.SystemPrompt != "coach" || cfg.BaseURL != "ws://localhost:1234" || cfg.MaxResponseTokens != 100 {
			t.Errorf("config = %+v", cfg)
		}
	})

	t.Run("with turn detection", func(t *testing.T) {
		cfg := DefaultConfig()
		WithTurnDetection(&TurnDetection{Type: "none"})(cfg)

		if cfg.TurnDetection.Type != "none" {
			t.Error("turn detection not set")
		}
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Temperature != 0.8 {
		t.Errorf("expected temperature 0.8, got %f", cfg.Temperature)
	}
	if len(cfg.Modalities) != 1 || cfg.Modalities[0] != "text" {
		t.Errorf("expected text modality, got %v", cfg.Modalities)
	}
	if cfg.Logger == nil {
		t.Error("logger should default")
	}
	if err := cfg.Validate(); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestDefaultSessionOptions(t *testing.T) {
	opts := DefaultSessionOptions()

	if opts.Temperature != 0.8 {
		t.Errorf("expected temperature 0.8, got %f", opts.Temperature)
	}
	if opts.TurnDetection == nil || opts.TurnDetection.Type != "server_vad" {
		t.Error("turn detection should have defaults")
	}
}

func TestAPIError(t *testing.T) {
	t.Run("error message with code", func(t *testing.T) {
		err := NewAPIError(400, "invalid_request", "bad request")
		msg := err.Error()

		if msg != "conversation: API error [invalid_request]: bad request" {
			t.Errorf("unexpected error message: %s", msg)
		}
	})

	t.Run("error message with status", func(t *testing.T) {
		err := &APIError{StatusCode: 500, Message: "internal error"}
		msg := err.Error()

		if msg != "conversation: API error (HTTP 500): internal error" {
			t.Errorf("unexpected error message: %s", msg)
		}
	})

	t.Run("retryable errors", func(t *testing.T) {
		if !NewAPIError(429, "", "rate limited").IsRetryable() {
			t.Error("429 should be retryable")
		}
		if !NewAPIError(500, "", "server error").IsRetryable() {
			t.Error("500 should be retryable")
		}
		if NewAPIError(400, "", "bad request").IsRetryable() {
			t.Error("400 should not be retryable")
		}
	})
}

func TestConnectionError(t *testing.T) {
	cause := errors.New("network error")
	err := NewConnectionError("dial failed", cause, true)

	if err.Error() != "conversation: connection error: dial failed: network error" {
		t.Errorf("unexpected error message: %s", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("should unwrap to cause")
	}
	if !err.IsRetryable() {
		t.Error("should be retryable")
	}
	if NewConnectionError("auth failure", nil, false).IsRetryable() {
		t.Error("should not be retryable")
	}
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name string
		fn   func(error) bool
		err  error
		want bool
	}{
		{"not connected", IsNotConnected, ErrNotConnected, true},
		{"closed is not connected", IsNotConnected, ErrConnectionClosed, true},
		{"missing key is not a connection state", IsNotConnected, ErrMissingAPIKey, false},
		{"429 retryable", IsRetryable, NewAPIError(429, "", ""), true},
		{"400 not retryable", IsRetryable, NewAPIError(400, "", ""), false},
		{"retryable connection error", IsRetryable, NewConnectionError("", nil, true), true},
		{"wrapped connection error", IsRetryable, fmt.Errorf("reconnect: %w", NewConnectionError("", nil, true)), true},
		{"closed is not retryable", IsRetryable, ErrConnectionClosed, false},
		{"rate limited status", IsRateLimited, NewAPIError(429, "", ""), true},
		{"rate limited code", IsRateLimited, NewAPIError(0, "rate_limit_exceeded", ""), true},
		{"plain error not rate limited", IsRateLimited, ErrNotConnected, false},
		{"quota code", IsQuotaExceeded, NewAPIError(0, "insufficient_quota", ""), true},
		{"quota other", IsQuotaExceeded, NewAPIError(429, "", ""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(tt.err); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConnectionState(t *testing.T) {
	states := []struct {
		state    ConnectionState
		expected string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{ConnectionState(99), "unknown"},
	}

	for _, tc := range states {
		if tc.state.String() != tc.expected {
			t.Errorf("expected %s, got %s", tc.expected, tc.state.String())
		}
	}
}

func TestConcurrentMockAccess(t *testing.T) {
	m := NewMock()
	_ = m.Connect(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.SendText("hi")
			_ = m.IsConnected()
			m.SimulateTranscript(RoleAgent, "hello", false)
		}()
	}

	wg.Wait()

	if len(m.TextSent) != 100 {
		t.Errorf("expected 100 texts sent, got %d", len(m.TextSent))
	}
}

func TestOpenAINewValidation(t *testing.T) {
	t.Run("missing API key", func(t *testing.T) {
		_, err := NewOpenAI()
		if !errors.Is(err, ErrMissingAPIKey) {
			t.Errorf("expected ErrMissingAPIKey, got %v", err)
		}
	})

	t.Run("valid with API key", func(t *testing.T) {
		p, err := NewOpenAI(WithAPIKey("test-key"))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if p.config.Voice != VoiceShimmer || p.config.BaseURL != openAIRealtimeURL {
			t.Errorf("defaults not applied: %+v", p.config)
		}
		if p.IsConnected() {
			t.Error("new provider should not be connected")
		}
	})

	t.Run("not connected", func(t *testing.T) {
		p, _ := NewOpenAI(WithAPIKey("test-key"))

		if err := p.SendText("hi"); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
		if err := p.SubmitToolResult("call", "x"); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
		if err := p.Close(); err != nil {
			t.Errorf("close on idle provider: %v", err)
		}
	})
}
