package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	openAIRealtimeURL = "wss://api.openai.com/v1/realtime"
	openAIModel       = "gpt-4o-realtime-preview-2024-12-17"
)

// OpenAI implements Provider for the OpenAI Realtime API.
type OpenAI struct {
	config *Config
	logger *slog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	state     ConnectionState
	ready     bool
	cancelCtx context.CancelFunc

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	// Callbacks
	onTranscript func(role, text string, isFinal bool)
	onToolCall   func(id, name string, args map[string]any)
	onError      func(err error)

	// Metrics
	messagesSent      atomic.Int64
	messagesReceived  atomic.Int64
	toolCallsReceived atomic.Int64
	errors            atomic.Int64
}

// NewOpenAI creates a new OpenAI Realtime conversation provider.
func NewOpenAI(opts ...Option) (*OpenAI, error) {
	cfg := DefaultConfig()
	cfg.Model = openAIModel
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Voice == "" {
		cfg.Voice = VoiceShimmer
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = openAIRealtimeURL
	}
	if len(cfg.Modalities) == 0 {
		cfg.Modalities = []string{"text"}
	}

	return &OpenAI{
		config: cfg,
		logger: cfg.Logger.With("component", "conversation.openai"),
		state:  StateDisconnected,
	}, nil
}

// Connect establishes the WebSocket connection to OpenAI.
func (o *OpenAI) Connect(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateDisconnected {
		o.mu.Unlock()
		return ErrAlreadyConnected
	}
	o.state = StateConnecting
	o.mu.Unlock()

	url := fmt.Sprintf("%s?model=%s", o.config.BaseURL, o.config.Model)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+o.config.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		HandshakeTimeout: o.config.Timeout,
	}

	o.logger.Info("connecting to OpenAI Realtime API",
		"model", o.config.Model,
	)

	conn, resp, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		o.mu.Lock()
		o.state = StateDisconnected
		o.mu.Unlock()
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusTooManyRequests {
				return NewAPIError(resp.StatusCode, "", fmt.Sprintf("dial rejected: %v", err))
			}
			return NewConnectionError(
				fmt.Sprintf("dial failed with status %d", resp.StatusCode),
				err,
				resp.StatusCode >= 500,
			)
		}
		return NewConnectionError("dial failed", err, true)
	}

	// The reader outlives ctx, which only bounds the dial.
	msgCtx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	o.conn = conn
	o.state = StateConnected
	o.cancelCtx = cancel
	o.mu.Unlock()

	go o.handleMessages(msgCtx, conn)

	o.logger.Info("connected to OpenAI Realtime API")

	return nil
}

// Close gracefully closes the connection.
func (o *OpenAI) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateDisconnected {
		return nil
	}

	if o.cancelCtx != nil {
		o.cancelCtx()
	}

	if o.conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = o.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		o.conn.Close()
		o.conn = nil
	}

	o.state = StateDisconnected
	o.ready = false
	o.logger.Info("disconnected from OpenAI Realtime API")

	return nil
}

// IsConnected returns true if connected.
func (o *OpenAI) IsConnected() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state == StateConnected
}

// IsReady reports whether the server has announced the session.
func (o *OpenAI) IsReady() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.ready
}

// send writes one client event.
func (o *OpenAI) send(what string, msg any) error {
	o.mu.RLock()
	conn := o.conn
	state := o.state
	o.mu.RUnlock()

	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	o.writeMu.Lock()
	err := conn.WriteJSON(msg)
	o.writeMu.Unlock()

	if err != nil {
		o.errors.Add(1)
		return NewConnectionError(what+" failed", err, true)
	}

	o.messagesSent.Add(1)
	return nil
}

// OnTranscript sets the transcript callback.
func (o *OpenAI) OnTranscript(fn func(role, text string, isFinal bool)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onTranscript = fn
}

// OnToolCall sets the tool call callback.
func (o *OpenAI) OnToolCall(fn func(id, name string, args map[string]any)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onToolCall = fn
}

// OnError sets the error callback.
func (o *OpenAI) OnError(fn func(err error)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onError = fn
}

// ConfigureSession configures the conversation session.
func (o *OpenAI) ConfigureSession(opts SessionOptions) error {
	voice := opts.Voice
	if voice == "" {
		voice = o.config.Voice
	}
	prompt := opts.SystemPrompt
	if prompt == "" {
		prompt = o.config.SystemPrompt
	}
	temperature := opts.Temperature
	if temperature == 0 {
		temperature = o.config.Temperature
	}
	maxTokens := opts.MaxResponseTokens
	if maxTokens == 0 {
		maxTokens = o.config.MaxResponseTokens
	}

	apiTools := make([]map[string]any, len(opts.Tools))
	for i, tool := range opts.Tools {
		required := tool.Required
		if required == nil {
			required = []string{}
		}
		apiTools[i] = map[string]any{
			"type":        "function",
			"name":        tool.Name,
			"description": tool.Description,
			"parameters": map[string]any{
				"type":       "object",
				"properties": tool.Parameters,
				"required":   required,
			},
		}
	}

	td := opts.TurnDetection
	if td == nil {
		td = o.config.TurnDetection
	}
	var turnDetection any
	if td != nil && td.Type != "none" {
		turnDetection = map[string]any{
			"type":                td.Type,
			"threshold":           td.Threshold,
			"prefix_padding_ms":   td.PrefixPaddingMs,
			"silence_duration_ms": td.SilenceDurationMs,
		}
	}

	session := map[string]any{
		"modalities":                 o.config.Modalities,
		"instructions":               prompt,
		"voice":                      voice,
		"temperature":                temperature,
		"max_response_output_tokens": maxTokens,
		"turn_detection":             turnDetection,
		"tools":                      apiTools,
		"tool_choice":                "auto",
	}
	if hasAudio(o.config.Modalities) {
		session["input_audio_format"] = "pcm16"
		session["output_audio_format"] = "pcm16"
		session["input_audio_transcription"] = map[string]any{
			"model": "whisper-1",
		}
	}

	return o.send("configure session", map[string]any{
		"type":    "session.update",
		"session": session,
	})
}

func hasAudio(modalities []string) bool {
	for _, m := range modalities {
		if m == "audio" {
			return true
		}
	}
	return false
}

// SendText adds a user message and requests a response.
func (o *OpenAI) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	err := o.send("send text", map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
	if err != nil {
		return err
	}
	return o.RequestResponse("")
}

// RequestResponse asks the model to respond.
func (o *OpenAI) RequestResponse(instructions string) error {
	msg := map[string]any{"type": "response.create"}
	if instructions != "" {
		msg["response"] = map[string]any{
			"instructions": instructions,
		}
	}
	return o.send("request response", msg)
}

// CancelResponse cancels the current response.
func (o *OpenAI) CancelResponse() error {
	return o.send("cancel response", map[string]string{"type": "response.cancel"})
}

// SubmitToolResult submits the result of a tool call.
func (o *OpenAI) SubmitToolResult(callID, result string) error {
	err := o.send("submit tool result", map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  result,
		},
	})
	if err != nil {
		return err
	}

	// Request continuation
	if err := o.RequestResponse(""); err != nil {
		return err
	}

	o.logger.Debug("submitted tool result",
		"call_id", callID,
		"result_len", len(result),
	)
	return nil
}

// Metrics returns a snapshot of the provider counters.
func (o *OpenAI) Metrics() Metrics {
	return Metrics{
		MessagesSent:      o.messagesSent.Load(),
		MessagesReceived:  o.messagesReceived.Load(),
		ToolCallsReceived: o.toolCallsReceived.Load(),
		Errors:            o.errors.Load(),
	}
}

// handleMessages processes incoming WebSocket messages. The connection is
// marked down before a read failure is reported, so OnError may reconnect.
func (o *OpenAI) handleMessages(ctx context.Context, conn *websocket.Conn) {
	defer o.drop(conn)

	if o.config.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(o.config.ReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(o.config.ReadTimeout))
		})
	}
	if o.config.PingInterval > 0 {
		go o.keepAlive(ctx, conn)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.drop(conn)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				o.logger.Info("connection closed normally")
				o.emitError(ErrConnectionClosed)
				return
			}
			o.logger.Error("read error", "error", err)
			o.errors.Add(1)
			o.emitError(NewConnectionError("read failed", err, true))
			return
		}

		if o.config.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(o.config.ReadTimeout))
		}
		o.messagesReceived.Add(1)

		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			o.logger.Warn("failed to parse message", "error", err)
			continue
		}

		o.handleMessage(msg)
	}
}

// drop marks conn as gone if it is still the current connection.
func (o *OpenAI) drop(conn *websocket.Conn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn != conn {
		return
	}
	if o.cancelCtx != nil {
		o.cancelCtx()
		o.cancelCtx = nil
	}
	conn.Close()
	o.state = StateDisconnected
	o.conn = nil
	o.ready = false
}

// keepAlive pings conn until ctx is done or a ping fails.
func (o *OpenAI) keepAlive(ctx context.Context, conn *websocket.Conn) {
	wait := o.config.Timeout
	if wait <= 0 {
		wait = 10 * time.Second
	}
	ticker := time.NewTicker(o.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(wait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				o.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// handleMessage processes a single server event.
func (o *OpenAI) handleMessage(msg map[string]any) {
	msgType, _ := msg["type"].(string)

	switch msgType {
	case "session.created":
		o.mu.Lock()
		o.ready = true
		o.mu.Unlock()
		o.logger.Info("session created")

	case "session.updated":
		o.logger.Debug("session updated")

	case "conversation.item.input_audio_transcription.completed":
		if transcript, ok := msg["transcript"].(string); ok {
			o.emitTranscript(RoleUser, transcript, true)
		}

	case "response.text.delta", "response.audio_transcript.delta":
		if delta, ok := msg["delta"].(string); ok {
			o.emitTranscript(RoleAgent, delta, false)
		}

	case "response.text.done":
		if text, ok := msg["text"].(string); ok {
			o.emitTranscript(RoleAgent, text, true)
		}

	case "response.audio_transcript.done":
		if text, ok := msg["transcript"].(string); ok {
			o.emitTranscript(RoleAgent, text, true)
		}

	case "response.function_call_arguments.done":
		o.handleFunctionCall(msg)

	case "error":
		o.errors.Add(1)
		if errData, ok := msg["error"].(map[string]any); ok {
			errMsg, _ := errData["message"].(string)
			errCode, _ := errData["code"].(string)
			o.emitError(NewAPIError(0, errCode, errMsg))
		}

	default:
		// Ignore other message types
	}
}

// handleFunctionCall processes a function call from the API.
func (o *OpenAI) handleFunctionCall(msg map[string]any) {
	name, _ := msg["name"].(string)
	callID, _ := msg["call_id"].(string)
	argsStr, _ := msg["arguments"].(string)

	var args map[string]any
	if err := json.Unmarshal([]byte(argsStr), &args); err != nil || args == nil {
		args = make(map[string]any)
	}

	o.toolCallsReceived.Add(1)
	o.logger.Info("tool call received",
		"name", name,
		"call_id", callID,
	)

	o.emitToolCall(callID, name, args)
}

// Emit helpers

func (o *OpenAI) emitTranscript(role, text string, isFinal bool) {
	o.mu.RLock()
	fn := o.onTranscript
	o.mu.RUnlock()
	if fn != nil {
		fn(role, text, isFinal)
	}
}

func (o *OpenAI) emitToolCall(id, name string, args map[string]any) {
	o.mu.RLock()
	fn := o.onToolCall
	o.mu.RUnlock()
	if fn != nil {
		fn(id, name, args)
	}
}

func (o *OpenAI) emitError(err error) {
	o.mu.RLock()
	fn := o.onError
	o.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// Ensure OpenAI implements Provider and Reporter.
var (
	_ Provider = (*OpenAI)(nil)
	_ Reporter = (*OpenAI)(nil)
)
