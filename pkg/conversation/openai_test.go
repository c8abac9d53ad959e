package conversation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeRealtime is a minimal realtime server. It records client events and
// lets the test push server events.
type fakeRealtime struct {
	t      *testing.T
	srv    *httptest.Server
	header http.Header

	mu     sync.Mutex
	conn   *websocket.Conn
	conns  int
	events []map[string]any
	got    chan map[string]any
}

func newFakeRealtime(t *testing.T) *fakeRealtime {
	f := &fakeRealtime{t: t, got: make(chan map[string]any, 64)}
	upgrader := websocket.Upgrader{}

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.conns++
		f.header = r.Header.Clone()
		f.mu.Unlock()

		f.push(map[string]any{"type": "session.created"})

		for {
			var ev map[string]any
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			f.mu.Lock()
			f.events = append(f.events, ev)
			f.mu.Unlock()
			f.got <- ev
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRealtime) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeRealtime) push(ev map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.conn.WriteJSON(ev); err != nil {
		f.t.Errorf("push: %v", err)
	}
}

func (f *fakeRealtime) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case ev := <-f.got:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client event")
		return nil
	}
}

func (f *fakeRealtime) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns
}

func connectFake(t *testing.T, opts ...Option) (*OpenAI, *fakeRealtime) {
	t.Helper()

	f := newFakeRealtime(t)
	p, err := NewOpenAI(append([]Option{
		WithAPIKey("sk-test"),
		WithBaseURL(f.url()),
		WithModel("test-model"),
	}, opts...)...)
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	waitUntil(t, "session.created", p.IsReady)
	return p, f
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOpenAIConnect(t *testing.T) {
	p, f := connectFake(t)

	if !p.IsConnected() {
		t.Fatal("should be connected")
	}
	f.mu.Lock()
	auth := f.header.Get("Authorization")
	beta := f.header.Get("OpenAI-Beta")
	f.mu.Unlock()
	if auth != "Bearer sk-test" || beta != "realtime=v1" {
		t.Errorf("headers = %q, %q", auth, beta)
	}

	if err := p.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect = %v, want ErrAlreadyConnected", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if p.IsConnected() {
		t.Error("should be disconnected after Close")
	}
}

func TestOpenAIConnectFailure(t *testing.T) {
	p, _ := NewOpenAI(WithAPIKey("sk-test"), WithBaseURL("ws://127.0.0.1:1"), WithTimeout(time.Second))

	err := p.Connect(context.Background())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("err = %v, want *ConnectionError", err)
	}
	if p.IsConnected() {
		t.Error("failed dial should leave the provider disconnected")
	}
}

func TestOpenAIConfigureSession(t *testing.T) {
	p, f := connectFake(t)

	err := p.ConfigureSession(SessionOptions{
		SystemPrompt: "You are a rehab coach.",
		Tools: []Tool{{
			Name:        "change_reps",
			Description: "Change reps",
			Parameters:  map[string]any{"reps": map[string]any{"type": "string"}},
			Required:    []string{"reps"},
		}},
	})
	if err != nil {
		t.Fatalf("ConfigureSession: %v", err)
	}

	ev := f.next(t)
	if ev["type"] != "session.update" {
		t.Fatalf("type = %v", ev["type"])
	}
	session := ev["session"].(map[string]any)
	if session["instructions"] != "You are a rehab coach." {
		t.Errorf("instructions = %v", session["instructions"])
	}
	if session["voice"] != VoiceShimmer {
		t.Errorf("voice = %v", session["voice"])
	}
	if _, ok := session["input_audio_format"]; ok {
		t.Error("text-only session should not configure audio formats")
	}

	tools := session["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools = %v", tools)
	}
	tool := tools[0].(map[string]any)
	params := tool["parameters"].(map[string]any)
	if tool["name"] != "change_reps" || params["type"] != "object" {
		t.Errorf("tool = %v", tool)
	}
	if req := params["required"].([]any); len(req) != 1 || req[0] != "reps" {
		t.Errorf("required = %v", params["required"])
	}
}

func TestOpenAIToolCallRoundTrip(t *testing.T) {
	p, f := connectFake(t)

	type call struct {
		id, name string
		args     map[string]any
	}
	calls := make(chan call, 1)
	p.OnToolCall(func(id, name string, args map[string]any) {
		calls <- call{id, name, args}
	})

	f.push(map[string]any{
		"type":      "response.function_call_arguments.done",
		"call_id":   "call_1",
		"name":      "start_game",
		"arguments": `{"Yes":"true"}`,
	})

	var c call
	select {
	case c = <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("tool call not emitted")
	}
	if c.id != "call_1" || c.name != "start_game" || c.args["Yes"] != "true" {
		t.Errorf("call = %+v", c)
	}

	if err := p.SubmitToolResult("call_1", "Starting the game."); err != nil {
		t.Fatalf("SubmitToolResult: %v", err)
	}

	out := f.next(t)
	item := out["item"].(map[string]any)
	if out["type"] != "conversation.item.create" || item["type"] != "function_call_output" ||
		item["call_id"] != "call_1" || item["output"] != "Starting the game." {
		t.Errorf("output event = %v", out)
	}
	if cont := f.next(t); cont["type"] != "response.create" {
		t.Errorf("continuation = %v", cont)
	}

	if m := p.Metrics(); m.ToolCallsReceived != 1 || m.MessagesSent != 2 {
		t.Errorf("Metrics = %+v", m)
	}
}

func TestOpenAIBadArgumentsStillEmitCall(t *testing.T) {
	p, f := connectFake(t)

	got := make(chan map[string]any, 1)
	p.OnToolCall(func(id, name string, args map[string]any) { got <- args })

	f.push(map[string]any{
		"type":      "response.function_call_arguments.done",
		"call_id":   "call_2",
		"name":      "get_progress",
		"arguments": `not json`,
	})

	select {
	case args := <-got:
		if args == nil || len(args) != 0 {
			t.Errorf("args = %v, want empty map", args)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tool call not emitted")
	}
}

func TestOpenAISendTextAndGreeting(t *testing.T) {
	p, f := connectFake(t)

	if err := p.RequestResponse("Greet the user."); err != nil {
		t.Fatalf("RequestResponse: %v", err)
	}
	ev := f.next(t)
	resp, _ := ev["response"].(map[string]any)
	if ev["type"] != "response.create" || resp["instructions"] != "Greet the user." {
		t.Errorf("greeting = %v", ev)
	}

	if err := p.SendText("  I'm ready  "); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	msg := f.next(t)
	item := msg["item"].(map[string]any)
	content := item["content"].([]any)[0].(map[string]any)
	if item["role"] != "user" || content["text"] != "I'm ready" {
		t.Errorf("message = %v", msg)
	}
	if next := f.next(t); next["type"] != "response.create" {
		t.Errorf("follow-up = %v", next)
	}

	if err := p.SendText("   "); err != nil {
		t.Errorf("blank text should be ignored, got %v", err)
	}
}

func TestOpenAITranscriptsAndErrors(t *testing.T) {
	p, f := connectFake(t)

	var mu sync.Mutex
	var finals []string
	p.OnTranscript(func(role, text string, isFinal bool) {
		if isFinal {
			mu.Lock()
			finals = append(finals, role+":"+text)
			mu.Unlock()
		}
	})
	errs := make(chan error, 1)
	p.OnError(func(err error) { errs <- err })

	f.push(map[string]any{"type": "response.text.delta", "delta": "Nice"})
	f.push(map[string]any{"type": "response.text.done", "text": "Nice work!"})
	f.push(map[string]any{"type": "error", "error": map[string]any{"code": "rate_limit_exceeded", "message": "slow down"}})

	select {
	case err := <-errs:
		if !IsRateLimited(err) {
			t.Errorf("err = %v, want rate limited", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error not emitted")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(finals) != 1 || finals[0] != "agent:Nice work!" {
		t.Errorf("finals = %v", finals)
	}
}

func TestOpenAIServerClose(t *testing.T) {
	p, f := connectFake(t)

	errs := make(chan error, 1)
	p.OnError(func(err error) { errs <- err })

	f.mu.Lock()
	f.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	f.mu.Unlock()

	select {
	case err := <-errs:
		if !IsNotConnected(err) {
			t.Errorf("err = %v, want connection closed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close not reported")
	}
	waitUntil(t, "disconnect", func() bool { return !p.IsConnected() })
}

func TestOpenAIQuietSessionStaysConnected(t *testing.T) {
	p, _ := connectFake(t,
		WithReadTimeout(150*time.Millisecond),
		WithPingInterval(40*time.Millisecond),
	)

	errs := make(chan error, 1)
	p.OnError(func(err error) { errs <- err })

	select {
	case err := <-errs:
		t.Fatalf("quiet session dropped: %v", err)
	case <-time.After(600 * time.Millisecond):
	}
	if !p.IsConnected() {
		t.Error("quiet session should stay connected")
	}
}

func TestOpenAIReadTimeoutReportsRetryable(t *testing.T) {
	p, _ := connectFake(t,
		WithReadTimeout(100*time.Millisecond),
		WithPingInterval(0),
	)

	type report struct {
		err       error
		connected bool
	}
	reports := make(chan report, 1)
	p.OnError(func(err error) { reports <- report{err, p.IsConnected()} })

	select {
	case r := <-reports:
		if !IsRetryable(r.err) {
			t.Errorf("err = %v, want retryable", r.err)
		}
		if r.connected {
			t.Error("provider should be disconnected when the drop is reported")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read timeout not reported")
	}
}

func TestOpenAIReconnectFromOnError(t *testing.T) {
	p, f := connectFake(t)

	reconnected := make(chan error, 1)
	p.OnError(func(err error) {
		if !IsNotConnected(err) {
			return
		}
		reconnected <- p.Connect(context.Background())
	})

	f.mu.Lock()
	f.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "restart"))
	f.mu.Unlock()

	select {
	case err := <-reconnected:
		if err != nil {
			t.Fatalf("Connect from OnError: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close not reported")
	}

	waitUntil(t, "second session.created", p.IsReady)
	if n := f.connCount(); n != 2 {
		t.Errorf("connections = %d, want 2", n)
	}

	if err := p.ConfigureSession(SessionOptions{SystemPrompt: "again"}); err != nil {
		t.Fatalf("ConfigureSession after reconnect: %v", err)
	}
	if ev := f.next(t); ev["type"] != "session.update" {
		t.Errorf("type = %v", ev["type"])
	}
}
