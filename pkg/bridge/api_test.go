package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-rehab/pkg/endpoint"
)

func newTestApp(t *testing.T, f *fixture) *fiber.App {
	t.Helper()
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	f.session.RegisterRoutes(app)
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]any) {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func TestAPIState(t *testing.T) {
	f := newFixture(t, endpoint.StaticSource{})
	app := newTestApp(t, f)

	f.session.ingestor.OnMessage("display-1", []byte(`{"exercise":"Squats"}`))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.session.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	status, body := doJSON(t, app, "GET", "/api/state", "")
	if status != fiber.StatusOK {
		t.Fatalf("status = %d", status)
	}
	st, ok := body["state"].(map[string]any)
	if !ok || st["exercise"] != "Squats" {
		t.Errorf("state = %v", body["state"])
	}
	if body["version"] != float64(1) {
		t.Errorf("version = %v, want 1", body["version"])
	}
}

func TestAPIStats(t *testing.T) {
	f := newFixture(t, endpoint.StaticSource{})
	app := newTestApp(t, f)

	status, body := doJSON(t, app, "GET", "/api/stats", "")
	if status != fiber.StatusOK {
		t.Fatalf("status = %d", status)
	}
	for _, key := range []string{"peers", "dispatch", "ingest", "tools", "state_version"} {
		if _, ok := body[key]; !ok {
			t.Errorf("stats missing %q", key)
		}
	}
	conv, ok := body["conversation"].(map[string]any)
	if !ok || conv["connected"] != true {
		t.Fatalf("conversation = %v", body["conversation"])
	}
	if conv["reconnects"] != float64(0) {
		t.Errorf("reconnects = %v", conv["reconnects"])
	}
	if _, ok := conv["traffic"].(map[string]any); !ok {
		t.Errorf("traffic = %v", conv["traffic"])
	}
}

func TestAPITools(t *testing.T) {
	f := newFixture(t, endpoint.StaticSource{"display-1"})
	app := newTestApp(t, f)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantResult string
	}{
		{
			name:       "change background",
			path:       "/api/tools/change_background",
			body:       `{"color":"white"}`,
			wantStatus: fiber.StatusOK,
			wantResult: "Changed the background to white.",
		},
		{
			name:       "numeric argument",
			path:       "/api/tools/change_reps",
			body:       `{"reps":8}`,
			wantStatus: fiber.StatusOK,
			wantResult: "Set 8 reps.",
		},
		{
			name:       "missing argument",
			path:       "/api/tools/select_exercise",
			wantStatus: fiber.StatusOK,
			wantResult: "Error: tools: invalid argument: exercise is required",
		},
		{
			name:       "unknown tool",
			path:       "/api/tools/open_door",
			body:       `{}`,
			wantStatus: fiber.StatusNotFound,
		},
		{
			name:       "bad body",
			path:       "/api/tools/change_background",
			body:       `{"color":`,
			wantStatus: fiber.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := doJSON(t, app, "POST", tt.path, tt.body)
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%v)", status, tt.wantStatus, body)
			}
			if tt.wantResult != "" && body["result"] != tt.wantResult {
				t.Errorf("result = %v, want %q", body["result"], tt.wantResult)
			}
		})
	}

	status, body := doJSON(t, app, "GET", "/api/tools", "")
	if status != fiber.StatusOK {
		t.Fatalf("GET /api/tools status = %d", status)
	}
	if list, ok := body["tools"].([]any); !ok || len(list) != 6 {
		t.Errorf("tools = %v", body["tools"])
	}
}

func TestAPISay(t *testing.T) {
	f := newFixture(t, endpoint.StaticSource{})
	app := newTestApp(t, f)

	status, _ := doJSON(t, app, "POST", "/api/say", `{"text":"I'm ready"}`)
	if status != fiber.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(f.provider.TextSent) != 1 || f.provider.TextSent[0] != "I'm ready" {
		t.Errorf("TextSent = %v", f.provider.TextSent)
	}

	if status, _ := doJSON(t, app, "POST", "/api/say", `{"text":""}`); status != fiber.StatusBadRequest {
		t.Errorf("empty text status = %d, want 400", status)
	}

	f.provider.Close()
	if status, _ := doJSON(t, app, "POST", "/api/say", `{"text":"hello"}`); status != fiber.StatusServiceUnavailable {
		t.Errorf("disconnected status = %d, want 503", status)
	}
}
