package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/outbound-ivr-call/internal/domain"
	"github.com/acme/outbound-ivr-call/internal/notify"
	"github.com/acme/outbound-ivr-call/internal/orchestrator"
	"github.com/acme/outbound-ivr-call/internal/telephony"
	"github.com/acme/outbound-ivr-call/internal/webhook"
	apperrors "github.com/acme/outbound-ivr-call/pkg/errors"
)

type fakeEngine struct {
	mu       sync.Mutex
	requests []orchestrator.InitiateRequest
	events   []domain.WebhookEvent
	result   telephony.CreateCallResult
	err      error
	snapshot orchestrator.Snapshot
}

func (f *fakeEngine) Initiate(_ context.Context, req orchestrator.InitiateRequest) (telephony.CreateCallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.result, f.err
}

func (f *fakeEngine) HandleWebhook(_ context.Context, ev domain.WebhookEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeEngine) Status() orchestrator.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func newTestApp(engine *fakeEngine, checks map[string]HealthCheck) *fiber.App {
	h := NewHandlerSet(Dependencies{
		Engine:        engine,
		Decoder:       webhook.NewDecoder("app-id"),
		Notifications: notify.NewHub(8, nil),
		Checks:        checks,
	})
	app := fiber.New(fiber.Config{ErrorHandler: h.ErrorHandler})
	h.Register(app)
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp, out
}

func TestInitiateCallReturnsProviderPayload(t *testing.T) {
	raw := json.RawMessage(`{"voice_id":"v1","state":"initiated"}`)
	engine := &fakeEngine{result: telephony.CreateCallResult{VoiceCallID: "v1", Raw: raw}}
	app := newTestApp(engine, nil)

	for _, path := range []string{"/outbound-call", "/create-call"} {
		resp, body := doJSON(t, app, http.MethodPost, path, `{"from":"A","to":"B","play_text":"hello","play_voice":"female"}`, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d (%s)", path, resp.StatusCode, body)
		}
		if string(body) != string(raw) {
			t.Fatalf("%s: expected raw payload, got %s", path, body)
		}
	}

	want := orchestrator.InitiateRequest{From: "A", To: "B", PlayText: "hello", PlayVoice: "female"}
	if len(engine.requests) != 2 || engine.requests[0] != want {
		t.Fatalf("unexpected engine requests %+v", engine.requests)
	}
}

func TestInitiateCallErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", apperrors.ErrValidation, http.StatusBadRequest},
		{"in progress", orchestrator.ErrCallInProgress, http.StatusConflict},
		{"provider", telephony.ErrTransport, http.StatusBadGateway},
		{"guard store", apperrors.ErrUnavailable, http.StatusServiceUnavailable},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(&fakeEngine{err: tc.err}, nil)
			resp, body := doJSON(t, app, http.MethodPost, "/outbound-call", `{"from":"A","to":"B"}`, nil)
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, resp.StatusCode, body)
			}
			var payload map[string]any
			if err := json.Unmarshal(body, &payload); err != nil || payload["error"] == "" {
				t.Fatalf("expected error body, got %s", body)
			}
		})
	}
}

func TestInitiateCallRejectsMalformedBody(t *testing.T) {
	engine := &fakeEngine{}
	app := newTestApp(engine, nil)
	resp, _ := doJSON(t, app, http.MethodPost, "/outbound-call", `{"from":`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if len(engine.requests) != 0 {
		t.Fatalf("malformed body must not reach the engine")
	}
}

func TestEventAcceptsPlainWebhook(t *testing.T) {
	engine := &fakeEngine{}
	app := newTestApp(engine, nil)

	resp, _ := doJSON(t, app, http.MethodPost, "/event", `{"voice_id":"v1","playstate":"playfinished","prompt_ref":"1"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(engine.events) != 1 || !engine.events[0].PlayFinished() || engine.events[0].PromptRef != "1" {
		t.Fatalf("unexpected events %+v", engine.events)
	}
}

func TestEventAcceptsEncryptedWebhook(t *testing.T) {
	engine := &fakeEngine{}
	app := newTestApp(engine, nil)

	h := webhook.Headers{Algorithm: "aes-256-cbc", Format: "base64", Encoding: "utf8"}
	body, err := webhook.Encrypt(h, "app-id", []byte(`{"voice_id":"v1","state":"connected"}`))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	resp, _ := doJSON(t, app, http.MethodPost, "/event", string(body), map[string]string{
		webhook.HeaderAlgorithm: h.Algorithm,
		webhook.HeaderFormat:    h.Format,
		webhook.HeaderEncoding:  h.Encoding,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(engine.events) != 1 || !engine.events[0].Is(domain.CallStateConnected) {
		t.Fatalf("unexpected events %+v", engine.events)
	}
}

func TestEventAlwaysAcknowledges(t *testing.T) {
	engine := &fakeEngine{}
	app := newTestApp(engine, nil)

	bodies := []struct {
		body    string
		headers map[string]string
	}{
		{"not json", nil},
		{`{"encrypted_data":"!!!"}`, map[string]string{webhook.HeaderAlgorithm: "aes-256-cbc"}},
		{`{"encrypted_data":"abcd"}`, map[string]string{webhook.HeaderAlgorithm: "des"}},
	}
	for _, b := range bodies {
		resp, _ := doJSON(t, app, http.MethodPost, "/event", b.body, b.headers)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 for %q, got %d", b.body, resp.StatusCode)
		}
	}
	if len(engine.events) != 0 {
		t.Fatalf("undecodable webhooks must be dropped, got %+v", engine.events)
	}
}

func TestCurrentCall(t *testing.T) {
	id := uuid.New()
	engine := &fakeEngine{snapshot: orchestrator.Snapshot{
		State: orchestrator.StatePrompting,
		Session: domain.CallSession{
			ID: id, VoiceCallID: "v1", From: "A", To: "B", Voice: domain.VoiceMale,
			CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		Completed: map[string]bool{"1": true},
	}}
	app := newTestApp(engine, nil)

	resp, body := doJSON(t, app, http.MethodGet, "/api/v1/call", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var got callResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != "prompting" || got.SessionID != id.String() || got.VoiceCallID != "v1" || got.Voice != "male" {
		t.Fatalf("unexpected response %+v", got)
	}
	if len(got.CompletedPrompts) != 1 || got.CompletedPrompts[0] != "1" {
		t.Fatalf("unexpected completed prompts %v", got.CompletedPrompts)
	}
}

func TestCurrentCallIdle(t *testing.T) {
	app := newTestApp(&fakeEngine{snapshot: orchestrator.Snapshot{State: orchestrator.StateIdle}}, nil)
	_, body := doJSON(t, app, http.MethodGet, "/api/v1/call", "", nil)
	var got map[string]any
	_ = json.Unmarshal(body, &got)
	if got["state"] != "idle" {
		t.Fatalf("expected idle, got %s", body)
	}
	if _, ok := got["session_id"]; ok {
		t.Fatalf("idle response must not carry a session, got %s", body)
	}
}

func TestHealth(t *testing.T) {
	app := newTestApp(&fakeEngine{}, map[string]HealthCheck{
		"redis": func(context.Context) error { return nil },
	})
	resp, _ := doJSON(t, app, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	app = newTestApp(&fakeEngine{}, map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	resp, body := doJSON(t, app, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(string(body), "connection refused") {
		t.Fatalf("expected 503 with the failing check, got %d %s", resp.StatusCode, body)
	}
}

func TestWriteEventsFormatsFrames(t *testing.T) {
	hub := notify.NewHub(8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = hub.Publish(ctx, "Outbound Call is connected")
	_ = hub.Publish(ctx, "Greeting is completed, Playing IVR Menu")
	sub, _ := hub.Subscribe(ctx)
	defer sub.Close()

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	done := make(chan error, 1)
	go func() { done <- writeEvents(ctx, w, sub, "1700000000000", time.Hour) }()

	time.Sleep(50 * time.Millisecond)
	hub.Close()

	select {
	case err := <-done:
		if !errors.Is(err, notify.ErrClosed) {
			t.Fatalf("expected closed channel to end the stream, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("stream did not end")
	}

	want := ": connected\n\n" +
		"id: 1700000000000\ndata: Outbound Call is connected\n\n" +
		"id: 1700000000000\ndata: Greeting is completed, Playing IVR Menu\n\n"
	if buf.String() != want {
		t.Fatalf("unexpected stream:\n%q\nwant:\n%q", buf.String(), want)
	}
}

func TestWriteEventsKeepAlive(t *testing.T) {
	hub := notify.NewHub(8, nil)
	sub, _ := hub.Subscribe(context.Background())
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()

	var buf bytes.Buffer
	err := writeEvents(ctx, bufio.NewWriter(&buf), sub, "1", 20*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the stream to end with its context, got %v", err)
	}
	if !strings.Contains(buf.String(), ": keepalive\n\n") {
		t.Fatalf("expected keepalive comments, got %q", buf.String())
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestWriteEventsStopsOnWriteError(t *testing.T) {
	hub := notify.NewHub(8, nil)
	sub, _ := hub.Subscribe(context.Background())
	defer sub.Close()

	err := writeEvents(context.Background(), bufio.NewWriter(failingWriter{}), sub, "1", time.Hour)
	if err == nil || !strings.Contains(err.Error(), "broken pipe") {
		t.Fatalf("expected write error, got %v", err)
	}
}
