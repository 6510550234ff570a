package enablex

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-ivr-call/internal/config"
	"github.com/acme/outbound-ivr-call/internal/domain"
	"github.com/acme/outbound-ivr-call/internal/telephony"
)

type recordedRequest struct {
	Method string
	Path   string
	User   string
	Pass   string
	Body   []byte
}

type fakeVoiceAPI struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	response string
}

func (f *fakeVoiceAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	user, pass, _ := r.BasicAuth()
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, User: user, Pass: pass, Body: body})
	status, response := f.status, f.response
	f.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(response))
}

func (f *fakeVoiceAPI) last(t *testing.T) recordedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatalf("no request recorded")
	}
	return f.requests[len(f.requests)-1]
}

func newTestClient(t *testing.T, api *fakeVoiceAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())

	return NewClient(config.VoiceConfig{
		Scheme:         "http",
		Host:           u.Hostname(),
		Port:           port,
		BasePath:       "/voice/v1/call",
		AppID:          "app-id",
		AppKey:         "app-key",
		AppName:        "TEST_APP",
		OwnerRef:       "XYZ",
		Language:       "en-US",
		RequestTimeout: 2 * time.Second,
	})
}

func TestCreateCallSendsPayload(t *testing.T) {
	api := &fakeVoiceAPI{response: `{"voice_id":"v-123","state":"initiated"}`}
	client := newTestClient(t, api)

	session := domain.CallSession{
		ID:         uuid.New(),
		From:       "A",
		To:         "B",
		Voice:      domain.VoiceFemale,
		PromptText: "hello",
	}
	res, err := client.CreateCall(context.Background(), telephony.CreateCallRequest{Session: session, EventURL: "https://hooks.example.io/event"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.VoiceCallID != "v-123" {
		t.Fatalf("expected voice id v-123, got %q", res.VoiceCallID)
	}
	if string(res.Raw) != api.response {
		t.Fatalf("expected raw provider payload, got %s", res.Raw)
	}

	req := api.last(t)
	if req.Method != http.MethodPost || req.Path != "/voice/v1/call" {
		t.Fatalf("unexpected request %s %s", req.Method, req.Path)
	}
	if req.User != "app-id" || req.Pass != "app-key" {
		t.Fatalf("unexpected basic auth %q:%q", req.User, req.Pass)
	}

	var payload createCallPayload
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Name != "TEST_APP" || payload.OwnerRef != "XYZ" || payload.From != "A" || payload.To != "B" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	play := payload.ActionOnConnect.Play
	if play.Text != "hello" || play.Voice != "female" || play.PromptRef != domain.GreetingPromptRef || play.Language != "en-US" {
		t.Fatalf("unexpected initial prompt %+v", play)
	}
	if payload.EventURL != "https://hooks.example.io/event" {
		t.Fatalf("unexpected event url %q", payload.EventURL)
	}
}

func TestCreateCallWithoutVoiceIDFails(t *testing.T) {
	api := &fakeVoiceAPI{response: `{"state":"failed"}`}
	client := newTestClient(t, api)

	_, err := client.CreateCall(context.Background(), telephony.CreateCallRequest{Session: domain.CallSession{ID: uuid.New()}})
	if !errors.Is(err, telephony.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestPlayPromptUsesCallPath(t *testing.T) {
	api := &fakeVoiceAPI{response: `{}`}
	client := newTestClient(t, api)

	err := client.PlayPrompt(context.Background(), "v-9", telephony.Prompt{Text: "menu", Voice: domain.VoiceMale, PromptRef: "2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := api.last(t)
	if req.Method != http.MethodPut || req.Path != "/voice/v1/call/v-9" {
		t.Fatalf("unexpected request %s %s", req.Method, req.Path)
	}
	var payload playPayload
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Play.Text != "menu" || payload.Play.Voice != "male" || payload.Play.PromptRef != "2" {
		t.Fatalf("unexpected play payload %+v", payload.Play)
	}
}

func TestHangupUsesDelete(t *testing.T) {
	api := &fakeVoiceAPI{response: `{}`}
	client := newTestClient(t, api)

	if err := client.Hangup(context.Background(), "v-9"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := api.last(t)
	if req.Method != http.MethodDelete || req.Path != "/voice/v1/call/v-9" {
		t.Fatalf("unexpected request %s %s", req.Method, req.Path)
	}
}

func TestPerCallActionsRequireCallID(t *testing.T) {
	api := &fakeVoiceAPI{}
	client := newTestClient(t, api)

	if err := client.PlayPrompt(context.Background(), "", telephony.Prompt{PromptRef: "2"}); !errors.Is(err, telephony.ErrMissingCallID) {
		t.Fatalf("expected ErrMissingCallID, got %v", err)
	}
	if err := client.Hangup(context.Background(), ""); !errors.Is(err, telephony.ErrMissingCallID) {
		t.Fatalf("expected ErrMissingCallID, got %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.requests) != 0 {
		t.Fatalf("expected no network calls, got %d", len(api.requests))
	}
}

func TestNonSuccessStatusIsTransportError(t *testing.T) {
	api := &fakeVoiceAPI{status: http.StatusUnauthorized, response: `{"result":1,"msg":"auth"}`}
	client := newTestClient(t, api)

	if err := client.Hangup(context.Background(), "v-1"); !errors.Is(err, telephony.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestCancelledContextIsTransportError(t *testing.T) {
	api := &fakeVoiceAPI{}
	client := newTestClient(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.Hangup(ctx, "v-1"); !errors.Is(err, telephony.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}
