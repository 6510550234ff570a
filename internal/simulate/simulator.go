// Package simulate replays provider webhooks against a running server so the
// IVR flow can be exercised without a real voice provider.
package simulate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/outbound-ivr-call/internal/webhook"
	"github.com/acme/outbound-ivr-call/pkg/logger"
)

// Event is one webhook body as the provider would send it.
type Event struct {
	VoiceID   string `json:"voice_id"`
	State     string `json:"state,omitempty"`
	PlayState string `json:"playstate,omitempty"`
	PromptRef string `json:"prompt_ref,omitempty"`
}

// Options configure a simulation run.
type Options struct {
	// Target is the server base URL, e.g. http://localhost:3000.
	Target string
	// From and To, when both set, place a call first and use its voice_id.
	From string
	To   string
	// VoiceID is used when no call is placed.
	VoiceID string
	// AppID keys the cipher when Headers.Algorithm is set.
	AppID   string
	Headers webhook.Headers
	// Step is the pause between events; HangupWait is the pause before the
	// final disconnected event.
	Step       time.Duration
	HangupWait time.Duration
	Timeout    time.Duration
}

// Simulator posts webhooks to a server.
type Simulator struct {
	opts   Options
	logger *logger.Logger
}

// New creates a simulator.
func New(opts Options, lg *logger.Logger) *Simulator {
	if lg == nil {
		lg = logger.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	opts.Target = strings.TrimRight(opts.Target, "/")
	return &Simulator{opts: opts, logger: lg}
}

// Script returns the webhook sequence of a complete call.
func Script(voiceID string) []Event {
	return []Event{
		{VoiceID: voiceID, State: "connected"},
		{VoiceID: voiceID, PlayState: "playfinished", PromptRef: "1"},
		{VoiceID: voiceID, PlayState: "playfinished", PromptRef: "2"},
		{VoiceID: voiceID, State: "disconnected"},
	}
}

// Run optionally places a call, then walks the script.
func (s *Simulator) Run(ctx context.Context) error {
	voiceID := s.opts.VoiceID
	if s.opts.From != "" && s.opts.To != "" {
		id, err := s.Initiate(ctx)
		if err != nil {
			return err
		}
		voiceID = id
	}
	if voiceID == "" {
		return errors.New("simulate: voice id is required when no call is placed")
	}

	events := Script(voiceID)
	for i, ev := range events {
		wait := s.opts.Step
		if i == len(events)-1 && s.opts.HangupWait > 0 {
			wait = s.opts.HangupWait
		}
		if i > 0 && wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		if err := s.Send(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Initiate asks the server to place a call and returns the provider id.
func (s *Simulator) Initiate(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{"from": s.opts.From, "to": s.opts.To})
	if err != nil {
		return "", err
	}
	code, resp, err := s.post(ctx, s.opts.Target+"/outbound-call", body, nil)
	if err != nil {
		return "", err
	}
	if code != fiber.StatusOK {
		return "", fmt.Errorf("simulate: initiate returned %d: %s", code, resp)
	}

	var created struct {
		VoiceID string `json:"voice_id"`
	}
	if err := json.Unmarshal(resp, &created); err != nil || created.VoiceID == "" {
		return "", fmt.Errorf("simulate: initiate response has no voice_id: %s", resp)
	}
	s.logger.Info("call placed", zap.String("voice_id", created.VoiceID))
	return created.VoiceID, nil
}

// Send posts one event, encrypting it when an algorithm is configured.
func (s *Simulator) Send(ctx context.Context, ev Event) error {
	plain, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	body := plain
	headers := map[string]string{}
	if s.opts.Headers.Encrypted() {
		body, err = webhook.Encrypt(s.opts.Headers, s.opts.AppID, plain)
		if err != nil {
			return fmt.Errorf("simulate: encrypt: %w", err)
		}
		headers[webhook.HeaderAlgorithm] = s.opts.Headers.Algorithm
		headers[webhook.HeaderFormat] = s.opts.Headers.Format
		headers[webhook.HeaderEncoding] = s.opts.Headers.Encoding
	}

	code, resp, err := s.post(ctx, s.opts.Target+"/event", body, headers)
	if err != nil {
		return err
	}
	if code != fiber.StatusOK {
		return fmt.Errorf("simulate: event returned %d: %s", code, resp)
	}
	s.logger.Info("webhook delivered",
		zap.String("state", ev.State),
		zap.String("playstate", ev.PlayState),
		zap.String("prompt_ref", ev.PromptRef),
		zap.Bool("encrypted", s.opts.Headers.Encrypted()),
	)
	return nil
}

func (s *Simulator) post(ctx context.Context, target string, body []byte, headers map[string]string) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	agent := fiber.Post(target)
	agent.Timeout(s.opts.Timeout)
	agent.ContentType(fiber.MIMEApplicationJSON)
	for k, v := range headers {
		agent.Set(k, v)
	}
	agent.Body(body)
	if err := agent.Parse(); err != nil {
		fiber.ReleaseAgent(agent)
		return 0, nil, fmt.Errorf("simulate: post %s: %w", target, err)
	}

	// Bytes releases the agent.
	code, resp, errs := agent.Bytes()
	if len(errs) > 0 {
		return 0, nil, fmt.Errorf("simulate: post %s: %w", target, errors.Join(errs...))
	}
	return code, resp, nil
}
