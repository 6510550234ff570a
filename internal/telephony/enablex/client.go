package enablex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/acme/outbound-ivr-call/internal/config"
	"github.com/acme/outbound-ivr-call/internal/domain"
	"github.com/acme/outbound-ivr-call/internal/telephony"
)

// Client talks to the EnableX voice API.
type Client struct {
	baseURL  string
	appID    string
	appKey   string
	appName  string
	ownerRef string
	language string
	timeout  time.Duration
}

// NewClient builds a client from the voice configuration.
func NewClient(cfg config.VoiceConfig) *Client {
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "https"
	}
	host := cfg.Host
	if cfg.Port > 0 {
		host = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}
	base := url.URL{Scheme: scheme, Host: host, Path: "/" + strings.Trim(cfg.BasePath, "/")}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:  strings.TrimRight(base.String(), "/"),
		appID:    cfg.AppID,
		appKey:   cfg.AppKey,
		appName:  cfg.AppName,
		ownerRef: cfg.OwnerRef,
		language: cfg.Language,
		timeout:  timeout,
	}
}

// CreateCall places a new outbound call whose first prompt is the greeting.
func (c *Client) CreateCall(ctx context.Context, req telephony.CreateCallRequest) (telephony.CreateCallResult, error) {
	ctx, span := c.startSpan(ctx, "voiceapi.create_call", attribute.String("session.id", req.Session.ID.String()))
	defer span.End()

	payload := createCallPayload{
		Name:     c.appName,
		OwnerRef: c.ownerRef,
		From:     req.Session.From,
		To:       req.Session.To,
		ActionOnConnect: actionOnConnect{
			Play: c.play(telephony.Prompt{
				Text:      req.Session.PromptText,
				Voice:     req.Session.Voice,
				PromptRef: domain.GreetingPromptRef,
			}),
		},
		EventURL: req.EventURL,
	}

	body, err := c.do(ctx, fiber.MethodPost, c.baseURL, payload)
	if err != nil {
		span.RecordError(err)
		return telephony.CreateCallResult{}, fmt.Errorf("enablex: create call: %w", err)
	}

	var ack createCallResponse
	if err := json.Unmarshal(body, &ack); err != nil {
		span.RecordError(err)
		return telephony.CreateCallResult{}, fmt.Errorf("enablex: create call: decode response: %w: %v", telephony.ErrTransport, err)
	}
	if ack.VoiceID == "" {
		err := fmt.Errorf("enablex: create call: %w: response has no voice_id (state %q)", telephony.ErrTransport, ack.State)
		span.RecordError(err)
		return telephony.CreateCallResult{}, err
	}

	span.SetAttributes(attribute.String("voice.call_id", ack.VoiceID))
	return telephony.CreateCallResult{VoiceCallID: ack.VoiceID, Raw: json.RawMessage(body)}, nil
}

// PlayPrompt asks the provider to speak a prompt on a live call.
func (c *Client) PlayPrompt(ctx context.Context, voiceCallID string, prompt telephony.Prompt) error {
	if voiceCallID == "" {
		return fmt.Errorf("enablex: play prompt %q: %w", prompt.PromptRef, telephony.ErrMissingCallID)
	}
	ctx, span := c.startSpan(ctx, "voiceapi.play_prompt",
		attribute.String("voice.call_id", voiceCallID),
		attribute.String("prompt.ref", prompt.PromptRef),
	)
	defer span.End()

	if _, err := c.do(ctx, fiber.MethodPut, c.callURL(voiceCallID), playPayload{Play: c.play(prompt)}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("enablex: play prompt %q: %w", prompt.PromptRef, err)
	}
	return nil
}

// Hangup terminates a call.
func (c *Client) Hangup(ctx context.Context, voiceCallID string) error {
	if voiceCallID == "" {
		return fmt.Errorf("enablex: hangup: %w", telephony.ErrMissingCallID)
	}
	ctx, span := c.startSpan(ctx, "voiceapi.hangup", attribute.String("voice.call_id", voiceCallID))
	defer span.End()

	if _, err := c.do(ctx, fiber.MethodDelete, c.callURL(voiceCallID), nil); err != nil {
		span.RecordError(err)
		return fmt.Errorf("enablex: hangup: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, target string, payload any) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", telephony.ErrTransport, err)
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	agent := fiber.AcquireAgent()
	req := agent.Request()
	req.Header.SetMethod(method)
	req.SetRequestURI(target)
	agent.BasicAuth(c.appID, c.appKey)
	agent.Timeout(timeout)
	if payload != nil {
		agent.JSON(payload)
	} else {
		agent.ContentType(fiber.MIMEApplicationJSON)
	}

	if err := agent.Parse(); err != nil {
		fiber.ReleaseAgent(agent)
		return nil, fmt.Errorf("%w: %v", telephony.ErrTransport, err)
	}

	// Bytes releases the agent.
	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %v", telephony.ErrTransport, errors.Join(errs...))
	}
	if code < fiber.StatusOK || code >= fiber.StatusMultipleChoices {
		return nil, fmt.Errorf("%w: %s %s returned status %d: %s", telephony.ErrTransport, method, target, code, truncate(body, 256))
	}
	return body, nil
}

func (c *Client) callURL(voiceCallID string) string {
	return c.baseURL + "/" + url.PathEscape(voiceCallID)
}

func (c *Client) play(p telephony.Prompt) playAction {
	return playAction{
		Text:      p.Text,
		Voice:     string(p.Voice),
		Language:  c.language,
		PromptRef: p.PromptRef,
	}
}

func (c *Client) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("outbound.voiceapi").Start(ctx, name, trace.WithAttributes(attrs...))
}

func truncate(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
