package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/acme/outbound-ivr-call/internal/domain"
	apperrors "github.com/acme/outbound-ivr-call/pkg/errors"
)

var (
	// ErrTransport marks a network or provider failure on a voice API call.
	ErrTransport = fmt.Errorf("voice api transport: %w", apperrors.ErrUpstream)
	// ErrMissingCallID is returned when a per-call action has no provider id.
	ErrMissingCallID = errors.New("voice call id is not set")
)

// CreateCallRequest describes a new outbound call.
type CreateCallRequest struct {
	Session  domain.CallSession
	EventURL string
}

// CreateCallResult captures the provider acknowledgement.
type CreateCallResult struct {
	VoiceCallID string
	Raw         json.RawMessage
}

// Prompt is a text-to-speech instruction tagged for correlation.
type Prompt struct {
	Text      string
	Voice     domain.Voice
	PromptRef string
}

// Provider abstracts the voice API integration.
type Provider interface {
	CreateCall(ctx context.Context, req CreateCallRequest) (CreateCallResult, error)
	PlayPrompt(ctx context.Context, voiceCallID string, prompt Prompt) error
	Hangup(ctx context.Context, voiceCallID string) error
}
