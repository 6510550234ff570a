package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-ivr-call/internal/telephony"
)

// Operation names recorded by the provider.
const (
	OpCreateCall = "create_call"
	OpPlayPrompt = "play_prompt"
	OpHangup     = "hangup"
)

// Call is one recorded provider interaction.
type Call struct {
	Op          string
	VoiceCallID string
	Prompt      telephony.Prompt
	Request     telephony.CreateCallRequest
}

// Provider simulates the voice API and records every call made to it.
type Provider struct {
	latency time.Duration

	mu        sync.Mutex
	calls     []Call
	createErr error
	actionErr error
	nextID    func() string
}

// NewProvider constructs a mock provider answering after the given latency.
func NewProvider(latency time.Duration) *Provider {
	return &Provider{
		latency: latency,
		nextID:  func() string { return uuid.NewString() },
	}
}

// WithVoiceCallID makes every created call receive the given id.
func (p *Provider) WithVoiceCallID(id string) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID = func() string { return id }
	return p
}

// FailCreate makes subsequent CreateCall invocations fail with err.
func (p *Provider) FailCreate(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createErr = err
}

// FailActions makes subsequent PlayPrompt and Hangup invocations fail with err.
func (p *Provider) FailActions(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actionErr = err
}

// CreateCall simulates placing a call.
func (p *Provider) CreateCall(ctx context.Context, req telephony.CreateCallRequest) (telephony.CreateCallResult, error) {
	if err := p.wait(ctx); err != nil {
		return telephony.CreateCallResult{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{Op: OpCreateCall, Request: req})
	if p.createErr != nil {
		return telephony.CreateCallResult{}, p.createErr
	}

	id := p.nextID()
	raw, _ := json.Marshal(map[string]string{"voice_id": id, "state": "initiated"})
	return telephony.CreateCallResult{VoiceCallID: id, Raw: raw}, nil
}

// PlayPrompt records a prompt request.
func (p *Provider) PlayPrompt(ctx context.Context, voiceCallID string, prompt telephony.Prompt) error {
	if voiceCallID == "" {
		return fmt.Errorf("mock: play prompt: %w", telephony.ErrMissingCallID)
	}
	if err := p.wait(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{Op: OpPlayPrompt, VoiceCallID: voiceCallID, Prompt: prompt})
	return p.actionErr
}

// Hangup records a hangup request.
func (p *Provider) Hangup(ctx context.Context, voiceCallID string) error {
	if voiceCallID == "" {
		return fmt.Errorf("mock: hangup: %w", telephony.ErrMissingCallID)
	}
	if err := p.wait(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{Op: OpHangup, VoiceCallID: voiceCallID})
	return p.actionErr
}

// Calls returns a copy of the recorded interactions.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// Count returns how many calls of the given operation were recorded.
func (p *Provider) Count(op string) int {
	n := 0
	for _, c := range p.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (p *Provider) wait(ctx context.Context) error {
	if p.latency <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", telephony.ErrTransport, err)
		}
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", telephony.ErrTransport, ctx.Err())
	case <-time.After(p.latency):
		return nil
	}
}
