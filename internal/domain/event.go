package domain

// CallState is the call-level state reported by the provider.
type CallState string

const (
	CallStateConnected    CallState = "connected"
	CallStateDisconnected CallState = "disconnected"
)

// PlayState is the prompt playback state reported by the provider.
type PlayState string

const (
	PlayStateFinished PlayState = "playfinished"
)

// WebhookEvent is the normalized form of a provider notification.
// Nil State or PlayState means the key was absent from the payload.
type WebhookEvent struct {
	VoiceID   string
	State     *CallState
	PlayState *PlayState
	PromptRef string
}

// Is reports whether the event carries the given call state.
func (e WebhookEvent) Is(state CallState) bool {
	return e.State != nil && *e.State == state
}

// PlayFinished reports whether the event marks the end of a prompt.
func (e WebhookEvent) PlayFinished() bool {
	return e.PlayState != nil && *e.PlayState == PlayStateFinished
}
