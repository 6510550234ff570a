package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/acme/outbound-ivr-call/pkg/errors"
)

// Voice selects the text-to-speech voice used for a prompt.
type Voice string

const (
	VoiceMale   Voice = "male"
	VoiceFemale Voice = "female"
)

// ParseVoice validates a voice name. An empty value yields fallback.
func ParseVoice(value string, fallback Voice) (Voice, error) {
	switch Voice(strings.ToLower(strings.TrimSpace(value))) {
	case "":
		return fallback, nil
	case VoiceMale:
		return VoiceMale, nil
	case VoiceFemale:
		return VoiceFemale, nil
	default:
		return "", fmt.Errorf("%w: unsupported voice %q", apperrors.ErrValidation, value)
	}
}

// CallSession is the single tracked outbound call.
type CallSession struct {
	ID          uuid.UUID
	VoiceCallID string
	From        string
	To          string
	Voice       Voice
	PromptText  string
	CreatedAt   time.Time
}

// HasVoiceCallID reports whether the provider identifier has been assigned.
func (s CallSession) HasVoiceCallID() bool {
	return s.VoiceCallID != ""
}
