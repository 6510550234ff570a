package queue

import (
	"time"

	"github.com/google/uuid"
)

// CallEventMessage mirrors one orchestrator transition for downstream consumers.
type CallEventMessage struct {
	SessionID     uuid.UUID `json:"session_id"`
	VoiceCallID   string    `json:"voice_call_id,omitempty"`
	From          string    `json:"from,omitempty"`
	To            string    `json:"to,omitempty"`
	Input         string    `json:"input"`
	PreviousState string    `json:"previous_state"`
	State         string    `json:"state"`
	Commands      []string  `json:"commands,omitempty"`
	Notices       []string  `json:"notices,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}
