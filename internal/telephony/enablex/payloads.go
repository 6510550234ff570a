package enablex

type createCallPayload struct {
	Name            string          `json:"name"`
	OwnerRef        string          `json:"owner_ref"`
	From            string          `json:"from"`
	To              string          `json:"to"`
	ActionOnConnect actionOnConnect `json:"action_on_connect"`
	EventURL        string          `json:"event_url,omitempty"`
}

type actionOnConnect struct {
	Play playAction `json:"play"`
}

type playPayload struct {
	Play playAction `json:"play"`
}

type playAction struct {
	Text      string `json:"text"`
	Voice     string `json:"voice"`
	Language  string `json:"language,omitempty"`
	PromptRef string `json:"prompt_ref"`
}

type createCallResponse struct {
	VoiceID string `json:"voice_id"`
	State   string `json:"state"`
}
