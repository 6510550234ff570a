package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/acme/outbound-ivr-call/internal/domain"
)

// Header names carrying the cipher parameters. The provider spells the
// algorithm header without the "h".
const (
	HeaderAlgorithm = "x-algoritm"
	HeaderFormat    = "x-format"
	HeaderEncoding  = "x-encoding"
)

var (
	// ErrDecode is the umbrella for every webhook decoding failure.
	ErrDecode = errors.New("webhook decode error")

	ErrMalformedCiphertext  = fmt.Errorf("%w: malformed ciphertext", ErrDecode)
	ErrUnsupportedAlgorithm = fmt.Errorf("%w: unsupported algorithm", ErrDecode)
	ErrUnsupportedEncoding  = fmt.Errorf("%w: unsupported encoding", ErrDecode)
	ErrMalformedPayload     = fmt.Errorf("%w: malformed payload", ErrDecode)
)

// Headers carries the cipher negotiation of an inbound webhook.
type Headers struct {
	Algorithm string
	Format    string
	Encoding  string
}

// Encrypted reports whether the body must be deciphered.
func (h Headers) Encrypted() bool {
	return strings.TrimSpace(h.Algorithm) != ""
}

type envelope struct {
	EncryptedData *string `json:"encrypted_data"`
}

type payload struct {
	VoiceID   string          `json:"voice_id"`
	State     *string         `json:"state"`
	PlayState *string         `json:"playstate"`
	PromptRef json.RawMessage `json:"prompt_ref"`
}

// Decoder turns raw webhook requests into events.
type Decoder struct {
	secret string
}

// NewDecoder creates a decoder keyed by the application id.
func NewDecoder(appID string) *Decoder {
	return &Decoder{secret: appID}
}

// Decode deciphers the body when an algorithm header is present and parses
// the resulting JSON. Without the header the body is taken as plain JSON.
func (d *Decoder) Decode(h Headers, body []byte) (domain.WebhookEvent, error) {
	plain := body
	if h.Encrypted() {
		var err error
		plain, err = d.decrypt(h, body)
		if err != nil {
			return domain.WebhookEvent{}, err
		}
	}
	return parseEvent(plain)
}

func (d *Decoder) decrypt(h Headers, body []byte) ([]byte, error) {
	alg, err := lookupAlgorithm(h.Algorithm)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformedCiphertext, err)
	}
	if env.EncryptedData == nil || *env.EncryptedData == "" {
		return nil, fmt.Errorf("%w: encrypted_data is missing", ErrMalformedCiphertext)
	}

	ciphertext, err := decodeInput(h.Format, *env.EncryptedData)
	if err != nil {
		return nil, err
	}
	raw, err := decrypt(alg, d.secret, ciphertext)
	if err != nil {
		return nil, err
	}
	return decodeOutput(h.Encoding, raw)
}

func parseEvent(data []byte) (domain.WebhookEvent, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	ref, err := promptRef(p.PromptRef)
	if err != nil {
		return domain.WebhookEvent{}, err
	}

	ev := domain.WebhookEvent{VoiceID: p.VoiceID, PromptRef: ref}
	if p.State != nil {
		state := domain.CallState(*p.State)
		ev.State = &state
	}
	if p.PlayState != nil {
		play := domain.PlayState(*p.PlayState)
		ev.PlayState = &play
	}
	return ev, nil
}

// promptRef accepts a JSON string or number and keeps it as opaque text.
func promptRef(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: prompt_ref: %v", ErrMalformedPayload, err)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: prompt_ref: %v", ErrMalformedPayload, err)
	}
	return n.String(), nil
}

// Encrypt produces a request body the way the provider would for the given
// headers. Used to build fixtures and by the local webhook simulator.
func Encrypt(h Headers, appID string, plaintext []byte) ([]byte, error) {
	alg, err := lookupAlgorithm(h.Algorithm)
	if err != nil {
		return nil, err
	}
	text, err := encodeOutput(h.Encoding, plaintext)
	if err != nil {
		return nil, err
	}
	ciphertext, err := encrypt(alg, appID, text)
	if err != nil {
		return nil, err
	}
	encoded, err := encodeInput(h.Format, ciphertext)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"encrypted_data": encoded})
}
