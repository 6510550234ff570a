package webhook

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/acme/outbound-ivr-call/internal/domain"
)

const testAppID = "5f1b9a2c3d4e5f6a7b8c9d0e"

func TestDecodePlainPayload(t *testing.T) {
	d := NewDecoder(testAppID)

	ev, err := d.Decode(Headers{}, []byte(`{"voice_id":"v-1","playstate":"playfinished","prompt_ref":"1","extra":{"a":1}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.VoiceID != "v-1" || ev.PromptRef != "1" || !ev.PlayFinished() {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.State != nil {
		t.Fatalf("absent state must stay nil, got %q", *ev.State)
	}
}

func TestDecodeStateOnly(t *testing.T) {
	d := NewDecoder(testAppID)

	ev, err := d.Decode(Headers{}, []byte(`{"state":"connected"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ev.Is(domain.CallStateConnected) {
		t.Fatalf("expected connected state, got %+v", ev)
	}
	if ev.PlayState != nil || ev.PromptRef != "" {
		t.Fatalf("absent play fields must stay empty, got %+v", ev)
	}
}

func TestDecodeNumericPromptRef(t *testing.T) {
	d := NewDecoder(testAppID)

	ev, err := d.Decode(Headers{}, []byte(`{"playstate":"playfinished","prompt_ref":2}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.PromptRef != "2" {
		t.Fatalf("expected prompt ref 2, got %q", ev.PromptRef)
	}
}

func TestDecodeMalformedPlainPayload(t *testing.T) {
	d := NewDecoder(testAppID)

	cases := [][]byte{
		[]byte(`not json`),
		[]byte(`{"state":5}`),
		[]byte(`{"prompt_ref":{"x":1}}`),
	}
	for _, body := range cases {
		if _, err := d.Decode(Headers{}, body); !errors.Is(err, ErrMalformedPayload) || !errors.Is(err, ErrDecode) {
			t.Errorf("body %s: expected ErrMalformedPayload, got %v", body, err)
		}
	}
}

func TestEncryptDecodeRoundTrip(t *testing.T) {
	d := NewDecoder(testAppID)
	plaintext := []byte(`{"voice_id":"v-7","state":"disconnected","playstate":"playfinished","prompt_ref":"2"}`)

	cases := []Headers{
		{Algorithm: "aes-256-cbc", Format: "base64", Encoding: "utf8"},
		{Algorithm: "aes-192-cbc", Format: "hex", Encoding: "utf8"},
		{Algorithm: "aes-128-cbc", Format: "base64", Encoding: "latin1"},
		{Algorithm: "aes-256-ctr", Format: "hex", Encoding: "utf-8"},
		{Algorithm: "AES-128-CTR", Format: "", Encoding: ""},
	}

	for _, h := range cases {
		body, err := Encrypt(h, testAppID, plaintext)
		if err != nil {
			t.Fatalf("%+v: encrypt: %v", h, err)
		}
		ev, err := d.Decode(h, body)
		if err != nil {
			t.Fatalf("%+v: decode: %v", h, err)
		}
		if ev.VoiceID != "v-7" || !ev.Is(domain.CallStateDisconnected) || !ev.PlayFinished() || ev.PromptRef != "2" {
			t.Fatalf("%+v: round trip mismatch: %+v", h, ev)
		}
	}
}

// Matches Node's crypto.createDecipher('aes-256-cbc', appId) key derivation.
func TestDecodeOpenSSLCompatibleCiphertext(t *testing.T) {
	key, iv := deriveKeyIV([]byte("secret"), 32, aes.BlockSize)
	if len(key) != 32 || len(iv) != aes.BlockSize {
		t.Fatalf("unexpected key material sizes %d/%d", len(key), len(iv))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	padded := pkcs7Pad([]byte(`{"state":"connected"}`), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	body, _ := json.Marshal(map[string]string{"encrypted_data": base64.StdEncoding.EncodeToString(ciphertext)})
	ev, err := NewDecoder("secret").Decode(Headers{Algorithm: "aes-256-cbc", Format: "base64", Encoding: "utf8"}, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ev.Is(domain.CallStateConnected) {
		t.Fatalf("expected connected, got %+v", ev)
	}
}

func TestDeriveKeyIVIsDeterministic(t *testing.T) {
	k1, iv1 := deriveKeyIV([]byte("abc"), 24, 16)
	k2, iv2 := deriveKeyIV([]byte("abc"), 24, 16)
	if !bytes.Equal(k1, k2) || !bytes.Equal(iv1, iv2) {
		t.Fatalf("key derivation is not deterministic")
	}
	k3, _ := deriveKeyIV([]byte("abd"), 24, 16)
	if bytes.Equal(k1, k3) {
		t.Fatalf("different passwords must derive different keys")
	}
}

func TestDecodeUnsupportedAlgorithm(t *testing.T) {
	d := NewDecoder(testAppID)

	_, err := d.Decode(Headers{Algorithm: "des-ede3", Format: "base64", Encoding: "utf8"}, []byte(`{"encrypted_data":"AAAA"}`))
	if !errors.Is(err, ErrUnsupportedAlgorithm) || !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
}

func TestDecodeMismatchedAlgorithmFails(t *testing.T) {
	d := NewDecoder(testAppID)
	plaintext := []byte(`{"state":"connected","voice_id":"v-1","prompt_ref":"1"}`)

	body, err := Encrypt(Headers{Algorithm: "aes-256-cbc", Format: "base64", Encoding: "utf8"}, testAppID, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := d.Decode(Headers{Algorithm: "aes-128-cbc", Format: "base64", Encoding: "utf8"}, body); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected decode error for mismatched algorithm, got %v", err)
	}
}

func TestDecodeWrongKeyFails(t *testing.T) {
	h := Headers{Algorithm: "aes-256-cbc", Format: "hex", Encoding: "utf8"}
	body, err := Encrypt(h, "other-app", []byte(`{"state":"connected"}`))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := NewDecoder(testAppID).Decode(h, body); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected decode error for wrong key, got %v", err)
	}
}

func TestDecodeMalformedCiphertext(t *testing.T) {
	d := NewDecoder(testAppID)
	h := Headers{Algorithm: "aes-256-cbc", Format: "base64", Encoding: "utf8"}

	valid, err := Encrypt(h, testAppID, []byte(`{"state":"connected"}`))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	var env map[string]string
	_ = json.Unmarshal(valid, &env)
	raw, _ := base64.StdEncoding.DecodeString(env["encrypted_data"])
	truncated, _ := json.Marshal(map[string]string{"encrypted_data": base64.StdEncoding.EncodeToString(raw[:len(raw)-3])})

	cases := map[string][]byte{
		"truncated":   truncated,
		"not base64":  []byte(`{"encrypted_data":"***"}`),
		"missing":     []byte(`{"state":"connected"}`),
		"empty":       []byte(`{"encrypted_data":""}`),
		"no envelope": []byte(`garbage`),
	}
	for name, body := range cases {
		if _, err := d.Decode(h, body); !errors.Is(err, ErrMalformedCiphertext) {
			t.Errorf("%s: expected ErrMalformedCiphertext, got %v", name, err)
		}
	}
}

func TestDecodeUnsupportedEncodings(t *testing.T) {
	d := NewDecoder(testAppID)

	if _, err := d.Decode(Headers{Algorithm: "aes-256-cbc", Format: "base32", Encoding: "utf8"}, []byte(`{"encrypted_data":"AAAA"}`)); !errors.Is(err, ErrUnsupportedEncoding) {
		t.Fatalf("expected ErrUnsupportedEncoding for format, got %v", err)
	}

	h := Headers{Algorithm: "aes-256-cbc", Format: "base64", Encoding: "utf8"}
	body, _ := Encrypt(h, testAppID, []byte(`{}`))
	h.Encoding = "utf16le"
	if _, err := d.Decode(h, body); !errors.Is(err, ErrUnsupportedEncoding) {
		t.Fatalf("expected ErrUnsupportedEncoding for output, got %v", err)
	}
}
