package webhook

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

type cipherMode int

const (
	modeCBC cipherMode = iota
	modeCTR
)

type algorithm struct {
	keyLen int
	mode   cipherMode
}

var algorithms = map[string]algorithm{
	"aes-128-cbc": {keyLen: 16, mode: modeCBC},
	"aes-192-cbc": {keyLen: 24, mode: modeCBC},
	"aes-256-cbc": {keyLen: 32, mode: modeCBC},
	"aes128":      {keyLen: 16, mode: modeCBC},
	"aes192":      {keyLen: 24, mode: modeCBC},
	"aes256":      {keyLen: 32, mode: modeCBC},
	"aes-128-ctr": {keyLen: 16, mode: modeCTR},
	"aes-192-ctr": {keyLen: 24, mode: modeCTR},
	"aes-256-ctr": {keyLen: 32, mode: modeCTR},
}

func lookupAlgorithm(name string) (algorithm, error) {
	alg, ok := algorithms[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return algorithm{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
	return alg, nil
}

// deriveKeyIV follows OpenSSL EVP_BytesToKey with MD5, one round and no
// salt, which is how the provider turns the application id into key material.
func deriveKeyIV(password []byte, keyLen, ivLen int) (key, iv []byte) {
	var (
		material []byte
		prev     []byte
	)
	for len(material) < keyLen+ivLen {
		h := md5.New()
		h.Write(prev)
		h.Write(password)
		prev = h.Sum(nil)
		material = append(material, prev...)
	}
	return material[:keyLen], material[keyLen : keyLen+ivLen]
}

func decrypt(alg algorithm, secret string, ciphertext []byte) ([]byte, error) {
	key, iv := deriveKeyIV([]byte(secret), alg.keyLen, aes.BlockSize)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, err)
	}

	switch alg.mode {
	case modeCTR:
		out := make([]byte, len(ciphertext))
		cipher.NewCTR(block, iv).XORKeyStream(out, ciphertext)
		return out, nil
	default:
		if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
			return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of the block size", ErrMalformedCiphertext, len(ciphertext))
		}
		out := make([]byte, len(ciphertext))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
		return pkcs7Unpad(out)
	}
}

func encrypt(alg algorithm, secret string, plaintext []byte) ([]byte, error) {
	key, iv := deriveKeyIV([]byte(secret), alg.keyLen, aes.BlockSize)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, err)
	}

	switch alg.mode {
	case modeCTR:
		out := make([]byte, len(plaintext))
		cipher.NewCTR(block, iv).XORKeyStream(out, plaintext)
		return out, nil
	default:
		padded := pkcs7Pad(plaintext, aes.BlockSize)
		out := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
		return out, nil
	}
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte{}, data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformedCiphertext)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrMalformedCiphertext)
		}
	}
	return data[:len(data)-n], nil
}

// decodeInput turns the transported ciphertext into bytes. An empty format
// means base64.
func decodeInput(format, data string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "base64":
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(data, "="))
		}
		if err != nil {
			return nil, fmt.Errorf("%w: invalid base64: %v", ErrMalformedCiphertext, err)
		}
		return raw, nil
	case "hex":
		raw, err := hex.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid hex: %v", ErrMalformedCiphertext, err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: input format %q", ErrUnsupportedEncoding, format)
	}
}

func encodeInput(format string, data []byte) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "base64":
		return base64.StdEncoding.EncodeToString(data), nil
	case "hex":
		return hex.EncodeToString(data), nil
	default:
		return "", fmt.Errorf("%w: input format %q", ErrUnsupportedEncoding, format)
	}
}

// decodeOutput interprets the plaintext bytes as text in the given encoding
// and returns it as UTF-8. An empty encoding means utf8.
func decodeOutput(encoding string, data []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "utf8", "utf-8", "ascii":
		if !utf8.Valid(data) {
			return nil, fmt.Errorf("%w: plaintext is not valid utf-8", ErrMalformedCiphertext)
		}
		return data, nil
	case "latin1", "binary":
		var b strings.Builder
		for _, c := range data {
			b.WriteRune(rune(c))
		}
		return []byte(b.String()), nil
	default:
		return nil, fmt.Errorf("%w: output encoding %q", ErrUnsupportedEncoding, encoding)
	}
}

func encodeOutput(encoding string, text []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "utf8", "utf-8", "ascii":
		return text, nil
	case "latin1", "binary":
		out := make([]byte, 0, len(text))
		for _, r := range string(text) {
			if r > 0xff {
				return nil, fmt.Errorf("%w: %q is not representable in latin1", ErrUnsupportedEncoding, r)
			}
			out = append(out, byte(r))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: output encoding %q", ErrUnsupportedEncoding, encoding)
	}
}
